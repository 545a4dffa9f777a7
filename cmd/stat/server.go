// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package stat

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Live counter endpoint: when interval printing is active, the latest
// summaries are also published as Prometheus gauges.

var liveCountersGaugeVec = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "perfstat_event_count",
		Help: "perfstat scaled event counts",
	},
	[]string{"event_name", "modifier", "tid", "thread_name", "cpu"},
)

var liveMetricsGaugeVec = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "perfstat_metric",
		Help: "perfstat derived metrics",
	},
	[]string{"metric_name", "tid", "cpu"},
)

// startLiveServer registers the gauges and serves /metrics on addr.
func startLiveServer(addr string) {
	prometheus.MustRegister(liveCountersGaugeVec, liveMetricsGaugeVec)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("serving live counters", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("live counter server failed", slog.String("error", err.Error()))
		}
	}()
}

// publishLiveCounters updates the gauges from the latest summaries.
func publishLiveCounters(summaries *CounterSummaries, metricValues []MetricValue) {
	for _, s := range summaries.Summaries() {
		tid, threadName := "", ""
		if s.Thread != nil {
			tid = strconv.Itoa(s.Thread.TID)
			threadName = s.Thread.Name
		}
		cpu := ""
		if s.CPU != -1 {
			cpu = strconv.Itoa(s.CPU)
		}
		liveCountersGaugeVec.WithLabelValues(s.TypeName, s.Modifier, tid, threadName, cpu).Set(float64(s.Count))
	}
	for _, value := range metricValues {
		tid := ""
		if value.Thread != nil {
			tid = strconv.Itoa(value.Thread.TID)
		}
		cpu := ""
		if value.CPU != -1 {
			cpu = strconv.Itoa(value.CPU)
		}
		liveMetricsGaugeVec.WithLabelValues(value.Name, tid, cpu).Set(value.Value)
	}
}
