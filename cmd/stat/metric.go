// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// derived metric definitions and evaluation over counter summaries

package stat

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/casbin/govaluate"
)

// MetricDefinition is a named expression over event counts, e.g.
// ipc = "[instructions] / [cpu-cycles]". Event names appear in brackets
// since they usually contain dashes.
type MetricDefinition struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`

	evaluable *govaluate.EvaluableExpression
}

// parseMetricDefinition parses a "name=expression" flag value.
func parseMetricDefinition(arg string) (def MetricDefinition, err error) {
	name, expression, found := strings.Cut(arg, "=")
	if !found || name == "" || expression == "" {
		err = fmt.Errorf("metric definition %q is not in name=expression form", arg)
		return
	}
	def.Name = strings.TrimSpace(name)
	def.Expression = strings.TrimSpace(expression)
	err = def.compile()
	return
}

func (d *MetricDefinition) compile() (err error) {
	d.evaluable, err = govaluate.NewEvaluableExpression(d.Expression)
	if err != nil {
		err = fmt.Errorf("failed to parse metric expression %q: %w", d.Expression, err)
	}
	return
}

// MetricValue is one evaluated metric for one reporting key.
type MetricValue struct {
	Name   string
	Thread *ThreadInfo
	CPU    int
	Value  float64
}

// evaluateMetrics computes every metric definition for every reporting key
// present in the summaries. A metric whose variables are not all available
// at a key is skipped for that key.
func evaluateMetrics(definitions []MetricDefinition, summaries *CounterSummaries) (values []MetricValue) {
	type reportKey struct {
		tid int
		cpu int
	}
	counts := make(map[reportKey]map[string]any)
	threads := make(map[reportKey]*ThreadInfo)
	var keys []reportKey
	for _, s := range summaries.Summaries() {
		key := reportKey{tid: -1, cpu: s.CPU}
		if s.Thread != nil {
			key.tid = s.Thread.TID
		}
		vars, ok := counts[key]
		if !ok {
			vars = make(map[string]any)
			counts[key] = vars
			threads[key] = s.Thread
			keys = append(keys, key)
		}
		// prefer the unmodified count when an event was requested both ways
		if _, exists := vars[s.TypeName]; !exists || s.Modifier == "" {
			vars[s.TypeName] = float64(s.Count)
		}
		vars[s.Name()] = float64(s.Count)
	}
	for _, key := range keys {
		vars := counts[key]
		for i := range definitions {
			def := &definitions[i]
			if def.evaluable == nil {
				continue
			}
			available := true
			for _, varName := range def.evaluable.Vars() {
				if _, ok := vars[varName]; !ok {
					available = false
					break
				}
			}
			if !available {
				continue
			}
			result, err := def.evaluable.Evaluate(vars)
			if err != nil {
				slog.Debug("failed to evaluate metric expression",
					slog.String("metric", def.Name), slog.String("error", err.Error()))
				continue
			}
			value, ok := result.(float64)
			if !ok {
				slog.Debug("metric expression did not produce a number", slog.String("metric", def.Name))
				continue
			}
			values = append(values, MetricValue{
				Name:   def.Name,
				Thread: threads[key],
				CPU:    key.cpu,
				Value:  value,
			})
		}
	}
	return
}

// showMetrics prints evaluated metrics after the summary table.
func showMetrics(w io.Writer, values []MetricValue, csv bool) {
	for _, value := range values {
		context := ""
		if value.Thread != nil {
			if csv {
				context = fmt.Sprintf("%s,%d,%d,", value.Thread.Name, value.Thread.PID, value.Thread.TID)
			} else {
				context = fmt.Sprintf("%s(%d) ", value.Thread.Name, value.Thread.TID)
			}
		}
		if value.CPU != -1 {
			if csv {
				context += fmt.Sprintf("%d,", value.CPU)
			} else {
				context += fmt.Sprintf("cpu%d ", value.CPU)
			}
		}
		if csv {
			fmt.Fprintf(w, "metric,%s%s,%g,\n", context, value.Name, value.Value)
		} else {
			fmt.Fprintf(w, "  %smetric %s: %g\n", context, value.Name, value.Value)
		}
	}
}
