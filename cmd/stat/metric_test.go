// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package stat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetricDefinition(t *testing.T) {
	def, err := parseMetricDefinition("ipc=[instructions] / [cpu-cycles]")
	require.NoError(t, err)
	assert.Equal(t, "ipc", def.Name)
	assert.Equal(t, "[instructions] / [cpu-cycles]", def.Expression)

	_, err = parseMetricDefinition("missing-expression")
	assert.Error(t, err)
	_, err = parseMetricDefinition("bad=[unclosed")
	assert.Error(t, err)
}

func TestEvaluateMetrics(t *testing.T) {
	builder := NewCounterSummaryBuilder(false, false, false, nil, nil)
	builder.AddCountersForOneEventType(countersInfo("cpu-cycles", "", 0, counter(100, 0, 4000, 10, 10)))
	builder.AddCountersForOneEventType(countersInfo("instructions", "", 1, counter(100, 0, 8000, 10, 10)))
	summaries := NewCounterSummaries(builder.Build(), false)

	def, err := parseMetricDefinition("ipc=[instructions] / [cpu-cycles]")
	require.NoError(t, err)
	values := evaluateMetrics([]MetricDefinition{def}, summaries)
	require.Len(t, values, 1)
	assert.Equal(t, "ipc", values[0].Name)
	assert.InDelta(t, 2.0, values[0].Value, 1e-9)
}

func TestEvaluateMetricsSkipsMissingVariables(t *testing.T) {
	builder := NewCounterSummaryBuilder(false, false, false, nil, nil)
	builder.AddCountersForOneEventType(countersInfo("cpu-cycles", "", 0, counter(100, 0, 4000, 10, 10)))
	summaries := NewCounterSummaries(builder.Build(), false)

	def, err := parseMetricDefinition("ipc=[instructions] / [cpu-cycles]")
	require.NoError(t, err)
	assert.Empty(t, evaluateMetrics([]MetricDefinition{def}, summaries))
}

func TestEvaluateMetricsPerThread(t *testing.T) {
	threadMap := map[int]ThreadInfo{
		100: {PID: 99, TID: 100, Name: "a"},
		101: {PID: 99, TID: 101, Name: "b"},
	}
	builder := NewCounterSummaryBuilder(true, false, false, threadMap, nil)
	builder.AddCountersForOneEventType(countersInfo("page-faults", "", 0,
		counter(100, 0, 10, 1, 1),
		counter(101, 0, 20, 1, 1),
	))
	summaries := NewCounterSummaries(builder.Build(), false)

	def, err := parseMetricDefinition("faults2=[page-faults] * 2")
	require.NoError(t, err)
	values := evaluateMetrics([]MetricDefinition{def}, summaries)
	require.Len(t, values, 2)
	got := map[int]float64{}
	for _, value := range values {
		got[value.Thread.TID] = value.Value
	}
	assert.InDelta(t, 20.0, got[100], 1e-9)
	assert.InDelta(t, 40.0, got[101], 1e-9)
}

func TestLoadSessionConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	body := `groups:
  - events: [cpu-cycles, instructions]
  - events: [page-faults]
metrics:
  - name: ipc
    expression: "[instructions] / [cpu-cycles]"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	config, err := loadSessionConfig(path)
	require.NoError(t, err)
	require.Len(t, config.Groups, 2)
	assert.Equal(t, []string{"cpu-cycles", "instructions"}, config.Groups[0].Events)
	require.Len(t, config.Metrics, 1)
	assert.NotNil(t, config.Metrics[0].evaluable)
}

func TestLoadSessionConfigRejectsBadContent(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{name: "empty group", body: "groups:\n  - events: []\n"},
		{name: "unknown key", body: "grops:\n  - events: [cpu-cycles]\n"},
		{name: "metric without name", body: "metrics:\n  - expression: \"1+1\"\n"},
		{name: "bad expression", body: "metrics:\n  - name: x\n    expression: \"[unclosed\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			_, err := loadSessionConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestCollectOrderedOptions(t *testing.T) {
	args := []string{"perfstat", "stat", "--cpu", "0-1", "-e", "cpu-cycles", "--cpu=2", "--group", "a,b",
		"--tp-filter", "prev_pid > 0", "--", "-e", "ignored"}
	options := collectOrderedOptions(args)
	require.Len(t, options, 5)
	assert.Equal(t, orderedOption{name: "cpu", value: "0-1"}, options[0])
	assert.Equal(t, orderedOption{name: "events", value: "cpu-cycles"}, options[1])
	assert.Equal(t, orderedOption{name: "cpu", value: "2"}, options[2])
	assert.Equal(t, orderedOption{name: "group", value: "a,b"}, options[3])
	assert.Equal(t, orderedOption{name: "tp-filter", value: "prev_pid > 0"}, options[4])
}
