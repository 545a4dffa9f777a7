// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package stat

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfstat/internal/perfevent"
)

func countersInfo(eventName, modifier string, groupID int, counters ...perfevent.CounterInfo) perfevent.CountersInfo {
	return perfevent.CountersInfo{
		GroupID:       groupID,
		EventName:     eventName,
		EventModifier: modifier,
		Counters:      counters,
	}
}

func counter(tid, cpu int, value, enabled, running uint64) perfevent.CounterInfo {
	return perfevent.CounterInfo{
		TID: tid,
		CPU: cpu,
		Counter: perfevent.PerfCounter{
			Value:       value,
			TimeEnabled: enabled,
			TimeRunning: running,
		},
	}
}

func TestSessionWideAggregation(t *testing.T) {
	builder := NewCounterSummaryBuilder(false, false, false, nil, nil)
	builder.AddCountersForOneEventType(countersInfo("cpu-cycles", "", 0,
		counter(100, 0, 1000, 50, 50),
		counter(100, 1, 2000, 50, 50),
		counter(101, 0, 3000, 50, 50),
	))
	summaries := builder.Build()
	require.Len(t, summaries, 1)
	assert.Equal(t, uint64(6000), summaries[0].Count)
	assert.Equal(t, -1, summaries[0].CPU)
	assert.Nil(t, summaries[0].Thread)
	assert.Equal(t, uint64(150), summaries[0].RuntimeInNs)
}

func TestAggregationModesAgreeOnTotal(t *testing.T) {
	threadMap := map[int]ThreadInfo{
		100: {PID: 99, TID: 100, Name: "worker0"},
		101: {PID: 99, TID: 101, Name: "worker1"},
	}
	readings := countersInfo("cpu-cycles", "", 0,
		counter(100, 0, 1111, 10, 10),
		counter(100, 1, 2222, 10, 10),
		counter(101, 0, 3333, 10, 10),
		counter(101, 1, 4444, 10, 10),
	)
	total := func(reportPerThread, reportPerCore bool) (sum uint64, rows int) {
		builder := NewCounterSummaryBuilder(reportPerThread, reportPerCore, false, threadMap, nil)
		builder.AddCountersForOneEventType(readings)
		summaries := builder.Build()
		for _, s := range summaries {
			sum += s.Count
		}
		return sum, len(summaries)
	}
	sessionSum, sessionRows := total(false, false)
	perThreadSum, perThreadRows := total(true, false)
	perCoreSum, perCoreRows := total(false, true)
	bothSum, bothRows := total(true, true)

	assert.Equal(t, uint64(11110), sessionSum)
	assert.Equal(t, sessionSum, perThreadSum)
	assert.Equal(t, sessionSum, perCoreSum)
	assert.Equal(t, sessionSum, bothSum)
	assert.Equal(t, []int{1, 2, 2, 4}, []int{sessionRows, perThreadRows, perCoreRows, bothRows})
}

func TestMultiplexedCounterScaling(t *testing.T) {
	builder := NewCounterSummaryBuilder(false, false, false, nil, nil)
	// counter ran half the enabled time: the count doubles
	builder.AddCountersForOneEventType(countersInfo("cpu-cycles", "", 0,
		counter(100, 0, 1000, 200, 100),
	))
	summaries := builder.Build()
	require.Len(t, summaries, 1)
	assert.Equal(t, uint64(2000), summaries[0].Count)
	assert.InDelta(t, 2.0, summaries[0].Scale, 1e-9)
}

func TestScaleUnknownWhenNeverScheduled(t *testing.T) {
	builder := NewCounterSummaryBuilder(false, false, false, nil, nil)
	builder.AddCountersForOneEventType(countersInfo("cpu-cycles", "", 0,
		counter(100, 0, 0, 100, 0),
	))
	summaries := builder.Build()
	require.Len(t, summaries, 1)
	assert.Zero(t, summaries[0].Scale)
}

func TestAutoGenerateSummaries(t *testing.T) {
	builder := NewCounterSummaryBuilder(false, false, false, nil, nil)
	builder.AddCountersForOneEventType(countersInfo("cpu-cycles", "u", 0, counter(100, 0, 1000, 50, 50)))
	builder.AddCountersForOneEventType(countersInfo("cpu-cycles", "k", 1, counter(100, 0, 234, 50, 50)))
	summaries := NewCounterSummaries(builder.Build(), false)
	summaries.AutoGenerateSummaries()

	rows := summaries.Summaries()
	require.Len(t, rows, 3)
	generated := rows[2]
	assert.True(t, generated.AutoGenerated)
	assert.Equal(t, "", generated.Modifier)
	// exact integer sum of the :u and :k counts
	assert.Equal(t, uint64(1234), generated.Count)
}

func TestAutoGenerateSkipsDisjointMonitoring(t *testing.T) {
	builder := NewCounterSummaryBuilder(false, false, false, nil, nil)
	builder.AddCountersForOneEventType(countersInfo("cpu-cycles", "u", 0, counter(100, 0, 1000, 100, 100)))
	// monitored over a very different window: not combinable
	builder.AddCountersForOneEventType(countersInfo("cpu-cycles", "k", 1, counter(100, 0, 234, 5000, 5000)))
	summaries := NewCounterSummaries(builder.Build(), false)
	summaries.AutoGenerateSummaries()
	assert.Len(t, summaries.Summaries(), 2)
}

func TestCommentCyclesPerInstruction(t *testing.T) {
	builder := NewCounterSummaryBuilder(false, false, false, nil, nil)
	builder.AddCountersForOneEventType(countersInfo("cpu-cycles", "", 0, counter(100, 0, 4000, 50, 50)))
	builder.AddCountersForOneEventType(countersInfo("instructions", "", 1, counter(100, 0, 2000, 50, 50)))
	summaries := NewCounterSummaries(builder.Build(), false)
	summaries.GenerateComments(1.0)

	instructions := summaries.FindSummary("instructions", "", nil, -1)
	require.NotNil(t, instructions)
	assert.Contains(t, instructions.Comment, "cycles per instruction")
	assert.True(t, strings.HasPrefix(instructions.Comment, "2.0"), instructions.Comment)

	cycles := summaries.FindSummary("cpu-cycles", "", nil, -1)
	require.NotNil(t, cycles)
	assert.Contains(t, cycles.Comment, "GHz")
}

func TestCommentMissRate(t *testing.T) {
	builder := NewCounterSummaryBuilder(false, false, false, nil, nil)
	builder.AddCountersForOneEventType(countersInfo("branch-misses", "", 0, counter(100, 0, 50, 10, 10)))
	builder.AddCountersForOneEventType(countersInfo("branch-instructions", "", 1, counter(100, 0, 1000, 10, 10)))
	summaries := NewCounterSummaries(builder.Build(), false)
	summaries.GenerateComments(1.0)

	misses := summaries.FindSummary("branch-misses", "", nil, -1)
	require.NotNil(t, misses)
	assert.Contains(t, misses.Comment, "miss rate")
	assert.True(t, strings.HasPrefix(misses.Comment, "5.0"), misses.Comment)
}

func TestCommentMissSuffixFallback(t *testing.T) {
	builder := NewCounterSummaryBuilder(false, false, false, nil, nil)
	builder.AddCountersForOneEventType(countersInfo("L1-dcache-load-misses", "", 0, counter(100, 0, 10, 10, 10)))
	builder.AddCountersForOneEventType(countersInfo("L1-dcache-loads", "", 1, counter(100, 0, 1000, 10, 10)))
	summaries := NewCounterSummaries(builder.Build(), false)
	summaries.GenerateComments(1.0)

	misses := summaries.FindSummary("L1-dcache-load-misses", "", nil, -1)
	require.NotNil(t, misses)
	assert.Contains(t, misses.Comment, "miss rate")
}

func TestCommentTaskClockAndRates(t *testing.T) {
	builder := NewCounterSummaryBuilder(false, false, false, nil, nil)
	// task-clock counts nanoseconds of cpu time
	builder.AddCountersForOneEventType(countersInfo("task-clock", "", 0, counter(100, 0, 2e9, 2e9, 2e9)))
	builder.AddCountersForOneEventType(countersInfo("page-faults", "", 1, counter(100, 0, 2000, 1e9, 1e9)))
	builder.AddCountersForOneEventType(countersInfo("context-switches", "", 2, counter(100, 0, 2e6, 1e9, 1e9)))
	builder.AddCountersForOneEventType(countersInfo("cpu-clock", "", 3, counter(100, 0, 1e9, 1e9, 1e9)))
	summaries := NewCounterSummaries(builder.Build(), false)
	summaries.GenerateComments(1.0)

	taskClock := summaries.FindSummary("task-clock", "", nil, -1)
	require.NotNil(t, taskClock)
	assert.True(t, strings.HasPrefix(taskClock.Comment, "2.0"), taskClock.Comment)
	assert.Contains(t, taskClock.Comment, "cpus used")

	faults := summaries.FindSummary("page-faults", "", nil, -1)
	require.NotNil(t, faults)
	assert.Equal(t, "2.000 K/sec", faults.Comment)

	switches := summaries.FindSummary("context-switches", "", nil, -1)
	require.NotNil(t, switches)
	assert.Equal(t, "2.000 M/sec", switches.Comment)

	cpuClock := summaries.FindSummary("cpu-clock", "", nil, -1)
	require.NotNil(t, cpuClock)
	assert.Equal(t, "", cpuClock.Comment)
}

func TestSortPerThreadDefaultKeys(t *testing.T) {
	threadMap := map[int]ThreadInfo{
		100: {PID: 99, TID: 100, Name: "small"},
		101: {PID: 99, TID: 101, Name: "big"},
		102: {PID: 99, TID: 102, Name: "mid"},
	}
	comparator, err := BuildSummaryComparator([]string{"count_per_thread", "tid", "cpu", "count"}, true, true)
	require.NoError(t, err)
	builder := NewCounterSummaryBuilder(true, true, false, threadMap, comparator)
	builder.AddCountersForOneEventType(countersInfo("cpu-cycles", "", 0,
		counter(100, 0, 10, 1, 1),
		counter(101, 0, 900, 1, 1),
		counter(101, 1, 100, 1, 1),
		counter(102, 0, 500, 1, 1),
	))
	summaries := builder.Build()
	require.Len(t, summaries, 4)
	// thread 101 first (1000 total), its rows ordered cpu asc, then 102, 100
	assert.Equal(t, 101, summaries[0].Thread.TID)
	assert.Equal(t, 0, summaries[0].CPU)
	assert.Equal(t, 101, summaries[1].Thread.TID)
	assert.Equal(t, 1, summaries[1].CPU)
	assert.Equal(t, 102, summaries[2].Thread.TID)
	assert.Equal(t, 100, summaries[3].Thread.TID)
}

func TestBuildSummaryComparatorKeyHandling(t *testing.T) {
	// inapplicable keys are skipped so the default list works in any mode
	comparator, err := BuildSummaryComparator([]string{"count_per_thread", "tid", "cpu", "count"}, true, false)
	require.NoError(t, err)
	assert.NotNil(t, comparator)
	// unknown keys are rejected
	_, err = BuildSummaryComparator([]string{"bogus"}, true, true)
	assert.Error(t, err)
}

func TestShowTextAndCSVEncodeSameValues(t *testing.T) {
	threadMap := map[int]ThreadInfo{100: {PID: 99, TID: 100, Name: "worker"}}
	build := func(csv bool) *CounterSummaries {
		builder := NewCounterSummaryBuilder(true, true, csv, threadMap, nil)
		builder.AddCountersForOneEventType(countersInfo("page-faults", "u", 0, counter(100, 2, 12345, 10, 10)))
		summaries := NewCounterSummaries(builder.Build(), csv)
		summaries.GenerateComments(1.0)
		return summaries
	}

	var text bytes.Buffer
	require.NoError(t, build(false).Show(&text, true, true))
	var csv bytes.Buffer
	require.NoError(t, build(true).Show(&csv, true, true))

	// same values in the same order in both renderings
	assert.Contains(t, text.String(), "worker")
	assert.Contains(t, text.String(), "12,345")
	assert.Contains(t, text.String(), "page-faults:u")
	fields := strings.Split(strings.TrimSpace(csv.String()), ",")
	assert.Equal(t, "worker", fields[0])
	assert.Equal(t, "99", fields[1])
	assert.Equal(t, "100", fields[2])
	assert.Equal(t, "2", fields[3])
	assert.Equal(t, "12345", fields[4])
	assert.Equal(t, "page-faults:u", fields[5])
}

func TestCSVRoundTripNumericFields(t *testing.T) {
	builder := NewCounterSummaryBuilder(true, true, true, map[int]ThreadInfo{
		100: {PID: 99, TID: 100, Name: "worker"},
	}, nil)
	builder.AddCountersForOneEventType(countersInfo("instructions", "", 0, counter(100, 3, 987654321, 10, 10)))
	summaries := NewCounterSummaries(builder.Build(), true)
	summaries.GenerateComments(0)

	var csv bytes.Buffer
	require.NoError(t, summaries.Show(&csv, true, true))
	fields := strings.Split(strings.TrimSpace(csv.String()), ",")
	require.GreaterOrEqual(t, len(fields), 6)

	pid, err := strconv.Atoi(fields[1])
	require.NoError(t, err)
	tid, err := strconv.Atoi(fields[2])
	require.NoError(t, err)
	cpu, err := strconv.Atoi(fields[3])
	require.NoError(t, err)
	count, err := strconv.ParseUint(fields[4], 10, 64)
	require.NoError(t, err)

	original := summaries.Summaries()[0]
	assert.Equal(t, original.Thread.PID, pid)
	assert.Equal(t, original.Thread.TID, tid)
	assert.Equal(t, original.CPU, cpu)
	assert.Equal(t, original.Count, count)
}

func TestIntervalOnlyValuesDeltas(t *testing.T) {
	var lastSums [][]CounterSum
	first := []perfevent.CountersInfo{
		countersInfo("cpu-cycles", "", 0, counter(100, 0, 1000, 10, 10)),
	}
	adjustToIntervalOnlyValues(first, &lastSums)
	assert.Equal(t, uint64(1000), first[0].Counters[0].Counter.Value)

	second := []perfevent.CountersInfo{
		countersInfo("cpu-cycles", "", 0, counter(100, 0, 1500, 20, 20)),
	}
	adjustToIntervalOnlyValues(second, &lastSums)
	assert.Equal(t, uint64(500), second[0].Counters[0].Counter.Value)
	assert.Equal(t, uint64(10), second[0].Counters[0].Counter.TimeEnabled)
}
