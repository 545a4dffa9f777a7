// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestSet(t *testing.T, forStatCmd bool) *EventSelectionSet {
	t.Helper()
	set, err := NewEventSelectionSet(forStatCmd)
	require.NoError(t, err)
	t.Cleanup(set.Close)
	return set
}

func TestAddEventGroupRejectsDuplicates(t *testing.T) {
	set := newTestSet(t, true)
	require.NoError(t, set.AddEventType("cpu-cycles", false))
	err := set.AddEventType("cpu-cycles", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigConflict)

	// the same base event with a different modifier is a distinct selection
	assert.NoError(t, set.AddEventType("cpu-cycles:u", false))
}

func TestClockEventsRejectUserKernelModifiers(t *testing.T) {
	set := newTestSet(t, true)
	for _, name := range []string{"cpu-clock:u", "task-clock:k"} {
		err := set.AddEventType(name, false)
		require.Error(t, err, name)
		assert.ErrorIs(t, err, ErrAttrInvalid)
	}
	assert.NoError(t, set.AddEventType("cpu-clock", false))
}

func TestAddCountersRequiresSingleGroup(t *testing.T) {
	set := newTestSet(t, false)
	err := set.AddCounters([]string{"instructions"})
	assert.ErrorIs(t, err, ErrConfigConflict)

	require.NoError(t, set.AddEventType("cpu-cycles", false))
	require.NoError(t, set.AddEventType("page-faults", false))
	err = set.AddCounters([]string{"instructions"})
	assert.ErrorIs(t, err, ErrConfigConflict)
}

func TestAddCountersStampGroupReadFormat(t *testing.T) {
	set := newTestSet(t, false)
	require.NoError(t, set.AddEventType("cpu-cycles", false))
	require.NoError(t, set.AddCounters([]string{"instructions"}))

	group := set.groups[0]
	require.Len(t, group.selections, 2)
	for _, selection := range group.selections {
		assert.NotZero(t, selection.Attr.Sample_type&unix.PERF_SAMPLE_READ)
		assert.NotZero(t, selection.Attr.Read_format&unix.PERF_FORMAT_GROUP)
	}
	added := group.selections[1]
	assert.Equal(t, InfiniteSamplePeriod, added.Attr.Sample)
	assert.Zero(t, added.Attr.Bits&unix.PerfBitInherit)
	assert.Zero(t, added.Attr.Bits&unix.PerfBitFreq)
}

func TestUnionSampleType(t *testing.T) {
	set := newTestSet(t, false)
	require.NoError(t, set.AddEventType("cpu-cycles", false))
	set.EnableFpCallChainSampling()
	require.NoError(t, set.AddEventType("page-faults", false))

	var sampleTypes []uint64
	set.forEachSelection(func(selection *EventSelection) {
		sampleTypes = append(sampleTypes, selection.Attr.Sample_type)
	})
	require.Len(t, sampleTypes, 2)
	// after the second add, the union is written back to every selection
	assert.Equal(t, sampleTypes[0], sampleTypes[1])
}

func TestSetSampleRateValidation(t *testing.T) {
	set := newTestSet(t, false)
	require.NoError(t, set.AddEventType("cpu-cycles", false))

	assert.Error(t, set.SetSampleRateForNewEvents(SampleRate{}))
	assert.Error(t, set.SetSampleRateForNewEvents(SampleRate{SampleFreq: 99, SamplePeriod: 1}))
	require.NoError(t, set.SetSampleRateForNewEvents(SampleRate{SampleFreq: 99}))

	attrOf := func() unix.PerfEventAttr {
		var attr unix.PerfEventAttr
		set.forEachSelection(func(selection *EventSelection) { attr = selection.Attr })
		return attr
	}
	first := attrOf()
	assert.Equal(t, uint64(99), first.Sample)
	assert.NotZero(t, first.Bits&unix.PerfBitFreq)

	// applying the same rate again changes nothing
	require.NoError(t, set.SetSampleRateForNewEvents(SampleRate{SampleFreq: 99}))
	assert.Equal(t, first, attrOf())
}

func TestSetSampleRateAppliesToRatelessGroupsOnly(t *testing.T) {
	set := newTestSet(t, false)
	require.NoError(t, set.AddEventType("cpu-cycles", false))
	setSampleRateForGroup(&set.groups[0], SampleRate{SamplePeriod: 100000})
	require.NoError(t, set.AddEventType("page-faults", false))
	require.NoError(t, set.SetSampleRateForNewEvents(SampleRate{SampleFreq: 500}))

	assert.Equal(t, uint64(100000), set.groups[0].selections[0].Attr.Sample)
	assert.Equal(t, uint64(500), set.groups[1].selections[0].Attr.Sample)
}

func TestSetCpusForNewEvents(t *testing.T) {
	set := newTestSet(t, true)
	require.NoError(t, set.AddEventType("cpu-cycles", false))
	set.SetCpusForNewEvents([]int{0, 2})
	require.NoError(t, set.AddEventType("page-faults", false))

	assert.Equal(t, []int{0, 2}, set.groups[0].cpus)
	assert.Equal(t, []int{0, 2}, set.groups[1].cpus)
}

func TestSetBranchSamplingMaskValidation(t *testing.T) {
	set := newTestSet(t, false)
	require.NoError(t, set.AddEventType("cpu-cycles", false))
	err := set.SetBranchSampling(unix.PERF_SAMPLE_BRANCH_COND)
	assert.ErrorIs(t, err, ErrConfigConflict)
	// clearing branch sampling is always allowed
	assert.NoError(t, set.SetBranchSampling(0))
}

func TestSetEnableCondition(t *testing.T) {
	set := newTestSet(t, true)
	require.NoError(t, set.AddEventType("cpu-cycles", false))
	set.SetEnableCondition(false, true)
	assert.True(t, set.IsEnabledOnExec())
	set.forEachSelection(func(selection *EventSelection) {
		assert.NotZero(t, selection.Attr.Bits&unix.PerfBitDisabled)
	})
	set.SetEnableCondition(true, false)
	assert.False(t, set.IsEnabledOnExec())
}

func TestSetInheritAndClockBits(t *testing.T) {
	set := newTestSet(t, true)
	require.NoError(t, set.AddEventType("cpu-cycles", false))
	set.SetInherit(true)
	set.forEachSelection(func(selection *EventSelection) {
		assert.NotZero(t, selection.Attr.Bits&unix.PerfBitInherit)
	})
	set.SetInherit(false)
	set.forEachSelection(func(selection *EventSelection) {
		assert.Zero(t, selection.Attr.Bits&unix.PerfBitInherit)
	})
}

func TestSetTracepointFilterRequiresTracepointGroup(t *testing.T) {
	set := newTestSet(t, true)
	require.NoError(t, set.AddEventType("cpu-cycles", false))
	err := set.SetTracepointFilter("prev_pid > 1")
	assert.ErrorIs(t, err, ErrFilterInvalid)
}

func TestMonitoredTargets(t *testing.T) {
	set := newTestSet(t, true)
	assert.False(t, set.HasMonitoredTarget())
	set.AddMonitoredThreads([]int{10, 11})
	set.AddMonitoredProcesses([]int{20})
	assert.True(t, set.HasMonitoredTarget())
	assert.Equal(t, []int{10, 11}, set.GetMonitoredThreads())
	assert.Equal(t, []int{20}, set.GetMonitoredProcesses())
	set.ClearMonitoredTargets()
	assert.False(t, set.HasMonitoredTarget())
}

func TestGetEventsOrder(t *testing.T) {
	set := newTestSet(t, true)
	require.NoError(t, set.AddEventType("cpu-cycles", false))
	require.NoError(t, set.AddEventGroup([]string{"instructions", "branch-misses"}, false))
	var names []string
	for _, eventType := range set.GetEvents() {
		names = append(names, eventType.Name)
	}
	assert.Equal(t, []string{"cpu-cycles", "instructions", "branch-misses"}, names)
}

func TestOfflinedCpus(t *testing.T) {
	tests := []struct {
		name     string
		prev     []int
		current  []int
		expected []int
	}{
		{
			name:    "nothing changed",
			prev:    []int{0, 1, 2, 3},
			current: []int{0, 1, 2, 3},
		},
		{
			name:     "one cpu offlined",
			prev:     []int{0, 1, 2, 3},
			current:  []int{0, 1, 3},
			expected: []int{2},
		},
		{
			name:     "several cpus offlined",
			prev:     []int{0, 1, 2, 3},
			current:  []int{0},
			expected: []int{1, 2, 3},
		},
		{
			name:    "cpu onlined is not reported",
			prev:    []int{0, 1},
			current: []int{0, 1, 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, offlinedCpus(tt.prev, tt.current))
		})
	}
}

func TestHandleCpuOfflineEventWithoutFds(t *testing.T) {
	set := newTestSet(t, true)
	require.NoError(t, set.AddEventType("cpu-cycles", false))
	// no fds are open; the scan must be a no-op and leave no snapshots
	set.handleCpuOfflineEvent(1)
	for i := range set.groups {
		for j := range set.groups[i].selections {
			assert.Empty(t, set.groups[i].selections[j].HotpluggedCounters)
			assert.Empty(t, set.groups[i].selections[j].FDs)
		}
	}
}
