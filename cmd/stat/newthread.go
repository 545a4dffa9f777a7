// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package stat

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"perfstat/internal/ioloop"
	"perfstat/internal/perfevent"
)

// newThreadScanInterval is nominally 1us but is lower-bounded by the
// loop's timer resolution; treat it as "as often as possible".
const newThreadScanInterval = time.Microsecond

// NewThreadMonitor periodically scans /proc for threads created after the
// session started and opens event files for them on the fly.
type NewThreadMonitor struct {
	selections          *perfevent.EventSelectionSet
	monitorAllProcesses bool
	monitoredProcesses  []int
	threads             map[int]ThreadInfo
}

// NewNewThreadMonitor creates a monitor over the given thread table; the
// table is shared with the report path so new threads get names.
func NewNewThreadMonitor(selections *perfevent.EventSelectionSet, monitorAllProcesses bool, monitoredProcesses []int, threads map[int]ThreadInfo) *NewThreadMonitor {
	return &NewThreadMonitor{
		selections:          selections,
		monitorAllProcesses: monitorAllProcesses,
		monitoredProcesses:  monitoredProcesses,
		threads:             threads,
	}
}

// Start arms the periodic scan. Event files opened for new threads must
// count immediately, so counting-on-open is forced.
func (m *NewThreadMonitor) Start() error {
	loop := m.selections.GetIOEventLoop()
	if _, err := loop.AddPeriodicEvent(newThreadScanInterval, m.scan, ioloop.LowPriority); err != nil {
		return err
	}
	m.selections.SetEnableCondition(true, false)
	return nil
}

func (m *NewThreadMonitor) scan() ioloop.Result {
	newTids := mapset.NewSet[int]()
	pids := m.monitoredProcesses
	if m.monitorAllProcesses {
		pids = perfevent.GetAllProcesses()
	}
	for _, pid := range pids {
		for _, tid := range perfevent.GetThreadsInProcess(pid) {
			if _, known := m.threads[tid]; !known {
				newTids.Add(tid)
			}
		}
	}
	var openTids []int
	for _, tid := range newTids.ToSlice() {
		name, pid, err := perfevent.ReadThreadNameAndPid(tid)
		if err != nil {
			continue
		}
		m.threads[tid] = ThreadInfo{PID: pid, TID: tid, Name: name}
		openTids = append(openTids, tid)
	}
	if len(openTids) > 0 {
		m.selections.AddMonitoredThreads(openTids)
		// failures are fine here: new threads can exit before their event
		// files open
		_ = m.selections.OpenEventFilesForThreads(openTids)
	}
	return ioloop.Continue
}
