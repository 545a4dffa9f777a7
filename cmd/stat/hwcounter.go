// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package stat

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"perfstat/internal/cpuinfo"
	"perfstat/internal/perfevent"
)

// Hardware counter probing: open N cycles events pinned to one cpu against
// a busy thread on that cpu, and see whether any of them gets multiplexed
// (time_enabled > time_running).

// checkHardwareCountersOnCpu reports whether `counters` cycles events fit
// on the cpu without multiplexing. The bool result is only meaningful when
// err is nil.
func checkHardwareCountersOnCpu(cpu int, counters int) (fit bool, err error) {
	if counters == 0 {
		return true, nil
	}
	eventType, err := perfevent.FindEventTypeByName("cpu-cycles")
	if err != nil {
		return
	}
	attr := perfevent.CreateDefaultPerfEventAttr(*eventType)
	attr.Bits |= unix.PerfBitExcludeKernel

	tidChan := make(chan int, 1)
	opened := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		// a dedicated OS thread pinned to the probed cpu supplies the cycles
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		var cpuSet unix.CPUSet
		cpuSet.Set(cpu)
		if setErr := unix.SchedSetaffinity(0, &cpuSet); setErr != nil {
			tidChan <- -1
			done <- setErr
			return
		}
		tidChan <- unix.Gettid()
		<-opened
		deadline := time.Now().Add(50 * time.Millisecond)
		spin := 0
		for time.Now().Before(deadline) {
			spin++
		}
		_ = spin
		done <- nil
	}()
	tid := <-tidChan
	if tid == -1 {
		err = <-done
		return
	}

	var eventFds []*perfevent.EventFd
	defer func() {
		for i := len(eventFds) - 1; i >= 0; i-- {
			eventFds[i].Close()
		}
	}()
	for i := 0; i < counters; i++ {
		var leader *perfevent.EventFd
		if len(eventFds) > 0 {
			leader = eventFds[0]
		}
		eventFd, openErr := perfevent.OpenEventFile(attr, tid, cpu, leader, "cpu-cycles", false)
		if openErr != nil {
			close(opened)
			<-done
			return false, nil
		}
		eventFds = append(eventFds, eventFd)
	}
	close(opened)
	if err = <-done; err != nil {
		return
	}
	for _, eventFd := range eventFds {
		counter, readErr := eventFd.ReadCounter()
		if readErr != nil {
			err = readErr
			return
		}
		if counter.TimeEnabled == 0 || counter.TimeEnabled > counter.TimeRunning {
			return false, nil
		}
	}
	return true, nil
}

// getHardwareCountersOnCpu counts usable CPU PMU hardware counters by
// opening one more cycles event each round until they stop fitting.
func getHardwareCountersOnCpu(cpu int) (available int, err error) {
	for {
		fit, checkErr := checkHardwareCountersOnCpu(cpu, available+1)
		if checkErr != nil {
			err = checkErr
			return
		}
		if !fit {
			return
		}
		available++
	}
}

// printHardwareCounters reports the usable counters per online cpu.
func printHardwareCounters(w func(format string, args ...any)) {
	cpus, err := cpuinfo.OnlineCpus()
	if err != nil {
		slog.Error("failed to enumerate online cpus", slog.String("error", err.Error()))
		return
	}
	for _, cpu := range cpus {
		counters, err := getHardwareCountersOnCpu(cpu)
		if err != nil {
			slog.Warn("failed to get CPU PMU hardware counters", slog.Int("cpu", cpu), slog.String("error", err.Error()))
			continue
		}
		w("There are %d CPU PMU hardware counters available on cpu %d.\n", counters, cpu)
	}
}

// checkHardwareCounterMultiplexing warns when more hardware events were
// requested on a cpu than it has counters.
func checkHardwareCounterMultiplexing(selections *perfevent.EventSelectionSet) {
	for cpu, hardwareEvents := range selections.GetHardwareCountersForCpus() {
		fit, err := checkHardwareCountersOnCpu(cpu, hardwareEvents)
		if err == nil && !fit {
			fmt.Println("It seems the number of hardware events are more than the number of\n" +
				"available CPU PMU hardware counters. That will trigger hardware counter\n" +
				"multiplexing. As a result, events are not counted all the time processes\n" +
				"running, and event counts are smaller than what really happen.\n" +
				"Use --print-hw-counter to show available hardware counters.")
			break
		}
	}
}

// printWarningForInaccurateEvents flags PMU events known to miscount on
// specific cores.
func printWarningForInaccurateEvents(selections *perfevent.EventSelectionSet) {
	for _, eventType := range selections.GetEvents() {
		if eventType.Name == "raw-l3d-cache-lmiss-rd" {
			slog.Warn("PMU event L3D_CACHE_LMISS_RD might undercount on A510. Please use L3D_CACHE_REFILL_RD instead.")
			break
		}
	}
}
