// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"perfstat/internal/cpuinfo"
)

// Capability probes. The dwarf callchain, clockid, mmap2 and
// tracepoint-regs predicates first consult the kernel version against the
// release that introduced the feature, and only fall back to a live probe on
// older kernels. The switch-record predicate checks the version only. The
// branch sampling, hardware event and kernel event predicates always run a
// live probe. Results are cached for the process
// lifetime; the cache is filled once and never mutated afterwards.

// IsBranchSamplingSupported reports whether PERF_SAMPLE_BRANCH_STACK works
// on this machine.
var IsBranchSamplingSupported = sync.OnceValue(func() bool {
	eventType, err := FindEventTypeByName("cpu-cycles")
	if err != nil {
		return false
	}
	attr := CreateDefaultPerfEventAttr(*eventType)
	attr.Sample_type |= unix.PERF_SAMPLE_BRANCH_STACK
	attr.Branch_sample_type = unix.PERF_SAMPLE_BRANCH_ANY
	setAttrBit(&attr, unix.PerfBitExcludeKernel, true)
	return IsEventAttrSupported(attr, eventType.Name)
})

// IsDwarfCallChainSamplingSupported reports whether user stack and register
// dumping works. Kernel >= 3.18 has all needed patches.
var IsDwarfCallChainSamplingSupported = sync.OnceValue(func() bool {
	if cpuinfo.KernelVersionAtLeast(3, 18) {
		return true
	}
	eventType, err := FindEventTypeByName("cpu-clock")
	if err != nil {
		return false
	}
	attr := CreateDefaultPerfEventAttr(*eventType)
	attr.Sample_type |= unix.PERF_SAMPLE_CALLCHAIN | unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER
	setAttrBit(&attr, unix.PerfBitExcludeCallchainUser, true)
	setAttrBit(&attr, unix.PerfBitExcludeKernel, true)
	attr.Sample_regs_user = SupportedRegMask()
	attr.Sample_stack_user = 8192
	return IsEventAttrSupported(attr, eventType.Name)
})

// IsSettingClockIdSupported reports whether per-event clockids work.
// Kernel >= 4.1 has "perf: Add per event clockid support".
var IsSettingClockIdSupported = sync.OnceValue(func() bool {
	if cpuinfo.KernelVersionAtLeast(4, 1) {
		return true
	}
	eventType, err := FindEventTypeByName("cpu-clock")
	if err != nil {
		return false
	}
	attr := CreateDefaultPerfEventAttr(*eventType)
	setAttrBit(&attr, unix.PerfBitUseClockID, true)
	attr.Clockid = unix.CLOCK_MONOTONIC
	return IsEventAttrSupported(attr, eventType.Name)
})

// IsMmap2Supported reports whether mmap2 records are available.
// Kernel >= 3.12 has "perf: Add attr->mmap2 attribute to an event".
var IsMmap2Supported = sync.OnceValue(func() bool {
	if cpuinfo.KernelVersionAtLeast(3, 12) {
		return true
	}
	eventType, err := FindEventTypeByName("cpu-clock")
	if err != nil {
		return false
	}
	attr := CreateDefaultPerfEventAttr(*eventType)
	setAttrBit(&attr, unix.PerfBitMmap2, true)
	return IsEventAttrSupported(attr, eventType.Name)
})

// IsHardwareEventSupported reports whether the CPU PMU exposes hardware
// counters (some VMs do not).
var IsHardwareEventSupported = sync.OnceValue(func() bool {
	eventType, err := FindEventTypeByName("cpu-cycles")
	if err != nil {
		return false
	}
	attr := CreateDefaultPerfEventAttr(*eventType)
	setAttrBit(&attr, unix.PerfBitExcludeKernel, true)
	return IsEventAttrSupported(attr, eventType.Name)
})

// IsSwitchRecordSupported reports whether PERF_RECORD_SWITCH exists
// (kernel >= 4.3).
var IsSwitchRecordSupported = sync.OnceValue(func() bool {
	return cpuinfo.KernelVersionAtLeast(4, 3)
})

// IsKernelEventSupported reports whether opening events without
// exclude_kernel is permitted (perf_event_paranoid and kernel lockdown
// can both forbid it).
var IsKernelEventSupported = sync.OnceValue(func() bool {
	eventType, err := FindEventTypeByName("cpu-clock")
	if err != nil {
		return false
	}
	attr := CreateDefaultPerfEventAttr(*eventType)
	return IsEventAttrSupported(attr, eventType.Name)
})

// IsDumpingRegsForTracepointEventsSupported reports whether samples of
// tracepoint events carry a usable instruction pointer. Kernel >= 4.2 has
// "arm64: perf: Fix callchain parse error with kernel tracepoint events".
//
// On older kernels this is the most intricate probe: spawn a probe thread,
// arm a sched:sched_switch tracepoint on it with sample period 1, force a
// sched-out, then drain the ring buffer looking for a sample with a
// non-zero ip. Polls up to one second before declaring unsupported, since
// samples can lag behind the forced context switch.
var IsDumpingRegsForTracepointEventsSupported = sync.OnceValue(func() bool {
	if cpuinfo.KernelVersionAtLeast(4, 2) {
		return true
	}
	eventType, err := FindEventTypeByName("sched:sched_switch")
	if err != nil {
		return false
	}

	tidChan := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		// the probe needs a stable kernel tid to attach to
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tidChan <- unix.Gettid()
		<-done
		// sleeping forces a sched-out, generating one sample
		time.Sleep(time.Millisecond)
	}()
	tid := <-tidChan

	attr := CreateDefaultPerfEventAttr(*eventType)
	setAttrBit(&attr, unix.PerfBitFreq, false)
	attr.Sample = 1
	eventFd, err := OpenEventFile(attr, tid, -1, nil, eventType.Name, false)
	if err != nil {
		close(done)
		return false
	}
	defer eventFd.Close()
	if err := eventFd.CreateMappedBuffer(4); err != nil {
		close(done)
		return false
	}
	close(done)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, sample := range parseSampleRecords(eventFd.ReadAvailableData(), attr) {
			return sample.ip != 0
		}
		time.Sleep(time.Millisecond)
	}
	return false
})
