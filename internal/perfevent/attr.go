// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import (
	"log/slog"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// DefaultSampleFreqForNontracepointEvent is used in sampling mode when
	// the user sets no rate.
	DefaultSampleFreqForNontracepointEvent = 4000
	// DefaultSamplePeriodForTracepointEvent is used for tracepoints, which
	// fire far less often than clock events.
	DefaultSamplePeriodForTracepointEvent = 1
	// InfiniteSamplePeriod effectively disables sampling on an event that is
	// only read as part of a group snapshot.
	InfiniteSamplePeriod = uint64(1) << 62
)

// CreateDefaultPerfEventAttr builds the baseline kernel attribute for an
// event type: type/config, the default sample layout, and a read format
// carrying the scale inputs (time_enabled, time_running) and the kernel id.
func CreateDefaultPerfEventAttr(eventType EventType) unix.PerfEventAttr {
	var attr unix.PerfEventAttr
	attr.Size = uint32(unsafe.Sizeof(attr))
	attr.Type = eventType.Type
	attr.Config = eventType.Config
	attr.Sample_type = unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID |
		unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_PERIOD
	attr.Read_format = unix.PERF_FORMAT_TOTAL_TIME_ENABLED |
		unix.PERF_FORMAT_TOTAL_TIME_RUNNING | unix.PERF_FORMAT_ID
	return attr
}

// attr bit helpers: the flag bitfields of perf_event_attr are packed into
// one word by the unix package.

func setAttrBit(attr *unix.PerfEventAttr, bit uint64, value bool) {
	if value {
		attr.Bits |= bit
	} else {
		attr.Bits &^= bit
	}
}

func attrBit(attr *unix.PerfEventAttr, bit uint64) bool {
	return attr.Bits&bit != 0
}

// setPreciseIP writes the two-bit precise_ip level.
func setPreciseIP(attr *unix.PerfEventAttr, level uint8) {
	attr.Bits &^= unix.PerfBitPreciseIPBit1 | unix.PerfBitPreciseIPBit2
	if level&1 != 0 {
		attr.Bits |= unix.PerfBitPreciseIPBit1
	}
	if level&2 != 0 {
		attr.Bits |= unix.PerfBitPreciseIPBit2
	}
}

// stampModifier applies a parsed modifier to the attribute.
func stampModifier(attr *unix.PerfEventAttr, etm *EventTypeAndModifier) {
	setAttrBit(attr, unix.PerfBitExcludeUser, etm.ExcludeUser)
	setAttrBit(attr, unix.PerfBitExcludeKernel, etm.ExcludeKernel)
	setAttrBit(attr, unix.PerfBitExcludeHv, etm.ExcludeHv)
	setAttrBit(attr, unix.PerfBitExcludeHost, etm.ExcludeHost)
	setAttrBit(attr, unix.PerfBitExcludeGuest, etm.ExcludeGuest)
	setPreciseIP(attr, etm.PreciseIP)
}

// IsEventAttrSupported probes kernel support for an attribute by opening a
// throwaway event on the calling thread.
func IsEventAttrSupported(attr unix.PerfEventAttr, name string) bool {
	// the probe must not disturb the calling process
	probe := attr
	setAttrBit(&probe, unix.PerfBitDisabled, true)
	fd, err := unix.PerfEventOpen(&probe, 0, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		slog.Debug("event attr not supported", slog.String("event", name), slog.String("error", err.Error()))
		return false
	}
	unix.Close(fd)
	return true
}

// SupportedRegMask returns the user register sample mask for the running
// architecture, used when dwarf callchain sampling dumps registers.
func SupportedRegMask() uint64 {
	switch runtime.GOARCH {
	case "amd64":
		return ((1 << 24) - 1) &^ (0xf << 12) // AX..R15, IP, FLAGS, CS, SS; the kernel rejects DS, ES, FS, GS
	case "386":
		return (1 << 9) - 1
	case "arm64":
		return (1 << 33) - 1 // X0..X30, SP, PC
	case "arm":
		return (1 << 16) - 1
	default:
		return 0
	}
}
