// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import "errors"

// Sentinel errors classifying failures of the event orchestration engine.
// Wrap with context at the failure site; check with errors.Is.
var (
	// ErrCapabilityUnsupported - requested feature not provided by kernel or hardware
	ErrCapabilityUnsupported = errors.New("capability not supported")
	// ErrAttrInvalid - the kernel rejected the constructed event attribute
	ErrAttrInvalid = errors.New("event attribute rejected by kernel")
	// ErrAccessDenied - permission failure opening an event or writing a sysfs file
	ErrAccessDenied = errors.New("access denied")
	// ErrResourceExhausted - fd limit, memory lock limit, or all counters multiplexed
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrTargetGone - no live thread matched a monitored process when opens completed
	ErrTargetGone = errors.New("monitored target gone")
	// ErrFilterInvalid - tracepoint filter references an unknown field, or address filter exceeds device slots
	ErrFilterInvalid = errors.New("invalid filter")
	// ErrConfigConflict - mutually exclusive options
	ErrConfigConflict = errors.New("conflicting options")
	// ErrIOFault - read/write/mmap failed at runtime
	ErrIOFault = errors.New("i/o fault")
)
