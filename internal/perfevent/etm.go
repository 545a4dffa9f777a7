// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Instruction-trace (ETM) support. ETM events produce AUX-buffer trace
// payloads instead of sample records; the counting engine only needs to
// build their attributes, bound their aux allocations, and validate
// address filters against the device's filter budget.

// AddrFilterType classifies an instruction-trace address filter.
type AddrFilterType int

const (
	AddrFilterFileRange AddrFilterType = iota
	AddrFilterFileStart
	AddrFilterFileStop
	AddrFilterKernelRange
	AddrFilterKernelStart
	AddrFilterKernelStop
)

// AddrFilter limits instruction tracing to an address range or start/stop
// trigger, in a file or in the kernel.
type AddrFilter struct {
	Type     AddrFilterType
	Addr     uint64
	Size     uint64
	FilePath string
}

// String renders the filter in the kernel's SET_FILTER syntax.
func (f *AddrFilter) String() string {
	switch f.Type {
	case AddrFilterFileRange:
		return fmt.Sprintf("filter 0x%x/0x%x@%s", f.Addr, f.Size, f.FilePath)
	case AddrFilterFileStart:
		return fmt.Sprintf("start 0x%x@%s", f.Addr, f.FilePath)
	case AddrFilterFileStop:
		return fmt.Sprintf("stop 0x%x@%s", f.Addr, f.FilePath)
	case AddrFilterKernelRange:
		return fmt.Sprintf("filter 0x%x/0x%x", f.Addr, f.Size)
	case AddrFilterKernelStart:
		return fmt.Sprintf("start 0x%x", f.Addr)
	case AddrFilterKernelStop:
		return fmt.Sprintf("stop 0x%x", f.Addr)
	}
	return ""
}

// filterSlots reports how many kernel filter slots the filter consumes. A
// range filter needs two.
func (f *AddrFilter) filterSlots() int {
	if f.Type == AddrFilterFileRange || f.Type == AddrFilterKernelRange {
		return 2
	}
	return 1
}

var etmPmuType = sync.OnceValues(func() (pmuType uint32, err error) {
	data, err := os.ReadFile(filepath.Join(pmuSysfsDir, etmPmuName, "type"))
	if err != nil {
		err = errors.Wrap(ErrCapabilityUnsupported, "no ETM device on this machine")
		return
	}
	value, parseErr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if parseErr != nil {
		err = errors.Wrap(parseErr, "failed to parse ETM pmu type")
		return
	}
	pmuType = uint32(value)
	return
})

// CheckEtmSupport verifies the machine exposes an ETM instruction-trace
// device.
func CheckEtmSupport() error {
	_, err := etmPmuType()
	return err
}

// IsEtmEventType reports whether a kernel type code belongs to the ETM PMU.
func IsEtmEventType(pmuType uint32) bool {
	etmType, err := etmPmuType()
	return err == nil && pmuType == etmType
}

// SetEtmPerfEventAttr stamps the ETM device type onto the attribute.
func SetEtmPerfEventAttr(attr *unix.PerfEventAttr) error {
	etmType, err := etmPmuType()
	if err != nil {
		return err
	}
	attr.Type = etmType
	return nil
}

// etmAddrFilterPairs returns the number of address-range comparator pairs
// the ETM device advertises. Each pair provides two filter slots.
var etmAddrFilterPairs = sync.OnceValue(func() int {
	data, err := os.ReadFile(filepath.Join(pmuSysfsDir, etmPmuName, "nr_addr_filters"))
	if err != nil {
		return 0
	}
	pairs, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pairs
})
