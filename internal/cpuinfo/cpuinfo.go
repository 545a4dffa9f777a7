// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package cpuinfo provides CPU topology and kernel version lookups used when
// opening perf events: online CPU enumeration, cpu list parsing, and hybrid
// (performance/efficiency core) PMU detection on x86.
package cpuinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// sysfs roots are variables so they can be stubbed by tests
var (
	cpuSysfsDir  = "/sys/devices/system/cpu"
	atomSysfsDir = "/sys/devices/cpu_atom"
)

// OnlineCpus returns the list of online CPU ids, in ascending order.
func OnlineCpus() (cpus []int, err error) {
	data, err := os.ReadFile(filepath.Join(cpuSysfsDir, "online"))
	if err == nil {
		cpus, err = ParseCpuList(strings.TrimSpace(string(data)))
		if err == nil {
			return
		}
	}
	// fall back to /proc/stat when sysfs is unavailable
	fs, fsErr := procfs.NewDefaultFS()
	if fsErr != nil {
		err = errors.Wrap(fsErr, "failed to read online cpus")
		return
	}
	stat, fsErr := fs.Stat()
	if fsErr != nil {
		err = errors.Wrap(fsErr, "failed to read /proc/stat")
		return
	}
	cpus = cpus[:0]
	for id := range stat.CPU {
		cpus = append(cpus, int(id))
	}
	sort.Ints(cpus)
	err = nil
	return
}

// ParseCpuList parses a cpu list in kernel sysfs format, e.g. "0-3,5,7-8".
func ParseCpuList(s string) (cpus []int, err error) {
	if s == "" {
		return
	}
	seen := mapset.NewSet[int]()
	for item := range strings.SplitSeq(s, ",") {
		item = strings.TrimSpace(item)
		if first, last, found := strings.Cut(item, "-"); found {
			var begin, end int
			if begin, err = strconv.Atoi(first); err != nil {
				err = fmt.Errorf("invalid cpu range %q", item)
				return
			}
			if end, err = strconv.Atoi(last); err != nil || end < begin {
				err = fmt.Errorf("invalid cpu range %q", item)
				return
			}
			for cpu := begin; cpu <= end; cpu++ {
				if seen.Add(cpu) {
					cpus = append(cpus, cpu)
				}
			}
		} else {
			var cpu int
			if cpu, err = strconv.Atoi(item); err != nil {
				err = fmt.Errorf("invalid cpu %q", item)
				return
			}
			if seen.Add(cpu) {
				cpus = append(cpus, cpu)
			}
		}
	}
	sort.Ints(cpus)
	return
}

var kernelVersion = sync.OnceValues(func() (version [2]int, ok bool) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return
	}
	release := unix.ByteSliceToString(uts.Release[:])
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return
	}
	// the minor part may carry a suffix like "10-rc1"
	minorStr := parts[1]
	if idx := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); idx != -1 {
		minorStr = minorStr[:idx]
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return
	}
	version = [2]int{major, minor}
	ok = true
	return
})

// KernelVersionAtLeast reports whether the running kernel version is known and
// is at least major.minor.
func KernelVersionAtLeast(major, minor int) bool {
	version, ok := kernelVersion()
	if !ok {
		return false
	}
	return version[0] > major || (version[0] == major && version[1] >= minor)
}

// X86IntelAtomCpus returns the set of efficiency-core (atom) cpu ids on Intel
// hybrid systems. The set is empty on non-hybrid or non-x86 systems.
func X86IntelAtomCpus() mapset.Set[int] {
	atomCpus := mapset.NewSet[int]()
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "386" {
		return atomCpus
	}
	data, err := os.ReadFile(filepath.Join(atomSysfsDir, "cpus"))
	if err != nil {
		return atomCpus
	}
	cpus, err := ParseCpuList(strings.TrimSpace(string(data)))
	if err != nil {
		return atomCpus
	}
	for _, cpu := range cpus {
		atomCpus.Add(cpu)
	}
	return atomCpus
}

// X86IntelAtomCpuEventType returns the kernel PMU type of the atom-core PMU on
// Intel hybrid systems.
func X86IntelAtomCpuEventType() (pmuType uint32, err error) {
	data, err := os.ReadFile(filepath.Join(atomSysfsDir, "type"))
	if err != nil {
		err = errors.Wrap(err, "failed to read atom cpu pmu type")
		return
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		err = errors.Wrap(err, "failed to parse atom cpu pmu type")
		return
	}
	pmuType = uint32(value)
	return
}
