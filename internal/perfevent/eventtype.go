// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package perfevent implements the event-selection and counter
// orchestration engine: it translates event names into kernel event
// attributes, opens perf event file descriptors organized into groups
// across (thread x cpu), drives their lifecycle from an event loop, and
// reads counter values for summarization.
package perfevent

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// EventType identifies one countable event: a name, the kernel perf type
// code, and the kernel config code. PMU events additionally carry the sysfs
// device that defined them.
type EventType struct {
	Name        string
	Type        uint32
	Config      uint64
	Description string
	// PMU is the sysfs event_source device name for PMU events, "" otherwise
	PMU string
	// AtomConfig is the efficiency-core config on Intel hybrid systems
	AtomConfig uint64
}

// IsPmuEvent reports whether the event was enumerated from a sysfs PMU
// device rather than the compile-time registry.
func (t *EventType) IsPmuEvent() bool {
	return t.PMU != ""
}

// IsEtmEvent reports whether the event drives an instruction-trace (ETM)
// PMU producing AUX data.
func (t *EventType) IsEtmEvent() bool {
	return t.PMU == etmPmuName
}

// IsHardwareEvent reports whether the event occupies a CPU PMU hardware
// counter.
func (t *EventType) IsHardwareEvent() bool {
	return t.Type == unix.PERF_TYPE_HARDWARE || t.Type == unix.PERF_TYPE_HW_CACHE ||
		t.Type == unix.PERF_TYPE_RAW
}

// GetPmuCpumask returns the PMU's allowed cpu list, or nil when the PMU is
// cpu-agnostic or the event is not a PMU event.
func (t *EventType) GetPmuCpumask() []int {
	if !t.IsPmuEvent() {
		return nil
	}
	return pmuCpumask(t.PMU)
}

// EventTypeAndModifier is a parsed "name:modifier" event request.
type EventTypeAndModifier struct {
	// Name is the full name including the modifier suffix, e.g. "cpu-cycles:u"
	Name      string
	EventType EventType
	// Modifier is the raw suffix without the colon, e.g. "u"
	Modifier      string
	ExcludeUser   bool
	ExcludeKernel bool
	ExcludeHv     bool
	ExcludeHost   bool
	ExcludeGuest  bool
	PreciseIP     uint8
}

type hardwareEvent struct {
	name   string
	config uint64
}

// Mirrors the kernel's symbolic hardware and software event tables
// (tools/perf parse-events.c).
var hardwareEvents = []hardwareEvent{
	{"cpu-cycles", unix.PERF_COUNT_HW_CPU_CYCLES},
	{"instructions", unix.PERF_COUNT_HW_INSTRUCTIONS},
	{"cache-references", unix.PERF_COUNT_HW_CACHE_REFERENCES},
	{"cache-misses", unix.PERF_COUNT_HW_CACHE_MISSES},
	{"branch-instructions", unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS},
	{"branch-misses", unix.PERF_COUNT_HW_BRANCH_MISSES},
	{"bus-cycles", unix.PERF_COUNT_HW_BUS_CYCLES},
	{"stalled-cycles-frontend", unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND},
	{"stalled-cycles-backend", unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND},
	{"ref-cycles", unix.PERF_COUNT_HW_REF_CPU_CYCLES},
}

var softwareEvents = []hardwareEvent{
	{"cpu-clock", unix.PERF_COUNT_SW_CPU_CLOCK},
	{"task-clock", unix.PERF_COUNT_SW_TASK_CLOCK},
	{"page-faults", unix.PERF_COUNT_SW_PAGE_FAULTS},
	{"context-switches", unix.PERF_COUNT_SW_CONTEXT_SWITCHES},
	{"cpu-migrations", unix.PERF_COUNT_SW_CPU_MIGRATIONS},
	{"minor-faults", unix.PERF_COUNT_SW_PAGE_FAULTS_MIN},
	{"major-faults", unix.PERF_COUNT_SW_PAGE_FAULTS_MAJ},
	{"alignment-faults", unix.PERF_COUNT_SW_ALIGNMENT_FAULTS},
	{"emulation-faults", unix.PERF_COUNT_SW_EMULATION_FAULTS},
}

var cacheTypes = []hardwareEvent{
	{"L1-dcache", unix.PERF_COUNT_HW_CACHE_L1D},
	{"L1-icache", unix.PERF_COUNT_HW_CACHE_L1I},
	{"LLC", unix.PERF_COUNT_HW_CACHE_LL},
	{"dTLB", unix.PERF_COUNT_HW_CACHE_DTLB},
	{"iTLB", unix.PERF_COUNT_HW_CACHE_ITLB},
	{"branch", unix.PERF_COUNT_HW_CACHE_BPU},
	{"node", unix.PERF_COUNT_HW_CACHE_NODE},
}

var cacheOps = []hardwareEvent{
	{"load", unix.PERF_COUNT_HW_CACHE_OP_READ},
	{"store", unix.PERF_COUNT_HW_CACHE_OP_WRITE},
	{"prefetch", unix.PERF_COUNT_HW_CACHE_OP_PREFETCH},
}

var cacheResults = []hardwareEvent{
	{"s", unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS}, // "loads" / "stores" / "prefetches"
	{"-misses", unix.PERF_COUNT_HW_CACHE_RESULT_MISS},
}

type eventRegistry struct {
	types  []EventType
	byName map[string]*EventType
}

func (r *eventRegistry) add(t EventType) {
	r.types = append(r.types, t)
}

func (r *eventRegistry) index() {
	r.byName = make(map[string]*EventType, len(r.types))
	for i := range r.types {
		r.byName[r.types[i].Name] = &r.types[i]
	}
}

// registry builds the static part of the event table once per process:
// hardware, software and cache events, plus PMU events enumerated from
// sysfs. Tracepoints are resolved lazily since scanning all of tracefs is
// expensive.
var registry = sync.OnceValue(func() *eventRegistry {
	r := &eventRegistry{}
	for _, ev := range hardwareEvents {
		r.add(EventType{Name: ev.name, Type: unix.PERF_TYPE_HARDWARE, Config: ev.config})
	}
	for _, ev := range softwareEvents {
		r.add(EventType{Name: ev.name, Type: unix.PERF_TYPE_SOFTWARE, Config: ev.config})
	}
	for _, ct := range cacheTypes {
		for _, op := range cacheOps {
			for _, res := range cacheResults {
				name := ct.name + "-" + op.name + res.name
				config := ct.config | (op.config << 8) | (res.config << 16)
				r.add(EventType{Name: name, Type: unix.PERF_TYPE_HW_CACHE, Config: config})
			}
		}
	}
	for _, pmuEvent := range enumeratePmuEvents() {
		r.add(pmuEvent)
	}
	r.index()
	return r
})

// FindEventTypeByName resolves a bare event name (no modifier). Lookup
// order: static registry (hardware, software, cache, PMU), then rNNN raw
// events, then subsystem:name tracepoints. Unresolvable names return an
// error; nothing is logged here.
func FindEventTypeByName(name string) (*EventType, error) {
	r := registry()
	if t, ok := r.byName[name]; ok {
		return t, nil
	}
	if t, ok := parseRawEventName(name); ok {
		return t, nil
	}
	if strings.Count(name, ":") == 1 {
		return findTracepointEventType(name)
	}
	return nil, fmt.Errorf("unknown event type %q", name)
}

// AllEventTypes returns the static registry sorted by category then name,
// for the list command.
func AllEventTypes() []EventType {
	r := registry()
	types := make([]EventType, len(r.types))
	copy(types, r.types)
	sort.SliceStable(types, func(i, j int) bool {
		if types[i].Type != types[j].Type {
			return types[i].Type < types[j].Type
		}
		return types[i].Name < types[j].Name
	})
	return types
}

// parseRawEventName handles rNNN raw PMU events, N a hex number.
func parseRawEventName(name string) (*EventType, bool) {
	if len(name) < 2 || name[0] != 'r' {
		return nil, false
	}
	config, err := strconv.ParseUint(name[1:], 16, 64)
	if err != nil {
		return nil, false
	}
	return &EventType{Name: name, Type: unix.PERF_TYPE_RAW, Config: config}, true
}

// ParseEventType splits an event name from its modifier suffix and resolves
// both. Supported modifier characters: u (exclude kernel and hv), k
// (exclude user and hv), h (exclude guest), G (exclude host), p/pp/ppp
// (precise ip levels).
func ParseEventType(eventName string) (parsed *EventTypeAndModifier, err error) {
	name := eventName
	modifier := ""
	// tracepoint names contain a colon too; the modifier is the shortest
	// trailing candidate made only of modifier characters
	if idx := strings.LastIndex(eventName, ":"); idx != -1 {
		if candidate := eventName[idx+1:]; isModifier(candidate) {
			name = eventName[:idx]
			modifier = candidate
		}
	}
	eventType, err := FindEventTypeByName(name)
	if err != nil {
		return
	}
	parsed = &EventTypeAndModifier{
		Name:      eventName,
		EventType: *eventType,
		Modifier:  modifier,
	}
	excludeUser, excludeKernel := false, false
	for _, c := range modifier {
		switch c {
		case 'u':
			excludeUser = true
		case 'k':
			excludeKernel = true
		case 'h':
			parsed.ExcludeGuest = true
		case 'G':
			parsed.ExcludeHost = true
		case 'p':
			parsed.PreciseIP++
		}
	}
	if excludeUser != excludeKernel {
		// "u" means count user space only, so exclude everything else
		parsed.ExcludeUser = excludeKernel
		parsed.ExcludeKernel = excludeUser
		parsed.ExcludeHv = true
	}
	if parsed.PreciseIP > 3 {
		parsed = nil
		err = fmt.Errorf("too many 'p' modifiers in %q", eventName)
	}
	return
}

func isModifier(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("ukhGp", c) {
			return false
		}
	}
	return true
}
