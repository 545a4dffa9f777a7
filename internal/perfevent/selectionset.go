// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"perfstat/internal/cpuinfo"
	"perfstat/internal/ioloop"
)

// SampleRate is a sampling rate, either samples/sec or a fixed period.
// Exactly one of the two fields is non-zero.
type SampleRate struct {
	SampleFreq   uint64
	SamplePeriod uint64
}

// UseFreq reports whether the rate is frequency based.
func (r SampleRate) UseFreq() bool {
	return r.SampleFreq != 0
}

func (r SampleRate) validate() error {
	if (r.SampleFreq == 0) == (r.SamplePeriod == 0) {
		return errors.Wrap(ErrConfigConflict, "sample rate needs exactly one of frequency and period, both non-zero")
	}
	return nil
}

// CounterInfo pairs one counter reading with the (tid, cpu) that produced
// it.
type CounterInfo struct {
	TID     int
	CPU     int
	Counter PerfCounter
}

// CountersInfo collects the readings of one event selection.
type CountersInfo struct {
	GroupID       int
	EventName     string
	EventModifier string
	Counters      []CounterInfo
}

// EventSelection is one (event type, modifier, attribute) with its opened
// fds.
type EventSelection struct {
	EventTypeModifier EventTypeAndModifier
	Attr              unix.PerfEventAttr
	FDs               []*EventFd
	TracepointFilter  string
	// AllowedCPUs overrides the group cpu list for PMUs with a cpumask
	AllowedCPUs []int
	// HotpluggedCounters preserves readings taken before a cpu went
	// offline so aggregates stay correct
	HotpluggedCounters []CounterInfo
}

type eventSelectionGroup struct {
	selections    []EventSelection
	cpus          []int
	setSampleRate bool
}

// EventSelectionSet owns the ordered list of event groups, the session
// defaults, the event loop, and the monitored target set. It is the
// orchestration root: build groups, set options, open files, read
// counters, close.
type EventSelectionSet struct {
	forStatCmd bool
	groups     []eventSelectionGroup
	loop       *ioloop.Loop

	sampleRate  *SampleRate
	cpus        []int
	addrFilters []AddrFilter
	hasAuxTrace bool

	processes mapset.Set[int]
	threads   mapset.Set[int]

	// onlineCpus is the baseline for hotplug detection
	onlineCpus []int
}

// NewEventSelectionSet creates an empty selection set. forStatCmd selects
// counting-mode attribute defaults; sampling defaults otherwise.
func NewEventSelectionSet(forStatCmd bool) (*EventSelectionSet, error) {
	loop, err := ioloop.New()
	if err != nil {
		return nil, err
	}
	return &EventSelectionSet{
		forStatCmd: forStatCmd,
		loop:       loop,
		processes:  mapset.NewSet[int](),
		threads:    mapset.NewSet[int](),
	}, nil
}

// GetIOEventLoop exposes the loop so drivers can register their timers and
// signal handlers. Callbacks must capture the selection set explicitly;
// the loop holds no back-pointer.
func (s *EventSelectionSet) GetIOEventLoop() *ioloop.Loop {
	return s.loop
}

// Empty reports whether no event was added yet.
func (s *EventSelectionSet) Empty() bool {
	return len(s.groups) == 0
}

func (s *EventSelectionSet) buildAndCheckEventSelection(eventName string, firstEvent bool, check bool) (*EventSelection, error) {
	parsed, err := ParseEventType(eventName)
	if err != nil {
		return nil, err
	}
	if s.forStatCmd {
		baseName := parsed.EventType.Name
		if baseName == "cpu-clock" || baseName == "task-clock" {
			if parsed.ExcludeUser || parsed.ExcludeKernel {
				return nil, errors.Wrapf(ErrAttrInvalid,
					"modifier u and modifier k used in event type %s are not supported by the kernel", baseName)
			}
		}
	}
	selection := &EventSelection{EventTypeModifier: *parsed}
	selection.Attr = CreateDefaultPerfEventAttr(parsed.EventType)
	stampModifier(&selection.Attr, parsed)
	if parsed.EventType.IsEtmEvent() {
		if err := CheckEtmSupport(); err != nil {
			return nil, err
		}
		if err := SetEtmPerfEventAttr(&selection.Attr); err != nil {
			return nil, err
		}
		// the kernel allocates high-order pages based on aux_watermark; keep
		// it at one page
		selection.Attr.Aux_watermark = 4096
	}
	setDefaultSampleFreq := false
	if !s.forStatCmd {
		switch {
		case parsed.EventType.Type == unix.PERF_TYPE_TRACEPOINT:
			setAttrBit(&selection.Attr, unix.PerfBitFreq, false)
			selection.Attr.Sample = DefaultSamplePeriodForTracepointEvent
		case parsed.EventType.IsEtmEvent():
			// ETM has no sample frequency to adjust, and it can't be enabled
			// before its aux buffer is mapped
			setAttrBit(&selection.Attr, unix.PerfBitFreq, false)
			selection.Attr.Sample = 1
			setAttrBit(&selection.Attr, unix.PerfBitDisabled, true)
		default:
			setAttrBit(&selection.Attr, unix.PerfBitFreq, true)
			// the real frequency arrives with SetSampleRateForNewEvents; a
			// placeholder of 1 avoids a misleading freq-clamp warning
			selection.Attr.Sample = 1
			setDefaultSampleFreq = true
		}
		// mmap and comm records are only needed once per session; the first
		// event carries them for everyone
		if firstEvent {
			setAttrBit(&selection.Attr, unix.PerfBitMmap, true)
			setAttrBit(&selection.Attr, unix.PerfBitComm, true)
			if IsMmap2Supported() {
				setAttrBit(&selection.Attr, unix.PerfBitMmap2, true)
			}
		}
	}
	if check {
		// PMU events are advertised by the kernel itself, so no probe needed
		if !parsed.EventType.IsPmuEvent() && !IsEventAttrSupported(selection.Attr, parsed.Name) {
			return nil, errors.Wrapf(ErrCapabilityUnsupported,
				"event type %q is not supported on the device", parsed.Name)
		}
	}
	if setDefaultSampleFreq {
		selection.Attr.Sample = DefaultSampleFreqForNontracepointEvent
	}
	for _, group := range s.groups {
		for _, sel := range group.selections {
			if sel.EventTypeModifier.Name == parsed.Name {
				return nil, errors.Wrapf(ErrConfigConflict,
					"event type %q appears more than once", parsed.Name)
			}
		}
	}
	return selection, nil
}

// AddEventType adds a single event as its own group.
func (s *EventSelectionSet) AddEventType(eventName string, check bool) error {
	return s.AddEventGroup([]string{eventName}, check)
}

// AddEventGroup builds selections for the named events and appends them as
// one group the kernel schedules atomically. Event names must be unique
// across the whole set.
func (s *EventSelectionSet) AddEventGroup(eventNames []string, check bool) error {
	var group eventSelectionGroup
	firstEvent := len(s.groups) == 0
	firstInGroup := true
	for _, eventName := range eventNames {
		selection, err := s.buildAndCheckEventSelection(eventName, firstEvent, check)
		if err != nil {
			return err
		}
		if selection.EventTypeModifier.EventType.IsEtmEvent() {
			s.hasAuxTrace = true
		}
		if firstInGroup {
			// PMUs with a cpumask are cpu-agnostic; their mask overrides any
			// requested cpu list
			eventType := selection.EventTypeModifier.EventType
			if eventType.IsPmuEvent() {
				selection.AllowedCPUs = eventType.GetPmuCpumask()
			}
		}
		firstEvent = false
		firstInGroup = false
		group.selections = append(group.selections, *selection)
	}
	if s.sampleRate != nil {
		setSampleRateForGroup(&group, *s.sampleRate)
	}
	if s.cpus != nil {
		group.cpus = s.cpus
	}
	s.groups = append(s.groups, group)
	s.unionSampleType()
	return nil
}

// AddCounters extends the single existing group with extra counters that
// are read as part of each sampled record rather than sampled themselves.
func (s *EventSelectionSet) AddCounters(eventNames []string) error {
	if len(s.groups) != 1 {
		return errors.Wrap(ErrConfigConflict, "failed to add counters: exactly one event group is required")
	}
	for _, eventName := range eventNames {
		// no support probe here: the counters open for real right after
		selection, err := s.buildAndCheckEventSelection(eventName, false, false)
		if err != nil {
			return err
		}
		// a huge sample period keeps added counters from generating samples
		setAttrBit(&selection.Attr, unix.PerfBitFreq, false)
		selection.Attr.Sample = InfiniteSamplePeriod
		setAttrBit(&selection.Attr, unix.PerfBitInherit, false)
		s.groups[0].selections = append(s.groups[0].selections, *selection)
	}
	// sampled records now carry the whole group snapshot
	for i := range s.groups[0].selections {
		s.groups[0].selections[i].Attr.Sample_type |= unix.PERF_SAMPLE_READ
		s.groups[0].selections[i].Attr.Read_format |= unix.PERF_FORMAT_GROUP
	}
	return nil
}

// GetEvents returns the event types of every selection, in insertion
// order.
func (s *EventSelectionSet) GetEvents() []*EventType {
	var events []*EventType
	for i := range s.groups {
		for j := range s.groups[i].selections {
			events = append(events, &s.groups[i].selections[j].EventTypeModifier.EventType)
		}
	}
	return events
}

// GetTracepointEvents returns the tracepoint selections' event types.
func (s *EventSelectionSet) GetTracepointEvents() []*EventType {
	var events []*EventType
	for i := range s.groups {
		for j := range s.groups[i].selections {
			if s.groups[i].selections[j].Attr.Type == unix.PERF_TYPE_TRACEPOINT {
				events = append(events, &s.groups[i].selections[j].EventTypeModifier.EventType)
			}
		}
	}
	return events
}

// ExcludeKernel reports whether every selection excludes kernel space.
func (s *EventSelectionSet) ExcludeKernel() bool {
	for _, group := range s.groups {
		for _, selection := range group.selections {
			if !selection.EventTypeModifier.ExcludeKernel {
				return false
			}
		}
	}
	return true
}

// GetHardwareCountersForCpus maps each monitored cpu to the number of
// hardware events requested on it, for the multiplexing check.
func (s *EventSelectionSet) GetHardwareCountersForCpus() map[int]int {
	cpuMap := make(map[int]int)
	onlineCpus, err := cpuinfo.OnlineCpus()
	if err != nil {
		return cpuMap
	}
	for _, group := range s.groups {
		hardwareEvents := 0
		for _, selection := range group.selections {
			if selection.EventTypeModifier.EventType.IsHardwareEvent() {
				hardwareEvents++
			}
		}
		cpus := group.cpus
		if len(cpus) == 0 {
			cpus = onlineCpus
		}
		for _, cpu := range cpus {
			cpuMap[cpu] += hardwareEvents
		}
	}
	return cpuMap
}

// unionSampleType ORs all selections' sample types together and writes the
// union back, so every record the kernel emits decodes against one layout.
func (s *EventSelectionSet) unionSampleType() {
	var sampleType uint64
	for _, group := range s.groups {
		for _, selection := range group.selections {
			sampleType |= selection.Attr.Sample_type
		}
	}
	for i := range s.groups {
		for j := range s.groups[i].selections {
			s.groups[i].selections[j].Attr.Sample_type = sampleType
		}
	}
}

// forEachSelection applies fn to every selection in insertion order.
func (s *EventSelectionSet) forEachSelection(fn func(*EventSelection)) {
	for i := range s.groups {
		for j := range s.groups[i].selections {
			fn(&s.groups[i].selections[j])
		}
	}
}

// SetEnableCondition decides when the kernel starts counting: on open, or
// deferred to the monitored process's next exec.
func (s *EventSelectionSet) SetEnableCondition(enableOnOpen, enableOnExec bool) {
	s.forEachSelection(func(selection *EventSelection) {
		setAttrBit(&selection.Attr, unix.PerfBitDisabled, !enableOnOpen)
		setAttrBit(&selection.Attr, unix.PerfBitEnableOnExec, enableOnExec)
	})
}

// IsEnabledOnExec reports whether counting starts at the target's exec.
func (s *EventSelectionSet) IsEnabledOnExec() bool {
	enabled := true
	s.forEachSelection(func(selection *EventSelection) {
		if !attrBit(&selection.Attr, unix.PerfBitEnableOnExec) {
			enabled = false
		}
	})
	return enabled
}

// SampleIdAll asks for id fields on every record kind.
func (s *EventSelectionSet) SampleIdAll() {
	s.forEachSelection(func(selection *EventSelection) {
		setAttrBit(&selection.Attr, unix.PerfBitSampleIDAll, true)
	})
}

// SetSampleRateForNewEvents remembers rate as the session default and
// applies it to groups without a group-local rate. Idempotent for a fixed
// rate.
func (s *EventSelectionSet) SetSampleRateForNewEvents(rate SampleRate) error {
	if err := rate.validate(); err != nil {
		return err
	}
	s.sampleRate = &rate
	for i := range s.groups {
		if !s.groups[i].setSampleRate {
			setSampleRateForGroup(&s.groups[i], rate)
		}
	}
	return nil
}

// SetCpusForNewEvents remembers cpus as the session default and applies it
// to groups without an explicit list.
func (s *EventSelectionSet) SetCpusForNewEvents(cpus []int) {
	s.cpus = cpus
	for i := range s.groups {
		if len(s.groups[i].cpus) == 0 {
			s.groups[i].cpus = cpus
		}
	}
}

func setSampleRateForGroup(group *eventSelectionGroup, rate SampleRate) {
	group.setSampleRate = true
	for i := range group.selections {
		attr := &group.selections[i].Attr
		if rate.UseFreq() {
			setAttrBit(attr, unix.PerfBitFreq, true)
			attr.Sample = rate.SampleFreq
		} else {
			setAttrBit(attr, unix.PerfBitFreq, false)
			attr.Sample = rate.SamplePeriod
		}
	}
}

// SetBranchSampling asks for branch stacks on every sample. The mask must
// select at least one branch kind the kernel can filter on.
func (s *EventSelectionSet) SetBranchSampling(branchSampleType uint64) error {
	const required = unix.PERF_SAMPLE_BRANCH_ANY | unix.PERF_SAMPLE_BRANCH_ANY_CALL |
		unix.PERF_SAMPLE_BRANCH_ANY_RETURN | unix.PERF_SAMPLE_BRANCH_IND_CALL
	if branchSampleType != 0 && branchSampleType&required == 0 {
		return errors.Wrapf(ErrConfigConflict, "invalid branch_sample_type: 0x%x", branchSampleType)
	}
	if branchSampleType != 0 && !IsBranchSamplingSupported() {
		return errors.Wrap(ErrCapabilityUnsupported, "branch stack sampling is not supported on this device")
	}
	s.forEachSelection(func(selection *EventSelection) {
		if branchSampleType != 0 {
			selection.Attr.Sample_type |= unix.PERF_SAMPLE_BRANCH_STACK
		} else {
			selection.Attr.Sample_type &^= unix.PERF_SAMPLE_BRANCH_STACK
		}
		selection.Attr.Branch_sample_type = branchSampleType
	})
	return nil
}

// EnableFpCallChainSampling asks for frame-pointer callchains.
func (s *EventSelectionSet) EnableFpCallChainSampling() {
	s.forEachSelection(func(selection *EventSelection) {
		selection.Attr.Sample_type |= unix.PERF_SAMPLE_CALLCHAIN
	})
}

// EnableDwarfCallChainSampling asks for user stack and register dumps so
// callchains can be unwound offline.
func (s *EventSelectionSet) EnableDwarfCallChainSampling(dumpStackSize uint32) error {
	if !IsDwarfCallChainSamplingSupported() {
		return errors.Wrap(ErrCapabilityUnsupported, "dwarf callchain sampling is not supported on this device")
	}
	s.forEachSelection(func(selection *EventSelection) {
		selection.Attr.Sample_type |= unix.PERF_SAMPLE_CALLCHAIN |
			unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER
		setAttrBit(&selection.Attr, unix.PerfBitExcludeCallchainUser, true)
		selection.Attr.Sample_regs_user = SupportedRegMask()
		selection.Attr.Sample_stack_user = dumpStackSize
	})
	return nil
}

// SetInherit makes counters follow future children of monitored processes.
func (s *EventSelectionSet) SetInherit(enable bool) {
	s.forEachSelection(func(selection *EventSelection) {
		setAttrBit(&selection.Attr, unix.PerfBitInherit, enable)
	})
}

// SetClockId timestamps records with the given clock.
func (s *EventSelectionSet) SetClockId(clockID int32) error {
	if !IsSettingClockIdSupported() {
		return errors.Wrap(ErrCapabilityUnsupported, "setting clockid is not supported by the kernel")
	}
	s.forEachSelection(func(selection *EventSelection) {
		setAttrBit(&selection.Attr, unix.PerfBitUseClockID, true)
		selection.Attr.Clockid = clockID
	})
	return nil
}

// WakeupPerSample wakes the reader on every sample instead of at a buffer
// watermark.
func (s *EventSelectionSet) WakeupPerSample() {
	s.forEachSelection(func(selection *EventSelection) {
		setAttrBit(&selection.Attr, unix.PerfBitWatermark, false)
		selection.Attr.Wakeup = 1
	})
}

// SetTracepointFilter attaches a filter to the last added group, which must
// hold exactly one tracepoint selection. The filter is validated against
// the tracepoint's field schema and adjusted for the kernel's quoting
// rules.
func (s *EventSelectionSet) SetTracepointFilter(filter string) error {
	var selection *EventSelection
	if len(s.groups) > 0 {
		group := &s.groups[len(s.groups)-1]
		if len(group.selections) == 1 && group.selections[0].Attr.Type == unix.PERF_TYPE_TRACEPOINT {
			selection = &group.selections[0]
		}
	}
	if selection == nil {
		return errors.Wrapf(ErrFilterInvalid, "no tracepoint event before filter: %s", filter)
	}
	usedFields := mapset.NewSet[string]()
	adjusted, err := AdjustTracepointFilter(filter, tracepointFilterNeedsQuotes(), usedFields)
	if err != nil {
		return err
	}
	fields, err := GetFieldNamesForTracepointEvent(selection.EventTypeModifier.EventType)
	if err == nil {
		for _, field := range usedFields.ToSlice() {
			if !fields.Contains(field) {
				sorted := fields.ToSlice()
				sort.Strings(sorted)
				return errors.Wrapf(ErrFilterInvalid,
					"field name %s used in %q doesn't exist in %s. Available fields are %s",
					field, filter, selection.EventTypeModifier.EventType.Name, strings.Join(sorted, ","))
			}
		}
	}
	selection.TracepointFilter = adjusted
	return nil
}

// SetAddrFilters stores instruction-trace address filters; they are
// validated and applied after event files open.
func (s *EventSelectionSet) SetAddrFilters(filters []AddrFilter) {
	s.addrFilters = filters
}

// AddMonitoredProcesses adds processes whose threads will be monitored.
// Only valid before opening event files, except through the new-thread
// monitor's live-append path.
func (s *EventSelectionSet) AddMonitoredProcesses(pids []int) {
	for _, pid := range pids {
		s.processes.Add(pid)
	}
}

// AddMonitoredThreads adds explicit thread ids.
func (s *EventSelectionSet) AddMonitoredThreads(tids []int) {
	for _, tid := range tids {
		s.threads.Add(tid)
	}
}

// GetMonitoredProcesses returns the monitored process ids.
func (s *EventSelectionSet) GetMonitoredProcesses() []int {
	pids := s.processes.ToSlice()
	sort.Ints(pids)
	return pids
}

// GetMonitoredThreads returns the monitored thread ids.
func (s *EventSelectionSet) GetMonitoredThreads() []int {
	tids := s.threads.ToSlice()
	sort.Ints(tids)
	return tids
}

// ClearMonitoredTargets drops all monitored processes and threads.
func (s *EventSelectionSet) ClearMonitoredTargets() {
	s.processes.Clear()
	s.threads.Clear()
}

// HasMonitoredTarget reports whether any process or thread was added.
func (s *EventSelectionSet) HasMonitoredTarget() bool {
	return s.processes.Cardinality() > 0 || s.threads.Cardinality() > 0
}

// prepareThreads unions explicit thread ids with the live threads of every
// monitored process.
func (s *EventSelectionSet) prepareThreads() []int {
	threadSet := s.threads.Clone()
	for _, pid := range s.processes.ToSlice() {
		for _, tid := range GetThreadsInProcess(pid) {
			threadSet.Add(tid)
		}
	}
	threads := threadSet.ToSlice()
	sort.Ints(threads)
	return threads
}

// openEventFilesOnGroup opens every selection of a group for one
// (tid, cpu) as a transaction: the first fd becomes the group leader;
// followers pass it to the kernel. On any failure all fds opened for this
// (tid, cpu) are unwound.
func (s *EventSelectionSet) openEventFilesOnGroup(group *eventSelectionGroup, tid, cpu int) (failedEvent string, err error) {
	var opened []*EventFd
	var leader *EventFd
	for i := range group.selections {
		selection := &group.selections[i]
		eventFd, openErr := OpenEventFile(selection.Attr, tid, cpu, leader, selection.EventTypeModifier.Name, false)
		if openErr != nil {
			for j := len(opened) - 1; j >= 0; j-- {
				opened[j].Close()
			}
			return selection.EventTypeModifier.Name, openErr
		}
		slog.Debug("opened event file", slog.String("event", eventFd.Name()))
		opened = append(opened, eventFd)
		if leader == nil {
			leader = eventFd
		}
	}
	for i := range group.selections {
		group.selections[i].FDs = append(group.selections[i].FDs, opened[i])
	}
	return "", nil
}

// OpenEventFiles opens fds for every group across the effective
// (thread x cpu) matrix.
func (s *EventSelectionSet) OpenEventFiles() error {
	return s.OpenEventFilesForThreads(s.prepareThreads())
}

// OpenEventFilesForThreads opens fds for the given threads. Partial
// success across (tid, cpu) is accepted: threads exit and cpus go offline
// while opens are in flight. A group with zero successful (tid, cpu) pairs
// is fatal.
func (s *EventSelectionSet) OpenEventFilesForThreads(threads []int) error {
	onlineCpus, err := cpuinfo.OnlineCpus()
	if err != nil {
		return err
	}
	online := mapset.NewSet(onlineCpus...)
	checkCpusOnline := func(cpus []int) error {
		if len(cpus) == 1 && cpus[0] == -1 {
			return nil
		}
		for _, cpu := range cpus {
			if !online.Contains(cpu) {
				return errors.Wrapf(ErrResourceExhausted, "cpu %d is not online", cpu)
			}
		}
		return nil
	}

	for i := range s.groups {
		group := &s.groups[i]
		cpus := group.cpus
		if len(group.selections[0].AllowedCPUs) > 0 {
			// the PMU's cpumask wins: such PMUs are cpu-agnostic and an
			// explicit cpu list is meaningless for them
			cpus = group.selections[0].AllowedCPUs
		}
		if len(cpus) == 0 {
			cpus = onlineCpus
		} else if err := checkCpusOnline(cpus); err != nil {
			return err
		}

		successCount := 0
		var lastFailedEvent string
		var lastErr error
		for _, tid := range threads {
			for _, cpu := range cpus {
				if failedEvent, openErr := s.openEventFilesOnGroup(group, tid, cpu); openErr != nil {
					lastFailedEvent, lastErr = failedEvent, openErr
				} else {
					successCount++
				}
			}
		}
		// threads may exit between prepareThreads and the open, and cpus may
		// go offline after enumeration, so require only one success per group
		if successCount == 0 {
			if lastErr == nil {
				lastErr = ErrTargetGone
			}
			return fmt.Errorf("failed to open perf event file for event_type %s: %w", lastFailedEvent, lastErr)
		}
	}
	return s.applyFilters()
}

func (s *EventSelectionSet) applyFilters() error {
	if err := s.applyAddrFilters(); err != nil {
		return err
	}
	return s.applyTracepointFilters()
}

func (s *EventSelectionSet) applyAddrFilters() error {
	if len(s.addrFilters) == 0 {
		return nil
	}
	if !s.hasAuxTrace {
		return errors.Wrap(ErrFilterInvalid, "addr filters only take effect in instruction tracing")
	}
	requiredSlots := 0
	for i := range s.addrFilters {
		requiredSlots += s.addrFilters[i].filterSlots()
	}
	availableSlots := etmAddrFilterPairs() * 2
	if availableSlots < requiredSlots {
		return errors.Wrapf(ErrFilterInvalid, "needed %d etm filters, but only %d filters are available",
			requiredSlots, availableSlots)
	}
	filterStrs := make([]string, 0, len(s.addrFilters))
	for i := range s.addrFilters {
		filterStrs = append(filterStrs, s.addrFilters[i].String())
	}
	filterStr := strings.Join(filterStrs, ",")
	var err error
	s.forEachSelection(func(selection *EventSelection) {
		if err != nil || !selection.EventTypeModifier.EventType.IsEtmEvent() {
			return
		}
		for _, eventFd := range selection.FDs {
			if setErr := eventFd.SetFilter(filterStr); setErr != nil {
				err = setErr
				return
			}
		}
	})
	return err
}

func (s *EventSelectionSet) applyTracepointFilters() error {
	var err error
	s.forEachSelection(func(selection *EventSelection) {
		if err != nil || selection.TracepointFilter == "" {
			return
		}
		for _, eventFd := range selection.FDs {
			if setErr := eventFd.SetFilter(selection.TracepointFilter); setErr != nil {
				err = setErr
				return
			}
		}
	})
	return err
}

// ReadCounters reads one CounterInfo per owning fd for every selection,
// including any hotplugged snapshots, grouped by (group id, event name).
// A read failure is fatal: the counter state is inconsistent afterwards.
func (s *EventSelectionSet) ReadCounters() ([]CountersInfo, error) {
	var counters []CountersInfo
	for groupID := range s.groups {
		for i := range s.groups[groupID].selections {
			selection := &s.groups[groupID].selections[i]
			countersInfo := CountersInfo{
				GroupID:       groupID,
				EventName:     selection.EventTypeModifier.EventType.Name,
				EventModifier: selection.EventTypeModifier.Modifier,
			}
			countersInfo.Counters = append(countersInfo.Counters, selection.HotpluggedCounters...)
			for _, eventFd := range selection.FDs {
				counter, err := eventFd.ReadCounter()
				if err != nil {
					return nil, err
				}
				countersInfo.Counters = append(countersInfo.Counters, CounterInfo{
					TID:     eventFd.ThreadId(),
					CPU:     eventFd.Cpu(),
					Counter: counter,
				})
			}
			counters = append(counters, countersInfo)
		}
	}
	return counters, nil
}

// SetEnableEvents starts or stops counting on every open fd.
func (s *EventSelectionSet) SetEnableEvents(enable bool) error {
	var err error
	s.forEachSelection(func(selection *EventSelection) {
		if err != nil {
			return
		}
		for _, eventFd := range selection.FDs {
			if setErr := eventFd.SetEnableEvent(enable); setErr != nil {
				err = setErr
				return
			}
		}
	})
	return err
}

// CloseEventFiles drops every fd, followers before their group leaders.
func (s *EventSelectionSet) CloseEventFiles() {
	for i := range s.groups {
		group := &s.groups[i]
		// selection 0 holds the leaders; close it last
		for j := len(group.selections) - 1; j >= 0; j-- {
			for _, eventFd := range group.selections[j].FDs {
				eventFd.Close()
			}
			group.selections[j].FDs = nil
		}
	}
}

// Close releases the selection set: every fd, then the loop.
func (s *EventSelectionSet) Close() {
	s.CloseEventFiles()
	s.loop.Close()
}

// HasSampler reports whether any selection still owns an open fd.
func (s *EventSelectionSet) HasSampler() bool {
	has := false
	s.forEachSelection(func(selection *EventSelection) {
		if len(selection.FDs) > 0 {
			has = true
		}
	})
	return has
}

// defaultPeriodToDetectCpuHotplugEvents bounds how stale the online-cpu
// baseline can get between hotplug scans.
const defaultPeriodToDetectCpuHotplugEvents = 2 * time.Second

// HandleCpuHotplugEvents arms a periodic scan for cpus going offline
// during the session. Counters of fds bound to an offline cpu are read one
// last time and preserved as hotplugged snapshots before the fds close, so
// aggregates stay correct.
func (s *EventSelectionSet) HandleCpuHotplugEvents() error {
	onlineCpus, err := cpuinfo.OnlineCpus()
	if err != nil {
		return err
	}
	s.onlineCpus = onlineCpus
	_, err = s.loop.AddPeriodicEvent(defaultPeriodToDetectCpuHotplugEvents,
		s.detectCpuHotplugEvents, ioloop.LowPriority)
	return err
}

func (s *EventSelectionSet) detectCpuHotplugEvents() ioloop.Result {
	onlineCpus, err := cpuinfo.OnlineCpus()
	if err != nil {
		// transient sysfs failure; keep the old baseline and retry
		slog.Debug("failed to read online cpus", slog.String("error", err.Error()))
		return ioloop.Continue
	}
	for _, cpu := range offlinedCpus(s.onlineCpus, onlineCpus) {
		s.handleCpuOfflineEvent(cpu)
	}
	s.onlineCpus = onlineCpus
	return ioloop.Continue
}

// offlinedCpus returns the cpus present in prev but missing from current.
func offlinedCpus(prev, current []int) []int {
	currentSet := mapset.NewSet(current...)
	var offlined []int
	for _, cpu := range prev {
		if !currentSet.Contains(cpu) {
			offlined = append(offlined, cpu)
		}
	}
	return offlined
}

// handleCpuOfflineEvent snapshots and closes every fd bound to the
// offlined cpu. The fd stays readable after the cpu goes away, with its
// counts frozen; that final reading joins the selection's hotplugged
// counters. Followers close before their group leaders.
func (s *EventSelectionSet) handleCpuOfflineEvent(cpu int) {
	slog.Info("cpu went offline, preserving its counters", slog.Int("cpu", cpu))
	for i := range s.groups {
		group := &s.groups[i]
		for j := len(group.selections) - 1; j >= 0; j-- {
			selection := &group.selections[j]
			kept := selection.FDs[:0]
			for _, eventFd := range selection.FDs {
				if eventFd.Cpu() != cpu {
					kept = append(kept, eventFd)
					continue
				}
				if counter, err := eventFd.ReadCounter(); err == nil {
					selection.HotpluggedCounters = append(selection.HotpluggedCounters, CounterInfo{
						TID:     eventFd.ThreadId(),
						CPU:     eventFd.Cpu(),
						Counter: counter,
					})
				} else {
					slog.Debug("failed to read counter of offlined cpu",
						slog.String("event", eventFd.Name()), slog.String("error", err.Error()))
				}
				eventFd.Close()
			}
			selection.FDs = kept
		}
	}
}

// StopWhenNoMoreTargets arms a periodic check that exits the loop once no
// monitored thread or process remains alive.
func (s *EventSelectionSet) StopWhenNoMoreTargets(checkInterval time.Duration) error {
	_, err := s.loop.AddPeriodicEvent(checkInterval, func() ioloop.Result {
		return s.checkMonitoredTargets()
	}, ioloop.LowPriority)
	return err
}

func (s *EventSelectionSet) checkMonitoredTargets() ioloop.Result {
	if !s.HasSampler() {
		return s.loop.ExitLoop()
	}
	for _, tid := range s.threads.ToSlice() {
		if IsThreadAlive(tid) {
			return ioloop.Continue
		}
	}
	for _, pid := range s.processes.ToSlice() {
		if IsThreadAlive(pid) {
			return ioloop.Continue
		}
	}
	return s.loop.ExitLoop()
}
