// Package stat is a subcommand of the root command. It counts perf events
// on selected targets and reports per-event summaries.
package stat

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"perfstat/internal/perfevent"
)

// ThreadInfo describes one monitored thread for per-thread reporting.
type ThreadInfo struct {
	PID  int
	TID  int
	Name string
}

// CounterSum accumulates raw counter readings.
type CounterSum struct {
	Value       uint64
	TimeEnabled uint64
	TimeRunning uint64
}

// FromCounter loads the sum from a single reading.
func (s *CounterSum) FromCounter(counter perfevent.PerfCounter) {
	s.Value = counter.Value
	s.TimeEnabled = counter.TimeEnabled
	s.TimeRunning = counter.TimeRunning
}

// ToCounter writes the sum back into a reading.
func (s *CounterSum) ToCounter(counter *perfevent.PerfCounter) {
	counter.Value = s.Value
	counter.TimeEnabled = s.TimeEnabled
	counter.TimeRunning = s.TimeRunning
}

// Minus returns the element-wise difference, used for interval deltas.
func (s CounterSum) Minus(other CounterSum) CounterSum {
	return CounterSum{
		Value:       s.Value - other.Value,
		TimeEnabled: s.TimeEnabled - other.TimeEnabled,
		TimeRunning: s.TimeRunning - other.TimeRunning,
	}
}

// CounterSummary is one report row: an event (type, modifier) aggregated
// over a reporting key.
type CounterSummary struct {
	TypeName string
	Modifier string
	GroupID  int
	// Thread is set in per-thread mode
	Thread *ThreadInfo
	// CPU is set in per-core mode, -1 otherwise
	CPU             int
	Count           uint64
	CountPerThread  uint64
	TimeEnabledInNs uint64
	RuntimeInNs     uint64
	Scale           float64
	ReadableCount   string
	Comment         string
	AutoGenerated   bool
}

// Name returns the full event name including the modifier.
func (s *CounterSummary) Name() string {
	if s.Modifier == "" {
		return s.TypeName
	}
	return s.TypeName + ":" + s.Modifier
}

var readableCountPrinter = message.NewPrinter(language.English)

// ReadableCountValue renders the count for humans: clock events convert to
// milliseconds, other counts get grouped digits in text mode.
func (s *CounterSummary) ReadableCountValue(csv bool) string {
	if s.TypeName == "cpu-clock" || s.TypeName == "task-clock" {
		// counter values of clock events are in nanoseconds
		return fmt.Sprintf("%f(ms)", float64(s.Count)/1e6)
	}
	if csv {
		return fmt.Sprintf("%d", s.Count)
	}
	return readableCountPrinter.Sprintf("%d", s.Count)
}

// isMonitoredAtTheSameTime reports whether two summaries were scheduled
// over the same wall and running time, so their counts can be compared.
func (s *CounterSummary) isMonitoredAtTheSameTime(other *CounterSummary) bool {
	return approximatelyEqual(s.TimeEnabledInNs, other.TimeEnabledInNs) &&
		approximatelyEqual(s.RuntimeInNs, other.RuntimeInNs)
}

func approximatelyEqual(a, b uint64) bool {
	diff := int64(a) - int64(b)
	if diff < 0 {
		diff = -diff
	}
	limit := max(a, b) / 10000
	return uint64(diff) <= limit
}

type summaryKey struct {
	tid int
	cpu int
}

// SummaryComparator orders report rows; see BuildSummaryComparator.
type SummaryComparator func(a, b *CounterSummary) bool

// BuildSummaryComparator translates a sort key list into a comparator.
// Possible keys: count, count_per_thread, cpu, pid, tid, comm. Keys that
// need per-thread or per-core data are skipped when the matching mode is
// off, so the default key list works in every mode.
func BuildSummaryComparator(keys []string, reportPerThread, reportPerCore bool) (SummaryComparator, error) {
	type compareFn func(a, b *CounterSummary) int
	var fns []compareFn
	for _, key := range keys {
		switch key {
		case "count":
			fns = append(fns, func(a, b *CounterSummary) int {
				// bigger counts first
				switch {
				case a.Count > b.Count:
					return -1
				case a.Count < b.Count:
					return 1
				}
				return 0
			})
		case "count_per_thread":
			if reportPerThread {
				fns = append(fns, func(a, b *CounterSummary) int {
					switch {
					case a.CountPerThread > b.CountPerThread:
						return -1
					case a.CountPerThread < b.CountPerThread:
						return 1
					}
					return 0
				})
			}
		case "tid":
			if reportPerThread {
				fns = append(fns, func(a, b *CounterSummary) int { return a.Thread.TID - b.Thread.TID })
			}
		case "pid":
			if reportPerThread {
				fns = append(fns, func(a, b *CounterSummary) int { return a.Thread.PID - b.Thread.PID })
			}
		case "comm":
			if reportPerThread {
				fns = append(fns, func(a, b *CounterSummary) int { return strings.Compare(a.Thread.Name, b.Thread.Name) })
			}
		case "cpu":
			if reportPerCore {
				fns = append(fns, func(a, b *CounterSummary) int { return a.CPU - b.CPU })
			}
		default:
			return nil, fmt.Errorf("unknown sort key: %s", key)
		}
	}
	return func(a, b *CounterSummary) bool {
		for _, fn := range fns {
			if result := fn(a, b); result != 0 {
				return result < 0
			}
		}
		return false
	}, nil
}

// CounterSummaryBuilder turns raw counter readings into report rows,
// aggregated by the active reporting mode.
type CounterSummaryBuilder struct {
	reportPerThread bool
	reportPerCore   bool
	csv             bool
	threadMap       map[int]ThreadInfo
	comparator      SummaryComparator
	summaries       []CounterSummary
}

// NewCounterSummaryBuilder creates a builder. threadMap supplies thread
// names for per-thread reporting. comparator may be nil for insertion
// order.
func NewCounterSummaryBuilder(reportPerThread, reportPerCore, csv bool, threadMap map[int]ThreadInfo, comparator SummaryComparator) *CounterSummaryBuilder {
	return &CounterSummaryBuilder{
		reportPerThread: reportPerThread,
		reportPerCore:   reportPerCore,
		csv:             csv,
		threadMap:       threadMap,
		comparator:      comparator,
	}
}

// AddCountersForOneEventType aggregates all readings of one event into
// one or more summaries keyed by the reporting mode.
func (b *CounterSummaryBuilder) AddCountersForOneEventType(info perfevent.CountersInfo) {
	sums := make(map[summaryKey]*CounterSum)
	var keys []summaryKey
	for _, counter := range info.Counters {
		key := summaryKey{tid: -1, cpu: -1}
		if b.reportPerThread {
			key.tid = counter.TID
		}
		if b.reportPerCore {
			key.cpu = counter.CPU
		}
		sum, ok := sums[key]
		if !ok {
			sum = &CounterSum{}
			sums[key] = sum
			keys = append(keys, key)
		}
		// scale each reading before aggregation so multiplexed counters
		// estimate their true counts
		sum.Value += scaledCount(counter.Counter)
		sum.TimeEnabled += counter.Counter.TimeEnabled
		sum.TimeRunning += counter.Counter.TimeRunning
	}
	for _, key := range keys {
		sum := sums[key]
		summary := CounterSummary{
			TypeName:        info.EventName,
			Modifier:        info.EventModifier,
			GroupID:         info.GroupID,
			CPU:             key.cpu,
			Count:           sum.Value,
			TimeEnabledInNs: sum.TimeEnabled,
			RuntimeInNs:     sum.TimeRunning,
			Scale:           scaleFactor(sum.TimeEnabled, sum.TimeRunning),
		}
		if b.reportPerThread {
			thread, ok := b.threadMap[key.tid]
			if !ok {
				thread = ThreadInfo{PID: key.tid, TID: key.tid, Name: "unknown"}
			}
			summary.Thread = &thread
		}
		b.summaries = append(b.summaries, summary)
	}
}

// scaledCount estimates the true count of a possibly multiplexed counter.
func scaledCount(counter perfevent.PerfCounter) uint64 {
	if counter.TimeRunning < counter.TimeEnabled && counter.TimeRunning != 0 {
		return uint64(float64(counter.Value) * float64(counter.TimeEnabled) / float64(counter.TimeRunning))
	}
	return counter.Value
}

func scaleFactor(timeEnabled, timeRunning uint64) float64 {
	if timeRunning == 0 {
		return 0 // scale unknown
	}
	return float64(timeEnabled) / float64(timeRunning)
}

// Build fills the per-thread count totals, sorts when a comparator was
// given, and returns the rows.
func (b *CounterSummaryBuilder) Build() []CounterSummary {
	if b.reportPerThread {
		type perThreadKey struct {
			typeName string
			modifier string
			tid      int
		}
		totals := make(map[perThreadKey]uint64)
		for i := range b.summaries {
			s := &b.summaries[i]
			totals[perThreadKey{s.TypeName, s.Modifier, s.Thread.TID}] += s.Count
		}
		for i := range b.summaries {
			s := &b.summaries[i]
			s.CountPerThread = totals[perThreadKey{s.TypeName, s.Modifier, s.Thread.TID}]
		}
	}
	if b.comparator != nil {
		comparator := b.comparator
		sort.SliceStable(b.summaries, func(i, j int) bool {
			return comparator(&b.summaries[i], &b.summaries[j])
		})
	}
	return b.summaries
}

// CounterSummaries is the finished report: rows plus comment generation
// and rendering.
type CounterSummaries struct {
	summaries []CounterSummary
	csv       bool
}

// NewCounterSummaries wraps built rows for rendering.
func NewCounterSummaries(summaries []CounterSummary, csv bool) *CounterSummaries {
	return &CounterSummaries{summaries: summaries, csv: csv}
}

// Summaries returns the report rows.
func (c *CounterSummaries) Summaries() []CounterSummary {
	return c.summaries
}

// FindSummary locates the row matching (typeName, modifier, thread, cpu).
func (c *CounterSummaries) FindSummary(typeName, modifier string, thread *ThreadInfo, cpu int) *CounterSummary {
	for i := range c.summaries {
		s := &c.summaries[i]
		if s.TypeName == typeName && s.Modifier == modifier && sameThread(s.Thread, thread) && s.CPU == cpu {
			return s
		}
	}
	return nil
}

func sameThread(a, b *ThreadInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.TID == b.TID && a.PID == b.PID
}

// AutoGenerateSummaries synthesizes a combined row for events monitored
// with both :u and :k at the same time: the unmodified event count is the
// exact integer sum of the two.
func (c *CounterSummaries) AutoGenerateSummaries() {
	for i := 0; i < len(c.summaries); i++ {
		s := c.summaries[i]
		if s.Modifier != "u" {
			continue
		}
		other := c.FindSummary(s.TypeName, "k", s.Thread, s.CPU)
		if other == nil || !other.isMonitoredAtTheSameTime(&s) {
			continue
		}
		if c.FindSummary(s.TypeName, "", s.Thread, s.CPU) != nil {
			continue
		}
		combined := s
		combined.Modifier = ""
		combined.Count += other.Count
		combined.CountPerThread += other.CountPerThread
		combined.AutoGenerated = true
		c.summaries = append(c.summaries, combined)
	}
}

// Common miss-event to base-event pairs for rate comments.
var commonEventRateMap = map[string][2]string{
	"cache-misses":  {"cache-references", "miss rate"},
	"branch-misses": {"branch-instructions", "miss rate"},
}

// Meaningful ratios between common ARM microarchitectural events, from the
// ARMv8 specification.
var armEventRateMap = map[string][2]string{
	"raw-l1i-cache-refill":    {"raw-l1i-cache", "level 1 instruction cache refill rate"},
	"raw-l1i-tlb-refill":      {"raw-l1i-tlb", "level 1 instruction TLB refill rate"},
	"raw-l1d-cache-refill":    {"raw-l1d-cache", "level 1 data or unified cache refill rate"},
	"raw-l1d-tlb-refill":      {"raw-l1d-tlb", "level 1 data or unified TLB refill rate"},
	"raw-l2d-cache-refill":    {"raw-l2d-cache", "level 2 data or unified cache refill rate"},
	"raw-l2i-cache-refill":    {"raw-l2i-cache", "level 2 instruction cache refill rate"},
	"raw-l3d-cache-refill":    {"raw-l3d-cache", "level 3 data or unified cache refill rate"},
	"raw-l2d-tlb-refill":      {"raw-l2d-tlb", "level 2 data or unified TLB refill rate"},
	"raw-l2i-tlb-refill":      {"raw-l2i-tlb", "level 2 instruction TLB refill rate"},
	"raw-bus-access":          {"raw-bus-cycles", "bus accesses per cycle"},
	"raw-ll-cache-miss":       {"raw-ll-cache", "last level data or unified cache refill rate"},
	"raw-dtlb-walk":           {"raw-l1d-tlb", "data TLB miss rate"},
	"raw-itlb-walk":           {"raw-l1i-tlb", "instruction TLB miss rate"},
	"raw-ll-cache-miss-rd":    {"raw-ll-cache-rd", "memory read operation miss rate"},
	"raw-remote-access-rd":    {"raw-remote-access", "read accesses to another socket in a multi-socket system"},
	"raw-l1d-cache-refill-rd": {"raw-l1d-cache-rd", "level 1 cache refill rate, read"},
	"raw-l1d-cache-refill-wr": {"raw-l1d-cache-wr", "level 1 cache refill rate, write"},
	"raw-l1d-tlb-refill-rd":   {"raw-l1d-tlb-rd", "level 1 TLB refill rate, read"},
	"raw-l1d-tlb-refill-wr":   {"raw-l1d-tlb-wr", "level 1 TLB refill rate, write"},
	"raw-l2d-cache-refill-rd": {"raw-l2d-cache-rd", "level 2 data cache refill rate, read"},
	"raw-l2d-cache-refill-wr": {"raw-l2d-cache-wr", "level 2 data cache refill rate, write"},
	"raw-l2d-tlb-refill-rd":   {"raw-l2d-tlb-rd", "level 2 data TLB refill rate, read"},
}

// GenerateComments appends a derived-rate comment to every row.
func (c *CounterSummaries) GenerateComments(durationInSec float64) {
	for i := range c.summaries {
		c.summaries[i].Comment = c.commentForSummary(&c.summaries[i], durationInSec)
	}
}

func (c *CounterSummaries) commentForSummary(s *CounterSummary, durationInSec float64) string {
	sapMid := " "
	if c.csv {
		sapMid = ","
	}
	if s.TypeName == "task-clock" {
		if durationInSec == 0 {
			return ""
		}
		runSec := float64(s.Count) / 1e9
		return fmt.Sprintf("%f%scpus used", runSec/durationInSec, sapMid)
	}
	if s.TypeName == "cpu-clock" {
		return ""
	}
	if s.TypeName == "cpu-cycles" {
		if s.RuntimeInNs == 0 {
			return ""
		}
		return fmt.Sprintf("%f%sGHz", float64(s.Count)/float64(s.RuntimeInNs), sapMid)
	}
	if s.TypeName == "instructions" && s.Count != 0 {
		if other := c.FindSummary("cpu-cycles", s.Modifier, s.Thread, s.CPU); other != nil && other.isMonitoredAtTheSameTime(s) {
			cpi := float64(other.Count) / float64(s.Count)
			return fmt.Sprintf("%f%scycles per instruction", cpi, sapMid)
		}
	}
	if comment := c.rateComment(s, sapMid); comment != "" {
		return comment
	}
	if s.RuntimeInNs == 0 {
		return ""
	}
	rate := float64(s.Count) / (float64(s.RuntimeInNs) / 1e9)
	switch {
	case rate >= 1e9-1e5:
		return fmt.Sprintf("%.3f%sG/sec", rate/1e9, sapMid)
	case rate >= 1e6-1e2:
		return fmt.Sprintf("%.3f%sM/sec", rate/1e6, sapMid)
	case rate >= 1e3:
		return fmt.Sprintf("%.3f%sK/sec", rate/1e3, sapMid)
	}
	return fmt.Sprintf("%.3f%s/sec", rate, sapMid)
}

func (c *CounterSummaries) rateComment(s *CounterSummary, sep string) string {
	missEventName := s.TypeName
	eventName := ""
	rateDesc := ""
	if pair, ok := commonEventRateMap[missEventName]; ok {
		eventName, rateDesc = pair[0], pair[1]
	}
	if eventName == "" && (runtime.GOARCH == "arm" || runtime.GOARCH == "arm64") {
		if pair, ok := armEventRateMap[missEventName]; ok {
			eventName, rateDesc = pair[0], pair[1]
		}
	}
	if eventName == "" {
		if base, found := strings.CutSuffix(missEventName, "-misses"); found {
			eventName = base + "s"
			rateDesc = "miss rate"
		}
	}
	if eventName == "" {
		return ""
	}
	other := c.FindSummary(eventName, s.Modifier, s.Thread, s.CPU)
	if other == nil || !other.isMonitoredAtTheSameTime(s) || other.Count == 0 {
		return ""
	}
	missRate := float64(s.Count) / float64(other.Count)
	return fmt.Sprintf("%f%%%s%s", missRate*100, sep, rateDesc)
}
