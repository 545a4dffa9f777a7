// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package stat

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"perfstat/internal/cpuinfo"
	"perfstat/internal/ioloop"
	"perfstat/internal/perfevent"
)

const cmdName = "stat"

var examples = []string{
	fmt.Sprintf("  Count default events on a workload:        $ perfstat %s -- sleep 1", cmdName),
	fmt.Sprintf("  Count selected events:                     $ perfstat %s -e cpu-cycles,instructions -- sleep 1", cmdName),
	fmt.Sprintf("  Count system wide for two seconds:         $ perfstat %s -a --duration 2 -e cpu-cycles", cmdName),
	fmt.Sprintf("  Count per thread of existing processes:    $ perfstat %s --per-thread -e cpu-cycles -p 1234", cmdName),
	fmt.Sprintf("  Group events so they are scheduled as one: $ perfstat %s --group cpu-cycles,instructions -- sleep 1", cmdName),
	fmt.Sprintf("  CSV output with per-interval values:       $ perfstat %s --csv --interval 1000 --interval-only-values -a", cmdName),
}

// Cmd is the stat command: gather performance counter information.
var Cmd = &cobra.Command{
	Use:           cmdName,
	Short:         "Gather performance counter information",
	Example:       strings.Join(examples, "\n"),
	RunE:          runCmd,
	PreRunE:       validateFlags,
	GroupID:       "primary",
	Args:          cobra.ArbitraryArgs,
	SilenceErrors: true,
}

var (
	// target selection
	flagSystemWide bool
	flagPidList    []int
	flagTidList    []int
	// event selection; --cpu, -e, --group and --tp-filter are positional
	// relative to each other, so their values are re-read from os.Args
	flagEvents    []string
	flagGroups    []string
	flagCpus      []string
	flagTpFilters []string
	// session control
	flagDuration         float64
	flagInterval         float64
	flagIntervalOnly     bool
	flagNoInherit        bool
	flagMonitorNewThread bool
	flagUseDevfreq       bool
	// reporting
	flagCSV        bool
	flagPerCore    bool
	flagPerThread  bool
	flagSortKeys   []string
	flagVerbose    bool
	flagOutput     string
	flagOutFd      int
	flagOutXlsx    string
	flagMetrics    []string
	flagConfigFile string
	flagLiveServer string
	// probing
	flagPrintHwCounter bool

	// positional arguments
	argsWorkload []string
)

const (
	flagSystemWideName       = "all"
	flagPidListName          = "pid"
	flagTidListName          = "tid"
	flagEventsName           = "events"
	flagGroupsName           = "group"
	flagCpusName             = "cpu"
	flagTpFiltersName        = "tp-filter"
	flagDurationName         = "duration"
	flagIntervalName         = "interval"
	flagIntervalOnlyName     = "interval-only-values"
	flagNoInheritName        = "no-inherit"
	flagMonitorNewThreadName = "monitor-new-thread"
	flagUseDevfreqName       = "use-devfreq-counters"
	flagCSVName              = "csv"
	flagPerCoreName          = "per-core"
	flagPerThreadName        = "per-thread"
	flagSortKeysName         = "sort"
	flagVerboseName          = "verbose"
	flagOutputName           = "output"
	flagOutFdName            = "out-fd"
	flagOutXlsxName          = "out-xlsx"
	flagMetricsName          = "metric"
	flagConfigFileName       = "config"
	flagLiveServerName       = "live-server"
	flagPrintHwCounterName   = "print-hw-counter"
)

// defaultMeasuredEventTypes are counted when the user selects no events.
var defaultMeasuredEventTypes = []string{
	"cpu-cycles", "stalled-cycles-frontend", "stalled-cycles-backend",
	"instructions", "branch-instructions", "branch-misses",
	"task-clock", "context-switches", "page-faults",
}

func init() {
	Cmd.Flags().BoolVarP(&flagSystemWide, flagSystemWideName, "a", false, "collect system-wide information")
	Cmd.Flags().IntSliceVarP(&flagPidList, flagPidListName, "p", nil, "stat events on existing processes")
	Cmd.Flags().IntSliceVarP(&flagTidList, flagTidListName, "t", nil, "stat events on existing threads")
	Cmd.Flags().StringSliceVarP(&flagEvents, flagEventsName, "e", nil, "events to count, each scheduled independently")
	Cmd.Flags().StringSliceVar(&flagGroups, flagGroupsName, nil, "events monitored as a group, scheduled in and out together")
	Cmd.Flags().StringArrayVar(&flagCpus, flagCpusName, nil, "cpus for following events, e.g. 0-3,5; affects event options after it")
	Cmd.Flags().StringArrayVar(&flagTpFilters, flagTpFiltersName, nil, "filter for the previous tracepoint event")
	Cmd.Flags().Float64Var(&flagDuration, flagDurationName, 0, "monitor for seconds instead of running a workload")
	Cmd.Flags().Float64Var(&flagInterval, flagIntervalName, 0, "print stat every milliseconds")
	Cmd.Flags().BoolVar(&flagIntervalOnly, flagIntervalOnlyName, false, "print event counts per interval instead of totals")
	Cmd.Flags().BoolVar(&flagNoInherit, flagNoInheritName, false, "don't stat created child threads/processes")
	Cmd.Flags().BoolVar(&flagMonitorNewThread, flagMonitorNewThreadName, false, "count new threads created after starting; needs --per-thread and --no-inherit")
	Cmd.Flags().BoolVar(&flagUseDevfreq, flagUseDevfreqName, false, "release counters held by the devfreq memory latency governor")
	Cmd.Flags().BoolVar(&flagCSV, flagCSVName, false, "write report in comma separated form")
	Cmd.Flags().BoolVar(&flagPerCore, flagPerCoreName, false, "print counters for each cpu core")
	Cmd.Flags().BoolVar(&flagPerThread, flagPerThreadName, false, "print counters for each thread")
	Cmd.Flags().StringSliceVar(&flagSortKeys, flagSortKeysName, []string{"count_per_thread", "tid", "cpu", "count"}, "report sort keys")
	Cmd.Flags().BoolVar(&flagVerbose, flagVerboseName, false, "show result in verbose mode")
	Cmd.Flags().StringVarP(&flagOutput, flagOutputName, "o", "", "write report to a file instead of standard output")
	Cmd.Flags().IntVar(&flagOutFd, flagOutFdName, -1, "write report to a pre-opened file descriptor")
	Cmd.Flags().StringVar(&flagOutXlsx, flagOutXlsxName, "", "also write the final report as an xlsx workbook")
	Cmd.Flags().StringArrayVar(&flagMetrics, flagMetricsName, nil, "derived metric as name=expression over event counts")
	Cmd.Flags().StringVar(&flagConfigFile, flagConfigFileName, "", "YAML file with event groups and derived metrics")
	Cmd.Flags().StringVar(&flagLiveServer, flagLiveServerName, "", "serve live counters as Prometheus gauges on this address")
	Cmd.Flags().BoolVar(&flagPrintHwCounter, flagPrintHwCounterName, false, "test and print available CPU PMU hardware counters")
}

func validateFlags(cmd *cobra.Command, args []string) error {
	if flagSystemWide && (len(flagPidList) > 0 || len(flagTidList) > 0) {
		return fmt.Errorf("%w: stat system wide and existing processes/threads can't be used at the same time",
			perfevent.ErrConfigConflict)
	}
	if flagSystemWide && os.Geteuid() != 0 {
		return fmt.Errorf("%w: system wide profiling needs root privilege", perfevent.ErrAccessDenied)
	}
	if flagMonitorNewThread && (!flagPerThread || !flagNoInherit) {
		return fmt.Errorf("%w: --monitor-new-thread should be used with --per-thread and --no-inherit",
			perfevent.ErrConfigConflict)
	}
	if flagDuration < 0 || flagInterval < 0 {
		return fmt.Errorf("%w: duration and interval must be positive", perfevent.ErrConfigConflict)
	}
	if flagIntervalOnly && flagInterval == 0 {
		return fmt.Errorf("%w: --interval-only-values needs --interval", perfevent.ErrConfigConflict)
	}
	argsWorkload = args
	return nil
}

// orderedOption is one --cpu/-e/--group/--tp-filter occurrence in command
// line order.
type orderedOption struct {
	name  string
	value string
}

// collectOrderedOptions walks the raw argument list to recover the relative
// order of the positional options, which pflag does not preserve across
// distinct flags. A --cpu option affects all event options after it, so
// applying these out of order would silently drop cpu lists.
func collectOrderedOptions(args []string) []orderedOption {
	watched := map[string]string{
		"--" + flagCpusName:      flagCpusName,
		"--" + flagEventsName:    flagEventsName,
		"-e":                     flagEventsName,
		"--" + flagGroupsName:    flagGroupsName,
		"--" + flagTpFiltersName: flagTpFiltersName,
	}
	var options []orderedOption
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		if name, value, found := strings.Cut(arg, "="); found {
			if optionName, ok := watched[name]; ok {
				options = append(options, orderedOption{name: optionName, value: value})
			}
			continue
		}
		if optionName, ok := watched[arg]; ok && i+1 < len(args) {
			options = append(options, orderedOption{name: optionName, value: args[i+1]})
			i++
		}
	}
	return options
}

func applyOrderedOptions(selections *perfevent.EventSelectionSet, options []orderedOption) error {
	for _, option := range options {
		switch option.name {
		case flagCpusName:
			cpus, err := cpuinfo.ParseCpuList(option.value)
			if err != nil {
				return err
			}
			selections.SetCpusForNewEvents(cpus)
		case flagEventsName:
			for event := range strings.SplitSeq(option.value, ",") {
				if err := selections.AddEventType(event, true); err != nil {
					return err
				}
			}
		case flagGroupsName:
			if err := selections.AddEventGroup(strings.Split(option.value, ","), true); err != nil {
				return err
			}
		case flagTpFiltersName:
			if err := selections.SetTracepointFilter(option.value); err != nil {
				return err
			}
		}
	}
	return nil
}

// allowMoreOpenedFiles raises the soft fd limit to the hard limit; a
// many-thread many-core session can need thousands of event fds.
func allowMoreOpenedFiles() {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return
	}
	if limit.Cur < limit.Max {
		limit.Cur = limit.Max
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
			slog.Debug("failed to raise open file limit", slog.String("error", err.Error()))
		}
	}
}

func addDefaultMeasuredEventTypes(selections *perfevent.EventSelectionSet) error {
	for _, name := range defaultMeasuredEventTypes {
		// it is not an error when some defaults are unsupported by the kernel
		eventType, err := perfevent.FindEventTypeByName(name)
		if err != nil {
			continue
		}
		attr := perfevent.CreateDefaultPerfEventAttr(*eventType)
		if !perfevent.IsKernelEventSupported() {
			attr.Bits |= unix.PerfBitExcludeKernel
			if name == "cpu-clock" || name == "task-clock" {
				continue
			}
			name += ":u"
		}
		if perfevent.IsEventAttrSupported(attr, name) {
			if err := selections.AddEventType(name, false); err != nil {
				return err
			}
		}
	}
	if selections.Empty() {
		return fmt.Errorf("%w: failed to add any supported default measured types", perfevent.ErrCapabilityUnsupported)
	}
	return nil
}

// monitorEachThread flattens monitored processes into their current
// threads so each gets its own event fds and report rows.
func monitorEachThread(selections *perfevent.EventSelectionSet, workload *Workload, threadInfo map[int]ThreadInfo) {
	var threads []int
	for _, pid := range selections.GetMonitoredProcesses() {
		for _, tid := range perfevent.GetThreadsInProcess(pid) {
			name, _, err := perfevent.ReadThreadNameAndPid(tid)
			if err != nil {
				continue
			}
			if tid == pid && workload != nil && workload.GetPid() == pid {
				name = workload.GetCommandName()
			}
			threadInfo[tid] = ThreadInfo{PID: pid, TID: tid, Name: name}
			threads = append(threads, tid)
		}
	}
	for _, tid := range selections.GetMonitoredThreads() {
		name, pid, err := perfevent.ReadThreadNameAndPid(tid)
		if err != nil {
			continue
		}
		threadInfo[tid] = ThreadInfo{PID: pid, TID: tid, Name: name}
		threads = append(threads, tid)
	}
	selections.ClearMonitoredTargets()
	selections.AddMonitoredThreads(threads)
}

// adjustToIntervalOnlyValues subtracts the previous readings so each
// interval shows its own deltas. lastSums is the shadow state across
// calls.
func adjustToIntervalOnlyValues(counters []perfevent.CountersInfo, lastSums *[][]CounterSum) {
	if len(*lastSums) < len(counters) {
		*lastSums = append(*lastSums, make([][]CounterSum, len(counters)-len(*lastSums))...)
	}
	for i := range counters {
		countersPerEvent := counters[i].Counters
		if len((*lastSums)[i]) < len(countersPerEvent) {
			(*lastSums)[i] = append((*lastSums)[i], make([]CounterSum, len(countersPerEvent)-len((*lastSums)[i]))...)
		}
		for j := range countersPerEvent {
			var newSum CounterSum
			newSum.FromCounter(countersPerEvent[j].Counter)
			delta := newSum.Minus((*lastSums)[i][j])
			delta.ToCounter(&countersPerEvent[j].Counter)
			(*lastSums)[i][j] = newSum
		}
	}
}

type statSession struct {
	selections     *perfevent.EventSelectionSet
	threadInfo     map[int]ThreadInfo
	comparator     SummaryComparator
	metricDefs     []MetricDefinition
	out            io.Writer
	liveTTY        bool
	startTime      time.Time
	lastSums       [][]CounterSum
	lastSummaries  *CounterSummaries
	lastMetrics    []MetricValue
	lastDurationIn float64
}

// showCounters builds summaries from one read and renders them.
func (session *statSession) showCounters(counters []perfevent.CountersInfo, durationInSec float64) error {
	if flagCSV {
		fmt.Fprintf(session.out, "Performance counter statistics,\n")
	} else {
		fmt.Fprintf(session.out, "Performance counter statistics:\n\n")
	}
	if flagVerbose {
		session.showVerboseCounters(counters)
	}
	builder := NewCounterSummaryBuilder(flagPerThread, flagPerCore, flagCSV, session.threadInfo, session.comparator)
	for _, info := range counters {
		builder.AddCountersForOneEventType(info)
	}
	summaries := NewCounterSummaries(builder.Build(), flagCSV)
	summaries.AutoGenerateSummaries()
	summaries.GenerateComments(durationInSec)
	if err := summaries.Show(session.out, flagPerThread, flagPerCore); err != nil {
		return err
	}
	metricValues := evaluateMetrics(session.metricDefs, summaries)
	showMetrics(session.out, metricValues, flagCSV)
	if flagLiveServer != "" {
		publishLiveCounters(summaries, metricValues)
	}
	if flagCSV {
		fmt.Fprintf(session.out, "Total test time,%f,seconds,\n", durationInSec)
	} else {
		fmt.Fprintf(session.out, "\nTotal test time: %f seconds.\n", durationInSec)
	}
	session.lastSummaries = summaries
	session.lastMetrics = metricValues
	session.lastDurationIn = durationInSec
	return nil
}

func (session *statSession) showVerboseCounters(counters []perfevent.CountersInfo) {
	for _, countersInfo := range counters {
		for _, counterInfo := range countersInfo.Counters {
			if flagCSV {
				fmt.Fprintf(session.out, "%s,tid,%d,cpu,%d,count,%d,time_enabled,%d,time running,%d,id,%d,\n",
					countersInfo.EventName, counterInfo.TID, counterInfo.CPU, counterInfo.Counter.Value,
					counterInfo.Counter.TimeEnabled, counterInfo.Counter.TimeRunning, counterInfo.Counter.ID)
			} else {
				fmt.Fprintf(session.out, "%s(tid %d, cpu %d): count %d, time_enabled %d, time running %d, id %d\n",
					countersInfo.EventName, counterInfo.TID, counterInfo.CPU, counterInfo.Counter.Value,
					counterInfo.Counter.TimeEnabled, counterInfo.Counter.TimeRunning, counterInfo.Counter.ID)
			}
		}
	}
}

func (session *statSession) printCounters() ioloop.Result {
	if session.liveTTY {
		// redraw in place on a terminal instead of scrolling
		fmt.Fprint(session.out, "\033[H\033[2J")
	}
	counters, err := session.selections.ReadCounters()
	if err != nil {
		slog.Error("failed to read counters", slog.String("error", err.Error()))
		return ioloop.Fatal
	}
	durationInSec := time.Since(session.startTime).Seconds()
	if flagIntervalOnly {
		adjustToIntervalOnlyValues(counters, &session.lastSums)
	}
	if err := session.showCounters(counters, durationInSec); err != nil {
		slog.Error("failed to show counters", slog.String("error", err.Error()))
		return ioloop.Fatal
	}
	return ioloop.Continue
}

func runCmd(cmd *cobra.Command, args []string) error {
	if flagPrintHwCounter {
		printHardwareCounters(func(format string, a ...any) { fmt.Printf(format, a...) })
		return nil
	}
	allowMoreOpenedFiles()

	var devfreq DevfreqCounters
	if flagUseDevfreq {
		if err := devfreq.Use(); err != nil {
			return err
		}
		defer devfreq.Restore()
	}

	selections, err := perfevent.NewEventSelectionSet(true)
	if err != nil {
		return err
	}
	defer selections.Close()

	session := &statSession{
		selections: selections,
		threadInfo: make(map[int]ThreadInfo),
	}

	// 1. Build the event list: config file groups first, then the
	// positional --cpu/-e/--group/--tp-filter options in input order, then
	// defaults if nothing was selected.
	if flagConfigFile != "" {
		config, err := loadSessionConfig(flagConfigFile)
		if err != nil {
			return err
		}
		for _, group := range config.Groups {
			if err := selections.AddEventGroup(group.Events, true); err != nil {
				return err
			}
		}
		session.metricDefs = append(session.metricDefs, config.Metrics...)
	}
	if err := applyOrderedOptions(selections, collectOrderedOptions(os.Args)); err != nil {
		return err
	}
	if selections.Empty() {
		if err := addDefaultMeasuredEventTypes(selections); err != nil {
			return err
		}
	}
	for _, arg := range flagMetrics {
		def, err := parseMetricDefinition(arg)
		if err != nil {
			return err
		}
		session.metricDefs = append(session.metricDefs, def)
	}
	selections.SetInherit(!flagNoInherit)
	if flagPerThread || flagPerCore {
		session.comparator, err = BuildSummaryComparator(flagSortKeys, flagPerThread, flagPerCore)
		if err != nil {
			return err
		}
	}

	// 2. Create the workload and targets.
	var workload *Workload
	if len(argsWorkload) > 0 {
		if workload, err = CreateWorkload(argsWorkload); err != nil {
			return err
		}
		defer workload.Destroy()
	}
	needToCheckTargets := false
	switch {
	case flagSystemWide:
		if flagPerThread {
			selections.AddMonitoredProcesses(perfevent.GetAllProcesses())
		} else {
			selections.AddMonitoredThreads([]int{-1})
		}
	case len(flagPidList) > 0 || len(flagTidList) > 0:
		selections.AddMonitoredProcesses(flagPidList)
		selections.AddMonitoredThreads(flagTidList)
		needToCheckTargets = true
	case workload != nil:
		selections.AddMonitoredProcesses([]int{workload.GetPid()})
		selections.SetEnableCondition(false, true)
	default:
		return fmt.Errorf("%w: no threads to monitor; give a workload, -p, -t or -a", perfevent.ErrConfigConflict)
	}
	var newThreadMonitor *NewThreadMonitor
	if flagMonitorNewThread {
		newThreadMonitor = NewNewThreadMonitor(selections, flagSystemWide,
			selections.GetMonitoredProcesses(), session.threadInfo)
	}
	if flagPerThread {
		monitorEachThread(selections, workload, session.threadInfo)
	}

	// 3. Open event files and the output sink.
	if err := selections.OpenEventFiles(); err != nil {
		return err
	}
	// cpus can go offline mid-session; their last readings are preserved
	if err := selections.HandleCpuHotplugEvents(); err != nil {
		return err
	}
	session.out = os.Stdout
	switch {
	case flagOutput != "":
		file, err := os.Create(flagOutput)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", flagOutput, err)
		}
		defer file.Close()
		session.out = file
	case flagOutFd >= 0:
		file := os.NewFile(uintptr(flagOutFd), "out-fd")
		if file == nil {
			return fmt.Errorf("%w: bad --out-fd %d", perfevent.ErrIOFault, flagOutFd)
		}
		defer file.Close()
		session.out = file
	}
	session.liveTTY = flagInterval != 0 && session.out == io.Writer(os.Stdout) &&
		term.IsTerminal(int(os.Stdout.Fd()))

	// 4. Arm signal, duration, interval and target-liveness events.
	loop := selections.GetIOEventLoop()
	if needToCheckTargets {
		if err := selections.StopWhenNoMoreTargets(time.Second); err != nil {
			return err
		}
	}
	exitLoop := func() ioloop.Result { return loop.ExitLoop() }
	if _, err := loop.AddSignalEvents([]os.Signal{
		syscall.SIGCHLD, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP,
	}, exitLoop); err != nil {
		return err
	}
	if flagDuration != 0 {
		if _, err := loop.AddPeriodicEvent(time.Duration(flagDuration*float64(time.Second)), exitLoop, ioloop.LowPriority); err != nil {
			return err
		}
	}
	if flagInterval != 0 {
		interval := time.Duration(flagInterval * float64(time.Millisecond))
		if _, err := loop.AddPeriodicEvent(interval, session.printCounters, ioloop.LowPriority); err != nil {
			return err
		}
	}
	if newThreadMonitor != nil {
		if err := newThreadMonitor.Start(); err != nil {
			return err
		}
	}
	if flagLiveServer != "" {
		startLiveServer(flagLiveServer)
	}

	// 5. Count events while the workload runs.
	session.startTime = time.Now()
	if workload != nil {
		if err := workload.Start(); err != nil {
			return err
		}
	}
	if err := loop.RunLoop(); err != nil {
		return err
	}

	// 6. Read and print the final counters.
	if flagInterval == 0 {
		if session.printCounters() == ioloop.Fatal {
			return fmt.Errorf("%w: failed to print counters", perfevent.ErrIOFault)
		}
	}
	if flagOutXlsx != "" && session.lastSummaries != nil {
		if err := writeXlsxSummary(session.lastSummaries, flagOutXlsx, flagPerThread, flagPerCore, session.lastDurationIn); err != nil {
			return err
		}
	}

	// 7. Close files and print warnings when needed.
	selections.CloseEventFiles()
	checkHardwareCounterMultiplexing(selections)
	printWarningForInaccurateEvents(selections)
	return nil
}
