// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"perfstat/internal/cpuinfo"
)

// pmuSysfsDir is a variable so it can be stubbed by tests
var pmuSysfsDir = "/sys/bus/event_source/devices"

const etmPmuName = "cs_etm"

// formatBitRange is one "shift:nbits" segment of a PMU format description,
// e.g. "config:0-7,32-35" maps value bits into two ranges of the config
// field.
type formatBitRange struct {
	shift int
	nBits int
}

type pmuFormat struct {
	field string // config, config1, config2
	bits  []formatBitRange
}

// parsePmuFormat parses a sysfs format file body like "config:0-7,32-35".
func parsePmuFormat(body string) (format pmuFormat, ok bool) {
	field, ranges, found := strings.Cut(strings.TrimSpace(body), ":")
	if !found {
		return
	}
	format.field = field
	for item := range strings.SplitSeq(ranges, ",") {
		first, last, isRange := strings.Cut(item, "-")
		begin, err := strconv.Atoi(first)
		if err != nil {
			return
		}
		end := begin
		if isRange {
			if end, err = strconv.Atoi(last); err != nil || end < begin {
				return
			}
		}
		format.bits = append(format.bits, formatBitRange{shift: begin, nBits: end - begin + 1})
	}
	ok = len(format.bits) > 0
	return
}

// apply distributes value bits into the format's bit ranges of config.
func (f *pmuFormat) apply(config *uint64, value uint64) {
	for _, bits := range f.bits {
		mask := uint64(1)<<bits.nBits - 1
		*config &^= mask << bits.shift
		*config |= (value & mask) << bits.shift
		value >>= bits.nBits
	}
}

type pmuDesc struct {
	name    string
	pmuType uint32
	formats map[string]pmuFormat
}

func readPmuDesc(device string) (desc pmuDesc, ok bool) {
	data, err := os.ReadFile(filepath.Join(pmuSysfsDir, device, "type"))
	if err != nil {
		return
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return
	}
	desc.name = device
	desc.pmuType = uint32(value)
	desc.formats = make(map[string]pmuFormat)
	formatEntries, _ := os.ReadDir(filepath.Join(pmuSysfsDir, device, "format"))
	for _, entry := range formatEntries {
		body, err := os.ReadFile(filepath.Join(pmuSysfsDir, device, "format", entry.Name()))
		if err != nil {
			continue
		}
		if format, parsed := parsePmuFormat(string(body)); parsed {
			desc.formats[entry.Name()] = format
		}
	}
	return desc, true
}

// resolvePmuEventConfig translates an events/<name> body like
// "event=0x11,umask=0x02" into a config value using the device's format
// descriptions. Only the config field is kept; events needing config1/2 are
// skipped (none of the counting paths use them).
func (d *pmuDesc) resolvePmuEventConfig(body string) (config uint64, ok bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return 0, false
	}
	for param := range strings.SplitSeq(body, ",") {
		key, valueStr, found := strings.Cut(param, "=")
		value := uint64(1) // a lone key means key=1
		if found {
			var err error
			if value, err = strconv.ParseUint(valueStr, 0, 64); err != nil {
				return 0, false
			}
		}
		if key == "config" {
			config = value
			continue
		}
		format, known := d.formats[key]
		if !known || format.field != "config" {
			return 0, false
		}
		format.apply(&config, value)
	}
	return config, true
}

func isCpuCorePmu(device string) bool {
	return device == "cpu" || device == "cpu_core" || strings.HasPrefix(device, "armv")
}

// enumeratePmuEvents scans the sysfs event_source tree and returns an
// EventType per advertised PMU event. Events of the core-cpu PMU are also
// registered under a raw-<name> alias, matching the names the kernel uses
// for architectural raw events.
func enumeratePmuEvents() (types []EventType) {
	devices, err := os.ReadDir(pmuSysfsDir)
	if err != nil {
		return
	}
	atomConfigs := readAtomConfigs()
	for _, device := range devices {
		desc, ok := readPmuDesc(device.Name())
		if !ok {
			continue
		}
		eventEntries, _ := os.ReadDir(filepath.Join(pmuSysfsDir, device.Name(), "events"))
		for _, entry := range eventEntries {
			// .scale and .unit companions are not events
			if strings.Contains(entry.Name(), ".") {
				continue
			}
			body, err := os.ReadFile(filepath.Join(pmuSysfsDir, device.Name(), "events", entry.Name()))
			if err != nil {
				continue
			}
			config, ok := desc.resolvePmuEventConfig(string(body))
			if !ok {
				slog.Debug("skipping pmu event with unsupported format",
					slog.String("pmu", device.Name()), slog.String("event", entry.Name()))
				continue
			}
			eventType := EventType{
				Name:   device.Name() + "/" + entry.Name() + "/",
				Type:   desc.pmuType,
				Config: config,
				PMU:    device.Name(),
			}
			if atomConfig, ok := atomConfigs[entry.Name()]; ok {
				eventType.AtomConfig = atomConfig
			}
			types = append(types, eventType)
			if isCpuCorePmu(device.Name()) {
				alias := eventType
				alias.Name = "raw-" + strings.ReplaceAll(strings.ToLower(entry.Name()), "_", "-")
				types = append(types, alias)
			}
		}
	}
	return
}

// readAtomConfigs maps event names to their efficiency-core configs on
// Intel hybrid systems, so opens on atom cpus can rewrite the config.
func readAtomConfigs() map[string]uint64 {
	configs := make(map[string]uint64)
	desc, ok := readPmuDesc("cpu_atom")
	if !ok {
		return configs
	}
	eventEntries, _ := os.ReadDir(filepath.Join(pmuSysfsDir, "cpu_atom", "events"))
	for _, entry := range eventEntries {
		if strings.Contains(entry.Name(), ".") {
			continue
		}
		body, err := os.ReadFile(filepath.Join(pmuSysfsDir, "cpu_atom", "events", entry.Name()))
		if err != nil {
			continue
		}
		if config, ok := desc.resolvePmuEventConfig(string(body)); ok {
			configs[entry.Name()] = config
		}
	}
	return configs
}

// pmuCpumask returns the cpus a PMU can be opened on, parsed from the
// device's cpumask (or cpus) file. An empty result means the PMU is
// cpu-agnostic.
func pmuCpumask(device string) []int {
	for _, file := range []string{"cpumask", "cpus"} {
		data, err := os.ReadFile(filepath.Join(pmuSysfsDir, device, file))
		if err != nil {
			continue
		}
		cpus, err := cpuinfo.ParseCpuList(strings.TrimSpace(string(data)))
		if err == nil && len(cpus) > 0 {
			return cpus
		}
	}
	return nil
}

// GetIntelAtomCpuConfig returns the config to use when opening this event
// on an Intel atom core.
func (t *EventType) GetIntelAtomCpuConfig() uint64 {
	if t.AtomConfig != 0 {
		return t.AtomConfig
	}
	return t.Config
}
