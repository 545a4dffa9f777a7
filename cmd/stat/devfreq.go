// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package stat

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"perfstat/internal/perfevent"
)

// devfreq may use performance counters to calculate memory latency (as in
// drivers/devfreq/arm-memlat-mon.c). Swapping its mem_latency governor for
// performance during profiling frees those counters for users.
//
// The swap is best effort: if the process is killed between Use and
// Restore, the performance governor stays in place. There is no crash-safe
// cleanup.
type DevfreqCounters struct {
	memLatencyGovernorPaths []string
}

// devfreqDir is a variable so it can be stubbed by tests
var devfreqDir = "/sys/class/devfreq"

// Use swaps every mem_latency governor for performance. Needs root.
func (d *DevfreqCounters) Use() error {
	if os.Geteuid() != 0 {
		return errors.Wrap(perfevent.ErrAccessDenied,
			"--use-devfreq-counters needs root permission to set devfreq governors")
	}
	entries, err := os.ReadDir(devfreqDir)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", devfreqDir)
	}
	for _, entry := range entries {
		governorPath := filepath.Join(devfreqDir, entry.Name(), "governor")
		data, err := os.ReadFile(governorPath)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) != "mem_latency" {
			continue
		}
		if err := os.WriteFile(governorPath, []byte("performance"), 0644); err != nil {
			return errors.Wrapf(err, "failed to write %s", governorPath)
		}
		d.memLatencyGovernorPaths = append(d.memLatencyGovernorPaths, governorPath)
	}
	return nil
}

// Restore puts the mem_latency governors back.
func (d *DevfreqCounters) Restore() {
	for _, path := range d.memLatencyGovernorPaths {
		if err := os.WriteFile(path, []byte("mem_latency"), 0644); err != nil {
			slog.Error("failed to restore devfreq governor", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	d.memLatencyGovernorPaths = nil
}
