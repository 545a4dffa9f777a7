// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package stat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// SessionConfig is the YAML config file schema: event groups to count and
// derived metrics to evaluate, as an alternative to repeating -e/--group
// and --metric flags.
type SessionConfig struct {
	Groups []struct {
		Events []string `yaml:"events"`
	} `yaml:"groups"`
	Metrics []MetricDefinition `yaml:"metrics"`
}

// loadSessionConfig reads and validates a YAML config file.
func loadSessionConfig(path string) (config SessionConfig, err error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		err = fmt.Errorf("failed to read config file: %w", err)
		return
	}
	if err = yaml.UnmarshalStrict(data, &config); err != nil {
		err = fmt.Errorf("failed to parse config file %s: %w", path, err)
		return
	}
	for i := range config.Groups {
		if len(config.Groups[i].Events) == 0 {
			err = fmt.Errorf("config file %s: group %d has no events", path, i)
			return
		}
	}
	for i := range config.Metrics {
		if config.Metrics[i].Name == "" || config.Metrics[i].Expression == "" {
			err = fmt.Errorf("config file %s: metric %d needs name and expression", path, i)
			return
		}
		if err = config.Metrics[i].compile(); err != nil {
			return
		}
	}
	return
}
