// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package cpuinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCpuList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []int
		isError  bool
	}{
		{
			name:     "single cpu",
			input:    "3",
			expected: []int{3},
		},
		{
			name:     "range",
			input:    "0-3",
			expected: []int{0, 1, 2, 3},
		},
		{
			name:     "mixed",
			input:    "0-1,4,6-7",
			expected: []int{0, 1, 4, 6, 7},
		},
		{
			name:     "duplicates collapse",
			input:    "1,1,0-1",
			expected: []int{0, 1},
		},
		{
			name:     "empty",
			input:    "",
			expected: nil,
		},
		{
			name:    "reversed range",
			input:   "3-1",
			isError: true,
		},
		{
			name:    "garbage",
			input:   "a-b",
			isError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cpus, err := ParseCpuList(tt.input)
			if tt.isError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cpus)
		})
	}
}

func TestOnlineCpusFromSysfs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "online"), []byte("0-3\n"), 0644))
	origDir := cpuSysfsDir
	cpuSysfsDir = dir
	defer func() { cpuSysfsDir = origDir }()

	cpus, err := OnlineCpus()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, cpus)
}

func TestX86IntelAtomCpusAbsent(t *testing.T) {
	origDir := atomSysfsDir
	atomSysfsDir = filepath.Join(t.TempDir(), "does-not-exist")
	defer func() { atomSysfsDir = origDir }()

	assert.Equal(t, 0, X86IntelAtomCpus().Cardinality())
}
