// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import (
	"os"
	"path/filepath"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const schedSwitchFormat = `name: sched_switch
ID: 316
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:char prev_comm[16];	offset:8;	size:16;	signed:0;
	field:pid_t prev_pid;	offset:24;	size:4;	signed:1;
	field:int prev_prio;	offset:28;	size:4;	signed:1;
	field:long prev_state;	offset:32;	size:8;	signed:1;
	field:char next_comm[16];	offset:40;	size:16;	signed:0;
	field:pid_t next_pid;	offset:56;	size:4;	signed:1;
	field:int next_prio;	offset:60;	size:4;	signed:1;
`

func stubTracefs(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	eventDir := filepath.Join(dir, "events", "sched", "sched_switch")
	require.NoError(t, os.MkdirAll(eventDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(eventDir, "id"), []byte("316\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(eventDir, "format"), []byte(schedSwitchFormat), 0644))
	origDirs := tracefsDirs
	tracefsDirs = []string{dir}
	t.Cleanup(func() { tracefsDirs = origDirs })
}

func TestFindTracepointEventType(t *testing.T) {
	stubTracefs(t)
	eventType, err := findTracepointEventType("sched:sched_switch")
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.PERF_TYPE_TRACEPOINT), eventType.Type)
	assert.Equal(t, uint64(316), eventType.Config)

	_, err = findTracepointEventType("sched:no_such_event")
	assert.Error(t, err)
}

func TestGetFieldNamesForTracepointEvent(t *testing.T) {
	stubTracefs(t)
	eventType, err := findTracepointEventType("sched:sched_switch")
	require.NoError(t, err)
	fields, err := GetFieldNamesForTracepointEvent(*eventType)
	require.NoError(t, err)
	for _, field := range []string{"prev_comm", "prev_pid", "prev_state", "next_comm", "next_pid", "common_type"} {
		assert.True(t, fields.Contains(field), "missing field %s", field)
	}
}

func TestAdjustTracepointFilter(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		useQuote bool
		adjusted string
		fields   []string
		isError  bool
	}{
		{
			name:     "number stays bare",
			filter:   "prev_pid > 1",
			useQuote: true,
			adjusted: "prev_pid > 1",
			fields:   []string{"prev_pid"},
		},
		{
			name:     "string operand quoted",
			filter:   "prev_comm != sleep",
			useQuote: true,
			adjusted: "prev_comm != \"sleep\"",
			fields:   []string{"prev_comm"},
		},
		{
			name:     "quoted operand kept quoted",
			filter:   "prev_comm != 'sleep'",
			useQuote: true,
			adjusted: "prev_comm != \"sleep\"",
			fields:   []string{"prev_comm"},
		},
		{
			name:     "quote removed for old kernels",
			filter:   "prev_comm != 'sleep'",
			useQuote: false,
			adjusted: "prev_comm != sleep",
			fields:   []string{"prev_comm"},
		},
		{
			name:     "compound expression",
			filter:   "prev_comm != \"sh\" && (prev_pid > 1)",
			useQuote: true,
			adjusted: "prev_comm != \"sh\" && (prev_pid > 1)",
			fields:   []string{"prev_comm", "prev_pid"},
		},
		{
			name:    "lone ampersand",
			filter:  "prev_pid & 1",
			isError: true,
		},
		{
			name:    "unterminated quote",
			filter:  "prev_comm == 'sle",
			isError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usedFields := mapset.NewSet[string]()
			adjusted, err := AdjustTracepointFilter(tt.filter, tt.useQuote, usedFields)
			if tt.isError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.adjusted, adjusted)
			assert.ElementsMatch(t, tt.fields, usedFields.ToSlice())
		})
	}
}
