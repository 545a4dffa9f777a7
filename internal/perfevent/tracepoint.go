// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"perfstat/internal/cpuinfo"
)

// tracefs mount candidates, first match wins; variable for tests
var tracefsDirs = []string{"/sys/kernel/tracing", "/sys/kernel/debug/tracing"}

func tracepointDir(subsystem, event string) (dir string, err error) {
	for _, root := range tracefsDirs {
		candidate := filepath.Join(root, "events", subsystem, event)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}
	err = fmt.Errorf("tracepoint %s:%s not found in tracefs", subsystem, event)
	return
}

// findTracepointEventType resolves a "subsystem:event" name against
// tracefs, reading the kernel-assigned tracepoint id.
func findTracepointEventType(name string) (*EventType, error) {
	subsystem, event, _ := strings.Cut(name, ":")
	dir, err := tracepointDir(subsystem, event)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "id"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read id of tracepoint %s", name)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad id of tracepoint %s", name)
	}
	return &EventType{Name: name, Type: unix.PERF_TYPE_TRACEPOINT, Config: id}, nil
}

// GetFieldNamesForTracepointEvent parses the tracepoint's format file and
// returns its field names.
func GetFieldNamesForTracepointEvent(eventType EventType) (fields mapset.Set[string], err error) {
	subsystem, event, found := strings.Cut(eventType.Name, ":")
	if !found {
		err = fmt.Errorf("%q is not a tracepoint event", eventType.Name)
		return
	}
	dir, err := tracepointDir(subsystem, event)
	if err != nil {
		return
	}
	file, err := os.Open(filepath.Join(dir, "format"))
	if err != nil {
		err = errors.Wrapf(err, "failed to open format of tracepoint %s", eventType.Name)
		return
	}
	defer file.Close()
	fields = mapset.NewSet[string]()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		// field lines look like: "	field:pid_t prev_pid;	offset:24; ..."
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "field:") {
			continue
		}
		decl, _, found := strings.Cut(strings.TrimPrefix(line, "field:"), ";")
		if !found {
			continue
		}
		decl = strings.TrimSpace(decl)
		// the field name is the last identifier, possibly before an array size
		if idx := strings.Index(decl, "["); idx != -1 {
			decl = strings.TrimSpace(decl[:idx])
		}
		if idx := strings.LastIndexByte(decl, ' '); idx != -1 {
			fields.Add(strings.TrimPrefix(decl[idx+1:], "*"))
		}
	}
	err = scanner.Err()
	return
}

// AdjustTracepointFilter rewrites a tracepoint filter for the running
// kernel and collects the field names it references. Kernels >= 4.19
// require string operands to be quoted; older kernels reject quotes.
func AdjustTracepointFilter(filter string, useQuote bool, usedFields mapset.Set[string]) (adjusted string, err error) {
	var sb strings.Builder
	expectOperator := false
	i := 0
	for i < len(filter) {
		c := filter[i]
		switch {
		case c == ' ' || c == '(' || c == ')':
			sb.WriteByte(c)
			i++
		case c == '&' || c == '|':
			if i+1 >= len(filter) || filter[i+1] != c {
				err = filterSyntaxError(filter, i)
				return
			}
			sb.WriteString(filter[i : i+2])
			i += 2
			expectOperator = false
		case expectOperator:
			// comparison operator: ==, !=, <, <=, >, >=
			start := i
			for i < len(filter) && strings.IndexByte("=!<>~", filter[i]) != -1 {
				i++
			}
			if i == start {
				err = filterSyntaxError(filter, start)
				return
			}
			sb.WriteString(filter[start:i])
			// the right-hand operand follows: number, quoted or bare string
			for i < len(filter) && filter[i] == ' ' {
				sb.WriteByte(' ')
				i++
			}
			if i >= len(filter) {
				err = filterSyntaxError(filter, i)
				return
			}
			var operand string
			quoted := false
			if filter[i] == '\'' || filter[i] == '"' {
				quote := filter[i]
				end := strings.IndexByte(filter[i+1:], quote)
				if end == -1 {
					err = filterSyntaxError(filter, i)
					return
				}
				operand = filter[i+1 : i+1+end]
				i += end + 2
				quoted = true
			} else {
				start := i
				for i < len(filter) && filter[i] != ' ' && filter[i] != ')' {
					i++
				}
				operand = filter[start:i]
			}
			isNumber := false
			if _, numErr := strconv.ParseInt(operand, 0, 64); numErr == nil {
				isNumber = true
			}
			if isNumber && !quoted {
				sb.WriteString(operand)
			} else if useQuote {
				sb.WriteString("\"" + operand + "\"")
			} else {
				sb.WriteString(operand)
			}
			expectOperator = false
		default:
			// field name
			start := i
			for i < len(filter) && (filter[i] == '_' || unicode.IsLetter(rune(filter[i])) || unicode.IsDigit(rune(filter[i]))) {
				i++
			}
			if i == start {
				err = filterSyntaxError(filter, start)
				return
			}
			field := filter[start:i]
			usedFields.Add(field)
			sb.WriteString(field)
			expectOperator = true
		}
	}
	adjusted = sb.String()
	return
}

func filterSyntaxError(filter string, pos int) error {
	return errors.Wrapf(ErrFilterInvalid, "malformed tracepoint filter %q at offset %d", filter, pos)
}

// tracepointFilterNeedsQuotes reports whether the running kernel wants
// quoted string operands (>= 4.19, "tracing: Rewrite filter logic").
func tracepointFilterNeedsQuotes() bool {
	return cpuinfo.KernelVersionAtLeast(4, 19)
}
