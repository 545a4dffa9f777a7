// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package stat

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Rendering of counter summaries: a column-aligned text table or CSV
// records with stable column semantics. Thread columns appear only in
// per-thread mode, the cpu column only in per-core mode.

// Show renders the summaries. In text mode column widths adapt to the
// longest value.
func (c *CounterSummaries) Show(w io.Writer, showThread, showCPU bool) error {
	for i := range c.summaries {
		c.summaries[i].ReadableCount = c.summaries[i].ReadableCountValue(c.csv)
	}
	if c.csv {
		return c.showCSV(w, showThread, showCPU)
	}
	return c.showText(w, showThread, showCPU)
}

func (c *CounterSummaries) showCSV(w io.Writer, showThread, showCPU bool) error {
	for i := range c.summaries {
		s := &c.summaries[i]
		var fields []string
		if showThread {
			fields = append(fields, s.Thread.Name, strconv.Itoa(s.Thread.PID), strconv.Itoa(s.Thread.TID))
		}
		if showCPU {
			fields = append(fields, strconv.Itoa(s.CPU))
		}
		fields = append(fields, s.ReadableCount, s.Name(), s.Comment)
		generated := ""
		if s.AutoGenerated {
			generated = "(generated),"
		}
		if _, err := fmt.Fprintf(w, "%s,%s\n", strings.Join(fields, ","), generated); err != nil {
			return err
		}
	}
	return nil
}

func (c *CounterSummaries) showText(w io.Writer, showThread, showCPU bool) error {
	var titles []string
	if showThread {
		titles = append(titles, "thread_name", "pid", "tid")
	}
	if showCPU {
		titles = append(titles, "cpu")
	}
	titles = append(titles, "count", "event_name")

	width := make([]int, len(titles))
	for i, title := range titles {
		width[i] = len(title)
	}
	widen := func(column int, value string) {
		if len(value) > width[column] {
			width[column] = len(value)
		}
	}
	for i := range c.summaries {
		s := &c.summaries[i]
		column := 0
		if showThread {
			widen(column, s.Thread.Name)
			widen(column+1, strconv.Itoa(s.Thread.PID))
			widen(column+2, strconv.Itoa(s.Thread.TID))
			column += 3
		}
		if showCPU {
			widen(column, strconv.Itoa(s.CPU))
			column++
		}
		widen(column, s.ReadableCount)
		widen(column+1, s.Name())
	}

	// header line: "# <titles>"
	var sb strings.Builder
	sb.WriteString("# ")
	for i, title := range titles {
		if title == "count" {
			sb.WriteString(fmt.Sprintf("%*s", width[i], title))
		} else {
			sb.WriteString(fmt.Sprintf("%-*s", width[i], title))
		}
		if i+1 < len(titles) {
			sb.WriteString("  ")
		}
	}
	if _, err := fmt.Fprintln(w, sb.String()); err != nil {
		return err
	}

	for i := range c.summaries {
		s := &c.summaries[i]
		var row strings.Builder
		column := 0
		if showThread {
			row.WriteString(fmt.Sprintf("  %-*s", width[column], s.Thread.Name))
			row.WriteString(fmt.Sprintf("  %-*d", width[column+1], s.Thread.PID))
			row.WriteString(fmt.Sprintf("  %-*d", width[column+2], s.Thread.TID))
			column += 3
		}
		if showCPU {
			row.WriteString(fmt.Sprintf("  %-*d", width[column], s.CPU))
			column++
		}
		generated := ""
		if s.AutoGenerated {
			generated = " (generated)"
		}
		row.WriteString(fmt.Sprintf("  %*s  %-*s   # %s%s",
			width[column], s.ReadableCount, width[column+1], s.Name(), s.Comment, generated))
		if _, err := fmt.Fprintln(w, strings.TrimRight(row.String(), " ")); err != nil {
			return err
		}
	}
	return nil
}
