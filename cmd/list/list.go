// Package list is a subcommand of the root command. It prints the event
// types that can be counted on this machine.
package list

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"perfstat/internal/perfevent"
)

const cmdName = "list"

// Cmd is the list command.
var Cmd = &cobra.Command{
	Use:           cmdName,
	Short:         "List available event types",
	Example:       fmt.Sprintf("  List available events:  $ perfstat %s", cmdName),
	RunE:          runCmd,
	GroupID:       "primary",
	Args:          cobra.NoArgs,
	SilenceErrors: true,
}

var flagShowUnsupported bool

const flagShowUnsupportedName = "show-unsupported"

func init() {
	Cmd.Flags().BoolVar(&flagShowUnsupported, flagShowUnsupportedName, false, "also list events the kernel rejects")
}

func categoryTitle(eventType perfevent.EventType) string {
	switch eventType.Type {
	case unix.PERF_TYPE_HARDWARE:
		return "hardware events"
	case unix.PERF_TYPE_SOFTWARE:
		return "software events"
	case unix.PERF_TYPE_HW_CACHE:
		return "hw-cache events"
	default:
		if eventType.IsPmuEvent() {
			return "pmu events"
		}
		return "raw events"
	}
}

func runCmd(cmd *cobra.Command, args []string) error {
	byCategory := make(map[string][]string)
	var order []string
	for _, eventType := range perfevent.AllEventTypes() {
		supported := eventType.IsPmuEvent() ||
			perfevent.IsEventAttrSupported(perfevent.CreateDefaultPerfEventAttr(eventType), eventType.Name)
		if !supported && !flagShowUnsupported {
			continue
		}
		title := categoryTitle(eventType)
		if _, seen := byCategory[title]; !seen {
			order = append(order, title)
		}
		name := eventType.Name
		if !supported {
			name += " (not supported on this device)"
		}
		byCategory[title] = append(byCategory[title], name)
	}
	for _, title := range order {
		fmt.Printf("List of %s:\n", title)
		fmt.Printf("  %s\n\n", strings.Join(byCategory[title], "\n  "))
	}
	return nil
}
