// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package stat

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// Workload runs the profiled command. The child is forked immediately but
// held at a shell read until Start is called, so event files can attach to
// its pid first; enable_on_exec then arms the counters exactly when the
// real command execs.
type Workload struct {
	cmd     *exec.Cmd
	trigger io.WriteCloser
	started bool
	name    string
}

// CreateWorkload forks the child in its holding pattern.
func CreateWorkload(args []string) (workload *Workload, err error) {
	if len(args) == 0 {
		err = fmt.Errorf("empty workload command")
		return
	}
	// the shell blocks on read until Start writes the trigger byte, then
	// execs the real command in place
	shellArgs := append([]string{"-c", `read -r _ && exec "$@"`, "--"}, args...)
	cmd := exec.Command("/bin/sh", shellArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	trigger, err := cmd.StdinPipe()
	if err != nil {
		return
	}
	if err = cmd.Start(); err != nil {
		trigger.Close()
		return
	}
	workload = &Workload{
		cmd:     cmd,
		trigger: trigger,
		name:    filepath.Base(args[0]),
	}
	return
}

// GetPid returns the child pid, valid from creation.
func (w *Workload) GetPid() int {
	return w.cmd.Process.Pid
}

// GetCommandName returns the base name of the profiled command.
func (w *Workload) GetCommandName() string {
	return w.name
}

// Start releases the child so it execs the profiled command.
func (w *Workload) Start() error {
	if w.started {
		return nil
	}
	if _, err := io.WriteString(w.trigger, "\n"); err != nil {
		return fmt.Errorf("failed to start workload: %w", err)
	}
	w.trigger.Close()
	w.started = true
	return nil
}

// Destroy kills the child if it is still running and reaps it.
func (w *Workload) Destroy() {
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
		w.cmd.Wait()
	}
}
