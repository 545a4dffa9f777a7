// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import (
	"strings"

	"github.com/prometheus/procfs"
)

// Process and thread enumeration over procfs. Threads may exit between
// enumeration and use; callers must treat every tid as possibly stale.

// GetThreadsInProcess returns the live thread ids of a process, or an empty
// list if the process is gone.
func GetThreadsInProcess(pid int) (tids []int) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return
	}
	threads, err := fs.AllThreads(pid)
	if err != nil {
		return
	}
	for _, thread := range threads {
		tids = append(tids, thread.PID)
	}
	return
}

// GetAllProcesses returns every pid currently visible in /proc.
func GetAllProcesses() (pids []int) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return
	}
	for _, proc := range procs {
		pids = append(pids, proc.PID)
	}
	return
}

// ReadThreadNameAndPid reads a thread's comm and its owning process id.
func ReadThreadNameAndPid(tid int) (name string, pid int, err error) {
	proc, err := procfs.NewProc(tid)
	if err != nil {
		return
	}
	name, err = proc.Comm()
	if err != nil {
		return
	}
	name = strings.TrimSpace(name)
	status, err := proc.NewStatus()
	if err != nil {
		return
	}
	pid = int(status.TGID)
	return
}

// IsThreadAlive reports whether a thread still exists.
func IsThreadAlive(tid int) bool {
	proc, err := procfs.NewProc(tid)
	if err != nil {
		return false
	}
	_, err = proc.Comm()
	return err == nil
}
