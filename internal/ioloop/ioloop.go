// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package ioloop implements a single-threaded event loop. It monitors
// registered events and calls the corresponding callbacks on the loop
// thread. Possible events are: file ready to read, file ready to write,
// signal delivered, periodic timer timeout, one-time timer timeout.
//
// All callbacks run serially on the thread calling RunLoop and must not
// block. A callback returning Fatal aborts the loop.
package ioloop

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Result is returned by event callbacks to signal loop continuation.
type Result int

const (
	// Continue keeps the loop running.
	Continue Result = iota
	// Fatal aborts the loop with an error.
	Fatal
)

// Callback is invoked on the loop thread when its event fires.
type Callback func() Result

// Priority orders callback dispatch within one loop iteration. Lower value
// means higher priority.
type Priority int

const (
	HighPriority Priority = 0
	LowPriority  Priority = 1
)

// Event is a registered event. The returned reference can be used to
// disable, enable, or delete the event.
type Event struct {
	loop        *Loop
	token       int32
	fd          int // epoll-registered fd, always owned by the event
	epollEvents uint32
	callback    Callback
	priority    Priority
	oneTime     bool
	enabled     bool
	// signal events keep their notify channel so DelEvent can stop it
	sigChan chan os.Signal
	sigPipe *os.File // write end of the self-pipe
	sigRead *os.File // read end of the self-pipe
}

// Loop multiplexes events on a single thread. Create with New, register
// events, then call RunLoop. RunLoop exits when ExitLoop is called from a
// callback or from another thread.
type Loop struct {
	epollFd   int
	wakeFd    int // eventfd used by ExitLoop to interrupt the wait
	events    map[int32]*Event
	nextToken int32
	exit      atomic.Bool
	fatal     bool
}

// New creates an event loop.
func New() (loop *Loop, err error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		err = errors.Wrap(err, "epoll_create1")
		return
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epollFd)
		err = errors.Wrap(err, "eventfd")
		return
	}
	loop = &Loop{
		epollFd: epollFd,
		wakeFd:  wakeFd,
		events:  make(map[int32]*Event),
	}
	// token -1 is reserved for the wake fd
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: -1}
	if err = unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, wakeFd, &event); err != nil {
		loop.Close()
		loop = nil
		err = errors.Wrap(err, "epoll_ctl add wake fd")
	}
	return
}

// Close releases the loop and every registered event. User-supplied fds are
// not closed; the loop only registered duplicates of them.
func (l *Loop) Close() {
	for token, ev := range l.events {
		l.releaseEvent(ev)
		delete(l.events, token)
	}
	if l.wakeFd >= 0 {
		unix.Close(l.wakeFd)
		l.wakeFd = -1
	}
	if l.epollFd >= 0 {
		unix.Close(l.epollFd)
		l.epollFd = -1
	}
}

func (l *Loop) addEvent(fd int, epollEvents uint32, callback Callback, priority Priority, oneTime bool) (*Event, error) {
	token := l.nextToken
	l.nextToken++
	ev := &Event{
		loop:        l,
		token:       token,
		fd:          fd,
		epollEvents: epollEvents,
		callback:    callback,
		priority:    priority,
		oneTime:     oneTime,
		enabled:     true,
	}
	epollEvent := unix.EpollEvent{Events: epollEvents, Fd: token}
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_ADD, fd, &epollEvent); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "epoll_ctl add")
	}
	l.events[token] = ev
	return ev, nil
}

// AddReadEvent registers callback to run when fd is readable without
// blocking. The fd is duplicated internally; the caller keeps ownership of
// the original.
func (l *Loop) AddReadEvent(fd int, callback Callback, priority Priority) (*Event, error) {
	dupFd, err := unix.Dup(fd)
	if err != nil {
		return nil, errors.Wrap(err, "dup")
	}
	unix.CloseOnExec(dupFd)
	return l.addEvent(dupFd, unix.EPOLLIN, callback, priority, false)
}

// AddWriteEvent registers callback to run when fd is writable without
// blocking.
func (l *Loop) AddWriteEvent(fd int, callback Callback, priority Priority) (*Event, error) {
	dupFd, err := unix.Dup(fd)
	if err != nil {
		return nil, errors.Wrap(err, "dup")
	}
	unix.CloseOnExec(dupFd)
	return l.addEvent(dupFd, unix.EPOLLOUT, callback, priority, false)
}

// AddSignalEvents registers callback to run each time one of sigs is
// delivered to the process. Signal events are dispatched with high priority.
// Deliveries are accumulated by the runtime and drained from the loop
// thread through a self-pipe, so the callback may observe several
// coalesced deliveries as one invocation.
func (l *Loop) AddSignalEvents(sigs []os.Signal, callback Callback) (*Event, error) {
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "pipe")
	}
	sigChan := make(chan os.Signal, 16)
	signal.Notify(sigChan, sigs...)
	go func() {
		var one [1]byte
		for range sigChan {
			if _, err := writeEnd.Write(one[:]); err != nil {
				return
			}
		}
	}()
	dupFd, err := unix.Dup(int(readEnd.Fd()))
	if err != nil {
		signal.Stop(sigChan)
		close(sigChan)
		readEnd.Close()
		writeEnd.Close()
		return nil, errors.Wrap(err, "dup")
	}
	unix.CloseOnExec(dupFd)
	wrapped := func() Result {
		var buf [64]byte
		// drain coalesced deliveries before invoking the callback once
		if _, err := readEnd.Read(buf[:]); err != nil {
			return Fatal
		}
		return callback()
	}
	ev, err := l.addEvent(dupFd, unix.EPOLLIN, wrapped, HighPriority, false)
	if err != nil {
		signal.Stop(sigChan)
		close(sigChan)
		readEnd.Close()
		writeEnd.Close()
		return nil, err
	}
	ev.sigChan = sigChan
	ev.sigPipe = writeEnd
	ev.sigRead = readEnd
	return ev, nil
}

func newTimerFd(value, interval time.Duration) (fd int, err error) {
	fd, err = unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		err = errors.Wrap(err, "timerfd_create")
		return
	}
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(value.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}
	// a zero initial value would disarm the timer
	if spec.Value.Sec == 0 && spec.Value.Nsec == 0 {
		spec.Value.Nsec = 1
	}
	if err = unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		err = errors.Wrap(err, "timerfd_settime")
	}
	return
}

// AddPeriodicEvent registers callback to run every interval. The first
// invocation happens one interval after registration. The interval is
// lower-bounded by the kernel timer resolution.
func (l *Loop) AddPeriodicEvent(interval time.Duration, callback Callback, priority Priority) (*Event, error) {
	fd, err := newTimerFd(interval, interval)
	if err != nil {
		return nil, err
	}
	// the timerfd must be read to clear readiness before the callback runs
	wrapped := func() Result {
		drainFd(fd)
		return callback()
	}
	return l.addEvent(fd, unix.EPOLLIN, wrapped, priority, false)
}

// AddOneTimeEvent registers callback to run once, delay from now.
func (l *Loop) AddOneTimeEvent(delay time.Duration, callback Callback, priority Priority) (*Event, error) {
	fd, err := newTimerFd(delay, 0)
	if err != nil {
		return nil, err
	}
	wrapped := func() Result {
		drainFd(fd)
		return callback()
	}
	return l.addEvent(fd, unix.EPOLLIN, wrapped, priority, true)
}

// drain clears the readiness condition on fds the loop owns exclusively
// (timers and the wake eventfd).
func drainFd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

// RunLoop polls for events and dispatches callbacks until ExitLoop is
// called. It returns an error if any callback reports Fatal.
func (l *Loop) RunLoop() error {
	epollEvents := make([]unix.EpollEvent, 64)
	for !l.exit.Load() {
		n, err := unix.EpollWait(l.epollFd, epollEvents, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "epoll_wait")
		}
		// collect ready events, then dispatch high priority first
		ready := make([]*Event, 0, n)
		for i := 0; i < n; i++ {
			token := epollEvents[i].Fd
			if token == -1 {
				drainFd(l.wakeFd)
				continue
			}
			if ev, ok := l.events[token]; ok && ev.enabled {
				ready = append(ready, ev)
			}
		}
		sort.SliceStable(ready, func(i, j int) bool { return ready[i].priority < ready[j].priority })
		for _, ev := range ready {
			if l.exit.Load() {
				break
			}
			if _, ok := l.events[ev.token]; !ok || !ev.enabled {
				// deleted or disabled by an earlier callback in this batch
				continue
			}
			if ev.callback() == Fatal {
				l.fatal = true
				l.exit.Store(true)
				break
			}
			if ev.oneTime {
				DelEvent(ev)
			}
		}
	}
	l.exit.Store(false)
	if l.fatal {
		l.fatal = false
		return fmt.Errorf("event callback reported fatal error")
	}
	return nil
}

// ExitLoop makes RunLoop return cleanly at the next iteration boundary. It
// is safe to call from any callback on the loop thread, and from other
// threads: the wake eventfd interrupts the multiplexed wait.
func (l *Loop) ExitLoop() Result {
	l.exit.Store(true)
	var b [8]byte
	b[0] = 1
	if _, err := unix.Write(l.wakeFd, b[:]); err != nil && err != unix.EAGAIN {
		return Fatal
	}
	return Continue
}

// DisableEvent removes the event from the poll set; it can be re-enabled
// later with EnableEvent.
func DisableEvent(ref *Event) error {
	if !ref.enabled {
		return nil
	}
	if err := unix.EpollCtl(ref.loop.epollFd, unix.EPOLL_CTL_DEL, ref.fd, nil); err != nil {
		return errors.Wrap(err, "epoll_ctl del")
	}
	ref.enabled = false
	return nil
}

// EnableEvent re-adds a previously disabled event with its original
// readiness mask.
func EnableEvent(ref *Event) error {
	if ref.enabled {
		return nil
	}
	epollEvent := unix.EpollEvent{Events: ref.epollEvents, Fd: ref.token}
	if err := unix.EpollCtl(ref.loop.epollFd, unix.EPOLL_CTL_ADD, ref.fd, &epollEvent); err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}
	ref.enabled = true
	return nil
}

// DelEvent unregisters an event and releases its resources.
func DelEvent(ref *Event) error {
	if _, ok := ref.loop.events[ref.token]; !ok {
		return nil
	}
	if ref.enabled {
		if err := unix.EpollCtl(ref.loop.epollFd, unix.EPOLL_CTL_DEL, ref.fd, nil); err != nil {
			return errors.Wrap(err, "epoll_ctl del")
		}
	}
	ref.loop.releaseEvent(ref)
	delete(ref.loop.events, ref.token)
	return nil
}

func (l *Loop) releaseEvent(ev *Event) {
	if ev.sigChan != nil {
		signal.Stop(ev.sigChan)
		close(ev.sigChan)
		ev.sigPipe.Close()
		ev.sigRead.Close()
		ev.sigChan = nil
		ev.sigPipe = nil
		ev.sigRead = nil
	}
	if ev.fd >= 0 {
		unix.Close(ev.fd)
		ev.fd = -1
	}
	ev.enabled = false
}
