// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package ioloop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneTimeEventExitsLoop(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	fired := 0
	_, err = loop.AddOneTimeEvent(10*time.Millisecond, func() Result {
		fired++
		return loop.ExitLoop()
	}, LowPriority)
	require.NoError(t, err)

	require.NoError(t, loop.RunLoop())
	assert.Equal(t, 1, fired)
}

func TestPeriodicEventFiresRepeatedly(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	fired := 0
	_, err = loop.AddPeriodicEvent(5*time.Millisecond, func() Result {
		fired++
		if fired == 3 {
			return loop.ExitLoop()
		}
		return Continue
	}, LowPriority)
	require.NoError(t, err)

	require.NoError(t, loop.RunLoop())
	assert.Equal(t, 3, fired)
}

func TestReadEvent(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	readEnd, writeEnd, err := os.Pipe()
	require.NoError(t, err)
	defer readEnd.Close()
	defer writeEnd.Close()

	var got []byte
	_, err = loop.AddReadEvent(int(readEnd.Fd()), func() Result {
		buf := make([]byte, 16)
		n, err := readEnd.Read(buf)
		if err != nil {
			return Fatal
		}
		got = append(got, buf[:n]...)
		return loop.ExitLoop()
	}, LowPriority)
	require.NoError(t, err)

	_, err = writeEnd.WriteString("ping")
	require.NoError(t, err)

	require.NoError(t, loop.RunLoop())
	assert.Equal(t, "ping", string(got))
}

func TestFatalCallbackAbortsLoop(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	_, err = loop.AddOneTimeEvent(time.Millisecond, func() Result {
		return Fatal
	}, LowPriority)
	require.NoError(t, err)

	assert.Error(t, loop.RunLoop())
}

func TestHighPriorityRunsFirst(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	var order []string
	// two timers armed for the same instant; the high priority one must be
	// dispatched first when both are ready in the same iteration
	_, err = loop.AddOneTimeEvent(20*time.Millisecond, func() Result {
		order = append(order, "low")
		return loop.ExitLoop()
	}, LowPriority)
	require.NoError(t, err)
	_, err = loop.AddOneTimeEvent(20*time.Millisecond, func() Result {
		order = append(order, "high")
		return Continue
	}, HighPriority)
	require.NoError(t, err)

	// wait past both deadlines before entering the loop so both timers are
	// ready in the first epoll batch
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, loop.RunLoop())
	require.Len(t, order, 2)
	assert.Equal(t, "high", order[0])
}

func TestExitLoopFromAnotherThread(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		loop.ExitLoop()
	}()
	require.NoError(t, loop.RunLoop())
}

func TestDelEventStopsDispatch(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	fired := 0
	var ref *Event
	ref, err = loop.AddPeriodicEvent(5*time.Millisecond, func() Result {
		fired++
		if err := DelEvent(ref); err != nil {
			return Fatal
		}
		return Continue
	}, LowPriority)
	require.NoError(t, err)
	_, err = loop.AddOneTimeEvent(50*time.Millisecond, func() Result {
		return loop.ExitLoop()
	}, LowPriority)
	require.NoError(t, err)

	require.NoError(t, loop.RunLoop())
	assert.Equal(t, 1, fired)
}

func TestDisableEnableWriteEvent(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	readEnd, writeEnd, err := os.Pipe()
	require.NoError(t, err)
	defer readEnd.Close()
	defer writeEnd.Close()

	fired := 0
	var ref *Event
	ref, err = loop.AddWriteEvent(int(writeEnd.Fd()), func() Result {
		fired++
		if fired == 1 {
			// park the event, re-arm it from a timer, and expect a second
			// dispatch with the original write-readiness mask
			if err := DisableEvent(ref); err != nil {
				return Fatal
			}
			return Continue
		}
		return loop.ExitLoop()
	}, LowPriority)
	require.NoError(t, err)

	_, err = loop.AddOneTimeEvent(10*time.Millisecond, func() Result {
		if err := EnableEvent(ref); err != nil {
			return Fatal
		}
		return Continue
	}, LowPriority)
	require.NoError(t, err)

	// an empty pipe is always write-ready, so a re-enable registered for the
	// wrong readiness would never fire again
	require.NoError(t, loop.RunLoop())
	assert.Equal(t, 2, fired)
}
