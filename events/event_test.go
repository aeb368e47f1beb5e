// event_test.go - AWH event handle tests.
// Copyright (C) 2024  AWH Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

//go:build linux || darwin || freebsd || netbsd || openbsd
// +build linux darwin freebsd netbsd openbsd

package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEventHandleLifecycle(t *testing.T) {
	b := startedBase(t)
	local, peer := testPair(t)

	fired := make(chan Kind, 16)
	ev := NewEvent(KindEvent)
	require.NoError(t, ev.SetFd(local))
	require.NoError(t, ev.SetBase(b))
	ev.SetCallback(func(fd int, kind Kind) {
		fired <- kind
	})
	require.NoError(t, ev.Start())
	require.NoError(t, ev.Mode(KindRead, Enabled))

	_, err := unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	select {
	case kind := <-fired:
		require.Equal(t, KindRead, kind)
	case <-time.After(time.Second):
		t.Fatal("handle delivered nothing")
	}

	ev.Stop()
	// Stop is idempotent.
	ev.Stop()
}

func TestEventHandleIllegalState(t *testing.T) {
	b := startedBase(t)
	local, _ := testPair(t)

	ev := NewEvent(KindEvent)
	require.NoError(t, ev.SetFd(local))
	require.NoError(t, ev.SetBase(b))

	// Start without a callback is refused.
	require.Equal(t, ErrIllegalState, ev.Start())
	ev.SetCallback(func(fd int, kind Kind) {})
	require.NoError(t, ev.Start())

	// Reassignment while started is refused.
	require.Equal(t, ErrIllegalState, ev.SetFd(local))
	require.Equal(t, ErrIllegalState, ev.SetBase(b))
	ev.Stop()

	// After Stop reassignment is allowed again.
	require.NoError(t, ev.SetFd(local))
}

func TestEventHandleTimer(t *testing.T) {
	b := startedBase(t)

	fired := make(chan struct{}, 64)
	ev := NewEvent(KindTimerHandle)
	require.NoError(t, ev.SetBase(b))
	require.NoError(t, ev.Timeout(20*time.Millisecond, true))
	ev.SetCallback(func(fd int, kind Kind) {
		require.Equal(t, KindTimer, kind)
		fired <- struct{}{}
	})
	require.NoError(t, ev.Start())

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("timer handle stalled at fire %d", i)
		}
	}
	ev.Stop()
}

func TestEventHandleTimerNeedsDelay(t *testing.T) {
	b := startedBase(t)

	ev := NewEvent(KindTimerHandle)
	require.NoError(t, ev.SetBase(b))
	ev.SetCallback(func(fd int, kind Kind) {})
	require.Equal(t, ErrIllegalState, ev.Start())

	// Timeout on a non-timer handle is refused.
	ev2 := NewEvent(KindEvent)
	require.Equal(t, ErrIllegalState, ev2.Timeout(time.Second, false))
}

func TestWatchDirect(t *testing.T) {
	w := NewWatch(testBackend(t))
	defer w.Stop()

	rfd, wfd, err := w.Create()
	require.NoError(t, err)
	require.NotEqual(t, InvalidSocket, rfd)
	require.NotEqual(t, InvalidSocket, wfd)
	require.True(t, w.Has(rfd))

	require.NoError(t, w.Wait(rfd, 20*time.Millisecond))
	require.Eventually(t, func() bool {
		return w.Event(rfd) != 0
	}, time.Second, 5*time.Millisecond)

	w.Away(rfd)
	require.False(t, w.Has(rfd))
	require.Equal(t, ErrNotRegistered, w.Wait(rfd, time.Millisecond))
}
