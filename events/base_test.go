// base_test.go - AWH event base tests.
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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func startedBase(t *testing.T) *Base {
	b, err := NewBase(testBackend(t), 0)
	require.NoError(t, err)

	go b.Start()
	require.Eventually(t, b.Launched, time.Second, time.Millisecond)
	t.Cleanup(func() {
		b.Stop()
		require.Eventually(t, func() bool { return !b.Launched() }, time.Second, time.Millisecond)
		b.Close()
	})
	return b
}

func testPair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestBaseStartStop(t *testing.T) {
	b, err := NewBase(testBackend(t), 0)
	require.NoError(t, err)
	defer b.Close()

	require.False(t, b.Launched())
	done := make(chan error, 1)
	go func() { done <- b.Start() }()
	require.Eventually(t, b.Launched, time.Second, time.Millisecond)

	// A second Start on a running base is refused.
	require.Equal(t, ErrIllegalState, b.Start())

	b.Stop()
	require.NoError(t, <-done)
	require.False(t, b.Launched())
}

func TestReadEvent(t *testing.T) {
	b := startedBase(t)
	local, peer := testPair(t)

	fired := make(chan Kind, 16)
	fd, err := b.Add(1, local, func(fd int, kind Kind) {
		fired <- kind
	}, 0, false)
	require.NoError(t, err)
	require.Equal(t, local, fd)
	require.NoError(t, b.Mode(1, local, KindRead, Enabled))

	_, err = unix.Write(peer, []byte("x"))
	require.NoError(t, err)

	select {
	case kind := <-fired:
		require.Equal(t, KindRead, kind)
	case <-time.After(time.Second):
		t.Fatal("no read event delivered")
	}
	require.NoError(t, b.Del(1, local))
}

func TestNoCallbackAfterDel(t *testing.T) {
	b := startedBase(t)
	local, peer := testPair(t)

	var mu sync.Mutex
	count := 0
	_, err := b.Add(1, local, func(fd int, kind Kind) {
		mu.Lock()
		count++
		mu.Unlock()
	}, 0, false)
	require.NoError(t, err)
	require.NoError(t, b.Mode(1, local, KindRead, Enabled))
	require.NoError(t, b.Del(1, local))

	_, err = unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, count)
}

func TestModeDisabledSuppresses(t *testing.T) {
	b := startedBase(t)
	local, peer := testPair(t)

	fired := make(chan struct{}, 16)
	_, err := b.Add(1, local, func(fd int, kind Kind) {
		fired <- struct{}{}
	}, 0, false)
	require.NoError(t, err)

	// Interest starts Disabled; data must not be delivered.
	_, err = unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	select {
	case <-fired:
		t.Fatal("disabled registration delivered an event")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, b.Mode(1, local, KindRead, Enabled))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("enabled registration did not deliver")
	}
	require.NoError(t, b.Del(1, local))
}

func TestDuplicateId(t *testing.T) {
	b := startedBase(t)
	local, _ := testPair(t)
	other, _ := testPair(t)

	cb := func(fd int, kind Kind) {}
	_, err := b.Add(1, local, cb, 0, false)
	require.NoError(t, err)
	_, err = b.Add(1, other, cb, 0, false)
	require.Equal(t, ErrDuplicate, err)
	require.NoError(t, b.Del(1, local))
}

func TestSockMax(t *testing.T) {
	b, err := NewBase(testBackend(t), 1)
	require.NoError(t, err)
	defer b.Close()

	local, _ := testPair(t)
	other, _ := testPair(t)

	cb := func(fd int, kind Kind) {}
	_, err = b.Add(1, local, cb, 0, false)
	require.NoError(t, err)
	_, err = b.Add(2, other, cb, 0, false)
	require.Equal(t, ErrCapacity, err)
}

func TestTimerSingleShot(t *testing.T) {
	b := startedBase(t)

	fired := make(chan struct{}, 16)
	fd, err := b.Add(1, InvalidSocket, func(fd int, kind Kind) {
		require.Equal(t, KindTimer, kind)
		fired <- struct{}{}
	}, 30*time.Millisecond, false)
	require.NoError(t, err)
	require.NotEqual(t, InvalidSocket, fd)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	select {
	case <-fired:
		t.Fatal("single shot timer fired twice")
	case <-time.After(150 * time.Millisecond):
	}
	require.NoError(t, b.Del(1, fd))
}

func TestTimerSeries(t *testing.T) {
	b := startedBase(t)

	fired := make(chan struct{}, 64)
	fd, err := b.Add(1, InvalidSocket, func(fd int, kind Kind) {
		fired <- struct{}{}
	}, 20*time.Millisecond, true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("series timer stalled at fire %d", i)
		}
	}
	require.NoError(t, b.Del(1, fd))
}

func TestUpstreamDelivery(t *testing.T) {
	b := startedBase(t)

	got := make(chan uint64, 16)
	fd, err := b.ActivationUpstream(func(tid uint64) {
		got <- tid
	})
	require.NoError(t, err)

	// Two concurrent callers; both payloads arrive exactly once.
	var wg sync.WaitGroup
	for _, tid := range []uint64{100, 200} {
		wg.Add(1)
		go func(tid uint64) {
			defer wg.Done()
			require.NoError(t, b.Upstream(fd, tid))
		}(tid)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i := 0; i < 2; i++ {
		select {
		case tid := <-got:
			require.False(t, seen[tid])
			seen[tid] = true
		case <-time.After(time.Second):
			t.Fatal("upstream payload lost")
		}
	}
	require.True(t, seen[100])
	require.True(t, seen[200])
	b.DeactivationUpstream(fd)
}

func TestUpstreamPerCallerFIFO(t *testing.T) {
	b := startedBase(t)

	got := make(chan uint64, 256)
	fd, err := b.ActivationUpstream(func(tid uint64) {
		got <- tid
	})
	require.NoError(t, err)
	defer b.DeactivationUpstream(fd)

	const n = 100
	for i := uint64(1); i <= n; i++ {
		require.NoError(t, b.Upstream(fd, i))
	}
	for i := uint64(1); i <= n; i++ {
		select {
		case tid := <-got:
			require.Equal(t, i, tid)
		case <-time.After(time.Second):
			t.Fatalf("upstream stalled at %d", i)
		}
	}
}

func TestCallbackPanicContained(t *testing.T) {
	b := startedBase(t)
	local, peer := testPair(t)

	_, err := b.Add(1, local, func(fd int, kind Kind) {
		panic("callback exploded")
	}, 0, false)
	require.NoError(t, err)
	require.NoError(t, b.Mode(1, local, KindRead, Enabled))

	_, err = unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	// The loop survived the panic and the handle was quiesced.
	require.True(t, b.Launched())
	require.NoError(t, b.Del(1, local))
}

func TestRebaseKeepsRegistrations(t *testing.T) {
	b := startedBase(t)
	local, peer := testPair(t)

	fired := make(chan struct{}, 16)
	_, err := b.Add(1, local, func(fd int, kind Kind) {
		fired <- struct{}{}
	}, 0, false)
	require.NoError(t, err)
	require.NoError(t, b.Mode(1, local, KindRead, Enabled))

	require.NoError(t, b.Rebase())
	b.Kick()

	_, err = unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("registration lost across rebase")
	}
	require.NoError(t, b.Del(1, local))
}

func TestFreezeSuppressesDelivery(t *testing.T) {
	b := startedBase(t)
	local, peer := testPair(t)

	fired := make(chan struct{}, 16)
	_, err := b.Add(1, local, func(fd int, kind Kind) {
		fired <- struct{}{}
	}, 0, false)
	require.NoError(t, err)
	require.NoError(t, b.Mode(1, local, KindRead, Enabled))

	b.Freeze(true)
	_, err = unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	select {
	case <-fired:
		t.Fatal("frozen base delivered a callback")
	case <-time.After(100 * time.Millisecond):
	}

	b.Freeze(false)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("thawed base did not deliver")
	}
	require.NoError(t, b.Del(1, local))
}
