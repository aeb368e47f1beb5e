package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func tryStop(t *testing.T, b *Base, label string) {
	b.Stop()
	ok := false
	for i := 0; i < 500; i++ {
		if !b.Launched() {
			ok = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	fmt.Println(label, "stopped ok=", ok)
}

func TestDbgBisect1(t *testing.T) {
	// Add + Mode only, no write, no del
	b, err := NewBase(testBackend(t), 0)
	require.NoError(t, err)
	go b.Start()
	require.Eventually(t, b.Launched, time.Second, time.Millisecond)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	local := fds[0]
	_, err = b.Add(1, local, func(fd int, kind Kind) {}, 0, false)
	require.NoError(t, err)
	require.NoError(t, b.Mode(1, local, KindRead, Enabled))

	tryStop(t, b, "bisect1")
	b.Close()
}

func TestDbgBisect2(t *testing.T) {
	b, err := NewBase(testBackend(t), 0)
	require.NoError(t, err)
	go b.Start()
	require.Eventually(t, b.Launched, time.Second, time.Millisecond)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	local, peer := fds[0], fds[1]
	fired := make(chan Kind, 16)
	_, err = b.Add(1, local, func(fd int, kind Kind) { fired <- kind }, 0, false)
	require.NoError(t, err)
	require.NoError(t, b.Mode(1, local, KindRead, Enabled))
	_, err = unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	tryStop(t, b, "bisect2")
	b.Close()
}
