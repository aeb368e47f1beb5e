// socket_test.go - AWH socket option helper tests.
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

package socket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func tcpSocket(t *testing.T) int {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func socketPair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSettersIdempotent(t *testing.T) {
	fd := tcpSocket(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, SetNonBlocking(fd, true))
		require.NoError(t, SetNoDelay(fd, true))
		require.NoError(t, SetReuseAddr(fd))
		require.NoError(t, SetCloseOnExec(fd))
		require.NoError(t, SetRcvBuf(fd, 64*1024))
		require.NoError(t, SetSndBuf(fd, 64*1024))
		require.NoError(t, SetTTL(fd, 64))
		require.NoError(t, SetKeepAlive(fd, 30, 5, 3))
		require.NoError(t, BlockSigpipe(fd))
	}
	require.NoError(t, SetNonBlocking(fd, false))
}

func TestSettersReportErrors(t *testing.T) {
	// A closed descriptor surfaces the OS error.
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fd))

	require.Error(t, SetNoDelay(fd, true))
	require.Error(t, SetRcvBuf(fd, 4096))
}

func TestAvailableRead(t *testing.T) {
	a, b := socketPair(t)

	n, err := Available(a, Read)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = unix.Write(b, []byte("pending bytes"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := Available(a, Read)
		return err == nil && n == len("pending bytes")
	}, time.Second, time.Millisecond)
}

func TestAvailableWrite(t *testing.T) {
	a, _ := socketPair(t)

	n, err := Available(a, Write)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 0)
}
