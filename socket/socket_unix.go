// socket_unix.go - AWH socket option helpers, POSIX implementation.
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
	"fmt"

	"golang.org/x/sys/unix"
)

func boolToInt(on bool) int {
	if on {
		return 1
	}
	return 0
}

// SetNonBlocking toggles O_NONBLOCK on the descriptor.
func SetNonBlocking(fd int, on bool) error {
	if err := unix.SetNonblock(fd, on); err != nil {
		return fmt.Errorf("socket: set nonblocking on fd %d: %w", fd, err)
	}
	return nil
}

// SetNoDelay toggles TCP_NODELAY (Nagle) on the descriptor.
func SetNoDelay(fd int, on bool) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on)); err != nil {
		return fmt.Errorf("socket: set nodelay on fd %d: %w", fd, err)
	}
	return nil
}

// SetReuseAddr enables SO_REUSEADDR on the descriptor.
func SetReuseAddr(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("socket: set reuseaddr on fd %d: %w", fd, err)
	}
	return nil
}

// SetCloseOnExec marks the descriptor FD_CLOEXEC.
func SetCloseOnExec(fd int) error {
	unix.CloseOnExec(fd)
	return nil
}

// SetRcvBuf sets the kernel receive buffer size.
func SetRcvBuf(fd int, bytes int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes); err != nil {
		return fmt.Errorf("socket: set rcvbuf on fd %d: %w", fd, err)
	}
	return nil
}

// SetSndBuf sets the kernel send buffer size.
func SetSndBuf(fd int, bytes int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bytes); err != nil {
		return fmt.Errorf("socket: set sndbuf on fd %d: %w", fd, err)
	}
	return nil
}

// SetTTL sets the IP time-to-live for outgoing packets.
func SetTTL(fd int, ttl int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, ttl); err != nil {
		return fmt.Errorf("socket: set ttl on fd %d: %w", fd, err)
	}
	return nil
}

// SetKeepAlive enables TCP keepalive probing with the provided idle time,
// probe interval and probe count, all in seconds.
func SetKeepAlive(fd int, idle, intvl, cnt int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("socket: set keepalive on fd %d: %w", fd, err)
	}
	return setKeepAliveProbes(fd, idle, intvl, cnt)
}

// Available reports the number of bytes pending in the requested direction.
func Available(fd int, dir Direction) (int, error) {
	switch dir {
	case Read:
		n, err := unix.IoctlGetInt(fd, unix.TIOCINQ)
		if err != nil {
			return 0, fmt.Errorf("socket: bytes available on fd %d: %w", fd, err)
		}
		return n, nil
	case Write:
		return availableWrite(fd)
	}
	return 0, ErrUnsupported
}
