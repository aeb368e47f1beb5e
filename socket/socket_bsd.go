// socket_bsd.go - AWH socket option helpers, BSD and Darwin specifics.
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

//go:build darwin || freebsd || netbsd
// +build darwin freebsd netbsd

package socket

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func setKeepAliveProbes(fd int, idle, intvl, cnt int) error {
	if err := setKeepAliveIdle(fd, idle); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, intvl); err != nil {
		return fmt.Errorf("socket: set keepintvl on fd %d: %w", fd, err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, cnt); err != nil {
		return fmt.Errorf("socket: set keepcnt on fd %d: %w", fd, err)
	}
	return nil
}

// BlockSigpipe suppresses SIGPIPE generation for writes on this descriptor.
func BlockSigpipe(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1); err != nil {
		return fmt.Errorf("socket: set nosigpipe on fd %d: %w", fd, err)
	}
	return nil
}

func availableWrite(fd int) (int, error) {
	// The unsent-bytes queue is not queryable here; report the configured
	// send buffer size as the upper bound, as the OpenBSD and Windows ports
	// do.
	n, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return 0, fmt.Errorf("socket: sndbuf on fd %d: %w", fd, err)
	}
	return n, nil
}
