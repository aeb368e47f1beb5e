// socket_openbsd.go - AWH socket option helpers, OpenBSD specifics.
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

package socket

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// OpenBSD supports SO_KEEPALIVE but exposes no per-socket probe tuning.
func setKeepAliveProbes(fd int, idle, intvl, cnt int) error {
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
	n, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return 0, fmt.Errorf("socket: sndbuf on fd %d: %w", fd, err)
	}
	return n, nil
}
