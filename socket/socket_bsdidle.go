// socket_bsdidle.go - AWH socket option helpers, BSD keepalive naming.
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

//go:build freebsd || netbsd
// +build freebsd netbsd

package socket

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func setKeepAliveIdle(fd int, idle int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idle); err != nil {
		return fmt.Errorf("socket: set keepidle on fd %d: %w", fd, err)
	}
	return nil
}
