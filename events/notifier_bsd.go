// notifier_bsd.go - AWH wakeup primitive, socketpair implementation.
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

//go:build darwin || freebsd || netbsd || openbsd
// +build darwin freebsd netbsd openbsd

package events

import (
	"golang.org/x/sys/unix"
)

func notifierPair() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return InvalidSocket, InvalidSocket, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err = unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return InvalidSocket, InvalidSocket, err
		}
	}
	return fds[0], fds[1], nil
}

func notifierArm(wfd int) error {
	buf := [1]byte{1}
	for {
		_, err := unix.Write(wfd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func notifierDisarm(rfd int) bool {
	var buf [1]byte
	for {
		_, err := unix.Read(rfd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return err == nil
	}
}

func notifierClose(rfd, wfd int) {
	if rfd != InvalidSocket {
		unix.Close(rfd)
	}
	if wfd != InvalidSocket && wfd != rfd {
		unix.Close(wfd)
	}
}
