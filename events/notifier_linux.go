// notifier_linux.go - AWH wakeup primitive, eventfd implementation.
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

package events

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EFD_SEMAPHORE keeps one readiness unit per Notify so wakeups never
// coalesce at the descriptor level.
func notifierPair() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK|unix.EFD_SEMAPHORE)
	if err != nil {
		return InvalidSocket, InvalidSocket, err
	}
	return fd, fd, nil
}

func notifierArm(wfd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(wfd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func notifierDisarm(rfd int) bool {
	var buf [8]byte
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
}
