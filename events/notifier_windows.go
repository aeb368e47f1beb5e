// notifier_windows.go - AWH wakeup primitive, loopback UDP implementation.
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
	"syscall"

	"golang.org/x/sys/windows"
)

func loopbackSocket() (windows.Handle, windows.SockaddrInet4, error) {
	var sa windows.SockaddrInet4
	s, err := windows.Socket(windows.AF_INET, windows.SOCK_DGRAM, windows.IPPROTO_UDP)
	if err != nil {
		return windows.InvalidHandle, sa, err
	}
	sa.Addr = [4]byte{127, 0, 0, 1}
	if err = windows.Bind(s, &sa); err != nil {
		windows.Closesocket(s)
		return windows.InvalidHandle, sa, err
	}
	name, err := windows.Getsockname(s)
	if err != nil {
		windows.Closesocket(s)
		return windows.InvalidHandle, sa, err
	}
	return s, *name.(*windows.SockaddrInet4), nil
}

// Winsock has no eventfd or unix socketpair; a connected loopback UDP pair
// stands in, one datagram per readiness unit.
func notifierPair() (int, int, error) {
	r, rsa, err := loopbackSocket()
	if err != nil {
		return InvalidSocket, InvalidSocket, err
	}
	w, wsa, err := loopbackSocket()
	if err != nil {
		windows.Closesocket(r)
		return InvalidSocket, InvalidSocket, err
	}
	if err = windows.Connect(w, &rsa); err != nil {
		windows.Closesocket(r)
		windows.Closesocket(w)
		return InvalidSocket, InvalidSocket, err
	}
	if err = windows.Connect(r, &wsa); err != nil {
		windows.Closesocket(r)
		windows.Closesocket(w)
		return InvalidSocket, InvalidSocket, err
	}
	if err = syscall.SetNonblock(syscall.Handle(r), true); err != nil {
		windows.Closesocket(r)
		windows.Closesocket(w)
		return InvalidSocket, InvalidSocket, err
	}
	return int(r), int(w), nil
}

func notifierArm(wfd int) error {
	buf := []byte{1}
	var written uint32
	wsabuf := windows.WSABuf{Len: 1, Buf: &buf[0]}
	return windows.WSASend(windows.Handle(wfd), &wsabuf, 1, &written, 0, nil, nil)
}

func notifierDisarm(rfd int) bool {
	var buf [8]byte
	var read, flags uint32
	wsabuf := windows.WSABuf{Len: uint32(len(buf)), Buf: &buf[0]}
	err := windows.WSARecv(windows.Handle(rfd), &wsabuf, 1, &read, &flags, nil, nil)
	return err == nil
}

func notifierClose(rfd, wfd int) {
	if rfd != InvalidSocket {
		windows.Closesocket(windows.Handle(rfd))
	}
	if wfd != InvalidSocket && wfd != rfd {
		windows.Closesocket(windows.Handle(wfd))
	}
}
