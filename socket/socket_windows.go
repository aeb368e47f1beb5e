// socket_windows.go - AWH socket option helpers, Winsock implementation.
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
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

func boolToInt(on bool) int {
	if on {
		return 1
	}
	return 0
}

// SetNonBlocking toggles FIONBIO on the descriptor.
func SetNonBlocking(fd int, on bool) error {
	if err := syscall.SetNonblock(syscall.Handle(fd), on); err != nil {
		return fmt.Errorf("socket: set nonblocking on fd %d: %w", fd, err)
	}
	return nil
}

// SetNoDelay toggles TCP_NODELAY (Nagle) on the descriptor.
func SetNoDelay(fd int, on bool) error {
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_TCP, windows.TCP_NODELAY, boolToInt(on)); err != nil {
		return fmt.Errorf("socket: set nodelay on fd %d: %w", fd, err)
	}
	return nil
}

// SetReuseAddr enables SO_REUSEADDR on the descriptor.
func SetReuseAddr(fd int) error {
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("socket: set reuseaddr on fd %d: %w", fd, err)
	}
	return nil
}

// SetCloseOnExec marks the handle non-inheritable.
func SetCloseOnExec(fd int) error {
	if err := windows.SetHandleInformation(windows.Handle(fd), windows.HANDLE_FLAG_INHERIT, 0); err != nil {
		return fmt.Errorf("socket: set noinherit on fd %d: %w", fd, err)
	}
	return nil
}

// SetRcvBuf sets the kernel receive buffer size.
func SetRcvBuf(fd int, bytes int) error {
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, bytes); err != nil {
		return fmt.Errorf("socket: set rcvbuf on fd %d: %w", fd, err)
	}
	return nil
}

// SetSndBuf sets the kernel send buffer size.
func SetSndBuf(fd int, bytes int) error {
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_SNDBUF, bytes); err != nil {
		return fmt.Errorf("socket: set sndbuf on fd %d: %w", fd, err)
	}
	return nil
}

// SetTTL sets the IP time-to-live for outgoing packets.
func SetTTL(fd int, ttl int) error {
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_TTL, ttl); err != nil {
		return fmt.Errorf("socket: set ttl on fd %d: %w", fd, err)
	}
	return nil
}

// SetKeepAlive enables TCP keepalive probing.  Winsock exposes the idle and
// interval knobs through SIO_KEEPALIVE_VALS in milliseconds; the probe count
// is fixed by the stack.
func SetKeepAlive(fd int, idle, intvl, cnt int) error {
	type keepAliveVals struct {
		onOff    uint32
		time     uint32
		interval uint32
	}
	ka := keepAliveVals{onOff: 1, time: uint32(idle) * 1000, interval: uint32(intvl) * 1000}
	ret := uint32(0)
	size := uint32(unsafe.Sizeof(ka))
	err := windows.WSAIoctl(windows.Handle(fd), windows.SIO_KEEPALIVE_VALS,
		(*byte)(unsafe.Pointer(&ka)), size, nil, 0, &ret, nil, 0)
	if err != nil {
		return fmt.Errorf("socket: set keepalive on fd %d: %w", fd, err)
	}
	return nil
}

// BlockSigpipe is meaningless on Windows.
func BlockSigpipe(fd int) error {
	return nil
}

// Available reports the number of bytes pending in the requested direction.
func Available(fd int, dir Direction) (int, error) {
	switch dir {
	case Read:
		var n uint32
		if err := ioctlsocket(windows.Handle(fd), fionread, &n); err != nil {
			return 0, fmt.Errorf("socket: bytes available on fd %d: %w", fd, err)
		}
		return int(n), nil
	case Write:
		n, err := windows.GetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_SNDBUF)
		if err != nil {
			return 0, fmt.Errorf("socket: sndbuf on fd %d: %w", fd, err)
		}
		return n, nil
	}
	return 0, ErrUnsupported
}

const fionread = 0x4004667f

var (
	modws2_32       = windows.NewLazySystemDLL("ws2_32.dll")
	procIoctlsocket = modws2_32.NewProc("ioctlsocket")
)

func ioctlsocket(s windows.Handle, cmd uint32, argp *uint32) error {
	r1, _, e1 := procIoctlsocket.Call(uintptr(s), uintptr(cmd), uintptr(unsafe.Pointer(argp)))
	if int32(r1) != 0 {
		return e1
	}
	return nil
}
