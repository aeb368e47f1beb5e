// poll_windows.go - AWH reactor backend, WSAPoll implementation.
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
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

type pollEvent struct {
	fd    int
	read  bool
	write bool
	hup   bool
}

const (
	pollRDNorm = 0x0100
	pollWRNorm = 0x0010
	pollErr    = 0x0001
	pollHup    = 0x0002
	pollNval   = 0x0004
)

type wsaPollFd struct {
	fd      uintptr
	events  int16
	revents int16
}

var (
	modws2_32   = windows.NewLazySystemDLL("ws2_32.dll")
	procWSAPoll = modws2_32.NewProc("WSAPoll")
)

// poller drives WSAPoll over the registered interest set.  Winsock startup
// is tied to the poller's lifetime.
type poller struct {
	sync.Mutex

	interest map[int]int16
	fds      []wsaPollFd
}

func newPoller() (*poller, error) {
	var wsaData windows.WSAData
	if err := windows.WSAStartup(uint32(0x202), &wsaData); err != nil {
		return nil, err
	}
	return &poller{
		interest: make(map[int]int16),
	}, nil
}

func wsaMask(read, write bool) int16 {
	var mask int16
	if read {
		mask |= pollRDNorm
	}
	if write {
		mask |= pollWRNorm
	}
	return mask
}

func (p *poller) add(fd int, read, write bool) error {
	p.Lock()
	defer p.Unlock()
	p.interest[fd] = wsaMask(read, write)
	return nil
}

func (p *poller) mod(fd int, read, write bool) error {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return ErrNotRegistered
	}
	p.interest[fd] = wsaMask(read, write)
	return nil
}

func (p *poller) del(fd int) error {
	p.Lock()
	defer p.Unlock()
	delete(p.interest, fd)
	return nil
}

func (p *poller) wait(out []pollEvent, timeout time.Duration) (int, error) {
	p.Lock()
	p.fds = p.fds[:0]
	for fd, mask := range p.interest {
		// WSAPoll rejects entries with no requested events; idle
		// registrations are skipped but stay in the interest set.
		if mask == 0 {
			continue
		}
		p.fds = append(p.fds, wsaPollFd{fd: uintptr(fd), events: mask})
	}
	fds := p.fds
	p.Unlock()

	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	if len(fds) == 0 {
		if msec < 0 {
			msec = 100
		}
		time.Sleep(time.Duration(msec) * time.Millisecond)
		return 0, nil
	}

	r1, _, err := procWSAPoll.Call(uintptr(unsafe.Pointer(&fds[0])), uintptr(len(fds)), uintptr(msec))
	n := int(int32(r1))
	if n < 0 {
		return 0, err
	}

	cnt := 0
	for i := range fds {
		if cnt >= len(out) {
			break
		}
		re := fds[i].revents
		if re == 0 {
			continue
		}
		out[cnt] = pollEvent{
			fd:    int(fds[i].fd),
			read:  re&pollRDNorm != 0,
			write: re&pollWRNorm != 0,
			hup:   re&(pollHup|pollErr|pollNval) != 0,
		}
		cnt++
	}
	return cnt, nil
}

func (p *poller) close() error {
	return windows.WSACleanup()
}
