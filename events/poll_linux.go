// poll_linux.go - AWH reactor backend, epoll implementation.
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
	"time"

	"golang.org/x/sys/unix"
)

type pollEvent struct {
	fd    int
	read  bool
	write bool
	hup   bool
}

type poller struct {
	epfd int
	evs  []unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		epfd: epfd,
		evs:  make([]unix.EpollEvent, 128),
	}, nil
}

func epollMask(read, write bool) uint32 {
	var mask uint32 = unix.EPOLLRDHUP
	if read {
		mask |= unix.EPOLLIN
	}
	if write {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *poller) add(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: epollMask(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *poller) mod(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: epollMask(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (p *poller) wait(out []pollEvent, timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	for {
		n, err := unix.EpollWait(p.epfd, p.evs, msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n > len(out) {
			n = len(out)
		}
		for i := 0; i < n; i++ {
			e := &p.evs[i]
			out[i] = pollEvent{
				fd:    int(e.Fd),
				read:  e.Events&unix.EPOLLIN != 0,
				write: e.Events&unix.EPOLLOUT != 0,
				hup:   e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0,
			}
		}
		return n, nil
	}
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
