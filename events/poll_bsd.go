// poll_bsd.go - AWH reactor backend, kqueue implementation.
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
	kq  int
	evs []unix.Kevent_t
}

func newPoller() (*poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &poller{
		kq:  kq,
		evs: make([]unix.Kevent_t, 128),
	}, nil
}

func (p *poller) apply(fd int, filter int16, enable bool) error {
	flags := unix.EV_ADD
	if !enable {
		flags = unix.EV_DELETE
	}
	kev := make([]unix.Kevent_t, 1)
	unix.SetKevent(&kev[0], fd, int(filter), flags)
	_, err := unix.Kevent(p.kq, kev, nil, nil)
	if !enable && err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *poller) add(fd int, read, write bool) error {
	if read {
		if err := p.apply(fd, unix.EVFILT_READ, true); err != nil {
			return err
		}
	}
	if write {
		if err := p.apply(fd, unix.EVFILT_WRITE, true); err != nil {
			return err
		}
	}
	return nil
}

func (p *poller) mod(fd int, read, write bool) error {
	if err := p.apply(fd, unix.EVFILT_READ, read); err != nil {
		return err
	}
	return p.apply(fd, unix.EVFILT_WRITE, write)
}

func (p *poller) del(fd int) error {
	p.apply(fd, unix.EVFILT_READ, false)
	p.apply(fd, unix.EVFILT_WRITE, false)
	return nil
}

func (p *poller) wait(out []pollEvent, timeout time.Duration) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	for {
		n, err := unix.Kevent(p.kq, nil, p.evs, ts)
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
				fd:    int(e.Ident),
				read:  e.Filter == unix.EVFILT_READ,
				write: e.Filter == unix.EVFILT_WRITE,
				hup:   e.Flags&unix.EV_EOF != 0,
			}
		}
		return n, nil
	}
}

func (p *poller) close() error {
	return unix.Close(p.kq)
}
