// event.go - AWH per-registration event handle.
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
	"sync/atomic"
	"time"
)

// EventKind selects what an Event handle drives: a descriptor or a timer.
type EventKind uint8

const (
	// KindEvent binds the handle to a user descriptor.
	KindEvent EventKind = iota
	// KindTimerHandle binds the handle to a Watch timer.
	KindTimerHandle
)

var eventIds uint64

// Event ties a callback to one descriptor (or one timer) within one base.
// A handle's lifetime must be shorter than its base's; the owner calls Stop
// before discarding it.
type Event struct {
	sync.Mutex

	id   uint64
	kind EventKind

	fd      int
	base    *Base
	cb      Callback
	delay   time.Duration
	series  bool
	started bool
}

// NewEvent constructs a handle of the given kind.
func NewEvent(kind EventKind) *Event {
	return &Event{
		id:   atomic.AddUint64(&eventIds, 1),
		kind: kind,
		fd:   InvalidSocket,
	}
}

// Id returns the handle's registration identifier.
func (e *Event) Id() uint64 {
	return e.id
}

// Fd returns the descriptor the handle is bound to.
func (e *Event) Fd() int {
	e.Lock()
	defer e.Unlock()
	return e.fd
}

// SetFd binds the handle to a descriptor.  Disallowed while started.
func (e *Event) SetFd(fd int) error {
	e.Lock()
	defer e.Unlock()

	if e.started {
		return ErrIllegalState
	}
	e.fd = fd
	return nil
}

// SetBase attaches the handle to a base.  Disallowed while started.
func (e *Event) SetBase(b *Base) error {
	e.Lock()
	defer e.Unlock()

	if e.started {
		return ErrIllegalState
	}
	e.base = b
	return nil
}

// SetCallback installs the delivery function.
func (e *Event) SetCallback(cb Callback) {
	e.Lock()
	defer e.Unlock()
	e.cb = cb
}

// Timeout configures the timer delay; series false is single-shot, true
// rearms after each fire.  Only meaningful for timer handles.
func (e *Event) Timeout(delay time.Duration, series bool) error {
	e.Lock()
	defer e.Unlock()

	if e.kind != KindTimerHandle {
		return ErrIllegalState
	}
	if e.started {
		return ErrIllegalState
	}
	e.delay = delay
	e.series = series
	return nil
}

// Start registers the handle with its base.
func (e *Event) Start() error {
	e.Lock()
	defer e.Unlock()

	if e.started || e.base == nil || e.cb == nil {
		return ErrIllegalState
	}
	switch e.kind {
	case KindTimerHandle:
		if e.delay <= 0 {
			return ErrIllegalState
		}
		fd, err := e.base.Add(e.id, InvalidSocket, e.cb, e.delay, e.series)
		if err != nil {
			return err
		}
		e.fd = fd
	default:
		if e.fd == InvalidSocket {
			return ErrIllegalState
		}
		if _, err := e.base.Add(e.id, e.fd, e.cb, 0, false); err != nil {
			return err
		}
	}
	e.started = true
	return nil
}

// Mode toggles interest in one event kind while started.
func (e *Event) Mode(kind Kind, mode Mode) error {
	e.Lock()
	defer e.Unlock()

	if !e.started {
		return ErrIllegalState
	}
	return e.base.Mode(e.id, e.fd, kind, mode)
}

// Stop removes the handle from its base.  Safe to call repeatedly.
func (e *Event) Stop() {
	e.Lock()
	defer e.Unlock()

	if !e.started {
		return
	}
	// Base teardown may already have swept the registration.
	_ = e.base.Del(e.id, e.fd)
	if e.kind == KindTimerHandle {
		e.fd = InvalidSocket
	}
	e.started = false
}
