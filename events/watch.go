// watch.go - AWH timer wheel, delays turned into notifier fires.
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
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/anyks/awh/core/log"
	"github.com/anyks/awh/core/worker"
)

type watchOpKind uint8

const (
	watchWait watchOpKind = iota
	watchAway
)

type watchOp struct {
	kind  watchOpKind
	fd    int
	delay time.Duration
	seq   uint64
	done  chan struct{}
}

type watchUnit struct {
	fd       int
	deadline time.Time
	seq      uint64
}

// Watch converts scheduled delays into notifier fires.  One background
// goroutine owns the deadline list; it never invokes user callbacks, it
// only arms the per-timer notifier the event base subsequently observes.
type Watch struct {
	worker.Worker
	sync.Mutex

	notifiers map[int]*Notifier

	ops chan watchOp
	seq uint64

	logBackend *log.Backend
	log        *logging.Logger
}

// NewWatch constructs a Watch and starts its dispatch goroutine.
func NewWatch(logBackend *log.Backend) *Watch {
	w := &Watch{
		notifiers:  make(map[int]*Notifier),
		ops:        make(chan watchOp),
		logBackend: logBackend,
		log:        logBackend.GetLogger("events/watch"),
	}
	w.Go(w.dispatch)
	return w
}

// Create allocates a new logical timer and returns its notifier descriptor
// pair.  The read side is what the caller registers with the event base.
func (w *Watch) Create() (int, int, error) {
	n := NewNotifier(w.logBackend)
	rfd, wfd, err := n.Init()
	if err != nil {
		return InvalidSocket, InvalidSocket, err
	}

	w.Lock()
	w.notifiers[rfd] = n
	w.Unlock()
	return rfd, wfd, nil
}

// Has reports whether fd belongs to a live timer.
func (w *Watch) Has(fd int) bool {
	w.Lock()
	defer w.Unlock()

	_, ok := w.notifiers[fd]
	return ok
}

// Wait schedules a single shot for the timer identified by its read fd.
// A pending shot on the same timer is replaced.
func (w *Watch) Wait(fd int, delay time.Duration) error {
	w.Lock()
	_, ok := w.notifiers[fd]
	w.Unlock()
	if !ok {
		return ErrNotRegistered
	}

	op := watchOp{kind: watchWait, fd: fd, delay: delay}
	select {
	case w.ops <- op:
		return nil
	case <-w.HaltCh():
		return ErrIllegalState
	}
}

// Away cancels any pending shot, drains a fire that may already have been
// posted, and destroys the timer.
func (w *Watch) Away(fd int) {
	w.Lock()
	n, ok := w.notifiers[fd]
	if ok {
		delete(w.notifiers, fd)
	}
	w.Unlock()
	if !ok {
		return
	}

	op := watchOp{kind: watchAway, fd: fd, done: make(chan struct{})}
	select {
	case w.ops <- op:
		<-op.done
	case <-w.HaltCh():
	}

	n.Reset()
	n.Close()
}

// Event reads the payload the timer fired with.
func (w *Watch) Event(fd int) uint64 {
	w.Lock()
	n, ok := w.notifiers[fd]
	w.Unlock()
	if !ok {
		return 0
	}
	return n.Event()
}

// Stop terminates the dispatch goroutine.  Registered timers are destroyed.
func (w *Watch) Stop() {
	w.Halt()

	w.Lock()
	defer w.Unlock()
	for fd, n := range w.notifiers {
		n.Close()
		delete(w.notifiers, fd)
	}
}

func (w *Watch) dispatch() {
	var pending []watchUnit
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	rearm := func() {
		if armed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			armed = false
		}
		if len(pending) > 0 {
			d := time.Until(pending[0].deadline)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			armed = true
		}
	}

	insert := func(u watchUnit) {
		idx := sort.Search(len(pending), func(i int) bool {
			if pending[i].deadline.Equal(u.deadline) {
				return pending[i].seq > u.seq
			}
			return pending[i].deadline.After(u.deadline)
		})
		pending = append(pending, watchUnit{})
		copy(pending[idx+1:], pending[idx:])
		pending[idx] = u
	}

	remove := func(fd int) {
		for i := range pending {
			if pending[i].fd == fd {
				pending = append(pending[:i], pending[i+1:]...)
				break
			}
		}
	}

	for {
		select {
		case <-w.HaltCh():
			return
		case op := <-w.ops:
			switch op.kind {
			case watchWait:
				remove(op.fd)
				w.seq++
				insert(watchUnit{fd: op.fd, deadline: time.Now().Add(op.delay), seq: w.seq})
			case watchAway:
				remove(op.fd)
				close(op.done)
			}
			rearm()
		case <-timer.C:
			armed = false
			now := time.Now()
			for len(pending) > 0 && !pending[0].deadline.After(now) {
				u := pending[0]
				pending = pending[1:]
				w.Lock()
				n := w.notifiers[u.fd]
				w.Unlock()
				if n != nil {
					if err := n.Notify(u.seq); err != nil {
						w.log.Warningf("timer fd %d fire dropped: %v", u.fd, err)
					}
				}
			}
			rearm()
		}
	}
}
