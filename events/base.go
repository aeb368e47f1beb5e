// base.go - AWH event base, the readiness reactor.
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

	"gopkg.in/op/go-logging.v1"

	"github.com/anyks/awh/core/log"
)

const (
	// DefaultSockMax bounds the number of registered user sockets.
	DefaultSockMax = 8192

	easilyPause = 10 * time.Millisecond
)

type item struct {
	id      uint64
	fd      int
	wfd     int
	cb      Callback
	timer   bool
	delay   time.Duration
	persist bool
	modes   map[Kind]Mode
}

func (it *item) wantRead() bool {
	if it.timer {
		return it.modes[KindTimer] == Enabled
	}
	return it.modes[KindRead] == Enabled
}

func (it *item) wantWrite() bool {
	return it.modes[KindWrite] == Enabled
}

type upstreamEntry struct {
	notifier *Notifier
	cb       func(uint64)
}

// Base is the reactor.  One goroutine owns the loop while Start executes;
// that goroutine is the only one that invokes user callbacks.  Upstream is
// the only safe external ingress for arbitrary work.
type Base struct {
	mtx sync.Mutex

	poller   *poller
	watch    *Watch
	partners *Partners

	items     map[int]*item
	ids       map[uint64]int
	upstreams map[int]*upstreamEntry

	wake    *Notifier
	wakeRfd int

	rate    time.Duration
	easily  bool
	frozen  bool
	sockmax int
	sockets int

	running int32
	halting int32

	logBackend *log.Backend
	log        *logging.Logger
}

// NewBase constructs an event base.  sockmax <= 0 selects DefaultSockMax.
func NewBase(logBackend *log.Backend, sockmax int) (*Base, error) {
	if sockmax <= 0 {
		sockmax = DefaultSockMax
	}
	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	b := &Base{
		poller:     p,
		watch:      NewWatch(logBackend),
		partners:   NewPartners(logBackend),
		items:      make(map[int]*item),
		ids:        make(map[uint64]int),
		upstreams:  make(map[int]*upstreamEntry),
		wake:       NewNotifier(logBackend),
		rate:       -1,
		sockmax:    sockmax,
		logBackend: logBackend,
		log:        logBackend.GetLogger("events/base"),
	}
	rfd, _, err := b.wake.Init()
	if err != nil {
		p.close()
		return nil, err
	}
	b.wakeRfd = rfd
	if err = p.add(rfd, true, false); err != nil {
		b.wake.Close()
		p.close()
		return nil, err
	}
	return b, nil
}

// Watch exposes the timer subsystem.
func (b *Base) Watch() *Watch {
	return b.watch
}

// Partners exposes the companion descriptor registry.
func (b *Base) Partners() *Partners {
	return b.partners
}

// Rate sets the maximum poll block time.  A negative duration blocks until
// an event arrives.
func (b *Base) Rate(d time.Duration) {
	b.mtx.Lock()
	b.rate = d
	b.mtx.Unlock()
	b.Kick()
}

// Easily toggles non-blocking polling with a cooperative pause between
// iterations.
func (b *Base) Easily(on bool) {
	b.mtx.Lock()
	b.easily = on
	b.mtx.Unlock()
	b.Kick()
}

// Freeze toggles event collection without callback delivery.
func (b *Base) Freeze(on bool) {
	b.mtx.Lock()
	b.frozen = on
	b.mtx.Unlock()
}

// Launched reports whether the loop is currently running on some goroutine.
func (b *Base) Launched() bool {
	return atomic.LoadInt32(&b.running) == 1
}

// Add registers fd with the base under the caller-assigned id.  When
// delay > 0 the descriptor is obtained from Watch and interpreted as a
// timer (persistent iff persist); the passed fd is ignored in that case.
// The effective descriptor is returned.
func (b *Base) Add(id uint64, fd int, cb Callback, delay time.Duration, persist bool) (int, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if prev, ok := b.ids[id]; ok && prev != fd {
		return InvalidSocket, ErrDuplicate
	}

	if delay > 0 {
		rfd, wfd, err := b.watch.Create()
		if err != nil {
			return InvalidSocket, err
		}
		if rfd != wfd {
			b.partners.Merge(rfd, wfd)
		}
		it := &item{
			id:      id,
			fd:      rfd,
			wfd:     wfd,
			cb:      cb,
			timer:   true,
			delay:   delay,
			persist: persist,
			modes:   map[Kind]Mode{KindTimer: Enabled},
		}
		if err = b.poller.add(rfd, true, false); err != nil {
			b.watch.Away(rfd)
			b.partners.Del(rfd)
			return InvalidSocket, err
		}
		b.items[rfd] = it
		b.ids[id] = rfd
		if err = b.watch.Wait(rfd, delay); err != nil {
			b.log.Errorf("failed to schedule timer id %d: %v", id, err)
		}
		return rfd, nil
	}

	if fd == InvalidSocket {
		return InvalidSocket, ErrNotRegistered
	}
	if b.sockets >= b.sockmax {
		return InvalidSocket, ErrCapacity
	}
	it := &item{
		id: id,
		fd: fd,
		cb: cb,
		modes: map[Kind]Mode{
			KindRead:  Disabled,
			KindWrite: Disabled,
		},
	}
	if err := b.poller.add(fd, false, false); err != nil {
		return InvalidSocket, err
	}
	b.items[fd] = it
	b.ids[id] = fd
	b.sockets++
	return fd, nil
}

// Del removes every event kind registered for (id, fd), closing any
// Watch-owned descriptors and their partner registrations.
func (b *Base) Del(id uint64, fd int) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.delLocked(id, fd)
}

func (b *Base) delLocked(id uint64, fd int) error {
	it, ok := b.items[fd]
	if !ok || it.id != id {
		return ErrNotRegistered
	}
	if err := b.poller.del(fd); err != nil {
		b.log.Warningf("poller del fd %d: %v", fd, err)
	}
	if it.timer {
		b.watch.Away(fd)
	} else {
		b.sockets--
	}
	b.partners.Del(fd)
	delete(b.items, fd)
	delete(b.ids, id)
	return nil
}

// DelKind removes one event kind from (id, fd) without disturbing others.
func (b *Base) DelKind(id uint64, fd int, kind Kind) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	it, ok := b.items[fd]
	if !ok || it.id != id {
		return ErrNotRegistered
	}
	delete(it.modes, kind)
	return b.refreshLocked(it)
}

// Mode toggles interest in one event kind.  Disabled registrations are
// retained but not presented to the poller.
func (b *Base) Mode(id uint64, fd int, kind Kind, mode Mode) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	it, ok := b.items[fd]
	if !ok || it.id != id {
		return ErrNotRegistered
	}
	it.modes[kind] = mode
	return b.refreshLocked(it)
}

func (b *Base) refreshLocked(it *item) error {
	return b.poller.mod(it.fd, it.wantRead(), it.wantWrite())
}

// ActivationUpstream creates a cross goroutine ingress slot and returns its
// wakeup descriptor.
func (b *Base) ActivationUpstream(cb func(tid uint64)) (int, error) {
	n := NewNotifier(b.logBackend)
	rfd, _, err := n.Init()
	if err != nil {
		return InvalidSocket, err
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	if err = b.poller.add(rfd, true, false); err != nil {
		n.Close()
		return InvalidSocket, err
	}
	b.upstreams[rfd] = &upstreamEntry{notifier: n, cb: cb}
	return rfd, nil
}

// Upstream schedules cb(tid) on the base's loop goroutine.  Safe from any
// goroutine; deliveries on one slot are FIFO per caller.
func (b *Base) Upstream(wakeupFd int, tid uint64) error {
	b.mtx.Lock()
	entry, ok := b.upstreams[wakeupFd]
	b.mtx.Unlock()
	if !ok {
		return ErrNotRegistered
	}
	return entry.notifier.Notify(tid)
}

// DeactivationUpstream tears an upstream slot down.
func (b *Base) DeactivationUpstream(wakeupFd int) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	entry, ok := b.upstreams[wakeupFd]
	if !ok {
		return
	}
	if err := b.poller.del(wakeupFd); err != nil {
		b.log.Warningf("poller del upstream fd %d: %v", wakeupFd, err)
	}
	entry.notifier.Close()
	delete(b.upstreams, wakeupFd)
}

// Kick wakes a blocked poll.
func (b *Base) Kick() {
	if err := b.wake.Notify(0); err != nil && err != ErrIllegalState {
		b.log.Warningf("kick failed: %v", err)
	}
}

// Stop asks the loop to exit; Start returns shortly after.
func (b *Base) Stop() {
	atomic.StoreInt32(&b.halting, 1)
	b.Kick()
}

// Rebase atomically replaces the OS poll state, re-registering every live
// descriptor.  Used to shed state inherited from a parent process.
func (b *Base) Rebase() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	old := b.poller
	p, err := newPoller()
	if err != nil {
		return err
	}
	if err = p.add(b.wakeRfd, true, false); err != nil {
		p.close()
		return err
	}
	for fd, it := range b.items {
		if err := p.add(fd, it.wantRead(), it.wantWrite()); err != nil {
			b.log.Warningf("rebase: re-add fd %d: %v", fd, err)
		}
	}
	for fd := range b.upstreams {
		if err := p.add(fd, true, false); err != nil {
			b.log.Warningf("rebase: re-add upstream fd %d: %v", fd, err)
		}
	}
	b.poller = p
	// A loop blocked on the old poll state still holds a reference to it;
	// the wakeup below returns it so the next iteration picks the new one.
	if err := b.wake.Notify(0); err != nil {
		b.log.Warningf("rebase wakeup failed: %v", err)
	}
	old.close()
	return nil
}

// Close releases the base's resources.  A running loop is stopped first
// and Close waits until it has exited.
func (b *Base) Close() {
	if b.Launched() {
		b.Stop()
		for b.Launched() {
			time.Sleep(time.Millisecond)
		}
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.watch.Stop()
	for fd, entry := range b.upstreams {
		entry.notifier.Close()
		delete(b.upstreams, fd)
	}
	b.wake.Close()
	b.poller.close()
}

// Start runs the loop on the calling goroutine until Stop is invoked.
func (b *Base) Start() error {
	if !atomic.CompareAndSwapInt32(&b.running, 0, 1) {
		return ErrIllegalState
	}
	defer func() {
		atomic.StoreInt32(&b.halting, 0)
		atomic.StoreInt32(&b.running, 0)
	}()

	evs := make([]pollEvent, 128)
	for atomic.LoadInt32(&b.halting) == 0 {
		b.mtx.Lock()
		timeout := b.rate
		easily := b.easily
		poller := b.poller
		b.mtx.Unlock()
		if easily {
			timeout = 0
		}

		n, err := poller.wait(evs, timeout)
		if err != nil {
			b.log.Errorf("poll failed: %v", err)
			time.Sleep(easilyPause)
			continue
		}

		b.dispatch(evs[:n])

		if easily {
			time.Sleep(easilyPause)
		}
	}
	return nil
}

// dispatch classifies one poll batch: timers first, then I/O in OS report
// order, upstream ingress at the end of the iteration.
func (b *Base) dispatch(evs []pollEvent) {
	var timers, ios []pollEvent
	var ups []int
	wake := false

	b.mtx.Lock()
	frozen := b.frozen
	for _, ev := range evs {
		switch {
		case ev.fd == b.wakeRfd:
			wake = true
		case b.upstreams[ev.fd] != nil:
			ups = append(ups, ev.fd)
		case b.items[ev.fd] != nil && b.items[ev.fd].timer:
			timers = append(timers, ev)
		default:
			ios = append(ios, ev)
		}
	}
	b.mtx.Unlock()

	for _, ev := range timers {
		b.fireTimer(ev.fd, frozen)
	}
	for _, ev := range ios {
		b.fireIO(ev, frozen)
	}
	for _, fd := range ups {
		b.fireUpstream(fd, frozen)
	}
	if wake {
		b.wake.Drain()
	}
}

func (b *Base) fireTimer(fd int, frozen bool) {
	b.watch.Event(fd)

	b.mtx.Lock()
	it, ok := b.items[fd]
	if !ok {
		b.mtx.Unlock()
		return
	}
	enabled := it.modes[KindTimer] == Enabled
	cb := it.cb
	persist := it.persist
	delay := it.delay
	b.mtx.Unlock()

	if enabled && !frozen {
		b.invoke(it, cb, fd, KindTimer)
	}
	if persist {
		b.mtx.Lock()
		_, live := b.items[fd]
		b.mtx.Unlock()
		if live {
			if err := b.watch.Wait(fd, delay); err != nil {
				b.log.Errorf("failed to rearm timer fd %d: %v", fd, err)
			}
		}
	}
}

func (b *Base) fireIO(ev pollEvent, frozen bool) {
	b.mtx.Lock()
	it, ok := b.items[ev.fd]
	if !ok {
		b.mtx.Unlock()
		return
	}
	cb := it.cb
	readable := ev.read && it.modes[KindRead] == Enabled
	writable := ev.write && it.modes[KindWrite] == Enabled
	closing := ev.hup
	closeCare := it.modes[KindClose] == Enabled
	b.mtx.Unlock()

	if frozen {
		return
	}

	// Deliver pending data ahead of the hangup so nothing is lost.
	if readable {
		b.invoke(it, cb, ev.fd, KindRead)
		if !b.alive(ev.fd, it) {
			return
		}
	}
	if writable {
		b.invoke(it, cb, ev.fd, KindWrite)
		if !b.alive(ev.fd, it) {
			return
		}
	}
	if closing {
		if !closeCare {
			// No CLOSE interest: quiesce the descriptor before reporting
			// through the default callback.
			b.mtx.Lock()
			if cur, ok := b.items[ev.fd]; ok && cur == it {
				cur.modes[KindRead] = Disabled
				cur.modes[KindWrite] = Disabled
				b.refreshLocked(cur)
			}
			b.mtx.Unlock()
		}
		b.invoke(it, cb, ev.fd, KindClose)
	}
}

func (b *Base) fireUpstream(fd int, frozen bool) {
	b.mtx.Lock()
	entry, ok := b.upstreams[fd]
	b.mtx.Unlock()
	if !ok {
		return
	}
	ids := entry.notifier.Drain()
	if frozen {
		return
	}
	for _, tid := range ids {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Critical("upstream callback panic on fd %d: %v", fd, r)
				}
			}()
			entry.cb(tid)
		}()
	}
}

func (b *Base) alive(fd int, it *item) bool {
	b.mtx.Lock()
	cur, ok := b.items[fd]
	b.mtx.Unlock()
	return ok && cur == it
}

// invoke runs one callback with panic containment: a panicking handle is
// logged and force-disabled rather than aborting the loop.
func (b *Base) invoke(it *item, cb Callback, fd int, kind Kind) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Critical("callback panic on fd %d (%s): %v", fd, kind, r)
			b.mtx.Lock()
			if cur, ok := b.items[fd]; ok && cur == it {
				for k := range cur.modes {
					cur.modes[k] = Disabled
				}
				b.refreshLocked(cur)
			}
			b.mtx.Unlock()
		}
	}()
	cb(fd, kind)
}
