// notifier.go - AWH payload carrying wakeup primitive.
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

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/anyks/awh/core/log"
)

// Notifier is a single direction wakeup primitive carrying 64 bit payloads.
// The payloads ride an unbounded userspace FIFO; the descriptor only carries
// readiness, one unit per queued payload, so notifications never coalesce.
type Notifier struct {
	sync.Mutex

	rfd int
	wfd int

	queue *channels.InfiniteChannel

	log *logging.Logger
}

// NewNotifier constructs an uninitialized Notifier.
func NewNotifier(logBackend *log.Backend) *Notifier {
	return &Notifier{
		rfd:   InvalidSocket,
		wfd:   InvalidSocket,
		queue: channels.NewInfiniteChannel(),
		log:   logBackend.GetLogger("events/notifier"),
	}
}

// Init allocates the wakeup descriptors and returns (read fd, write fd).
// On platforms with eventfd the two coincide.
func (n *Notifier) Init() (int, int, error) {
	n.Lock()
	defer n.Unlock()

	if n.rfd != InvalidSocket {
		return n.rfd, n.wfd, nil
	}
	rfd, wfd, err := notifierPair()
	if err != nil {
		n.log.Errorf("failed to initialize wakeup pair: %v", err)
		return InvalidSocket, InvalidSocket, err
	}
	n.rfd, n.wfd = rfd, wfd
	return rfd, wfd, nil
}

// Fds returns the current (read fd, write fd) pair.
func (n *Notifier) Fds() (int, int) {
	n.Lock()
	defer n.Unlock()
	return n.rfd, n.wfd
}

// Notify enqueues id and arms the read descriptor.  Safe from any
// goroutine.
func (n *Notifier) Notify(id uint64) error {
	n.Lock()
	defer n.Unlock()

	if n.wfd == InvalidSocket {
		return ErrIllegalState
	}
	n.queue.In() <- id
	if err := notifierArm(n.wfd); err != nil {
		n.log.Errorf("failed to arm wakeup fd %d: %v", n.wfd, err)
		return err
	}
	return nil
}

// Event consumes one queued payload after the read descriptor signalled
// readiness.  Returns 0 when nothing is queued.
func (n *Notifier) Event() uint64 {
	n.Lock()
	defer n.Unlock()

	if n.rfd == InvalidSocket {
		return 0
	}
	notifierDisarm(n.rfd)
	select {
	case v := <-n.queue.Out():
		return v.(uint64)
	default:
		return 0
	}
}

// Drain consumes every queued payload in FIFO order and returns them.
// Used by the base to service a wakeup burst in one sweep.
func (n *Notifier) Drain() []uint64 {
	n.Lock()
	defer n.Unlock()

	if n.rfd != InvalidSocket {
		for notifierDisarm(n.rfd) {
		}
	}
	var out []uint64
	for {
		select {
		case v := <-n.queue.Out():
			out = append(out, v.(uint64))
			continue
		default:
		}
		break
	}
	return out
}

// Pending reports the number of queued payloads.
func (n *Notifier) Pending() int {
	return n.queue.Len()
}

// Reset drains the queue and the descriptor.
func (n *Notifier) Reset() {
	n.Lock()
	defer n.Unlock()

	for {
		select {
		case <-n.queue.Out():
			continue
		default:
		}
		break
	}
	if n.rfd != InvalidSocket {
		for notifierDisarm(n.rfd) {
		}
	}
}

// Close releases the descriptors.
func (n *Notifier) Close() {
	n.Lock()
	defer n.Unlock()

	notifierClose(n.rfd, n.wfd)
	n.rfd, n.wfd = InvalidSocket, InvalidSocket
}
