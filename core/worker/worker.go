// worker.go - AWH worker (Goroutine) lifecycle helper.
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

// Package worker provides a simple goroutine worker lifecycle abstraction.
package worker

import (
	"sync"
)

// Worker is a simple goroutine lifecycle manager, to be composed with other
// types that need a deferred clean shutdown of their goroutines.
type Worker struct {
	initOnce sync.Once
	haltOnce sync.Once
	ch       chan interface{}
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.ch = make(chan interface{})
	})
}

// Go excutes the function fn in a new goroutine, tracked by the Worker.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt signals all goroutines started via Go to terminate, and waits till
// all spawned goroutines have finished.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.ch)
	})
	w.wg.Wait()
}

// HaltCh returns the channel that is closed when the Worker is halted.
// Goroutines started via Go should select on it and return when it is
// readable.
func (w *Worker) HaltCh() <-chan interface{} {
	w.init()
	return w.ch
}
