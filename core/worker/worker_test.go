// worker_test.go - AWH worker lifecycle tests.
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

package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHaltWaits(t *testing.T) {
	var w Worker
	var done int32

	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			atomic.AddInt32(&done, 1)
		})
	}
	w.Halt()
	require.Equal(t, int32(4), atomic.LoadInt32(&done))
}

func TestHaltIdempotent(t *testing.T) {
	var w Worker
	w.Go(func() { <-w.HaltCh() })
	w.Halt()
	w.Halt()
}

func TestHaltChBeforeGo(t *testing.T) {
	var w Worker
	select {
	case <-w.HaltCh():
		t.Fatal("halt channel closed prematurely")
	case <-time.After(10 * time.Millisecond):
	}
}
