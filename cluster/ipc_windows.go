// ipc_windows.go - AWH cluster runtime, Windows stubs.
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

package cluster

// Worker processes require descriptor inheritance the Windows port does
// not provide; the configuration surface compiles but Start reports
// ErrUnsupported.
const forkSupported = false

func (c *Cluster) ensureExitUpstream() error {
	return ErrUnsupported
}

func (c *Cluster) emplaceChild(wid uint16, oldPid int32) error {
	return ErrUnsupported
}

func (c *Cluster) stopWorker(wid uint16) {}

func (c *Cluster) teardownBroker(b *broker, term bool) {}

func (c *Cluster) startChild(wid uint16) error {
	return ErrUnsupported
}

func (c *Cluster) detachChild() {}
