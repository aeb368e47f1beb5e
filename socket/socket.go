// socket.go - AWH cross platform socket option helpers.
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

// Package socket exposes the per-fd socket option surface used by the event
// base and the cluster runtime.  All setters are idempotent and operate on
// raw file descriptors.
package socket

import (
	"errors"
)

// Direction selects which side of a socket Available inspects.
type Direction uint8

const (
	// Read reports bytes queued for reading.
	Read Direction = iota
	// Write reports bytes still queued for transmission on Linux and the
	// configured send buffer size on the other ports.
	Write
)

// ErrUnsupported is returned for operations the platform cannot express.
var ErrUnsupported = errors.New("socket: operation not supported on this platform")
