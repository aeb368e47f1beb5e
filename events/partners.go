// partners.go - AWH companion socket registry.
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

	"gopkg.in/op/go-logging.v1"

	"github.com/anyks/awh/core/log"
)

// Partners tracks the companion descriptor of two-fd wakeup primitives.
// When one side of a pair is deregistered the other must go with it; the
// registry is a pure symmetric lookup table and performs no I/O.
type Partners struct {
	sync.Mutex

	base map[int]int

	log *logging.Logger
}

// NewPartners constructs an empty registry.
func NewPartners(logBackend *log.Backend) *Partners {
	return &Partners{
		base: make(map[int]int),
		log:  logBackend.GetLogger("events/partners"),
	}
}

// Has reports whether fd has a registered companion.
func (p *Partners) Has(fd int) bool {
	p.Lock()
	defer p.Unlock()

	_, ok := p.base[fd]
	return ok
}

// Get returns the companion of fd, or InvalidSocket.
func (p *Partners) Get(fd int) int {
	p.Lock()
	defer p.Unlock()

	if partner, ok := p.base[fd]; ok {
		return partner
	}
	return InvalidSocket
}

// Del removes fd and its companion from the registry.
func (p *Partners) Del(fd int) {
	p.Lock()
	defer p.Unlock()

	if partner, ok := p.base[fd]; ok {
		delete(p.base, fd)
		delete(p.base, partner)
	}
}

// Merge installs the symmetric association between two descriptors.
func (p *Partners) Merge(fd1, fd2 int) bool {
	if fd1 == InvalidSocket || fd2 == InvalidSocket || fd1 == fd2 {
		return false
	}

	p.Lock()
	defer p.Unlock()

	if _, ok := p.base[fd1]; ok {
		p.log.Warningf("fd %d already has a partner", fd1)
		return false
	}
	if _, ok := p.base[fd2]; ok {
		p.log.Warningf("fd %d already has a partner", fd2)
		return false
	}
	p.base[fd1] = fd2
	p.base[fd2] = fd1
	return true
}
