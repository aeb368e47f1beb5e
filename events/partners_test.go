// partners_test.go - AWH companion socket registry tests.
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

//go:build linux || darwin || freebsd || netbsd || openbsd
// +build linux darwin freebsd netbsd openbsd

package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartnersMerge(t *testing.T) {
	p := NewPartners(testBackend(t))

	require.True(t, p.Merge(3, 4))
	require.True(t, p.Has(3))
	require.True(t, p.Has(4))
	require.Equal(t, 4, p.Get(3))
	require.Equal(t, 3, p.Get(4))
}

func TestPartnersDelRemovesBoth(t *testing.T) {
	p := NewPartners(testBackend(t))

	require.True(t, p.Merge(10, 11))
	p.Del(11)
	require.False(t, p.Has(10))
	require.False(t, p.Has(11))
	require.Equal(t, InvalidSocket, p.Get(10))
}

func TestPartnersRejects(t *testing.T) {
	p := NewPartners(testBackend(t))

	require.False(t, p.Merge(5, 5))
	require.False(t, p.Merge(InvalidSocket, 6))
	require.True(t, p.Merge(5, 6))
	// A descriptor belongs to at most one pair.
	require.False(t, p.Merge(5, 7))
}
