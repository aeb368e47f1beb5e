// log_test.go - AWH logging backend tests.
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

package log

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDisabled(t *testing.T) {
	b, err := New("", "DEBUG", true)
	require.NoError(t, err)
	l := b.GetLogger("test")
	l.Noticef("discarded")
}

func TestInvalidLevel(t *testing.T) {
	_, err := New("", "NOT-A-LEVEL", false)
	require.Error(t, err)
}

func TestFileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "awh.log")
	b, err := New(path, "INFO", false)
	require.NoError(t, err)

	l := b.GetLogger("component")
	l.Warning("something noteworthy")

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "component")
	require.Contains(t, string(data), "something noteworthy")
}

func TestLogWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "awh.log")
	b, err := New(path, "DEBUG", false)
	require.NoError(t, err)

	w := b.GetLogWriter("child-stderr", "DEBUG")
	_, err = w.Write([]byte("line from a worker\n"))
	require.NoError(t, err)

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "line from a worker"))
}

func TestLogWriterBadLevel(t *testing.T) {
	b, err := New("", "DEBUG", true)
	require.NoError(t, err)
	require.Panics(t, func() { b.GetLogWriter("x", "NOT-A-LEVEL") })
}
