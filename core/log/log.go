// log.go - AWH logging backend.
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

// Package log provides the common logging backend shared by all AWH
// subsystems, a thin wrapper around op/go-logging that dispenses
// per-component loggers.
package log

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const fmtStr = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend.
type Backend struct {
	sync.Mutex
	backend logging.LeveledBackend
	w       io.Writer
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

// GetLogWriter returns an io.Writer that writes to the backend's logger at
// the provided level, one line per write.  It is used to proxy the output
// of child processes into the log.
func (b *Backend) GetLogWriter(module, level string) io.Writer {
	lvl, err := logLevelFromString(level)
	if err != nil {
		panic("log: GetLogWriter() called with invalid level: " + err.Error())
	}
	return &logWriter{
		l:   b.GetLogger(module),
		lvl: lvl,
	}
}

// Rotate closes and reopens the underlying log file, if the backend is
// file backed.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	f, ok := b.w.(*os.File)
	if !ok {
		return fmt.Errorf("log: backend not file backed")
	}
	name := f.Name()
	nf, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	old := b.w
	b.w = nf
	b.setOutput(nf)
	_ = old.(*os.File).Close()
	return nil
}

func (b *Backend) setOutput(w io.Writer) {
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(fmtStr))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(b.backend.GetLevel(""), "")
	b.backend = leveled
}

// New initializes a logging backend.  An empty file name sends the log to
// stdout, disable discards it entirely.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	switch {
	case disable:
		b.w = ioutil.Discard
	case f == "":
		b.w = os.Stdout
	default:
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		b.w, err = os.OpenFile(f, flags, 0600)
		if err != nil {
			return nil, fmt.Errorf("log: failed to open log file: %v", err)
		}
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(fmtStr))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	b.backend = leveled

	return b, nil
}

type logWriter struct {
	l   *logging.Logger
	lvl logging.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	s := strings.TrimRight(string(p), "\n")
	if len(s) > 0 {
		switch w.lvl {
		case logging.ERROR:
			w.l.Error(s)
		case logging.WARNING:
			w.l.Warning(s)
		case logging.NOTICE:
			w.l.Notice(s)
		case logging.INFO:
			w.l.Info(s)
		default:
			w.l.Debug(s)
		}
	}
	return len(p), nil
}

func logLevelFromString(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	case "":
		return logging.NOTICE, nil
	default:
		return logging.ERROR, fmt.Errorf("log: invalid level: '%v'", l)
	}
}
