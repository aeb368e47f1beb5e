// hash.go - AWH codec utilities, common types.
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

// Package hash bundles the two orthogonal codec operations the cluster
// protocol rides on: symmetric ciphering and payload compression.  The two
// are never combined inside this package; callers order them.
package hash

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Cipher enumerates the supported ciphering modes.
type Cipher uint8

const (
	// CipherNone passes data through untouched.
	CipherNone Cipher = iota
	// CipherBase64 is the textual encoding, not a cipher proper.
	CipherBase64
	// CipherAES128 is AES-128-CFB.
	CipherAES128
	// CipherAES192 is AES-192-CFB.
	CipherAES192
	// CipherAES256 is AES-256-CFB.
	CipherAES256
)

// String returns the cipher name.
func (c Cipher) String() string {
	switch c {
	case CipherBase64:
		return "BASE64"
	case CipherAES128:
		return "AES128"
	case CipherAES192:
		return "AES192"
	case CipherAES256:
		return "AES256"
	}
	return "NONE"
}

// Method enumerates the supported compression methods.
type Method uint8

const (
	// MethodNone passes data through untouched.
	MethodNone Method = iota
	// MethodGzip is gzip framed deflate.
	MethodGzip
	// MethodDeflate is raw deflate, optionally with takeover contexts.
	MethodDeflate
	// MethodBzip2 is bzip2 at block size 5.
	MethodBzip2
	// MethodBrotli is brotli with the default encoder.
	MethodBrotli
	// MethodLz4 is the LZ4 block format with a length prefix.
	MethodLz4
	// MethodLzma is a one-shot xz stream.
	MethodLzma
	// MethodZstd is streaming zstandard.
	MethodZstd
)

// String returns the method name.
func (m Method) String() string {
	switch m {
	case MethodGzip:
		return "GZIP"
	case MethodDeflate:
		return "DEFLATE"
	case MethodBzip2:
		return "BZIP2"
	case MethodBrotli:
		return "BROTLI"
	case MethodLz4:
		return "LZ4"
	case MethodLzma:
		return "LZMA"
	case MethodZstd:
		return "ZSTD"
	}
	return "NONE"
}

// Level selects the compression effort tier.
type Level uint8

const (
	// LevelNormal is the method's default effort.
	LevelNormal Level = iota
	// LevelSpeed favors throughput.
	LevelSpeed
	// LevelBest favors ratio.
	LevelBest
)

// CodecError reports a cipher or compressor failure with its algorithm.
type CodecError struct {
	Algo string
	Err  error
}

// Error implements the error interface.
func (e *CodecError) Error() string {
	return fmt.Sprintf("hash: %s: %v", e.Algo, e.Err)
}

// Unwrap returns the underlying error.
func (e *CodecError) Unwrap() error {
	return e.Err
}

func codecErr(algo string, err error) error {
	return &CodecError{Algo: algo, Err: err}
}

const deflateWindow = 32 * 1024

// Hash carries codec configuration and the retained takeover contexts.
// A zero value is usable with passthrough settings; concurrent use is
// serialized internally.
type Hash struct {
	mtx sync.Mutex

	password string
	salt     string
	rounds   int

	level Level
	wbits int

	takeoverCompress   bool
	takeoverDecompress bool

	defWriter *flate.Writer
	defBuf    bytes.Buffer
	defDict   []byte

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// New constructs a Hash with default settings.
func New() *Hash {
	return &Hash{rounds: 1, wbits: 15}
}

// Password sets the ciphering password.
func (h *Hash) Password(password string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.password = password
}

// Salt sets the ciphering salt.
func (h *Hash) Salt(salt string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.salt = salt
}

// Rounds sets the key derivation round count.  Values below one are
// clamped to one.
func (h *Hash) Rounds(rounds int) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if rounds < 1 {
		rounds = 1
	}
	h.rounds = rounds
}

// SetLevel selects the compression effort tier.
func (h *Hash) SetLevel(level Level) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.level = level
}

// Wbits sets the deflate window bits, bounding the takeover dictionary.
func (h *Hash) Wbits(wbits int) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if wbits < 8 {
		wbits = 8
	}
	if wbits > 15 {
		wbits = 15
	}
	h.wbits = wbits
}

// TakeoverCompress retains the deflate compression context across calls.
func (h *Hash) TakeoverCompress(on bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.takeoverCompress = on
	if !on {
		h.defWriter = nil
	}
}

// TakeoverDecompress retains the deflate decompression context across
// calls.
func (h *Hash) TakeoverDecompress(on bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.takeoverDecompress = on
	if !on {
		h.defDict = nil
	}
}

func (h *Hash) window() int {
	return 1 << uint(h.wbits)
}
