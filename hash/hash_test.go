// hash_test.go - AWH codec tests.
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

package hash

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

var allCiphers = []Cipher{CipherNone, CipherBase64, CipherAES128, CipherAES192, CipherAES256}

var allMethods = []Method{
	MethodNone, MethodGzip, MethodDeflate, MethodBzip2,
	MethodBrotli, MethodLz4, MethodLzma, MethodZstd,
}

func testPayloads() map[string][]byte {
	rng := rand.New(rand.NewSource(42))
	random := make([]byte, 64*1024)
	rng.Read(random)
	repetitive := bytes.Repeat([]byte("the quick brown fox "), 1024)
	return map[string][]byte{
		"empty":      {},
		"single":     {0x2a},
		"text":       []byte("hello world"),
		"repetitive": repetitive,
		"random":     random,
		"zeros":      make([]byte, 128*1024),
	}
}

func TestCipherRoundTrip(t *testing.T) {
	for name, payload := range testPayloads() {
		for _, c := range allCiphers {
			h := New()
			h.Password("secret")
			h.Salt("NaCl")

			enc, err := h.Encrypt(payload, c)
			require.NoError(t, err, "%s/%s", name, c)
			dec, err := h.Decrypt(enc, c)
			require.NoError(t, err, "%s/%s", name, c)
			require.True(t, bytes.Equal(payload, dec), "%s/%s", name, c)
		}
	}
}

func TestCipherDeterministic(t *testing.T) {
	h := New()
	h.Password("secret")
	h.Salt("NaCl")

	payload := []byte("determinism check")
	for _, c := range allCiphers {
		a, err := h.Encrypt(payload, c)
		require.NoError(t, err)
		b, err := h.Encrypt(payload, c)
		require.NoError(t, err)
		require.Equal(t, a, b, "%s", c)
	}
}

func TestAESNoLengthLeak(t *testing.T) {
	h := New()
	h.Password("secret")
	h.Salt("NaCl")

	// CFB is length preserving but must not pad or truncate.
	for _, n := range []int{0, 1, 15, 16, 17, 4096} {
		payload := make([]byte, n)
		enc, err := h.Encrypt(payload, CipherAES256)
		require.NoError(t, err)
		require.Len(t, enc, n)
	}
}

func TestAESRequiresPassword(t *testing.T) {
	h := New()
	_, err := h.Encrypt([]byte("x"), CipherAES128)
	require.Error(t, err)
	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "AES128", cerr.Algo)
}

func TestCompressRoundTrip(t *testing.T) {
	for name, payload := range testPayloads() {
		for _, m := range allMethods {
			h := New()

			comp, err := h.Compress(payload, m)
			require.NoError(t, err, "%s/%s", name, m)
			plain, err := h.Decompress(comp, m)
			require.NoError(t, err, "%s/%s", name, m)
			require.True(t, bytes.Equal(payload, plain), "%s/%s", name, m)
		}
	}
}

func TestCompressLevels(t *testing.T) {
	payload := bytes.Repeat([]byte("level mapping probe "), 4096)
	for _, lvl := range []Level{LevelSpeed, LevelNormal, LevelBest} {
		for _, m := range allMethods {
			h := New()
			h.SetLevel(lvl)

			comp, err := h.Compress(payload, m)
			require.NoError(t, err, "%v/%s", lvl, m)
			plain, err := h.Decompress(comp, m)
			require.NoError(t, err, "%v/%s", lvl, m)
			require.True(t, bytes.Equal(payload, plain), "%v/%s", lvl, m)
		}
	}
}

func TestCompressShrinksZeros(t *testing.T) {
	payload := make([]byte, 1<<20)
	for _, m := range []Method{MethodGzip, MethodDeflate, MethodZstd, MethodLz4} {
		h := New()
		comp, err := h.Compress(payload, m)
		require.NoError(t, err)
		require.Less(t, len(comp), len(payload)/10, "%s", m)
	}
}

func TestDeflateTakeover(t *testing.T) {
	tx := New()
	tx.TakeoverCompress(true)
	rx := New()
	rx.TakeoverDecompress(true)

	// Later chunks may back-reference earlier ones; the receiver must
	// follow with its sliding dictionary.
	chunks := [][]byte{
		bytes.Repeat([]byte("alpha beta gamma "), 64),
		bytes.Repeat([]byte("alpha beta gamma "), 64),
		[]byte("alpha beta gamma delta"),
		{},
		[]byte("closing chunk"),
	}
	for i, chunk := range chunks {
		comp, err := tx.Compress(chunk, MethodDeflate)
		require.NoError(t, err, "chunk %d", i)
		plain, err := rx.Decompress(comp, MethodDeflate)
		require.NoError(t, err, "chunk %d", i)
		require.True(t, bytes.Equal(chunk, plain), "chunk %d", i)
	}
}

func TestDeflateTakeoverRatio(t *testing.T) {
	tx := New()
	tx.TakeoverCompress(true)

	chunk := bytes.Repeat([]byte("a very repetitive takeover chunk "), 32)
	first, err := tx.Compress(chunk, MethodDeflate)
	require.NoError(t, err)
	second, err := tx.Compress(chunk, MethodDeflate)
	require.NoError(t, err)
	// The second pass references the retained window.
	require.Less(t, len(second), len(first))
}

func TestDecompressDamaged(t *testing.T) {
	for _, m := range []Method{MethodGzip, MethodBzip2, MethodLzma, MethodZstd} {
		h := New()
		_, err := h.Decompress([]byte("definitely not a valid stream"), m)
		require.Error(t, err, "%s", m)
		var cerr *CodecError
		require.ErrorAs(t, err, &cerr)
	}
}

func TestBase64Determinism(t *testing.T) {
	h := New()
	payload := []byte{0, 1, 2, 253, 254, 255}
	a, err := h.Encrypt(payload, CipherBase64)
	require.NoError(t, err)
	require.Equal(t, "AAEC/f7/", string(a))
	back, err := h.Decrypt(a, CipherBase64)
	require.NoError(t, err)
	require.Equal(t, payload, back)
}
