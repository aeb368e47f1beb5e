// cmp_test.go - AWH Cluster Message Protocol tests.
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

package cmp

import (
	"bytes"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anyks/awh/core/log"
	"github.com/anyks/awh/hash"
)

func testBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "ERROR", true)
	require.NoError(t, err)
	return b
}

func pair(t *testing.T) (*Encoder, *Decoder) {
	b := testBackend(t)
	return NewEncoder(b), NewDecoder(b)
}

func drain(t *testing.T, enc *Encoder, dec *Decoder) {
	require.NoError(t, dec.Push(enc.Data()))
	enc.Clear()
}

func collect(dec *Decoder) []Message {
	var out []Message
	for {
		msg, ok := dec.Get()
		if !ok {
			return out
		}
		dec.Pop()
		out = append(out, msg)
	}
}

func TestRoundTripPlain(t *testing.T) {
	enc, dec := pair(t)

	payload := []byte("hello world")
	require.NoError(t, enc.Push(7, payload))
	drain(t, enc, dec)

	msgs := collect(dec)
	require.Len(t, msgs, 1)
	require.Equal(t, uint8(7), msgs[0].Mid)
	require.Equal(t, int32(os.Getpid()), msgs[0].Pid)
	require.Equal(t, payload, msgs[0].Data)
	require.Equal(t, int32(os.Getpid()), dec.Pid())
}

func TestRoundTripAllCodecs(t *testing.T) {
	ciphers := []hash.Cipher{hash.CipherNone, hash.CipherBase64, hash.CipherAES128, hash.CipherAES192, hash.CipherAES256}
	methods := []hash.Method{
		hash.MethodNone, hash.MethodGzip, hash.MethodDeflate, hash.MethodBzip2,
		hash.MethodBrotli, hash.MethodLz4, hash.MethodLzma, hash.MethodZstd,
	}

	rng := rand.New(rand.NewSource(7))
	payload := make([]byte, 64*1024)
	rng.Read(payload)

	for _, c := range ciphers {
		for _, m := range methods {
			enc, dec := pair(t)
			enc.Cipher(c)
			enc.Method(m)
			enc.Password("secret")
			enc.Salt("NaCl")
			dec.Password("secret")
			dec.Salt("NaCl")

			require.NoError(t, enc.Push(1, payload), "%s/%s", c, m)
			drain(t, enc, dec)

			msgs := collect(dec)
			require.Len(t, msgs, 1, "%s/%s", c, m)
			require.True(t, bytes.Equal(payload, msgs[0].Data), "%s/%s", c, m)
		}
	}
}

func TestChunkBoundaries(t *testing.T) {
	const chunk = 256
	for _, n := range []int{0, 1, chunk - 1, chunk, chunk + 1, 3*chunk + 5} {
		enc, dec := pair(t)
		enc.SetChunkSize(chunk)
		dec.SetChunkSize(chunk)

		payload := bytes.Repeat([]byte{0xa5}, n)
		require.NoError(t, enc.Push(3, payload))

		wantChunks := (n + chunk - 1) / chunk
		if n == 0 {
			wantChunks = 1
		}
		require.Equal(t, wantChunks*HeaderSize+n, enc.Size(), "payload %d", n)

		drain(t, enc, dec)
		msgs := collect(dec)
		require.Len(t, msgs, 1, "payload %d", n)
		require.Equal(t, payload, msgs[0].Data, "payload %d", n)
	}
}

func TestChunkSizeOne(t *testing.T) {
	enc, dec := pair(t)
	enc.SetChunkSize(1)
	dec.SetChunkSize(1)

	payload := []byte("chunked to single bytes")
	require.NoError(t, enc.Push(9, payload))
	drain(t, enc, dec)

	msgs := collect(dec)
	require.Len(t, msgs, 1)
	require.Equal(t, payload, msgs[0].Data)
}

func TestSequencePreserved(t *testing.T) {
	enc, dec := pair(t)

	var want [][]byte
	for i := 0; i < 100; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, i*7%512+1)
		want = append(want, payload)
		require.NoError(t, enc.Push(uint8(i), payload))
	}
	drain(t, enc, dec)

	msgs := collect(dec)
	require.Len(t, msgs, len(want))
	for i, msg := range msgs {
		require.Equal(t, uint8(i), msg.Mid)
		require.Equal(t, want[i], msg.Data)
	}
}

func TestSplitStream(t *testing.T) {
	enc, dec := pair(t)
	enc.Method(hash.MethodGzip)

	first := bytes.Repeat([]byte("first message "), 1024)
	second := bytes.Repeat([]byte("second message "), 2048)
	require.NoError(t, enc.Push(1, first))
	require.NoError(t, enc.Push(2, second))

	// Feed the stream in 100 randomly sized pushes.
	stream := enc.Data()
	rng := rand.New(rand.NewSource(99))
	var cuts []int
	for i := 0; i < 99; i++ {
		cuts = append(cuts, rng.Intn(len(stream)))
	}
	cuts = append(cuts, len(stream))
	prev := 0
	for _, cut := range cuts {
		if cut < prev {
			continue
		}
		require.NoError(t, dec.Push(stream[prev:cut]))
		prev = cut
	}
	require.NoError(t, dec.Push(stream[prev:]))

	msgs := collect(dec)
	require.Len(t, msgs, 2)
	require.True(t, bytes.Equal(first, msgs[0].Data))
	require.True(t, bytes.Equal(second, msgs[1].Data))
}

func TestResyncAfterGarbage(t *testing.T) {
	enc, dec := pair(t)

	payload := []byte("survivor")
	require.NoError(t, enc.Push(5, payload))
	stream := enc.Data()

	garbage := bytes.Repeat([]byte{0xde, 0xad}, 64)
	require.Error(t, dec.Push(append(append([]byte{}, garbage...), stream...)))

	msgs := collect(dec)
	require.Len(t, msgs, 1)
	require.Equal(t, payload, msgs[0].Data)
}

func TestEraseConsumesProgressively(t *testing.T) {
	enc, _ := pair(t)

	require.NoError(t, enc.Push(1, bytes.Repeat([]byte{1}, 1000)))
	total := enc.Size()
	require.False(t, enc.Empty())

	enc.Erase(100)
	require.Equal(t, total-100, enc.Size())
	enc.Erase(total)
	require.True(t, enc.Empty())
}

func TestZeroLengthMessage(t *testing.T) {
	enc, dec := pair(t)

	require.NoError(t, enc.Push(42, nil))
	require.Equal(t, HeaderSize, enc.Size())
	drain(t, enc, dec)

	msgs := collect(dec)
	require.Len(t, msgs, 1)
	require.Equal(t, uint8(42), msgs[0].Mid)
	require.Empty(t, msgs[0].Data)
}

func TestWireOverheadCompresses(t *testing.T) {
	enc, dec := pair(t)
	enc.SetChunkSize(4096)
	dec.SetChunkSize(4096)
	enc.Method(hash.MethodZstd)

	payload := make([]byte, 1<<20)
	require.NoError(t, enc.Push(1, payload))
	require.Less(t, enc.Size(), len(payload)/10)

	drain(t, enc, dec)
	msgs := collect(dec)
	require.Len(t, msgs, 1)
	require.True(t, bytes.Equal(payload, msgs[0].Data))
}

func TestHeaderCodec(t *testing.T) {
	var buf [HeaderSize]byte
	in := Header{Pid: 12345, Mid: 7, Size: 1 << 33, Cipher: hash.CipherAES256, Method: hash.MethodZstd, Finish: true}
	putHeader(buf[:], &in)

	out, ok := parseHeader(buf[:])
	require.True(t, ok)
	require.Equal(t, in, out)

	buf[14] ^= 0xff
	_, ok = parseHeader(buf[:])
	require.False(t, ok)
}
