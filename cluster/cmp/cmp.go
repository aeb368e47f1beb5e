// cmp.go - AWH Cluster Message Protocol codec.
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

// Package cmp implements the Cluster Message Protocol: the length framed,
// chunked, optionally compressed and encrypted binary envelope that rides
// the IPC pipes between master and worker processes.
package cmp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/anyks/awh/core/log"
	"github.com/anyks/awh/hash"
)

const (
	// HeaderSize is the packed chunk header length on the wire:
	// pid(4) mid(1) size(8) sign(3) cipher(1) method(1).
	HeaderSize = 18

	// DefaultChunkSize bounds one chunk's raw payload.
	DefaultChunkSize = 0x1000

	// finishBit marks the terminal chunk of a message in the method byte.
	finishBit = 0x80
)

// sign is the constant magic present in every chunk header, doubling as
// the torn-write detector the decoder resynchronizes on.
var sign = [3]byte{'A', 'W', 'H'}

var (
	// ErrProtocol reports a header magic or framing violation; the decoder
	// has already resynchronized when it surfaces.
	ErrProtocol = errors.New("cmp: malformed chunk header")
)

// Header is the decoded form of one chunk header.
type Header struct {
	Pid    int32
	Mid    uint8
	Size   uint64
	Cipher hash.Cipher
	Method hash.Method
	Finish bool
}

func putHeader(dst []byte, h *Header) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(h.Pid))
	dst[4] = h.Mid
	binary.LittleEndian.PutUint64(dst[5:13], h.Size)
	copy(dst[13:16], sign[:])
	dst[16] = uint8(h.Cipher)
	method := uint8(h.Method)
	if h.Finish {
		method |= finishBit
	}
	dst[17] = method
}

func parseHeader(src []byte) (Header, bool) {
	if !bytes.Equal(src[13:16], sign[:]) {
		return Header{}, false
	}
	return Header{
		Pid:    int32(binary.LittleEndian.Uint32(src[0:4])),
		Mid:    src[4],
		Size:   binary.LittleEndian.Uint64(src[5:13]),
		Cipher: hash.Cipher(src[16]),
		Method: hash.Method(src[17] &^ finishBit),
		Finish: src[17]&finishBit != 0,
	}, true
}

// Message is the decoder's product, one fully reassembled payload.
type Message struct {
	Mid  uint8
	Pid  int32
	Data []byte
}

// Encoder serializes outgoing messages into the drain buffer the transport
// consumes as the peer socket becomes writable.
type Encoder struct {
	mtx sync.Mutex

	pid       int32
	chunkSize int

	hash   *hash.Hash
	cipher hash.Cipher
	method hash.Method

	buf bytes.Buffer

	log *logging.Logger
}

// NewEncoder constructs an Encoder stamped with the current process id.
func NewEncoder(logBackend *log.Backend) *Encoder {
	return &Encoder{
		pid:       int32(os.Getpid()),
		chunkSize: DefaultChunkSize,
		hash:      hash.New(),
		log:       logBackend.GetLogger("cluster/cmp"),
	}
}

// ChunkSize returns the configured chunk payload bound.
func (e *Encoder) ChunkSize() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.chunkSize
}

// SetChunkSize bounds one chunk's raw payload.
func (e *Encoder) SetChunkSize(size int) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if size < 1 {
		size = DefaultChunkSize
	}
	e.chunkSize = size
}

// Cipher selects the per-chunk cipher.
func (e *Encoder) Cipher(c hash.Cipher) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.cipher = c
}

// Method selects the per-chunk compression method.
func (e *Encoder) Method(m hash.Method) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.method = m
}

// Password sets the ciphering password.
func (e *Encoder) Password(password string) {
	e.hash.Password(password)
}

// Salt sets the ciphering salt.
func (e *Encoder) Salt(salt string) {
	e.hash.Salt(salt)
}

// Push appends the full serialized chunk stream of one message to the
// drain buffer.
func (e *Encoder) Push(mid uint8, data []byte) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	var hdr [HeaderSize]byte
	rest := data
	for {
		chunk := rest
		if len(chunk) > e.chunkSize {
			chunk = chunk[:e.chunkSize]
		}
		rest = rest[len(chunk):]
		finish := len(rest) == 0

		payload, err := e.hash.Compress(chunk, e.method)
		if err != nil {
			e.log.Errorf("compress failed for mid %d: %v", mid, err)
			return err
		}
		payload, err = e.hash.Encrypt(payload, e.cipher)
		if err != nil {
			e.log.Errorf("encrypt failed for mid %d: %v", mid, err)
			return err
		}

		putHeader(hdr[:], &Header{
			Pid:    e.pid,
			Mid:    mid,
			Size:   uint64(len(payload)),
			Cipher: e.cipher,
			Method: e.method,
			Finish: finish,
		})
		e.buf.Write(hdr[:])
		e.buf.Write(payload)

		if finish {
			return nil
		}
	}
}

// Data exposes the pending wire bytes.
func (e *Encoder) Data() []byte {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.buf.Bytes()
}

// Size reports the pending byte count.
func (e *Encoder) Size() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.buf.Len()
}

// Empty reports whether nothing is pending.
func (e *Encoder) Empty() bool {
	return e.Size() == 0
}

// Erase discards the first n bytes after the transport wrote them.
func (e *Encoder) Erase(n int) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if n >= e.buf.Len() {
		e.buf.Reset()
		return
	}
	e.buf.Next(n)
}

// Clear discards all pending bytes.
func (e *Encoder) Clear() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.buf.Reset()
}

type assembly struct {
	mid  uint8
	data []byte
}

// Decoder reassembles messages out of the raw IPC byte stream.  A stream
// survives framing damage: after a protocol error the decoder slides to
// the next plausible header and resumes.
type Decoder struct {
	mtx sync.Mutex

	hash      *hash.Hash
	chunkSize int

	buf     []byte
	queue   []Message
	partial map[int32]*assembly
	pid     int32

	log *logging.Logger
}

// NewDecoder constructs a Decoder.
func NewDecoder(logBackend *log.Backend) *Decoder {
	return &Decoder{
		hash:      hash.New(),
		chunkSize: DefaultChunkSize,
		partial:   make(map[int32]*assembly),
		log:       logBackend.GetLogger("cluster/cmp"),
	}
}

// SetChunkSize mirrors the encoder's chunk bound; it widens the sanity
// window used to reject implausible header sizes.
func (d *Decoder) SetChunkSize(size int) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if size < 1 {
		size = DefaultChunkSize
	}
	d.chunkSize = size
}

// Password sets the deciphering password.
func (d *Decoder) Password(password string) {
	d.hash.Password(password)
}

// Salt sets the deciphering salt.
func (d *Decoder) Salt(salt string) {
	d.hash.Salt(salt)
}

// maxPayload bounds a credible chunk payload: the raw chunk after
// compression overhead and base64 expansion.
func (d *Decoder) maxPayload() uint64 {
	return uint64(d.chunkSize)*4 + 1024
}

// Push feeds raw transport bytes.  Completed messages accumulate in the
// queue; a framing violation is reported once per Push call, however many
// resynchronizations it took.
func (d *Decoder) Push(data []byte) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.buf = append(d.buf, data...)

	var damaged bool
	for len(d.buf) >= HeaderSize {
		hdr, ok := parseHeader(d.buf)
		if !ok || hdr.Size > d.maxPayload() {
			if !damaged {
				d.log.Warningf("framing violation, resynchronizing")
				damaged = true
			}
			d.resync()
			continue
		}
		need := HeaderSize + int(hdr.Size)
		if len(d.buf) < need {
			break
		}
		payload := d.buf[HeaderSize:need]
		if err := d.chunk(&hdr, payload); err != nil {
			delete(d.partial, hdr.Pid)
			d.buf = d.buf[need:]
			return err
		}
		d.buf = d.buf[need:]
	}
	if damaged {
		return ErrProtocol
	}
	return nil
}

// resync drops bytes until the next offset whose sign field matches.
func (d *Decoder) resync() {
	for i := 1; i+HeaderSize <= len(d.buf); i++ {
		if bytes.Equal(d.buf[i+13:i+16], sign[:]) {
			d.buf = d.buf[i:]
			return
		}
	}
	// No plausible header; keep a header-sized tail in case the sign is
	// split across pushes.
	if len(d.buf) > HeaderSize-1 {
		d.buf = d.buf[len(d.buf)-(HeaderSize-1):]
	}
}

func (d *Decoder) chunk(hdr *Header, payload []byte) error {
	plain, err := d.hash.Decrypt(payload, hdr.Cipher)
	if err != nil {
		d.log.Errorf("decrypt failed for pid %d mid %d: %v", hdr.Pid, hdr.Mid, err)
		return err
	}
	plain, err = d.hash.Decompress(plain, hdr.Method)
	if err != nil {
		d.log.Errorf("decompress failed for pid %d mid %d: %v", hdr.Pid, hdr.Mid, err)
		return err
	}

	cur := d.partial[hdr.Pid]
	if cur == nil || cur.mid != hdr.Mid {
		// At most one in-progress message per sender; a fresh mid
		// supersedes an unfinished predecessor.
		cur = &assembly{mid: hdr.Mid, data: []byte{}}
		d.partial[hdr.Pid] = cur
	}
	cur.data = append(cur.data, plain...)

	if hdr.Finish {
		d.queue = append(d.queue, Message{Mid: hdr.Mid, Pid: hdr.Pid, Data: cur.data})
		d.pid = hdr.Pid
		delete(d.partial, hdr.Pid)
	}
	return nil
}

// Get returns the oldest completed message without removing it.
func (d *Decoder) Get() (Message, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if len(d.queue) == 0 {
		return Message{}, false
	}
	return d.queue[0], true
}

// Pop removes the oldest completed message.
func (d *Decoder) Pop() {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if len(d.queue) > 0 {
		d.queue = d.queue[1:]
	}
}

// Empty reports whether no completed message is queued.
func (d *Decoder) Empty() bool {
	return d.Size() == 0
}

// Size reports the number of completed messages queued.
func (d *Decoder) Size() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.queue)
}

// Pid returns the sender of the most recently completed message.
func (d *Decoder) Pid() int32 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.pid
}

// Clear discards buffered bytes, partial assemblies and queued messages.
func (d *Decoder) Clear() {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.buf = nil
	d.queue = nil
	d.partial = make(map[int32]*assembly)
}
