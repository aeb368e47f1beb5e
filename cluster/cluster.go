// cluster.go - AWH master/worker process cluster runtime.
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

// Package cluster implements the master/worker process manager: it spawns
// worker processes of the running binary, supervises their lifetime and
// exchanges CMP framed messages with them over per-child pipe or
// socketpair transports multiplexed on an event base.
//
// A worker process is launched by re-executing the current binary with the
// cluster bootstrap carried in the environment and the two IPC descriptors
// inherited as fds 3 and 4.  The same program therefore runs on both
// sides: construct the Cluster identically, call Start, and the call
// diverges on Master().
package cluster

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/anyks/awh/cluster/cmp"
	"github.com/anyks/awh/core/log"
	"github.com/anyks/awh/core/worker"
	"github.com/anyks/awh/events"
	"github.com/anyks/awh/hash"
	"github.com/anyks/awh/internal/instrument"
)

// bootstrapEnv carries the CBOR encoded worker bootstrap to the child.
const bootstrapEnv = "AWH_CLUSTER_ENV"

// DefaultForkGuard is the minimum child lifetime below which an exit is
// treated as a crash loop and the whole cluster is aborted.
const DefaultForkGuard = 180 * time.Second

const stagingSize = 64 * 1024

// Transfer selects the IPC descriptor pair kind.
type Transfer uint8

const (
	// TransferPipe uses two pipe(2) pairs per child.
	TransferPipe Transfer = iota
	// TransferIPC uses SOCK_STREAM unix domain socket pairs.
	TransferIPC
)

// ProcessEvent tags child lifecycle notifications.
type ProcessEvent uint8

const (
	// ProcessStart reports a child that began running.
	ProcessStart ProcessEvent = iota
	// ProcessStop reports a child that ceased running.
	ProcessStop
)

var (
	// ErrUnsupported is returned where the platform cannot spawn workers.
	ErrUnsupported = errors.New("cluster: not supported on this platform")
	// ErrIllegalState is returned on API misuse.
	ErrIllegalState = errors.New("cluster: illegal state")
	// ErrUnknownWorker is returned when wid was never initialized.
	ErrUnknownWorker = errors.New("cluster: unknown worker")
	// ErrUnknownChild is returned when pid does not map to a live child.
	ErrUnknownChild = errors.New("cluster: unknown child")
	// ErrFatal is returned when a child could not be spawned.
	ErrFatal = errors.New("cluster: fatal")
)

// bootstrap is what a child needs to attach to its master.
type bootstrap struct {
	Wid       uint16 `cbor:"1,keyasint"`
	MasterPid int32  `cbor:"2,keyasint"`
	Name      string `cbor:"3,keyasint"`
	Transfer  uint8  `cbor:"4,keyasint"`
	Cipher    uint8  `cbor:"5,keyasint"`
	Method    uint8  `cbor:"6,keyasint"`
	Password  string `cbor:"7,keyasint"`
	Salt      string `cbor:"8,keyasint"`
	ChunkSize int    `cbor:"9,keyasint"`
}

// broker is the master's bookkeeping for one live child, or the child's
// bookkeeping for its master side endpoint.
type broker struct {
	pid   int32
	date  time.Time
	ended bool

	// receive and send descriptors this side keeps after the spawn.
	rfd int
	wfd int

	cmd *exec.Cmd

	evRead  *events.Event
	evWrite *events.Event

	enc *cmp.Encoder
	dec *cmp.Decoder

	writing bool
}

// workerUnit is the configuration template of one class of children.
type workerUnit struct {
	wid         uint16
	count       uint16
	autoRestart bool
	working     bool

	brokers []*broker
}

type pidRef struct {
	wid uint16
	idx int
}

// Cluster is the master/worker manager.  All configuration is master-side;
// a child process observes the subset carried by its bootstrap.
type Cluster struct {
	worker.Worker

	mtx sync.Mutex

	base *events.Base

	masterPid int32
	selfPid   int32
	boot      *bootstrap

	workers map[uint16]*workerUnit
	pids    map[int32]pidRef

	name      string
	salt      string
	password  string
	cipher    hash.Cipher
	method    hash.Method
	transfer  Transfer
	chunkSize int
	rcvBuf    int
	sndBuf    int
	forkGuard time.Duration

	mid uint8

	exitFd  int
	staging [stagingSize]byte

	// child side endpoint
	self *broker

	cbMessage func(wid uint16, pid int32, data []byte)
	cbProcess func(wid uint16, pid int32, event ProcessEvent)
	cbExit    func(wid uint16, pid int32, status int)
	cbRebase  func(wid uint16, newPid, oldPid int32)

	logBackend *log.Backend
	log        *logging.Logger
}

// NewCluster constructs a Cluster.  When the process was launched as a
// worker the bootstrap is decoded from the environment and the instance
// flips into child mode.
func NewCluster(logBackend *log.Backend) (*Cluster, error) {
	c := &Cluster{
		masterPid:  int32(os.Getpid()),
		selfPid:    int32(os.Getpid()),
		workers:    make(map[uint16]*workerUnit),
		pids:       make(map[int32]pidRef),
		chunkSize:  cmp.DefaultChunkSize,
		forkGuard:  DefaultForkGuard,
		exitFd:     events.InvalidSocket,
		logBackend: logBackend,
		log:        logBackend.GetLogger("cluster"),
	}

	if env := os.Getenv(bootstrapEnv); env != "" {
		raw, err := base64.StdEncoding.DecodeString(env)
		if err != nil {
			return nil, fmt.Errorf("cluster: malformed bootstrap: %w", err)
		}
		boot := new(bootstrap)
		if err = cbor.Unmarshal(raw, boot); err != nil {
			return nil, fmt.Errorf("cluster: malformed bootstrap: %w", err)
		}
		c.boot = boot
		c.masterPid = boot.MasterPid
		c.name = boot.Name
		c.transfer = Transfer(boot.Transfer)
		c.cipher = hash.Cipher(boot.Cipher)
		c.method = hash.Method(boot.Method)
		c.password = boot.Password
		c.salt = boot.Salt
		c.chunkSize = boot.ChunkSize
	}
	return c, nil
}

// Master reports whether this process is the cluster master.
func (c *Cluster) Master() bool {
	return c.boot == nil
}

// Wid returns the worker id a child process was launched for; zero in the
// master.
func (c *Cluster) Wid() uint16 {
	if c.boot != nil {
		return c.boot.Wid
	}
	return 0
}

// Core attaches the event base used for IPC multiplexing.
func (c *Cluster) Core(base *events.Base) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.base = base
}

// Init registers a worker class.
func (c *Cluster) Init(wid uint16, count uint16) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, ok := c.workers[wid]; ok {
		return
	}
	c.workers[wid] = &workerUnit{wid: wid, count: c.normalizeCount(count)}
}

func (c *Cluster) normalizeCount(count uint16) uint16 {
	if count == 0 {
		n := runtime.NumCPU() / 2
		if n < 1 {
			n = 1
		}
		return uint16(n)
	}
	return count
}

// Count returns the desired child count of the worker.
func (c *Cluster) Count(wid uint16) uint16 {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if w, ok := c.workers[wid]; ok {
		return w.count
	}
	return 0
}

// SetCount changes the desired child count; zero selects half the
// hardware concurrency with a floor of one.
func (c *Cluster) SetCount(wid uint16, count uint16) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if w, ok := c.workers[wid]; ok {
		w.count = c.normalizeCount(count)
	}
}

// AutoRestart toggles replacement of exited children.
func (c *Cluster) AutoRestart(wid uint16, on bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if w, ok := c.workers[wid]; ok {
		w.autoRestart = on
	}
}

// Restart is a synonym for AutoRestart kept for the configuration surface.
func (c *Cluster) Restart(wid uint16, on bool) {
	c.AutoRestart(wid, on)
}

// Working reports whether the worker currently has live children (in a
// child process: whether the loop is attached).
func (c *Cluster) Working(wid uint16) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if w, ok := c.workers[wid]; ok {
		return w.working
	}
	return false
}

// SetName labels the cluster; the label is carried to children.
func (c *Cluster) SetName(name string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.name = name
}

// Salt sets the CMP ciphering salt.
func (c *Cluster) Salt(salt string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.salt = salt
}

// Password sets the CMP ciphering password.
func (c *Cluster) Password(password string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.password = password
}

// Cipher selects the CMP cipher.
func (c *Cluster) Cipher(cipher hash.Cipher) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.cipher = cipher
}

// Compressor selects the CMP compression method.
func (c *Cluster) Compressor(method hash.Method) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.method = method
}

// Transfer selects the IPC descriptor pair kind.
func (c *Cluster) Transfer(transfer Transfer) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.transfer = transfer
}

// ChunkSize bounds one CMP chunk's raw payload.
func (c *Cluster) ChunkSize(size int) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if size < 1 {
		size = cmp.DefaultChunkSize
	}
	c.chunkSize = size
}

// Bandwidth sizes the kernel socket buffers of IPC transports from rate
// strings of the form "<N>bps|kbps|Mbps|Gbps".
func (c *Cluster) Bandwidth(read, write string) error {
	rcv, err := parseBandwidth(read)
	if err != nil {
		return err
	}
	snd, err := parseBandwidth(write)
	if err != nil {
		return err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.rcvBuf, c.sndBuf = rcv, snd
	return nil
}

// SetForkGuard tunes the anti crash-loop minimum child lifetime.
func (c *Cluster) SetForkGuard(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.forkGuard = d
}

// CallbackMessage installs the message delivery callback.
func (c *Cluster) CallbackMessage(fn func(wid uint16, pid int32, data []byte)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.cbMessage = fn
}

// CallbackProcess installs the child lifecycle callback.
func (c *Cluster) CallbackProcess(fn func(wid uint16, pid int32, event ProcessEvent)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.cbProcess = fn
}

// CallbackExit installs the child exit status callback.
func (c *Cluster) CallbackExit(fn func(wid uint16, pid int32, status int)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.cbExit = fn
}

// CallbackRebase installs the auto restart replacement callback.
func (c *Cluster) CallbackRebase(fn func(wid uint16, newPid, oldPid int32)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.cbRebase = fn
}

// Pids returns the live children of the worker.
func (c *Cluster) Pids(wid uint16) map[int32]struct{} {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	out := make(map[int32]struct{})
	w, ok := c.workers[wid]
	if !ok {
		return out
	}
	for _, b := range w.brokers {
		if b != nil && !b.ended {
			out[b.pid] = struct{}{}
		}
	}
	return out
}

// Start launches the worker: in the master it forks the configured number
// of children, in a child it attaches to the inherited IPC descriptors.
func (c *Cluster) Start(wid uint16) error {
	if !forkSupported {
		return ErrUnsupported
	}

	c.mtx.Lock()
	if c.base == nil {
		c.mtx.Unlock()
		return ErrIllegalState
	}
	if !c.Master() {
		c.mtx.Unlock()
		return c.startChild(wid)
	}
	w, ok := c.workers[wid]
	if !ok {
		c.mtx.Unlock()
		return ErrUnknownWorker
	}
	if w.working {
		c.mtx.Unlock()
		return ErrIllegalState
	}
	count := w.count
	c.mtx.Unlock()

	if err := c.ensureExitUpstream(); err != nil {
		return err
	}
	for i := uint16(0); i < count; i++ {
		if err := c.emplaceChild(wid, 0); err != nil {
			c.log.Critical("failed to spawn child %d of worker %d: %v", i, wid, err)
			c.stopWorker(wid)
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}
	}

	c.mtx.Lock()
	w.working = true
	c.mtx.Unlock()
	return nil
}

// Emplace forks one additional child for the worker.
func (c *Cluster) Emplace(wid uint16) error {
	if !forkSupported {
		return ErrUnsupported
	}
	if !c.Master() {
		return ErrIllegalState
	}
	if err := c.ensureExitUpstream(); err != nil {
		return err
	}
	if err := c.emplaceChild(wid, 0); err != nil {
		return err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if w, ok := c.workers[wid]; ok {
		w.count++
	}
	return nil
}

// EraseChild terminates one child and tears its broker down without a
// replacement.
func (c *Cluster) EraseChild(wid uint16, pid int32) error {
	if !c.Master() {
		return ErrIllegalState
	}

	c.mtx.Lock()
	ref, ok := c.pids[pid]
	if !ok || ref.wid != wid {
		c.mtx.Unlock()
		return ErrUnknownChild
	}
	w := c.workers[wid]
	b := w.brokers[ref.idx]
	b.ended = true
	delete(c.pids, pid)
	if w.count > 0 {
		w.count--
	}
	live := false
	for _, br := range w.brokers {
		if br != nil && !br.ended {
			live = true
			break
		}
	}
	w.working = live
	c.mtx.Unlock()

	c.teardownBroker(b, true)
	c.emitProcess(wid, pid, ProcessStop)
	return nil
}

// Stop terminates the worker's children and detaches them.  In a child
// process it releases the IPC endpoint so control returns to the caller.
func (c *Cluster) Stop(wid uint16) {
	if !c.Master() {
		c.detachChild()
		return
	}
	c.stopWorker(wid)
}

// Close is Stop: the children are terminated and the working latch is
// cleared, while the worker record survives for a later Start.
func (c *Cluster) Close(wid uint16) {
	c.Stop(wid)
}

// CloseAll stops every worker.
func (c *Cluster) CloseAll() {
	c.mtx.Lock()
	wids := make([]uint16, 0, len(c.workers))
	for wid := range c.workers {
		wids = append(wids, wid)
	}
	c.mtx.Unlock()

	for _, wid := range wids {
		c.Stop(wid)
	}
}

// Clear stops every worker and drops the worker records.
func (c *Cluster) Clear() {
	c.CloseAll()

	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.workers = make(map[uint16]*workerUnit)
	c.pids = make(map[int32]pidRef)
}

// Send transmits a message from the master to one child.
func (c *Cluster) Send(wid uint16, pid int32, data []byte) error {
	if !c.Master() {
		return ErrIllegalState
	}

	c.mtx.Lock()
	ref, ok := c.pids[pid]
	if !ok || ref.wid != wid {
		c.mtx.Unlock()
		return ErrUnknownChild
	}
	b := c.workers[wid].brokers[ref.idx]
	c.mid++
	mid := c.mid
	c.mtx.Unlock()

	return c.post(b, mid, data)
}

// Broadcast transmits a message from the master to every child of the
// worker.
func (c *Cluster) Broadcast(wid uint16, data []byte) error {
	if !c.Master() {
		return ErrIllegalState
	}

	c.mtx.Lock()
	w, ok := c.workers[wid]
	if !ok {
		c.mtx.Unlock()
		return ErrUnknownWorker
	}
	targets := make([]*broker, 0, len(w.brokers))
	for _, b := range w.brokers {
		if b != nil && !b.ended {
			targets = append(targets, b)
		}
	}
	c.mid++
	mid := c.mid
	c.mtx.Unlock()

	var first error
	for _, b := range targets {
		if err := c.post(b, mid, data); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SendMaster transmits an empty ping from a child to the master.
func (c *Cluster) SendMaster(wid uint16) error {
	return c.SendMasterData(wid, nil)
}

// SendMasterData transmits a message from a child to the master.
func (c *Cluster) SendMasterData(wid uint16, data []byte) error {
	if c.Master() {
		return ErrIllegalState
	}

	c.mtx.Lock()
	b := c.self
	c.mid++
	mid := c.mid
	c.mtx.Unlock()
	if b == nil {
		return ErrIllegalState
	}

	return c.post(b, mid, data)
}

// post pushes one message onto a broker's encoder and arms write interest.
func (c *Cluster) post(b *broker, mid uint8, data []byte) error {
	if err := b.enc.Push(mid, data); err != nil {
		return err
	}
	instrument.MessageOut()

	c.mtx.Lock()
	armed := b.writing
	if !armed {
		b.writing = true
	}
	base := c.base
	c.mtx.Unlock()

	if !armed {
		if err := b.evWrite.Mode(events.KindWrite, events.Enabled); err != nil {
			return err
		}
	}
	if base != nil {
		base.Kick()
	}
	return nil
}

func (c *Cluster) callbackMessage() func(uint16, int32, []byte) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.cbMessage
}

func (c *Cluster) emitProcess(wid uint16, pid int32, event ProcessEvent) {
	c.mtx.Lock()
	fn := c.cbProcess
	c.mtx.Unlock()
	if fn != nil {
		fn(wid, pid, event)
	}
}

func (c *Cluster) emitExit(wid uint16, pid int32, status int) {
	c.mtx.Lock()
	fn := c.cbExit
	c.mtx.Unlock()
	if fn != nil {
		fn(wid, pid, status)
	}
}

func (c *Cluster) emitRebase(wid uint16, newPid, oldPid int32) {
	c.mtx.Lock()
	fn := c.cbRebase
	c.mtx.Unlock()
	if fn != nil {
		fn(wid, newPid, oldPid)
	}
}

// newEncoder builds a CMP encoder configured with the cluster's codec
// settings.  Callers hold no lock.
func (c *Cluster) newEncoder() *cmp.Encoder {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	enc := cmp.NewEncoder(c.logBackend)
	enc.SetChunkSize(c.chunkSize)
	enc.Cipher(c.cipher)
	enc.Method(c.method)
	enc.Password(c.password)
	enc.Salt(c.salt)
	return enc
}

// newDecoder builds the matching CMP decoder.
func (c *Cluster) newDecoder() *cmp.Decoder {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	dec := cmp.NewDecoder(c.logBackend)
	dec.SetChunkSize(c.chunkSize)
	dec.Password(c.password)
	dec.Salt(c.salt)
	return dec
}
