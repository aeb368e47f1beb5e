// ipc_unix.go - AWH cluster runtime, POSIX process and pipe plumbing.
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

package cluster

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"

	"github.com/anyks/awh/events"
	"github.com/anyks/awh/internal/instrument"
	"github.com/anyks/awh/socket"
)

const forkSupported = true

// errAgain tags a non-fatal would-block condition on a pipe.
var errAgain = errors.New("cluster: would block")

// ioPair allocates one child's descriptor pairs.  mfds carries
// child-to-master traffic (master reads mfds[0]); cfds carries
// master-to-child traffic (master writes cfds[1]).
func ioPair(t Transfer) (mfds, cfds [2]int, err error) {
	mfds = [2]int{events.InvalidSocket, events.InvalidSocket}
	cfds = [2]int{events.InvalidSocket, events.InvalidSocket}

	make2 := func() ([2]int, error) {
		if t == TransferIPC {
			fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
			if err != nil {
				return [2]int{}, err
			}
			return [2]int{fds[0], fds[1]}, nil
		}
		var p [2]int
		if err := unix.Pipe(p[:]); err != nil {
			return [2]int{}, err
		}
		return p, nil
	}

	if mfds, err = make2(); err != nil {
		return mfds, cfds, err
	}
	if cfds, err = make2(); err != nil {
		closePair(mfds)
		return mfds, cfds, err
	}
	for _, fd := range []int{mfds[0], mfds[1], cfds[0], cfds[1]} {
		unix.CloseOnExec(fd)
	}
	return mfds, cfds, nil
}

func closePair(fds [2]int) {
	closeFd(fds[0])
	closeFd(fds[1])
}

func closeFd(fd int) {
	if fd != events.InvalidSocket {
		unix.Close(fd)
	}
}

func fdRead(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errAgain
		default:
			return 0, err
		}
	}
}

func fdWrite(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errAgain
		default:
			return 0, err
		}
	}
}

// exitStatus folds a reaped process state into one status integer: the
// terminating signal number when signalled, the exit code otherwise.
func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return int(ws.Signal())
	}
	return ps.ExitCode()
}

func packExit(pid int32, status int) uint64 {
	return uint64(uint32(pid))<<32 | uint64(uint32(int32(status)))
}

func unpackExit(payload uint64) (int32, int) {
	return int32(uint32(payload >> 32)), int(int32(uint32(payload)))
}

// ensureExitUpstream installs the supervision ingress: child exits are
// observed by per-child Wait goroutines and injected into the base's loop
// through this slot.
func (c *Cluster) ensureExitUpstream() error {
	c.mtx.Lock()
	if c.exitFd != events.InvalidSocket {
		c.mtx.Unlock()
		return nil
	}
	base := c.base
	c.mtx.Unlock()
	if base == nil {
		return ErrIllegalState
	}

	fd, err := base.ActivationUpstream(func(payload uint64) {
		pid, status := unpackExit(payload)
		c.processExit(pid, status)
	})
	if err != nil {
		return err
	}

	c.mtx.Lock()
	c.exitFd = fd
	c.mtx.Unlock()
	return nil
}

// emplaceChild launches one worker process.  A non-zero oldPid marks this
// as an auto restart replacement and fires the rebase callback.
func (c *Cluster) emplaceChild(wid uint16, oldPid int32) error {
	c.mtx.Lock()
	w, ok := c.workers[wid]
	if !ok {
		c.mtx.Unlock()
		return ErrUnknownWorker
	}
	boot := bootstrap{
		Wid:       wid,
		MasterPid: c.masterPid,
		Name:      c.name,
		Transfer:  uint8(c.transfer),
		Cipher:    uint8(c.cipher),
		Method:    uint8(c.method),
		Password:  c.password,
		Salt:      c.salt,
		ChunkSize: c.chunkSize,
	}
	transfer := c.transfer
	rcvBuf, sndBuf := c.rcvBuf, c.sndBuf
	base := c.base
	c.mtx.Unlock()

	mfds, cfds, err := ioPair(transfer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}

	exe, err := os.Executable()
	if err != nil {
		closePair(mfds)
		closePair(cfds)
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	raw, err := cbor.Marshal(&boot)
	if err != nil {
		closePair(mfds)
		closePair(cfds)
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), bootstrapEnv+"="+base64.StdEncoding.EncodeToString(raw))
	childR := os.NewFile(uintptr(cfds[0]), "cluster-child-r")
	childW := os.NewFile(uintptr(mfds[1]), "cluster-child-w")
	cmd.ExtraFiles = []*os.File{childR, childW}
	cmd.Stdout = os.Stdout
	cmd.Stderr = c.logBackend.GetLogWriter(fmt.Sprintf("cluster/worker-%d", wid), "DEBUG")

	if err = cmd.Start(); err != nil {
		childR.Close()
		childW.Close()
		closeFd(mfds[0])
		closeFd(cfds[1])
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	// The child owns its inherited copies now.
	childR.Close()
	childW.Close()

	pid := int32(cmd.Process.Pid)
	for _, fd := range []int{mfds[0], cfds[1]} {
		if err := socket.SetNonBlocking(fd, true); err != nil {
			c.log.Warningf("child %d: %v", pid, err)
		}
	}
	if transfer == TransferIPC {
		if rcvBuf > 0 {
			if err := socket.SetRcvBuf(mfds[0], rcvBuf); err != nil {
				c.log.Warningf("child %d: %v", pid, err)
			}
		}
		if sndBuf > 0 {
			if err := socket.SetSndBuf(cfds[1], sndBuf); err != nil {
				c.log.Warningf("child %d: %v", pid, err)
			}
		}
	}

	b := &broker{
		pid:  pid,
		date: time.Now(),
		rfd:  mfds[0],
		wfd:  cfds[1],
		cmd:  cmd,
		enc:  c.newEncoder(),
		dec:  c.newDecoder(),
	}
	if err = c.attachBroker(wid, b, base); err != nil {
		c.teardownBroker(b, true)
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}

	c.mtx.Lock()
	idx := -1
	for i, old := range w.brokers {
		if old == nil || old.ended {
			idx = i
			break
		}
	}
	if idx >= 0 {
		w.brokers[idx] = b
	} else {
		idx = len(w.brokers)
		w.brokers = append(w.brokers, b)
	}
	c.pids[pid] = pidRef{wid: wid, idx: idx}
	w.working = true
	c.mtx.Unlock()

	instrument.ChildStart()
	c.emitProcess(wid, pid, ProcessStart)
	if oldPid > 0 {
		instrument.ChildRestart()
		c.emitRebase(wid, pid, oldPid)
	}

	c.Go(func() {
		err := cmd.Wait()
		status := exitStatus(cmd.ProcessState)
		if err != nil && cmd.ProcessState == nil {
			c.log.Errorf("wait on child %d failed: %v", pid, err)
			status = -1
		}
		c.mtx.Lock()
		exitFd := c.exitFd
		base := c.base
		c.mtx.Unlock()
		if base != nil && exitFd != events.InvalidSocket {
			if err := base.Upstream(exitFd, packExit(pid, status)); err != nil {
				c.log.Errorf("failed to report exit of child %d: %v", pid, err)
			}
		}
	})
	return nil
}

// attachBroker installs the broker's readiness handles on the base.
func (c *Cluster) attachBroker(wid uint16, b *broker, base *events.Base) error {
	b.evRead = events.NewEvent(events.KindEvent)
	b.evRead.SetFd(b.rfd)
	b.evRead.SetBase(base)
	b.evRead.SetCallback(func(fd int, kind events.Kind) {
		c.brokerIO(wid, b, kind)
	})
	if err := b.evRead.Start(); err != nil {
		return err
	}
	if err := b.evRead.Mode(events.KindRead, events.Enabled); err != nil {
		return err
	}
	if err := b.evRead.Mode(events.KindClose, events.Enabled); err != nil {
		return err
	}

	b.evWrite = events.NewEvent(events.KindEvent)
	b.evWrite.SetFd(b.wfd)
	b.evWrite.SetBase(base)
	b.evWrite.SetCallback(func(fd int, kind events.Kind) {
		c.brokerIO(wid, b, kind)
	})
	if err := b.evWrite.Start(); err != nil {
		return err
	}
	return nil
}

// teardownBroker quiesces a broker: handles stopped, descriptors closed,
// optionally a SIGTERM to the process.
func (c *Cluster) teardownBroker(b *broker, term bool) {
	if b.evRead != nil {
		b.evRead.Stop()
	}
	if b.evWrite != nil {
		b.evWrite.Stop()
	}
	closeFd(b.rfd)
	closeFd(b.wfd)
	b.rfd, b.wfd = events.InvalidSocket, events.InvalidSocket
	if term && b.cmd != nil && b.cmd.Process != nil {
		if err := b.cmd.Process.Signal(unix.SIGTERM); err != nil && err != os.ErrProcessDone {
			c.log.Warningf("signalling child %d: %v", b.pid, err)
		}
	}
}

// stopWorker quiesces every child of the worker deliberately: exits
// observed afterwards bypass the supervision policy.
func (c *Cluster) stopWorker(wid uint16) {
	c.mtx.Lock()
	w, ok := c.workers[wid]
	if !ok {
		c.mtx.Unlock()
		return
	}
	brokers := w.brokers
	w.brokers = nil
	w.working = false
	var pids []int32
	for _, b := range brokers {
		if b != nil && !b.ended {
			b.ended = true
			delete(c.pids, b.pid)
			pids = append(pids, b.pid)
		}
	}
	c.mtx.Unlock()

	for _, b := range brokers {
		if b != nil {
			c.teardownBroker(b, true)
		}
	}
	for _, pid := range pids {
		c.emitProcess(wid, pid, ProcessStop)
	}
}

// processExit handles one reaped child on the base's loop goroutine.
func (c *Cluster) processExit(pid int32, status int) {
	c.mtx.Lock()
	ref, ok := c.pids[pid]
	if !ok {
		// Deliberately stopped or erased; nothing to supervise.
		c.mtx.Unlock()
		return
	}
	delete(c.pids, pid)
	w := c.workers[ref.wid]
	b := w.brokers[ref.idx]
	b.ended = true
	auto := w.autoRestart
	life := time.Since(b.date)
	guard := c.forkGuard
	live := false
	for _, br := range w.brokers {
		if br != nil && !br.ended {
			live = true
			break
		}
	}
	w.working = live
	c.mtx.Unlock()

	c.teardownBroker(b, false)
	instrument.ChildExit()
	c.emitExit(ref.wid, pid, status)
	c.emitProcess(ref.wid, pid, ProcessStop)

	if status == int(unix.SIGINT) || life < guard {
		c.log.Critical("child %d of worker %d ended with status %d after %v, aborting cluster",
			pid, ref.wid, status, life)
		c.CloseAll()
		return
	}
	if auto {
		if err := c.emplaceChild(ref.wid, pid); err != nil {
			c.log.Critical("failed to replace child %d of worker %d: %v", pid, ref.wid, err)
		}
	}
}

// brokerIO is the per-broker readiness dispatcher for both sides.
func (c *Cluster) brokerIO(wid uint16, b *broker, kind events.Kind) {
	if !c.Master() {
		// Zombie detection: a child whose master vanished stops itself.
		if os.Getppid() != int(c.masterPid) {
			c.log.Critical("master %d is gone, worker exits", c.masterPid)
			c.childAbort()
			return
		}
	}

	switch kind {
	case events.KindRead:
		c.pumpRead(wid, b)
	case events.KindWrite:
		c.pumpWrite(wid, b)
	case events.KindClose:
		c.lostPeer(wid, b)
	}
}

// pumpRead drains the receive descriptor into the broker's decoder and
// delivers every fully reassembled message.
func (c *Cluster) pumpRead(wid uint16, b *broker) {
	for {
		n, err := fdRead(b.rfd, c.staging[:])
		if n > 0 {
			instrument.BytesIn(n)
			if perr := b.dec.Push(c.staging[:n]); perr != nil {
				c.log.Warningf("worker %d pipe damaged: %v", wid, perr)
			}
			continue
		}
		if err == errAgain {
			break
		}
		if err != nil {
			c.log.Errorf("worker %d read: %v", wid, err)
		}
		c.lostPeer(wid, b)
		return
	}

	for {
		msg, ok := b.dec.Get()
		if !ok {
			break
		}
		b.dec.Pop()
		instrument.MessageIn()
		if fn := c.callbackMessage(); fn != nil {
			fn(wid, msg.Pid, msg.Data)
		}
	}
}

// pumpWrite drains the broker's encoder into the send descriptor and
// disarms write interest once empty.
func (c *Cluster) pumpWrite(wid uint16, b *broker) {
	for {
		data := b.enc.Data()
		if len(data) == 0 {
			break
		}
		n, err := fdWrite(b.wfd, data)
		if n > 0 {
			instrument.BytesOut(n)
			b.enc.Erase(n)
			continue
		}
		if err == errAgain {
			return
		}
		c.log.Errorf("worker %d write: %v", wid, err)
		c.lostPeer(wid, b)
		return
	}

	c.mtx.Lock()
	b.writing = false
	c.mtx.Unlock()
	if err := b.evWrite.Mode(events.KindWrite, events.Disabled); err != nil && err != events.ErrNotRegistered {
		c.log.Warningf("worker %d disarm write: %v", wid, err)
	}
}

// lostPeer handles a closed pipe: the master quiesces the broker and lets
// the Wait goroutine drive the supervision policy, a child stops itself.
func (c *Cluster) lostPeer(wid uint16, b *broker) {
	if !c.Master() {
		c.log.Critical("lost the master, worker %d exits", wid)
		c.childAbort()
		return
	}

	c.mtx.Lock()
	ended := b.ended
	c.mtx.Unlock()
	if !ended {
		c.log.Warningf("lost child %d of worker %d", b.pid, wid)
		c.teardownBroker(b, false)
	}
}

// childAbort terminates a worker process that lost its master.
func (c *Cluster) childAbort() {
	c.detachChild()
	os.Exit(1)
}

// startChild attaches a worker process to the descriptors inherited from
// the master: fd 3 carries master-to-child, fd 4 child-to-master.
func (c *Cluster) startChild(wid uint16) error {
	if c.boot == nil || c.boot.Wid != wid {
		return ErrUnknownWorker
	}

	c.mtx.Lock()
	if c.self != nil {
		c.mtx.Unlock()
		return ErrIllegalState
	}
	base := c.base
	c.mtx.Unlock()

	const rfd, wfd = 3, 4
	for _, fd := range []int{rfd, wfd} {
		if err := socket.SetNonBlocking(fd, true); err != nil {
			return err
		}
	}

	b := &broker{
		pid:  c.masterPid,
		date: time.Now(),
		rfd:  rfd,
		wfd:  wfd,
		enc:  c.newEncoder(),
		dec:  c.newDecoder(),
	}
	if err := c.attachBroker(wid, b, base); err != nil {
		c.teardownBroker(b, false)
		return err
	}

	c.mtx.Lock()
	c.self = b
	w, ok := c.workers[wid]
	if !ok {
		w = &workerUnit{wid: wid, count: 1}
		c.workers[wid] = w
	}
	w.working = true
	c.mtx.Unlock()
	return nil
}

// detachChild releases the child side endpoint so control returns to the
// caller's loop.
func (c *Cluster) detachChild() {
	c.mtx.Lock()
	b := c.self
	c.self = nil
	for _, w := range c.workers {
		w.working = false
	}
	c.mtx.Unlock()

	if b != nil {
		c.teardownBroker(b, false)
	}
}
