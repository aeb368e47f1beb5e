// ping.go - AWH cluster ping demo.
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

// The ping tool spawns a worker pool and measures CMP round trips: the
// master broadcasts a payload once a second, every worker echoes it back.
// The same binary runs master and workers.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anyks/awh/cluster"
	"github.com/anyks/awh/core/log"
	"github.com/anyks/awh/events"
	"github.com/anyks/awh/hash"
)

const wid = 1

func parseCipher(s string) hash.Cipher {
	switch s {
	case "aes128":
		return hash.CipherAES128
	case "aes192":
		return hash.CipherAES192
	case "aes256":
		return hash.CipherAES256
	case "base64":
		return hash.CipherBase64
	}
	return hash.CipherNone
}

func parseMethod(s string) hash.Method {
	switch s {
	case "gzip":
		return hash.MethodGzip
	case "deflate":
		return hash.MethodDeflate
	case "bzip2":
		return hash.MethodBzip2
	case "brotli":
		return hash.MethodBrotli
	case "lz4":
		return hash.MethodLz4
	case "lzma":
		return hash.MethodLzma
	case "zstd":
		return hash.MethodZstd
	}
	return hash.MethodNone
}

func main() {
	var (
		workers  = flag.Int("workers", 2, "worker process count (0 selects half the cores)")
		count    = flag.Int("count", 10, "ping rounds before exiting")
		cipherS  = flag.String("cipher", "none", "cipher: none|base64|aes128|aes192|aes256")
		methodS  = flag.String("method", "none", "compressor: none|gzip|deflate|bzip2|brotli|lz4|lzma|zstd")
		password = flag.String("password", "", "cipher password")
		salt     = flag.String("salt", "", "cipher salt")
		ipc      = flag.Bool("ipc", false, "use socketpair transport instead of pipes")
		level    = flag.String("log-level", "NOTICE", "log level")
	)
	flag.Parse()

	logBackend, err := log.New("", *level, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	base, err := events.NewBase(logBackend, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize event base: %v\n", err)
		os.Exit(1)
	}

	c, err := cluster.NewCluster(logBackend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize cluster: %v\n", err)
		os.Exit(1)
	}
	c.Core(base)
	c.SetName("ping")
	c.Cipher(parseCipher(*cipherS))
	c.Compressor(parseMethod(*methodS))
	c.Password(*password)
	c.Salt(*salt)
	if *ipc {
		c.Transfer(cluster.TransferIPC)
	}
	c.Init(wid, uint16(*workers))

	if c.Master() {
		runMaster(base, c, *count)
	} else {
		runWorker(base, c)
	}
}

func runMaster(base *events.Base, c *cluster.Cluster, count int) {
	var sent, received uint64

	c.CallbackMessage(func(w uint16, pid int32, data []byte) {
		n := atomic.AddUint64(&received, 1)
		fmt.Printf("pong %d from %d (%d bytes)\n", n, pid, len(data))
	})
	c.CallbackProcess(func(w uint16, pid int32, event cluster.ProcessEvent) {
		if event == cluster.ProcessStart {
			fmt.Printf("worker %d started\n", pid)
		} else {
			fmt.Printf("worker %d stopped\n", pid)
		}
	})
	c.CallbackExit(func(w uint16, pid int32, status int) {
		fmt.Printf("worker %d exited with status %d\n", pid, status)
	})
	c.CallbackRebase(func(w uint16, newPid, oldPid int32) {
		fmt.Printf("worker %d replaced %d\n", newPid, oldPid)
	})

	if err := c.Start(wid); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start workers: %v\n", err)
		os.Exit(1)
	}

	// A persistent timer on the base drives the ping cadence.
	ticker := events.NewEvent(events.KindTimerHandle)
	ticker.SetBase(base)
	ticker.Timeout(time.Second, true)
	ticker.SetCallback(func(fd int, kind events.Kind) {
		if int(atomic.AddUint64(&sent, 1)) > count {
			base.Stop()
			return
		}
		payload := []byte(fmt.Sprintf("ping %d", atomic.LoadUint64(&sent)))
		if err := c.Broadcast(wid, payload); err != nil {
			fmt.Fprintf(os.Stderr, "broadcast failed: %v\n", err)
		}
	})
	if err := ticker.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to arm ping timer: %v\n", err)
		os.Exit(1)
	}
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		base.Stop()
	}()

	base.Start()
	c.CloseAll()
	base.Close()
	fmt.Printf("done: %d pings broadcast, %d pongs received\n",
		atomic.LoadUint64(&sent)-1, atomic.LoadUint64(&received))
}

func runWorker(base *events.Base, c *cluster.Cluster) {
	c.CallbackMessage(func(w uint16, pid int32, data []byte) {
		if err := c.SendMasterData(w, data); err != nil {
			fmt.Fprintf(os.Stderr, "echo failed: %v\n", err)
		}
	})

	if err := c.Start(wid); err != nil {
		fmt.Fprintf(os.Stderr, "failed to attach worker: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "worker %d terminating on %v\n", os.Getpid(), sig)
		base.Stop()
	}()

	base.Start()
	c.Stop(wid)
	base.Close()
}
