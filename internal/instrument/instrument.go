// instrument.go - AWH cluster metrics instrumentation.
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

// Package instrument publishes the cluster runtime's Prometheus metrics.
// Exposition is left to the embedding application.
package instrument

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "awh_cluster_messages_out_total",
		Help: "Number of messages pushed onto IPC pipes",
	})
	messagesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "awh_cluster_messages_in_total",
		Help: "Number of messages reassembled off IPC pipes",
	})
	bytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "awh_cluster_bytes_out_total",
		Help: "Wire bytes written to IPC pipes",
	})
	bytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "awh_cluster_bytes_in_total",
		Help: "Wire bytes read from IPC pipes",
	})
	childStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "awh_cluster_child_starts_total",
		Help: "Child processes launched",
	})
	childExits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "awh_cluster_child_exits_total",
		Help: "Child processes reaped",
	})
	childRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "awh_cluster_child_restarts_total",
		Help: "Child processes replaced by auto restart",
	})
)

func init() {
	prometheus.MustRegister(messagesOut)
	prometheus.MustRegister(messagesIn)
	prometheus.MustRegister(bytesOut)
	prometheus.MustRegister(bytesIn)
	prometheus.MustRegister(childStarts)
	prometheus.MustRegister(childExits)
	prometheus.MustRegister(childRestarts)
}

// MessageOut counts one outgoing message.
func MessageOut() { messagesOut.Inc() }

// MessageIn counts one reassembled incoming message.
func MessageIn() { messagesIn.Inc() }

// BytesOut counts wire bytes written.
func BytesOut(n int) { bytesOut.Add(float64(n)) }

// BytesIn counts wire bytes read.
func BytesIn(n int) { bytesIn.Add(float64(n)) }

// ChildStart counts one child launch.
func ChildStart() { childStarts.Inc() }

// ChildExit counts one child reap.
func ChildExit() { childExits.Inc() }

// ChildRestart counts one auto restart replacement.
func ChildRestart() { childRestarts.Inc() }
