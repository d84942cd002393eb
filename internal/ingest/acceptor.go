// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingest implements the network acceptor, worker pool, and
// per-connection HTTP/1.1 request loop that front the ingestion pipeline.
package ingest

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// listenBacklog is the minimum listen backlog this service is designed
// around. Run does not pass it to the kernel; net.Listen uses the
// platform's own backlog setting.
const listenBacklog = 1024

// AcceptorConfig configures the acceptor and its worker pool.
type AcceptorConfig struct {
	Addr string
	// Workers is the fixed worker pool size.
	Workers int
	// QueueDepth bounds the FIFO of accepted sockets waiting for a free
	// worker. When full, the acceptor blocks on enqueue — natural
	// backpressure, not a drop.
	QueueDepth int
}

// DefaultAcceptorConfig matches the reference defaults: 16 workers and a
// queue depth equal to the worker count so a burst can outrun the pool
// briefly without the kernel's own accept backlog absorbing it instead.
func DefaultAcceptorConfig(addr string) AcceptorConfig {
	return AcceptorConfig{Addr: addr, Workers: 16, QueueDepth: 16}
}

// Acceptor owns the listening socket. Its only job is to accept
// connections and hand them to the worker pool; it never performs
// request I/O itself.
type Acceptor struct {
	cfg     AcceptorConfig
	handler *ConnHandler
	log     *zap.Logger

	listener net.Listener
	sockets  chan net.Conn

	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}

	totalAccepted atomic.Int64
	activeWorkers atomic.Int64
	handledConns  atomic.Int64
}

// NewAcceptor constructs an Acceptor that dispatches accepted connections
// to handler. It does not start listening until Run is called.
func NewAcceptor(cfg AcceptorConfig, handler *ConnHandler, log *zap.Logger) *Acceptor {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Workers
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Acceptor{
		cfg:     cfg,
		handler: handler,
		log:     log,
		sockets: make(chan net.Conn, cfg.QueueDepth),
		stopCh:  make(chan struct{}),
	}
}

// Run opens the listening socket, starts the worker pool, and blocks
// accepting connections until Stop is called or the listener errors.
func (a *Acceptor) Run() error {
	// net.Listen's backlog is platform-managed; listenBacklog documents
	// the minimum this service is designed around rather than setting it
	// directly, since doing so portably requires a raw syscall.
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.running.Store(true)

	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !a.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.log.Warn("accept failed", zap.Error(err))
			continue
		}
		a.totalAccepted.Add(1)

		select {
		case a.sockets <- conn:
		case <-a.stopCh:
			_ = conn.Close()
			return nil
		}
	}
}

func (a *Acceptor) worker() {
	defer a.wg.Done()
	for {
		select {
		case conn, ok := <-a.sockets:
			if !ok {
				return
			}
			a.activeWorkers.Add(1)
			a.handledConns.Add(1)
			a.handler.Handle(conn)
			a.activeWorkers.Add(-1)
		case <-a.stopCh:
			return
		}
	}
}

// Stop closes the listener (unblocking Accept) and waits for in-flight
// workers to finish their current connection before returning.
func (a *Acceptor) Stop() {
	a.running.Store(false)
	close(a.stopCh)
	if a.listener != nil {
		_ = a.listener.Close()
	}
	a.wg.Wait()
}

// Addr reports the listener's bound address. Useful when Addr was ":0".
func (a *Acceptor) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stats is a small diagnostic snapshot; not part of the JSON /metrics
// contract, which lives in package telemetry.
type Stats struct {
	TotalAccepted int64
	HandledConns  int64
	ActiveWorkers int64
	QueueDepth    int
}

func (a *Acceptor) StatsSnapshot() Stats {
	return Stats{
		TotalAccepted: a.totalAccepted.Load(),
		HandledConns:  a.handledConns.Load(),
		ActiveWorkers: a.activeWorkers.Load(),
		QueueDepth:    len(a.sockets),
	}
}
