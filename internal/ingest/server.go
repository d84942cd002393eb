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

package ingest

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"ingestd/internal/queue"
	"ingestd/internal/queue/spill"
	"ingestd/internal/ratelimit"
	"ingestd/internal/telemetry"
)

// sweepInterval is how often the rate limiter's idle per-client windows
// are pruned.
const sweepInterval = 60 * time.Second

// ServerConfig bundles the knobs a CLI layer populates to stand up one
// ingestion server.
type ServerConfig struct {
	Acceptor    AcceptorConfig
	AsyncWriter AsyncWriterConfig
	MaxPerSec   int
}

// DefaultServerConfig wires the reference defaults from every component's
// own Default*Config together behind one constructor, matching the
// teacher's style of layering flag defaults over constructor defaults.
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		Acceptor:    DefaultAcceptorConfig(addr),
		AsyncWriter: DefaultAsyncWriterConfig(),
		MaxPerSec:   ratelimit.DefaultMaxPerSecond,
	}
}

// Server owns the full lifecycle of one ingestion pipeline instance: the
// rate limiter, async writer, queue backend, pipeline, connection handler,
// and acceptor. It mirrors the teacher's Worker in that Start launches
// background goroutines and Stop tears them down in dependency order.
type Server struct {
	cfg      ServerConfig
	log      *zap.Logger
	producer queue.Producer
	limiter  *ratelimit.Limiter
	metrics  *telemetry.Counters
	writer   *AsyncWriter
	pipeline *Pipeline
	acceptor *Acceptor

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup

	runErr chan error
}

// NewServer wires every component together. producer is the already-opened
// queue backend (a *queue.LocalQueue or *queue.BrokerProducer); its
// lifecycle (Close) is still owned by Server once passed in. spillStore is
// optional; when non-nil, the async writer spills records that exhaust
// their retry budget there instead of only dropping them, and periodically
// replays the backlog back through producer.
func NewServer(cfg ServerConfig, producer queue.Producer, metrics *telemetry.Counters, log *zap.Logger, spillStore *spill.Store) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	limiter := ratelimit.New(cfg.MaxPerSec)
	writer := NewAsyncWriter(producer, metrics, log, cfg.AsyncWriter, spillStore)
	pipeline := NewPipeline(limiter, writer, metrics, log)
	handler := NewConnHandler(pipeline.Routes(), log)
	acceptor := NewAcceptor(cfg.Acceptor, handler, log)

	return &Server{
		cfg:       cfg,
		log:       log,
		producer:  producer,
		limiter:   limiter,
		metrics:   metrics,
		writer:    writer,
		pipeline:  pipeline,
		acceptor:  acceptor,
		sweepStop: make(chan struct{}),
		runErr:    make(chan error, 1),
	}
}

// Start launches the rate-limiter sweep loop and the acceptor goroutine
// and returns without waiting for the listener to bind; it always returns
// nil. A bind failure, like any other Run error (e.g. the listener dying
// unexpectedly), surfaces through Wait, not through Start.
func (s *Server) Start() error {
	s.sweepWG.Add(1)
	go s.sweepLoop()

	started := make(chan error, 1)
	go func() {
		started <- nil
		s.runErr <- s.acceptor.Run()
	}()
	<-started

	s.log.Info("ingestion server started",
		zap.String("addr", s.cfg.Acceptor.Addr),
		zap.Int("workers", s.cfg.Acceptor.Workers),
		zap.Int("max_per_second", s.cfg.MaxPerSec))
	return nil
}

// Wait blocks until the acceptor's Run loop returns, which only happens on
// Stop or an unrecoverable listener error.
func (s *Server) Wait() error {
	return <-s.runErr
}

func (s *Server) sweepLoop() {
	defer s.sweepWG.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			removed := s.limiter.Sweep(now)
			if removed > 0 {
				s.log.Debug("rate limiter sweep removed idle clients", zap.Int("removed", removed))
			}
		case <-s.sweepStop:
			return
		}
	}
}

// Stop tears the pipeline down in dependency order: stop accepting new
// connections and let in-flight ones finish, stop the sweep loop, drain
// the async writer, then close the queue backend. It logs an end-of-
// process summary in the spirit of the teacher's PrintFinalMetrics.
func (s *Server) Stop() error {
	s.acceptor.Stop()
	close(s.sweepStop)
	s.sweepWG.Wait()
	s.writer.Close()

	err := s.producer.Close()

	snap := s.metrics.Snapshot()
	s.log.Info("ingestion server stopped",
		zap.Int64("requests_received", snap.RequestsReceived),
		zap.Int64("batches_processed", snap.BatchesProcessed),
		zap.Int64("metrics_accepted", snap.MetricsAccepted),
		zap.Int64("validation_errors", snap.ValidationErrors),
		zap.Int64("rate_limited", snap.RateLimited),
		zap.Int64("queue_full", snap.QueueFull),
		zap.Int64("broker_errors", snap.BrokerErrors),
		zap.Int64("spilled_records", snap.SpilledRecords),
		zap.Int64("replayed_records", snap.ReplayedRecords))

	return err
}

// Acceptor exposes the underlying acceptor for tests that need its Addr()
// or StatsSnapshot().
func (s *Server) Acceptor() *Acceptor { return s.acceptor }
