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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ingestd/internal/ingesterr"
	"ingestd/internal/queue"
	"ingestd/internal/queue/spill"
	"ingestd/internal/telemetry"
)

// unhealthyAfter is the number of consecutive dropped records (exhausted
// retry budget) after which the writer reports itself unhealthy, so the
// health endpoint can degrade to 503 per the fatal-backend-error policy.
const unhealthyAfter = 5

// spillReplayInterval is how often the writer attempts to flush the spill
// backlog back into the configured producer.
const spillReplayInterval = 30 * time.Second

// AsyncWriteTask is a pending (batch, client identifier) pair queued for
// background write. It is created by a worker upon successful validation,
// owned by the async-writer queue, and destroyed after the write attempt
// regardless of outcome.
type AsyncWriteTask struct {
	ClientID string
	Payload  []byte
}

// AsyncWriterConfig controls queueing and retry behavior.
type AsyncWriterConfig struct {
	// QueueCapacity bounds the in-memory task queue.
	QueueCapacity int
	// ProducerTimeout bounds how long Enqueue waits for a free slot
	// before reporting backpressure to the caller.
	ProducerTimeout time.Duration
	// RetryBackoff is the poll interval used between produce retries on
	// a transient backend error.
	RetryBackoff time.Duration
	// RetryBudget bounds how many retries a single task gets before it
	// is dropped.
	RetryBudget int
}

// DefaultAsyncWriterConfig matches the reference defaults: an 8192-deep
// queue, a 50ms producer timeout, and a 10ms/5-attempt retry budget on
// transient backend errors.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		QueueCapacity:   8192,
		ProducerTimeout: 50 * time.Millisecond,
		RetryBackoff:    10 * time.Millisecond,
		RetryBudget:     5,
	}
}

// AsyncWriter is the single dedicated writer thread that drains validated
// batches from a bounded in-memory queue into the selected queue.Producer.
// Exactly one goroutine calls Produce, so per-client partition ordering
// follows enqueue order.
type AsyncWriter struct {
	producer queue.Producer
	metrics  *telemetry.Counters
	log      *zap.Logger
	cfg      AsyncWriterConfig
	spill    *spill.Store

	tasks chan AsyncWriteTask

	consecutiveFailures atomic.Int64
	spillSeq            atomic.Int64

	stopOnce     sync.Once
	stopCh       chan struct{}
	doneCh       chan struct{}
	replayDoneCh chan struct{}
}

// NewAsyncWriter starts the writer goroutine immediately. Call Close to
// drain and stop it. spillStore is optional; when non-nil, records that
// exhaust the retry budget are spilled there instead of only being
// logged and dropped, and a background loop periodically attempts to
// replay the backlog back through producer.
func NewAsyncWriter(producer queue.Producer, metrics *telemetry.Counters, log *zap.Logger, cfg AsyncWriterConfig, spillStore *spill.Store) *AsyncWriter {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 8192
	}
	if cfg.ProducerTimeout <= 0 {
		cfg.ProducerTimeout = 50 * time.Millisecond
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5
	}
	if log == nil {
		log = zap.NewNop()
	}

	w := &AsyncWriter{
		producer: producer,
		metrics:  metrics,
		log:      log,
		cfg:      cfg,
		spill:    spillStore,
		tasks:    make(chan AsyncWriteTask, cfg.QueueCapacity),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	if spillStore != nil {
		w.replayDoneCh = make(chan struct{})
		go w.replayLoop()
	}
	return w
}

// Enqueue offers task to the writer queue, waiting up to the configured
// producer timeout for a free slot. It reports queue saturation rather
// than blocking indefinitely, so a worker can turn it into a 503 without
// holding its connection hostage.
func (w *AsyncWriter) Enqueue(task AsyncWriteTask) error {
	select {
	case <-w.stopCh:
		return ingesterr.ErrWriterClosed
	default:
	}

	timer := time.NewTimer(w.cfg.ProducerTimeout)
	defer timer.Stop()

	select {
	case w.tasks <- task:
		return nil
	case <-timer.C:
		return ingesterr.ErrQueueFull
	case <-w.stopCh:
		return ingesterr.ErrWriterClosed
	}
}

func (w *AsyncWriter) run() {
	defer close(w.doneCh)
	for {
		select {
		case task := <-w.tasks:
			w.process(task)
		case <-w.stopCh:
			w.drain()
			return
		}
	}
}

// drain processes whatever remains in the queue without blocking on new
// arrivals, so shutdown does not silently discard accepted work.
func (w *AsyncWriter) drain() {
	for {
		select {
		case task := <-w.tasks:
			w.process(task)
		default:
			return
		}
	}
}

func (w *AsyncWriter) process(task AsyncWriteTask) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= w.cfg.RetryBudget; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := w.producer.Produce(ctx, task.ClientID, task.Payload)
		cancel()
		if err == nil {
			w.metrics.ProduceLatency(time.Since(start))
			w.consecutiveFailures.Store(0)
			return
		}
		lastErr = err
		if attempt < w.cfg.RetryBudget {
			time.Sleep(w.cfg.RetryBackoff)
		}
	}
	w.metrics.BrokerError()
	w.consecutiveFailures.Add(1)
	w.log.Warn("dropped queue record after exhausting retry budget",
		zap.String("client_id", task.ClientID), zap.Error(lastErr))

	if w.spill == nil {
		return
	}
	rec := spill.Record{
		ID:      fmt.Sprintf("%s-%d-%d", task.ClientID, start.UnixNano(), w.spillSeq.Add(1)),
		Key:     task.ClientID,
		Payload: task.Payload,
		SpiltAt: time.Now().UnixMilli(),
	}
	if err := w.spill.Spill(context.Background(), rec); err != nil {
		w.log.Error("failed to spill dropped record", zap.String("client_id", task.ClientID), zap.Error(err))
		return
	}
	w.metrics.Spilled()
}

// replayLoop periodically attempts to flush the spill backlog back
// through producer, on a fixed interval and once more on shutdown before
// Close returns.
func (w *AsyncWriter) replayLoop() {
	defer close(w.replayDoneCh)
	ticker := time.NewTicker(spillReplayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.replayOnce()
		case <-w.stopCh:
			w.replayOnce()
			return
		}
	}
}

func (w *AsyncWriter) replayOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := w.spill.Replay(ctx, func(ctx context.Context, rec spill.Record) error {
		_, _, err := w.producer.Produce(ctx, rec.Key, rec.Payload)
		return err
	})
	if err != nil {
		w.log.Warn("spill replay pass failed", zap.Error(err))
	}
	w.metrics.Replayed(n)
}

// Healthy reports false once unhealthyAfter consecutive records have been
// dropped, signaling the health endpoint to degrade to 503 per the
// fatal-backend-error policy.
func (w *AsyncWriter) Healthy() bool {
	return w.consecutiveFailures.Load() < unhealthyAfter
}

// Close stops accepting state transitions for new goroutines, drains the
// remaining queue synchronously, and returns once the writer goroutine
// has exited.
func (w *AsyncWriter) Close() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
	if w.replayDoneCh != nil {
		<-w.replayDoneCh
	}
}

// QueueDepth reports the current number of tasks buffered. Intended for
// diagnostics.
func (w *AsyncWriter) QueueDepth() int {
	return len(w.tasks)
}
