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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ingestd/internal/ingesterr"
	"ingestd/internal/queue/spill"
	"ingestd/internal/telemetry"
)

// fakeEvaler is an in-memory stand-in for spill.Evaler, enough to drive a
// real spill.Store without a Redis instance.
type fakeEvaler struct {
	mu      sync.Mutex
	backlog [][]byte
	markers map[string]bool
}

func newFakeEvaler() *fakeEvaler { return &fakeEvaler{markers: make(map[string]bool)} }

func (f *fakeEvaler) RPush(_ context.Context, _ string, values ...interface{}) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.backlog = append(f.backlog, v.([]byte))
	}
	return int64(len(f.backlog)), nil
}

// Eval distinguishes the pop script from the mark-replayed script by
// argument shape: the pop script is called with no variadic args, the
// mark-replayed script always carries the marker TTL as its one arg.
func (f *fakeEvaler) Eval(_ context.Context, _ string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(args) == 0 {
		if len(f.backlog) == 0 {
			return nil, nil
		}
		popped := f.backlog[0]
		f.backlog = f.backlog[1:]
		return string(popped), nil
	}

	key := keys[0]
	if f.markers[key] {
		return int64(0), nil
	}
	f.markers[key] = true
	return int64(1), nil
}

// fakeProducer is a queue.Producer test double whose Produce behavior is
// driven by the test: it can block, fail a fixed number of times, or
// always succeed while recording every call it saw.
type fakeProducer struct {
	mu        sync.Mutex
	calls     []string
	failTimes int32 // number of leading Produce calls that return an error
	block     chan struct{}
}

func (f *fakeProducer) Produce(ctx context.Context, key string, payload []byte) (int, uint64, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, key)
	n := len(f.calls)
	f.mu.Unlock()

	if int32(n) <= atomic.LoadInt32(&f.failTimes) {
		return 0, 0, errors.New("synthetic transient failure")
	}
	return 0, uint64(n - 1), nil
}

func (f *fakeProducer) Close() error { return nil }

func (f *fakeProducer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestMetrics() *telemetry.Counters {
	return telemetry.New(prometheus.NewRegistry())
}

func TestAsyncWriter_EnqueueThenProcess(t *testing.T) {
	fp := &fakeProducer{}
	w := NewAsyncWriter(fp, newTestMetrics(), nil, DefaultAsyncWriterConfig(), nil)
	defer w.Close()

	if err := w.Enqueue(AsyncWriteTask{ClientID: "c1", Payload: []byte("x")}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for fp.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fp.callCount() != 1 {
		t.Fatalf("expected producer to be called once, got %d", fp.callCount())
	}
}

func TestAsyncWriter_RetriesThenSucceeds(t *testing.T) {
	fp := &fakeProducer{failTimes: 2}
	cfg := DefaultAsyncWriterConfig()
	cfg.RetryBackoff = time.Millisecond
	w := NewAsyncWriter(fp, newTestMetrics(), nil, cfg, nil)
	defer w.Close()

	if err := w.Enqueue(AsyncWriteTask{ClientID: "c1", Payload: []byte("x")}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for fp.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fp.callCount() != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", fp.callCount())
	}
}

func TestAsyncWriter_DropsAfterExhaustingRetryBudget(t *testing.T) {
	fp := &fakeProducer{failTimes: 1000}
	cfg := DefaultAsyncWriterConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBudget = 2
	metrics := newTestMetrics()
	w := NewAsyncWriter(fp, metrics, nil, cfg, nil)
	defer w.Close()

	if err := w.Enqueue(AsyncWriteTask{ClientID: "c1", Payload: []byte("x")}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for fp.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fp.callCount() != 3 { // initial attempt + 2 retries
		t.Fatalf("expected 3 attempts, got %d", fp.callCount())
	}
	if metrics.Snapshot().BrokerErrors != 1 {
		t.Fatalf("expected 1 broker error recorded, got %d", metrics.Snapshot().BrokerErrors)
	}
}

func TestAsyncWriter_EnqueueReturnsErrQueueFullWhenSaturated(t *testing.T) {
	fp := &fakeProducer{block: make(chan struct{})} // never unblocks
	cfg := DefaultAsyncWriterConfig()
	cfg.QueueCapacity = 1
	cfg.ProducerTimeout = 10 * time.Millisecond
	w := NewAsyncWriter(fp, newTestMetrics(), nil, cfg, nil)
	defer func() {
		close(fp.block)
		w.Close()
	}()

	// First task occupies the single writer goroutine (blocked in Produce).
	if err := w.Enqueue(AsyncWriteTask{ClientID: "c1", Payload: []byte("x")}); err != nil {
		t.Fatalf("unexpected error on first enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // let the writer goroutine pick it up

	// Second task fills the 1-deep queue.
	if err := w.Enqueue(AsyncWriteTask{ClientID: "c2", Payload: []byte("y")}); err != nil {
		t.Fatalf("unexpected error on second enqueue: %v", err)
	}

	// Third task has nowhere to go within the producer timeout.
	err := w.Enqueue(AsyncWriteTask{ClientID: "c3", Payload: []byte("z")})
	if !errors.Is(err, ingesterr.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestAsyncWriter_CloseDrainsPendingTasks(t *testing.T) {
	fp := &fakeProducer{}
	cfg := DefaultAsyncWriterConfig()
	cfg.QueueCapacity = 10
	w := NewAsyncWriter(fp, newTestMetrics(), nil, cfg, nil)

	for i := 0; i < 5; i++ {
		if err := w.Enqueue(AsyncWriteTask{ClientID: "c1", Payload: []byte("x")}); err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}
	w.Close()

	if fp.callCount() != 5 {
		t.Fatalf("expected all 5 tasks drained before Close returned, got %d", fp.callCount())
	}
}

func TestAsyncWriter_EnqueueAfterCloseReturnsErrWriterClosed(t *testing.T) {
	fp := &fakeProducer{}
	w := NewAsyncWriter(fp, newTestMetrics(), nil, DefaultAsyncWriterConfig(), nil)
	w.Close()

	err := w.Enqueue(AsyncWriteTask{ClientID: "c1", Payload: []byte("x")})
	if !errors.Is(err, ingesterr.ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
}

func TestAsyncWriter_HealthyTracksConsecutiveDrops(t *testing.T) {
	fp := &fakeProducer{failTimes: 1000}
	cfg := DefaultAsyncWriterConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBudget = 0
	w := NewAsyncWriter(fp, newTestMetrics(), nil, cfg, nil)
	defer w.Close()

	if !w.Healthy() {
		t.Fatalf("expected writer to start healthy")
	}

	for i := 0; i < unhealthyAfter; i++ {
		if err := w.Enqueue(AsyncWriteTask{ClientID: "c1", Payload: []byte("x")}); err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for w.Healthy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if w.Healthy() {
		t.Fatalf("expected writer to report unhealthy after %d consecutive drops", unhealthyAfter)
	}
}

func TestAsyncWriter_SpillsOnExhaustionThenReplays(t *testing.T) {
	fp := &fakeProducer{failTimes: 2} // fail the initial attempt and one retry, then succeed
	cfg := DefaultAsyncWriterConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBudget = 1
	metrics := newTestMetrics()
	store := spill.New(newFakeEvaler(), "broker", time.Hour)
	w := NewAsyncWriter(fp, metrics, nil, cfg, store)
	defer w.Close()

	if err := w.Enqueue(AsyncWriteTask{ClientID: "c1", Payload: []byte(`{"metrics":[]}`)}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for metrics.Snapshot().SpilledRecords == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if metrics.Snapshot().SpilledRecords != 1 {
		t.Fatalf("expected record to be spilled after retry budget exhaustion, got %d", metrics.Snapshot().SpilledRecords)
	}

	w.replayOnce()

	if fp.callCount() != 3 { // 2 failed attempts + 1 successful replay
		t.Fatalf("expected replay to re-produce the spilled record, got %d calls", fp.callCount())
	}
	if metrics.Snapshot().ReplayedRecords != 1 {
		t.Fatalf("expected 1 replayed record recorded, got %d", metrics.Snapshot().ReplayedRecords)
	}
}

func TestAsyncWriter_ConcurrentEnqueueIsRaceFree(t *testing.T) {
	fp := &fakeProducer{}
	cfg := DefaultAsyncWriterConfig()
	cfg.QueueCapacity = 100
	w := NewAsyncWriter(fp, newTestMetrics(), nil, cfg, nil)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.Enqueue(AsyncWriteTask{ClientID: "c", Payload: []byte("x")})
		}(i)
	}
	wg.Wait()
}
