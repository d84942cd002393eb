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

package telemetry

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestCounters() *Counters {
	return New(prometheus.NewRegistry())
}

func TestCounters_SnapshotReflectsRecordedEvents(t *testing.T) {
	c := newTestCounters()
	c.RequestReceived()
	c.RequestReceived()
	c.BatchProcessed(3)
	c.ValidationError()
	c.RateLimited()
	c.QueueFull()
	c.BrokerError()
	c.Spilled()
	c.Replayed(2)

	snap := c.Snapshot()
	if snap.RequestsReceived != 2 {
		t.Fatalf("requests received: got %d want 2", snap.RequestsReceived)
	}
	if snap.BatchesProcessed != 1 {
		t.Fatalf("batches processed: got %d want 1", snap.BatchesProcessed)
	}
	if snap.MetricsAccepted != 3 {
		t.Fatalf("metrics accepted: got %d want 3", snap.MetricsAccepted)
	}
	if snap.ValidationErrors != 1 || snap.RateLimited != 1 || snap.QueueFull != 1 || snap.BrokerErrors != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.SpilledRecords != 1 || snap.ReplayedRecords != 2 {
		t.Fatalf("unexpected spill/replay counts: %+v", snap)
	}
}

func TestCounters_ConcurrentRequestReceivedIsRaceFree(t *testing.T) {
	c := newTestCounters()
	const goroutines = 50
	const perGoroutine = 200

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				c.RequestReceived()
			}
		}()
	}
	wg.Wait()

	if got, want := c.Snapshot().RequestsReceived, int64(goroutines*perGoroutine); got != want {
		t.Fatalf("requests received: got %d want %d", got, want)
	}
}
