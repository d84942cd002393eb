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

// Package ratelimit implements the sharded sliding-window rate limiter.
// State is partitioned across a fixed array of shardCount mutexes so lock
// count stays independent of client cardinality, while collisions stay
// rare and largely uncontended in steady state.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shardCount is prime, chosen for good distribution across client-id
// hashes, matching the reference design.
const shardCount = 10007

// window is 1000ms, per spec.
const window = time.Second

// clientWindow is the bounded, ordered sequence of request instants for
// one client within the current window. It is only ever touched while its
// owning shard's lock is held.
type clientWindow struct {
	instants []time.Time
}

type shard struct {
	mu       sync.Mutex
	clients  map[string]*clientWindow
}

// Limiter is a thread-safe sliding-window rate limiter keyed by client
// identifier. Count comparison and append happen atomically under the
// client's shard lock.
type Limiter struct {
	shards    [shardCount]*shard
	maxPerSec int
}

// New creates a Limiter that permits at most maxPerSec requests per client
// in any rolling 1000ms window.
func New(maxPerSec int) *Limiter {
	l := &Limiter{maxPerSec: maxPerSec}
	for i := range l.shards {
		l.shards[i] = &shard{clients: make(map[string]*clientWindow)}
	}
	return l
}

// DefaultMaxPerSecond is the reference configuration's default ceiling.
const DefaultMaxPerSecond = 10000

func shardFor(shards *[shardCount]*shard, clientID string) *shard {
	idx := xxhash.Sum64String(clientID) % shardCount
	return shards[idx]
}

// Allow reports whether the request for clientID is permitted under the
// configured per-second ceiling. It drops instants older than now-1000ms
// from the head of the client's window, then — if the remaining count is
// below the ceiling — appends now and permits; otherwise it denies. This
// check-and-append is atomic under the client's shard lock. Allow is
// non-blocking except for brief shard-lock contention and has no failure
// modes.
func (l *Limiter) Allow(clientID string) bool {
	return l.allowAt(clientID, time.Now())
}

func (l *Limiter) allowAt(clientID string, now time.Time) bool {
	s := shardFor(&l.shards, clientID)
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	cw, ok := s.clients[clientID]
	if !ok {
		cw = &clientWindow{}
		s.clients[clientID] = cw
	}

	cw.instants = dropOlder(cw.instants, cutoff)

	if len(cw.instants) >= l.maxPerSec {
		return false
	}
	cw.instants = append(cw.instants, now)
	return true
}

// dropOlder removes the leading run of instants strictly before cutoff.
// instants is ordered, so this is a single forward scan.
func dropOlder(instants []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(instants) && instants[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return instants
	}
	return append(instants[:0], instants[i:]...)
}

// Sweep prunes every client's window against now and removes clients left
// with an empty window, bounding memory under high-cardinality,
// low-recurrence workloads. It is safe to call concurrently with Allow;
// entries that receive a new request between the prune and the delete
// simply get recreated on their next Allow call.
func (l *Limiter) Sweep(now time.Time) (removed int) {
	cutoff := now.Add(-window)
	for _, s := range l.shards {
		s.mu.Lock()
		for id, cw := range s.clients {
			cw.instants = dropOlder(cw.instants, cutoff)
			if len(cw.instants) == 0 {
				delete(s.clients, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// ClientCount returns the number of distinct clients currently tracked
// across all shards. Intended for tests and diagnostics.
func (l *Limiter) ClientCount() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.clients)
		s.mu.Unlock()
	}
	return n
}
