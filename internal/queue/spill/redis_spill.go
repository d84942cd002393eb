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

// Package spill holds undelivered queue records when the broker backend
// rejects or times out a produce call, so they can be replayed once the
// broker recovers instead of being dropped on the floor.
package spill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is a single undelivered write, preserved with enough context to
// retry it later against the same key.
type Record struct {
	ID      string `json:"id"` // unique per spill attempt, used as the replay idempotency marker
	Key     string `json:"key"`
	Payload []byte `json:"payload"`
	SpiltAt int64  `json:"spilt_at"`
}

// Evaler abstracts the minimal surface needed from a Redis client. The
// production implementation is redisClient, wrapping a real
// *redis.Client; tests supply their own in-memory stand-in.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	RPush(ctx context.Context, key string, values ...interface{}) (int64, error)
}

// redisClient adapts *redis.Client's Cmd-returning methods to the plain
// (value, error) shape Evaler expects.
type redisClient struct {
	*redis.Client
}

func (c redisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.Client.Eval(ctx, script, keys, args...).Result()
}

func (c redisClient) RPush(ctx context.Context, key string, values ...interface{}) (int64, error) {
	return c.Client.RPush(ctx, key, values...).Result()
}

// NewRedisClient dials addr and returns an Evaler backed by a real
// go-redis client, plus the underlying *redis.Client so callers can Close
// it during shutdown.
func NewRedisClient(addr, password string, db int) (Evaler, *redis.Client) {
	rc := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return redisClient{rc}, rc
}

// Store is a Redis-backed backlog of spilled records, keyed by the
// producer name it backs (so a file-mode and broker-mode spill never
// collide if both happen to point at the same Redis instance).
type Store struct {
	client    Evaler
	name      string
	markerTTL time.Duration
}

// New returns a Store scoped to name, using client for both the backlog
// list and the replay idempotency markers. markerTTL bounds how long a
// replay marker survives; it should comfortably exceed the time a single
// replay pass can take.
func New(client Evaler, name string, markerTTL time.Duration) *Store {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &Store{client: client, name: name, markerTTL: markerTTL}
}

func (s *Store) backlogKey() string            { return fmt.Sprintf("ingestd:spill:%s", s.name) }
func (s *Store) markerKey(id string) string    { return fmt.Sprintf("ingestd:spill:%s:marker:%s", s.name, id) }

// Spill appends rec to the backlog. It does not block on broker
// availability and is expected to be called from the hot path only after
// a produce attempt has already failed.
func (s *Store) Spill(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal spill record %s: %w", rec.ID, err)
	}
	if _, err := s.client.RPush(ctx, s.backlogKey(), b); err != nil {
		return fmt.Errorf("rpush spill record %s: %w", rec.ID, err)
	}
	return nil
}

// replayScript atomically pops one record off the head of the backlog and
// returns it, or nil when the backlog is empty. The idempotency marker is
// claimed separately, by markReplayedScript.
const replayScript = `
local backlogKey = KEYS[1]
local popped = redis.call('LPOP', backlogKey)
if not popped then
  return nil
end
return popped
`

// markReplayedScript sets the marker only if absent, returning 1 if this
// call is the first to claim the record and 0 if a prior replay attempt
// already claimed it.
const markReplayedScript = `
local markerKey = KEYS[1]
local ttl = tonumber(ARGV[1])
local set = redis.call('SETNX', markerKey, 1)
if set == 1 and ttl and ttl > 0 then
  redis.call('EXPIRE', markerKey, ttl)
end
return set
`

// Replay pops every currently-backlogged record and invokes fn for each
// one whose idempotency marker has not already been claimed by a prior
// replay attempt. A record for which fn returns an error is re-spilled
// at the back of the list under the same ID, whose marker is already
// claimed, so the loop pops it again before the backlog empties and
// discards it without calling fn again.
func (s *Store) Replay(ctx context.Context, fn func(ctx context.Context, rec Record) error) (replayed int, err error) {
	for {
		raw, err := s.client.Eval(ctx, replayScript, []string{s.backlogKey()})
		if err != nil {
			return replayed, fmt.Errorf("pop spill backlog: %w", err)
		}
		if raw == nil {
			return replayed, nil
		}

		var payload []byte
		switch v := raw.(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			return replayed, fmt.Errorf("unexpected spill payload type %T", raw)
		}

		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return replayed, fmt.Errorf("unmarshal spill record: %w", err)
		}

		claimed, err := s.client.Eval(ctx, markReplayedScript, []string{s.markerKey(rec.ID)},
			int(s.markerTTL.Seconds()))
		if err != nil {
			return replayed, fmt.Errorf("claim spill record %s: %w", rec.ID, err)
		}
		if n, ok := claimed.(int64); ok && n == 0 {
			// Already claimed by a previous pass; drop it.
			continue
		}

		if err := fn(ctx, rec); err != nil {
			if spillErr := s.Spill(ctx, rec); spillErr != nil {
				return replayed, fmt.Errorf("re-spill record %s after replay failure: %w", rec.ID, spillErr)
			}
			continue
		}
		replayed++
	}
}
