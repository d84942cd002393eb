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

// Package queue defines the common contract shared by the two partitioned
// queue backends — the local append-only implementation and the broker
// producer wrapper — plus the record shape written to either one.
package queue

import "context"

// Record is the unit written to the queue.
type Record struct {
	Key       string // client identifier
	Payload   []byte // serialized batch (raw JSON)
	Partition int
	Offset    uint64
}

// Producer is the contract both backends implement: produce one record for
// key, returning the partition it landed in and the offset assigned within
// that partition. The same key always maps to the same partition, so
// per-client ordering is preserved at the queue level. produce is not
// idempotent — callers retrying after a timeout may cause duplicates,
// which is the documented at-least-once trade-off.
type Producer interface {
	Produce(ctx context.Context, key string, payload []byte) (partition int, offset uint64, err error)

	// Close releases backend resources. It must be safe to call exactly
	// once during shutdown, after all producers have stopped calling
	// Produce.
	Close() error
}
