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

package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"ingestd/internal/queue/checkpoint"
)

// LocalQueue is the file-backed partitioned queue: an append-only log per
// partition, each independently offset-checkpointed, with client keys
// routed to a stable partition via rendezvous hashing. It implements
// Producer.
type LocalQueue struct {
	partitions []*Partition
	router     *rendezvous.Rendezvous
}

// OpenLocalQueue opens (or creates) numPartitions partitions under root and
// returns a ready-to-use LocalQueue. Each partition recovers its offset
// independently on open; see Partition.
func OpenLocalQueue(root string, numPartitions int, policy FsyncPolicy) (*LocalQueue, error) {
	if numPartitions <= 0 {
		return nil, fmt.Errorf("numPartitions must be positive, got %d", numPartitions)
	}

	partitions := make([]*Partition, numPartitions)
	nodes := make([]string, numPartitions)
	for i := 0; i < numPartitions; i++ {
		p, err := OpenPartition(root, i, policy)
		if err != nil {
			for j := 0; j < i; j++ {
				partitions[j].Close()
			}
			return nil, fmt.Errorf("open partition %d: %w", i, err)
		}
		partitions[i] = p
		nodes[i] = strconv.Itoa(i)
	}

	router := rendezvous.New(nodes, xxhash.Sum64String)
	return &LocalQueue{partitions: partitions, router: router}, nil
}

// Produce routes key to its stable partition via rendezvous hashing and
// appends payload there. The context is accepted to satisfy Producer but
// is not consulted: local append is never blocking long enough to warrant
// cancellation.
func (q *LocalQueue) Produce(_ context.Context, key string, payload []byte) (int, uint64, error) {
	idx, err := strconv.Atoi(q.router.Lookup(key))
	if err != nil {
		return 0, 0, fmt.Errorf("resolve partition for key %q: %w", key, err)
	}
	offset, err := q.partitions[idx].Append(key, payload)
	if err != nil {
		return 0, 0, fmt.Errorf("append to partition %d: %w", idx, err)
	}
	return idx, offset, nil
}

// Close closes every partition, collecting the first error encountered but
// attempting to close all of them regardless.
func (q *LocalQueue) Close() error {
	var first error
	for _, p := range q.partitions {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NumPartitions reports the partition count the queue was opened with.
func (q *LocalQueue) NumPartitions() int {
	return len(q.partitions)
}

// SetCheckpoint attaches remote as a durable checkpoint mirror for every
// partition in the queue, an alternative to relying solely on each
// partition's local offset file. Returns the first per-partition error
// encountered, attempting every partition regardless.
func (q *LocalQueue) SetCheckpoint(remote *checkpoint.Store) error {
	var first error
	for _, p := range q.partitions {
		if err := p.SetCheckpoint(remote); err != nil && first == nil {
			first = err
		}
	}
	return first
}
