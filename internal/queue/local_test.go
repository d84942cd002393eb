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
	"testing"
)

func TestLocalQueue_SameKeyAlwaysSamePartition(t *testing.T) {
	dir := t.TempDir()
	q, err := OpenLocalQueue(dir, 8, DefaultFsyncPolicy())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	first, _, err := q.Produce(ctx, "client-42", []byte("a"))
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	for i := 0; i < 20; i++ {
		p, _, err := q.Produce(ctx, "client-42", []byte("b"))
		if err != nil {
			t.Fatalf("produce: %v", err)
		}
		if p != first {
			t.Fatalf("key routed to a different partition: first=%d got=%d", first, p)
		}
	}
}

func TestLocalQueue_OffsetsAreContiguousPerPartition(t *testing.T) {
	dir := t.TempDir()
	q, err := OpenLocalQueue(dir, 4, DefaultFsyncPolicy())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	seen := make(map[int][]uint64)
	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("client-%d", i)
		p, off, err := q.Produce(ctx, key, []byte("x"))
		if err != nil {
			t.Fatalf("produce: %v", err)
		}
		seen[p] = append(seen[p], off)
	}
	for part, offsets := range seen {
		for i, off := range offsets {
			if off != uint64(i) {
				t.Fatalf("partition %d: expected offset %d at position %d, got %d", part, i, i, off)
			}
		}
	}
}

func TestOpenLocalQueue_RejectsNonPositivePartitionCount(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenLocalQueue(dir, 0, DefaultFsyncPolicy()); err == nil {
		t.Fatalf("expected error for zero partitions")
	}
}
