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

// Package checkpoint offers a durable, shared alternative to the local
// per-partition offset file: a Postgres table that multiple ingest
// processes (for example, after a failover onto a different host) can
// read to learn the next offset for a partition without the new process
// scanning messages.log from scratch.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS partition_checkpoints (
//   partition   INTEGER PRIMARY KEY,
//   next_offset BIGINT NOT NULL,
//   updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
// );

// Store is a Postgres-backed checkpoint table for partition offsets.
type Store struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

// New wraps db. Use an already-configured *sql.DB (pool sizing, driver
// selection) from the caller; Store does not own its lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db, defaultTimeout: 5 * time.Second}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.defaultTimeout)
}

// Advance records that partition's next unassigned offset is at least
// nextOffset. It is safe to call with a stale (lower) value — the update
// only ever moves the checkpoint forward, since checkpoints may arrive
// out of order under concurrent flushers.
func (s *Store) Advance(ctx context.Context, partition int, nextOffset uint64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partition_checkpoints (partition, next_offset, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (partition) DO UPDATE
		SET next_offset = GREATEST(partition_checkpoints.next_offset, EXCLUDED.next_offset),
		    updated_at = now()
	`, partition, int64(nextOffset))
	if err != nil {
		return fmt.Errorf("advance checkpoint for partition %d: %w", partition, err)
	}
	return nil
}

// Load returns the next offset recorded for partition, or 0 if the
// partition has no checkpoint row yet.
func (s *Store) Load(ctx context.Context, partition int) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var next int64
	err := s.db.QueryRowContext(ctx,
		`SELECT next_offset FROM partition_checkpoints WHERE partition = $1`, partition,
	).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint for partition %d: %w", partition, err)
	}
	return uint64(next), nil
}
