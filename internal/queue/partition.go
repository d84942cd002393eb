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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ingestd/internal/queue/checkpoint"
)

const offsetWidth = 14 // 14-digit zero-padded decimal, per the on-disk layout.

// logLine is the exact shape of one line in messages.log.
type logLine struct {
	Offset  uint64          `json:"offset"`
	Key     string          `json:"key"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// FsyncPolicy controls how aggressively a partition flushes to disk.
type FsyncPolicy struct {
	// EveryN fsyncs after this many appended records. 1 means every
	// record (strict durability). 0 is treated as 1.
	EveryN int
	// Interval, if non-zero, also fsyncs on an Append that comes at least
	// Interval after the last fsync, independent of EveryN. It is checked
	// only inside Append; there is no background timer, so unsynced records
	// stay unsynced until the next Append.
	Interval time.Duration
}

// DefaultFsyncPolicy fsyncs after every record — the strict setting.
func DefaultFsyncPolicy() FsyncPolicy { return FsyncPolicy{EveryN: 1} }

// Partition owns one append-only log file and its offset checkpoint. All
// access goes through its mutex; this is the partition's sole owner.
type Partition struct {
	index int
	dir   string

	mu         sync.Mutex
	logFile    *os.File
	logWriter  *bufio.Writer
	nextOffset uint64 // authoritative in-memory counter
	sinceSync  int
	lastSync   time.Time
	policy     FsyncPolicy

	// remote is an optional durable mirror of the offset checkpoint,
	// supplementary to the local offset file (which remains authoritative
	// for this process). See SetCheckpoint.
	remote       *checkpoint.Store
	remoteErrVal atomic.Value
}

// OpenPartition opens (creating if necessary) the partition directory
// under root, replays the crash-recovery procedure described in the
// design, and returns a ready-to-use Partition.
func OpenPartition(root string, index int, policy FsyncPolicy) (*Partition, error) {
	if policy.EveryN <= 0 {
		policy.EveryN = 1
	}
	dir := filepath.Join(root, fmt.Sprintf("partition-%d", index))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}

	logPath := filepath.Join(dir, "messages.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open messages.log: %w", err)
	}

	checkpoint, err := readOffsetFile(dir)
	if err != nil {
		f.Close()
		return nil, err
	}

	lastLineOffset, found, err := lastLineOffset(logPath)
	if err != nil {
		f.Close()
		return nil, err
	}

	next := checkpoint
	if found && lastLineOffset >= checkpoint {
		// Crash after append but before the checkpoint update: advance
		// past the orphan line so the next produce assigns offset =
		// orphan + 1.
		next = lastLineOffset + 1
	}

	p := &Partition{
		index:      index,
		dir:        dir,
		logFile:    f,
		logWriter:  bufio.NewWriterSize(f, 1<<16),
		nextOffset: next,
		lastSync:   time.Now(),
		policy:     policy,
	}
	return p, nil
}

// Append assigns the next offset to payload, writes it durably, and
// returns the assigned offset. Offsets within a partition are strictly
// increasing and contiguous from zero across the lifetime of the queue,
// including across restarts.
func (p *Partition) Append(key string, payload []byte) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset := p.nextOffset
	line := logLine{Offset: offset, Key: key, TS: time.Now().UnixMilli(), Payload: payload}
	b, err := json.Marshal(line)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	b = append(b, '\n')

	if _, err := p.logWriter.Write(b); err != nil {
		return 0, fmt.Errorf("append to messages.log: %w", err)
	}
	if err := p.logWriter.Flush(); err != nil {
		return 0, fmt.Errorf("flush messages.log: %w", err)
	}

	p.sinceSync++
	dueByCount := p.sinceSync >= p.policy.EveryN
	dueByInterval := p.policy.Interval > 0 && time.Since(p.lastSync) >= p.policy.Interval
	if dueByCount || dueByInterval {
		if err := p.logFile.Sync(); err != nil {
			return 0, fmt.Errorf("fsync messages.log: %w", err)
		}
		p.sinceSync = 0
		p.lastSync = time.Now()
	}

	p.nextOffset++
	if err := writeOffsetFile(p.dir, p.nextOffset); err != nil {
		return 0, fmt.Errorf("checkpoint offset: %w", err)
	}

	if p.remote != nil {
		err := p.remote.Advance(context.Background(), p.index, p.nextOffset)
		if err != nil {
			err = fmt.Errorf("advance remote checkpoint: %w", err)
		}
		p.remoteErrVal.Store(checkpointErr{err})
	}

	return offset, nil
}

// SetCheckpoint attaches an optional durable checkpoint mirror. If remote
// already has a higher next-offset recorded than this partition recovered
// locally (for example, a previous process on a different host advanced
// it further), the partition fast-forwards to match. Call before any
// concurrent Append.
func (p *Partition) SetCheckpoint(remote *checkpoint.Store) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = remote
	if remote == nil {
		return nil
	}
	stored, err := remote.Load(context.Background(), p.index)
	if err != nil {
		return fmt.Errorf("load remote checkpoint for partition %d: %w", p.index, err)
	}
	if stored > p.nextOffset {
		p.nextOffset = stored
	}
	return nil
}

// LastCheckpointError returns the error from the most recent remote
// checkpoint Advance call, or nil if the last attempt succeeded (or no
// remote checkpoint is configured). It exists so a background reconciler
// can surface persistent remote-store failures without Append itself
// failing on what is a best-effort mirror.
func (p *Partition) LastCheckpointError() error {
	if v := p.remoteErrVal.Load(); v != nil {
		return v.(checkpointErr).err
	}
	return nil
}

// checkpointErr wraps an error (possibly nil) so it can be stored in an
// atomic.Value, which rejects the nil interface directly.
type checkpointErr struct{ err error }

// NextOffset returns the next offset that will be assigned. Intended for
// tests and diagnostics.
func (p *Partition) NextOffset() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextOffset
}

// Close flushes and closes the partition's log file.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.logWriter.Flush(); err != nil {
		return err
	}
	return p.logFile.Close()
}

func readOffsetFile(dir string) (uint64, error) {
	path := filepath.Join(dir, "offset")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read offset checkpoint: %w", err)
	}
	s := bytes.TrimSpace(b)
	if len(s) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseUint(string(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse offset checkpoint %q: %w", s, err)
	}
	return v, nil
}

// writeOffsetFile overwrites the offset checkpoint atomically via
// write-then-rename so a crash mid-write never leaves a partially written
// checkpoint behind.
func writeOffsetFile(dir string, next uint64) error {
	path := filepath.Join(dir, "offset")
	tmp := path + ".tmp"
	content := fmt.Sprintf("%0*d", offsetWidth, next)
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// lastLineOffset scans messages.log for the offset on its last
// well-formed line. found is false for an empty or missing file.
func lastLineOffset(path string) (offset uint64, found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ll logLine
		if err := json.Unmarshal(line, &ll); err != nil {
			// A partially written final line from a crash mid-append is
			// expected; ignore it and keep the last well-formed offset.
			continue
		}
		offset, found = ll.Offset, true
	}
	if err := scanner.Err(); err != nil {
		return 0, false, err
	}
	return offset, found, nil
}
