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

package checkpoint

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"testing"
)

// Minimal fake SQL driver exercising Store's Exec/Query paths without a
// real Postgres instance.

type fakeDB struct {
	execs     []string
	rows      map[int]int64 // partition -> next_offset
	failQuery error
}

type fakeDriver struct{}
type fakeConn struct{ db *fakeDB }
type fakeResult int

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

func (fakeDriver) Open(name string) (driver.Conn, error) { return &fakeConn{db: testFakeDB}, nil }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("not supported")
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return nil, errors.New("not supported") }

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.execs = append(c.db.execs, query)
	if len(args) >= 2 {
		if partition, ok := args[0].Value.(int64); ok {
			if next, ok := args[1].Value.(int64); ok {
				if existing, present := c.db.rows[int(partition)]; !present || next > existing {
					if c.db.rows == nil {
						c.db.rows = make(map[int]int64)
					}
					c.db.rows[int(partition)] = next
				}
			}
		}
	}
	return fakeResult(1), nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if c.db.failQuery != nil {
		return nil, c.db.failQuery
	}
	partition := 0
	if len(args) >= 1 {
		if p, ok := args[0].Value.(int64); ok {
			partition = int(p)
		}
	}
	next, ok := c.db.rows[partition]
	return &fakeRows{values: []int64{next}, has: ok}, nil
}

type fakeRows struct {
	values []int64
	has    bool
	read   bool
}

func (r *fakeRows) Columns() []string { return []string{"next_offset"} }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if !r.has || r.read {
		return io.EOF
	}
	r.read = true
	dest[0] = r.values[0]
	return nil
}

var testFakeDB *fakeDB

func init() {
	sql.Register("fakesql_checkpoint", fakeDriver{})
}

func newSQLDBWithFake(db *fakeDB) *sql.DB {
	testFakeDB = db
	d, _ := sql.Open("fakesql_checkpoint", "")
	return d
}

func TestStore_AdvanceThenLoad(t *testing.T) {
	db := newSQLDBWithFake(&fakeDB{})
	s := New(db)

	if err := s.Advance(context.Background(), 3, 10); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := s.Load(context.Background(), 3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
}

func TestStore_AdvanceNeverMovesBackward(t *testing.T) {
	f := &fakeDB{}
	db := newSQLDBWithFake(f)
	s := New(db)

	if err := s.Advance(context.Background(), 1, 50); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.Advance(context.Background(), 1, 10); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := s.Load(context.Background(), 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != 50 {
		t.Fatalf("expected checkpoint to stay at high-water mark 50, got %d", got)
	}
}

func TestStore_LoadUnknownPartitionReturnsZero(t *testing.T) {
	db := newSQLDBWithFake(&fakeDB{})
	s := New(db)
	got, err := s.Load(context.Background(), 99)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected 0 for unknown partition, got %d", got)
	}
}

func TestStore_LoadPropagatesQueryError(t *testing.T) {
	db := newSQLDBWithFake(&fakeDB{failQuery: errors.New("connection reset")})
	s := New(db)
	_, err := s.Load(context.Background(), 1)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected wrapped query error, got %v", err)
	}
}
