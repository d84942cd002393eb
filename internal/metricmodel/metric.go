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

// Package metricmodel defines the immutable data model shared by the
// parser and the ingestion pipeline, whose canonical JSON form of a batch
// is the payload written to the queue: a single timestamped observation
// and the batch that groups them under one client identifier.
package metricmodel

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Metric is a single timestamped, named numeric observation with optional
// string tags. It is immutable after construction.
type Metric struct {
	TimestampMillis int64
	Name            string
	Value           float64
	Tags            map[string]string
}

// SortedTagKeys returns the metric's tag keys in lexicographic order. Tag
// ordering on the wire is not guaranteed by the protocol; callers that need
// a stable round-trip (tests, re-serialization) should iterate in this
// order instead of ranging over the map directly.
func (m Metric) SortedTagKeys() []string {
	keys := make([]string, 0, len(m.Tags))
	for k := range m.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Batch is an ordered sequence of Metric plus the opaque client identifier
// the batch was submitted under. Immutable after parsing.
type Batch struct {
	ClientID string
	Metrics  []Metric
}

// Len returns the number of metrics in the batch.
func (b Batch) Len() int { return len(b.Metrics) }

// MarshalCanonicalJSON renders the batch back to the wire "metrics" array
// shape, writing each metric's tags in SortedTagKeys order. Two batches
// equal under reflect.DeepEqual always produce byte-identical output,
// which is what lets the queue's stored payload be compared or replayed
// without caring how the original request ordered its tag object.
func (b Batch) MarshalCanonicalJSON() []byte {
	var sb strings.Builder
	sb.WriteString(`{"metrics":[`)
	for i, m := range b.Metrics {
		if i > 0 {
			sb.WriteByte(',')
		}
		m.writeCanonicalJSON(&sb)
	}
	sb.WriteString(`]}`)
	return []byte(sb.String())
}

func (m Metric) writeCanonicalJSON(sb *strings.Builder) {
	sb.WriteByte('{')
	sb.WriteString(`"timestamp":`)
	sb.WriteString(strconv.Quote(time.UnixMilli(m.TimestampMillis).UTC().Format(time.RFC3339Nano)))
	sb.WriteString(`,"name":`)
	sb.WriteString(strconv.Quote(m.Name))
	sb.WriteString(`,"value":`)
	sb.WriteString(strconv.FormatFloat(m.Value, 'g', -1, 64))
	if len(m.Tags) > 0 {
		sb.WriteString(`,"tags":{`)
		for i, k := range m.SortedTagKeys() {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			sb.WriteString(strconv.Quote(m.Tags[k]))
		}
		sb.WriteByte('}')
	}
	sb.WriteByte('}')
}
