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

package metricmodel_test

import (
	"reflect"
	"testing"

	"ingestd/internal/metricmodel"
	"ingestd/internal/parser"
)

// TestBatch_MarshalCanonicalJSONRoundTripsThroughParse guards against the
// canonical serializer drifting from the wire format parser.Parse accepts:
// the "timestamp" field must stay an RFC3339Nano string, never an integer
// or a renamed key, or this test fails to re-parse its own output.
func TestBatch_MarshalCanonicalJSONRoundTripsThroughParse(t *testing.T) {
	b := metricmodel.Batch{ClientID: "c1", Metrics: []metricmodel.Metric{
		{TimestampMillis: 1760282400000, Name: "cpu", Value: 75.5, Tags: map[string]string{"host": "a", "region": "us"}},
		{TimestampMillis: 1760282400123, Name: "mem", Value: 12},
	}}

	wire := b.MarshalCanonicalJSON()

	got, err := parser.Parse(wire)
	if err != nil {
		t.Fatalf("parser.Parse rejected canonical JSON output: %v\nwire: %s", err, wire)
	}
	if !reflect.DeepEqual(got, b.Metrics) {
		t.Fatalf("round trip changed metrics:\n got  %+v\n want %+v", got, b.Metrics)
	}
}
