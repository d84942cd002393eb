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

// Package telemetry tracks the ingestion pipeline's operating counters. It
// serves two audiences from one set of atomics: GET /metrics wants a
// small JSON snapshot, and an optional Prometheus endpoint wants the same
// numbers as first-class metric types for scraping and alerting.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is the JSON shape returned by GET /metrics.
type Snapshot struct {
	RequestsReceived int64 `json:"requests_received"`
	BatchesProcessed int64 `json:"batches_processed"`
	MetricsAccepted  int64 `json:"metrics_accepted"`
	ValidationErrors int64 `json:"validation_errors"`
	RateLimited      int64 `json:"rate_limited"`
	QueueFull        int64 `json:"queue_full"`
	BrokerErrors     int64 `json:"broker_errors"`
	SpilledRecords   int64 `json:"spilled_records"`
	ReplayedRecords  int64 `json:"replayed_records"`
}

// Counters is the live, concurrency-safe counter set. A nil *Counters is
// not usable; use New.
type Counters struct {
	requestsReceived atomic.Int64
	batchesProcessed atomic.Int64
	metricsAccepted  atomic.Int64
	validationErrors atomic.Int64
	rateLimited      atomic.Int64
	queueFull        atomic.Int64
	brokerErrors     atomic.Int64
	spilledRecords   atomic.Int64
	replayedRecords  atomic.Int64

	requestsReceivedTotal prometheus.Counter
	batchesProcessedTotal prometheus.Counter
	metricsAcceptedTotal  prometheus.Counter
	validationErrorsTotal prometheus.Counter
	rateLimitedTotal      prometheus.Counter
	queueFullTotal        prometheus.Counter
	brokerErrorsTotal     prometheus.Counter
	spilledRecordsTotal   prometheus.Counter
	replayedRecordsTotal  prometheus.Counter
	produceLatencySeconds prometheus.Histogram
	metricsPerBatch       prometheus.Histogram
}

// New constructs a Counters and registers its Prometheus series against
// reg. Pass prometheus.DefaultRegisterer to participate in the global
// /metrics scrape endpoint, or a fresh *prometheus.Registry in tests to
// avoid duplicate-registration panics across test runs.
func New(reg prometheus.Registerer) *Counters {
	c := &Counters{
		requestsReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_requests_received_total",
			Help: "Total POST /metrics requests received.",
		}),
		batchesProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_batches_processed_total",
			Help: "Total batches successfully parsed, validated, and queued.",
		}),
		metricsAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_metrics_accepted_total",
			Help: "Total individual metrics accepted across all batches.",
		}),
		validationErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_validation_errors_total",
			Help: "Total requests rejected for malformed JSON, schema violations, or a missing client identifier.",
		}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_rate_limited_total",
			Help: "Total requests rejected by the per-client rate limiter.",
		}),
		queueFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_queue_full_total",
			Help: "Total requests rejected because the async writer queue was full.",
		}),
		brokerErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_broker_errors_total",
			Help: "Total records dropped after exhausting the produce retry budget against the queue backend.",
		}),
		spilledRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_spilled_records_total",
			Help: "Total records spilled to the backlog store after a failed produce.",
		}),
		replayedRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_replayed_records_total",
			Help: "Total spilled records successfully replayed back to the broker.",
		}),
		produceLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_produce_latency_seconds",
			Help:    "Latency of a single queue Produce call.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		metricsPerBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_metrics_per_batch",
			Help:    "Distribution of metric counts per accepted batch.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.requestsReceivedTotal, c.batchesProcessedTotal, c.metricsAcceptedTotal,
			c.validationErrorsTotal, c.rateLimitedTotal, c.queueFullTotal,
			c.brokerErrorsTotal, c.spilledRecordsTotal, c.replayedRecordsTotal,
			c.produceLatencySeconds, c.metricsPerBatch,
		)
	}
	return c
}

func (c *Counters) RequestReceived() {
	c.requestsReceived.Add(1)
	c.requestsReceivedTotal.Inc()
}

func (c *Counters) BatchProcessed(metricCount int) {
	c.batchesProcessed.Add(1)
	c.metricsAccepted.Add(int64(metricCount))
	c.batchesProcessedTotal.Inc()
	c.metricsAcceptedTotal.Add(float64(metricCount))
	c.metricsPerBatch.Observe(float64(metricCount))
}

func (c *Counters) ValidationError() {
	c.validationErrors.Add(1)
	c.validationErrorsTotal.Inc()
}

func (c *Counters) RateLimited() {
	c.rateLimited.Add(1)
	c.rateLimitedTotal.Inc()
}

func (c *Counters) QueueFull() {
	c.queueFull.Add(1)
	c.queueFullTotal.Inc()
}

func (c *Counters) BrokerError() {
	c.brokerErrors.Add(1)
	c.brokerErrorsTotal.Inc()
}

func (c *Counters) Spilled() {
	c.spilledRecords.Add(1)
	c.spilledRecordsTotal.Inc()
}

func (c *Counters) Replayed(n int) {
	if n <= 0 {
		return
	}
	c.replayedRecords.Add(int64(n))
	c.replayedRecordsTotal.Add(float64(n))
}

// ProduceLatency records the wall-clock duration of a single Produce call.
func (c *Counters) ProduceLatency(d time.Duration) {
	c.produceLatencySeconds.Observe(d.Seconds())
}

// Snapshot returns a point-in-time copy of the JSON-facing counters.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		RequestsReceived: c.requestsReceived.Load(),
		BatchesProcessed: c.batchesProcessed.Load(),
		MetricsAccepted:  c.metricsAccepted.Load(),
		ValidationErrors: c.validationErrors.Load(),
		RateLimited:      c.rateLimited.Load(),
		QueueFull:        c.queueFull.Load(),
		BrokerErrors:     c.brokerErrors.Load(),
		SpilledRecords:   c.spilledRecords.Load(),
		ReplayedRecords:  c.replayedRecords.Load(),
	}
}
