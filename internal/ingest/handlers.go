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

package ingest

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"ingestd/internal/ingesterr"
	"ingestd/internal/metricmodel"
	"ingestd/internal/parser"
	"ingestd/internal/ratelimit"
	"ingestd/internal/telemetry"
)

// Pipeline wires together the pieces a POST /metrics request needs:
// rate limiting, parsing/validation, and handing accepted batches to the
// async writer.
type Pipeline struct {
	limiter *ratelimit.Limiter
	writer  *AsyncWriter
	metrics *telemetry.Counters
	log     *zap.Logger
}

// NewPipeline constructs a Pipeline. None of its dependencies are owned
// by it; callers are responsible for their lifecycles.
func NewPipeline(limiter *ratelimit.Limiter, writer *AsyncWriter, metrics *telemetry.Counters, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{limiter: limiter, writer: writer, metrics: metrics, log: log}
}

// Routes returns the path-to-handler table NewConnHandler expects.
func (p *Pipeline) Routes() map[string]Route {
	return map[string]Route{
		"POST /metrics": p.handlePostMetrics,
		"GET /health":   p.handleHealth,
		"GET /metrics":  p.handleGetMetrics,
	}
}

type postMetricsSuccess struct {
	Success          bool `json:"success"`
	MetricsProcessed int  `json:"metrics_processed"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (p *Pipeline) handlePostMetrics(req *request) response {
	p.metrics.RequestReceived()

	clientID := req.header["authorization"]
	if clientID == "" {
		p.metrics.ValidationError()
		return jsonError(401, ingesterr.ErrMissingClientID)
	}

	if !p.limiter.Allow(clientID) {
		p.metrics.RateLimited()
		return jsonError(429, ingesterr.ErrRateLimited)
	}

	metrics, err := parser.Parse(req.body)
	if err != nil {
		p.metrics.ValidationError()
		return jsonError(400, fmt.Errorf("%w: %v", ingesterr.ErrSchemaViolation, err))
	}

	batch := metricmodel.Batch{ClientID: clientID, Metrics: metrics}
	if err := p.writer.Enqueue(AsyncWriteTask{ClientID: clientID, Payload: batch.MarshalCanonicalJSON()}); err != nil {
		p.metrics.QueueFull()
		p.log.Warn("rejecting request, writer queue saturated", zap.String("client_id", clientID), zap.Error(err))
		return jsonError(503, err)
	}

	p.metrics.BatchProcessed(len(metrics))
	body, _ := json.Marshal(postMetricsSuccess{Success: true, MetricsProcessed: len(metrics)})
	return response{status: 200, body: body}
}

func (p *Pipeline) handleHealth(_ *request) response {
	if !p.writer.Healthy() {
		return response{status: 503, body: []byte(`{"status":"degraded"}`)}
	}
	return response{status: 200, body: []byte(`{"status":"ok"}`)}
}

func (p *Pipeline) handleGetMetrics(_ *request) response {
	body, err := json.Marshal(p.metrics.Snapshot())
	if err != nil {
		return jsonError(500, err)
	}
	return response{status: 200, body: body}
}

func jsonError(status int, err error) response {
	body, _ := json.Marshal(errorBody{Error: err.Error()})
	return response{status: status, body: body}
}
