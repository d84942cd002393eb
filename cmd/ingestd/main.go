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

// Package main provides the entry point for ingestd, the metrics
// ingestion core's runnable shell. It is a thin collaborator: it parses
// the CLI surface described in the design (port, backend mode, and
// backend-specific addressing), builds one queue backend, and hands
// everything else to internal/ingest.Server.
//
// Usage:
//
//	ingestd <port> <mode> [<broker-bootstrap>] [<topic>]
//
// mode is "file" or "broker". In broker mode, broker-bootstrap is a
// comma-separated list of host:port pairs and topic is the Kafka topic
// name; both are required.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ingestd/internal/ingest"
	"ingestd/internal/obslog"
	"ingestd/internal/queue"
	"ingestd/internal/queue/checkpoint"
	"ingestd/internal/queue/spill"
	"ingestd/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	workers := flag.Int("workers", 16, "fixed acceptor worker pool size")
	maxPerSec := flag.Int("max_per_second", 10000, "per-client rate limit ceiling (requests per rolling 1000ms window)")
	queueRoot := flag.String("queue_root", "./data/queue", "root directory for the local partitioned queue (file mode only)")
	partitions := flag.Int("partitions", 4, "number of local queue partitions (file mode only)")
	logLevel := flag.String("log_level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log_format", "json", "log encoding: json or console")
	metricsAddr := flag.String("metrics_addr", "", "if non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	spillRedisAddr := flag.String("spill_redis_addr", "", "if non-empty, spill records that exhaust the retry budget to this Redis instance instead of dropping them")
	spillRedisPassword := flag.String("spill_redis_password", "", "password for spill_redis_addr, if any")
	spillRedisDB := flag.Int("spill_redis_db", 0, "Redis DB index for spill_redis_addr")
	checkpointDSN := flag.String("checkpoint_dsn", "", "if non-empty, a postgres DSN for a durable partition-offset checkpoint mirror (file mode only)")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: ingestd <port> <mode:file|broker> [<broker-bootstrap>] [<topic>]")
		return 2
	}
	port, mode := args[0], args[1]

	log, err := obslog.New(obslog.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	producer, err := openProducer(mode, args[2:], *queueRoot, *partitions, log)
	if err != nil {
		log.Error("failed to initialize queue backend", zap.String("mode", mode), zap.Error(err))
		return 1
	}

	if *checkpointDSN != "" {
		lq, ok := producer.(*queue.LocalQueue)
		if !ok {
			log.Error("checkpoint_dsn is only supported in file mode")
			return 1
		}
		db, err := sql.Open("postgres", *checkpointDSN)
		if err != nil {
			log.Error("failed to open checkpoint database", zap.Error(err))
			return 1
		}
		defer db.Close()
		if err := lq.SetCheckpoint(checkpoint.New(db)); err != nil {
			log.Error("failed to attach checkpoint store", zap.Error(err))
			return 1
		}
	}

	var spillStore *spill.Store
	if *spillRedisAddr != "" {
		client, rc := spill.NewRedisClient(*spillRedisAddr, *spillRedisPassword, *spillRedisDB)
		defer rc.Close()
		spillStore = spill.New(client, mode, 24*time.Hour)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
		defer metricsSrv.Close()
	}

	cfg := ingest.DefaultServerConfig(":" + port)
	cfg.Acceptor.Workers = *workers
	cfg.MaxPerSec = *maxPerSec

	srv := ingest.NewServer(cfg, producer, metrics, log, spillStore)
	if err := srv.Start(); err != nil {
		log.Error("failed to start ingestion server", zap.Error(err))
		return 1
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutdown signal received, draining in-flight work")
	if err := srv.Stop(); err != nil {
		log.Error("error while closing queue backend during shutdown", zap.Error(err))
		return 1
	}
	return 0
}

// openProducer builds the queue.Producer selected by mode. backendArgs are
// the CLI arguments following port and mode: for "broker" it is
// [bootstrap, topic]; "file" ignores them.
func openProducer(mode string, backendArgs []string, queueRoot string, partitions int, log *zap.Logger) (queue.Producer, error) {
	switch mode {
	case "file":
		return queue.OpenLocalQueue(queueRoot, partitions, queue.DefaultFsyncPolicy())
	case "broker":
		if len(backendArgs) < 2 {
			return nil, fmt.Errorf("broker mode requires <broker-bootstrap> and <topic> arguments")
		}
		bootstrap := strings.Split(backendArgs[0], ",")
		topic := backendArgs[1]
		return queue.NewBrokerProducer(queue.BrokerConfig{
			Bootstrap: bootstrap,
			Topic:     topic,
		}, log)
	default:
		return nil, fmt.Errorf("unknown mode %q, expected \"file\" or \"broker\"", mode)
	}
}
