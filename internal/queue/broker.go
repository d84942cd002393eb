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
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// BrokerProducer adapts a Kafka topic to the Producer contract, wrapping
// sarama's AsyncProducer. sarama's client is not goroutine-safe in the way
// Produce needs to be used here (a synchronous call per record), so every
// call to Produce holds mu while it hands its record to sarama, while two background
// goroutines drain the Successes and Errors channels and correlate
// results back to the waiting caller via a response channel stashed in
// ProducerMessage.Metadata.
type BrokerProducer struct {
	topic    string
	producer sarama.AsyncProducer
	log      *zap.Logger

	mu     sync.Mutex // serializes the hand-off to sarama's input channel against each other and against Close
	closed bool

	drainWG sync.WaitGroup
}

type brokerResult struct {
	partition int32
	offset    int64
	err       error
}

// BrokerConfig configures the underlying sarama client. Bootstrap is the
// comma-free slice of broker addresses.
type BrokerConfig struct {
	Bootstrap []string
	Topic     string
	// ShutdownTimeout is not read by NewBrokerProducer or Close; Close
	// always waits a fixed 10 seconds for in-flight messages to drain.
	ShutdownTimeout time.Duration
}

// NewBrokerProducer dials the given brokers and returns a ready-to-use
// BrokerProducer for topic. RequiredAcks is set to WaitForAll so a
// successful Produce implies the record is replicated, matching the
// durability bar the local backend gets from fsync.
func NewBrokerProducer(cfg BrokerConfig, log *zap.Logger) (*BrokerProducer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Retry.Backoff = 100 * time.Millisecond
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewAsyncProducer(cfg.Bootstrap, sc)
	if err != nil {
		return nil, fmt.Errorf("dial kafka brokers %v: %w", cfg.Bootstrap, err)
	}

	b := &BrokerProducer{
		topic:    cfg.Topic,
		producer: producer,
		log:      log,
	}

	b.drainWG.Add(2)
	go b.drainSuccesses()
	go b.drainErrors()

	return b, nil
}

// Produce hands payload to sarama keyed by key and blocks until the
// broker acknowledges it, returning the partition and offset it assigned
// — or until ctx is done. Same-key records land on the same partition
// because the producer is configured with a hash partitioner.
func (b *BrokerProducer) Produce(ctx context.Context, key string, payload []byte) (int, uint64, error) {
	resultCh := make(chan brokerResult, 1)
	msg := &sarama.ProducerMessage{
		Topic:    b.topic,
		Key:      sarama.StringEncoder(key),
		Value:    sarama.ByteEncoder(payload),
		Metadata: resultCh,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, 0, fmt.Errorf("produce to topic %s: producer is closed", b.topic)
	}
	select {
	case b.producer.Input() <- msg:
	case <-ctx.Done():
		b.mu.Unlock()
		return 0, 0, ctx.Err()
	}
	b.mu.Unlock()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return 0, 0, fmt.Errorf("produce to topic %s: %w", b.topic, res.err)
		}
		return int(res.partition), uint64(res.offset), nil
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

func (b *BrokerProducer) drainSuccesses() {
	defer b.drainWG.Done()
	for msg := range b.producer.Successes() {
		ch, ok := msg.Metadata.(chan brokerResult)
		if !ok {
			continue
		}
		ch <- brokerResult{partition: msg.Partition, offset: msg.Offset}
	}
}

func (b *BrokerProducer) drainErrors() {
	defer b.drainWG.Done()
	for perr := range b.producer.Errors() {
		ch, ok := perr.Msg.Metadata.(chan brokerResult)
		if !ok {
			b.log.Warn("kafka producer error with no correlated caller", zap.Error(perr.Err))
			continue
		}
		ch <- brokerResult{err: perr.Err}
	}
}

// Close flushes buffered messages, waits up to a fixed 10 seconds for
// the producer to fully quiesce (Successes and Errors both closed), and
// warns and destroys it anyway if that deadline passes — the same
// flush-poll-warn-destroy sequence used for the rest of this service's
// graceful shutdown.
func (b *BrokerProducer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.producer.AsyncClose()

	done := make(chan struct{})
	go func() {
		b.drainWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		b.log.Warn("kafka producer did not quiesce before shutdown timeout, destroying anyway",
			zap.String("topic", b.topic))
		return nil
	}
}
