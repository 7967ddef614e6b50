// Copyright 2025 The llm-d Authors.
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

package kvevents

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/utils/logging"
)

// Sink delivers an encoded event batch. Implementations: ZMQSink for
// external consumers, test captors in _test files.
type Sink interface {
	Send(topic string, seq uint64, payload []byte) error
	Close() error
}

// Config holds the configuration for the event publisher.
type Config struct {
	// PodIdentifier names this engine instance in topics.
	PodIdentifier string `json:"podIdentifier"`
	// ModelName names the served model in topics.
	ModelName string `json:"modelName"`
	// QueueSize bounds buffered batches; overflow is dropped, never
	// blocking the decision loop.
	QueueSize int `json:"queueSize"`
}

// DefaultConfig returns a default publisher configuration.
func DefaultConfig() *Config {
	return &Config{
		PodIdentifier: "localhost",
		ModelName:     "default",
		QueueSize:     1024,
	}
}

// Publisher batches block events from the block manager and ships them to a
// sink on its own goroutine. It implements kvblock.EventSink.
type Publisher struct {
	topic string
	sink  Sink

	ch   chan event
	wg   sync.WaitGroup
	seq  uint64
	once sync.Once
}

// NewPublisher creates a publisher over the sink.
func NewPublisher(cfg *Config, sink Sink) *Publisher {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Publisher{
		topic: fmt.Sprintf("kv@%s@%s", cfg.PodIdentifier, cfg.ModelName),
		sink:  sink,
		ch:    make(chan event, cfg.QueueSize),
	}
}

// Start launches the delivery goroutine. Non-blocking.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.deliver(ctx)
}

// Shutdown flushes buffered events and closes the sink.
func (p *Publisher) Shutdown() {
	p.once.Do(func() { close(p.ch) })
	p.wg.Wait()
	_ = p.sink.Close()
}

// BlockStored implements kvblock.EventSink.
func (p *Publisher) BlockStored(hash uint64, parentHash *uint64, tokens []uint32, blockSize int) {
	toks := make([]uint32, len(tokens))
	copy(toks, tokens)
	p.enqueue(BlockStored{
		BlockHashes:     []uint64{hash},
		ParentBlockHash: parentHash,
		TokenIds:        toks,
		BlockSize:       blockSize,
	})
}

// BlockRemoved implements kvblock.EventSink.
func (p *Publisher) BlockRemoved(hashes []uint64) {
	hs := make([]uint64, len(hashes))
	copy(hs, hashes)
	p.enqueue(BlockRemoved{BlockHashes: hs})
}

// AllBlocksCleared implements kvblock.EventSink.
func (p *Publisher) AllBlocksCleared() {
	p.enqueue(AllBlocksCleared{})
}

// enqueue hands an event to the delivery goroutine, dropping on overflow.
func (p *Publisher) enqueue(ev event) {
	select {
	case p.ch <- ev:
	default:
		// the decision loop must never block on event delivery
	}
}

// deliver drains the channel, coalescing whatever is ready into one batch
// per send.
func (p *Publisher) deliver(ctx context.Context) {
	defer p.wg.Done()
	logger := klog.FromContext(ctx).WithName("kvevents-publisher")

	for ev, ok := <-p.ch; ok; ev, ok = <-p.ch {
		batch := []event{ev}
	drain:
		for {
			select {
			case more, open := <-p.ch:
				if !open {
					break drain
				}
				batch = append(batch, more)
			default:
				break drain
			}
		}

		payload, err := encodeBatch(batch)
		if err != nil {
			logger.Error(err, "failed to encode event batch", "events", len(batch))
			continue
		}

		p.seq++
		if err := p.sink.Send(p.topic, p.seq, payload); err != nil {
			logger.V(logging.DEBUG).Error(err, "failed to publish event batch", "seq", p.seq)
		}
	}
}
