/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvevents_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/kvevents"
)

type captorSink struct {
	mu       sync.Mutex
	topics   []string
	seqs     []uint64
	payloads [][]byte
	closed   bool
}

func (c *captorSink) Send(topic string, seq uint64, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.seqs = append(c.seqs, seq)
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *captorSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captorSink) snapshot() ([]string, []uint64, [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.topics...), append([]uint64{}, c.seqs...),
		append([][]byte{}, c.payloads...)
}

func TestPublisherTopicAndSequencing(t *testing.T) {
	sink := &captorSink{}
	pub := kvevents.NewPublisher(&kvevents.Config{
		PodIdentifier: "pod-1", ModelName: "m", QueueSize: 16,
	}, sink)
	pub.Start(t.Context())

	parent := uint64(7)
	pub.BlockStored(42, &parent, []uint32{1, 2, 3, 4}, 4)
	pub.Shutdown()

	topics, seqs, payloads := sink.snapshot()
	require.Len(t, payloads, 1)
	assert.Equal(t, "kv@pod-1@m", topics[0])
	assert.Equal(t, uint64(1), seqs[0])
	assert.True(t, sink.closed)
}

func TestPublishedBatchDecodes(t *testing.T) {
	sink := &captorSink{}
	pub := kvevents.NewPublisher(kvevents.DefaultConfig(), sink)
	pub.Start(t.Context())

	parent := uint64(99)
	pub.BlockStored(1234, &parent, []uint32{5, 6}, 2)
	pub.BlockRemoved([]uint64{1234})
	pub.AllBlocksCleared()
	pub.Shutdown()

	_, _, payloads := sink.snapshot()
	require.NotEmpty(t, payloads)

	var events []msgpack.RawMessage
	for _, payload := range payloads {
		var batch kvevents.EventBatch
		require.NoError(t, msgpack.Unmarshal(payload, &batch))
		assert.InDelta(t, float64(time.Now().UnixNano())/1e9, batch.TS, 5)
		events = append(events, batch.Events...)
	}
	require.Len(t, events, 3)

	var stored []any
	require.NoError(t, msgpack.Unmarshal(events[0], &stored))
	require.Len(t, stored, 6)
	assert.Equal(t, kvevents.BlockStoredEventTag, stored[0])

	var removed []any
	require.NoError(t, msgpack.Unmarshal(events[1], &removed))
	require.Len(t, removed, 2)
	assert.Equal(t, kvevents.BlockRemovedEventTag, removed[0])

	var cleared []any
	require.NoError(t, msgpack.Unmarshal(events[2], &cleared))
	assert.Equal(t, []any{kvevents.AllBlocksClearedEventTag}, cleared)
}

func TestPublisherOverflowDropsInsteadOfBlocking(t *testing.T) {
	sink := &captorSink{}
	pub := kvevents.NewPublisher(&kvevents.Config{
		PodIdentifier: "pod", ModelName: "m", QueueSize: 1,
	}, sink)
	// not started: the queue fills and further events must drop immediately

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			pub.BlockRemoved([]uint64{uint64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked the caller on a full queue")
	}
}
