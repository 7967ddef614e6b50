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
	"encoding/binary"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ZMQSink publishes event batches on a ZMQ PUB socket as three-part
// messages: topic, big-endian sequence number, msgpack payload.
type ZMQSink struct {
	socket *zmq.Socket
}

// NewZMQSink creates a PUB socket connected to the given endpoint
// (e.g. "tcp://indexer:5557").
func NewZMQSink(endpoint string) (*ZMQSink, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher socket: %w", err)
	}

	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect publisher socket to %s: %w", endpoint, err)
	}

	return &ZMQSink{socket: socket}, nil
}

// Send implements Sink.
func (z *ZMQSink) Send(topic string, seq uint64, payload []byte) error {
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)

	_, err := z.socket.SendMessage(topic, seqBytes, payload)
	return err
}

// Close implements Sink.
func (z *ZMQSink) Close() error {
	return z.socket.Close()
}
