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

package kvevents

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const topicPrefix = "kv@"

// Topic returns the ZMQ topic an engine publishes the events of a model on.
func Topic(engineID, modelName string) string {
	return topicPrefix + engineID + "@" + modelName
}

// ParseTopic extracts the engine id and model name from a topic. Model
// names may contain '@'.
func ParseTopic(topic string) (engineID, modelName string, ok bool) {
	rest, found := strings.CutPrefix(topic, topicPrefix)
	if !found {
		return "", "", false
	}
	engineID, modelName, ok = strings.Cut(rest, "@")
	if !ok || engineID == "" || modelName == "" {
		return "", "", false
	}
	return engineID, modelName, true
}

// PublisherConfig holds the configuration of a Publisher.
type PublisherConfig struct {
	// Endpoint is the ZMQ address of the subscriber (e.g., "tcp://indexer:5557").
	Endpoint  string `json:"endpoint"`
	EngineID  string `json:"engineID"`
	ModelName string `json:"modelName"`
	// QueueSize bounds the events waiting to be sent. Events published
	// while the queue is full are dropped.
	QueueSize int `json:"queueSize"`
}

// Publisher sends allocator events to a ZMQ subscriber. It implements
// kvblock.EventSink; Publish never blocks.
type Publisher struct {
	socket *zmq.Socket
	topic  string
	queue  chan kvblock.Event

	seqNum  uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

var _ kvblock.EventSink = &Publisher{}

// NewPublisher creates a PUB socket connected to cfg.Endpoint.
func NewPublisher(cfg *PublisherConfig) (*Publisher, error) {
	if cfg.EngineID == "" || cfg.ModelName == "" {
		return nil, fmt.Errorf("engine id and model name are required")
	}

	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}
	if err := socket.Connect(cfg.Endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err)
	}

	return &Publisher{
		socket: socket,
		topic:  Topic(cfg.EngineID, cfg.ModelName),
		queue:  make(chan kvblock.Event, max(cfg.QueueSize, 1)),
		done:   make(chan struct{}),
	}, nil
}

// Publish queues an event for sending.
func (p *Publisher) Publish(ctx context.Context, event kvblock.Event) {
	select {
	case p.queue <- event:
	default:
		p.dropped.Add(1)
		klog.FromContext(ctx).V(logging.DEBUG).WithName("kvevents.Publisher.Publish").
			Info("event queue full, dropping event", "topic", p.topic, "kind", event.Kind)
	}
}

// Dropped returns the number of events dropped on a full queue.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Run sends queued events until ctx is canceled, then closes the socket.
// Events queued together are sent as one batch.
func (p *Publisher) Run(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("kvevents.Publisher")
	defer p.close()

	for {
		select {
		case <-ctx.Done():
			return
		case first := <-p.queue:
			batch := []kvblock.Event{first}
			for drained := false; !drained; {
				select {
				case ev := <-p.queue:
					batch = append(batch, ev)
				default:
					drained = true
				}
			}
			if err := p.send(ctx, batch); err != nil {
				logger.Error(err, "Failed to publish events", "topic", p.topic, "events", len(batch))
			}
		}
	}
}

func (p *Publisher) send(ctx context.Context, events []kvblock.Event) error {
	ts := float64(time.Now().UnixNano()) / float64(time.Second)
	payload, err := EncodeBatch(ts, events...)
	if err != nil {
		return err
	}

	p.seqNum++
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, p.seqNum)

	if _, err := p.socket.SendMessage(p.topic, seqBytes, payload); err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", p.topic, err)
	}

	klog.FromContext(ctx).V(logging.TRACE).Info("Published event batch", "topic", p.topic, "seq", p.seqNum)
	return nil
}

func (p *Publisher) close() {
	p.closeOnce.Do(func() {
		_ = p.socket.Close()
		close(p.done)
	})
}

// Done is closed once Run returned and the socket is closed.
func (p *Publisher) Done() <-chan struct{} {
	return p.done
}

// LocalSink feeds allocator events of one engine into an in-process Pool.
type LocalSink struct {
	pool      *Pool
	engineID  string
	modelName string
	seqNum    atomic.Uint64
}

var _ kvblock.EventSink = &LocalSink{}

// NewLocalSink creates a LocalSink publishing as engineID.
func NewLocalSink(pool *Pool, engineID, modelName string) *LocalSink {
	return &LocalSink{pool: pool, engineID: engineID, modelName: modelName}
}

// Publish encodes the event and hands it to the pool.
func (s *LocalSink) Publish(ctx context.Context, event kvblock.Event) {
	ts := float64(time.Now().UnixNano()) / float64(time.Second)
	payload, err := EncodeBatch(ts, event)
	if err != nil {
		klog.FromContext(ctx).Error(err, "Failed to encode event", "engineID", s.engineID)
		return
	}

	s.pool.AddTask(&Message{
		Topic:     Topic(s.engineID, s.modelName),
		Payload:   payload,
		Seq:       s.seqNum.Add(1),
		EngineID:  s.engineID,
		ModelName: s.modelName,
	})
}
