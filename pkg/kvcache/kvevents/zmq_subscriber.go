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
	"encoding/binary"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const (
	// How long to wait before retrying to connect.
	retryInterval = 5 * time.Second
	// How often the poller should time out to check for context cancellation.
	pollTimeout = 250 * time.Millisecond
)

// zmqSubscriber binds a SUB socket that engine publishers connect to and
// forwards their messages to a pool.
type zmqSubscriber struct {
	pool        *Pool
	endpoint    string
	topicFilter string
}

func newZMQSubscriber(pool *Pool, endpoint, topicFilter string) *zmqSubscriber {
	return &zmqSubscriber{
		pool:        pool,
		endpoint:    endpoint,
		topicFilter: topicFilter,
	}
}

// Start runs the subscriber until ctx is canceled, rebinding after
// socket failures.
func (z *zmqSubscriber) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("kvevents.zmqSubscriber")

	for {
		z.runSubscriber(ctx)

		select {
		case <-time.After(retryInterval):
			logger.Info("retrying zmq-subscriber")
		case <-ctx.Done():
			logger.Info("shutting down zmq-subscriber")
			return
		}
	}
}

func (z *zmqSubscriber) runSubscriber(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("kvevents.zmqSubscriber")
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		logger.Error(err, "Failed to create subscriber socket")
		return
	}
	defer sub.Close()

	if err := sub.Bind(z.endpoint); err != nil {
		logger.Error(err, "Failed to bind subscriber socket", "endpoint", z.endpoint)
		return
	}
	logger.Info("Bound subscriber socket", "endpoint", z.endpoint)

	if err := sub.SetSubscribe(z.topicFilter); err != nil {
		logger.Error(err, "Failed to subscribe to topic filter", "topic", z.topicFilter)
		return
	}

	poller := zmq.NewPoller()
	poller.Add(sub, zmq.POLLIN)

	debugLogger := logger.V(logging.DEBUG)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			debugLogger.Error(err, "Failed to poll zmq subscriber", "endpoint", z.endpoint)
			return
		}
		if len(polled) == 0 {
			continue
		}

		parts, err := sub.RecvMessageBytes(0)
		if err != nil {
			debugLogger.Error(err, "Failed to receive message from zmq subscriber", "endpoint", z.endpoint)
			return
		}
		if len(parts) != 3 || len(parts[1]) != 8 {
			debugLogger.Info("Dropping malformed message", "parts", len(parts))
			continue
		}

		topic := string(parts[0])
		engineID, modelName, ok := ParseTopic(topic)
		if !ok {
			debugLogger.Info("Failed to extract identifiers from topic, expected format kv@<engine-id>@<model-name>",
				"topic", topic)
			continue
		}
		seq := binary.BigEndian.Uint64(parts[1])

		debugLogger.Info("Received message from zmq subscriber",
			"topic", topic, "seq", seq, "engineID", engineID, "modelName", modelName, "payloadSize", len(parts[2]))

		z.pool.AddTask(&Message{
			Topic:     topic,
			Payload:   parts[2],
			Seq:       seq,
			EngineID:  engineID,
			ModelName: modelName,
		})
	}
}
