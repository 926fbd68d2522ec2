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

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/cacheengine"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// How often blocking socket waits wake up to check for cancellation.
const pollTimeout = 100 * time.Millisecond

// HandshakeMessage is exchanged by both sides of a transfer handshake. The
// descriptors let the receiver issue remote reads without further
// negotiation.
type HandshakeMessage struct {
	EngineID         string                        `msgpack:"engine_id"`
	Role             Role                          `msgpack:"role"`
	BlockDescriptors []cacheengine.BlockDescriptor `msgpack:"block_descriptor_list"`
	// Error is set on replies to rejected requests.
	Error string `msgpack:"error,omitempty"`
}

// Session is an established transfer session with a peer.
type Session struct {
	Peer          EngineMetadata
	Remote        HandshakeMessage
	EstablishedAt time.Time
}

// ReplyFunc builds the descriptors replied to an accepted handshake.
// Returning an error rejects the request.
type ReplyFunc func(ctx context.Context, req *HandshakeMessage) ([]cacheengine.BlockDescriptor, error)

// SideChannel serves handshake requests on a ZMQ REP socket.
type SideChannel struct {
	engineID string
	role     Role
	reply    ReplyFunc

	socket   *zmq.Socket
	endpoint string

	mu    sync.Mutex
	peers map[string]HandshakeMessage

	done chan struct{}
}

// ListenSideChannel binds a handshake server to addr. Serve must be called
// to answer requests; it owns the socket from then on.
func ListenSideChannel(addr, engineID string, role Role, reply ReplyFunc) (*SideChannel, error) {
	socket, err := zmq.NewSocket(zmq.REP)
	if err != nil {
		return nil, fmt.Errorf("failed to create side-channel socket: %w", err)
	}
	if err := socket.Bind(addr); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind side channel to %s: %w", addr, err)
	}
	endpoint, err := socket.GetLastEndpoint()
	if err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to resolve side-channel endpoint: %w", err)
	}

	return &SideChannel{
		engineID: engineID,
		role:     role,
		reply:    reply,
		socket:   socket,
		endpoint: endpoint,
		peers:    make(map[string]HandshakeMessage),
		done:     make(chan struct{}),
	}, nil
}

// Endpoint returns the bound endpoint, with wildcard ports resolved.
func (s *SideChannel) Endpoint() string {
	return s.endpoint
}

// Peer returns the last accepted handshake of an engine.
func (s *SideChannel) Peer(engineID string) (HandshakeMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.peers[engineID]
	return msg, ok
}

// Done is closed once Serve returned.
func (s *SideChannel) Done() <-chan struct{} {
	return s.done
}

// Serve answers handshake requests until ctx is canceled, then closes the
// socket.
func (s *SideChannel) Serve(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("coordinator.SideChannel")
	defer close(s.done)
	defer s.socket.Close()

	poller := zmq.NewPoller()
	poller.Add(s.socket, zmq.POLLIN)

	logger.Info("Serving handshakes", "endpoint", s.endpoint)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			logger.Error(err, "Failed to poll side channel")
			return
		}
		if len(polled) == 0 {
			continue
		}

		payload, err := s.socket.RecvBytes(0)
		if err != nil {
			logger.Error(err, "Failed to receive handshake")
			return
		}

		reply := s.handle(ctx, payload)
		data, err := msgpack.Marshal(reply)
		if err != nil {
			logger.Error(err, "Failed to encode handshake reply")
			data, _ = msgpack.Marshal(&HandshakeMessage{EngineID: s.engineID, Role: s.role, Error: err.Error()})
		}
		if _, err := s.socket.SendBytes(data, 0); err != nil {
			logger.Error(err, "Failed to send handshake reply")
			return
		}
	}
}

func (s *SideChannel) handle(ctx context.Context, payload []byte) *HandshakeMessage {
	logger := klog.FromContext(ctx).WithName("coordinator.SideChannel")
	reply := &HandshakeMessage{EngineID: s.engineID, Role: s.role}

	var req HandshakeMessage
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		reply.Error = fmt.Sprintf("malformed handshake: %v", err)
		logger.V(logging.VERBOSE).Info("Rejected handshake", "reason", reply.Error)
		return reply
	}
	if req.EngineID == "" {
		reply.Error = "handshake without engine id"
		return reply
	}

	if s.reply != nil {
		descs, err := s.reply(ctx, &req)
		if err != nil {
			reply.Error = err.Error()
			logger.V(logging.VERBOSE).Info("Rejected handshake", "peer", req.EngineID, "reason", reply.Error)
			return reply
		}
		reply.BlockDescriptors = descs
	}

	s.mu.Lock()
	s.peers[req.EngineID] = req
	s.mu.Unlock()

	logger.V(logging.DEFAULT).Info("Accepted handshake", "peer", req.EngineID, "role", req.Role,
		"descriptors", len(req.BlockDescriptors))
	return reply
}

// dialHandshake sends local to the peer's side channel and waits up to
// timeout for its reply.
func dialHandshake(ctx context.Context, peer *EngineMetadata, local *HandshakeMessage,
	timeout time.Duration,
) (*HandshakeMessage, error) {
	if peer.Address == "" {
		return nil, errors.New("peer has no address")
	}

	socket, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	defer socket.Close()
	// pending requests must not keep the process alive on close.
	if err := socket.SetLinger(0); err != nil {
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err := socket.SetSndtimeo(timeout); err != nil {
		return nil, fmt.Errorf("failed to set send timeout: %w", err)
	}
	if err := socket.Connect(peer.Address); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", peer.Address, err)
	}

	payload, err := msgpack.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handshake: %w", err)
	}
	if _, err := socket.SendBytes(payload, 0); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	poller := zmq.NewPoller()
	poller.Add(socket, zmq.POLLIN)
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("no reply from %s within %v", peer.Address, timeout)
		}

		polled, err := poller.Poll(min(remaining, pollTimeout))
		if err != nil {
			return nil, fmt.Errorf("failed to poll: %w", err)
		}
		if len(polled) > 0 {
			break
		}
	}

	data, err := socket.RecvBytes(0)
	if err != nil {
		return nil, fmt.Errorf("failed to receive reply: %w", err)
	}

	var reply HandshakeMessage
	if err := msgpack.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("rejected by %s: %s", peer.Address, reply.Error)
	}
	if peer.EngineID != "" && reply.EngineID != peer.EngineID {
		return nil, fmt.Errorf("expected engine %s at %s, got %s", peer.EngineID, peer.Address, reply.EngineID)
	}
	return &reply, nil
}
