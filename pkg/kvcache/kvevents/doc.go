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

// Package kvevents carries block lifecycle events between engines. A
// Publisher turns allocator events into vLLM-compatible msgpack batches on a
// ZMQ topic "kv@<engine-id>@<model-name>"; a Pool subscribes to those topics
// and keeps a kvindex.Index of which engine caches which block. A LocalSink
// feeds an in-process Pool without going through ZMQ.
package kvevents
