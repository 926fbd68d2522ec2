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

package kvblock

import "errors"

var (
	// ErrOutOfMemory indicates the pool cannot provide the requested number of
	// blocks even after evicting every evictable block.
	ErrOutOfMemory = errors.New("out of KV-cache blocks")
	// ErrUnknownBlock indicates a block id outside of the pool.
	ErrUnknownBlock = errors.New("unknown block")
	// ErrInvalidRefCount indicates an operation on a block that is not
	// referenced, e.g. freeing or forking a block that is free or evictable.
	ErrInvalidRefCount = errors.New("invalid block reference count")
)
