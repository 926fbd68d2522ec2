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

package blockmanager

import "errors"

var (
	// ErrAllocationFailure is returned when a sequence cannot get the blocks
	// it needs even after evicting cached blocks. The scheduler recovers by
	// preempting another sequence.
	ErrAllocationFailure = errors.New("block allocation failure")

	// ErrUnknownSequence is returned for sequences without a block table.
	ErrUnknownSequence = errors.New("sequence has no block table")
)
