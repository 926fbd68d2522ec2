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

package scheduler

import "errors"

var (
	// ErrSchedulingDeadlock is returned by Schedule when a running sequence
	// cannot grow and no other sequence can be preempted. The step stops at
	// that sequence; the process keeps running.
	ErrSchedulingDeadlock = errors.New("scheduling deadlock")

	// ErrSequenceTooLarge aborts a sequence that needs more blocks than the
	// device owns.
	ErrSequenceTooLarge = errors.New("sequence exceeds device capacity")

	// ErrUnknownSequence is returned for ids the scheduler does not track.
	ErrUnknownSequence = errors.New("unknown sequence")
)
