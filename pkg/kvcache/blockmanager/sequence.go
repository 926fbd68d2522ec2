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

import (
	"fmt"
	"time"
)

// SequenceID identifies a sequence for its whole lifetime.
type SequenceID uint64

// SequenceStatus is the scheduling state of a sequence.
type SequenceStatus int

const (
	// Waiting sequences hold no blocks and wait for admission.
	Waiting SequenceStatus = iota
	// Running sequences hold device blocks.
	Running
	// Swapped sequences hold slow-tier blocks only.
	Swapped
	// Finished sequences completed generation.
	Finished
	// Aborted sequences were dropped before completing.
	Aborted
)

func (s SequenceStatus) String() string {
	switch s {
	case Waiting:
		return "WAITING"
	case Running:
		return "RUNNING"
	case Swapped:
		return "SWAPPED"
	case Finished:
		return "FINISHED"
	case Aborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("SequenceStatus(%d)", int(s))
	}
}

// IsTerminal reports whether the status is FINISHED or ABORTED.
func (s SequenceStatus) IsTerminal() bool {
	return s == Finished || s == Aborted
}

// Sequence is a generation request's token history plus its scheduling
// state. Its block table is owned by the BlockManager.
//
// A Sequence is not safe for concurrent use; the scheduling loop owns it.
type Sequence struct {
	ID SequenceID
	// ExtraKey separates otherwise identical prompts in the prefix cache,
	// e.g. per LoRA adapter.
	ExtraKey    string
	ArrivalTime time.Time
	Status      SequenceStatus
	// NumPreemptions counts how many times the sequence lost its blocks.
	NumPreemptions int
	// AbortReason is set when Status is Aborted.
	AbortReason error

	tokens []uint32
}

// NewSequence creates a WAITING sequence over the given prompt tokens.
func NewSequence(id SequenceID, prompt []uint32, arrival time.Time) *Sequence {
	return &Sequence{
		ID:          id,
		ArrivalTime: arrival,
		Status:      Waiting,
		tokens:      append([]uint32(nil), prompt...),
	}
}

// Len returns the number of tokens in the sequence.
func (s *Sequence) Len() int {
	return len(s.tokens)
}

// Tokens returns the token history. The slice must not be modified.
func (s *Sequence) Tokens() []uint32 {
	return s.tokens
}

// AppendToken records a generated token. The caller then asks the
// BlockManager for a slot through AppendSlot.
func (s *Sequence) AppendToken(token uint32) {
	s.tokens = append(s.tokens, token)
}

// NumBlocks returns the number of blocks needed to hold all tokens.
func (s *Sequence) NumBlocks(blockSize int) int {
	return (len(s.tokens) + blockSize - 1) / blockSize
}

// Fork returns a copy of the sequence under a new id with the same status
// and arrival time. Blocks are shared through BlockManager.Fork.
func (s *Sequence) Fork(id SequenceID) *Sequence {
	child := NewSequence(id, s.tokens, s.ArrivalTime)
	child.ExtraKey = s.ExtraKey
	child.Status = s.Status
	return child
}

func (s *Sequence) String() string {
	return fmt.Sprintf("seq-%d", s.ID)
}
