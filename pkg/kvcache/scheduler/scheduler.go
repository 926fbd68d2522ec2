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

// Package scheduler decides, step by step, which sequences run and drives
// their block lifecycle through the block manager.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockmanager"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/cacheengine"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// BlockSpace is the block manager surface the scheduler depends on.
type BlockSpace interface {
	AllocationStatus(seq *blockmanager.Sequence) blockmanager.AllocStatus
	Allocate(ctx context.Context, seq *blockmanager.Sequence) error
	AppendSlot(ctx context.Context, seq *blockmanager.Sequence) (*cacheengine.Transfer, error)
	Fork(parent, child *blockmanager.Sequence) error
	Free(ctx context.Context, seq *blockmanager.Sequence) error
	CanSwapOut(seq *blockmanager.Sequence) bool
	SwapOut(ctx context.Context, seq *blockmanager.Sequence) error
	SwapInStatus(seq *blockmanager.Sequence) blockmanager.AllocStatus
	SwapIn(ctx context.Context, seq *blockmanager.Sequence) error
}

var _ BlockSpace = &blockmanager.BlockManager{}

// Outputs describes the decisions of one scheduling step.
type Outputs struct {
	// Running lists the sequences compute may run this step, in admission
	// order. Their pending copies have completed.
	Running   []*blockmanager.Sequence
	Admitted  []*blockmanager.Sequence
	SwappedIn []*blockmanager.Sequence
	Preempted []*blockmanager.Sequence
	Aborted   []*blockmanager.Sequence
}

// Scheduler is a first-come-first-served scheduler with preemption. All
// methods are safe for concurrent use; steps are serialized.
type Scheduler struct {
	cfg    Config
	blocks BlockSpace

	mu      sync.Mutex
	seqs    map[blockmanager.SequenceID]*blockmanager.Sequence
	waiting []*blockmanager.Sequence // by arrival
	swapped []*blockmanager.Sequence // by arrival
	running []*blockmanager.Sequence // by admission

	admission    map[blockmanager.SequenceID]uint64
	admissionSeq uint64

	// copies launched during the current step, per sequence.
	pending map[blockmanager.SequenceID][]*cacheengine.Transfer
}

// New creates a Scheduler over the given block space.
func New(cfg *Config, blocks BlockSpace) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.PreemptionPolicy == "" {
		c.PreemptionPolicy = MostRecentlyAdmitted
	}
	if c.PreemptionMode == "" {
		c.PreemptionMode = Recompute
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	return &Scheduler{
		cfg:       c,
		blocks:    blocks,
		seqs:      make(map[blockmanager.SequenceID]*blockmanager.Sequence),
		admission: make(map[blockmanager.SequenceID]uint64),
		pending:   make(map[blockmanager.SequenceID][]*cacheengine.Transfer),
	}, nil
}

// AddSequence queues a WAITING sequence for admission.
func (s *Scheduler) AddSequence(seq *blockmanager.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seqs[seq.ID]; ok {
		return fmt.Errorf("%s is already scheduled", seq)
	}
	if seq.Status != blockmanager.Waiting {
		return fmt.Errorf("%s is %s, expected %s", seq, seq.Status, blockmanager.Waiting)
	}

	s.seqs[seq.ID] = seq
	s.waiting = insertByArrival(s.waiting, seq)
	return nil
}

// Sequence returns a tracked sequence.
func (s *Scheduler) Sequence(id blockmanager.SequenceID) (*blockmanager.Sequence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seqs[id]
	return seq, ok
}

// QueueLengths returns the number of waiting, running and swapped sequences.
func (s *Scheduler) QueueLengths() (waiting, running, swapped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.waiting), len(s.running), len(s.swapped)
}

// HasUnfinished reports whether any sequence is still tracked.
func (s *Scheduler) HasUnfinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.seqs) > 0
}

// Schedule runs one scheduling step:
//  1. running sequences get a slot for their last token, preempting other
//     running sequences on allocation failure;
//  2. swapped sequences return to the device, unless step 1 preempted;
//  3. waiting sequences are admitted in arrival order while blocks allow.
//
// Copies launched by the step complete before Schedule returns; a sequence
// whose copy failed is aborted and its blocks are freed.
func (s *Scheduler) Schedule(ctx context.Context) (*Outputs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := prometheus.NewTimer(metrics.StepLatency)
	defer timer.ObserveDuration()

	out := &Outputs{}
	err := s.scheduleRunningLocked(ctx, out)
	if err == nil {
		if len(out.Preempted) == 0 {
			s.scheduleSwappedLocked(ctx, out)
		}
		if len(s.swapped) == 0 {
			s.scheduleWaitingLocked(ctx, out)
		}
	}
	s.barrierLocked(ctx, out)

	out.Running = slices.Clone(s.running)

	klog.FromContext(ctx).V(logging.DEBUG).WithName("scheduler.Scheduler.Schedule").Info("step scheduled",
		"running", len(s.running), "waiting", len(s.waiting), "swapped", len(s.swapped),
		"admitted", len(out.Admitted), "preempted", len(out.Preempted), "aborted", len(out.Aborted))

	return out, err
}

func (s *Scheduler) scheduleRunningLocked(ctx context.Context, out *Outputs) error {
	for _, seq := range slices.Clone(s.running) {
		// preempted as a victim earlier in this step.
		if seq.Status != blockmanager.Running {
			continue
		}

		for {
			transfer, err := s.blocks.AppendSlot(ctx, seq)
			if err == nil {
				if transfer != nil {
					s.pending[seq.ID] = append(s.pending[seq.ID], transfer)
				}
				break
			}
			if !errors.Is(err, blockmanager.ErrAllocationFailure) {
				s.abortLocked(ctx, seq, err, out)
				break
			}

			victim := s.pickVictimLocked(seq)
			if victim == nil {
				return fmt.Errorf("%w: %s cannot grow and no running sequence can be preempted",
					ErrSchedulingDeadlock, seq)
			}
			s.preemptLocked(ctx, victim, out)
		}
	}
	return nil
}

func (s *Scheduler) scheduleSwappedLocked(ctx context.Context, out *Outputs) {
	for len(s.swapped) > 0 {
		if s.batchFullLocked() {
			return
		}
		seq := s.swapped[0]

		switch s.blocks.SwapInStatus(seq) {
		case blockmanager.AllocLater:
			return
		case blockmanager.AllocNever:
			s.abortLocked(ctx, seq, ErrSequenceTooLarge, out)
			continue
		}

		if err := s.blocks.SwapIn(ctx, seq); err != nil {
			if errors.Is(err, blockmanager.ErrAllocationFailure) {
				return
			}
			s.abortLocked(ctx, seq, err, out)
			continue
		}

		s.swapped = slices.Delete(s.swapped, 0, 1)
		seq.Status = blockmanager.Running
		s.running = s.insertByAdmissionLocked(seq)
		out.SwappedIn = append(out.SwappedIn, seq)
	}
}

func (s *Scheduler) scheduleWaitingLocked(ctx context.Context, out *Outputs) {
	for len(s.waiting) > 0 {
		if s.batchFullLocked() {
			return
		}
		seq := s.waiting[0]

		switch s.blocks.AllocationStatus(seq) {
		case blockmanager.AllocNever:
			s.abortLocked(ctx, seq, ErrSequenceTooLarge, out)
			continue
		case blockmanager.AllocLater:
			if !s.preemptForAdmissionLocked(ctx, seq, out) {
				return
			}
		}

		if err := s.blocks.Allocate(ctx, seq); err != nil {
			if errors.Is(err, blockmanager.ErrAllocationFailure) {
				return
			}
			s.abortLocked(ctx, seq, err, out)
			continue
		}

		s.waiting = removeSeq(s.waiting, seq)
		seq.Status = blockmanager.Running
		s.admissionSeq++
		s.admission[seq.ID] = s.admissionSeq
		s.running = append(s.running, seq)
		out.Admitted = append(out.Admitted, seq)
	}
}

// preemptForAdmissionLocked frees room for seq by preempting running
// sequences that arrived after it. Sequences placed on the device in this
// step are never taken. It reports whether seq can now be allocated.
func (s *Scheduler) preemptForAdmissionLocked(ctx context.Context, seq *blockmanager.Sequence, out *Outputs) bool {
	if !s.cfg.PreemptForAdmission || seq.NumPreemptions > 0 {
		return false
	}

	for s.blocks.AllocationStatus(seq) != blockmanager.AllocOK {
		victim := s.pickAdmissionVictimLocked(seq, out)
		if victim == nil {
			return false
		}
		s.preemptLocked(ctx, victim, out)
	}
	return true
}

// pickAdmissionVictimLocked returns the lowest-priority running sequence
// that arrived after seq and was not admitted or swapped in by out, or nil.
func (s *Scheduler) pickAdmissionVictimLocked(seq *blockmanager.Sequence, out *Outputs) *blockmanager.Sequence {
	eligible := func(c *blockmanager.Sequence) bool {
		return arrivedBefore(seq, c) && !slices.Contains(out.Admitted, c) && !slices.Contains(out.SwappedIn, c)
	}
	if s.cfg.PreemptionPolicy == MostRecentlyAdmitted {
		for i := len(s.running) - 1; i >= 0; i-- {
			if eligible(s.running[i]) {
				return s.running[i]
			}
		}
		return nil
	}

	for _, c := range s.running {
		if eligible(c) {
			return c
		}
	}
	return nil
}

func (s *Scheduler) batchFullLocked() bool {
	return s.cfg.MaxRunningSequences > 0 && len(s.running) >= s.cfg.MaxRunningSequences
}

// pickVictimLocked returns the lowest-priority running sequence other than
// exclude, or nil.
func (s *Scheduler) pickVictimLocked(exclude *blockmanager.Sequence) *blockmanager.Sequence {
	candidates := s.running
	if s.cfg.PreemptionPolicy == MostRecentlyAdmitted {
		for i := len(candidates) - 1; i >= 0; i-- {
			if candidates[i] != exclude {
				return candidates[i]
			}
		}
		return nil
	}

	for _, c := range candidates {
		if c != exclude {
			return c
		}
	}
	return nil
}

// Preempt takes a running sequence off the device following the configured
// preemption mode.
func (s *Scheduler) Preempt(ctx context.Context, id blockmanager.SequenceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seqs[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSequence, id)
	}
	if seq.Status != blockmanager.Running {
		return fmt.Errorf("%s is %s, expected %s", seq, seq.Status, blockmanager.Running)
	}

	s.preemptLocked(ctx, seq, &Outputs{})
	return nil
}

func (s *Scheduler) preemptLocked(ctx context.Context, seq *blockmanager.Sequence, out *Outputs) {
	logger := klog.FromContext(ctx).WithName("scheduler.Scheduler.preempt")

	// blocks must not be released while a copy still writes them.
	if err := s.waitPendingLocked(seq); err != nil {
		s.abortLocked(ctx, seq, err, out)
		return
	}

	s.running = removeSeq(s.running, seq)
	out.Preempted = append(out.Preempted, seq)
	seq.NumPreemptions++

	if s.cfg.PreemptionMode == Swap && s.blocks.CanSwapOut(seq) {
		err := s.blocks.SwapOut(ctx, seq)
		if err == nil {
			seq.Status = blockmanager.Swapped
			s.swapped = insertByArrival(s.swapped, seq)
			metrics.Preemptions.WithLabelValues(string(Swap)).Inc()
			logger.V(logging.VERBOSE).Info("swapped out sequence", "seq", seq.ID)
			return
		}
		if errors.Is(err, cacheengine.ErrCacheTransferFailure) {
			s.abortLocked(ctx, seq, err, out)
			return
		}
		logger.V(logging.VERBOSE).Info("swap out failed, recomputing", "seq", seq.ID, "err", err)
	}

	if err := s.blocks.Free(ctx, seq); err != nil {
		logger.Error(err, "failed to free preempted sequence", "seq", seq.ID)
	}
	delete(s.admission, seq.ID)
	seq.Status = blockmanager.Waiting
	s.waiting = insertByArrival(s.waiting, seq)
	metrics.Preemptions.WithLabelValues(string(Recompute)).Inc()
	logger.V(logging.VERBOSE).Info("preempted sequence for recompute", "seq", seq.ID)
}

// Fork adds child as a running sequence sharing all blocks of parent.
func (s *Scheduler) Fork(parentID blockmanager.SequenceID, child *blockmanager.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.seqs[parentID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSequence, parentID)
	}
	if parent.Status != blockmanager.Running {
		return fmt.Errorf("%s is %s, expected %s", parent, parent.Status, blockmanager.Running)
	}
	if _, ok := s.seqs[child.ID]; ok {
		return fmt.Errorf("%s is already scheduled", child)
	}

	if err := s.blocks.Fork(parent, child); err != nil {
		return err
	}

	child.Status = blockmanager.Running
	s.seqs[child.ID] = child
	s.admissionSeq++
	s.admission[child.ID] = s.admissionSeq
	s.running = append(s.running, child)
	return nil
}

// Finish marks a sequence FINISHED and frees its blocks.
func (s *Scheduler) Finish(ctx context.Context, id blockmanager.SequenceID) error {
	return s.terminate(ctx, id, blockmanager.Finished, nil)
}

// Abort marks a sequence ABORTED and frees its blocks.
func (s *Scheduler) Abort(ctx context.Context, id blockmanager.SequenceID, reason error) error {
	return s.terminate(ctx, id, blockmanager.Aborted, reason)
}

func (s *Scheduler) terminate(ctx context.Context, id blockmanager.SequenceID,
	status blockmanager.SequenceStatus, reason error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seqs[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSequence, id)
	}

	if status == blockmanager.Aborted {
		s.abortLocked(ctx, seq, reason, &Outputs{})
		return nil
	}

	_ = s.waitPendingLocked(seq)
	s.untrackLocked(seq)
	seq.Status = status
	return s.blocks.Free(ctx, seq)
}

func (s *Scheduler) abortLocked(ctx context.Context, seq *blockmanager.Sequence, reason error, out *Outputs) {
	_ = s.waitPendingLocked(seq)
	s.untrackLocked(seq)
	seq.Status = blockmanager.Aborted
	seq.AbortReason = reason
	out.Aborted = append(out.Aborted, seq)
	metrics.AbortedSequences.Inc()

	if err := s.blocks.Free(ctx, seq); err != nil {
		klog.FromContext(ctx).Error(err, "failed to free aborted sequence", "seq", seq.ID)
	}
	klog.FromContext(ctx).V(logging.DEFAULT).WithName("scheduler.Scheduler.abort").
		Info("aborted sequence", "seq", seq.ID, "reason", reason)
}

func (s *Scheduler) untrackLocked(seq *blockmanager.Sequence) {
	delete(s.seqs, seq.ID)
	delete(s.admission, seq.ID)
	s.waiting = removeSeq(s.waiting, seq)
	s.running = removeSeq(s.running, seq)
	s.swapped = removeSeq(s.swapped, seq)
}

func (s *Scheduler) waitPendingLocked(seq *blockmanager.Sequence) error {
	transfers := s.pending[seq.ID]
	delete(s.pending, seq.ID)
	return cacheengine.WaitAll(transfers...)
}

// barrierLocked waits for every copy launched in the step and aborts the
// sequences whose copies failed.
func (s *Scheduler) barrierLocked(ctx context.Context, out *Outputs) {
	for id, transfers := range s.pending {
		delete(s.pending, id)
		err := cacheengine.WaitAll(transfers...)
		if seq, ok := s.seqs[id]; ok && err != nil {
			s.abortLocked(ctx, seq, err, out)
		}
	}
}

func (s *Scheduler) insertByAdmissionLocked(seq *blockmanager.Sequence) []*blockmanager.Sequence {
	order, ok := s.admission[seq.ID]
	if !ok {
		s.admissionSeq++
		order = s.admissionSeq
		s.admission[seq.ID] = order
	}
	i, _ := slices.BinarySearchFunc(s.running, order, func(e *blockmanager.Sequence, o uint64) int {
		return compareUint64(s.admission[e.ID], o)
	})
	return slices.Insert(s.running, i, seq)
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// arrivedBefore orders sequences by arrival time, then by ID.
func arrivedBefore(a, b *blockmanager.Sequence) bool {
	if a.ArrivalTime.Equal(b.ArrivalTime) {
		return a.ID < b.ID
	}
	return a.ArrivalTime.Before(b.ArrivalTime)
}

func insertByArrival(queue []*blockmanager.Sequence, seq *blockmanager.Sequence) []*blockmanager.Sequence {
	i := slices.IndexFunc(queue, func(e *blockmanager.Sequence) bool {
		return arrivedBefore(seq, e)
	})
	if i < 0 {
		return append(queue, seq)
	}
	return slices.Insert(queue, i, seq)
}

func removeSeq(queue []*blockmanager.Sequence, seq *blockmanager.Sequence) []*blockmanager.Sequence {
	return slices.DeleteFunc(queue, func(e *blockmanager.Sequence) bool { return e == seq })
}
