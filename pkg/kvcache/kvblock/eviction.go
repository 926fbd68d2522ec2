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

import (
	"container/heap"
	"fmt"
	"time"
)

// EvictionPolicyKind names an eviction policy.
type EvictionPolicyKind string

const (
	// LRU evicts the least recently accessed block first, ties broken by the
	// lowest block id.
	LRU EvictionPolicyKind = "LRU"
)

// EvictionPolicy selects the order in which evictable blocks are reclaimed.
// The set of policies is closed; use NewEvictionPolicy to obtain one.
type EvictionPolicy struct {
	Kind EvictionPolicyKind
	less func(a, b *evictionCandidate) bool
}

// NewEvictionPolicy returns the policy of the given kind. An empty kind
// selects LRU.
func NewEvictionPolicy(kind EvictionPolicyKind) (EvictionPolicy, error) {
	switch kind {
	case LRU, "":
		return EvictionPolicy{Kind: LRU, less: lruLess}, nil
	default:
		return EvictionPolicy{}, fmt.Errorf("unsupported eviction policy: %s", kind)
	}
}

func lruLess(a, b *evictionCandidate) bool {
	if !a.lastAccess.Equal(b.lastAccess) {
		return a.lastAccess.Before(b.lastAccess)
	}
	return a.id < b.id
}

type evictionCandidate struct {
	id         BlockID
	lastAccess time.Time
	index      int
}

// evictableQueue is a priority queue of evictable blocks ordered by the
// policy. Removal of an arbitrary block is O(log n) through byID.
type evictableQueue struct {
	policy EvictionPolicy
	items  []*evictionCandidate
	byID   map[BlockID]*evictionCandidate
}

func newEvictableQueue(policy EvictionPolicy) *evictableQueue {
	return &evictableQueue{
		policy: policy,
		byID:   make(map[BlockID]*evictionCandidate),
	}
}

func (q *evictableQueue) Len() int { return len(q.items) }

func (q *evictableQueue) Less(i, j int) bool {
	return q.policy.less(q.items[i], q.items[j])
}

func (q *evictableQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *evictableQueue) Push(x any) {
	c, _ := x.(*evictionCandidate)
	c.index = len(q.items)
	q.items = append(q.items, c)
}

func (q *evictableQueue) Pop() any {
	n := len(q.items)
	c := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	c.index = -1
	return c
}

func (q *evictableQueue) add(id BlockID, lastAccess time.Time) {
	c := &evictionCandidate{id: id, lastAccess: lastAccess}
	q.byID[id] = c
	heap.Push(q, c)
}

func (q *evictableQueue) remove(id BlockID) bool {
	c, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, c.index)
	delete(q.byID, id)
	return true
}

func (q *evictableQueue) popVictim() (BlockID, bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	c, _ := heap.Pop(q).(*evictionCandidate)
	delete(q.byID, c.id)
	return c.id, true
}
