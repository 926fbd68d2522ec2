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

package kvindex

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// ScoringStrategy names a way of ranking engines by cached blocks.
type ScoringStrategy string

// LongestPrefixMatch scores by consecutive hits from the first block.
const LongestPrefixMatch ScoringStrategy = "LongestPrefix"

// Scorer ranks engines given the lookup result of a key chain.
type Scorer interface {
	Strategy() ScoringStrategy
	// Score returns, per engine, the number of blocks it can serve.
	Score(keys []Key, keyToEngines map[Key][]string) map[string]int
}

// NewScorer creates a Scorer for the strategy. An empty strategy selects
// LongestPrefixMatch.
func NewScorer(strategy ScoringStrategy) (Scorer, error) {
	switch strategy {
	case LongestPrefixMatch, "":
		return LongestPrefixScorer{}, nil
	default:
		return nil, fmt.Errorf("unsupported scoring strategy: %s", strategy)
	}
}

// LongestPrefixScorer counts, per engine, the blocks it holds before its
// first miss. A block is only useful to a consumer if all of its
// predecessors are also transferable.
type LongestPrefixScorer struct{}

// Strategy implements Scorer.
func (LongestPrefixScorer) Strategy() ScoringStrategy {
	return LongestPrefixMatch
}

// Score implements Scorer.
func (LongestPrefixScorer) Score(keys []Key, keyToEngines map[Key][]string) map[string]int {
	scores := make(map[string]int)
	if len(keys) == 0 {
		return scores
	}

	active := sets.New(keyToEngines[keys[0]]...)
	for engine := range active {
		scores[engine] = 1
	}

	for _, key := range keys[1:] {
		if active.Len() == 0 {
			break
		}
		active = active.Intersection(sets.New(keyToEngines[key]...))
		for engine := range active {
			scores[engine]++
		}
	}

	return scores
}
