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

//nolint:testpackage // allow tests to run in the same package
package e2e

func tokens(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i + 1) //nolint:gosec // small test prompts
	}
	return out
}

// TestBasicE2E verifies that an admitted prompt becomes visible to the
// router once its events are digested.
func (s *KVCacheSuite) TestBasicE2E() {
	prompt := tokens(2 * blockSize)
	s.Zero(s.score(prompt), "expected no score before admission")

	s.admit(prompt)
	s.eventuallyScores(prompt, 2)
	s.NotEmpty(s.server.Keys(), "expected index keys in redis")
}

// TestPrefixReduction tests scoring behavior when querying progressively
// shorter prefixes of a fully cached prompt.
func (s *KVCacheSuite) TestPrefixReduction() {
	fullPrompt := tokens(4 * blockSize)
	midPrompt := fullPrompt[:3*blockSize]
	shortPrompt := fullPrompt[:2*blockSize]

	s.admit(fullPrompt)
	s.eventuallyScores(fullPrompt, 4)

	s.Equal(3, s.score(midPrompt))
	s.Equal(2, s.score(shortPrompt))
}

// TestPrefixExpansion tests that prompts longer than the cached prefix
// still return partial match scores, and that shared prefixes are only
// stored once.
func (s *KVCacheSuite) TestPrefixExpansion() {
	fullPrompt := tokens(4 * blockSize)
	midPrompt := fullPrompt[:3*blockSize]
	shortPrompt := fullPrompt[:2*blockSize]

	s.admit(shortPrompt)
	s.eventuallyScores(fullPrompt, 2)

	s.admit(midPrompt)
	s.eventuallyScores(fullPrompt, 3)
}

// TestEvictionReachesRouter verifies that blocks evicted on the producer
// stop being scored.
func (s *KVCacheSuite) TestEvictionReachesRouter() {
	prompt := tokens(2 * blockSize)
	id := s.admit(prompt)
	s.eventuallyScores(prompt, 2)
	s.finish(id)

	// fill the device with unrelated prompts so every cached block is evicted.
	for i := range 8 {
		other := make([]uint32, 2*blockSize)
		for j := range other {
			other[j] = uint32(1000*(i+1) + j) //nolint:gosec // small test prompts
		}
		s.admit(other)
	}

	s.eventuallyScores(prompt, 0)
}
