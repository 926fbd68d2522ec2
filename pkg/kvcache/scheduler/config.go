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

import "fmt"

// PreemptionPolicy selects which running sequence loses its blocks first.
type PreemptionPolicy string

const (
	// MostRecentlyAdmitted preempts in reverse admission order.
	MostRecentlyAdmitted PreemptionPolicy = "MostRecentlyAdmitted"
	// LeastRecentlyAdmitted preempts in admission order.
	LeastRecentlyAdmitted PreemptionPolicy = "LeastRecentlyAdmitted"
)

// PreemptionMode selects what happens to a preempted sequence's blocks.
type PreemptionMode string

const (
	// Recompute frees the blocks; the sequence waits to be prefilled again.
	Recompute PreemptionMode = "recompute"
	// Swap moves the blocks to the slow tier. It falls back to Recompute
	// when the slow tier has no room.
	Swap PreemptionMode = "swap"
)

// Config holds the configuration of the Scheduler.
type Config struct {
	// MaxRunningSequences bounds the batch. Zero means no bound.
	MaxRunningSequences int `json:"maxRunningSequences"`

	PreemptionPolicy PreemptionPolicy `json:"preemptionPolicy"`
	PreemptionMode   PreemptionMode   `json:"preemptionMode"`

	// PreemptForAdmission lets the head of the waiting queue preempt running
	// sequences that arrived after it when the device is full. A sequence
	// that was preempted before never does, so two sequences cannot evict
	// each other forever.
	PreemptForAdmission bool `json:"preemptForAdmission"`
}

// DefaultConfig returns a default configuration for the Scheduler.
func DefaultConfig() *Config {
	return &Config{
		MaxRunningSequences: 256,
		PreemptionPolicy:    MostRecentlyAdmitted,
		PreemptionMode:      Recompute,
	}
}

func (c *Config) validate() error {
	switch c.PreemptionPolicy {
	case MostRecentlyAdmitted, LeastRecentlyAdmitted:
	default:
		return fmt.Errorf("unsupported preemption policy: %s", c.PreemptionPolicy)
	}
	switch c.PreemptionMode {
	case Recompute, Swap:
	default:
		return fmt.Errorf("unsupported preemption mode: %s", c.PreemptionMode)
	}
	if c.MaxRunningSequences < 0 {
		return fmt.Errorf("invalid max running sequences %d", c.MaxRunningSequences)
	}
	return nil
}
