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

package cacheengine

import (
	"errors"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

// BlockMapping moves the contents of Src into Dst.
type BlockMapping struct {
	Src kvblock.BlockID
	Dst kvblock.BlockID
}

// Transfer is the handle of an asynchronous cache operation. Destination
// blocks must not be read or written by compute before Wait returns.
type Transfer struct {
	op       string
	mappings []BlockMapping
	done     chan struct{}
	err      error
}

func newTransfer(op string, mappings []BlockMapping) *Transfer {
	return &Transfer{op: op, mappings: mappings, done: make(chan struct{})}
}

// completedTransfer returns an already finished transfer.
func completedTransfer(op string, err error) *Transfer {
	t := newTransfer(op, nil)
	t.err = err
	close(t.done)
	return t
}

// Op returns the operation name: "copy", "swap_in" or "swap_out".
func (t *Transfer) Op() string {
	return t.op
}

// Mappings returns the block pairs moved by the transfer.
func (t *Transfer) Mappings() []BlockMapping {
	return t.mappings
}

// Done is closed once every block of the transfer has settled.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transfer completes and returns its error, which
// wraps ErrCacheTransferFailure. A nil transfer is complete.
func (t *Transfer) Wait() error {
	if t == nil {
		return nil
	}
	<-t.done
	return t.err
}

// WaitAll is a completion barrier over several transfers.
func WaitAll(transfers ...*Transfer) error {
	var errs []error
	for _, t := range transfers {
		if err := t.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
