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

import "errors"

var (
	// ErrCacheTransferFailure is returned when a copy or swap of block
	// contents fails. It is fatal to the sequences owning the blocks only.
	ErrCacheTransferFailure = errors.New("cache transfer failure")

	errBlockNotPresent = errors.New("block not present in tier")
	errCorruptBlock    = errors.New("block checksum mismatch")
	errBlockOutOfRange = errors.New("block id out of range")
)
