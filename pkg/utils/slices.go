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

package utils

import "strings"

// SliceMap applies a function to each element of a slice and returns a new
// slice with the results.
func SliceMap[Domain, Range any](slice []Domain, fn func(Domain) Range) []Range {
	if slice == nil {
		return nil
	}

	ans := make([]Range, len(slice))
	for idx, elt := range slice {
		ans[idx] = fn(elt)
	}

	return ans
}

// SliceMapE is SliceMap for a mapping function that can fail. The first
// error aborts the mapping and is returned as is.
func SliceMapE[Domain, Range any](slice []Domain, fn func(Domain) (Range, error)) ([]Range, error) {
	if slice == nil {
		return nil, nil
	}

	ans := make([]Range, len(slice))
	for idx, elt := range slice {
		mapped, err := fn(elt)
		if err != nil {
			return nil, err
		}
		ans[idx] = mapped
	}

	return ans, nil
}

// SliceFilter returns the elements of slice for which keep returns true,
// preserving their order.
func SliceFilter[T any](slice []T, keep func(T) bool) []T {
	if slice == nil {
		return nil
	}

	ans := make([]T, 0, len(slice))
	for _, elt := range slice {
		if keep(elt) {
			ans = append(ans, elt)
		}
	}

	return ans
}

// SplitList splits a comma-separated list, trimming whitespace and dropping
// empty items.
func SplitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	return items
}
