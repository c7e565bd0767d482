//
// Copyright 2019 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
// Package hashindex implements the open-chained hash table the profiling
// core uses to index starts, events, stacks, and tasks by an arbitrary
// integer key. Collision resolution is left to the caller: Find takes a
// predicate so a single bucket can hold entries that share a hash but
// differ by some other field (e.g. a task ID and a CPU), and Delete
// removes an item by pointer identity.
package hashindex

// Item is anything that can live in an Index: it reports the key it is
// stored under.
type Item interface {
	HashKey() uint64
}

// Predicate reports whether item is the one being searched for. Index
// calls it once per item in the target bucket, in insertion order.
type Predicate func(item Item) bool

// Index is an open-chained hash table with a fixed bucket count. It is
// not safe for concurrent use; the pairing engine that owns one is
// single-threaded by design.
type Index struct {
	buckets [][]Item
	count   int
}

// New constructs an Index with the given number of buckets. bucketCount
// must be positive; keys are mapped to buckets by key modulo
// bucketCount. Callers pass the spec's fixed constants (16, 32, 1024).
func New(bucketCount int) *Index {
	return &Index{buckets: make([][]Item, bucketCount)}
}

// bucketFor maps key to a bucket index.
func (idx *Index) bucketFor(key uint64) int {
	return int(key % uint64(len(idx.buckets)))
}

// Add inserts item into the bucket for its HashKey. Add does not check
// for an existing entry with the same key; callers that require
// uniqueness must Find first.
func (idx *Index) Add(item Item) {
	b := idx.bucketFor(item.HashKey())
	idx.buckets[b] = append(idx.buckets[b], item)
	idx.count++
}

// Find returns the first item in key's bucket for which pred returns
// true, or nil if none matches.
func (idx *Index) Find(key uint64, pred Predicate) Item {
	for _, item := range idx.buckets[idx.bucketFor(key)] {
		if pred(item) {
			return item
		}
	}
	return nil
}

// Delete removes item from the index, locating its bucket by HashKey and
// its position within the bucket by pointer identity. It reports whether
// item was found and removed.
func (idx *Index) Delete(item Item) bool {
	b := idx.bucketFor(item.HashKey())
	bucket := idx.buckets[b]
	for i, candidate := range bucket {
		if candidate == item {
			idx.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			idx.count--
			return true
		}
	}
	return false
}

// Bucket returns the items in key's bucket, in insertion order. The
// returned slice must not be modified by the caller.
func (idx *Index) Bucket(key uint64) []Item {
	return idx.buckets[idx.bucketFor(key)]
}

// Len returns the total number of items currently indexed.
func (idx *Index) Len() int {
	return idx.count
}

// Each calls fn once for every item in the index. Iteration order is
// bucket order, then insertion order within a bucket; it is not sorted
// by key. fn must not Add or Delete from idx.
func (idx *Index) Each(fn func(item Item)) {
	for _, bucket := range idx.buckets {
		for _, item := range bucket {
			fn(item)
		}
	}
}

// ContentHash combines the 32-bit words of data into a single hash
// suitable for keying content-addressed entries (e.g. deduplicating
// stack traces by their caller list), mirroring the summation scheme the
// reference implementation uses for stack hashing.
func ContentHash(data []uint64) uint64 {
	var h uint64
	for _, w := range data {
		h += w
	}
	return h
}
