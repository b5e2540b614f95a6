/*
Copyright 2024 the coreupdate authors.

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

// Package watch is a single-writer, many-reader "latest value" channel: a
// publisher calls Set and every subscriber's Changed() unblocks once,
// independent of how many Sets happened in between. It stands in for a
// queue when broadcasting the trampoline image id and installinator
// progress, where only the latest value matters.
package watch

import "sync"

// Watch holds the latest published value of T and lets any number of
// readers block until the value changes.
type Watch[T any] struct {
	mu      sync.Mutex
	value   T
	has     bool
	version uint64
	changed chan struct{}
}

// New returns an empty Watch; Borrow reports has=false until the first Set.
func New[T any]() *Watch[T] {
	return &Watch[T]{changed: make(chan struct{})}
}

// Set publishes a new value, waking every goroutine currently blocked in
// Changed.
func (w *Watch[T]) Set(value T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.value = value
	w.has = true
	w.version++
	close(w.changed)
	w.changed = make(chan struct{})
}

// Borrow returns the current value without blocking. has is false if Set
// has never been called.
func (w *Watch[T]) Borrow() (value T, has bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.has
}

// Changed blocks until a Set occurs that the caller has not yet observed,
// or ctx is done. lastSeen should be the version returned by a previous
// call (0 for a never-subscribed reader); it returns the new value and the
// version to pass on the next call.
func (w *Watch[T]) Changed(done <-chan struct{}, lastSeen uint64) (value T, version uint64, ok bool) {
	w.mu.Lock()
	if w.version != lastSeen {
		value, version = w.value, w.version
		w.mu.Unlock()
		return value, version, true
	}
	ch := w.changed
	w.mu.Unlock()

	select {
	case <-ch:
		w.mu.Lock()
		value, version = w.value, w.version
		w.mu.Unlock()
		return value, version, true
	case <-done:
		return value, lastSeen, false
	}
}

// Version returns the current version counter, for establishing a baseline
// before the first Changed call.
func (w *Watch[T]) Version() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}
