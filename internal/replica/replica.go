// Copyright 2025 PulseCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package replica implements the client-side mirror of one published
// computation. A replica never writes the authoritative cache; it only
// reflects pushes received from its publisher, and it never moves backward
// in version.
package replica

import (
	"encoding/json"
	"sync"

	"pulsecache/internal/cache"
	"pulsecache/internal/publisher"
)

// Replica mirrors one published computed value.
type Replica struct {
	mu         sync.RWMutex
	key        cache.Key
	value      json.RawMessage
	version    int64
	consistent bool
}

// New returns an empty, inconsistent replica for key.
func New(key cache.Key) *Replica {
	return &Replica{key: key}
}

// Key returns the mirrored cache key.
func (r *Replica) Key() cache.Key {
	return r.key
}

// Apply folds one push into the replica. Pushes older than the held version
// are dropped (protects against reordered delivery); a stale marker at or
// above the held version marks the replica inconsistent; a value push at or
// above the held version replaces the value and restores consistency.
// Returns whether the push was applied.
func (r *Replica) Apply(p publisher.Push) bool {
	if p.Key() != r.key {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Version < r.version {
		return false
	}
	r.version = p.Version
	if p.Stale {
		r.consistent = false
		return true
	}
	r.value = p.Value
	r.consistent = true
	return true
}

// MarkInconsistent flags the replica as out of sync, e.g. after its
// connection dropped and pushes may have been missed.
func (r *Replica) MarkInconsistent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consistent = false
}

// Value returns the last mirrored value and its version.
func (r *Replica) Value() (json.RawMessage, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.version
}

// Decode unmarshals the last mirrored value into v.
func (r *Replica) Decode(v any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Unmarshal(r.value, v)
}

// Consistent reports whether no invalidation affecting this key has been
// pushed since the held version was recorded.
func (r *Replica) Consistent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consistent
}

// Version returns the highest version observed so far.
func (r *Replica) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
