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

package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Key identifies one cached computation result: which computation, with which
// arguments. Args is an opaque canonical string; use KeyOf to derive it from
// structured arguments.
type Key struct {
	Computation string
	Args        string
}

// String returns a stable string form, used as the single-flight key.
func (k Key) String() string {
	return k.Computation + "\x00" + k.Args
}

// KeyOf builds a Key for a computation and arbitrary arguments. String
// arguments are used verbatim; anything else is digested.
func KeyOf(computation string, args any) Key {
	if s, ok := args.(string); ok {
		return Key{Computation: computation, Args: s}
	}
	return Key{Computation: computation, Args: ArgsDigest(args)}
}

// ArgsDigest returns a canonical digest of structured arguments, suitable as
// Key.Args. JSON gives a stable byte form for maps/structs/slices; xxhash
// keeps the key short.
func ArgsDigest(args any) string {
	data, err := json.Marshal(args)
	if err != nil {
		// Unmarshalable arguments still need a distinct-ish key.
		data = []byte(fmt.Sprintf("%#v", args))
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// DepSet records which invalidation keys a computation touched while
// producing its value. The engine hands one to every computation; the
// computation (or the data layer under it) calls Touch for every key it
// reads. Under-reporting is a correctness bug (the entry would stay stale
// forever); over-reporting only costs extra recomputation.
//
// Thread-safe: a computation may fan work out to goroutines that all Touch
// the same set.
type DepSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewDepSet returns an empty dependency set.
func NewDepSet() *DepSet {
	return &DepSet{keys: make(map[string]struct{})}
}

// Touch records one or more invalidation keys as dependencies.
func (d *DepSet) Touch(keys ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		d.keys[k] = struct{}{}
	}
}

// Keys returns the recorded dependencies, sorted.
func (d *DepSet) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.keys))
	for k := range d.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// snapshot copies the set for storage in a cache entry.
func (d *DepSet) snapshot() map[string]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]struct{}, len(d.keys))
	for k := range d.keys {
		out[k] = struct{}{}
	}
	return out
}
