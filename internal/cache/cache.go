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

// Package cache implements the invalidation engine: a memoizing cache of
// computed values where every entry records the invalidation keys it depends
// on. The change monitor feeds invalidation keys drained from the operation
// log; matching entries flip to Invalidated and are recomputed lazily on the
// next Get. Recomputation is single-flight per key.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"pulsecache/internal/common"
)

// State is the lifecycle state of a cache entry.
type State int

const (
	StateConsistent State = iota
	StateInvalidated
	StateComputing
)

func (s State) String() string {
	switch s {
	case StateConsistent:
		return "consistent"
	case StateInvalidated:
		return "invalidated"
	case StateComputing:
		return "computing"
	default:
		return "unknown"
	}
}

// ComputeFunc produces the value for one computation. It must call
// deps.Touch for every invalidation key whose data it reads, and must honor
// ctx cancellation: ctx is cancelled when every caller waiting on this
// computation has given up.
type ComputeFunc func(ctx context.Context, deps *DepSet, args string) (any, error)

// Sink receives freshness events from the engine. The publisher implements
// it; a nil sink is allowed.
type Sink interface {
	// EntryInvalidated fires when a consistent entry turns stale. version
	// is the version the entry held while consistent.
	EntryInvalidated(key Key, version int64)
	// EntryRecomputed fires after a successful (re)computation stored a
	// fresh value under version.
	EntryRecomputed(key Key, version int64, value any)
}

type entry struct {
	value   any
	version int64
	state   State
	deps    map[string]struct{}
}

// flight tracks one in-progress computation and the callers attached to it.
type flight struct {
	ctx        context.Context
	cancel     context.CancelFunc
	waiters    int
	startInval int64
}

// DefaultCapacity bounds the cache when the configured capacity is zero.
const DefaultCapacity = 1024

// Engine owns the computed-value cache. All entry state is mutated only
// here; readers go through Get/Peek.
type Engine struct {
	mu      sync.Mutex
	entries *simplelru.LRU[Key, *entry]
	flights map[Key]*flight
	group   singleflight.Group
	comps   map[string]ComputeFunc
	sink    Sink

	capacity    int
	nextVersion int64

	// invalSeq orders invalidations relative to in-flight computations:
	// a computation that overlapped an invalidation of one of its recorded
	// dependencies must not be stored as consistent.
	invalSeq  int64
	lastInval map[string]int64

	hits, misses int64
}

// NewEngine creates an engine bounded to capacity entries (0 means
// DefaultCapacity). sink may be nil.
func NewEngine(capacity int, sink Sink) (*Engine, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// The library bound is kept above our own so that simplelru's internal
	// eviction never fires: capacity is enforced in enforceCapacity, which
	// knows that in-flight entries are exempt.
	entries, err := simplelru.NewLRU[Key, *entry](capacity*2+64, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	return &Engine{
		entries:   entries,
		flights:   make(map[Key]*flight),
		comps:     make(map[string]ComputeFunc),
		sink:      sink,
		capacity:  capacity,
		lastInval: make(map[string]int64),
	}, nil
}

// Register binds a computation id to its compute function. Registration is
// expected at wiring time, before Get traffic.
func (e *Engine) Register(computation string, fn ComputeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.comps[computation] = fn
}

// Get returns the cached value for key, computing it if the entry is missing
// or invalidated. Concurrent callers for the same key share one computation
// and receive the same value or the same error. A caller whose ctx is
// cancelled detaches without poisoning the computation for other waiters;
// when the last waiter detaches, the computation itself is cancelled and the
// entry stays invalidated.
func (e *Engine) Get(ctx context.Context, key Key) (any, error) {
	e.mu.Lock()
	if ent, ok := e.entries.Get(key); ok && ent.state == StateConsistent {
		v := ent.value
		e.hits++
		e.mu.Unlock()
		return v, nil
	}
	e.misses++
	fn, ok := e.comps[key.Computation]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", common.ErrNoComputation, key.Computation)
	}
	fl := e.flights[key]
	if fl == nil {
		// The computation's lifetime is detached from any single caller;
		// it is cancelled only when the last waiter gives up.
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: cctx, cancel: cancel, startInval: e.invalSeq}
		e.flights[key] = fl
	}
	fl.waiters++
	e.mu.Unlock()

	ch := e.group.DoChan(key.String(), func() (any, error) {
		return e.compute(fl, key, fn)
	})

	select {
	case res := <-ch:
		e.detach(key, fl)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		e.detach(key, fl)
		return nil, ctx.Err()
	}
}

// detach drops one waiter from a flight. The last waiter to detach from a
// still-running flight cancels it and releases the single-flight slot.
func (e *Engine) detach(key Key, fl *flight) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fl.waiters--
	if fl.waiters == 0 && e.flights[key] == fl {
		fl.cancel()
		e.group.Forget(key.String())
		delete(e.flights, key)
	}
}

// compute runs inside the single-flight slot: at most one execution per key
// at a time, no matter how many callers are attached.
func (e *Engine) compute(fl *flight, key Key, fn ComputeFunc) (any, error) {
	e.mu.Lock()
	ent, ok := e.entries.Get(key)
	if ok && ent.state == StateConsistent {
		// Another flight refreshed the entry between our caller's check
		// and this execution; reuse its result.
		v := ent.value
		e.mu.Unlock()
		return v, nil
	}
	if !ok {
		ent = &entry{state: StateComputing}
		e.entries.Add(key, ent)
	} else {
		ent.state = StateComputing
	}
	if cur := e.flights[key]; cur != fl {
		// The flight this execution was attached to already finished: its
		// last waiter raced a completing computation, joined, and re-entered
		// the single-flight slot after the flight was torn down. Its context
		// is cancelled, so run under the current flight instead, or a fresh
		// one if none exists.
		if cur != nil {
			fl = cur
		} else {
			cctx, cancel := context.WithCancel(context.Background())
			fl = &flight{ctx: cctx, cancel: cancel, startInval: e.invalSeq}
			e.flights[key] = fl
		}
	}
	e.mu.Unlock()

	deps := NewDepSet()
	value, err := fn(fl.ctx, deps, key.Args)
	if err == nil && fl.ctx.Err() != nil {
		// Every waiter gave up mid-computation; don't cache a result
		// nobody asked to keep.
		err = fl.ctx.Err()
	}

	e.mu.Lock()
	if e.flights[key] == fl {
		delete(e.flights, key)
	}
	fl.cancel()
	if err != nil {
		ent.state = StateInvalidated
		e.mu.Unlock()
		return nil, err
	}

	ent.deps = deps.snapshot()
	if e.overlappedInvalidation(fl, ent.deps) {
		// An invalidation for one of our dependencies landed while we were
		// computing; the value may predate it. Serve it to the waiters but
		// leave the entry stale so the next Get recomputes.
		ent.value = value
		ent.state = StateInvalidated
		e.mu.Unlock()
		return value, nil
	}

	e.nextVersion++
	ent.value = value
	ent.version = e.nextVersion
	ent.state = StateConsistent
	e.enforceCapacity()
	version := ent.version
	sink := e.sink
	e.mu.Unlock()

	if sink != nil {
		sink.EntryRecomputed(key, version, value)
	}
	return value, nil
}

// overlappedInvalidation reports whether any recorded dependency was
// invalidated after the flight started. Caller holds e.mu.
func (e *Engine) overlappedInvalidation(fl *flight, deps map[string]struct{}) bool {
	for k := range deps {
		if e.lastInval[k] > fl.startInval {
			return true
		}
	}
	return false
}

// Invalidate flips every consistent entry depending on invalidationKey to
// Invalidated and notifies the sink. Recomputation is lazy. Re-delivering a
// key already applied is a no-op.
func (e *Engine) Invalidate(invalidationKey string) {
	type notice struct {
		key     Key
		version int64
	}

	e.mu.Lock()
	e.invalSeq++
	e.lastInval[invalidationKey] = e.invalSeq
	var stale []notice
	for _, k := range e.entries.Keys() {
		ent, ok := e.entries.Peek(k)
		if !ok || ent.state != StateConsistent {
			continue
		}
		if _, dep := ent.deps[invalidationKey]; dep {
			ent.state = StateInvalidated
			stale = append(stale, notice{key: k, version: ent.version})
		}
	}
	sink := e.sink
	e.mu.Unlock()

	if sink == nil {
		return
	}
	for _, n := range stale {
		sink.EntryInvalidated(n.key, n.version)
	}
}

// enforceCapacity evicts least-recently-used entries above capacity. Entries
// that are computing (or have an attached flight) are never evicted; they are
// refreshed to the recent end and skipped. Caller holds e.mu.
func (e *Engine) enforceCapacity() {
	if e.capacity <= 0 {
		return
	}
	scanned := 0
	for e.entries.Len() > e.capacity && scanned < e.entries.Len() {
		k, ent, ok := e.entries.GetOldest()
		if !ok {
			return
		}
		if ent.state == StateComputing || e.flights[k] != nil {
			e.entries.Get(k) // refresh recency, look at the next oldest
			scanned++
			continue
		}
		e.entries.Remove(k)
	}
}

// Peek returns the entry's value, version and state without computing or
// touching recency. ok is false when the key is not cached at all.
func (e *Engine) Peek(key Key) (value any, version int64, state State, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries.Peek(key)
	if !ok {
		return nil, 0, 0, false
	}
	return ent.value, ent.version, ent.state, true
}

// Len returns the number of cached entries, including invalidated and
// computing ones.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entries.Len()
}

// Stats reports cache counters.
type Stats struct {
	Entries  int
	Capacity int
	Hits     int64
	Misses   int64
}

// Stats returns current cache statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Entries:  e.entries.Len(),
		Capacity: e.capacity,
		Hits:     e.hits,
		Misses:   e.misses,
	}
}
