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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecache/internal/common"
)

// recordingSink collects freshness events for assertions.
type recordingSink struct {
	mu          sync.Mutex
	invalidated []sinkEvent
	recomputed  []sinkEvent
}

type sinkEvent struct {
	key     Key
	version int64
}

func (s *recordingSink) EntryInvalidated(key Key, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, sinkEvent{key, version})
}

func (s *recordingSink) EntryRecomputed(key Key, version int64, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputed = append(s.recomputed, sinkEvent{key, version})
}

func (s *recordingSink) invalidatedEvents() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent(nil), s.invalidated...)
}

func (s *recordingSink) recomputedEvents() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent(nil), s.recomputed...)
}

func TestGetComputesOnceAndCaches(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(0, nil)
	require.NoError(t, err)

	var calls atomic.Int64
	e.Register("gameState", func(ctx context.Context, deps *DepSet, args string) (any, error) {
		calls.Add(1)
		deps.Touch("game:" + args)
		return "state-" + args, nil
	})

	key := Key{Computation: "gameState", Args: "42"}
	v, err := e.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "state-42", v)

	v, err = e.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "state-42", v)
	assert.Equal(t, int64(1), calls.Load(), "second Get must be a cache hit")

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestGetUnknownComputation(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(0, nil)
	require.NoError(t, err)

	_, err = e.Get(context.Background(), Key{Computation: "nope"})
	assert.ErrorIs(t, err, common.ErrNoComputation)
}

func TestConcurrentGetSharesOneComputation(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(0, nil)
	require.NoError(t, err)

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	e.Register("slow", func(ctx context.Context, deps *DepSet, args string) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "done", nil
	})

	key := Key{Computation: "slow"}
	const n = 10
	results := make(chan any, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.Get(context.Background(), key)
			results <- v
			errs <- err
		}()
	}

	<-started
	// All callers are attached (or attaching) to the same flight now.
	close(release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for v := range results {
		assert.Equal(t, "done", v)
	}
	assert.Equal(t, int64(1), calls.Load(), "concurrent callers must share one execution")
}

func TestInvalidationFlipsMatchingEntries(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	e, err := NewEngine(0, sink)
	require.NoError(t, err)

	var calls atomic.Int64
	e.Register("gameState", func(ctx context.Context, deps *DepSet, args string) (any, error) {
		deps.Touch("game:" + args)
		return fmt.Sprintf("state-%s-%d", args, calls.Add(1)), nil
	})

	key42 := Key{Computation: "gameState", Args: "42"}
	key43 := Key{Computation: "gameState", Args: "43"}
	_, err = e.Get(context.Background(), key42)
	require.NoError(t, err)
	_, err = e.Get(context.Background(), key43)
	require.NoError(t, err)

	e.Invalidate("game:42")

	_, _, state, ok := e.Peek(key42)
	require.True(t, ok)
	assert.Equal(t, StateInvalidated, state)

	_, _, state, ok = e.Peek(key43)
	require.True(t, ok)
	assert.Equal(t, StateConsistent, state, "unrelated entry stays consistent")

	inval := sink.invalidatedEvents()
	require.Len(t, inval, 1)
	assert.Equal(t, key42, inval[0].key)
	assert.Equal(t, int64(1), inval[0].version)

	// Lazy recompute on the next Get, with a higher version.
	v, err := e.Get(context.Background(), key42)
	require.NoError(t, err)
	assert.Equal(t, "state-42-3", v)

	rec := sink.recomputedEvents()
	require.Len(t, rec, 3)
	last := rec[len(rec)-1]
	assert.Equal(t, key42, last.key)
	assert.Greater(t, last.version, inval[0].version, "recompute must advance the version")
}

func TestInvalidateIsIdempotent(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	e, err := NewEngine(0, sink)
	require.NoError(t, err)

	e.Register("c", func(ctx context.Context, deps *DepSet, args string) (any, error) {
		deps.Touch("k")
		return 1, nil
	})
	_, err = e.Get(context.Background(), Key{Computation: "c"})
	require.NoError(t, err)

	e.Invalidate("k")
	e.Invalidate("k")
	e.Invalidate("k")

	assert.Len(t, sink.invalidatedEvents(), 1, "re-delivery of the same key is a no-op")
}

func TestComputeErrorLeavesEntryInvalidated(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(0, nil)
	require.NoError(t, err)

	boom := errors.New("upstream gone")
	var calls atomic.Int64
	e.Register("flaky", func(ctx context.Context, deps *DepSet, args string) (any, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return "recovered", nil
	})

	key := Key{Computation: "flaky"}
	_, err = e.Get(context.Background(), key)
	require.ErrorIs(t, err, boom)

	_, _, state, ok := e.Peek(key)
	require.True(t, ok)
	assert.Equal(t, StateInvalidated, state)

	// A failed computation is not cached; the next Get retries.
	v, err := e.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
}

func TestCancelledWaiterDoesNotPoisonFlight(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(0, nil)
	require.NoError(t, err)

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	e.Register("slow", func(ctx context.Context, deps *DepSet, args string) (any, error) {
		calls.Add(1)
		close(started)
		select {
		case <-release:
			return "value", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	key := Key{Computation: "slow"}
	ctx1, cancel1 := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Get(ctx1, key)
		errCh <- err
	}()
	<-started

	resCh := make(chan any, 1)
	go func() {
		v, err := e.Get(context.Background(), key)
		require.NoError(t, err)
		resCh <- v
	}()

	// Give the second waiter time to attach, then abandon the first.
	time.Sleep(50 * time.Millisecond)
	cancel1()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	select {
	case v := <-resCh:
		assert.Equal(t, "value", v)
	case <-time.After(5 * time.Second):
		t.Fatal("surviving waiter never got a result")
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestLastWaiterCancelsComputation(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(0, nil)
	require.NoError(t, err)

	var calls atomic.Int64
	started := make(chan struct{})
	observedCancel := make(chan struct{})
	e.Register("blocking", func(ctx context.Context, deps *DepSet, args string) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			close(observedCancel)
			return nil, ctx.Err()
		}
		return "fresh", nil
	})

	key := Key{Computation: "blocking"}
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Get(ctx, key)
		errCh <- err
	}()
	<-started

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	select {
	case <-observedCancel:
	case <-time.After(5 * time.Second):
		t.Fatal("computation never saw cancellation after the last waiter left")
	}

	// The abandoned result was not cached as consistent; a later Get
	// computes fresh.
	v, err := e.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestEvictionSkipsOldestBeyondCapacity(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(2, nil)
	require.NoError(t, err)

	e.Register("c", func(ctx context.Context, deps *DepSet, args string) (any, error) {
		return "v-" + args, nil
	})

	for _, args := range []string{"1", "2", "3"} {
		_, err := e.Get(context.Background(), Key{Computation: "c", Args: args})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, e.Len())
	_, _, _, ok := e.Peek(Key{Computation: "c", Args: "1"})
	assert.False(t, ok, "least recently used entry is evicted first")
	_, _, _, ok = e.Peek(Key{Computation: "c", Args: "3"})
	assert.True(t, ok)
}

func TestEvictionNeverRegressesVersions(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	e, err := NewEngine(1, sink)
	require.NoError(t, err)

	e.Register("c", func(ctx context.Context, deps *DepSet, args string) (any, error) {
		return args, nil
	})

	// Fill, evict, and recompute the evicted key: its new version must be
	// higher than anything published before, not restart from 1.
	_, err = e.Get(context.Background(), Key{Computation: "c", Args: "a"})
	require.NoError(t, err)
	_, err = e.Get(context.Background(), Key{Computation: "c", Args: "b"})
	require.NoError(t, err)
	_, err = e.Get(context.Background(), Key{Computation: "c", Args: "a"})
	require.NoError(t, err)

	rec := sink.recomputedEvents()
	require.Len(t, rec, 3)
	for i := 1; i < len(rec); i++ {
		assert.Greater(t, rec[i].version, rec[i-1].version)
	}
}

func TestInvalidationDuringComputationKeepsEntryStale(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(0, nil)
	require.NoError(t, err)

	var calls atomic.Int64
	e.Register("racy", func(ctx context.Context, deps *DepSet, args string) (any, error) {
		deps.Touch("k")
		if calls.Add(1) == 1 {
			// An invalidation of our own dependency lands mid-computation.
			e.Invalidate("k")
		}
		return fmt.Sprintf("v%d", calls.Load()), nil
	})

	key := Key{Computation: "racy"}
	v, err := e.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "v1", v, "overlapped computation still serves its value")

	_, _, state, ok := e.Peek(key)
	require.True(t, ok)
	assert.Equal(t, StateInvalidated, state, "value may predate the invalidation, so the entry stays stale")

	v, err = e.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "v2", v, "next Get recomputes")
}

func TestLateJoinerAfterFlightTeardownComputesFresh(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(0, nil)
	require.NoError(t, err)

	// A waiter can join a flight just as the previous execution finishes and
	// tears it down, then re-enter the single-flight slot holding the dead
	// flight. Its execution must not run under the cancelled context.
	key := Key{Computation: "c"}
	cctx, cancel := context.WithCancel(context.Background())
	dead := &flight{ctx: cctx, cancel: cancel, waiters: 1}
	cancel()

	fn := func(ctx context.Context, deps *DepSet, args string) (any, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return "fresh", nil
	}
	v, err := e.compute(dead, key, fn)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)

	_, _, state, ok := e.Peek(key)
	require.True(t, ok)
	assert.Equal(t, StateConsistent, state)

	// The replacement flight was cleaned up with the computation.
	e.mu.Lock()
	assert.Empty(t, e.flights)
	e.mu.Unlock()
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "consistent", StateConsistent.String())
	assert.Equal(t, "invalidated", StateInvalidated.String())
	assert.Equal(t, "computing", StateComputing.String())
}
