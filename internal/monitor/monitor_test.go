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

package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecache/internal/oplog"
	"pulsecache/internal/signal"
	"pulsecache/internal/tracker"
)

// fakeSource is an in-memory log tail.
type fakeSource struct {
	mu      sync.Mutex
	entries []oplog.Entry
}

func (s *fakeSource) append(seq int64, opID string, keys ...string) {
	raw := `[]`
	if len(keys) > 0 {
		raw = `["` + keys[0] + `"`
		for _, k := range keys[1:] {
			raw += `,"` + k + `"`
		}
		raw += `]`
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, oplog.Entry{Seq: seq, OpID: opID, RawKeys: raw})
}

func (s *fakeSource) ReadSince(_ context.Context, since int64) ([]oplog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []oplog.Entry
	for _, e := range s.entries {
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeSink records invalidation keys in arrival order.
type fakeSink struct {
	mu   sync.Mutex
	keys []string
}

func (s *fakeSink) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
}

func (s *fakeSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func TestDrain(t *testing.T) {
	t.Parallel()

	t.Run("forwards keys in sequence order", func(t *testing.T) {
		t.Parallel()
		src := &fakeSource{}
		sink := &fakeSink{}
		src.append(1, "op-1", "a")
		src.append(2, "op-2", "b", "c")

		m := New(src, signal.NewMemoryMarker(), sink, Config{})
		require.NoError(t, m.Drain(context.Background()))

		assert.Equal(t, []string{"a", "b", "c"}, sink.seen())
		assert.Equal(t, int64(2), m.LastSeen())
	})

	t.Run("idempotent on sequence numbers", func(t *testing.T) {
		t.Parallel()
		src := &fakeSource{}
		sink := &fakeSink{}
		src.append(1, "op-1", "a")

		m := New(src, signal.NewMemoryMarker(), sink, Config{})
		require.NoError(t, m.Drain(context.Background()))
		require.NoError(t, m.Drain(context.Background()))

		assert.Equal(t, []string{"a"}, sink.seen(), "an entry is never forwarded twice")
	})

	t.Run("start seq skips history", func(t *testing.T) {
		t.Parallel()
		src := &fakeSource{}
		sink := &fakeSink{}
		src.append(1, "op-1", "old")
		src.append(2, "op-2", "new")

		m := New(src, signal.NewMemoryMarker(), sink, Config{}, WithStartSeq(1))
		require.NoError(t, m.Drain(context.Background()))

		assert.Equal(t, []string{"new"}, sink.seen())
	})

	t.Run("external entries reach the tracker, local ones do not", func(t *testing.T) {
		t.Parallel()
		src := &fakeSource{}
		sink := &fakeSink{}
		tr := tracker.New()

		var outcomes []tracker.Outcome
		var mu sync.Mutex
		tr.AddListener(func(out tracker.Outcome) {
			mu.Lock()
			defer mu.Unlock()
			outcomes = append(outcomes, out)
		})

		m := New(src, signal.NewMemoryMarker(), sink, Config{}, WithTracker(tr))
		m.MarkLocal("mine")
		src.append(1, "mine", "a")
		src.append(2, "theirs", "b")

		require.NoError(t, m.Drain(context.Background()))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, outcomes, 1)
		assert.Equal(t, "theirs", outcomes[0].OpID)
		assert.Equal(t, tracker.OriginExternal, outcomes[0].Origin)
		// Both entries still invalidate the local cache.
		assert.Equal(t, []string{"a", "b"}, sink.seen())
	})
}

func TestRunWakesOnMarkerChange(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	sink := &fakeSink{}
	marker := signal.NewMemoryMarker()

	// Full interval far out so only the marker path can deliver in time.
	m := New(src, marker, sink, Config{
		FastInterval: 5 * time.Millisecond,
		FullInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	src.append(1, "op-1", "game:42")
	require.NoError(t, marker.Touch())

	assert.Eventually(t, func() bool {
		return m.LastSeen() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"game:42"}, sink.seen())

	cancel()
	<-done
}

func TestRunWakesOnProbeChange(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	sink := &fakeSink{}

	// The marker is never touched and the unconditional period is out of
	// reach; only the secondary probe can report the commit.
	var dataVersion atomic.Int64
	dataVersion.Store(1)
	m := New(src, signal.NewMemoryMarker(), sink, Config{
		FastInterval: 5 * time.Millisecond,
		FullInterval: time.Hour,
	}, WithChangeProbe(func() (int64, error) {
		return dataVersion.Load(), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	src.append(1, "op-1", "game:42")
	dataVersion.Add(1)

	assert.Eventually(t, func() bool {
		return m.LastSeen() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"game:42"}, sink.seen())

	cancel()
	<-done
}

func TestRunUnconditionalDrain(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	sink := &fakeSink{}

	// Fast path can never fire (marker untouched); only the unconditional
	// period can pick the entry up.
	m := New(src, signal.NewMemoryMarker(), sink, Config{
		FastInterval: 10 * time.Millisecond,
		FullInterval: 30 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	src.append(1, "silent-op", "game:42")

	assert.Eventually(t, func() bool {
		return m.LastSeen() == 1
	}, 5*time.Second, 10*time.Millisecond, "entry must arrive without any signal")

	cancel()
	<-done
}

func TestRunWakesOnWatcherEvent(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	sink := &fakeSink{}
	events := make(chan struct{}, 1)

	m := New(src, signal.NewMemoryMarker(), sink, Config{
		FastInterval: time.Hour,
		FullInterval: time.Hour,
	}, WithEvents(events))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	src.append(1, "op-1", "a")
	events <- struct{}{}

	assert.Eventually(t, func() bool {
		return m.LastSeen() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestNotifier(t *testing.T) {
	t.Parallel()

	t.Run("success notifies tracker then touches marker", func(t *testing.T) {
		t.Parallel()
		tr := tracker.New()
		marker := signal.NewMemoryMarker()
		n := NewNotifier(tr, marker)

		ch := tr.Await("op-1")
		n.Committed("op-1", &oplog.Entry{Seq: 1, OpID: "op-1"}, nil)

		out := <-ch
		assert.NoError(t, out.Err)

		stamp, err := marker.Observe()
		require.NoError(t, err)
		assert.NotEqual(t, signal.Stamp(""), stamp)
	})

	t.Run("failure skips the marker", func(t *testing.T) {
		t.Parallel()
		tr := tracker.New()
		marker := signal.NewMemoryMarker()
		n := NewNotifier(tr, marker)

		ch := tr.Await("op-2")
		n.Committed("op-2", nil, context.DeadlineExceeded)

		out := <-ch
		assert.Error(t, out.Err)

		stamp, err := marker.Observe()
		require.NoError(t, err)
		assert.Equal(t, signal.Stamp(""), stamp, "a failed commit must not signal peers")
	})
}
