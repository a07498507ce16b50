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

// Package tracker observes operation completions. Local completions (the
// process that committed the operation) fan out synchronously, before the
// cross-process notification path fires, so same-process callers observe
// completion no later than remote peers. External completions (operations
// committed elsewhere) arrive via the change monitor draining the log.
package tracker

import (
	"sync"

	"pulsecache/internal/oplog"
)

// Origin distinguishes how a completion was observed.
type Origin int

const (
	// OriginLocal means the operation completed in this process.
	OriginLocal Origin = iota
	// OriginExternal means the operation was committed by another process
	// and observed via the operation log.
	OriginExternal
)

// Outcome describes one completed operation.
type Outcome struct {
	OpID   string
	Origin Origin
	Err    error        // non-nil for failed local operations; always nil for external
	Entry  *oplog.Entry // nil for failed local operations
}

// Listener receives every completion observed by this process.
type Listener func(Outcome)

// Tracker fans out operation completions. The zero value is not usable; call
// New.
type Tracker struct {
	mu        sync.Mutex
	waiters   map[string][]chan Outcome
	listeners []Listener
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		waiters: make(map[string][]chan Outcome),
	}
}

// AddListener registers fn for every completion, local and external.
// Listeners run synchronously on the completing goroutine and must be quick.
func (t *Tracker) AddListener(fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Await returns a channel that receives the outcome of opID once, then is
// closed. The channel is buffered: completion never blocks on a slow caller.
func (t *Tracker) Await(opID string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	t.mu.Lock()
	t.waiters[opID] = append(t.waiters[opID], ch)
	t.mu.Unlock()
	return ch
}

// Completed records a local completion. Called by the committing side after
// its transaction resolves and before the change notifier touches the shared
// marker. entry is nil when err is non-nil (the transaction rolled back).
func (t *Tracker) Completed(opID string, entry *oplog.Entry, err error) {
	t.fire(Outcome{
		OpID:   opID,
		Origin: OriginLocal,
		Err:    err,
		Entry:  entry,
	})
}

// External records a completion observed through the log. The monitor calls
// this once per drained entry; entries committed by this process have already
// fired as local completions and are skipped by op id.
func (t *Tracker) External(entry *oplog.Entry) {
	t.fire(Outcome{
		OpID:   entry.OpID,
		Origin: OriginExternal,
		Entry:  entry,
	})
}

func (t *Tracker) fire(out Outcome) {
	t.mu.Lock()
	waiters := t.waiters[out.OpID]
	delete(t.waiters, out.OpID)
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(out)
	}
	for _, ch := range waiters {
		ch <- out
		close(ch)
	}
}
