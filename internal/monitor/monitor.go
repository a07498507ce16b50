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

// Package monitor implements the change monitor: a background loop, one per
// process, that watches the shared change marker and re-reads the operation
// log's tail for entries it has not yet processed. Two wake conditions drive
// it: an observed change (marker stamp or secondary probe on the fast path,
// optionally accelerated by a filesystem watcher) and an unconditional
// period (safety net). An invalidation can be delayed by a lost signal but
// never lost outright.
package monitor

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"pulsecache/internal/oplog"
	"pulsecache/internal/signal"
	"pulsecache/internal/tracker"
	"pulsecache/internal/util"
)

// Source is the log tail the monitor drains. *oplog.Log satisfies it.
type Source interface {
	ReadSince(ctx context.Context, since int64) ([]oplog.Entry, error)
}

// Sink receives invalidation keys from drained entries. *cache.Engine
// satisfies it.
type Sink interface {
	Invalidate(invalidationKey string)
}

// Config carries the monitor's two wake periods. Both are deployment
// tunables: short for interactive setups, longer for steady-state
// production.
type Config struct {
	// FastInterval is how often the marker is observed for changes.
	FastInterval time.Duration
	// FullInterval is the unconditional drain period — the upper bound on
	// how stale a process can stay when every fast signal is missed.
	FullInterval time.Duration
}

// DefaultConfig returns intervals suitable for interactive use.
func DefaultConfig() Config {
	return Config{
		FastInterval: 250 * time.Millisecond,
		FullInterval: 15 * time.Second,
	}
}

// Monitor drains the operation log into an invalidation sink.
type Monitor struct {
	source  Source
	marker  signal.Marker
	sink    Sink
	tracker *tracker.Tracker
	cfg     Config
	events  <-chan struct{}
	probe   func() (int64, error)

	mu        sync.Mutex
	lastSeen  int64
	lastStamp signal.Stamp
	lastProbe int64
	localOps  map[string]struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithEvents attaches a wake channel (e.g. signal.Watcher.Events()) for
// instant wakeups on marker changes.
func WithEvents(ch <-chan struct{}) Option {
	return func(m *Monitor) { m.events = ch }
}

// WithTracker forwards drained entries as external completions, except those
// marked local via MarkLocal.
func WithTracker(t *tracker.Tracker) Option {
	return func(m *Monitor) { m.tracker = t }
}

// WithChangeProbe attaches a secondary cheap change probe, consulted on the
// fast tick when the marker stamp has not moved. oplog.Log.DataVersion is
// the intended probe: sqlite bumps it whenever another connection commits,
// so a writer that crashed between committing and touching the marker is
// still noticed within one fast period.
func WithChangeProbe(probe func() (int64, error)) Option {
	return func(m *Monitor) { m.probe = probe }
}

// WithStartSeq starts draining after seq instead of from the log's
// beginning. Fresh processes typically start at the current MaxSeq: their
// cache is empty, so older entries cannot match anything.
func WithStartSeq(seq int64) Option {
	return func(m *Monitor) { m.lastSeen = seq }
}

// New creates a monitor. Zero-value config fields fall back to
// DefaultConfig.
func New(source Source, marker signal.Marker, sink Sink, cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = def.FastInterval
	}
	if cfg.FullInterval <= 0 {
		cfg.FullInterval = def.FullInterval
	}
	m := &Monitor{
		source:   source,
		marker:   marker,
		sink:     sink,
		cfg:      cfg,
		localOps: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MarkLocal records that opID was committed by this process, so its log
// entry is not re-announced as an external completion when drained.
func (m *Monitor) MarkLocal(opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localOps[opID] = struct{}{}
}

// LastSeen returns the highest sequence number drained so far.
func (m *Monitor) LastSeen() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

// Run blocks until ctx is done, waking on marker changes, watcher events and
// the unconditional period. A failed drain (store transiently unavailable)
// is retried with backoff and then left for the next wake: invalidation is
// delayed, never lost, and the loop never crashes the process.
func (m *Monitor) Run(ctx context.Context) error {
	fast := time.NewTicker(m.cfg.FastInterval)
	defer fast.Stop()
	full := time.NewTicker(m.cfg.FullInterval)
	defer full.Stop()

	// Seed the stamp and probe, then drain once so a restart catches up
	// immediately.
	if stamp, err := m.marker.Observe(); err == nil {
		m.setStamp(stamp)
	}
	m.probeChanged()
	if err := m.Drain(ctx); err != nil {
		log.WithError(err).Warn("initial log drain failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-m.events:
			if err := m.Drain(ctx); err != nil {
				log.WithError(err).Warn("log drain failed after watcher event")
			}

		case <-fast.C:
			stamp, err := m.marker.Observe()
			if err != nil {
				log.WithError(err).Warn("failed to observe change marker")
				continue
			}
			if !m.stampChanged(stamp) && !m.probeChanged() {
				continue
			}
			if err := m.Drain(ctx); err != nil {
				log.WithError(err).Warn("log drain failed after marker change")
			}

		case <-full.C:
			// Unconditional: catches commits whose signal was lost.
			if err := m.Drain(ctx); err != nil {
				log.WithError(err).Warn("unconditional log drain failed")
			}
		}
	}
}

// Drain reads and applies every log entry past the last seen sequence. It is
// idempotent on sequence numbers: an entry is never forwarded to the sink
// twice, and concurrent or repeated calls are safe.
func (m *Monitor) Drain(ctx context.Context) error {
	m.mu.Lock()
	since := m.lastSeen
	m.mu.Unlock()

	entries, err := util.RetryWithResult(ctx,
		func() ([]oplog.Entry, error) {
			return m.source.ReadSince(ctx, since)
		},
		util.DrainRetryOptions(ctx)...)
	if err != nil {
		return err
	}

	for i := range entries {
		entry := &entries[i]

		m.mu.Lock()
		if entry.Seq <= m.lastSeen {
			m.mu.Unlock()
			continue
		}
		m.lastSeen = entry.Seq
		_, local := m.localOps[entry.OpID]
		if local {
			delete(m.localOps, entry.OpID)
		}
		m.mu.Unlock()

		for _, key := range entry.Keys() {
			m.sink.Invalidate(key)
		}
		if m.tracker != nil && !local {
			m.tracker.External(entry)
		}
		log.WithFields(log.Fields{
			"seq":  entry.Seq,
			"op":   entry.OpID,
			"keys": len(entry.Keys()),
		}).Trace("drained log entry")
	}
	return nil
}

func (m *Monitor) setStamp(s signal.Stamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStamp = s
}

// stampChanged updates the remembered stamp and reports whether it moved.
func (m *Monitor) stampChanged(s signal.Stamp) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == m.lastStamp {
		return false
	}
	m.lastStamp = s
	return true
}

// probeChanged consults the secondary change probe, if any. A probe error is
// not a drain trigger; the unconditional period covers that case.
func (m *Monitor) probeChanged() bool {
	if m.probe == nil {
		return false
	}
	v, err := m.probe()
	if err != nil {
		log.WithError(err).Warn("change probe failed")
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v == m.lastProbe {
		return false
	}
	m.lastProbe = v
	return true
}
