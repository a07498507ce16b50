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

// Package publisher maintains the per-process registry of remote subscribers
// mirroring cached computations, and pushes freshness updates to them when
// the invalidation engine reports changes. Pushes are fire-and-forget: a
// slow or dead subscriber is dropped, never blocking invalidation.
package publisher

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"pulsecache/internal/cache"
)

// Conn is the transport half of one subscriber: a persistent connection that
// can deliver pushes in order. Send may block briefly (it is called from a
// dedicated per-subscriber goroutine) and returns an error once the peer is
// gone.
type Conn interface {
	ID() string
	Send(p Push) error
}

// DefaultQueueSize bounds each subscriber's outbound queue.
const DefaultQueueSize = 64

type subscriber struct {
	conn Conn
	keys map[cache.Key]struct{}
	send chan Push
	stop chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.stop) })
}

// Publisher fans cache freshness events out to subscribers. It implements
// cache.Sink.
type Publisher struct {
	mu        sync.Mutex
	byKey     map[cache.Key]map[string]*subscriber
	bySub     map[string]*subscriber
	queueSize int
}

// New returns an empty publisher. queueSize 0 means DefaultQueueSize.
func New(queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Publisher{
		byKey:     make(map[cache.Key]map[string]*subscriber),
		bySub:     make(map[string]*subscriber),
		queueSize: queueSize,
	}
}

// Subscribe registers conn for pushes about key. Subscribing twice to the
// same key is a no-op. The first subscription for a connection starts its
// writer goroutine.
func (p *Publisher) Subscribe(conn Conn, key cache.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.bySub[conn.ID()]
	if !ok {
		sub = &subscriber{
			conn: conn,
			keys: make(map[cache.Key]struct{}),
			send: make(chan Push, p.queueSize),
			stop: make(chan struct{}),
		}
		p.bySub[conn.ID()] = sub
		go p.writeLoop(sub)
	}
	sub.keys[key] = struct{}{}

	subs, ok := p.byKey[key]
	if !ok {
		subs = make(map[string]*subscriber)
		p.byKey[key] = subs
	}
	subs[conn.ID()] = sub
}

// Unsubscribe removes one key subscription for a connection.
func (p *Publisher) Unsubscribe(connID string, key cache.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(connID, key)
}

// Drop removes every subscription for a connection. Called on disconnect;
// not an application error, nothing is reported.
func (p *Publisher) Drop(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.bySub[connID]
	if !ok {
		return
	}
	for key := range sub.keys {
		p.removeLocked(connID, key)
	}
}

// Subscribers returns the number of connected subscribers.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bySub)
}

// EntryInvalidated implements cache.Sink: pushes a terse stale marker to
// every subscriber of key.
func (p *Publisher) EntryInvalidated(key cache.Key, version int64) {
	p.fanout(key, Push{
		Computation: key.Computation,
		Args:        key.Args,
		Version:     version,
		Stale:       true,
	})
}

// EntryRecomputed implements cache.Sink: pushes the fresh value to every
// subscriber of key.
func (p *Publisher) EntryRecomputed(key cache.Key, version int64, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		// The value cannot cross the wire; subscribers keep the stale
		// marker and fetch out of band.
		log.WithError(err).WithField("computation", key.Computation).
			Warn("failed to encode value for push")
		return
	}
	p.fanout(key, Push{
		Computation: key.Computation,
		Args:        key.Args,
		Version:     version,
		Value:       raw,
	})
}

// fanout queues the push for every subscriber of key. A subscriber whose
// queue is full is dropped: it is either dead or too slow to mirror, and
// invalidation must never wait for it.
func (p *Publisher) fanout(key cache.Key, push Push) {
	p.mu.Lock()
	var dropped []string
	for id, sub := range p.byKey[key] {
		select {
		case sub.send <- push:
		default:
			dropped = append(dropped, id)
		}
	}
	p.mu.Unlock()

	for _, id := range dropped {
		log.WithField("subscriber", id).Debug("subscriber queue full, dropping")
		p.Drop(id)
	}
}

// writeLoop is the single writer for one subscriber; it preserves push order
// per key.
func (p *Publisher) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.stop:
			return
		case push := <-sub.send:
			if err := sub.conn.Send(push); err != nil {
				p.Drop(sub.conn.ID())
				return
			}
		}
	}
}

// removeLocked unlinks one (connID, key) subscription; caller holds p.mu.
// The subscriber's writer stops once its last subscription is gone.
func (p *Publisher) removeLocked(connID string, key cache.Key) {
	subs, ok := p.byKey[key]
	if !ok {
		return
	}
	sub, ok := subs[connID]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(p.byKey, key)
	}
	delete(sub.keys, key)
	if len(sub.keys) == 0 {
		delete(p.bySub, connID)
		sub.close()
	}
}
