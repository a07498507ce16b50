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

package publisher

import (
	"encoding/json"

	"pulsecache/internal/cache"
)

// Push is one freshness message sent to a subscriber over its persistent
// connection. Either Stale is true (the entry went stale; fetch out of band
// or wait for the recomputed value) or Value carries the fresh value.
// Versions attached to pushes for one key are monotonically increasing; a
// replica drops any push older than what it already holds.
type Push struct {
	Computation string          `json:"computation"`
	Args        string          `json:"args"`
	Version     int64           `json:"version"`
	Stale       bool            `json:"stale,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
}

// Key returns the cache key the push refers to.
func (p Push) Key() cache.Key {
	return cache.Key{Computation: p.Computation, Args: p.Args}
}

// Subscriber-to-server frame actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Request is a frame sent by a subscriber to manage its subscriptions.
type Request struct {
	Action      string `json:"action"`
	Computation string `json:"computation"`
	Args        string `json:"args"`
}
