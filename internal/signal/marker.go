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

// Package signal implements the cross-process change signal: a single shared
// marker whose only semantic is "the operation log has advanced since you last
// observed me". The marker carries no payload; committers touch it after a
// successful commit and monitors poll it cheaply. A missed touch is tolerated
// because every monitor also drains the log on an unconditional period.
package signal

import (
	"strconv"
	"sync/atomic"
)

// Stamp is an opaque observation of the marker. Two observations with
// different stamps mean the marker was touched in between. Stamps carry no
// ordering semantics; only (in)equality is meaningful.
type Stamp string

// Marker is the shared change signal. Implementations must keep Touch and
// Observe cheap: both sit on the commit path and the monitor's fast poll loop
// respectively.
type Marker interface {
	// Touch records that the log has advanced. Best-effort; rapid touches
	// may coalesce into one observable change.
	Touch() error

	// Observe returns the marker's current stamp. Observing a marker that
	// was never touched returns the zero Stamp.
	Observe() (Stamp, error)
}

// MemoryMarker is an in-process Marker used by tests and single-process
// deployments. It is safe for concurrent use.
type MemoryMarker struct {
	n atomic.Int64
}

// NewMemoryMarker returns a MemoryMarker in the never-touched state.
func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{}
}

// Touch implements Marker.
func (m *MemoryMarker) Touch() error {
	m.n.Add(1)
	return nil
}

// Observe implements Marker.
func (m *MemoryMarker) Observe() (Stamp, error) {
	n := m.n.Load()
	if n == 0 {
		return "", nil
	}
	return Stamp(strconv.FormatInt(n, 10)), nil
}
