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
	log "github.com/sirupsen/logrus"

	"pulsecache/internal/oplog"
	"pulsecache/internal/signal"
	"pulsecache/internal/tracker"
)

// Notifier runs in whichever process committed an operation. After the
// commit resolves it fans out the local completion, then touches the shared
// marker so every monitor in the cluster wakes. The touch is at-least-once
// and best-effort: rapid commits may coalesce into one observable change,
// and a failed touch is only a warning — the monitors' unconditional drain
// is the safety net.
type Notifier struct {
	tracker *tracker.Tracker
	marker  signal.Marker
}

// NewNotifier wires a notifier. tracker may be nil when no local listeners
// exist.
func NewNotifier(t *tracker.Tracker, marker signal.Marker) *Notifier {
	return &Notifier{tracker: t, marker: marker}
}

// Committed reports the outcome of a local operation. Local listeners are
// notified synchronously first, so same-process callers observe completion
// before (or no later than) remote peers. entry is nil when err is non-nil;
// a failed commit produces no log entry and no signal.
func (n *Notifier) Committed(opID string, entry *oplog.Entry, err error) {
	if n.tracker != nil {
		n.tracker.Completed(opID, entry, err)
	}
	if err != nil {
		return
	}
	if touchErr := n.marker.Touch(); touchErr != nil {
		// Correctness is preserved by the unconditional drain.
		log.WithError(touchErr).Warn("failed to touch change marker")
	}
}
