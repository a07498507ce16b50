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

package signal

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher turns filesystem notifications for a marker file into wake events.
// It is an optional fast path: monitors fall back to polling when no watcher
// is available (e.g., the marker lives on a network filesystem that does not
// deliver notifications). Events are coalesced; a slow consumer never blocks
// the watch loop.
type Watcher struct {
	fsw    *fsnotify.Watcher
	events chan struct{}
	done   chan struct{}
}

// NewWatcher watches the marker file at path (a real OS path). The parent
// directory is watched rather than the file itself so that create/rename
// style rewrites are observed too.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		fsw:    fsw,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.loop(filepath.Base(path))
	return w, nil
}

// Events returns the wake channel. Receives are coalesced: one receive may
// stand for several marker touches, which is safe because the monitor
// re-derives exact deltas from the log.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher and releases the underlying notify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop(name string) {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
				// Wake already pending; coalesce.
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Non-fatal: the monitor's unconditional drain covers us.
			log.WithError(err).Warn("marker watcher error")
		}
	}
}
