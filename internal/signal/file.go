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
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
)

// FileMarker is a Marker backed by a small file on a shared filesystem.
// Every Touch rewrites the file with a fresh random token; Observe reads it
// back. File mtime is deliberately not used: mtime granularity differs across
// filesystems and two touches within one tick would be indistinguishable.
//
// The filesystem is abstracted behind billy so tests can run against memfs
// while production uses osfs over a directory visible to all cluster
// processes.
type FileMarker struct {
	fs   billy.Filesystem
	path string
}

// NewFileMarker returns a FileMarker at path on fs. The file is created on
// first Touch; a missing file observes as the zero Stamp.
func NewFileMarker(fs billy.Filesystem, path string) *FileMarker {
	return &FileMarker{fs: fs, path: path}
}

// Path returns the marker file path.
func (m *FileMarker) Path() string {
	return m.path
}

// Touch implements Marker.
func (m *FileMarker) Touch() error {
	token := uuid.NewString()
	if err := util.WriteFile(m.fs, m.path, []byte(token), 0600); err != nil {
		return fmt.Errorf("failed to touch marker %s: %w", m.path, err)
	}
	return nil
}

// Observe implements Marker.
func (m *FileMarker) Observe() (Stamp, error) {
	data, err := util.ReadFile(m.fs, m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to observe marker %s: %w", m.path, err)
	}
	return Stamp(data), nil
}
