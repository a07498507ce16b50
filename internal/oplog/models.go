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

package oplog

import (
	"encoding/json"

	"github.com/uptrace/bun"
)

// Entry is one committed operation in the log. Entries are immutable once
// committed; Seq is assigned by sqlite at insert time and is the sole source
// of truth for "has this process seen everything up to X".
type Entry struct {
	bun.BaseModel `bun:"table:op_log"`

	Seq         int64  `bun:"seq,pk,autoincrement"`
	OpID        string `bun:"op_id,notnull"`
	CommittedAt int64  `bun:"committed_at,notnull"` // Unix timestamp
	RawKeys     string `bun:"keys,notnull"`         // JSON array of invalidation keys
}

// Keys decodes the entry's invalidation keys. A malformed column yields an
// empty set rather than an error: a key that cannot be decoded cannot match
// any cache dependency anyway, and the monitor must keep draining.
func (e *Entry) Keys() []string {
	if e.RawKeys == "" {
		return nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(e.RawKeys), &keys); err != nil {
		return nil
	}
	return keys
}

func encodeKeys(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SchemaInfoModel represents the schema_info table.
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}
