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

// Package oplog implements the durable operation log: an append-only record
// of every state-mutating operation, written inside the same sqlite
// transaction as the mutation itself. All cross-process coordination in
// pulsecache flows through this log (plus the change signal, which carries
// no data of its own).
package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"pulsecache/internal/util"
)

const SchemaVersion = "1"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS op_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id TEXT NOT NULL,
		committed_at INTEGER NOT NULL,
		keys TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schema_info (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', '` + SchemaVersion + `')`,
}

// Log is a handle to the shared operation log database. It is safe for
// concurrent use; across processes, sqlite WAL mode provides one committer /
// many readers.
type Log struct {
	path string
	db   *sql.DB
	bun  *bun.DB
}

// Open opens the log database at path, creating it (and the schema) if it
// does not exist yet.
func Open(path string) (*Log, error) {
	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open log database: %w", err)
	}

	// Must be explicit — libsql ignores DSN-based _pragma=value parameters.
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := execStatements(db, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Log{
		path: path,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
	}, nil
}

// Create creates a new log database at path. Fails if the file exists.
func Create(path string) (*Log, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file already exists: %s", path)
	}
	return Open(path)
}

// Path returns the database file path.
func (l *Log) Path() string {
	return l.path
}

// DB exposes the underlying bun handle so operations can run their own
// mutations in the same transaction as Append.
func (l *Log) DB() *bun.DB {
	return l.bun
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// RunInTx runs fn inside a single transaction. Operations use this to make
// their own state change and the matching Append atomic: if fn returns an
// error, neither becomes visible.
func (l *Log) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return l.bun.RunInTx(ctx, &sql.TxOptions{}, fn)
}

// Append writes a log entry within idb, which is expected to be the
// transaction carrying the operation's own mutation (use l.DB() directly only
// for operations with no other state change). The returned entry carries the
// assigned sequence number.
func (l *Log) Append(ctx context.Context, idb bun.IDB, opID string, keys []string) (*Entry, error) {
	raw, err := encodeKeys(keys)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invalidation keys: %w", err)
	}

	entry := &Entry{
		OpID:        opID,
		CommittedAt: time.Now().Unix(),
		RawKeys:     raw,
	}
	// RETURNING is required to learn the sequence (libsql doesn't support
	// LastInsertId).
	if _, err := idb.NewInsert().
		Model(entry).
		Returning("seq").
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to append log entry: %w", err)
	}
	return entry, nil
}

// AppendOperation appends an entry in its own transaction, for operations
// whose only durable effect is the log entry itself. Retries transient
// "database is locked" errors.
func (l *Log) AppendOperation(ctx context.Context, opID string, keys []string) (*Entry, error) {
	return util.RetryWithResult(ctx,
		func() (*Entry, error) {
			var entry *Entry
			err := l.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
				var txErr error
				entry, txErr = l.Append(ctx, tx, opID, keys)
				return txErr
			})
			return entry, err
		},
		util.DatabaseRetryOptions(ctx)...)
}

// ReadSince returns all entries with seq > since, in sequence order. The read
// is restartable and safe to run concurrently with appends: WAL snapshot
// isolation means it never observes a state that skips entries. Calling it
// twice with the same since and no intervening commits returns the same
// slice.
func (l *Log) ReadSince(ctx context.Context, since int64) ([]Entry, error) {
	var entries []Entry
	err := l.bun.NewSelect().
		Model(&entries).
		Where("seq > ?", since).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read log since %d: %w", since, err)
	}
	return entries, nil
}

// MaxSeq returns the highest committed sequence number, or 0 for an empty
// log.
func (l *Log) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := l.bun.NewRaw(`SELECT MAX(seq) FROM op_log`).Scan(ctx, &seq); err != nil {
		return 0, err
	}
	if seq.Valid {
		return seq.Int64, nil
	}
	return 0, nil
}

// DataVersion returns sqlite's PRAGMA data_version for this connection.
// data_version increments whenever another connection commits, making it a
// secondary cheap probe for "did anyone else write".
func (l *Log) DataVersion() (int64, error) {
	var version int64
	err := l.db.QueryRow("PRAGMA data_version").Scan(&version)
	return version, err
}

// TrimBefore deletes entries with seq < before. Retention is the operator's
// policy; it must be at least as long as the slowest monitor's unconditional
// drain interval or that monitor will silently lose invalidations.
func (l *Log) TrimBefore(ctx context.Context, before int64) (int64, error) {
	res, err := l.bun.NewDelete().
		Model((*Entry)(nil)).
		Where("seq < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to trim log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
