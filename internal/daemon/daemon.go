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

// Package daemon wires one pulsecache node: the shared operation log, the
// change marker, the monitor, the invalidation engine and the publisher,
// plus the two local surfaces — a unix-socket IPC for CLI control and a
// websocket endpoint for remote subscribers.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pulsecache/internal/cache"
	"pulsecache/internal/monitor"
	"pulsecache/internal/oplog"
	"pulsecache/internal/publisher"
	"pulsecache/internal/signal"
	"pulsecache/internal/tracker"
)

func init() {
	// Default logging to discard until explicitly enabled via settings or
	// the --log-level flag.
	log.SetOutput(io.Discard)
}

const maxLogFileSize = 50 * 1024 * 1024

// Daemon is one pulsecache node.
type Daemon struct {
	settings *Settings
	comps    map[string]cache.ComputeFunc

	// LogLevel overrides settings.LogLevel when non-empty.
	LogLevel string

	lock    *flock.Flock
	logFile *os.File

	oplog    *oplog.Log
	marker   *signal.FileMarker
	watcher  *signal.Watcher
	tracker  *tracker.Tracker
	notifier *monitor.Notifier
	monitor  *monitor.Monitor
	engine   *cache.Engine
	pub      *publisher.Publisher
	ipc      *Server

	stop context.CancelFunc
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithComputation registers a computation with the node's cache. The
// embedding application provides these; the daemon itself does not define
// what is computed.
func WithComputation(name string, fn cache.ComputeFunc) Option {
	return func(d *Daemon) { d.comps[name] = fn }
}

// New creates a daemon from settings (nil means LoadSettings defaults).
func New(settings *Settings, opts ...Option) *Daemon {
	if settings == nil {
		settings = &Settings{}
	}
	settings.ApplyDefaults()
	d := &Daemon{
		settings: settings,
		comps:    make(map[string]cache.ComputeFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Tracker exposes the completion tracker for embedding applications.
func (d *Daemon) Tracker() *tracker.Tracker {
	return d.tracker
}

// Engine exposes the cache engine for embedding applications.
func (d *Daemon) Engine() *cache.Engine {
	return d.engine
}

// Run starts the node and blocks until ctx is done or a stop request
// arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	oplog.SetBusyTimeout(d.settings.BusyTimeout)

	// Acquire exclusive lock
	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.closeLogFile()

	if err := os.WriteFile(PidPath(), []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer os.Remove(PidPath())

	if err := d.wire(ctx); err != nil {
		return err
	}
	defer d.oplog.Close()
	if d.watcher != nil {
		defer d.watcher.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.stop = cancel

	d.ipc = NewServer(d.handleRequest)
	if err := d.ipc.Start(); err != nil {
		return err
	}
	defer d.ipc.Stop()

	mux := http.NewServeMux()
	mux.Handle("/subscribe", NewSubscribeHandler(d.engine, d.pub))
	httpSrv := &http.Server{Addr: d.settings.Listen, Handler: mux}

	log.WithFields(log.Fields{
		"pid":    os.Getpid(),
		"listen": d.settings.Listen,
		"log_db": d.settings.LogDB,
	}).Info("daemon started")

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := d.monitor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("daemon stopped")
	return err
}

// wire builds the node's component graph. On failure it releases whatever it
// already opened; Run only installs its own cleanup after wire succeeds.
func (d *Daemon) wire(ctx context.Context) (err error) {
	lg, err := oplog.Open(d.settings.LogDB)
	if err != nil {
		return err
	}
	d.oplog = lg
	defer func() {
		if err != nil {
			if d.watcher != nil {
				d.watcher.Close()
				d.watcher = nil
			}
			lg.Close()
			d.oplog = nil
		}
	}()

	markerPath := d.settings.MarkerFile
	d.marker = signal.NewFileMarker(osfs.New(filepath.Dir(markerPath)), filepath.Base(markerPath))

	if watcher, err := signal.NewWatcher(markerPath); err != nil {
		// Polling still covers us.
		log.WithError(err).Warn("marker watcher unavailable, relying on polling")
	} else {
		d.watcher = watcher
	}

	d.tracker = tracker.New()
	d.notifier = monitor.NewNotifier(d.tracker, d.marker)
	d.pub = publisher.New(d.settings.QueueSize)

	engine, err := cache.NewEngine(d.settings.CacheCapacity, d.pub)
	if err != nil {
		return err
	}
	d.engine = engine
	for name, fn := range d.comps {
		d.engine.Register(name, fn)
	}

	// A fresh cache holds nothing older entries could invalidate; start
	// draining at the current tail.
	startSeq, err := lg.MaxSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to read log tail: %w", err)
	}
	mopts := []monitor.Option{
		monitor.WithTracker(d.tracker),
		monitor.WithStartSeq(startSeq),
		monitor.WithChangeProbe(lg.DataVersion),
	}
	if d.watcher != nil {
		mopts = append(mopts, monitor.WithEvents(d.watcher.Events()))
	}
	d.monitor = monitor.New(lg, d.marker, d.engine, monitor.Config{
		FastInterval: d.settings.FastInterval(),
		FullInterval: d.settings.FullInterval(),
	}, mopts...)

	return nil
}

// Commit appends an operation carrying the given invalidation keys to the
// log and signals the cluster. This is the path operations with no other
// durable state take; operations owning their own tables use
// oplog.Log.RunInTx with Append directly.
func (d *Daemon) Commit(ctx context.Context, keys []string) (*oplog.Entry, error) {
	opID := uuid.NewString()
	entry, err := d.oplog.AppendOperation(ctx, opID, keys)
	if err != nil {
		d.notifier.Committed(opID, nil, err)
		return nil, err
	}
	d.monitor.MarkLocal(opID)
	d.notifier.Committed(opID, entry, nil)
	return entry, nil
}

func (d *Daemon) handleRequest(req *Request) *Response {
	ctx := context.Background()

	switch req.Type {
	case RequestStatus:
		maxSeq, _ := d.oplog.MaxSeq(ctx)
		return &Response{
			Success:      true,
			PID:          os.Getpid(),
			LastSeen:     d.monitor.LastSeen(),
			MaxSeq:       maxSeq,
			CacheEntries: d.engine.Len(),
			Subscribers:  d.pub.Subscribers(),
		}

	case RequestStop:
		go func() {
			// Let the response flush first.
			time.Sleep(100 * time.Millisecond)
			d.stop()
		}()
		return &Response{Success: true, Message: "stopping"}

	case RequestCommit:
		entry, err := d.Commit(ctx, req.Keys)
		if err != nil {
			return &Response{Success: false, Error: err.Error()}
		}
		return &Response{Success: true, Seq: entry.Seq, OpID: entry.OpID}

	case RequestGet:
		value, err := d.engine.Get(ctx, cache.Key{Computation: req.Computation, Args: req.Args})
		if err != nil {
			return &Response{Success: false, Error: err.Error()}
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return &Response{Success: false, Error: err.Error()}
		}
		return &Response{Success: true, Value: raw}

	case RequestInvalidate:
		d.engine.Invalidate(req.Key)
		return &Response{Success: true}

	default:
		return &Response{Success: false, Error: fmt.Sprintf("unknown request type: %s", req.Type)}
	}
}

// setupLogging mirrors settings into logrus: file output under the config
// dir, truncated when oversized, discarded when logging is off.
func (d *Daemon) setupLogging() error {
	level := strings.ToLower(d.LogLevel)
	if level == "" {
		level = strings.ToLower(d.settings.LogLevel)
	}
	if level == "" || level == "none" || level == "off" {
		log.SetOutput(io.Discard)
		return nil
	}

	if err := d.truncateLogFile(maxLogFileSize); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}

	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	log.SetOutput(logFile)

	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
	return nil
}

func (d *Daemon) closeLogFile() {
	if d.logFile != nil {
		log.SetOutput(io.Discard)
		d.logFile.Close()
	}
}

func (d *Daemon) truncateLogFile(maxSize int64) error {
	info, err := os.Stat(LogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}
	return os.Truncate(LogPath(), 0)
}
