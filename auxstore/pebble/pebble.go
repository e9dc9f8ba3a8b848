// Copyright 2026 Blink Labs Software
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

// Package pebble provides a Pebble-backed aux store.
package pebble

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/kelpie/auxstore"
)

// Store keeps aux data in pebble. Without a data dir it runs on an
// in-memory filesystem.
type Store struct {
	promRegistry prometheus.Registerer
	db           *pebble.DB
	logger       *slog.Logger
	metrics      *storeMetrics
	writeOptions *pebble.WriteOptions
	dataDir      string
	cacheSize    int64
	closeMutex   sync.RWMutex
	closed       bool
	sync         bool

	// compaction bookkeeping for pebble's event callbacks
	compMutex     sync.Mutex
	activeComp    int
	compStartTime time.Time
	stallStart    time.Time
}

var (
	_ auxstore.Store  = (*Store)(nil)
	_ auxstore.Closer = (*Store)(nil)
)

func New(opts ...OptionFunc) (*Store, error) {
	s := &Store{
		cacheSize: DefaultCacheSize,
		sync:      true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("component", "auxstore")
	if s.promRegistry != nil {
		s.metrics = initStoreMetrics(s.promRegistry)
	}
	s.writeOptions = &pebble.WriteOptions{Sync: s.sync}
	cache := pebble.NewCache(s.cacheSize)
	defer cache.Unref()
	pebbleOpts := &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{logger: s.logger},
		EventListener: &pebble.EventListener{
			CompactionBegin: s.onCompactionBegin,
			CompactionEnd:   s.onCompactionEnd,
			WriteStallBegin: s.onWriteStallBegin,
			WriteStallEnd:   s.onWriteStallEnd,
		},
	}
	path := s.dataDir
	if path == "" {
		pebbleOpts.FS = vfs.NewMem()
	} else {
		path = auxPath(s.dataDir)
	}
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble aux store: %w", err)
	}
	s.db = db
	return s, nil
}

func (s *Store) onCompactionBegin(pebble.CompactionInfo) {
	s.compMutex.Lock()
	defer s.compMutex.Unlock()
	if s.activeComp == 0 {
		s.compStartTime = time.Now()
	}
	s.activeComp++
	if s.metrics != nil {
		s.metrics.compactions.Inc()
	}
}

func (s *Store) onCompactionEnd(pebble.CompactionInfo) {
	s.compMutex.Lock()
	defer s.compMutex.Unlock()
	if s.activeComp == 0 {
		return
	}
	s.activeComp--
	if s.activeComp == 0 && s.metrics != nil {
		s.metrics.compactionTime.Add(time.Since(s.compStartTime).Seconds())
	}
}

func (s *Store) onWriteStallBegin(info pebble.WriteStallBeginInfo) {
	s.compMutex.Lock()
	s.stallStart = time.Now()
	s.compMutex.Unlock()
	s.logger.Warn("pebble write stall", "reason", info.Reason)
	if s.metrics != nil {
		s.metrics.writeStalls.Inc()
	}
}

func (s *Store) onWriteStallEnd() {
	s.compMutex.Lock()
	stalled := time.Since(s.stallStart)
	s.compMutex.Unlock()
	s.logger.Info("pebble write stall cleared", "duration", stalled.String())
}

// DB returns the database handle
func (s *Store) DB() *pebble.DB {
	return s.db
}

func (s *Store) Get(key []byte) ([]byte, error) {
	s.closeMutex.RLock()
	defer s.closeMutex.RUnlock()
	if s.closed {
		return nil, pebble.ErrClosed
	}
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			if s.metrics != nil {
				s.metrics.misses.Inc()
			}
			return nil, auxstore.ErrKeyNotFound
		}
		return nil, err
	}
	ret := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.hits.Inc()
	}
	return ret, nil
}

// PutBatch applies ops in a single pebble batch.
func (s *Store) PutBatch(ops []auxstore.Op) error {
	s.closeMutex.RLock()
	defer s.closeMutex.RUnlock()
	if s.closed {
		return pebble.ErrClosed
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	var written int
	for _, op := range ops {
		if op.IsDelete() {
			if err := batch.Delete(op.Key, nil); err != nil {
				return fmt.Errorf("aux batch: %w", err)
			}
			continue
		}
		// The batch copies keys and values into its own buffer
		if err := batch.Set(op.Key, op.Value, nil); err != nil {
			return fmt.Errorf("aux batch: %w", err)
		}
		written += len(op.Value)
	}
	if err := batch.Commit(s.writeOptions); err != nil {
		return fmt.Errorf("aux batch: %w", err)
	}
	if s.metrics != nil {
		s.metrics.batches.Inc()
		s.metrics.ops.Add(float64(len(ops)))
		s.metrics.bytesWritten.Add(float64(written))
	}
	return nil
}

func (s *Store) Close() error {
	s.closeMutex.Lock()
	defer s.closeMutex.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// pebbleLogger adapts pebble's printf-style logger to slog
type pebbleLogger struct {
	logger *slog.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.logger.Debug("pebble: " + fmt.Sprintf(format, args...))
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.logger.Error("pebble: " + fmt.Sprintf(format, args...))
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Error("pebble: " + msg)
	panic(fmt.Errorf("fatal: %s", msg))
}
