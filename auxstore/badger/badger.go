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

// Package badger provides a BadgerDB-backed aux store.
package badger

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/kelpie/auxstore"
)

// Store keeps aux data in badger. Without a data dir it runs in memory.
type Store struct {
	promRegistry   prometheus.Registerer
	db             *badger.DB
	logger         *slog.Logger
	metrics        *storeMetrics
	gcTicker       *time.Ticker
	gcStopCh       chan struct{}
	gcInterval     time.Duration
	dataDir        string
	gcWg           sync.WaitGroup
	blockCacheSize uint64
	indexCacheSize uint64
	valueThreshold int64
	gcEnabled      bool
}

var (
	_ auxstore.Store  = (*Store)(nil)
	_ auxstore.Closer = (*Store)(nil)
)

func New(opts ...OptionFunc) (*Store, error) {
	s := &Store{
		// GC only runs for disk-backed stores
		gcEnabled:      true,
		gcInterval:     DefaultGcInterval,
		blockCacheSize: DefaultBlockCacheSize,
		indexCacheSize: DefaultIndexCacheSize,
		valueThreshold: DefaultValueThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("component", "auxstore")

	var badgerOpts badger.Options
	if s.dataDir == "" {
		badgerOpts = badger.DefaultOptions("").
			WithInMemory(true)
		s.gcEnabled = false
	} else {
		if _, err := os.Stat(s.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		badgerOpts = badger.DefaultOptions(filepath.Join(s.dataDir, "aux")).
			WithBlockCacheSize(int64(s.blockCacheSize)). //nolint:gosec // blockCacheSize is controlled and reasonable
			WithIndexCacheSize(int64(s.indexCacheSize)). //nolint:gosec // indexCacheSize is controlled and reasonable
			WithCompression(options.Snappy)
	}
	badgerOpts = badgerOpts.
		WithLogger(NewBadgerLogger(s.logger)).
		// The default INFO logging is a bit verbose
		WithLoggingLevel(badger.WARNING).
		WithValueThreshold(s.valueThreshold)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger aux store: %w", err)
	}
	s.db = db
	if s.promRegistry != nil {
		s.metrics = initStoreMetrics(s.promRegistry)
	}
	if s.gcEnabled {
		s.gcTicker = time.NewTicker(s.gcInterval)
		s.gcStopCh = make(chan struct{})
		s.gcWg.Add(1)
		go s.valueLogGc(s.gcTicker, s.gcStopCh)
	}
	return s, nil
}

func (s *Store) valueLogGc(t *time.Ticker, stop <-chan struct{}) {
	defer s.gcWg.Done()
	for {
		select {
		case <-t.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					// Keep going while GC rewrites files
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn("value log GC failed", "error", err)
				}
				break
			}
		case <-stop:
			return
		}
	}
}

// DB returns the database handle
func (s *Store) DB() *badger.DB {
	return s.db
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var ret []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		ret, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			if s.metrics != nil {
				s.metrics.misses.Inc()
			}
			return nil, auxstore.ErrKeyNotFound
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.hits.Inc()
	}
	return ret, nil
}

// PutBatch applies ops in a single badger transaction.
func (s *Store) PutBatch(ops []auxstore.Op) error {
	var written int
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			if op.IsDelete() {
				if err := txn.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			// badger keeps references until commit
			val := append([]byte(nil), op.Value...)
			if err := txn.Set(append([]byte(nil), op.Key...), val); err != nil {
				return err
			}
			written += len(val)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("aux batch: %w", err)
	}
	if s.metrics != nil {
		s.metrics.batches.Inc()
		s.metrics.ops.Add(float64(len(ops)))
		s.metrics.bytesWritten.Add(float64(written))
	}
	return nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gcTicker != nil {
		s.gcTicker.Stop()
		close(s.gcStopCh)
		s.gcWg.Wait()
		s.gcTicker = nil
	}
	return s.db.Close()
}
