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

// Package sqlite provides a SQLite-backed aux store built on gorm.
package sqlite

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

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/blinklabs-io/kelpie/auxstore"
)

// AuxEntry is one row of the aux table
type AuxEntry struct {
	Key   []byte `gorm:"column:aux_key;primaryKey"`
	Value []byte `gorm:"column:value;not null"`
}

func (AuxEntry) TableName() string {
	return "aux_entries"
}

type Store struct {
	promRegistry prometheus.Registerer
	db           *gorm.DB
	logger       *slog.Logger
	metrics      *storeMetrics
	timerVacuum  *time.Timer
	timerMutex   sync.Mutex
	dataDir      string
	closed       bool
	vacuumWG     sync.WaitGroup
}

var (
	_ auxstore.Store  = (*Store)(nil)
	_ auxstore.Closer = (*Store)(nil)
)

// New creates a SQLite aux store. Uses an in-memory database if no data dir is given.
func New(opts ...OptionFunc) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("component", "auxstore")
	gormConfig := &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	}
	var err error
	if s.dataDir == "" {
		s.db, err = gorm.Open(sqlite.Open(":memory:"), gormConfig)
		if err != nil {
			return nil, err
		}
		// Every connection to :memory: is a separate database
		sqlDB, err := s.db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	} else {
		if _, err := os.Stat(s.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(s.dataDir, fs.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		dbPath := filepath.Join(s.dataDir, "aux.sqlite")
		connOpts := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		s.db, err = gorm.Open(
			sqlite.Open(fmt.Sprintf("file:%s?%s", dbPath, connOpts)),
			gormConfig,
		)
		if err != nil {
			return nil, err
		}
	}
	if err := s.db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	s.logger.Debug(fmt.Sprintf("creating table: %#v", &AuxEntry{}))
	if err := s.db.AutoMigrate(&AuxEntry{}); err != nil {
		return nil, err
	}
	if s.promRegistry != nil {
		s.metrics = initStoreMetrics(s.promRegistry)
	}
	s.scheduleDailyVacuum()
	return s, nil
}

// DB returns the gorm handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var entry AuxEntry
	result := s.db.Where("aux_key = ?", key).Take(&entry)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			if s.metrics != nil {
				s.metrics.misses.Inc()
			}
			return nil, auxstore.ErrKeyNotFound
		}
		return nil, result.Error
	}
	if s.metrics != nil {
		s.metrics.hits.Inc()
	}
	return entry.Value, nil
}

// PutBatch applies ops in order inside one transaction.
func (s *Store) PutBatch(ops []auxstore.Op) error {
	err := s.db.Transaction(func(txn *gorm.DB) error {
		for _, op := range ops {
			if op.IsDelete() {
				if result := txn.Where("aux_key = ?", op.Key).Delete(&AuxEntry{}); result.Error != nil {
					return result.Error
				}
				continue
			}
			entry := AuxEntry{
				Key:   append([]byte(nil), op.Key...),
				Value: append([]byte{}, op.Value...),
			}
			result := txn.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "aux_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value"}),
			}).Create(&entry)
			if result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("aux batch: %w", err)
	}
	if s.metrics != nil {
		s.metrics.batches.Inc()
		s.metrics.ops.Add(float64(len(ops)))
	}
	return nil
}

func (s *Store) runVacuum() error {
	s.timerMutex.Lock()
	if s.dataDir == "" || s.closed {
		s.timerMutex.Unlock()
		return nil
	}
	s.vacuumWG.Add(1)
	s.timerMutex.Unlock()
	defer s.vacuumWG.Done()

	if result := s.db.Exec("VACUUM"); result.Error != nil {
		return result.Error
	}
	return nil
}

// scheduleDailyVacuum schedules a daily vacuum operation
func (s *Store) scheduleDailyVacuum() {
	s.timerMutex.Lock()
	defer s.timerMutex.Unlock()
	if s.closed {
		return
	}
	if s.timerVacuum != nil {
		s.timerVacuum.Stop()
	}
	f := func() {
		s.logger.Debug("running vacuum on sqlite aux database")
		defer s.scheduleDailyVacuum()
		if err := s.runVacuum(); err != nil {
			s.logger.Error(
				"failed to free unused space in aux store",
				"error", err,
			)
		}
	}
	s.timerVacuum = time.AfterFunc(24*time.Hour, f)
}

// Close stops the vacuum timer and closes the database.
func (s *Store) Close() error {
	s.timerMutex.Lock()
	if s.closed {
		s.timerMutex.Unlock()
		return nil
	}
	s.closed = true
	if s.timerVacuum != nil {
		s.timerVacuum.Stop()
		s.timerVacuum = nil
	}
	s.timerMutex.Unlock()
	s.vacuumWG.Wait()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
