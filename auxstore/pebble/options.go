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

package pebble

import (
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCacheSize is the pebble block cache size in bytes
const DefaultCacheSize = 16 << 20

type OptionFunc func(*Store)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) OptionFunc {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithPromRegistry specifies the prometheus registry to use for metrics
func WithPromRegistry(registry prometheus.Registerer) OptionFunc {
	return func(s *Store) {
		s.promRegistry = registry
	}
}

// WithDataDir specifies the data directory to use for storage. An empty
// dir keeps the store in memory.
func WithDataDir(dataDir string) OptionFunc {
	return func(s *Store) {
		s.dataDir = dataDir
	}
}

// WithCacheSize specifies the block cache size in bytes
func WithCacheSize(size int64) OptionFunc {
	return func(s *Store) {
		if size > 0 {
			s.cacheSize = size
		}
	}
}

// WithSync specifies whether each batch is synced to disk on commit
func WithSync(sync bool) OptionFunc {
	return func(s *Store) {
		s.sync = sync
	}
}

func auxPath(dataDir string) string {
	return filepath.Join(dataDir, "aux-pebble")
}
