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

package kelpie

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/kelpie/claim"
	"github.com/blinklabs-io/kelpie/epoch"
)

// AuxStore names an aux store backend
type AuxStore string

const (
	AuxStoreMemory AuxStore = "memory"
	AuxStoreBadger AuxStore = "badger"
	AuxStoreSqlite AuxStore = "sqlite"
	AuxStorePebble AuxStore = "pebble"
)

// Valid returns true if the backend is known
func (a AuxStore) Valid() bool {
	switch a {
	case AuxStoreMemory, AuxStoreBadger, AuxStoreSqlite, AuxStorePebble:
		return true
	default:
		return false
	}
}

const DefaultShutdownTimeout = 30 * time.Second

type Config struct {
	promRegistry                prometheus.Registerer
	logger                      *slog.Logger
	genesis                     *epoch.GenesisConfiguration
	authorityKeys               []*claim.AuthorityKeys
	keyFiles                    []string
	dataDir                     string
	auxStore                    AuxStore
	blockProposalSlotPortion    float64
	maxBlockProposalSlotPortion float64
	maxExtrinsics               int
	maxDrift                    time.Duration
	handshakeTimeout            time.Duration
	shutdownTimeout             time.Duration
	forgeBlocks                 bool
	backoff                     bool
	externalClaiming            bool
	tracing                     bool
	tracingStdout               bool
}

// configValidate checks the options that New cannot default
func (n *Node) configValidate() error {
	if n.config.genesis == nil {
		return errors.New("no genesis configuration")
	}
	if !n.config.auxStore.Valid() {
		return fmt.Errorf("unknown aux store: %q", n.config.auxStore)
	}
	if p := n.config.blockProposalSlotPortion; p < 0 || p > 1 {
		return fmt.Errorf("block proposal slot portion %f out of range", p)
	}
	if p := n.config.maxBlockProposalSlotPortion; p < 0 {
		return fmt.Errorf("max block proposal slot portion %f out of range", p)
	}
	if n.config.forgeBlocks &&
		len(n.config.authorityKeys) == 0 &&
		len(n.config.keyFiles) == 0 {
		return errors.New("block forging requires authority keys")
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the Config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new Config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		auxStore:        AuxStoreMemory,
		backoff:         true,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return c
}

// WithLogger specifies the logger to use
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. Without it,
// each component keeps its metrics in a private registry
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithGenesis specifies the chain's genesis configuration
func WithGenesis(genesis epoch.GenesisConfiguration) ConfigOptionFunc {
	return func(c *Config) {
		c.genesis = &genesis
	}
}

// WithAuxStore specifies the aux store backend
func WithAuxStore(store AuxStore) ConfigOptionFunc {
	return func(c *Config) {
		c.auxStore = store
	}
}

// WithDataDir specifies the directory for persistent aux store backends.
// An empty dir keeps the badger and sqlite backends in memory
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithAuthorityKeys specifies in-process authority keys
func WithAuthorityKeys(keys ...*claim.AuthorityKeys) ConfigOptionFunc {
	return func(c *Config) {
		c.authorityKeys = append(c.authorityKeys, keys...)
	}
}

// WithKeyFiles specifies signing key files to load on start
func WithKeyFiles(paths ...string) ConfigOptionFunc {
	return func(c *Config) {
		c.keyFiles = append(c.keyFiles, paths...)
	}
}

// WithForgeBlocks enables block authoring
func WithForgeBlocks(forge bool) ConfigOptionFunc {
	return func(c *Config) {
		c.forgeBlocks = forge
	}
}

// WithBackoff enables the finality lag backoff for authoring
func WithBackoff(backoff bool) ConfigOptionFunc {
	return func(c *Config) {
		c.backoff = backoff
	}
}

// WithExternalClaiming routes slot claims through the notification service
// so external subscribers can claim slots. Local keys still answer as one
// subscriber
func WithExternalClaiming(external bool) ConfigOptionFunc {
	return func(c *Config) {
		c.externalClaiming = external
	}
}

// WithBlockProposalSlotPortion specifies the share of a slot given to the proposer
func WithBlockProposalSlotPortion(portion float64) ConfigOptionFunc {
	return func(c *Config) {
		c.blockProposalSlotPortion = portion
	}
}

// WithMaxBlockProposalSlotPortion caps the proposing budget including lenience
func WithMaxBlockProposalSlotPortion(portion float64) ConfigOptionFunc {
	return func(c *Config) {
		c.maxBlockProposalSlotPortion = portion
	}
}

// WithMaxExtrinsics limits the extrinsics per authored block. 0 means no limit
func WithMaxExtrinsics(limit int) ConfigOptionFunc {
	return func(c *Config) {
		c.maxExtrinsics = limit
	}
}

// WithMaxDrift specifies how far ahead of local time a block timestamp may be
func WithMaxDrift(drift time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.maxDrift = drift
	}
}

// WithHandshakeTimeout specifies how long slot notifications wait for claims
func WithHandshakeTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.handshakeTimeout = timeout
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
