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

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "kelpie.config"

const (
	DefaultShutdownTimeout = "30s"
	DefaultAuxStore        = "badger"
	DefaultMetricsPort     = 12798
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	GenesisFile      string   `yaml:"genesisFile"      split_words:"true"`
	DataDir          string   `yaml:"dataDir"          split_words:"true"`
	AuxStore         string   `yaml:"auxStore"         split_words:"true"`
	KeyFiles         []string `yaml:"keyFiles"         split_words:"true"`
	BindAddr         string   `yaml:"bindAddr"         split_words:"true"`
	ShutdownTimeout  string   `yaml:"shutdownTimeout"  split_words:"true"`
	MaxDrift         string   `yaml:"maxDrift"         split_words:"true"`
	HandshakeTimeout string   `yaml:"handshakeTimeout" split_words:"true"`
	MetricsPort      uint     `yaml:"metricsPort"      split_words:"true"`
	MaxExtrinsics    int      `yaml:"maxExtrinsics"    split_words:"true"`
	ForgeBlocks      bool     `yaml:"forgeBlocks"      split_words:"true"`
	ExternalClaiming bool     `yaml:"externalClaiming" split_words:"true"`
	Backoff          bool     `yaml:"backoff"`
	Tracing          bool     `yaml:"tracing"`
	TracingStdout    bool     `yaml:"tracingStdout"    split_words:"true"`
	// Fractions of the slot duration granted to block proposal
	BlockProposalSlotPortion    float64 `yaml:"blockProposalSlotPortion"    split_words:"true"`
	MaxBlockProposalSlotPortion float64 `yaml:"maxBlockProposalSlotPortion" split_words:"true"`
}

// Durations parses the duration settings. Empty values are returned as zero
// so the node applies its own defaults.
func (c *Config) Durations() (shutdown, maxDrift, handshake time.Duration, err error) {
	parse := func(name, val string) (time.Duration, error) {
		if val == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return d, nil
	}
	if shutdown, err = parse("shutdown timeout", c.ShutdownTimeout); err != nil {
		return 0, 0, 0, err
	}
	if maxDrift, err = parse("max drift", c.MaxDrift); err != nil {
		return 0, 0, 0, err
	}
	if handshake, err = parse("handshake timeout", c.HandshakeTimeout); err != nil {
		return 0, 0, 0, err
	}
	return shutdown, maxDrift, handshake, nil
}

func defaultConfig() *Config {
	return &Config{
		GenesisFile:     "genesis.yaml",
		DataDir:         ".kelpie",
		AuxStore:        DefaultAuxStore,
		BindAddr:        "0.0.0.0",
		MetricsPort:     DefaultMetricsPort,
		ShutdownTimeout: DefaultShutdownTimeout,
		Backoff:         true,
	}
}

var globalConfig = defaultConfig()

func LoadConfig(configFile string) (*Config, error) {
	cfg := defaultConfig()
	if configFile == "" {
		// Check for config file in this path: ~/.kelpie/kelpie.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".kelpie", "kelpie.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
		if configFile == "" {
			systemPath := "/etc/kelpie/kelpie.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("kelpie", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}
	switch cfg.AuxStore {
	case "memory", "badger", "sqlite", "pebble":
	default:
		return nil, fmt.Errorf(
			"invalid auxStore: %q (must be 'memory', 'badger', 'sqlite' or 'pebble')",
			cfg.AuxStore,
		)
	}
	if cfg.GenesisFile == "" {
		return nil, errors.New("genesisFile must be set")
	}
	if _, _, _, err := cfg.Durations(); err != nil {
		return nil, err
	}
	globalConfig = cfg
	return cfg, nil
}

func GetConfig() *Config {
	return globalConfig
}
