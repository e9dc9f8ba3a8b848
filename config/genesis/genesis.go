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

// Package genesis loads the chain's genesis configuration from a YAML
// file. Authority keys may be given inline as hex or by referencing
// verification key files written by "kelpie keygen".
package genesis

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/keystore"
)

// GenesisConfig represents the genesis.yaml file.
type GenesisConfig struct {
	path           string
	SystemStart    time.Time         `yaml:"systemStart"`
	SlotDuration   time.Duration     `yaml:"slotDuration"`
	EpochDuration  uint64            `yaml:"epochDuration"`
	GenesisSlot    uint64            `yaml:"genesisSlot"`
	ActiveSlotCoef string            `yaml:"activeSlotCoeff"`
	AllowedSlots   string            `yaml:"allowedSlots"`
	Randomness     string            `yaml:"randomness"`
	Authorities    []AuthorityConfig `yaml:"authorities"`
}

// AuthorityConfig is one genesis authority. Either VerificationKeyFile or
// both SigningKey and VrfKey must be set.
type AuthorityConfig struct {
	VerificationKeyFile string `yaml:"verificationKeyFile"`
	SigningKey          string `yaml:"signingKey"`
	VrfKey              string `yaml:"vrfKey"`
	Weight              uint64 `yaml:"weight"`
}

func NewGenesisConfigFromReader(r io.Reader) (*GenesisConfig, error) {
	var ret GenesisConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func NewGenesisConfigFromFile(file string) (*GenesisConfig, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := NewGenesisConfigFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("parse genesis file %s: %w", file, err)
	}
	c.path = path.Dir(file)
	return c, nil
}

// Configuration resolves authority keys and returns the runtime genesis
// configuration.
func (c *GenesisConfig) Configuration() (epoch.GenesisConfiguration, error) {
	var ret epoch.GenesisConfiguration
	if c.SystemStart.IsZero() {
		return ret, errors.New("genesis systemStart is required")
	}
	if c.SlotDuration < time.Millisecond {
		return ret, fmt.Errorf("invalid genesis slotDuration: %s", c.SlotDuration)
	}
	if c.EpochDuration == 0 {
		return ret, errors.New("genesis epochDuration must be positive")
	}
	ratio, err := parseRatio(c.ActiveSlotCoef)
	if err != nil {
		return ret, err
	}
	allowed, err := parseAllowedSlots(c.AllowedSlots)
	if err != nil {
		return ret, err
	}
	if c.Randomness != "" {
		raw, err := hex.DecodeString(c.Randomness)
		if err != nil {
			return ret, fmt.Errorf("invalid genesis randomness: %w", err)
		}
		if len(raw) != epoch.RandomnessSize {
			return ret, fmt.Errorf(
				"genesis randomness must be %d bytes, got %d",
				epoch.RandomnessSize,
				len(raw),
			)
		}
		copy(ret.Randomness[:], raw)
	}
	if len(c.Authorities) == 0 {
		return ret, errors.New("genesis has no authorities")
	}
	for i, a := range c.Authorities {
		auth, err := c.loadAuthority(a)
		if err != nil {
			return ret, fmt.Errorf("genesis authority %d: %w", i, err)
		}
		ret.Authorities = append(ret.Authorities, auth)
	}
	ret.SystemStart = uint64(c.SystemStart.UnixMilli())      // #nosec G115
	ret.SlotDuration = uint64(c.SlotDuration.Milliseconds()) // #nosec G115
	ret.EpochDuration = c.EpochDuration
	ret.GenesisSlot = epoch.Slot(c.GenesisSlot)
	ret.C = ratio
	ret.AllowedSlots = allowed
	return ret, nil
}

func (c *GenesisConfig) loadAuthority(a AuthorityConfig) (epoch.Authority, error) {
	weight := a.Weight
	if weight == 0 {
		weight = 1
	}
	if a.VerificationKeyFile != "" {
		keyPath := a.VerificationKeyFile
		if !filepath.IsAbs(keyPath) && c.path != "" {
			keyPath = path.Join(c.path, keyPath)
		}
		return keystore.LoadVerificationKeyFile(keyPath, weight)
	}
	signingKey, err := hex.DecodeString(a.SigningKey)
	if err != nil {
		return epoch.Authority{}, fmt.Errorf("invalid signing key: %w", err)
	}
	vrfKey, err := hex.DecodeString(a.VrfKey)
	if err != nil {
		return epoch.Authority{}, fmt.Errorf("invalid VRF key: %w", err)
	}
	if len(signingKey) != 32 || len(vrfKey) != 32 {
		return epoch.Authority{}, errors.New(
			"authority needs a verificationKeyFile or 32-byte signingKey and vrfKey",
		)
	}
	return epoch.Authority{
		SigningKey: signingKey,
		VrfKey:     vrfKey,
		Weight:     weight,
	}, nil
}

// parseRatio accepts "n/d"; empty means 1/4
func parseRatio(s string) (epoch.Ratio, error) {
	if s == "" {
		return epoch.Ratio{Numerator: 1, Denominator: 4}, nil
	}
	var ret epoch.Ratio
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return ret, fmt.Errorf("invalid activeSlotCoeff %q: expected n/d", s)
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(num), "%d", &ret.Numerator); err != nil {
		return ret, fmt.Errorf("invalid activeSlotCoeff %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(den), "%d", &ret.Denominator); err != nil {
		return ret, fmt.Errorf("invalid activeSlotCoeff %q: %w", s, err)
	}
	cfg := epoch.EpochConfig{C: ret}
	if err := cfg.Validate(); err != nil {
		return ret, err
	}
	return ret, nil
}

func parseAllowedSlots(s string) (epoch.AllowedSlots, error) {
	switch s {
	case "", epoch.PrimaryAndSecondaryPlainSlots.String():
		return epoch.PrimaryAndSecondaryPlainSlots, nil
	case epoch.PrimarySlots.String():
		return epoch.PrimarySlots, nil
	default:
		return 0, fmt.Errorf("unknown allowedSlots value: %q", s)
	}
}
