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

// Package keystore reads and writes authority key files and holds the
// keys of the local authorities.
package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/blinklabs-io/gouroboros/vrf"

	"github.com/blinklabs-io/kelpie/claim"
)

var (
	ErrKeysNotLoaded    = errors.New("keys not loaded")
	ErrInsecureFileMode = errors.New("insecure file permissions")
)

// KeyStore holds the secret keys of the local authorities.
type KeyStore struct {
	mu     sync.RWMutex
	paths  []string
	keys   []*claim.AuthorityKeys
	logger *slog.Logger
}

// New returns a key store for the given signing key files.
func New(logger *slog.Logger, paths ...string) *KeyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyStore{
		paths:  paths,
		logger: logger.With("component", "keystore"),
	}
}

// Load reads every configured key file. On error no keys are replaced.
func (ks *KeyStore) Load() error {
	keys := make([]*claim.AuthorityKeys, 0, len(ks.paths))
	for _, path := range ks.paths {
		k, err := LoadSigningKeyFile(path)
		if err != nil {
			return err
		}
		keys = append(keys, k)
		ks.logger.Info(
			"loaded authority key",
			"path", path,
			"signing_key", fmt.Sprintf("%x", k.Public()),
		)
	}
	ks.mu.Lock()
	ks.keys = keys
	ks.mu.Unlock()
	return nil
}

// Keys returns the loaded keys.
func (ks *KeyStore) Keys() ([]*claim.AuthorityKeys, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if len(ks.keys) == 0 {
		return nil, ErrKeysNotLoaded
	}
	return append([]*claim.AuthorityKeys(nil), ks.keys...), nil
}

// Generate creates new random authority keys.
func Generate() (*claim.AuthorityKeys, error) {
	signingSeed := make([]byte, 32)
	if _, err := rand.Read(signingSeed); err != nil {
		return nil, fmt.Errorf("failed to generate signing seed: %w", err)
	}
	vrfSeed := make([]byte, vrf.SeedSize)
	if _, err := rand.Read(vrfSeed); err != nil {
		return nil, fmt.Errorf("failed to generate VRF seed: %w", err)
	}
	return claim.NewAuthorityKeys(signingSeed, vrfSeed)
}
