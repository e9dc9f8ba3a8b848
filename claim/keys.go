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

package claim

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/blinklabs-io/gouroboros/vrf"

	"github.com/blinklabs-io/kelpie/epoch"
)

// Signer signs block seals for a claimed slot.
type Signer interface {
	Public() ed25519.PublicKey
	Sign(msg []byte) ([]byte, error)
}

// AuthorityKeys holds the secret keys of a local authority.
type AuthorityKeys struct {
	signingKey ed25519.PrivateKey
	vrfSeed    []byte
	vrfVKey    []byte
}

// NewAuthorityKeys builds authority keys from an ed25519 seed and a VRF
// seed.
func NewAuthorityKeys(signingSeed, vrfSeed []byte) (*AuthorityKeys, error) {
	if len(signingSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf(
			"invalid signing seed size: expected %d, got %d",
			ed25519.SeedSize,
			len(signingSeed),
		)
	}
	if len(vrfSeed) != vrf.SeedSize {
		return nil, fmt.Errorf(
			"invalid VRF seed size: expected %d, got %d",
			vrf.SeedSize,
			len(vrfSeed),
		)
	}
	vrfVKey, _, err := vrf.KeyGen(vrfSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to derive VRF public key: %w", err)
	}
	return &AuthorityKeys{
		signingKey: ed25519.NewKeyFromSeed(signingSeed),
		vrfSeed:    bytes.Clone(vrfSeed),
		vrfVKey:    vrfVKey,
	}, nil
}

// Public returns the ed25519 public key used to verify seals.
func (k *AuthorityKeys) Public() ed25519.PublicKey {
	return k.signingKey.Public().(ed25519.PublicKey)
}

// SigningSeed returns the ed25519 seed.
func (k *AuthorityKeys) SigningSeed() []byte {
	return k.signingKey.Seed()
}

// VrfSeed returns the VRF secret seed.
func (k *AuthorityKeys) VrfSeed() []byte {
	return bytes.Clone(k.vrfSeed)
}

// VrfPublic returns the VRF public key.
func (k *AuthorityKeys) VrfPublic() []byte {
	return bytes.Clone(k.vrfVKey)
}

// Sign signs msg with the ed25519 key.
func (k *AuthorityKeys) Sign(msg []byte) ([]byte, error) {
	if k.signingKey == nil {
		return nil, errors.New("signing key not loaded")
	}
	return ed25519.Sign(k.signingKey, msg), nil
}

// VrfProve produces a VRF proof and output for alpha.
func (k *AuthorityKeys) VrfProve(alpha []byte) ([]byte, []byte, error) {
	proof, output, err := vrf.Prove(k.vrfSeed, alpha)
	if err != nil {
		return nil, nil, fmt.Errorf("VRF prove: %w", err)
	}
	return proof, output, nil
}

// Authority returns the public authority entry for these keys.
func (k *AuthorityKeys) Authority(weight uint64) epoch.Authority {
	return epoch.Authority{
		SigningKey: bytes.Clone(k.Public()),
		VrfKey:     k.VrfPublic(),
		Weight:     weight,
	}
}

// Matches reports whether the authority entry belongs to these keys.
func (k *AuthorityKeys) Matches(a epoch.Authority) bool {
	return bytes.Equal(a.SigningKey, k.Public()) &&
		bytes.Equal(a.VrfKey, k.vrfVKey)
}
