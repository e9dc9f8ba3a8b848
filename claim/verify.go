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
	"crypto/ed25519"
	"fmt"

	"github.com/blinklabs-io/gouroboros/vrf"

	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/header"
)

// Author returns the authority that made the claim.
func Author(pre *header.PreDigest, ep *epoch.Epoch) (*epoch.Authority, error) {
	if int(pre.AuthorityIndex) >= len(ep.Authorities) {
		return nil, fmt.Errorf(
			"%w: index %d, %d authorities",
			consensus.ErrInvalidAuthority,
			pre.AuthorityIndex,
			len(ep.Authorities),
		)
	}
	return &ep.Authorities[pre.AuthorityIndex], nil
}

// VerifySeal checks the author's signature over the pre-seal hash.
func VerifySeal(author *epoch.Authority, preHash header.Hash, sig []byte) error {
	if len(author.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf(
			"%w: signing key has %d bytes",
			consensus.ErrBadSignature,
			len(author.SigningKey),
		)
	}
	if !ed25519.Verify(author.SigningKey, preHash[:], sig) {
		return consensus.ErrBadSignature
	}
	return nil
}

// VerifyClaim checks a pre-digest against the epoch it claims a slot in.
func VerifyClaim(pre *header.PreDigest, ep *epoch.Epoch) error {
	author, err := Author(pre, ep)
	if err != nil {
		return err
	}
	switch pre.Kind {
	case header.PrimaryClaim:
		ok, err := vrf.Verify(
			author.VrfKey,
			pre.VrfProof,
			pre.VrfOutput,
			VrfInput(pre.Slot, ep.Randomness),
		)
		if err != nil {
			return fmt.Errorf("%w: %w", consensus.ErrVRFVerificationFailed, err)
		}
		if !ok {
			return consensus.ErrVRFVerificationFailed
		}
		if !BelowThreshold(ep, pre.AuthorityIndex, pre.VrfOutput) {
			return consensus.ErrVRFThresholdExceeded
		}
		return nil
	case header.SecondaryPlainClaim:
		if ep.Config.AllowedSlots != epoch.PrimaryAndSecondaryPlainSlots {
			return consensus.ErrSecondarySlotsDisabled
		}
		expected, ok := SecondarySlotAuthor(pre.Slot, ep.Authorities, ep.Randomness)
		if !ok || expected != pre.AuthorityIndex {
			return fmt.Errorf(
				"%w: expected %d, got %d",
				consensus.ErrInvalidSecondaryAuthor,
				expected,
				pre.AuthorityIndex,
			)
		}
		return nil
	default:
		return fmt.Errorf(
			"%w: unknown claim kind %d",
			consensus.ErrVRFVerificationFailed,
			pre.Kind,
		)
	}
}
