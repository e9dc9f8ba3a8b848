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

// Package claim decides whether an authority may author a block in a slot
// and checks the claims of other authorities.
//
// A primary claim is a VRF proof over the slot and epoch randomness whose
// output falls below a threshold derived from the authority's share of the
// total weight and the epoch's active slot coefficient. When the epoch
// allows it, every slot also has exactly one secondary author chosen
// round-robin from the slot and randomness.
package claim

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/big"

	gconsensus "github.com/blinklabs-io/gouroboros/consensus"
	"github.com/blinklabs-io/gouroboros/vrf"
	"golang.org/x/crypto/blake2b"

	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/header"
)

// Claim is a successful slot claim and the signer that seals the block.
type Claim struct {
	PreDigest *header.PreDigest
	Signer    Signer
}

// VrfInput returns the VRF message for a slot in an epoch.
func VrfInput(slot epoch.Slot, randomness [epoch.RandomnessSize]byte) []byte {
	return vrf.MkInputVrf(int64(slot), randomness[:]) // #nosec G115
}

// BelowThreshold reports whether a VRF output wins a primary claim for the
// authority at idx.
func BelowThreshold(ep *epoch.Epoch, idx uint32, output []byte) bool {
	if int(idx) >= len(ep.Authorities) {
		return false
	}
	total := ep.TotalWeight()
	weight := ep.Authorities[idx].Weight
	if total == 0 || weight == 0 {
		return false
	}
	threshold := gconsensus.CertifiedNatThreshold(
		weight,
		total,
		ep.Config.C.Rat(),
	)
	return gconsensus.IsVRFOutputBelowThreshold(output, threshold)
}

// SecondarySlotAuthor returns the index of the authority entitled to the
// secondary claim for slot. It returns false if there are no authorities.
func SecondarySlotAuthor(
	slot epoch.Slot,
	authorities []epoch.Authority,
	randomness [epoch.RandomnessSize]byte,
) (uint32, bool) {
	if len(authorities) == 0 {
		return 0, false
	}
	var buf [epoch.RandomnessSize + 8]byte
	copy(buf[:], randomness[:])
	binary.BigEndian.PutUint64(buf[epoch.RandomnessSize:], uint64(slot))
	sum := blake2b.Sum256(buf[:])
	idx := new(big.Int).Mod(
		new(big.Int).SetBytes(sum[:]),
		big.NewInt(int64(len(authorities))),
	)
	return uint32(idx.Uint64()), true // #nosec G115
}

func claimPrimary(
	slot epoch.Slot,
	ep *epoch.Epoch,
	idx uint32,
	keys *AuthorityKeys,
) (*header.PreDigest, error) {
	proof, output, err := keys.VrfProve(VrfInput(slot, ep.Randomness))
	if err != nil {
		return nil, err
	}
	if !BelowThreshold(ep, idx, output) {
		return nil, nil
	}
	return &header.PreDigest{
		Kind:           header.PrimaryClaim,
		AuthorityIndex: idx,
		Slot:           slot,
		VrfOutput:      output,
		VrfProof:       proof,
	}, nil
}

// ClaimSlot attempts a claim for slot with each of the local keys. Primary
// claims take precedence over secondary claims. It returns nil if none of
// the keys may author the slot.
func ClaimSlot(
	slot epoch.Slot,
	ep *epoch.Epoch,
	keys []*AuthorityKeys,
) (*Claim, error) {
	type localAuthority struct {
		idx  uint32
		keys *AuthorityKeys
	}
	var locals []localAuthority
	for i, a := range ep.Authorities {
		for _, k := range keys {
			if k.Matches(a) {
				locals = append(locals, localAuthority{idx: uint32(i), keys: k}) // #nosec G115
				break
			}
		}
	}
	for _, local := range locals {
		pre, err := claimPrimary(slot, ep, local.idx, local.keys)
		if err != nil {
			return nil, err
		}
		if pre != nil {
			return &Claim{PreDigest: pre, Signer: local.keys}, nil
		}
	}
	if ep.Config.AllowedSlots != epoch.PrimaryAndSecondaryPlainSlots {
		return nil, nil
	}
	author, ok := SecondarySlotAuthor(slot, ep.Authorities, ep.Randomness)
	if !ok {
		return nil, nil
	}
	for _, local := range locals {
		if local.idx != author {
			continue
		}
		return &Claim{
			PreDigest: &header.PreDigest{
				Kind:           header.SecondaryPlainClaim,
				AuthorityIndex: author,
				Slot:           slot,
			},
			Signer: local.keys,
		}, nil
	}
	return nil, nil
}

// LocalClaimer claims slots with keys held in process.
type LocalClaimer struct {
	keys   []*AuthorityKeys
	logger *slog.Logger
}

// NewLocalClaimer returns a claimer for the given keys.
func NewLocalClaimer(logger *slog.Logger, keys ...*AuthorityKeys) *LocalClaimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalClaimer{
		keys:   keys,
		logger: logger.With("component", "claim"),
	}
}

// ClaimSlot implements the slot worker's claimer.
func (c *LocalClaimer) ClaimSlot(
	ctx context.Context,
	parent *header.Header,
	slot epoch.Slot,
	ep *epoch.Epoch,
) (*Claim, error) {
	if len(c.keys) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ret, err := ClaimSlot(slot, ep, c.keys)
	if err != nil {
		return nil, err
	}
	if ret != nil {
		c.logger.Debug(
			"claimed slot",
			"slot", slot,
			"epoch", ep.EpochIndex,
			"kind", ret.PreDigest.Kind.String(),
			"authority", ret.PreDigest.AuthorityIndex,
			"parent", parent.Hash().String(),
		)
	}
	return ret, nil
}
