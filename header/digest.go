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

package header

import (
	"errors"
	"fmt"

	"github.com/blinklabs-io/gouroboros/cbor"

	"github.com/blinklabs-io/kelpie/epoch"
)

// EngineID identifies the consensus engine that owns a digest item.
type EngineID [4]byte

// KelpieEngineID tags digest items produced by this engine.
var KelpieEngineID = EngineID{'K', 'L', 'P', 'E'}

func (e EngineID) String() string {
	return string(e[:])
}

// DigestKind is the type of a digest item.
type DigestKind uint8

const (
	DigestOther DigestKind = iota
	// DigestPreRuntime carries the slot claim
	DigestPreRuntime
	// DigestConsensus carries consensus log entries such as epoch changes
	DigestConsensus
	// DigestSeal carries the author's signature and must be last
	DigestSeal
)

// DigestItem is a tagged piece of consensus metadata attached to a header.
type DigestItem struct {
	cbor.StructAsArray
	Kind   DigestKind
	Engine EngineID
	Data   []byte
}

var (
	ErrNoPreRuntimeDigest          = errors.New("no pre-runtime digest found")
	ErrMultiplePreRuntimeDigests   = errors.New("multiple pre-runtime digests")
	ErrMultipleEpochChangeDigests  = errors.New("multiple epoch change digests")
	ErrMultipleConfigChangeDigests = errors.New("multiple config change digests")
	ErrHeaderUnsealed              = errors.New("header is unsealed")
)

// ClaimKind distinguishes how an author claimed a slot.
type ClaimKind uint8

const (
	// PrimaryClaim is a VRF output below the authority's threshold
	PrimaryClaim ClaimKind = iota
	// SecondaryPlainClaim is a deterministic round-robin fallback claim
	SecondaryPlainClaim
)

func (k ClaimKind) String() string {
	switch k {
	case PrimaryClaim:
		return "primary"
	case SecondaryPlainClaim:
		return "secondary-plain"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// PreDigest is the slot claim embedded in a block header.
type PreDigest struct {
	cbor.StructAsArray
	Kind           ClaimKind
	AuthorityIndex uint32
	Slot           epoch.Slot
	VrfOutput      []byte
	VrfProof       []byte
}

// IsPrimary reports whether the claim is a primary claim.
func (p *PreDigest) IsPrimary() bool {
	return p.Kind == PrimaryClaim
}

// GenesisPreDigest is the synthetic claim assigned to the genesis header.
func GenesisPreDigest() *PreDigest {
	return &PreDigest{
		Kind:           SecondaryPlainClaim,
		AuthorityIndex: 0,
		Slot:           0,
	}
}

// NewPreRuntimeDigest wraps a pre-digest in a digest item.
func NewPreRuntimeDigest(pre *PreDigest) (DigestItem, error) {
	data, err := cbor.Encode(pre)
	if err != nil {
		return DigestItem{}, fmt.Errorf("encode pre-digest: %w", err)
	}
	return DigestItem{
		Kind:   DigestPreRuntime,
		Engine: KelpieEngineID,
		Data:   data,
	}, nil
}

// FindPreDigest extracts the slot claim from a header. Genesis headers
// yield GenesisPreDigest.
func FindPreDigest(h *Header) (*PreDigest, error) {
	if h.IsGenesis() {
		return GenesisPreDigest(), nil
	}
	var found *PreDigest
	for _, item := range h.Digest {
		if item.Kind != DigestPreRuntime || item.Engine != KelpieEngineID {
			continue
		}
		if found != nil {
			return nil, ErrMultiplePreRuntimeDigests
		}
		pre := new(PreDigest)
		if _, err := cbor.Decode(item.Data, pre); err != nil {
			return nil, fmt.Errorf("decode pre-digest: %w", err)
		}
		found = pre
	}
	if found == nil {
		return nil, ErrNoPreRuntimeDigest
	}
	return found, nil
}

// ConsensusLogKind is the type of a consensus digest.
type ConsensusLogKind uint8

const (
	LogNextEpochData ConsensusLogKind = iota + 1
	LogOnDisabled
	LogNextConfigData
)

// consensus digest data is a one byte log kind followed by the CBOR payload
func newConsensusDigest(kind ConsensusLogKind, payload any) (DigestItem, error) {
	data, err := cbor.Encode(payload)
	if err != nil {
		return DigestItem{}, fmt.Errorf("encode consensus log: %w", err)
	}
	return DigestItem{
		Kind:   DigestConsensus,
		Engine: KelpieEngineID,
		Data:   append([]byte{byte(kind)}, data...),
	}, nil
}

// NewNextEpochDigest announces the next epoch's authorities and randomness.
func NewNextEpochDigest(desc epoch.NextEpochDescriptor) (DigestItem, error) {
	return newConsensusDigest(LogNextEpochData, &desc)
}

// NewNextConfigDigest announces a configuration change for the next epoch.
func NewNextConfigDigest(desc epoch.NextConfigDescriptor) (DigestItem, error) {
	return newConsensusDigest(LogNextConfigData, &desc)
}

// NewOnDisabledDigest signals that an authority was disabled.
func NewOnDisabledDigest(authorityIndex uint32) (DigestItem, error) {
	return newConsensusDigest(LogOnDisabled, authorityIndex)
}

func findConsensusLog(
	h *Header,
	kind ConsensusLogKind,
	dest any,
	errMultiple error,
) (bool, error) {
	found := false
	for _, item := range h.Digest {
		if item.Kind != DigestConsensus || item.Engine != KelpieEngineID {
			continue
		}
		if len(item.Data) == 0 || ConsensusLogKind(item.Data[0]) != kind {
			continue
		}
		if found {
			return false, errMultiple
		}
		if _, err := cbor.Decode(item.Data[1:], dest); err != nil {
			return false, fmt.Errorf("decode consensus log: %w", err)
		}
		found = true
	}
	return found, nil
}

// FindNextEpochDigest returns the next epoch announcement in the header,
// or nil if there is none.
func FindNextEpochDigest(h *Header) (*epoch.NextEpochDescriptor, error) {
	ret := new(epoch.NextEpochDescriptor)
	ok, err := findConsensusLog(
		h,
		LogNextEpochData,
		ret,
		ErrMultipleEpochChangeDigests,
	)
	if err != nil || !ok {
		return nil, err
	}
	return ret, nil
}

// FindNextConfigDigest returns the next config announcement in the header,
// or nil if there is none.
func FindNextConfigDigest(h *Header) (*epoch.NextConfigDescriptor, error) {
	ret := new(epoch.NextConfigDescriptor)
	ok, err := findConsensusLog(
		h,
		LogNextConfigData,
		ret,
		ErrMultipleConfigChangeDigests,
	)
	if err != nil || !ok {
		return nil, err
	}
	return ret, nil
}

// NewSealDigest wraps an author signature in a seal digest item.
func NewSealDigest(signature []byte) DigestItem {
	return DigestItem{
		Kind:   DigestSeal,
		Engine: KelpieEngineID,
		Data:   append([]byte(nil), signature...),
	}
}

// StripSeal removes the trailing seal from a header and returns the
// pre-seal header and the signature.
func StripSeal(h *Header) (*Header, []byte, error) {
	if len(h.Digest) == 0 {
		return nil, nil, ErrHeaderUnsealed
	}
	last := h.Digest[len(h.Digest)-1]
	if last.Kind != DigestSeal || last.Engine != KelpieEngineID {
		return nil, nil, ErrHeaderUnsealed
	}
	pre := h.Clone()
	pre.Digest = pre.Digest[:len(pre.Digest)-1]
	return pre, append([]byte(nil), last.Data...), nil
}
