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

// Package epoch contains the slot and epoch data model shared by the
// authoring, verification and import paths.
package epoch

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/blinklabs-io/gouroboros/cbor"
)

// RandomnessSize is the size of the per-epoch randomness in bytes.
const RandomnessSize = 32

// ErrSlotBeforeGenesis is returned for slots earlier than the genesis slot.
var ErrSlotBeforeGenesis = errors.New("slot is before the genesis slot")

// Slot is a discrete unit of protocol time.
type Slot uint64

// SaturatingSub returns s - other, or 0 if other is greater than s.
func (s Slot) SaturatingSub(other Slot) Slot {
	if other >= s {
		return 0
	}
	return s - other
}

// AllowedSlots determines which kinds of slot claims are valid in an epoch.
type AllowedSlots uint8

const (
	// PrimarySlots only allows VRF-based primary claims.
	PrimarySlots AllowedSlots = iota
	// PrimaryAndSecondaryPlainSlots additionally allows the deterministic
	// round-robin secondary claims, which keep the chain live when no
	// authority wins a primary claim.
	PrimaryAndSecondaryPlainSlots
)

func (a AllowedSlots) String() string {
	switch a {
	case PrimarySlots:
		return "primary"
	case PrimaryAndSecondaryPlainSlots:
		return "primary-and-secondary-plain"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Ratio is an exact rational number used for the active slot coefficient.
type Ratio struct {
	cbor.StructAsArray
	Numerator   uint64
	Denominator uint64
}

// Rat returns the ratio as a big.Rat. A zero denominator yields zero.
func (r Ratio) Rat() *big.Rat {
	if r.Denominator == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(
		new(big.Int).SetUint64(r.Numerator),
		new(big.Int).SetUint64(r.Denominator),
	)
}

// EpochConfig holds the protocol parameters that may change at an epoch
// boundary.
type EpochConfig struct {
	cbor.StructAsArray
	// C is the probability that a slot has at least one primary claim
	C            Ratio
	AllowedSlots AllowedSlots
}

// Validate checks that the configuration is usable for slot claims.
func (c EpochConfig) Validate() error {
	if c.C.Denominator == 0 {
		return errors.New("active slot coefficient denominator is zero")
	}
	if c.C.Numerator > c.C.Denominator {
		return fmt.Errorf(
			"active slot coefficient %d/%d is greater than one",
			c.C.Numerator,
			c.C.Denominator,
		)
	}
	return nil
}

// Authority is a block producer entitled to claim slots in an epoch.
type Authority struct {
	cbor.StructAsArray
	// SigningKey is the ed25519 public key used to verify block seals
	SigningKey []byte
	// VrfKey is the VRF public key used to verify primary claims
	VrfKey []byte
	Weight uint64
}

// NextEpochDescriptor is announced in the first block of an epoch and
// carries the authority set and randomness of the following epoch.
type NextEpochDescriptor struct {
	cbor.StructAsArray
	Authorities []Authority
	Randomness  [RandomnessSize]byte
}

// NextConfigDescriptor announces a configuration change for the following
// epoch.
type NextConfigDescriptor struct {
	cbor.StructAsArray
	C            Ratio
	AllowedSlots AllowedSlots
}

// Config converts the descriptor into an EpochConfig.
func (d NextConfigDescriptor) Config() EpochConfig {
	return EpochConfig{
		C:            d.C,
		AllowedSlots: d.AllowedSlots,
	}
}

// Epoch is a contiguous run of slots sharing authorities, randomness and
// configuration.
type Epoch struct {
	cbor.StructAsArray
	EpochIndex  uint64
	StartSlot   Slot
	Duration    uint64
	Authorities []Authority
	Randomness  [RandomnessSize]byte
	Config      EpochConfig
}

// EndSlot returns the first slot after the epoch.
func (e Epoch) EndSlot() Slot {
	return e.StartSlot + Slot(e.Duration)
}

// ContainsSlot reports whether the slot falls within the epoch.
func (e Epoch) ContainsSlot(slot Slot) bool {
	return slot >= e.StartSlot && slot < e.EndSlot()
}

// TotalWeight returns the sum of all authority weights.
func (e Epoch) TotalWeight() uint64 {
	var total uint64
	for _, a := range e.Authorities {
		total += a.Weight
	}
	return total
}

// Increment produces the epoch that begins at this epoch's end slot. A nil
// config keeps the current configuration.
func (e Epoch) Increment(
	next NextEpochDescriptor,
	nextConfig *NextConfigDescriptor,
) Epoch {
	cfg := e.Config
	if nextConfig != nil {
		cfg = nextConfig.Config()
	}
	return Epoch{
		EpochIndex:  e.EpochIndex + 1,
		StartSlot:   e.EndSlot(),
		Duration:    e.Duration,
		Authorities: cloneAuthorities(next.Authorities),
		Randomness:  next.Randomness,
		Config:      cfg,
	}
}

// SkippedEpochs returns how many whole epochs lie between this epoch's end
// and the epoch containing slot. Slots before EndSlot return 0.
func (e Epoch) SkippedEpochs(slot Slot) uint64 {
	if e.Duration == 0 || slot < e.EndSlot() {
		return 0
	}
	return uint64(slot-e.StartSlot) / e.Duration
}

// CloneForSlot returns a copy of the epoch advanced to the epoch containing
// slot. The authorities, randomness and configuration are reused; only the
// index and start slot move. It is used when one or more epochs passed
// without any block announcing their successor.
func (e Epoch) CloneForSlot(slot Slot) Epoch {
	ret := e.Clone()
	skipped := e.SkippedEpochs(slot)
	if skipped == 0 {
		return ret
	}
	ret.EpochIndex += skipped
	ret.StartSlot += Slot(skipped * e.Duration)
	return ret
}

// Clone returns a deep copy of the epoch.
func (e Epoch) Clone() Epoch {
	ret := e
	ret.Authorities = cloneAuthorities(e.Authorities)
	return ret
}

func cloneAuthorities(src []Authority) []Authority {
	if src == nil {
		return nil
	}
	ret := make([]Authority, len(src))
	for i, a := range src {
		ret[i] = Authority{
			SigningKey: append([]byte(nil), a.SigningKey...),
			VrfKey:     append([]byte(nil), a.VrfKey...),
			Weight:     a.Weight,
		}
	}
	return ret
}

// GenesisConfiguration describes the chain's first epoch.
type GenesisConfiguration struct {
	// SystemStart is the unix time in milliseconds at which slot 0 begins
	SystemStart   uint64
	SlotDuration  uint64 // milliseconds
	EpochDuration uint64 // slots
	GenesisSlot   Slot
	C             Ratio
	Authorities   []Authority
	Randomness    [RandomnessSize]byte
	AllowedSlots  AllowedSlots
}

// SlotAt returns the slot containing the unix millisecond timestamp.
func (g GenesisConfiguration) SlotAt(timestampMs uint64) Slot {
	if g.SlotDuration == 0 || timestampMs < g.SystemStart {
		return 0
	}
	return Slot((timestampMs - g.SystemStart) / g.SlotDuration)
}

// SlotStart returns the unix millisecond timestamp at which slot begins.
func (g GenesisConfiguration) SlotStart(slot Slot) uint64 {
	return g.SystemStart + uint64(slot)*g.SlotDuration
}

// EpochStart returns the start slot of the epoch containing slot. Epochs
// are laid out back to back from the genesis slot.
func (g GenesisConfiguration) EpochStart(slot Slot) (Slot, error) {
	if slot < g.GenesisSlot {
		return 0, fmt.Errorf("%w: %d < %d", ErrSlotBeforeGenesis, slot, g.GenesisSlot)
	}
	if g.EpochDuration == 0 {
		return g.GenesisSlot, nil
	}
	idx := uint64(slot-g.GenesisSlot) / g.EpochDuration
	return g.GenesisSlot + Slot(idx*g.EpochDuration), nil
}

// GenesisEpoch materializes epoch 0 from the genesis configuration.
func (g GenesisConfiguration) GenesisEpoch() Epoch {
	return Epoch{
		EpochIndex:  0,
		StartSlot:   g.GenesisSlot,
		Duration:    g.EpochDuration,
		Authorities: cloneAuthorities(g.Authorities),
		Randomness:  g.Randomness,
		Config: EpochConfig{
			C:            g.C,
			AllowedSlots: g.AllowedSlots,
		},
	}
}
