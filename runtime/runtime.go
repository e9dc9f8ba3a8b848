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

// Package runtime is a minimal state machine used by the node: it serves
// the genesis configuration and checks the timestamp inherent of each
// block against its claimed slot.
package runtime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/header"
)

// DefaultMaxDrift is how far ahead of local time a block timestamp may be.
const DefaultMaxDrift = 30 * time.Second

var (
	ErrTimestampSlotMismatch = errors.New("block timestamp does not match claimed slot")
	ErrTimestampTooFarAhead  = errors.New("block timestamp too far in the future")
)

// Runtime implements consensus.Runtime.
type Runtime struct {
	genesis  epoch.GenesisConfiguration
	backend  consensus.HeaderBackend
	maxDrift time.Duration
}

var _ consensus.Runtime = (*Runtime)(nil)

// New returns a runtime for the genesis configuration. backend is used by
// CurrentEpochStart and may be nil if that is never called.
func New(
	genesis epoch.GenesisConfiguration,
	backend consensus.HeaderBackend,
	maxDrift time.Duration,
) (*Runtime, error) {
	if genesis.SlotDuration == 0 {
		return nil, errors.New("slot duration must be positive")
	}
	if genesis.EpochDuration == 0 {
		return nil, errors.New("epoch duration must be positive")
	}
	cfg := epoch.EpochConfig{C: genesis.C, AllowedSlots: genesis.AllowedSlots}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis config: %w", err)
	}
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}
	return &Runtime{
		genesis:  genesis,
		backend:  backend,
		maxDrift: maxDrift,
	}, nil
}

// SetBackend sets the header backend once the chain exists.
func (r *Runtime) SetBackend(backend consensus.HeaderBackend) {
	r.backend = backend
}

func (r *Runtime) Configuration() (epoch.GenesisConfiguration, error) {
	return r.genesis, nil
}

// CurrentEpochStart returns the start slot of the epoch containing the
// block at hash. Epochs have a fixed duration, so this only depends on the
// block's slot.
func (r *Runtime) CurrentEpochStart(at header.Hash) (epoch.Slot, error) {
	if r.backend == nil {
		return 0, errors.New("runtime has no header backend")
	}
	hdr, err := r.backend.Header(at)
	if err != nil {
		return 0, err
	}
	pre, err := header.FindPreDigest(hdr)
	if err != nil {
		return 0, err
	}
	if pre.Slot < r.genesis.GenesisSlot {
		// Genesis itself sits before the first epoch
		return r.genesis.GenesisSlot, nil
	}
	return r.genesis.EpochStart(pre.Slot)
}

// CheckInherents verifies that the block's timestamp falls within the
// claimed slot and is not too far ahead of data.Timestamp.
func (r *Runtime) CheckInherents(
	block *header.Block,
	data consensus.InherentData,
) error {
	if block.Body == nil {
		return nil
	}
	ts := block.Body.Timestamp
	if slot := r.genesis.SlotAt(ts); slot != data.Slot {
		return fmt.Errorf(
			"%w: timestamp %d is in slot %d, claimed %d",
			ErrTimestampSlotMismatch,
			ts,
			slot,
			data.Slot,
		)
	}
	if ts > data.Timestamp+uint64(r.maxDrift.Milliseconds()) { // #nosec G115
		return fmt.Errorf(
			"%w: %d > %d",
			ErrTimestampTooFarAhead,
			ts,
			data.Timestamp,
		)
	}
	return nil
}

func (r *Runtime) epochIndex(slot epoch.Slot) uint64 {
	if slot < r.genesis.GenesisSlot {
		return 0
	}
	return uint64(slot-r.genesis.GenesisSlot) / r.genesis.EpochDuration
}

// EpochRandomness returns the randomness announced for epochIndex. The
// reference runtime derives it from the genesis randomness alone.
func (r *Runtime) EpochRandomness(epochIndex uint64) [epoch.RandomnessSize]byte {
	var buf [epoch.RandomnessSize + 8]byte
	copy(buf[:], r.genesis.Randomness[:])
	binary.BigEndian.PutUint64(buf[epoch.RandomnessSize:], epochIndex)
	return blake2b.Sum256(buf[:])
}

// EpochChangeDigests returns the consensus digests a child of parent at
// slot must carry. A block is the first of its epoch when its parent's
// slot is before the start of the epoch containing slot. That block
// announces the epoch after it; every other block carries none.
func (r *Runtime) EpochChangeDigests(
	parent *header.Header,
	slot epoch.Slot,
) ([]header.DigestItem, error) {
	parentPre, err := header.FindPreDigest(parent)
	if err != nil {
		return nil, err
	}
	start, err := r.genesis.EpochStart(slot)
	if err != nil {
		return nil, err
	}
	if parentPre.Slot >= start {
		return nil, nil
	}
	current := r.epochIndex(slot)
	item, err := header.NewNextEpochDigest(epoch.NextEpochDescriptor{
		Authorities: r.genesis.Authorities,
		Randomness:  r.EpochRandomness(current + 1),
	})
	if err != nil {
		return nil, err
	}
	return []header.DigestItem{item}, nil
}
