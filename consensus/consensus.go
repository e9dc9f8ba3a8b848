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

// Package consensus holds the contracts shared by the verifier, slot
// worker and import pipeline, and the collaborators they call into.
package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/blinklabs-io/kelpie/auxstore"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/header"
)

// BlockOrigin describes where a block being imported came from.
type BlockOrigin uint8

const (
	OriginGenesis BlockOrigin = iota
	OriginNetworkInitialSync
	OriginNetworkBroadcast
	OriginConsensusBroadcast
	OriginOwn
	OriginFile
)

func (o BlockOrigin) String() string {
	switch o {
	case OriginGenesis:
		return "genesis"
	case OriginNetworkInitialSync:
		return "network-initial-sync"
	case OriginNetworkBroadcast:
		return "network-broadcast"
	case OriginConsensusBroadcast:
		return "consensus-broadcast"
	case OriginOwn:
		return "own"
	case OriginFile:
		return "file"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// ForkChoice tells the inner importer whether a block becomes the best
// block.
type ForkChoice uint8

const (
	// ForkChoiceLongestChain leaves the decision to the inner importer
	ForkChoiceLongestChain ForkChoice = iota
	ForkChoiceNewBest
	ForkChoiceNotBest
)

// ImportParams is a block ready to be committed together with staged aux
// writes.
type ImportParams struct {
	Origin     BlockOrigin
	Header     *header.Header
	Body       *header.Body
	AuxOps     []auxstore.Op
	ForkChoice ForkChoice
	// Finalize marks the block finalized as part of the import
	Finalize bool
}

// Hash returns the hash of the block being imported.
func (p *ImportParams) Hash() header.Hash {
	return p.Header.Hash()
}

// ImportStatus is the outcome of an import.
type ImportStatus uint8

const (
	StatusImported ImportStatus = iota
	StatusAlreadyInChain
	StatusKnownBad
	StatusUnknownParent
)

func (s ImportStatus) String() string {
	switch s {
	case StatusImported:
		return "imported"
	case StatusAlreadyInChain:
		return "already-in-chain"
	case StatusKnownBad:
		return "known-bad"
	case StatusUnknownParent:
		return "unknown-parent"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ImportResult describes a completed import.
type ImportResult struct {
	Status    ImportStatus
	IsNewBest bool
}

// CheckParams identifies a block for a pre-import check.
type CheckParams struct {
	Hash       header.Hash
	Number     uint64
	ParentHash header.Hash
}

// BlockImporter commits blocks to storage. Aux ops in the params must be
// written atomically with the block.
type BlockImporter interface {
	ImportBlock(ctx context.Context, params *ImportParams) (ImportResult, error)
	CheckBlock(ctx context.Context, params CheckParams) (ImportResult, error)
}

// BlockStatus is the storage state of a block.
type BlockStatus uint8

const (
	BlockStatusUnknown BlockStatus = iota
	BlockStatusInChain
	BlockStatusKnownBad
)

// HeaderBackend answers chain queries. Header returns ErrUnknownBlock for
// hashes it does not know.
type HeaderBackend interface {
	Header(hash header.Hash) (*header.Header, error)
	Status(hash header.Hash) (BlockStatus, error)
	BestHash() header.Hash
	Finalized() (header.Hash, uint64)
	IsDescendentOf(base, block header.Hash) (bool, error)
}

// SyncOracle reports the node's sync state.
type SyncOracle interface {
	IsMajorSyncing() bool
	IsOffline() bool
}

// AlwaysSynced is a SyncOracle for nodes that are never syncing.
type AlwaysSynced struct{}

func (AlwaysSynced) IsMajorSyncing() bool { return false }
func (AlwaysSynced) IsOffline() bool      { return false }

// InherentData is the data a block author supplies to the runtime and the
// verifier checks against the claimed slot.
type InherentData struct {
	// Timestamp is milliseconds since the unix epoch
	Timestamp uint64
	Slot      epoch.Slot
}

// Runtime is the state machine collaborator.
type Runtime interface {
	Configuration() (epoch.GenesisConfiguration, error)
	CurrentEpochStart(at header.Hash) (epoch.Slot, error)
	CheckInherents(block *header.Block, data InherentData) error
}

// Proposer builds a single block.
type Proposer interface {
	Propose(
		ctx context.Context,
		data InherentData,
		digests []header.DigestItem,
		deadline time.Duration,
	) (*header.Block, error)
}

// Environment creates proposers on top of a parent header.
type Environment interface {
	Init(parent *header.Header) (Proposer, error)
}

// GenesisEpoch returns a function that materializes epoch 0 from the
// runtime's genesis configuration.
func GenesisEpoch(rt Runtime) func() (epoch.Epoch, error) {
	return func() (epoch.Epoch, error) {
		cfg, err := rt.Configuration()
		if err != nil {
			return epoch.Epoch{}, fmt.Errorf("runtime configuration: %w", err)
		}
		return cfg.GenesisEpoch(), nil
	}
}

// Finalizer is implemented by importers that track finality.
type Finalizer interface {
	Finalize(hash header.Hash) error
}
