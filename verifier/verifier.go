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

// Package verifier checks headers received from the network against the
// epoch that governs their claimed slot.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blinklabs-io/kelpie/claim"
	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/epochtree"
	"github.com/blinklabs-io/kelpie/header"
)

// CheckedHeader is the result of CheckHeader. A deferred header claims a
// slot in the future and must be submitted again once the local slot has
// caught up.
type CheckedHeader struct {
	Deferred bool
	// Header is the pre-seal header, or the original header when deferred
	Header    *header.Header
	Seal      []byte
	PreDigest *header.PreDigest
	Author    *epoch.Authority
}

// CheckHeader validates a header's claim and seal against ep. pre must be
// the header's pre-digest as returned by header.FindPreDigest.
func CheckHeader(
	hdr *header.Header,
	pre *header.PreDigest,
	slotNow epoch.Slot,
	ep *epoch.Epoch,
) (*CheckedHeader, error) {
	if pre.Slot > slotNow {
		return &CheckedHeader{
			Deferred:  true,
			Header:    hdr,
			PreDigest: pre,
		}, nil
	}
	preHeader, seal, err := header.StripSeal(hdr)
	if err != nil {
		return nil, err
	}
	author, err := claim.Author(pre, ep)
	if err != nil {
		return nil, err
	}
	if err := claim.VerifySeal(author, preHeader.Hash(), seal); err != nil {
		return nil, err
	}
	if err := claim.VerifyClaim(pre, ep); err != nil {
		return nil, err
	}
	return &CheckedHeader{
		Header:    preHeader,
		Seal:      seal,
		PreDigest: pre,
		Author:    author,
	}, nil
}

// TimeSource provides the local view of time.
type TimeSource interface {
	CurrentSlot() epoch.Slot
	Now() time.Time
}

// VerifyResult is the outcome of verifying a block. Params is nil when the
// block was deferred.
type VerifyResult struct {
	Deferred  bool
	Slot      epoch.Slot
	PreDigest *header.PreDigest
	Author    *epoch.Authority
	Params    *consensus.ImportParams
}

type Config struct {
	Logger               *slog.Logger
	Tree                 *epochtree.Shared
	Backend              consensus.HeaderBackend
	Runtime              consensus.Runtime
	TimeSource           TimeSource
	EquivocationReporter EquivocationReporter
	// MaxTrackedClaims bounds equivocation tracking memory
	MaxTrackedClaims int
}

// Verifier checks blocks from the network before they reach the import
// pipeline.
type Verifier struct {
	logger   *slog.Logger
	tree     *epochtree.Shared
	backend  consensus.HeaderBackend
	runtime  consensus.Runtime
	time     TimeSource
	reporter EquivocationReporter
	tracker  *EquivocationTracker
	genesis  epochtree.GenesisFunc
}

func New(cfg Config) (*Verifier, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tree == nil {
		return nil, errors.New("verifier requires an epoch tree")
	}
	if cfg.Backend == nil {
		return nil, errors.New("verifier requires a header backend")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("verifier requires a runtime")
	}
	if cfg.TimeSource == nil {
		return nil, errors.New("verifier requires a time source")
	}
	return &Verifier{
		logger:   cfg.Logger.With("component", "verifier"),
		tree:     cfg.Tree,
		backend:  cfg.Backend,
		runtime:  cfg.Runtime,
		time:     cfg.TimeSource,
		reporter: cfg.EquivocationReporter,
		tracker:  NewEquivocationTracker(cfg.MaxTrackedClaims),
		genesis:  consensus.GenesisEpoch(cfg.Runtime),
	}, nil
}

// Verify checks a block received with the given origin and returns import
// params for the pipeline, or a deferred result.
func (v *Verifier) Verify(
	ctx context.Context,
	origin consensus.BlockOrigin,
	block *header.Block,
) (*VerifyResult, error) {
	hdr := block.Header
	hash := hdr.Hash()
	if hdr.IsGenesis() {
		return &VerifyResult{
			PreDigest: header.GenesisPreDigest(),
			Params: &consensus.ImportParams{
				Origin: origin,
				Header: hdr,
				Body:   block.Body,
			},
		}, nil
	}
	pre, err := header.FindPreDigest(hdr)
	if err != nil {
		return nil, err
	}
	slotNow := v.time.CurrentSlot()
	parent, err := v.backend.Header(hdr.ParentHash)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: %s: %w",
			consensus.ErrParentUnavailable,
			hdr.ParentHash,
			err,
		)
	}
	ep, err := v.viableEpoch(parent, pre.Slot)
	if err != nil {
		return nil, err
	}
	checked, err := CheckHeader(hdr, pre, slotNow, ep)
	if err != nil {
		v.logger.Debug(
			"header verification failed",
			"hash", hash.String(),
			"slot", pre.Slot,
			"error", err,
		)
		return nil, err
	}
	if checked.Deferred {
		v.logger.Debug(
			"header from the future deferred",
			"hash", hash.String(),
			"slot", pre.Slot,
			"slot_now", slotNow,
		)
		return &VerifyResult{
			Deferred:  true,
			Slot:      pre.Slot,
			PreDigest: pre,
		}, nil
	}
	v.checkEquivocation(ctx, pre, checked.Author, hash)
	if block.Body != nil {
		data := consensus.InherentData{
			Timestamp: uint64(v.time.Now().UnixMilli()), // #nosec G115
			Slot:      pre.Slot,
		}
		if err := v.runtime.CheckInherents(block, data); err != nil {
			return nil, consensus.CheckInherentsError{Reason: err}
		}
	}
	v.logger.Debug(
		"header verified",
		"hash", hash.String(),
		"number", hdr.Number,
		"slot", pre.Slot,
		"kind", pre.Kind.String(),
	)
	return &VerifyResult{
		Slot:      pre.Slot,
		PreDigest: pre,
		Author:    checked.Author,
		Params: &consensus.ImportParams{
			Origin: origin,
			Header: hdr,
			Body:   block.Body,
		},
	}, nil
}

func (v *Verifier) viableEpoch(
	parent *header.Header,
	slot epoch.Slot,
) (*epoch.Epoch, error) {
	parentHash := parent.Hash()
	var ep *epoch.Epoch
	err := v.tree.View(func(tree *epochtree.Tree) error {
		desc, err := tree.EpochDescriptorForChildOf(
			v.backend.IsDescendentOf,
			parentHash,
			parent.Number,
			slot,
		)
		if err != nil {
			return consensus.FetchEpochError{Parent: parentHash, Err: err}
		}
		if desc == nil {
			return consensus.FetchEpochError{Parent: parentHash}
		}
		ep, err = tree.ViableEpoch(desc, v.genesis)
		if err != nil {
			return consensus.FetchEpochError{Parent: parentHash, Err: err}
		}
		return nil
	})
	return ep, err
}

func (v *Verifier) checkEquivocation(
	ctx context.Context,
	pre *header.PreDigest,
	author *epoch.Authority,
	hash header.Hash,
) {
	prev, equivocated := v.tracker.Observe(pre.Slot, pre.AuthorityIndex, hash)
	if !equivocated {
		return
	}
	v.logger.Warn(
		"equivocation detected",
		"slot", pre.Slot,
		"authority", pre.AuthorityIndex,
		"first", prev.String(),
		"second", hash.String(),
	)
	if v.reporter == nil {
		return
	}
	eq := Equivocation{
		Slot:           pre.Slot,
		AuthorityIndex: pre.AuthorityIndex,
		Author:         *author,
		First:          prev,
		Second:         hash,
	}
	if err := v.reporter.ReportEquivocation(ctx, eq); err != nil {
		v.logger.Error(
			"failed to report equivocation",
			"slot", pre.Slot,
			"error", err,
		)
	}
}
