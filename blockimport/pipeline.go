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

// Package blockimport wraps the storage-committing importer with the
// consensus checks and bookkeeping every block goes through: slot
// monotonicity, epoch change validation, epoch tree updates, cumulative
// weight and fork choice.
//
// All work for a block, including the inner commit, runs while holding the
// epoch tree's write lock. If the inner importer fails, every tree
// mutation made for the block is discarded.
package blockimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blinklabs-io/kelpie/auxstore"
	"github.com/blinklabs-io/kelpie/chainselection"
	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/epochtree"
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/header"
)

const tracerName = "github.com/blinklabs-io/kelpie/blockimport"

type Config struct {
	Logger       *slog.Logger
	Tree         *epochtree.Shared
	Inner        consensus.BlockImporter
	Backend      consensus.HeaderBackend
	Runtime      consensus.Runtime
	Aux          auxstore.Store
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	// Tracer defaults to the global tracer provider
	Tracer trace.Tracer
}

// BlockImport is the consensus import pipeline. It implements
// consensus.BlockImporter.
type BlockImport struct {
	logger   *slog.Logger
	tree     *epochtree.Shared
	inner    consensus.BlockImporter
	backend  consensus.HeaderBackend
	aux      auxstore.Store
	eventBus *event.EventBus
	metrics  *importMetrics
	tracer   trace.Tracer
	genesis  epochtree.GenesisFunc
}

var _ consensus.BlockImporter = (*BlockImport)(nil)

func New(cfg Config) (*BlockImport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Tree == nil {
		return nil, errors.New("block import requires an epoch tree")
	}
	if cfg.Inner == nil {
		return nil, errors.New("block import requires an inner importer")
	}
	if cfg.Backend == nil {
		return nil, errors.New("block import requires a header backend")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("block import requires a runtime")
	}
	if cfg.Aux == nil {
		return nil, errors.New("block import requires an aux store")
	}
	if cfg.PromRegistry == nil {
		cfg.PromRegistry = prometheus.NewRegistry()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &BlockImport{
		logger:   cfg.Logger.With("component", "blockimport"),
		tree:     cfg.Tree,
		inner:    cfg.Inner,
		backend:  cfg.Backend,
		aux:      cfg.Aux,
		eventBus: cfg.EventBus,
		metrics:  initImportMetrics(cfg.PromRegistry),
		tracer:   cfg.Tracer,
		genesis:  consensus.GenesisEpoch(cfg.Runtime),
	}, nil
}

// CheckBlock delegates to the inner importer.
func (b *BlockImport) CheckBlock(
	ctx context.Context,
	params consensus.CheckParams,
) (consensus.ImportResult, error) {
	return b.inner.CheckBlock(ctx, params)
}

// importOutcome carries what happened inside the locked section out to the
// event publishing that follows it
type importOutcome struct {
	result      consensus.ImportResult
	slot        epoch.Slot
	weight      uint64
	epochChange *EpochChangeEvent
}

// ImportBlock runs the consensus checks for a block and commits it through
// the inner importer.
func (b *BlockImport) ImportBlock(
	ctx context.Context,
	params *consensus.ImportParams,
) (consensus.ImportResult, error) {
	start := time.Now()
	hdr := params.Header
	hash := hdr.Hash()
	ctx, span := b.tracer.Start(
		ctx,
		"blockimport.ImportBlock",
		trace.WithAttributes(
			attribute.String("block.hash", hash.String()),
			attribute.Int64("block.number", int64(hdr.Number)), // #nosec G115
			attribute.String("block.origin", params.Origin.String()),
		),
	)
	defer span.End()

	outcome, err := b.importBlock(ctx, hash, params)
	b.metrics.importDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		kind := "other"
		if consensus.IsMalformed(err) {
			kind = "malformed"
		}
		b.metrics.failures.WithLabelValues(kind).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Debug(
			"block import failed",
			"hash", hash.String(),
			"number", hdr.Number,
			"error", err,
		)
		return consensus.ImportResult{}, err
	}
	switch outcome.result.Status {
	case consensus.StatusAlreadyInChain:
		b.metrics.alreadyInChain.Inc()
		return outcome.result, nil
	case consensus.StatusKnownBad:
		b.metrics.knownBad.Inc()
		b.logger.Debug(
			"refusing known bad block",
			"hash", hash.String(),
			"number", hdr.Number,
		)
		return outcome.result, nil
	}
	span.SetAttributes(
		attribute.Int64("block.slot", int64(outcome.slot)), // #nosec G115
		attribute.Bool("block.new_best", outcome.result.IsNewBest),
	)
	b.metrics.imported.Inc()
	if outcome.result.IsNewBest {
		b.metrics.newBest.Inc()
		b.metrics.bestWeight.Set(float64(outcome.weight))
	}
	b.logger.Debug(
		"block imported",
		"hash", hash.String(),
		"number", hdr.Number,
		"slot", outcome.slot,
		"weight", outcome.weight,
		"best", outcome.result.IsNewBest,
	)
	if outcome.epochChange != nil {
		b.metrics.epochChanges.Inc()
		b.logger.Info(
			"epoch change announced",
			"hash", hash.String(),
			"number", hdr.Number,
			"epoch", outcome.epochChange.Current.EpochIndex,
			"next_epoch", outcome.epochChange.Next.EpochIndex,
			"next_start_slot", outcome.epochChange.Next.StartSlot,
		)
	}
	if b.eventBus != nil {
		b.eventBus.Publish(
			BlockImportedEventType,
			event.NewEvent(
				BlockImportedEventType,
				BlockImportedEvent{
					Hash:      hash,
					Number:    hdr.Number,
					Slot:      outcome.slot,
					Weight:    outcome.weight,
					IsNewBest: outcome.result.IsNewBest,
					Origin:    params.Origin,
				},
			),
		)
		if outcome.epochChange != nil {
			b.eventBus.Publish(
				EpochChangeEventType,
				event.NewEvent(EpochChangeEventType, *outcome.epochChange),
			)
		}
	}
	return outcome.result, nil
}

func (b *BlockImport) importBlock(
	ctx context.Context,
	hash header.Hash,
	params *consensus.ImportParams,
) (*importOutcome, error) {
	hdr := params.Header
	status, err := b.backend.Status(hash)
	if err != nil {
		return nil, fmt.Errorf("block status: %w", err)
	}
	switch status {
	case consensus.BlockStatusInChain:
		return &importOutcome{
			result: consensus.ImportResult{Status: consensus.StatusAlreadyInChain},
		}, nil
	case consensus.BlockStatusKnownBad:
		return &importOutcome{
			result: consensus.ImportResult{Status: consensus.StatusKnownBad},
		}, nil
	}
	pre, err := header.FindPreDigest(hdr)
	if err != nil {
		return nil, err
	}
	parent, err := b.backend.Header(hdr.ParentHash)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: %s: %w",
			consensus.ErrParentUnavailable,
			hdr.ParentHash,
			err,
		)
	}
	parentPre, err := header.FindPreDigest(parent)
	if err != nil {
		return nil, fmt.Errorf("parent pre-digest: %w", err)
	}
	if pre.Slot <= parentPre.Slot {
		return nil, consensus.SlotMustIncreaseError{
			ParentSlot: parentPre.Slot,
			Slot:       pre.Slot,
		}
	}

	outcome := &importOutcome{slot: pre.Slot}
	mutated := false
	err = b.tree.Update(func(tree *epochtree.Tree) error {
		desc, err := tree.EpochDescriptorForChildOf(
			b.backend.IsDescendentOf,
			hdr.ParentHash,
			parent.Number,
			pre.Slot,
		)
		if err != nil {
			return consensus.FetchEpochError{Parent: hdr.ParentHash, Err: err}
		}
		if desc == nil {
			return consensus.FetchEpochError{Parent: hdr.ParentHash}
		}
		firstInEpoch := parentPre.Slot < desc.StartSlot

		var parentWeight uint64
		if !parent.IsGenesis() {
			w, ok, err := LoadWeight(b.aux, hdr.ParentHash)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf(
					"%w: %s",
					consensus.ErrParentBlockNoAssociatedWeight,
					hdr.ParentHash,
				)
			}
			parentWeight = w
		}

		nextEpoch, err := header.FindNextEpochDigest(hdr)
		if err != nil {
			return err
		}
		nextConfig, err := header.FindNextConfigDigest(hdr)
		if err != nil {
			return err
		}
		switch {
		case firstInEpoch && nextEpoch == nil:
			return consensus.ErrExpectedEpochChange
		case !firstInEpoch && nextEpoch != nil:
			return consensus.ErrUnexpectedEpochChange
		case !firstInEpoch && nextConfig != nil:
			return consensus.ErrUnexpectedConfigChange
		}

		var auxOps []auxstore.Op
		if nextEpoch != nil {
			viable, err := tree.ViableEpoch(desc, b.genesis)
			if err != nil {
				return consensus.FetchEpochError{Parent: hdr.ParentHash, Err: err}
			}
			next := viable.Increment(*nextEpoch, nextConfig)
			mutated = true
			if err := b.pruneFinalized(tree); err != nil {
				return err
			}
			if err := tree.Import(
				b.backend.IsDescendentOf,
				hash,
				hdr.Number,
				hdr.ParentHash,
				next,
			); err != nil {
				return fmt.Errorf("import epoch change: %w", err)
			}
			op, err := tree.PersistOp()
			if err != nil {
				return err
			}
			auxOps = append(auxOps, op)
			outcome.epochChange = &EpochChangeEvent{
				Hash:    hash,
				Number:  hdr.Number,
				Current: *viable,
				Next:    next,
			}
		}

		totalWeight := parentWeight + AddedWeight(pre)
		auxOps = append(auxOps, WeightOp(hash, totalWeight))
		outcome.weight = totalWeight

		best, err := b.bestTip()
		if err != nil {
			return err
		}
		candidate := chainselection.Tip{
			Hash:   hash,
			Number: hdr.Number,
			Weight: totalWeight,
		}
		inner := *params
		inner.AuxOps = append(append([]auxstore.Op(nil), params.AuxOps...), auxOps...)
		inner.ForkChoice = consensus.ForkChoiceNotBest
		if chainselection.IsBetterChain(candidate, best) {
			inner.ForkChoice = consensus.ForkChoiceNewBest
		}
		result, err := b.inner.ImportBlock(ctx, &inner)
		if err != nil {
			return err
		}
		outcome.result = result
		return nil
	})
	if err != nil {
		if mutated {
			b.metrics.rollbacks.Inc()
		}
		return nil, err
	}
	return outcome, nil
}

func (b *BlockImport) bestTip() (chainselection.Tip, error) {
	bestHash := b.backend.BestHash()
	best, err := b.backend.Header(bestHash)
	if err != nil {
		return chainselection.Tip{}, fmt.Errorf("best header: %w", err)
	}
	w, err := b.Weight(best)
	if err != nil {
		return chainselection.Tip{}, fmt.Errorf("best block: %w", err)
	}
	return chainselection.Tip{Hash: bestHash, Number: best.Number, Weight: w}, nil
}

// Weight returns the cumulative weight of a committed block. Genesis has
// no weight. It only reads the aux store, so it can serve as a
// chain.Weigher.
func (b *BlockImport) Weight(hdr *header.Header) (uint64, error) {
	if hdr.IsGenesis() {
		return 0, nil
	}
	hash := hdr.Hash()
	w, ok, err := LoadWeight(b.aux, hash)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf(
			"%w: %s",
			consensus.ErrParentBlockNoAssociatedWeight,
			hash,
		)
	}
	return w, nil
}

func (b *BlockImport) pruneFinalized(tree *epochtree.Tree) error {
	finHash, finNumber := b.backend.Finalized()
	finHeader, err := b.backend.Header(finHash)
	if err != nil {
		return fmt.Errorf("finalized header: %w", err)
	}
	finPre, err := header.FindPreDigest(finHeader)
	if err != nil {
		return fmt.Errorf("finalized pre-digest: %w", err)
	}
	removed, err := tree.PruneFinalized(
		b.backend.IsDescendentOf,
		finHash,
		finNumber,
		finPre.Slot,
	)
	if err != nil {
		return fmt.Errorf("prune epoch tree: %w", err)
	}
	if removed > 0 {
		b.metrics.prunedNodes.Add(float64(removed))
	}
	return nil
}

// Finalize marks a block finalized in the inner importer, if it tracks
// finality, then prunes the epoch tree and persists it.
func (b *BlockImport) Finalize(ctx context.Context, hash header.Hash) error {
	_, span := b.tracer.Start(
		ctx,
		"blockimport.Finalize",
		trace.WithAttributes(attribute.String("block.hash", hash.String())),
	)
	defer span.End()
	if f, ok := b.inner.(consensus.Finalizer); ok {
		if err := f.Finalize(hash); err != nil {
			span.RecordError(err)
			return err
		}
	}
	err := b.tree.Update(func(tree *epochtree.Tree) error {
		before := tree.Len()
		genesisBefore := tree.GenesisLive()
		if err := b.pruneFinalized(tree); err != nil {
			return err
		}
		if tree.Len() == before && tree.GenesisLive() == genesisBefore {
			return nil
		}
		op, err := tree.PersistOp()
		if err != nil {
			return err
		}
		return b.aux.PutBatch([]auxstore.Op{op})
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
