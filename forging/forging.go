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

// Package forging authors blocks. The slot worker wakes once per slot,
// claims the slot if a local authority is entitled to it, has the
// proposer build a block within a time budget, seals it and submits it to
// the import pipeline.
package forging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/gouroboros/cbor"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/kelpie/claim"
	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/epochtree"
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/header"
	"github.com/blinklabs-io/kelpie/slotclock"
)

// Claimer decides whether a local authority may author slot on top of
// parent. A nil claim means the slot is not ours.
type Claimer interface {
	ClaimSlot(
		ctx context.Context,
		parent *header.Header,
		slot epoch.Slot,
		ep *epoch.Epoch,
	) (*claim.Claim, error)
}

// SlotSource delivers slot ticks.
type SlotSource interface {
	Subscribe() <-chan slotclock.SlotInfo
	Unsubscribe(ch <-chan slotclock.SlotInfo)
}

// Config holds configuration for the slot worker.
type Config struct {
	Logger      *slog.Logger
	Tree        *epochtree.Shared
	Backend     consensus.HeaderBackend
	Runtime     consensus.Runtime
	Importer    consensus.BlockImporter
	Environment consensus.Environment
	Claimer     Claimer
	SlotSource  SlotSource
	// SyncOracle defaults to consensus.AlwaysSynced
	SyncOracle consensus.SyncOracle
	// Backoff is optional
	Backoff BackoffStrategy
	// BlockProposalSlotPortion defaults to DefaultBlockProposalSlotPortion
	BlockProposalSlotPortion float64
	// MaxBlockProposalSlotPortion caps the lenient budget when positive
	MaxBlockProposalSlotPortion float64
	EventBus                    *event.EventBus
	PromRegistry                prometheus.Registerer
}

// SlotWorker coordinates block production.
type SlotWorker struct {
	logger      *slog.Logger
	tree        *epochtree.Shared
	backend     consensus.HeaderBackend
	importer    consensus.BlockImporter
	environment consensus.Environment
	claimer     Claimer
	slotSource  SlotSource
	syncOracle  consensus.SyncOracle
	backoff     BackoffStrategy
	portion     float64
	maxPortion  float64
	eventBus    *event.EventBus
	metrics     *forgingMetrics
	genesis     epochtree.GenesisFunc
	nowFunc     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSlotWorker(cfg Config) (*SlotWorker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Tree == nil {
		return nil, errors.New("slot worker requires an epoch tree")
	}
	if cfg.Backend == nil {
		return nil, errors.New("slot worker requires a header backend")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("slot worker requires a runtime")
	}
	if cfg.Importer == nil {
		return nil, errors.New("slot worker requires a block importer")
	}
	if cfg.Environment == nil {
		return nil, errors.New("slot worker requires a proposer environment")
	}
	if cfg.Claimer == nil {
		return nil, errors.New("slot worker requires a claimer")
	}
	if cfg.SyncOracle == nil {
		cfg.SyncOracle = consensus.AlwaysSynced{}
	}
	if cfg.BlockProposalSlotPortion <= 0 || cfg.BlockProposalSlotPortion > 1 {
		cfg.BlockProposalSlotPortion = DefaultBlockProposalSlotPortion
	}
	if cfg.PromRegistry == nil {
		cfg.PromRegistry = prometheus.NewRegistry()
	}
	return &SlotWorker{
		logger:      cfg.Logger.With("component", "forging"),
		tree:        cfg.Tree,
		backend:     cfg.Backend,
		importer:    cfg.Importer,
		environment: cfg.Environment,
		claimer:     cfg.Claimer,
		slotSource:  cfg.SlotSource,
		syncOracle:  cfg.SyncOracle,
		backoff:     cfg.Backoff,
		portion:     cfg.BlockProposalSlotPortion,
		maxPortion:  cfg.MaxBlockProposalSlotPortion,
		eventBus:    cfg.EventBus,
		metrics:     initForgingMetrics(cfg.PromRegistry),
		genesis:     consensus.GenesisEpoch(cfg.Runtime),
		nowFunc:     time.Now,
	}, nil
}

// Start begins handling slot ticks. The provided context controls the
// worker's lifecycle.
func (w *SlotWorker) Start(ctx context.Context) error {
	if w.slotSource == nil {
		return errors.New("slot worker has no slot source")
	}
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("slot worker already running")
	}
	w.running = true
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	slots := w.slotSource.Subscribe()
	w.wg.Add(1)
	w.mu.Unlock()

	w.logger.Info("slot worker started")
	go w.runLoop(ctx, slots)
	return nil
}

// Stop stops the worker and waits for the loop to exit.
func (w *SlotWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("slot worker stopped")
}

// IsRunning returns true if the worker is currently running.
func (w *SlotWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *SlotWorker) runLoop(ctx context.Context, slots <-chan slotclock.SlotInfo) {
	defer w.wg.Done()
	defer func() {
		w.slotSource.Unsubscribe(slots)
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case info, ok := <-slots:
			if !ok {
				return
			}
			if _, err := w.OnSlot(ctx, info); err != nil {
				w.logger.Error(
					"slot handling failed",
					"slot", info.Slot,
					"error", err,
				)
			}
		}
	}
}

// OnSlot runs one authoring attempt for info. It returns the imported
// block, or nil if the slot was skipped or not claimed. An error means a
// claimed slot could not be authored.
func (w *SlotWorker) OnSlot(
	ctx context.Context,
	info slotclock.SlotInfo,
) (*header.Block, error) {
	w.metrics.slotsChecked.Inc()
	if w.syncOracle.IsMajorSyncing() {
		w.metrics.syncSkip.Inc()
		w.logger.Debug("skipping slot while syncing", "slot", info.Slot)
		return nil, nil
	}
	parent, err := w.backend.Header(w.backend.BestHash())
	if err != nil {
		return nil, fmt.Errorf("best header: %w", err)
	}
	parentPre, err := header.FindPreDigest(parent)
	if err != nil {
		return nil, fmt.Errorf("best header pre-digest: %w", err)
	}
	if info.Slot <= parentPre.Slot {
		w.logger.Debug(
			"skipping slot: chain head is not older",
			"slot", info.Slot,
			"head_slot", parentPre.Slot,
		)
		return nil, nil
	}
	w.metrics.tipGapSlots.Set(float64(info.Slot - parentPre.Slot))

	ep, err := w.epochForChild(parent, info.Slot)
	if errors.Is(err, epoch.ErrSlotBeforeGenesis) {
		w.logger.Debug("skipping slot before genesis", "slot", info.Slot)
		return nil, nil
	}
	if err != nil || ep == nil {
		w.metrics.epochUnavailable.Inc()
		w.logger.Warn(
			"unable to resolve epoch for slot",
			"slot", info.Slot,
			"parent", parent.Hash().String(),
			"error", err,
		)
		return nil, nil
	}

	if w.backoff != nil {
		_, finNumber := w.backend.Finalized()
		if w.backoff.ShouldBackoff(parent.Number, parentPre.Slot, finNumber, info.Slot) {
			w.metrics.backoffSkip.Inc()
			w.logger.Debug(
				"backing off authoring",
				"slot", info.Slot,
				"head_number", parent.Number,
				"finalized_number", finNumber,
			)
			return nil, nil
		}
	}

	// A claim that is not ready by the end of the slot is abandoned
	claimCtx, cancel := context.WithDeadline(ctx, info.EndsAt)
	c, err := w.claimer.ClaimSlot(claimCtx, parent, info.Slot, ep)
	cancel()
	if err != nil {
		w.metrics.notClaimed.Inc()
		w.logger.Debug("slot claim failed", "slot", info.Slot, "error", err)
		return nil, nil
	}
	if c == nil {
		w.metrics.notClaimed.Inc()
		return nil, nil
	}
	w.metrics.claimed.Inc()

	block, err := w.author(ctx, parent, parentPre, info, c)
	if err != nil {
		w.metrics.couldNotForge.Inc()
		return nil, err
	}
	return block, nil
}

func (w *SlotWorker) epochForChild(
	parent *header.Header,
	slot epoch.Slot,
) (*epoch.Epoch, error) {
	var ret *epoch.Epoch
	err := w.tree.View(func(tree *epochtree.Tree) error {
		desc, err := tree.EpochDescriptorForChildOf(
			w.backend.IsDescendentOf,
			parent.Hash(),
			parent.Number,
			slot,
		)
		if err != nil || desc == nil {
			return err
		}
		ret, err = tree.ViableEpoch(desc, w.genesis)
		return err
	})
	return ret, err
}

func (w *SlotWorker) author(
	ctx context.Context,
	parent *header.Header,
	parentPre *header.PreDigest,
	info slotclock.SlotInfo,
	c *claim.Claim,
) (*header.Block, error) {
	start := w.nowFunc()
	budget := ProposingDuration(
		parent.IsGenesis(),
		parentPre.Slot,
		info,
		w.portion,
		w.maxPortion,
		start,
	)
	w.metrics.proposalBudget.Set(budget.Seconds())
	if budget <= 0 {
		return nil, fmt.Errorf("no time left to propose in slot %d", info.Slot)
	}
	proposer, err := w.environment.Init(parent)
	if err != nil {
		return nil, fmt.Errorf("init proposer: %w", err)
	}
	preItem, err := header.NewPreRuntimeDigest(c.PreDigest)
	if err != nil {
		return nil, err
	}
	data := consensus.InherentData{
		Timestamp: uint64(info.Timestamp.UnixMilli()), // #nosec G115
		Slot:      info.Slot,
	}
	block, err := proposer.Propose(
		ctx,
		data,
		[]header.DigestItem{preItem},
		budget,
	)
	if err != nil {
		return nil, fmt.Errorf("propose block: %w", err)
	}
	if block == nil || block.Header == nil {
		return nil, fmt.Errorf("proposer returned no header for slot %d", info.Slot)
	}
	elapsed := w.nowFunc().Sub(start)
	w.metrics.proposeDuration.Observe(elapsed.Seconds())
	if elapsed > budget {
		return nil, fmt.Errorf(
			"discarding proposal for slot %d: took %s, budget %s",
			info.Slot,
			elapsed,
			budget,
		)
	}

	hdr := block.Header
	preHash := hdr.PreSealHash()
	sig, err := c.Signer.Sign(preHash[:])
	if err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}
	hdr.PushDigest(header.NewSealDigest(sig))

	result, err := w.importer.ImportBlock(
		ctx,
		&consensus.ImportParams{
			Origin:     consensus.OriginOwn,
			Header:     hdr,
			Body:       block.Body,
			ForkChoice: consensus.ForkChoiceLongestChain,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("import authored block: %w", err)
	}
	hash := hdr.Hash()
	w.metrics.forged.Inc()
	if result.IsNewBest {
		w.metrics.adopted.Inc()
	}
	extrinsics := 0
	if block.Body != nil {
		extrinsics = len(block.Body.Extrinsics)
		if bodyCbor, err := cbor.Encode(block.Body); err == nil {
			w.metrics.blockSizeBytes.Observe(float64(len(bodyCbor)))
		}
	}
	w.metrics.blockExtrinsics.Observe(float64(extrinsics))
	w.logger.Info(
		"block authored",
		"slot", info.Slot,
		"number", hdr.Number,
		"hash", hash.String(),
		"kind", c.PreDigest.Kind.String(),
		"extrinsics", extrinsics,
		"best", result.IsNewBest,
	)
	if w.eventBus != nil {
		w.eventBus.Publish(
			BlockForgedEventType,
			event.NewEvent(
				BlockForgedEventType,
				BlockForgedEvent{
					Slot:           info.Slot,
					Hash:           hash,
					Number:         hdr.Number,
					Kind:           c.PreDigest.Kind,
					AuthorityIndex: c.PreDigest.AuthorityIndex,
					IsNewBest:      result.IsNewBest,
				},
			),
		)
	}
	return block, nil
}
