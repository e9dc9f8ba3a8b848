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

// Package kelpie wires the slot-based consensus engine into a node: the
// block store, epoch tree, import pipeline, verifier, slot worker and
// notification service sharing one aux store and event bus.
package kelpie

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blinklabs-io/kelpie/auxstore"
	"github.com/blinklabs-io/kelpie/auxstore/badger"
	"github.com/blinklabs-io/kelpie/auxstore/memory"
	"github.com/blinklabs-io/kelpie/auxstore/pebble"
	"github.com/blinklabs-io/kelpie/auxstore/sqlite"
	"github.com/blinklabs-io/kelpie/blockimport"
	"github.com/blinklabs-io/kelpie/chain"
	"github.com/blinklabs-io/kelpie/claim"
	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/epochtree"
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/forging"
	"github.com/blinklabs-io/kelpie/header"
	"github.com/blinklabs-io/kelpie/keystore"
	"github.com/blinklabs-io/kelpie/notify"
	"github.com/blinklabs-io/kelpie/proposer"
	"github.com/blinklabs-io/kelpie/runtime"
	"github.com/blinklabs-io/kelpie/slotclock"
	"github.com/blinklabs-io/kelpie/verifier"
)

// EquivocationEventType is published when the verifier sees an author
// produce two headers for one slot
const EquivocationEventType = event.EventType("kelpie.equivocation")

var ErrNodeNotStarted = errors.New("node not started")

type Node struct {
	eventBus      *event.EventBus
	aux           auxstore.Store
	chain         *chain.Chain
	runtime       *runtime.Runtime
	tree          *epochtree.Shared
	importer      *serialImporter
	blockImport   *blockimport.BlockImport
	verifier      *verifier.Verifier
	slotClock     *slotclock.SlotClock
	notify        *notify.Service
	pool          *proposer.Pool
	slotWorker    *forging.SlotWorker
	claimSub      *notify.Subscription
	shutdownFuncs []func(context.Context) error
	config        Config
	done          chan struct{}
	claimWg       sync.WaitGroup
	startMutex    sync.Mutex
	shutdownOnce  sync.Once
	started       bool
}

var _ verifier.EquivocationReporter = (*Node)(nil)

// serialImporter serializes imports from the network and the slot worker
type serialImporter struct {
	mu    sync.Mutex
	inner *blockimport.BlockImport
}

func (s *serialImporter) ImportBlock(
	ctx context.Context,
	params *consensus.ImportParams,
) (consensus.ImportResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ImportBlock(ctx, params)
}

func (s *serialImporter) CheckBlock(
	ctx context.Context,
	params consensus.CheckParams,
) (consensus.ImportResult, error) {
	return s.inner.CheckBlock(ctx, params)
}

func (s *serialImporter) Finalize(ctx context.Context, hash header.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Finalize(ctx, hash)
}

func New(cfg Config) (*Node, error) {
	n := &Node{
		config:   cfg,
		eventBus: event.NewEventBus(cfg.promRegistry, cfg.logger),
		done:     make(chan struct{}),
	}
	if err := n.configValidate(); err != nil {
		n.eventBus.Stop()
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return n, nil
}

// GenesisHeader returns the genesis header for a chain. The state root
// commits to the genesis randomness so chains with different genesis
// configurations do not share a genesis hash.
func GenesisHeader(genesis epoch.GenesisConfiguration) *header.Header {
	return &header.Header{
		Number:    0,
		StateRoot: header.Hash(genesis.Randomness),
	}
}

// Run starts the node and blocks until ctx is done or the node is stopped.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-n.done:
	}
	return nil
}

// Start builds and starts every component. It returns once the node is
// running.
func (n *Node) Start(ctx context.Context) error {
	n.startMutex.Lock()
	defer n.startMutex.Unlock()
	if n.started {
		return errors.New("node already started")
	}
	if err := n.start(ctx); err != nil {
		// Release whatever was opened before the failure
		n.shutdownOnce.Do(func() {
			_ = n.shutdown()
		})
		return err
	}
	n.started = true
	return nil
}

func (n *Node) start(ctx context.Context) error {
	logger := n.config.logger
	genesis := *n.config.genesis
	// Configure tracing
	if n.config.tracing {
		if err := n.setupTracing(); err != nil {
			return err
		}
	}
	// Load aux store
	aux, err := n.openAuxStore()
	if err != nil {
		return fmt.Errorf("failed to open aux store: %w", err)
	}
	n.aux = aux
	// Load runtime and chain
	rt, err := runtime.New(genesis, nil, n.config.maxDrift)
	if err != nil {
		return fmt.Errorf("failed to load runtime: %w", err)
	}
	n.runtime = rt
	c, err := chain.Load(GenesisHeader(genesis), aux, n.eventBus, logger)
	if err != nil {
		return fmt.Errorf("failed to load chain: %w", err)
	}
	n.chain = c
	rt.SetBackend(c)
	// Load epoch tree
	tree, err := epochtree.Load(aux, genesis.GenesisSlot, genesis.EpochDuration)
	if err != nil {
		return fmt.Errorf("failed to load epoch tree: %w", err)
	}
	n.tree = epochtree.NewShared(tree)
	logger.Info(
		"loaded epoch tree",
		"component", "node",
		"nodes", tree.Len(),
	)
	// Import pipeline
	bi, err := blockimport.New(blockimport.Config{
		Logger:       logger,
		Tree:         n.tree,
		Inner:        c,
		Backend:      c,
		Runtime:      rt,
		Aux:          aux,
		EventBus:     n.eventBus,
		PromRegistry: n.config.promRegistry,
	})
	if err != nil {
		return fmt.Errorf("failed to create block import: %w", err)
	}
	n.blockImport = bi
	c.SetWeigher(bi.Weight)
	n.importer = &serialImporter{inner: bi}
	// Slot clock
	sc, err := slotclock.NewSlotClock(genesis, slotclock.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create slot clock: %w", err)
	}
	n.slotClock = sc
	// Verifier
	v, err := verifier.New(verifier.Config{
		Logger:               logger,
		Tree:                 n.tree,
		Backend:              c,
		Runtime:              rt,
		TimeSource:           sc,
		EquivocationReporter: n,
	})
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	n.verifier = v
	// Notification service
	svc, err := notify.New(notify.Config{
		Logger:           logger,
		Tree:             n.tree,
		Backend:          c,
		Runtime:          rt,
		EventBus:         n.eventBus,
		HandshakeTimeout: n.config.handshakeTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create notification service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notification service: %w", err)
	}
	n.notify = svc
	n.pool = &proposer.Pool{}
	// Slot worker
	if n.config.forgeBlocks {
		if err := n.startForging(ctx); err != nil {
			return err
		}
	}
	n.slotClock.Start(ctx)
	logger.Info(
		"node started",
		"component", "node",
		"best", c.BestHash().String(),
		"forging", n.config.forgeBlocks,
		"aux_store", string(n.config.auxStore),
	)
	return nil
}

func (n *Node) openAuxStore() (auxstore.Store, error) {
	var store auxstore.Store
	switch n.config.auxStore {
	case AuxStoreBadger:
		s, err := badger.New(
			badger.WithLogger(n.config.logger),
			badger.WithPromRegistry(n.config.promRegistry),
			badger.WithDataDir(n.config.dataDir),
		)
		if err != nil {
			return nil, err
		}
		store = s
	case AuxStoreSqlite:
		s, err := sqlite.New(
			sqlite.WithLogger(n.config.logger),
			sqlite.WithPromRegistry(n.config.promRegistry),
			sqlite.WithDataDir(n.config.dataDir),
		)
		if err != nil {
			return nil, err
		}
		store = s
	case AuxStorePebble:
		s, err := pebble.New(
			pebble.WithLogger(n.config.logger),
			pebble.WithPromRegistry(n.config.promRegistry),
			pebble.WithDataDir(n.config.dataDir),
		)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		store = memory.New()
	}
	if closer, ok := store.(auxstore.Closer); ok {
		n.shutdownFuncs = append(n.shutdownFuncs, func(context.Context) error {
			return closer.Close()
		})
	}
	return store, nil
}

func (n *Node) loadKeys() ([]*claim.AuthorityKeys, error) {
	keys := append([]*claim.AuthorityKeys(nil), n.config.authorityKeys...)
	if len(n.config.keyFiles) > 0 {
		ks := keystore.New(n.config.logger, n.config.keyFiles...)
		if err := ks.Load(); err != nil {
			return nil, err
		}
		fileKeys, err := ks.Keys()
		if err != nil {
			return nil, err
		}
		keys = append(keys, fileKeys...)
	}
	return keys, nil
}

func (n *Node) startForging(ctx context.Context) error {
	keys, err := n.loadKeys()
	if err != nil {
		return fmt.Errorf("failed to load authority keys: %w", err)
	}
	local := claim.NewLocalClaimer(n.config.logger, keys...)
	var claimer forging.Claimer = local
	if n.config.externalClaiming {
		sub, err := n.notify.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("failed to subscribe local claimer: %w", err)
		}
		n.claimSub = sub
		n.claimWg.Add(1)
		go n.answerSlots(ctx, local, sub)
		claimer = notify.NewRemoteClaimer(n.notify)
	}
	var backoff forging.BackoffStrategy
	if n.config.backoff {
		backoff = forging.DefaultBackoff()
	}
	worker, err := forging.NewSlotWorker(forging.Config{
		Logger:                      n.config.logger,
		Tree:                        n.tree,
		Backend:                     n.chain,
		Runtime:                     n.runtime,
		Importer:                    n.importer,
		Environment:                 proposer.NewEnvironment(n.pool, n.runtime, n.config.maxExtrinsics, n.config.logger),
		Claimer:                     claimer,
		SlotSource:                  n.slotClock,
		SyncOracle:                  consensus.AlwaysSynced{},
		Backoff:                     backoff,
		BlockProposalSlotPortion:    n.config.blockProposalSlotPortion,
		MaxBlockProposalSlotPortion: n.config.maxBlockProposalSlotPortion,
		EventBus:                    n.eventBus,
		PromRegistry:                n.config.promRegistry,
	})
	if err != nil {
		return fmt.Errorf("failed to create slot worker: %w", err)
	}
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start slot worker: %w", err)
	}
	n.slotWorker = worker
	return nil
}

// answerSlots claims notified slots with the local keys
func (n *Node) answerSlots(
	ctx context.Context,
	local *claim.LocalClaimer,
	sub *notify.Subscription,
) {
	defer n.claimWg.Done()
	for notification := range sub.C {
		c, err := local.ClaimSlot(ctx, notification.Parent, notification.Slot, notification.Epoch)
		if err != nil {
			n.config.logger.Warn(
				"local claim failed",
				"component", "node",
				"slot", uint64(notification.Slot),
				"error", err,
			)
		}
		notification.Respond(c)
	}
}

// SubmitBlock verifies a block received from outside the node and imports
// it. A deferred result means the block is from a future slot and was
// not imported. Blocks that previously failed verification are refused
// with StatusKnownBad.
func (n *Node) SubmitBlock(
	ctx context.Context,
	origin consensus.BlockOrigin,
	block *header.Block,
) (*verifier.VerifyResult, consensus.ImportResult, error) {
	if err := n.checkStarted(); err != nil {
		return nil, consensus.ImportResult{}, err
	}
	status, err := n.chain.Status(block.Hash())
	if err != nil {
		return nil, consensus.ImportResult{}, err
	}
	if status == consensus.BlockStatusKnownBad {
		return nil, consensus.ImportResult{Status: consensus.StatusKnownBad}, nil
	}
	res, err := n.verifier.Verify(ctx, origin, block)
	if err != nil {
		if consensus.IsMalformed(err) {
			n.chain.MarkBad(block.Hash())
		}
		return nil, consensus.ImportResult{}, err
	}
	if res.Deferred {
		return res, consensus.ImportResult{}, nil
	}
	importRes, err := n.importer.ImportBlock(ctx, res.Params)
	if err != nil && consensus.IsMalformed(err) {
		n.chain.MarkBad(block.Hash())
	}
	return res, importRes, err
}

// Finalize marks a block finalized and prunes the epoch tree.
func (n *Node) Finalize(ctx context.Context, hash header.Hash) error {
	if err := n.checkStarted(); err != nil {
		return err
	}
	return n.importer.Finalize(ctx, hash)
}

// SubmitExtrinsic queues an extrinsic for the next authored block.
func (n *Node) SubmitExtrinsic(extrinsic []byte) error {
	if err := n.checkStarted(); err != nil {
		return err
	}
	n.pool.Submit(extrinsic)
	return nil
}

// EpochForChild returns the epoch a child of the given parent at slot
// belongs to.
func (n *Node) EpochForChild(
	ctx context.Context,
	parentHash header.Hash,
	parentNumber uint64,
	slot epoch.Slot,
) (*epoch.Epoch, error) {
	if err := n.checkStarted(); err != nil {
		return nil, err
	}
	return n.notify.EpochForChild(ctx, parentHash, parentNumber, slot)
}

// SubscribeSlots registers an external claimer for slot notifications.
func (n *Node) SubscribeSlots(ctx context.Context) (*notify.Subscription, error) {
	if err := n.checkStarted(); err != nil {
		return nil, err
	}
	return n.notify.Subscribe(ctx)
}

// BestHeader returns the current best header.
func (n *Node) BestHeader() (*header.Header, error) {
	if err := n.checkStarted(); err != nil {
		return nil, err
	}
	return n.chain.BestHeader(), nil
}

// Block returns a stored block.
func (n *Node) Block(hash header.Hash) (*header.Block, error) {
	if err := n.checkStarted(); err != nil {
		return nil, err
	}
	return n.chain.Block(hash)
}

func (n *Node) Finalized() (header.Hash, uint64, error) {
	if err := n.checkStarted(); err != nil {
		return header.Hash{}, 0, err
	}
	hash, number := n.chain.Finalized()
	return hash, number, nil
}

// EventBus returns the node's event bus.
func (n *Node) EventBus() *event.EventBus {
	return n.eventBus
}

func (n *Node) ReportEquivocation(_ context.Context, eq verifier.Equivocation) error {
	n.config.logger.Warn(
		"equivocation detected",
		"component", "node",
		"slot", uint64(eq.Slot),
		"authority_index", eq.AuthorityIndex,
		"first", eq.First.String(),
		"second", eq.Second.String(),
	)
	n.eventBus.Publish(
		EquivocationEventType,
		event.NewEvent(EquivocationEventType, eq),
	)
	return nil
}

func (n *Node) checkStarted() error {
	n.startMutex.Lock()
	defer n.startMutex.Unlock()
	if !n.started {
		return ErrNodeNotStarted
	}
	return nil
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	n.startMutex.Lock()
	n.started = false
	n.startMutex.Unlock()
	return err
}

func (n *Node) shutdown() error {
	shutdownTimeout := DefaultShutdownTimeout
	if n.config.shutdownTimeout > 0 {
		shutdownTimeout = n.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error
	logger := n.config.logger
	logger.Debug("starting graceful shutdown", "component", "node")

	// Phase 1: stop producing work
	if n.slotClock != nil {
		n.slotClock.Stop()
	}
	if n.slotWorker != nil {
		n.slotWorker.Stop()
	}

	// Phase 2: stop the notification service, which closes subscriptions
	if n.notify != nil {
		n.notify.Stop()
	}
	n.claimWg.Wait()

	// Phase 3: close storage and exporters
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	n.eventBus.Stop()
	logger.Debug("graceful shutdown complete", "component", "node")
	select {
	case <-n.done:
	default:
		close(n.done)
	}
	return err
}
