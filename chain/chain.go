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

// Package chain is a reference block store: it commits imported blocks and
// their aux writes, tracks the best and finalized blocks and answers
// ancestry queries.
package chain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/blinklabs-io/kelpie/auxstore"
	"github.com/blinklabs-io/kelpie/chainselection"
	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/header"
)

type storedBlock struct {
	hash   header.Hash
	header *header.Header
	body   *header.Body
}

// Chain indexes blocks in memory and records them in the aux store. The
// caller's aux writes and the block record are committed as one batch, so
// a chain restored with Load always agrees with the rest of the aux data.
type Chain struct {
	mutex     sync.RWMutex
	aux       auxstore.Store
	eventBus  *event.EventBus
	logger    *slog.Logger
	genesis   header.Hash
	blocks    map[header.Hash]*storedBlock
	bad       map[header.Hash]struct{}
	leaves    map[header.Hash]struct{}
	best      header.Hash
	finalized header.Hash
	weigher   Weigher
}

// Weigher returns the fork-choice weight of a committed block. It is called
// with the chain lock held and must not call back into the chain.
type Weigher func(hdr *header.Header) (uint64, error)

var (
	_ consensus.BlockImporter = (*Chain)(nil)
	_ consensus.HeaderBackend = (*Chain)(nil)
)

// NewChain creates a chain holding only the genesis block, which is both
// best and finalized. eventBus may be nil.
func NewChain(
	genesis *header.Header,
	aux auxstore.Store,
	eventBus *event.EventBus,
	logger *slog.Logger,
) (*Chain, error) {
	if !genesis.IsGenesis() {
		return nil, ErrGenesisMismatch
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	hash := genesis.Hash()
	c := &Chain{
		aux:       aux,
		eventBus:  eventBus,
		logger:    logger.With("component", "chain"),
		genesis:   hash,
		blocks:    make(map[header.Hash]*storedBlock),
		bad:       make(map[header.Hash]struct{}),
		leaves:    map[header.Hash]struct{}{hash: {}},
		best:      hash,
		finalized: hash,
	}
	c.blocks[hash] = &storedBlock{
		hash:   hash,
		header: genesis.Clone(),
		body:   &header.Body{},
	}
	return c, nil
}

// SetWeigher sets the weight used to pick a new best block when finality
// moves away from the current one. Without a weigher the longest chain
// wins.
func (c *Chain) SetWeigher(weigher Weigher) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.weigher = weigher
}

// GenesisHash returns the hash of the genesis block.
func (c *Chain) GenesisHash() header.Hash {
	return c.genesis
}

// Header returns the header for hash.
func (c *Chain) Header(hash header.Hash) (*header.Header, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	b, ok := c.blocks[hash]
	if !ok {
		return nil, NewBlockNotFoundError(hash.String())
	}
	return b.header.Clone(), nil
}

// Block returns the full block for hash.
func (c *Chain) Block(hash header.Hash) (*header.Block, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	b, ok := c.blocks[hash]
	if !ok {
		return nil, NewBlockNotFoundError(hash.String())
	}
	return &header.Block{Header: b.header.Clone(), Body: b.body}, nil
}

func (c *Chain) Status(hash header.Hash) (consensus.BlockStatus, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if _, ok := c.bad[hash]; ok {
		return consensus.BlockStatusKnownBad, nil
	}
	if _, ok := c.blocks[hash]; ok {
		return consensus.BlockStatusInChain, nil
	}
	return consensus.BlockStatusUnknown, nil
}

func (c *Chain) BestHash() header.Hash {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.best
}

// BestHeader returns the header of the best block.
func (c *Chain) BestHeader() *header.Header {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.blocks[c.best].header.Clone()
}

func (c *Chain) Finalized() (header.Hash, uint64) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.finalized, c.blocks[c.finalized].header.Number
}

// IsDescendentOf reports whether block descends from base. A block is not
// its own descendant.
func (c *Chain) IsDescendentOf(base, block header.Hash) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.isDescendentOf(base, block)
}

func (c *Chain) isDescendentOf(base, block header.Hash) (bool, error) {
	if base == block {
		return false, nil
	}
	baseBlock, ok := c.blocks[base]
	if !ok {
		return false, NewBlockNotFoundError(base.String())
	}
	cur, ok := c.blocks[block]
	if !ok {
		return false, NewBlockNotFoundError(block.String())
	}
	for cur.header.Number > baseBlock.header.Number {
		parent, ok := c.blocks[cur.header.ParentHash]
		if !ok {
			return false, NewBlockNotFoundError(cur.header.ParentHash.String())
		}
		cur = parent
	}
	return cur.hash == base, nil
}

// MarkBad records that a block failed verification.
func (c *Chain) MarkBad(hash header.Hash) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.bad[hash] = struct{}{}
}

func (c *Chain) CheckBlock(
	_ context.Context,
	params consensus.CheckParams,
) (consensus.ImportResult, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if _, ok := c.bad[params.Hash]; ok {
		return consensus.ImportResult{Status: consensus.StatusKnownBad}, nil
	}
	if _, ok := c.blocks[params.Hash]; ok {
		return consensus.ImportResult{Status: consensus.StatusAlreadyInChain}, nil
	}
	if _, ok := c.blocks[params.ParentHash]; !ok {
		return consensus.ImportResult{Status: consensus.StatusUnknownParent}, nil
	}
	return consensus.ImportResult{Status: consensus.StatusImported}, nil
}

// ImportBlock commits a block and its aux writes. If the aux writes fail
// the block is not stored.
func (c *Chain) ImportBlock(
	ctx context.Context,
	params *consensus.ImportParams,
) (consensus.ImportResult, error) {
	if err := ctx.Err(); err != nil {
		return consensus.ImportResult{}, err
	}
	hash := params.Hash()
	c.mutex.Lock()
	if _, ok := c.blocks[hash]; ok {
		c.mutex.Unlock()
		return consensus.ImportResult{Status: consensus.StatusAlreadyInChain}, nil
	}
	parent, ok := c.blocks[params.Header.ParentHash]
	if !ok {
		c.mutex.Unlock()
		return consensus.ImportResult{}, fmt.Errorf(
			"%w: %s",
			ErrUnknownParent,
			params.Header.ParentHash,
		)
	}
	if params.Header.Number != parent.header.Number+1 {
		c.mutex.Unlock()
		return consensus.ImportResult{}, fmt.Errorf(
			"block number %d does not follow parent number %d",
			params.Header.Number,
			parent.header.Number,
		)
	}
	isNewBest := false
	switch params.ForkChoice {
	case consensus.ForkChoiceNewBest:
		isNewBest = true
	case consensus.ForkChoiceLongestChain:
		isNewBest = params.Header.Number > c.blocks[c.best].header.Number
	}
	ops, err := c.importOps(params, hash, isNewBest)
	if err != nil {
		c.mutex.Unlock()
		return consensus.ImportResult{}, err
	}
	if err := c.aux.PutBatch(ops); err != nil {
		c.mutex.Unlock()
		return consensus.ImportResult{}, fmt.Errorf("commit aux data: %w", err)
	}
	c.blocks[hash] = &storedBlock{
		hash:   hash,
		header: params.Header.Clone(),
		body:   params.Body,
	}
	delete(c.leaves, params.Header.ParentHash)
	c.leaves[hash] = struct{}{}
	if isNewBest {
		c.best = hash
	}
	if params.Finalize {
		c.finalized = hash
	}
	c.mutex.Unlock()

	c.logger.Debug(
		"block committed",
		"hash", hash.String(),
		"number", params.Header.Number,
		"best", isNewBest,
		"origin", params.Origin.String(),
	)
	if c.eventBus != nil {
		c.eventBus.PublishAsync(
			ChainUpdateEventType,
			event.NewEvent(
				ChainUpdateEventType,
				ChainUpdateEvent{
					Hash:       hash,
					Number:     params.Header.Number,
					ParentHash: params.Header.ParentHash,
					IsNewBest:  isNewBest,
				},
			),
		)
	}
	return consensus.ImportResult{
		Status:    consensus.StatusImported,
		IsNewBest: isNewBest,
	}, nil
}

// importOps returns the caller's aux ops followed by the chain's own
// records for the block. Must be called with the lock held.
func (c *Chain) importOps(
	params *consensus.ImportParams,
	hash header.Hash,
	isNewBest bool,
) ([]auxstore.Op, error) {
	ops := make([]auxstore.Op, 0, len(params.AuxOps)+4)
	ops = append(ops, params.AuxOps...)
	op, err := blockOp(params.Header, params.Body)
	if err != nil {
		return nil, err
	}
	ops = append(ops, op)
	op, err = c.leavesOp(hash, params.Header.ParentHash)
	if err != nil {
		return nil, err
	}
	ops = append(ops, op)
	if isNewBest {
		ops = append(ops, hashOp(bestKey, hash))
	}
	if params.Finalize {
		ops = append(ops, hashOp(finalizedKey, hash))
	}
	return ops, nil
}

// Finalize marks hash finalized. It must descend from the current
// finalized block.
func (c *Chain) Finalize(hash header.Hash) error {
	c.mutex.Lock()
	b, ok := c.blocks[hash]
	if !ok {
		c.mutex.Unlock()
		return NewBlockNotFoundError(hash.String())
	}
	if hash == c.finalized {
		c.mutex.Unlock()
		return nil
	}
	ok, err := c.isDescendentOf(c.finalized, hash)
	if err != nil {
		c.mutex.Unlock()
		return err
	}
	if !ok {
		c.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNotDescendant, hash)
	}
	newBest := c.best
	// The best block must stay on the finalized chain
	onChain := hash == c.best
	if !onChain {
		onChain, err = c.isDescendentOf(hash, c.best)
		if err != nil {
			c.mutex.Unlock()
			return err
		}
	}
	if !onChain {
		newBest, err = c.bestLeafFrom(hash)
		if err != nil {
			c.mutex.Unlock()
			return err
		}
	}
	ops := []auxstore.Op{hashOp(finalizedKey, hash)}
	if newBest != c.best {
		ops = append(ops, hashOp(bestKey, newBest))
	}
	if err := c.aux.PutBatch(ops); err != nil {
		c.mutex.Unlock()
		return fmt.Errorf("commit finality: %w", err)
	}
	c.finalized = hash
	c.best = newBest
	number := b.header.Number
	c.mutex.Unlock()

	c.logger.Info("block finalized", "hash", hash.String(), "number", number)
	if c.eventBus != nil {
		c.eventBus.PublishAsync(
			ChainFinalizedEventType,
			event.NewEvent(
				ChainFinalizedEventType,
				ChainFinalizedEvent{Hash: hash, Number: number},
			),
		)
	}
	return nil
}

// bestLeafFrom returns the best leaf that is hash or one of its
// descendants. Must be called with the lock held.
func (c *Chain) bestLeafFrom(hash header.Hash) (header.Hash, error) {
	var tips []chainselection.Tip
	for leaf := range c.leaves {
		if leaf != hash {
			ok, err := c.isDescendentOf(hash, leaf)
			if err != nil {
				return header.Hash{}, err
			}
			if !ok {
				continue
			}
		}
		hdr := c.blocks[leaf].header
		tip := chainselection.Tip{Hash: leaf, Number: hdr.Number}
		if c.weigher != nil {
			w, err := c.weigher(hdr)
			if err != nil {
				return header.Hash{}, fmt.Errorf("weight of leaf %s: %w", leaf, err)
			}
			tip.Weight = w
		}
		tips = append(tips, tip)
	}
	// Ties keep the lowest hash so restarts agree
	slices.SortFunc(tips, func(a, b chainselection.Tip) int {
		return bytes.Compare(a.Hash[:], b.Hash[:])
	})
	best, ok := chainselection.BestOf(tips...)
	if !ok {
		return hash, nil
	}
	return best.Hash, nil
}
