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

package chain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/kelpie/auxstore"
	"github.com/blinklabs-io/kelpie/auxstore/memory"
	"github.com/blinklabs-io/kelpie/chain"
	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/header"
)

type brokenAux struct{}

func (brokenAux) Get([]byte) ([]byte, error) {
	return nil, auxstore.ErrKeyNotFound
}

func (brokenAux) PutBatch([]auxstore.Op) error {
	return errors.New("disk full")
}

func child(parent *header.Header, tag byte) *header.Header {
	return &header.Header{
		ParentHash: parent.Hash(),
		Number:     parent.Number + 1,
		StateRoot:  header.Hash{tag},
	}
}

func importHeader(
	t *testing.T,
	c *chain.Chain,
	hdr *header.Header,
	forkChoice consensus.ForkChoice,
	ops ...auxstore.Op,
) consensus.ImportResult {
	t.Helper()
	res, err := c.ImportBlock(context.Background(), &consensus.ImportParams{
		Origin:     consensus.OriginNetworkBroadcast,
		Header:     hdr,
		Body:       &header.Body{},
		AuxOps:     ops,
		ForkChoice: forkChoice,
	})
	require.NoError(t, err)
	return res
}

func TestChainGenesisRequired(t *testing.T) {
	_, err := chain.NewChain(&header.Header{Number: 3}, memory.New(), nil, nil)
	require.ErrorIs(t, err, chain.ErrGenesisMismatch)
}

func TestChainImportAndForkChoice(t *testing.T) {
	genesis := &header.Header{}
	aux := memory.New()
	c, err := chain.NewChain(genesis, aux, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, genesis.Hash(), c.BestHash())

	a1 := child(genesis, 1)
	res := importHeader(t, c, a1, consensus.ForkChoiceLongestChain,
		auxstore.Put([]byte("weight:a1"), []byte{1}))
	assert.Equal(t, consensus.StatusImported, res.Status)
	assert.True(t, res.IsNewBest)
	assert.Equal(t, a1.Hash(), c.BestHash())
	val, err := aux.Get([]byte("weight:a1"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, val)

	// Same height does not win under longest chain
	b1 := child(genesis, 2)
	res = importHeader(t, c, b1, consensus.ForkChoiceLongestChain)
	assert.False(t, res.IsNewBest)
	assert.Equal(t, a1.Hash(), c.BestHash())

	// An explicit decision overrides height
	res = importHeader(t, c, b1, consensus.ForkChoiceNewBest)
	assert.Equal(t, consensus.StatusAlreadyInChain, res.Status)
	b2 := child(b1, 3)
	res = importHeader(t, c, b2, consensus.ForkChoiceNotBest)
	assert.False(t, res.IsNewBest)
	assert.Equal(t, a1.Hash(), c.BestHash())
	a2 := child(a1, 4)
	importHeader(t, c, a2, consensus.ForkChoiceNotBest)
	b3 := child(b2, 5)
	res = importHeader(t, c, b3, consensus.ForkChoiceNewBest)
	assert.True(t, res.IsNewBest)
	assert.Equal(t, b3.Hash(), c.BestHash())
	assert.Equal(t, b3.Hash(), c.BestHeader().Hash())

	status, err := c.Status(b2.Hash())
	require.NoError(t, err)
	assert.Equal(t, consensus.BlockStatusInChain, status)
	status, err = c.Status(header.Hash{0xee})
	require.NoError(t, err)
	assert.Equal(t, consensus.BlockStatusUnknown, status)

	ok, err := c.IsDescendentOf(b1.Hash(), b3.Hash())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IsDescendentOf(a1.Hash(), b3.Hash())
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.IsDescendentOf(b3.Hash(), b3.Hash())
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = c.IsDescendentOf(header.Hash{0xee}, b3.Hash())
	require.ErrorIs(t, err, consensus.ErrUnknownBlock)
}

func TestChainImportErrors(t *testing.T) {
	genesis := &header.Header{}
	c, err := chain.NewChain(genesis, brokenAux{}, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	orphan := child(&header.Header{Number: 4}, 1)
	_, err = c.ImportBlock(ctx, &consensus.ImportParams{Header: orphan})
	require.ErrorIs(t, err, chain.ErrUnknownParent)

	bad := &header.Header{ParentHash: genesis.Hash(), Number: 2}
	_, err = c.ImportBlock(ctx, &consensus.ImportParams{Header: bad})
	require.Error(t, err)

	// A failed aux write leaves the block out of the chain
	blk := child(genesis, 1)
	_, err = c.ImportBlock(ctx, &consensus.ImportParams{
		Header: blk,
		AuxOps: []auxstore.Op{auxstore.Put([]byte("k"), []byte("v"))},
	})
	require.ErrorContains(t, err, "disk full")
	_, err = c.Header(blk.Hash())
	require.ErrorIs(t, err, consensus.ErrUnknownBlock)
	var notFound chain.BlockNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, blk.Hash().String(), notFound.Hash())

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.ImportBlock(cctx, &consensus.ImportParams{Header: blk})
	require.ErrorIs(t, err, context.Canceled)
}

func TestChainCheckBlock(t *testing.T) {
	genesis := &header.Header{}
	c, err := chain.NewChain(genesis, memory.New(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()
	a1 := child(genesis, 1)
	importHeader(t, c, a1, consensus.ForkChoiceLongestChain)

	check := func(hdr *header.Header) consensus.ImportStatus {
		res, err := c.CheckBlock(ctx, consensus.CheckParams{
			Hash:       hdr.Hash(),
			Number:     hdr.Number,
			ParentHash: hdr.ParentHash,
		})
		require.NoError(t, err)
		return res.Status
	}
	assert.Equal(t, consensus.StatusAlreadyInChain, check(a1))
	assert.Equal(t, consensus.StatusImported, check(child(a1, 2)))
	assert.Equal(t, consensus.StatusUnknownParent, check(child(child(a1, 3), 4)))
	bad := child(a1, 5)
	c.MarkBad(bad.Hash())
	assert.Equal(t, consensus.StatusKnownBad, check(bad))
	status, err := c.Status(bad.Hash())
	require.NoError(t, err)
	assert.Equal(t, consensus.BlockStatusKnownBad, status)
}

func TestChainFinalize(t *testing.T) {
	genesis := &header.Header{}
	eventBus := event.NewEventBus(nil, nil)
	defer eventBus.Stop()
	_, finalizedCh := eventBus.Subscribe(chain.ChainFinalizedEventType)
	c, err := chain.NewChain(genesis, memory.New(), eventBus, nil)
	require.NoError(t, err)

	a1 := child(genesis, 1)
	a2 := child(a1, 2)
	b1 := child(genesis, 3)
	b2 := child(b1, 4)
	b3 := child(b2, 5)
	for _, hdr := range []*header.Header{a1, a2, b1, b2, b3} {
		importHeader(t, c, hdr, consensus.ForkChoiceLongestChain)
	}
	require.Equal(t, b3.Hash(), c.BestHash())

	require.NoError(t, c.Finalize(a1.Hash()))
	hash, number := c.Finalized()
	assert.Equal(t, a1.Hash(), hash)
	assert.Equal(t, uint64(1), number)
	// The old best is not on the finalized chain, so the longest chain
	// from a1 takes over
	assert.Equal(t, a2.Hash(), c.BestHash())

	select {
	case evt := <-finalizedCh:
		data, ok := evt.Data.(chain.ChainFinalizedEvent)
		require.True(t, ok)
		assert.Equal(t, a1.Hash(), data.Hash)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalized event")
	}

	// Finalizing again is a no-op
	require.NoError(t, c.Finalize(a1.Hash()))
	err = c.Finalize(b2.Hash())
	require.ErrorIs(t, err, chain.ErrNotDescendant)
	err = c.Finalize(header.Hash{0xee})
	require.ErrorIs(t, err, consensus.ErrUnknownBlock)
	require.NoError(t, c.Finalize(a2.Hash()))
	assert.Equal(t, a2.Hash(), c.BestHash())
}

func TestChainFinalizeUsesWeigher(t *testing.T) {
	genesis := &header.Header{}
	c, err := chain.NewChain(genesis, memory.New(), nil, nil)
	require.NoError(t, err)

	root := child(genesis, 1)
	light := child(root, 2)
	lightTip := child(light, 3)
	heavy := child(root, 4)
	other := child(genesis, 5)
	otherTip := child(other, 6)
	otherTop := child(otherTip, 7)
	for _, hdr := range []*header.Header{root, light, lightTip, heavy, other, otherTip, otherTop} {
		importHeader(t, c, hdr, consensus.ForkChoiceLongestChain)
	}
	require.Equal(t, otherTop.Hash(), c.BestHash())

	weights := map[header.Hash]uint64{heavy.Hash(): 5, lightTip.Hash(): 2}
	c.SetWeigher(func(hdr *header.Header) (uint64, error) {
		return weights[hdr.Hash()], nil
	})
	require.NoError(t, c.Finalize(root.Hash()))
	assert.Equal(t, heavy.Hash(), c.BestHash())

	// A failing weigher leaves finality and the best block alone
	weighErr := errors.New("weight unavailable")
	c.SetWeigher(func(*header.Header) (uint64, error) { return 0, weighErr })
	stray := child(otherTop, 8)
	importHeader(t, c, stray, consensus.ForkChoiceNewBest)
	err = c.Finalize(heavy.Hash())
	require.ErrorIs(t, err, weighErr)
	finalized, _ := c.Finalized()
	assert.Equal(t, root.Hash(), finalized)
	assert.Equal(t, stray.Hash(), c.BestHash())
}

func TestChainRestore(t *testing.T) {
	genesis := &header.Header{}
	aux := memory.New()
	c, err := chain.Load(genesis, aux, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, genesis.Hash(), c.BestHash())

	a1 := child(genesis, 1)
	a2 := child(a1, 2)
	b1 := child(genesis, 3)
	b2 := child(b1, 4)
	b3 := child(b2, 5)
	for _, hdr := range []*header.Header{a1, a2, b1, b2, b3} {
		importHeader(t, c, hdr, consensus.ForkChoiceLongestChain)
	}
	require.NoError(t, c.Finalize(b1.Hash()))

	restored, err := chain.Load(genesis, aux, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, b3.Hash(), restored.BestHash())
	hash, number := restored.Finalized()
	assert.Equal(t, b1.Hash(), hash)
	assert.Equal(t, uint64(1), number)
	for _, hdr := range []*header.Header{a1, a2, b1, b2, b3} {
		got, err := restored.Header(hdr.Hash())
		require.NoError(t, err)
		assert.Equal(t, hdr.Hash(), got.Hash())
	}
	ok, err := restored.IsDescendentOf(a1.Hash(), a2.Hash())
	require.NoError(t, err)
	assert.True(t, ok)

	// Blocks keep extending the restored chain
	b4 := child(b3, 6)
	res := importHeader(t, restored, b4, consensus.ForkChoiceLongestChain)
	assert.True(t, res.IsNewBest)

	// A different genesis cannot adopt the stored chain
	_, err = chain.Load(&header.Header{StateRoot: header.Hash{9}}, aux, nil, nil)
	require.ErrorIs(t, err, chain.ErrGenesisMismatch)
}
