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

package blockimport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/kelpie/auxstore"
	"github.com/blinklabs-io/kelpie/auxstore/memory"
	"github.com/blinklabs-io/kelpie/chain"
	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/epochtree"
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/header"
	"github.com/blinklabs-io/kelpie/runtime"
)

const testEpochDuration = 10

// failingImporter fails every import once err is set
type failingImporter struct {
	*chain.Chain
	err error
}

func (f *failingImporter) ImportBlock(
	ctx context.Context,
	params *consensus.ImportParams,
) (consensus.ImportResult, error) {
	if f.err != nil {
		return consensus.ImportResult{}, f.err
	}
	return f.Chain.ImportBlock(ctx, params)
}

type testEnv struct {
	chain    *chain.Chain
	aux      *memory.Store
	tree     *epochtree.Shared
	eventBus *event.EventBus
	importer *BlockImport
	runtime  *runtime.Runtime
	genesis  *header.Header
}

func newTestEnv(t *testing.T, wrap func(*chain.Chain) consensus.BlockImporter) *testEnv {
	t.Helper()
	return newTestEnvAt(t, 0, wrap)
}

func newTestEnvAt(
	t *testing.T,
	genesisSlot epoch.Slot,
	wrap func(*chain.Chain) consensus.BlockImporter,
) *testEnv {
	t.Helper()
	genesisCfg := epoch.GenesisConfiguration{
		SystemStart:   1_700_000_000_000,
		SlotDuration:  1000,
		EpochDuration: testEpochDuration,
		GenesisSlot:   genesisSlot,
		C:             epoch.Ratio{Numerator: 1, Denominator: 4},
		Authorities:   []epoch.Authority{{Weight: 1}},
		Randomness:    [epoch.RandomnessSize]byte{7},
		AllowedSlots:  epoch.PrimaryAndSecondaryPlainSlots,
	}
	genesis := &header.Header{Number: 0}
	aux := memory.New()
	eventBus := event.NewEventBus(nil, nil)
	t.Cleanup(eventBus.Stop)
	c, err := chain.NewChain(genesis, aux, eventBus, nil)
	require.NoError(t, err)
	rt, err := runtime.New(genesisCfg, c, time.Minute)
	require.NoError(t, err)
	var inner consensus.BlockImporter = c
	if wrap != nil {
		inner = wrap(c)
	}
	tree := epochtree.NewShared(epochtree.New(genesisSlot, testEpochDuration))
	bi, err := New(Config{
		Tree:         tree,
		Inner:        inner,
		Backend:      c,
		Runtime:      rt,
		Aux:          aux,
		EventBus:     eventBus,
		PromRegistry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	c.SetWeigher(bi.Weight)
	return &testEnv{
		chain:    c,
		aux:      aux,
		tree:     tree,
		eventBus: eventBus,
		importer: bi,
		runtime:  rt,
		genesis:  genesis,
	}
}

func buildHeader(
	t *testing.T,
	parent *header.Header,
	slot epoch.Slot,
	kind header.ClaimKind,
	extra ...header.DigestItem,
) *header.Header {
	t.Helper()
	pre, err := header.NewPreRuntimeDigest(&header.PreDigest{
		Kind: kind,
		Slot: slot,
	})
	require.NoError(t, err)
	hdr := &header.Header{
		ParentHash: parent.Hash(),
		Number:     parent.Number + 1,
		Digest:     []header.DigestItem{pre},
	}
	hdr.Digest = append(hdr.Digest, extra...)
	return hdr
}

func epochDigest(t *testing.T, randomness byte) header.DigestItem {
	t.Helper()
	item, err := header.NewNextEpochDigest(epoch.NextEpochDescriptor{
		Authorities: []epoch.Authority{{Weight: 1}},
		Randomness:  [epoch.RandomnessSize]byte{randomness},
	})
	require.NoError(t, err)
	return item
}

func (e *testEnv) importHeader(
	t *testing.T,
	hdr *header.Header,
) (consensus.ImportResult, error) {
	t.Helper()
	return e.importer.ImportBlock(
		context.Background(),
		&consensus.ImportParams{
			Origin: consensus.OriginNetworkBroadcast,
			Header: hdr,
			Body:   &header.Body{},
		},
	)
}

func TestImportEpochChange(t *testing.T) {
	env := newTestEnv(t, nil)
	_, epochCh := env.eventBus.Subscribe(EpochChangeEventType)

	// Slot 9 is still within the genesis epoch
	b9 := buildHeader(t, env.genesis, 9, header.SecondaryPlainClaim)
	res, err := env.importHeader(t, b9)
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusImported, res.Status)
	assert.True(t, res.IsNewBest)

	// The first block of epoch 1 must announce epoch 2
	b10 := buildHeader(t, b9, 10, header.PrimaryClaim)
	_, err = env.importHeader(t, b10)
	require.ErrorIs(t, err, consensus.ErrExpectedEpochChange)
	assert.Equal(t, 0, env.tree.Snapshot().Len())

	b10 = buildHeader(t, b9, 10, header.PrimaryClaim, epochDigest(t, 2))
	res, err = env.importHeader(t, b10)
	require.NoError(t, err)
	assert.True(t, res.IsNewBest)

	next, ok := env.tree.Snapshot().Epoch(b10.Hash())
	require.True(t, ok)
	assert.Equal(t, uint64(2), next.EpochIndex)
	assert.Equal(t, epoch.Slot(20), next.StartSlot)
	assert.Equal(t, [epoch.RandomnessSize]byte{2}, next.Randomness)

	select {
	case evt := <-epochCh:
		data, ok := evt.Data.(EpochChangeEvent)
		require.True(t, ok)
		assert.Equal(t, uint64(1), data.Current.EpochIndex)
		assert.Equal(t, epoch.Slot(10), data.Current.StartSlot)
		assert.Equal(t, uint64(2), data.Next.EpochIndex)
	case <-time.After(time.Second):
		t.Fatal("no epoch change event")
	}

	weight, ok, err := LoadWeight(env.aux, b10.Hash())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), weight)

	// The tree was persisted alongside the block
	stored, err := epochtree.Load(env.aux, 0, testEpochDuration)
	require.NoError(t, err)
	assert.True(t, stored.Contains(b10.Hash()))
	assert.InDelta(t, 1, testutil.ToFloat64(env.importer.metrics.epochChanges), 0)
}

func TestImportUnexpectedEpochChange(t *testing.T) {
	env := newTestEnv(t, nil)
	b5 := buildHeader(t, env.genesis, 5, header.SecondaryPlainClaim)
	_, err := env.importHeader(t, b5)
	require.NoError(t, err)

	b6 := buildHeader(t, b5, 6, header.SecondaryPlainClaim, epochDigest(t, 3))
	_, err = env.importHeader(t, b6)
	require.ErrorIs(t, err, consensus.ErrUnexpectedEpochChange)

	cfg, err := header.NewNextConfigDigest(epoch.NextConfigDescriptor{
		C:            epoch.Ratio{Numerator: 1, Denominator: 2},
		AllowedSlots: epoch.PrimarySlots,
	})
	require.NoError(t, err)
	b6 = buildHeader(t, b5, 6, header.SecondaryPlainClaim, cfg)
	_, err = env.importHeader(t, b6)
	require.ErrorIs(t, err, consensus.ErrUnexpectedConfigChange)
	assert.InDelta(
		t,
		2,
		testutil.ToFloat64(env.importer.metrics.failures.WithLabelValues("malformed")),
		0,
	)
}

func TestImportSlotMustIncrease(t *testing.T) {
	env := newTestEnv(t, nil)
	b5 := buildHeader(t, env.genesis, 5, header.SecondaryPlainClaim)
	_, err := env.importHeader(t, b5)
	require.NoError(t, err)

	child := buildHeader(t, b5, 5, header.SecondaryPlainClaim)
	_, err = env.importHeader(t, child)
	var slotErr consensus.SlotMustIncreaseError
	require.ErrorAs(t, err, &slotErr)
	assert.Equal(t, epoch.Slot(5), slotErr.ParentSlot)
	assert.Equal(t, epoch.Slot(5), slotErr.Slot)
}

func TestImportUnknownParent(t *testing.T) {
	env := newTestEnv(t, nil)
	orphanParent := &header.Header{Number: 3, ParentHash: header.Hash{9}}
	orphan := buildHeader(t, orphanParent, 4, header.SecondaryPlainClaim)
	_, err := env.importHeader(t, orphan)
	require.ErrorIs(t, err, consensus.ErrParentUnavailable)
}

func TestImportAlreadyInChain(t *testing.T) {
	env := newTestEnv(t, nil)
	b1 := buildHeader(t, env.genesis, 1, header.PrimaryClaim)
	_, err := env.importHeader(t, b1)
	require.NoError(t, err)
	res, err := env.importHeader(t, b1)
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusAlreadyInChain, res.Status)
	assert.InDelta(t, 1, testutil.ToFloat64(env.importer.metrics.alreadyInChain), 0)
}

func TestImportRollbackOnInnerFailure(t *testing.T) {
	innerErr := errors.New("disk full")
	var inner *failingImporter
	env := newTestEnv(t, func(c *chain.Chain) consensus.BlockImporter {
		inner = &failingImporter{Chain: c, err: innerErr}
		return inner
	})
	b10 := buildHeader(t, env.genesis, 10, header.PrimaryClaim, epochDigest(t, 4))
	_, err := env.importHeader(t, b10)
	require.ErrorIs(t, err, innerErr)

	snap := env.tree.Snapshot()
	assert.Equal(t, 0, snap.Len())
	assert.True(t, snap.GenesisLive())
	status, err := env.chain.Status(b10.Hash())
	require.NoError(t, err)
	assert.Equal(t, consensus.BlockStatusUnknown, status)
	_, ok, err := LoadWeight(env.aux, b10.Hash())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, 1, testutil.ToFloat64(env.importer.metrics.rollbacks), 0)

	// Start again from a tree holding one change node
	inner.err = nil
	_, err = env.importHeader(t, b10)
	require.NoError(t, err)
	before, err := env.tree.Snapshot().Encode()
	require.NoError(t, err)
	storedBefore, err := env.aux.Get(epochtree.AuxKey)
	require.NoError(t, err)

	inner.err = innerErr
	b20 := buildHeader(t, b10, 20, header.PrimaryClaim, epochDigest(t, 5))
	_, err = env.importHeader(t, b20)
	require.ErrorIs(t, err, innerErr)

	after, err := env.tree.Snapshot().Encode()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	snap = env.tree.Snapshot()
	assert.Equal(t, 1, snap.Len())
	assert.True(t, snap.Contains(b10.Hash()))
	assert.False(t, snap.Contains(b20.Hash()))
	storedAfter, err := env.aux.Get(epochtree.AuxKey)
	require.NoError(t, err)
	assert.Equal(t, storedBefore, storedAfter)
	assert.InDelta(t, 2, testutil.ToFloat64(env.importer.metrics.rollbacks), 0)
}

func TestImportParentWithoutWeight(t *testing.T) {
	env := newTestEnv(t, nil)
	b1 := buildHeader(t, env.genesis, 1, header.PrimaryClaim)
	_, err := env.importHeader(t, b1)
	require.NoError(t, err)
	require.NoError(t, env.aux.PutBatch([]auxstore.Op{auxstore.Delete(WeightKey(b1.Hash()))}))

	b2 := buildHeader(t, b1, 2, header.SecondaryPlainClaim)
	_, err = env.importHeader(t, b2)
	require.ErrorIs(t, err, consensus.ErrParentBlockNoAssociatedWeight)
	status, err := env.chain.Status(b2.Hash())
	require.NoError(t, err)
	assert.Equal(t, consensus.BlockStatusUnknown, status)
}

func TestImportKnownBad(t *testing.T) {
	env := newTestEnv(t, nil)
	b1 := buildHeader(t, env.genesis, 1, header.PrimaryClaim)
	env.chain.MarkBad(b1.Hash())
	res, err := env.importHeader(t, b1)
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusKnownBad, res.Status)
	assert.Equal(t, env.genesis.Hash(), env.chain.BestHash())
	_, ok, err := LoadWeight(env.aux, b1.Hash())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, 1, testutil.ToFloat64(env.importer.metrics.knownBad), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(env.importer.metrics.imported), 0)
}

func TestImportOffsetGenesisSlot(t *testing.T) {
	env := newTestEnvAt(t, 5, nil)

	// Genesis precedes the first epoch, so block 1 must announce epoch 1
	digests, err := env.runtime.EpochChangeDigests(env.genesis, 6)
	require.NoError(t, err)
	require.Len(t, digests, 1)
	bare := buildHeader(t, env.genesis, 6, header.PrimaryClaim)
	_, err = env.importHeader(t, bare)
	require.ErrorIs(t, err, consensus.ErrExpectedEpochChange)

	b6 := buildHeader(t, env.genesis, 6, header.PrimaryClaim, digests...)
	res, err := env.importHeader(t, b6)
	require.NoError(t, err)
	assert.True(t, res.IsNewBest)
	next, ok := env.tree.Snapshot().Epoch(b6.Hash())
	require.True(t, ok)
	assert.Equal(t, uint64(1), next.EpochIndex)
	assert.Equal(t, epoch.Slot(15), next.StartSlot)

	digests, err = env.runtime.EpochChangeDigests(b6, 14)
	require.NoError(t, err)
	require.Empty(t, digests)
	b14 := buildHeader(t, b6, 14, header.SecondaryPlainClaim)
	_, err = env.importHeader(t, b14)
	require.NoError(t, err)

	digests, err = env.runtime.EpochChangeDigests(b14, 15)
	require.NoError(t, err)
	require.Len(t, digests, 1)
	b15 := buildHeader(t, b14, 15, header.PrimaryClaim, digests...)
	_, err = env.importHeader(t, b15)
	require.NoError(t, err)

	// Claims before the genesis slot have no epoch
	early := buildHeader(t, env.genesis, 3, header.PrimaryClaim)
	_, err = env.importHeader(t, early)
	require.ErrorIs(t, err, epoch.ErrSlotBeforeGenesis)
	var fetchErr consensus.FetchEpochError
	require.ErrorAs(t, err, &fetchErr)
}

func TestImportForkChoiceByWeight(t *testing.T) {
	env := newTestEnv(t, nil)
	a1 := buildHeader(t, env.genesis, 1, header.SecondaryPlainClaim)
	a2 := buildHeader(t, a1, 2, header.SecondaryPlainClaim)
	for _, hdr := range []*header.Header{a1, a2} {
		res, err := env.importHeader(t, hdr)
		require.NoError(t, err)
		assert.True(t, res.IsNewBest)
	}

	// A shorter chain with more primary blocks wins
	b3 := buildHeader(t, env.genesis, 3, header.PrimaryClaim)
	res, err := env.importHeader(t, b3)
	require.NoError(t, err)
	assert.True(t, res.IsNewBest)
	assert.Equal(t, b3.Hash(), env.chain.BestHash())

	// Extending the lighter fork does not move the best block
	a4 := buildHeader(t, a2, 4, header.SecondaryPlainClaim)
	res, err = env.importHeader(t, a4)
	require.NoError(t, err)
	assert.False(t, res.IsNewBest)
	assert.Equal(t, b3.Hash(), env.chain.BestHash())

	// Equal weight with a greater number wins
	b5 := buildHeader(t, b3, 5, header.SecondaryPlainClaim)
	res, err = env.importHeader(t, b5)
	require.NoError(t, err)
	assert.True(t, res.IsNewBest)
	assert.InDelta(t, 1, testutil.ToFloat64(env.importer.metrics.bestWeight), 0)
}

func TestFinalizeReselectsBest(t *testing.T) {
	env := newTestEnv(t, nil)
	c1 := buildHeader(t, env.genesis, 1, header.PrimaryClaim)
	h2 := buildHeader(t, c1, 2, header.PrimaryClaim)
	l2 := buildHeader(t, c1, 3, header.SecondaryPlainClaim)
	l3 := buildHeader(t, l2, 7, header.SecondaryPlainClaim)
	d4 := buildHeader(t, env.genesis, 4, header.PrimaryClaim)
	d5 := buildHeader(t, d4, 5, header.PrimaryClaim)
	d6 := buildHeader(t, d5, 6, header.PrimaryClaim)
	for _, hdr := range []*header.Header{c1, h2, l2, l3, d4, d5, d6} {
		_, err := env.importHeader(t, hdr)
		require.NoError(t, err)
	}
	require.Equal(t, d6.Hash(), env.chain.BestHash())

	// Finality lands on c1, away from the heaviest chain. The heavier of
	// c1's two forks becomes best, not c1 itself.
	require.NoError(t, env.importer.Finalize(context.Background(), c1.Hash()))
	assert.Equal(t, h2.Hash(), env.chain.BestHash())

	// Extending the lighter fork does not overtake h2
	l4 := buildHeader(t, l3, 8, header.SecondaryPlainClaim)
	res, err := env.importHeader(t, l4)
	require.NoError(t, err)
	assert.False(t, res.IsNewBest)
	assert.Equal(t, h2.Hash(), env.chain.BestHash())
}

func TestFinalizePrunesTree(t *testing.T) {
	env := newTestEnv(t, nil)
	b10 := buildHeader(t, env.genesis, 10, header.PrimaryClaim, epochDigest(t, 2))
	_, err := env.importHeader(t, b10)
	require.NoError(t, err)
	b20 := buildHeader(t, b10, 20, header.PrimaryClaim, epochDigest(t, 3))
	_, err = env.importHeader(t, b20)
	require.NoError(t, err)
	require.Equal(t, 2, env.tree.Snapshot().Len())

	require.NoError(t, env.importer.Finalize(context.Background(), b20.Hash()))
	finHash, _ := env.chain.Finalized()
	assert.Equal(t, b20.Hash(), finHash)

	// b10's epoch started at slot 20 and is the deepest started node on
	// the finalized path, so the genesis root goes away
	snap := env.tree.Snapshot()
	assert.False(t, snap.GenesisLive())
	assert.True(t, snap.Contains(b10.Hash()))
	stored, err := epochtree.Load(env.aux, 0, testEpochDuration)
	require.NoError(t, err)
	assert.False(t, stored.GenesisLive())
}
