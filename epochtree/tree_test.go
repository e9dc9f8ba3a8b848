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

package epochtree_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/blinklabs-io/kelpie/auxstore"
	"github.com/blinklabs-io/kelpie/auxstore/memory"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/epochtree"
	"github.com/blinklabs-io/kelpie/header"
)

const testEpochDuration = 10

func hashOf(name string) header.Hash {
	return blake2b.Sum256([]byte(name))
}

var genesisHash = hashOf("genesis")

type testChain struct {
	parents map[header.Hash]header.Hash
}

func newTestChain() *testChain {
	return &testChain{parents: make(map[header.Hash]header.Hash)}
}

func (c *testChain) add(block, parent string) header.Hash {
	p := genesisHash
	if parent != "" {
		p = hashOf(parent)
	}
	h := hashOf(block)
	c.parents[h] = p
	return h
}

func (c *testChain) isDescendentOf(base, block header.Hash) (bool, error) {
	cur := block
	for {
		p, ok := c.parents[cur]
		if !ok {
			return false, nil
		}
		if p == base {
			return true, nil
		}
		cur = p
	}
}

func genesisEpoch() (epoch.Epoch, error) {
	return epoch.Epoch{
		EpochIndex: 0,
		StartSlot:  0,
		Duration:   testEpochDuration,
		Randomness: [32]byte{1},
		Config: epoch.EpochConfig{
			C:            epoch.Ratio{Numerator: 1, Denominator: 4},
			AllowedSlots: epoch.PrimaryAndSecondaryPlainSlots,
		},
	}, nil
}

func nextEpochAfter(
	t *testing.T,
	tree *epochtree.Tree,
	desc *epochtree.EpochDescriptor,
	randomness byte,
) epoch.Epoch {
	t.Helper()
	viable, err := tree.ViableEpoch(desc, genesisEpoch)
	require.NoError(t, err)
	return viable.Increment(
		epoch.NextEpochDescriptor{Randomness: [32]byte{randomness}},
		nil,
	)
}

func TestGenesisEpochScenario(t *testing.T) {
	chain := newTestChain()
	tree := epochtree.New(0, testEpochDuration)

	// A block at slot 9 is still in epoch 0
	desc, err := tree.EpochDescriptorForChildOf(chain.isDescendentOf, genesisHash, 0, 9)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, epochtree.DescriptorGenesis, desc.Kind)
	assert.Equal(t, epoch.Slot(0), desc.StartSlot)
	assert.Equal(t, epoch.Slot(10), desc.EndSlot)

	b9 := chain.add("b9", "")
	desc, err = tree.EpochDescriptorForChildOf(chain.isDescendentOf, b9, 1, 10)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, epoch.Slot(10), desc.StartSlot)
	viable, err := tree.ViableEpoch(desc, genesisEpoch)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), viable.EpochIndex)
	assert.Equal(t, epoch.Slot(10), viable.StartSlot)

	b10 := chain.add("b10", "b9")
	next := nextEpochAfter(t, tree, desc, 2)
	require.NoError(t, tree.Import(chain.isDescendentOf, b10, 2, b9, next))
	assert.Equal(t, 1, tree.Len())

	// Epoch 2 is not active until slot 20
	desc, err = tree.EpochDescriptorForChildOf(chain.isDescendentOf, b10, 2, 15)
	require.NoError(t, err)
	assert.Equal(t, epochtree.DescriptorGenesis, desc.Kind)
	assert.Equal(t, epoch.Slot(10), desc.StartSlot)

	desc, err = tree.EpochDescriptorForChildOf(chain.isDescendentOf, b10, 2, 25)
	require.NoError(t, err)
	assert.Equal(t, epochtree.DescriptorSignaled, desc.Kind)
	assert.Equal(t, b10, desc.Hash)
	viable, err = tree.ViableEpoch(desc, genesisEpoch)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), viable.EpochIndex)
	assert.Equal(t, [32]byte{2}, viable.Randomness)
}

func TestSkippedEpochs(t *testing.T) {
	chain := newTestChain()
	tree := epochtree.New(0, testEpochDuration)
	b1 := chain.add("b1", "")
	desc, err := tree.EpochDescriptorForChildOf(chain.isDescendentOf, genesisHash, 0, 1)
	require.NoError(t, err)
	next := nextEpochAfter(t, tree, desc, 7)
	require.NoError(t, tree.Import(chain.isDescendentOf, b1, 1, genesisHash, next))

	desc, err = tree.EpochDescriptorForChildOf(chain.isDescendentOf, b1, 1, 45)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), desc.Skipped)
	assert.Equal(t, epoch.Slot(40), desc.StartSlot)
	viable, err := tree.ViableEpoch(desc, genesisEpoch)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), viable.EpochIndex)
	assert.Equal(t, [32]byte{7}, viable.Randomness)
}

func TestGenesisSlotOffset(t *testing.T) {
	chain := newTestChain()
	tree := epochtree.New(5, testEpochDuration)
	desc, err := tree.EpochDescriptorForChildOf(chain.isDescendentOf, genesisHash, 0, 6)
	require.NoError(t, err)
	assert.Equal(t, epochtree.DescriptorGenesis, desc.Kind)
	assert.Equal(t, epoch.Slot(5), desc.StartSlot)
	assert.Equal(t, epoch.Slot(15), desc.EndSlot)
	assert.Equal(t, uint64(0), desc.Skipped)

	desc, err = tree.EpochDescriptorForChildOf(chain.isDescendentOf, genesisHash, 0, 27)
	require.NoError(t, err)
	assert.Equal(t, epoch.Slot(25), desc.StartSlot)
	assert.Equal(t, uint64(2), desc.Skipped)

	_, err = tree.EpochDescriptorForChildOf(chain.isDescendentOf, genesisHash, 0, 4)
	require.ErrorIs(t, err, epoch.ErrSlotBeforeGenesis)
}

func TestImportErrors(t *testing.T) {
	chain := newTestChain()
	tree := epochtree.New(0, testEpochDuration)
	a1 := chain.add("a1", "")
	ep, err := genesisEpoch()
	require.NoError(t, err)
	require.NoError(t, tree.Import(chain.isDescendentOf, a1, 1, genesisHash, ep))

	before, err := tree.Encode()
	require.NoError(t, err)
	err = tree.Import(chain.isDescendentOf, a1, 1, genesisHash, ep)
	require.ErrorIs(t, err, epochtree.ErrDuplicateNode)
	after, err := tree.Encode()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Once genesis is pruned, blocks off the finalized chain have no parent
	_, err = tree.PruneFinalized(chain.isDescendentOf, a1, 1, 5)
	require.NoError(t, err)
	assert.False(t, tree.GenesisLive())
	orphan := chain.add("orphan", "")
	err = tree.Import(chain.isDescendentOf, orphan, 1, genesisHash, ep)
	require.ErrorIs(t, err, epochtree.ErrUnknownParent)
}

func TestAncestryErrorPropagates(t *testing.T) {
	chain := newTestChain()
	tree := epochtree.New(0, testEpochDuration)
	a1 := chain.add("a1", "")
	ep, err := genesisEpoch()
	require.NoError(t, err)
	require.NoError(t, tree.Import(chain.isDescendentOf, a1, 1, genesisHash, ep))
	oracleErr := errors.New("backend unavailable")
	failing := func(_, _ header.Hash) (bool, error) { return false, oracleErr }
	_, err = tree.EpochDescriptorForChildOf(failing, hashOf("x"), 3, 30)
	require.ErrorIs(t, err, oracleErr)
}

func TestPruneFinalized(t *testing.T) {
	chain := newTestChain()
	tree := epochtree.New(0, testEpochDuration)
	ep1 := epoch.Epoch{EpochIndex: 1, StartSlot: 10, Duration: testEpochDuration}
	ep2 := epoch.Epoch{EpochIndex: 2, StartSlot: 20, Duration: testEpochDuration}
	ep3 := epoch.Epoch{EpochIndex: 3, StartSlot: 30, Duration: testEpochDuration}

	a1 := chain.add("a1", "")
	a2 := chain.add("a2", "a1")
	a3 := chain.add("a3", "a2")
	a3fork := chain.add("a3fork", "a2")
	b1 := chain.add("b1", "")
	require.NoError(t, tree.Import(chain.isDescendentOf, a1, 1, genesisHash, ep1))
	require.NoError(t, tree.Import(chain.isDescendentOf, a2, 2, a1, ep2))
	require.NoError(t, tree.Import(chain.isDescendentOf, a3, 3, a2, ep3))
	require.NoError(t, tree.Import(chain.isDescendentOf, a3fork, 3, a2, ep3))
	require.NoError(t, tree.Import(chain.isDescendentOf, b1, 1, genesisHash, ep1))
	require.Equal(t, 5, tree.Len())

	// Finalizing a3 at slot 25: a2's epoch has started but a3's has not
	removed, err := tree.PruneFinalized(chain.isDescendentOf, a3, 3, 25)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.False(t, tree.GenesisLive())
	assert.Equal(t, []header.Hash{a2}, tree.Roots())
	assert.True(t, tree.Contains(a3))
	assert.False(t, tree.Contains(a3fork))
	assert.False(t, tree.Contains(a1))
	assert.False(t, tree.Contains(b1))

	desc, err := tree.EpochDescriptorForChildOf(chain.isDescendentOf, a3, 3, 26)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, a2, desc.Hash)

	// Nothing started yet: no change
	fresh := epochtree.New(0, testEpochDuration)
	require.NoError(t, fresh.Import(chain.isDescendentOf, a1, 1, genesisHash, ep1))
	removed, err = fresh.PruneFinalized(chain.isDescendentOf, a1, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.True(t, fresh.GenesisLive())
}

func TestCodecRoundTrip(t *testing.T) {
	chain := newTestChain()
	tree := epochtree.New(0, testEpochDuration)
	ep, err := genesisEpoch()
	require.NoError(t, err)
	ep.Authorities = []epoch.Authority{
		{SigningKey: []byte{1, 2}, VrfKey: []byte{3, 4}, Weight: 5},
	}
	a1 := chain.add("a1", "")
	a2 := chain.add("a2", "a1")
	b1 := chain.add("b1", "")
	require.NoError(t, tree.Import(chain.isDescendentOf, a1, 1, genesisHash, ep))
	require.NoError(t, tree.Import(chain.isDescendentOf, a2, 2, a1, ep))
	require.NoError(t, tree.Import(chain.isDescendentOf, b1, 1, genesisHash, ep))

	data, err := tree.Encode()
	require.NoError(t, err)
	decoded, err := epochtree.Decode(data)
	require.NoError(t, err)
	again, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, data, again)
	assert.Equal(t, tree.Roots(), decoded.Roots())
	got, ok := decoded.Epoch(a2)
	require.True(t, ok)
	assert.Equal(t, ep.Authorities, got.Authorities)

	store := memory.New()
	op, err := tree.PersistOp()
	require.NoError(t, err)
	require.NoError(t, store.PutBatch([]auxstore.Op{op}))
	loaded, err := epochtree.Load(store, 0, testEpochDuration)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Len())

	_, err = epochtree.Load(store, 0, testEpochDuration*2)
	require.Error(t, err)

	empty, err := epochtree.Load(memory.New(), 0, testEpochDuration)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
	assert.True(t, empty.GenesisLive())
}

func TestSharedUpdateRollback(t *testing.T) {
	chain := newTestChain()
	shared := epochtree.NewShared(epochtree.New(0, testEpochDuration))
	a1 := chain.add("a1", "")
	ep, err := genesisEpoch()
	require.NoError(t, err)
	require.NoError(t, shared.Update(func(tree *epochtree.Tree) error {
		return tree.Import(chain.isDescendentOf, a1, 1, genesisHash, ep)
	}))
	before, err := shared.Snapshot().Encode()
	require.NoError(t, err)

	commitErr := errors.New("commit failed")
	a2 := chain.add("a2", "a1")
	err = shared.Update(func(tree *epochtree.Tree) error {
		if _, err := tree.PruneFinalized(chain.isDescendentOf, a1, 1, 1); err != nil {
			return err
		}
		if err := tree.Import(chain.isDescendentOf, a2, 2, a1, ep); err != nil {
			return err
		}
		return commitErr
	})
	require.ErrorIs(t, err, commitErr)
	after, err := shared.Snapshot().Encode()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	require.NoError(t, shared.View(func(tree *epochtree.Tree) error {
		assert.True(t, tree.GenesisLive())
		assert.False(t, tree.Contains(a2))
		return nil
	}))
}
