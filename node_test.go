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

package kelpie

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blinklabs-io/kelpie/claim"
	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/forging"
	"github.com/blinklabs-io/kelpie/header"
	"github.com/blinklabs-io/kelpie/keystore"
)

func testGenesis(t *testing.T) (epoch.GenesisConfiguration, *claim.AuthorityKeys) {
	t.Helper()
	keys, err := keystore.Generate()
	require.NoError(t, err)
	return epoch.GenesisConfiguration{
		SystemStart:   uint64(time.Now().UnixMilli()), // #nosec G115
		SlotDuration:  100,
		EpochDuration: 5,
		C:             epoch.Ratio{Numerator: 1, Denominator: 4},
		Authorities:   []epoch.Authority{keys.Authority(1)},
		Randomness:    [epoch.RandomnessSize]byte{0xab},
		AllowedSlots:  epoch.PrimaryAndSecondaryPlainSlots,
	}, keys
}

// waitForged returns the first count forged blocks
func waitForged(
	t *testing.T,
	ch <-chan event.Event,
	count int,
) []forging.BlockForgedEvent {
	t.Helper()
	var ret []forging.BlockForgedEvent
	timeout := time.After(10 * time.Second)
	for len(ret) < count {
		select {
		case evt := <-ch:
			data, ok := evt.Data.(forging.BlockForgedEvent)
			require.True(t, ok)
			ret = append(ret, data)
		case <-timeout:
			t.Fatalf("forged %d of %d blocks before timeout", len(ret), count)
		}
	}
	return ret
}

func TestConfigValidate(t *testing.T) {
	genesis, keys := testGenesis(t)
	tests := []struct {
		name string
		opts []ConfigOptionFunc
		ok   bool
	}{
		{"no genesis", nil, false},
		{"defaults", []ConfigOptionFunc{WithGenesis(genesis)}, true},
		{"unknown aux store", []ConfigOptionFunc{WithGenesis(genesis), WithAuxStore("leveldb")}, false},
		{"forging without keys", []ConfigOptionFunc{WithGenesis(genesis), WithForgeBlocks(true)}, false},
		{"forging", []ConfigOptionFunc{WithGenesis(genesis), WithForgeBlocks(true), WithAuthorityKeys(keys)}, true},
		{"bad portion", []ConfigOptionFunc{WithGenesis(genesis), WithBlockProposalSlotPortion(1.5)}, false},
		{"bad max portion", []ConfigOptionFunc{WithGenesis(genesis), WithMaxBlockProposalSlotPortion(-1)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, err := New(NewConfig(tc.opts...))
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, n.Stop())
		})
	}
}

func TestAuxStoreValid(t *testing.T) {
	assert.True(t, AuxStoreMemory.Valid())
	assert.True(t, AuxStoreBadger.Valid())
	assert.True(t, AuxStoreSqlite.Valid())
	assert.True(t, AuxStorePebble.Valid())
	assert.False(t, AuxStore("").Valid())
}

func TestNodeNotStarted(t *testing.T) {
	defer goleak.VerifyNone(t)
	genesis, _ := testGenesis(t)
	n, err := New(NewConfig(WithGenesis(genesis)))
	require.NoError(t, err)
	_, err = n.BestHeader()
	require.ErrorIs(t, err, ErrNodeNotStarted)
	require.ErrorIs(t, n.SubmitExtrinsic([]byte{1}), ErrNodeNotStarted)
	require.NoError(t, n.Stop())
}

func TestNodeForgesAndSyncs(t *testing.T) {
	defer goleak.VerifyNone(t)
	genesis, keys := testGenesis(t)
	producer, err := New(NewConfig(
		WithGenesis(genesis),
		WithForgeBlocks(true),
		WithAuthorityKeys(keys),
		WithPrometheusRegistry(prometheus.NewRegistry()),
	))
	require.NoError(t, err)
	follower, err := New(NewConfig(WithGenesis(genesis)))
	require.NoError(t, err)
	_, forgedCh := producer.EventBus().Subscribe(forging.BlockForgedEventType)

	ctx := context.Background()
	require.NoError(t, follower.Start(ctx))
	defer follower.Stop()
	require.NoError(t, producer.Start(ctx))
	require.NoError(t, producer.SubmitExtrinsic([]byte("transfer")))

	forged := waitForged(t, forgedCh, 7)
	var blocks []*header.Block
	for _, f := range forged {
		blk, err := producer.Block(f.Hash)
		require.NoError(t, err)
		blocks = append(blocks, blk)
	}
	require.NoError(t, producer.Stop())
	_, err = producer.BestHeader()
	require.ErrorIs(t, err, ErrNodeNotStarted)

	extrinsics := 0
	for i, blk := range blocks {
		require.Equal(t, uint64(i+1), blk.Header.Number)
		extrinsics += len(blk.Body.Extrinsics)
		res, importRes, err := follower.SubmitBlock(ctx, consensus.OriginNetworkBroadcast, blk)
		require.NoError(t, err, "block %d", i+1)
		require.False(t, res.Deferred)
		assert.Equal(t, consensus.StatusImported, importRes.Status)
		assert.True(t, importRes.IsNewBest)
	}
	assert.Equal(t, 1, extrinsics)
	best, err := follower.BestHeader()
	require.NoError(t, err)
	assert.Equal(t, forged[len(forged)-1].Hash, best.Hash())

	// Resubmitting is harmless
	_, importRes, err := follower.SubmitBlock(ctx, consensus.OriginNetworkBroadcast, blocks[2])
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusAlreadyInChain, importRes.Status)

	// A block whose seal does not match is rejected and marked bad
	tampered := &header.Block{Header: blocks[3].Header.Clone(), Body: blocks[3].Body}
	tampered.Header.StateRoot = header.Hash{0xff}
	_, _, err = follower.SubmitBlock(ctx, consensus.OriginNetworkBroadcast, tampered)
	require.Error(t, err)
	_, importRes, err = follower.SubmitBlock(ctx, consensus.OriginNetworkBroadcast, tampered)
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusKnownBad, importRes.Status)

	require.NoError(t, follower.Finalize(ctx, blocks[3].Hash()))
	finalized, number, err := follower.Finalized()
	require.NoError(t, err)
	assert.Equal(t, blocks[3].Hash(), finalized)
	assert.Equal(t, uint64(4), number)

	pre, err := header.FindPreDigest(best)
	require.NoError(t, err)
	ep, err := follower.EpochForChild(ctx, best.Hash(), best.Number, pre.Slot+1)
	require.NoError(t, err)
	assert.Equal(t, genesis.EpochDuration, ep.Duration)
}

func TestNodeOffsetGenesisSlot(t *testing.T) {
	defer goleak.VerifyNone(t)
	genesis, keys := testGenesis(t)
	genesis.GenesisSlot = 5
	producer, err := New(NewConfig(
		WithGenesis(genesis),
		WithForgeBlocks(true),
		WithAuthorityKeys(keys),
		WithPrometheusRegistry(prometheus.NewRegistry()),
	))
	require.NoError(t, err)
	follower, err := New(NewConfig(WithGenesis(genesis)))
	require.NoError(t, err)
	_, forgedCh := producer.EventBus().Subscribe(forging.BlockForgedEventType)

	ctx := context.Background()
	require.NoError(t, follower.Start(ctx))
	defer follower.Stop()
	require.NoError(t, producer.Start(ctx))
	forged := waitForged(t, forgedCh, 3)
	var blocks []*header.Block
	for _, f := range forged {
		blk, err := producer.Block(f.Hash)
		require.NoError(t, err)
		blocks = append(blocks, blk)
	}
	require.NoError(t, producer.Stop())

	// The first block extends genesis and announces the following epoch
	pre, err := header.FindPreDigest(blocks[0].Header)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pre.Slot, genesis.GenesisSlot)
	next, err := header.FindNextEpochDigest(blocks[0].Header)
	require.NoError(t, err)
	assert.NotNil(t, next)

	for i, blk := range blocks {
		_, importRes, err := follower.SubmitBlock(ctx, consensus.OriginNetworkBroadcast, blk)
		require.NoError(t, err, "block %d", i+1)
		assert.Equal(t, consensus.StatusImported, importRes.Status)
	}
	best, err := follower.BestHeader()
	require.NoError(t, err)
	assert.Equal(t, forged[len(forged)-1].Hash, best.Hash())
}

func TestNodeExternalClaiming(t *testing.T) {
	defer goleak.VerifyNone(t)
	genesis, keys := testGenesis(t)
	n, err := New(NewConfig(
		WithGenesis(genesis),
		WithForgeBlocks(true),
		WithAuthorityKeys(keys),
		WithExternalClaiming(true),
		WithHandshakeTimeout(50*time.Millisecond),
	))
	require.NoError(t, err)
	_, forgedCh := n.EventBus().Subscribe(forging.BlockForgedEventType)
	require.NoError(t, n.Start(context.Background()))
	forged := waitForged(t, forgedCh, 3)
	require.NoError(t, n.Stop())
	for i, f := range forged {
		assert.Equal(t, uint64(i+1), f.Number)
	}
}

func TestNodeRestart(t *testing.T) {
	for _, store := range []AuxStore{AuxStoreBadger, AuxStoreSqlite, AuxStorePebble} {
		t.Run(string(store), func(t *testing.T) {
			testNodeRestart(t, store)
		})
	}
}

func testNodeRestart(t *testing.T, store AuxStore) {
	genesis, keys := testGenesis(t)
	opts := []ConfigOptionFunc{
		WithGenesis(genesis),
		WithAuxStore(store),
		WithDataDir(t.TempDir()),
	}
	n, err := New(NewConfig(append(opts, WithForgeBlocks(true), WithAuthorityKeys(keys))...))
	require.NoError(t, err)
	_, forgedCh := n.EventBus().Subscribe(forging.BlockForgedEventType)
	require.NoError(t, n.Start(context.Background()))
	waitForged(t, forgedCh, 3)
	require.NoError(t, n.Stop())

	restarted, err := New(NewConfig(opts...))
	require.NoError(t, err)
	require.NoError(t, restarted.Start(context.Background()))
	defer restarted.Stop()
	hdr, err := restarted.BestHeader()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, hdr.Number, uint64(3))
	pre, err := header.FindPreDigest(hdr)
	require.NoError(t, err)
	// The restored tree still serves the restored chain
	_, err = restarted.EpochForChild(context.Background(), hdr.Hash(), hdr.Number, pre.Slot+1)
	require.NoError(t, err)
}
