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

package verifier_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/kelpie/auxstore/memory"
	"github.com/blinklabs-io/kelpie/chain"
	"github.com/blinklabs-io/kelpie/claim"
	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/epochtree"
	"github.com/blinklabs-io/kelpie/header"
	"github.com/blinklabs-io/kelpie/runtime"
	"github.com/blinklabs-io/kelpie/verifier"
)

const testSlotDuration = 1000

type fixedTime struct {
	slot epoch.Slot
}

func (f *fixedTime) CurrentSlot() epoch.Slot {
	return f.slot
}

func (f *fixedTime) Now() time.Time {
	return time.UnixMilli(int64(f.slot) * testSlotDuration) // #nosec G115
}

type recordingReporter struct {
	mu   sync.Mutex
	seen []verifier.Equivocation
}

func (r *recordingReporter) ReportEquivocation(
	_ context.Context,
	eq verifier.Equivocation,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, eq)
	return nil
}

type testEnv struct {
	keys     *claim.AuthorityKeys
	genesis  *header.Header
	clock    *fixedTime
	reporter *recordingReporter
	verifier *verifier.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	keys, err := claim.NewAuthorityKeys(
		bytes.Repeat([]byte{1}, 32),
		bytes.Repeat([]byte{2}, 32),
	)
	require.NoError(t, err)
	genesisCfg := epoch.GenesisConfiguration{
		SlotDuration:  testSlotDuration,
		EpochDuration: 100,
		C:             epoch.Ratio{Numerator: 1, Denominator: 4},
		Authorities:   []epoch.Authority{keys.Authority(1)},
		Randomness:    [epoch.RandomnessSize]byte{5},
		AllowedSlots:  epoch.PrimaryAndSecondaryPlainSlots,
	}
	genesis := &header.Header{Number: 0}
	c, err := chain.NewChain(genesis, memory.New(), nil, nil)
	require.NoError(t, err)
	rt, err := runtime.New(genesisCfg, c, time.Second)
	require.NoError(t, err)
	env := &testEnv{
		keys:     keys,
		genesis:  genesis,
		clock:    &fixedTime{},
		reporter: &recordingReporter{},
	}
	env.verifier, err = verifier.New(verifier.Config{
		Tree:                 epochtree.NewShared(epochtree.New(0, 100)),
		Backend:              c,
		Runtime:              rt,
		TimeSource:           env.clock,
		EquivocationReporter: env.reporter,
	})
	require.NoError(t, err)
	return env
}

// sealedBlock builds a block claimed and sealed by the test authority.
// extrinsicsRoot distinguishes otherwise identical blocks.
func (e *testEnv) sealedBlock(
	t *testing.T,
	slot epoch.Slot,
	extrinsicsRoot byte,
) *header.Block {
	t.Helper()
	cfg := epoch.GenesisConfiguration{
		EpochDuration: 100,
		C:             epoch.Ratio{Numerator: 1, Denominator: 4},
		Authorities:   []epoch.Authority{e.keys.Authority(1)},
		Randomness:    [epoch.RandomnessSize]byte{5},
		AllowedSlots:  epoch.PrimaryAndSecondaryPlainSlots,
	}
	ep := cfg.GenesisEpoch().CloneForSlot(slot)
	c, err := claim.ClaimSlot(slot, &ep, []*claim.AuthorityKeys{e.keys})
	require.NoError(t, err)
	require.NotNil(t, c)
	preItem, err := header.NewPreRuntimeDigest(c.PreDigest)
	require.NoError(t, err)
	hdr := &header.Header{
		ParentHash:     e.genesis.Hash(),
		Number:         1,
		ExtrinsicsRoot: header.Hash{extrinsicsRoot},
		Digest:         []header.DigestItem{preItem},
	}
	preHash := hdr.PreSealHash()
	sig, err := c.Signer.Sign(preHash[:])
	require.NoError(t, err)
	hdr.PushDigest(header.NewSealDigest(sig))
	return &header.Block{
		Header: hdr,
		Body:   &header.Body{Timestamp: uint64(slot) * testSlotDuration},
	}
}

func TestVerifyDefersFutureSlot(t *testing.T) {
	env := newTestEnv(t)
	block := env.sealedBlock(t, 100, 1)

	env.clock.slot = 90
	res, err := env.verifier.Verify(context.Background(), consensus.OriginNetworkBroadcast, block)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Nil(t, res.Params)
	assert.Equal(t, epoch.Slot(100), res.Slot)

	env.clock.slot = 100
	res, err = env.verifier.Verify(context.Background(), consensus.OriginNetworkBroadcast, block)
	require.NoError(t, err)
	assert.False(t, res.Deferred)
	require.NotNil(t, res.Params)
	assert.Equal(t, block.Header.Hash(), res.Params.Hash())
	assert.Equal(t, env.keys.Authority(1), *res.Author)
}

func TestVerifyGenesis(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.verifier.Verify(
		context.Background(),
		consensus.OriginGenesis,
		&header.Block{Header: env.genesis},
	)
	require.NoError(t, err)
	require.NotNil(t, res.Params)
	assert.Equal(t, header.GenesisPreDigest(), res.PreDigest)
}

func TestVerifyBadSeal(t *testing.T) {
	env := newTestEnv(t)
	env.clock.slot = 10
	block := env.sealedBlock(t, 10, 1)
	last := len(block.Header.Digest) - 1
	block.Header.Digest[last].Data[0] ^= 0xFF
	_, err := env.verifier.Verify(context.Background(), consensus.OriginNetworkBroadcast, block)
	require.ErrorIs(t, err, consensus.ErrBadSignature)
	assert.True(t, consensus.IsMalformed(err))
}

func TestVerifyUnsealed(t *testing.T) {
	env := newTestEnv(t)
	env.clock.slot = 10
	block := env.sealedBlock(t, 10, 1)
	block.Header.Digest = block.Header.Digest[:len(block.Header.Digest)-1]
	_, err := env.verifier.Verify(context.Background(), consensus.OriginNetworkBroadcast, block)
	require.ErrorIs(t, err, consensus.ErrHeaderUnsealed)
}

func TestVerifyInherents(t *testing.T) {
	env := newTestEnv(t)
	env.clock.slot = 10
	block := env.sealedBlock(t, 10, 1)
	block.Body.Timestamp = 11 * testSlotDuration
	_, err := env.verifier.Verify(context.Background(), consensus.OriginNetworkBroadcast, block)
	var inherentsErr consensus.CheckInherentsError
	require.ErrorAs(t, err, &inherentsErr)
	require.ErrorIs(t, err, runtime.ErrTimestampSlotMismatch)
}

func TestVerifyUnknownParent(t *testing.T) {
	env := newTestEnv(t)
	env.clock.slot = 10
	block := env.sealedBlock(t, 10, 1)
	block.Header.ParentHash = header.Hash{0xEE}
	_, err := env.verifier.Verify(context.Background(), consensus.OriginNetworkBroadcast, block)
	require.ErrorIs(t, err, consensus.ErrParentUnavailable)
}

func TestVerifyReportsEquivocation(t *testing.T) {
	env := newTestEnv(t)
	env.clock.slot = 20
	first := env.sealedBlock(t, 20, 1)
	second := env.sealedBlock(t, 20, 2)
	for _, block := range []*header.Block{first, first, second} {
		_, err := env.verifier.Verify(context.Background(), consensus.OriginNetworkBroadcast, block)
		require.NoError(t, err)
	}
	env.reporter.mu.Lock()
	defer env.reporter.mu.Unlock()
	require.Len(t, env.reporter.seen, 1)
	eq := env.reporter.seen[0]
	assert.Equal(t, epoch.Slot(20), eq.Slot)
	assert.Equal(t, first.Header.Hash(), eq.First)
	assert.Equal(t, second.Header.Hash(), eq.Second)
}

func TestCheckHeaderThresholdExceeded(t *testing.T) {
	env := newTestEnv(t)
	cfg := epoch.GenesisConfiguration{
		EpochDuration: 100,
		C:             epoch.Ratio{Numerator: 1, Denominator: 4},
		Authorities:   []epoch.Authority{env.keys.Authority(1)},
		Randomness:    [epoch.RandomnessSize]byte{5},
		AllowedSlots:  epoch.PrimarySlots,
	}
	ep := cfg.GenesisEpoch()
	var (
		c    *claim.Claim
		slot epoch.Slot
		err  error
	)
	// Roughly one slot in four yields a primary claim
	for slot = 1; slot < ep.EndSlot() && c == nil; slot++ {
		c, err = claim.ClaimSlot(slot, &ep, []*claim.AuthorityKeys{env.keys})
		require.NoError(t, err)
	}
	require.NotNil(t, c)
	require.Equal(t, header.PrimaryClaim, c.PreDigest.Kind)

	preItem, err := header.NewPreRuntimeDigest(c.PreDigest)
	require.NoError(t, err)
	hdr := &header.Header{
		ParentHash: env.genesis.Hash(),
		Number:     1,
		Digest:     []header.DigestItem{preItem},
	}
	preHash := hdr.PreSealHash()
	sig, err := c.Signer.Sign(preHash[:])
	require.NoError(t, err)
	hdr.PushDigest(header.NewSealDigest(sig))

	checked, err := verifier.CheckHeader(hdr, c.PreDigest, c.PreDigest.Slot, &ep)
	require.NoError(t, err)
	assert.False(t, checked.Deferred)

	// The proof still verifies, but a zero stake leaves no threshold
	zero := ep.Clone()
	zero.Authorities[0].Weight = 0
	_, err = verifier.CheckHeader(hdr, c.PreDigest, c.PreDigest.Slot, &zero)
	require.ErrorIs(t, err, consensus.ErrVRFThresholdExceeded)
	assert.True(t, consensus.IsMalformed(err))
}

func TestEquivocationTrackerEviction(t *testing.T) {
	tracker := verifier.NewEquivocationTracker(2)
	_, dup := tracker.Observe(1, 0, header.Hash{1})
	assert.False(t, dup)
	tracker.Observe(2, 0, header.Hash{2})
	tracker.Observe(3, 0, header.Hash{3})
	assert.Equal(t, 2, tracker.Len())
	// Slot 1 was evicted, so a different hash is not flagged
	_, dup = tracker.Observe(1, 0, header.Hash{9})
	assert.False(t, dup)
	prev, dup := tracker.Observe(3, 0, header.Hash{4})
	assert.True(t, dup)
	assert.Equal(t, header.Hash{3}, prev)
}
