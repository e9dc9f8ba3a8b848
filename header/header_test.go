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

package header_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/header"
)

func sealedHeader(t *testing.T) *header.Header {
	t.Helper()
	hdr := &header.Header{
		ParentHash: header.Hash{1},
		Number:     7,
		StateRoot:  header.Hash{2},
	}
	pre, err := header.NewPreRuntimeDigest(&header.PreDigest{
		Kind:           header.SecondaryPlainClaim,
		AuthorityIndex: 2,
		Slot:           42,
	})
	require.NoError(t, err)
	hdr.PushDigest(pre)
	hdr.PushDigest(header.NewSealDigest([]byte("signature")))
	return hdr
}

func TestHashFromHex(t *testing.T) {
	hash := header.Hash{0xde, 0xad}
	parsed, err := header.HashFromHex(hash.String())
	require.NoError(t, err)
	assert.Equal(t, hash, parsed)
	_, err = header.HashFromHex("zz")
	require.Error(t, err)
	_, err = header.HashFromHex("abcd")
	require.Error(t, err)
}

func TestHeaderHash(t *testing.T) {
	hdr := sealedHeader(t)
	clone := hdr.Clone()
	assert.Equal(t, hdr.Hash(), clone.Hash())
	clone.Digest[0].Data[0] ^= 0xff
	assert.NotEqual(t, hdr.Hash(), clone.Hash())

	// The seal is excluded from the pre-seal hash only
	resealed := hdr.Clone()
	resealed.Digest[1] = header.NewSealDigest([]byte("other"))
	assert.NotEqual(t, hdr.Hash(), resealed.Hash())
	assert.Equal(t, hdr.PreSealHash(), resealed.PreSealHash())
}

func TestStripSeal(t *testing.T) {
	hdr := sealedHeader(t)
	pre, sig, err := header.StripSeal(hdr)
	require.NoError(t, err)
	assert.Equal(t, []byte("signature"), sig)
	assert.Len(t, pre.Digest, 1)
	assert.Equal(t, hdr.PreSealHash(), pre.Hash())
	assert.Len(t, hdr.Digest, 2)

	_, _, err = header.StripSeal(pre)
	require.ErrorIs(t, err, header.ErrHeaderUnsealed)
	_, _, err = header.StripSeal(&header.Header{Number: 1})
	require.ErrorIs(t, err, header.ErrHeaderUnsealed)
}

func TestFindPreDigest(t *testing.T) {
	pre, err := header.FindPreDigest(sealedHeader(t))
	require.NoError(t, err)
	assert.Equal(t, epoch.Slot(42), pre.Slot)
	assert.Equal(t, uint32(2), pre.AuthorityIndex)
	assert.False(t, pre.IsPrimary())

	genesis, err := header.FindPreDigest(&header.Header{})
	require.NoError(t, err)
	assert.Equal(t, header.GenesisPreDigest(), genesis)

	_, err = header.FindPreDigest(&header.Header{Number: 1})
	require.ErrorIs(t, err, header.ErrNoPreRuntimeDigest)

	twice := sealedHeader(t)
	twice.Digest = append([]header.DigestItem{twice.Digest[0]}, twice.Digest...)
	_, err = header.FindPreDigest(twice)
	require.ErrorIs(t, err, header.ErrMultiplePreRuntimeDigests)
}

func TestConsensusDigests(t *testing.T) {
	hdr := &header.Header{Number: 3}
	next, err := header.FindNextEpochDigest(hdr)
	require.NoError(t, err)
	assert.Nil(t, next)

	desc := epoch.NextEpochDescriptor{
		Authorities: []epoch.Authority{
			{SigningKey: []byte{1}, VrfKey: []byte{2}, Weight: 1},
		},
		Randomness: [epoch.RandomnessSize]byte{3},
	}
	item, err := header.NewNextEpochDigest(desc)
	require.NoError(t, err)
	hdr.PushDigest(item)
	cfgItem, err := header.NewNextConfigDigest(epoch.NextConfigDescriptor{
		C:            epoch.Ratio{Numerator: 1, Denominator: 2},
		AllowedSlots: epoch.PrimarySlots,
	})
	require.NoError(t, err)
	hdr.PushDigest(cfgItem)
	disabled, err := header.NewOnDisabledDigest(4)
	require.NoError(t, err)
	hdr.PushDigest(disabled)

	next, err = header.FindNextEpochDigest(hdr)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, desc, *next)
	cfg, err := header.FindNextConfigDigest(hdr)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, epoch.PrimarySlots, cfg.AllowedSlots)

	hdr.PushDigest(item)
	_, err = header.FindNextEpochDigest(hdr)
	require.ErrorIs(t, err, header.ErrMultipleEpochChangeDigests)
}

func TestBlockHash(t *testing.T) {
	hdr := sealedHeader(t)
	blk := &header.Block{Header: hdr, Body: &header.Body{Timestamp: 1}}
	assert.Equal(t, hdr.Hash(), blk.Hash())
	assert.True(t, (&header.Header{}).IsGenesis())
	assert.False(t, hdr.IsGenesis())
}
