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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, AuxStoreMemory, cfg.auxStore)
	assert.True(t, cfg.backoff)
	assert.False(t, cfg.forgeBlocks)
	assert.Equal(t, DefaultShutdownTimeout, cfg.shutdownTimeout)
	require.NotNil(t, cfg.logger)
	assert.Nil(t, cfg.genesis)
}

func TestNewConfigOptions(t *testing.T) {
	genesis, keys := testGenesis(t)
	reg := prometheus.NewRegistry()
	cfg := NewConfig(
		WithGenesis(genesis),
		WithPrometheusRegistry(reg),
		WithAuxStore(AuxStoreBadger),
		WithDataDir("/tmp/kelpie"),
		WithAuthorityKeys(keys),
		WithKeyFiles("a.skey", "b.skey"),
		WithForgeBlocks(true),
		WithBackoff(false),
		WithExternalClaiming(true),
		WithBlockProposalSlotPortion(0.5),
		WithMaxBlockProposalSlotPortion(0.9),
		WithMaxExtrinsics(10),
		WithMaxDrift(time.Minute),
		WithHandshakeTimeout(time.Second),
		WithTracing(true),
		WithTracingStdout(true),
		WithShutdownTimeout(5*time.Second),
	)
	require.NotNil(t, cfg.genesis)
	assert.Equal(t, genesis, *cfg.genesis)
	assert.Same(t, reg, cfg.promRegistry)
	assert.Equal(t, AuxStoreBadger, cfg.auxStore)
	assert.Equal(t, "/tmp/kelpie", cfg.dataDir)
	assert.Len(t, cfg.authorityKeys, 1)
	assert.Equal(t, []string{"a.skey", "b.skey"}, cfg.keyFiles)
	assert.True(t, cfg.forgeBlocks)
	assert.False(t, cfg.backoff)
	assert.True(t, cfg.externalClaiming)
	assert.InDelta(t, 0.5, cfg.blockProposalSlotPortion, 0)
	assert.InDelta(t, 0.9, cfg.maxBlockProposalSlotPortion, 0)
	assert.Equal(t, 10, cfg.maxExtrinsics)
	assert.Equal(t, time.Minute, cfg.maxDrift)
	assert.Equal(t, time.Second, cfg.handshakeTimeout)
	assert.True(t, cfg.tracing)
	assert.True(t, cfg.tracingStdout)
	assert.Equal(t, 5*time.Second, cfg.shutdownTimeout)
}
