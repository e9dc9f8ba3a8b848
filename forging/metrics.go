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

package forging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type forgingMetrics struct {
	slotsChecked     prometheus.Counter
	claimed          prometheus.Counter
	notClaimed       prometheus.Counter
	forged           prometheus.Counter
	adopted          prometheus.Counter
	couldNotForge    prometheus.Counter
	syncSkip         prometheus.Counter
	backoffSkip      prometheus.Counter
	epochUnavailable prometheus.Counter
	tipGapSlots      prometheus.Gauge
	proposalBudget   prometheus.Gauge
	proposeDuration  prometheus.Histogram
	blockSizeBytes   prometheus.Histogram
	blockExtrinsics  prometheus.Histogram
}

func initForgingMetrics(reg prometheus.Registerer) *forgingMetrics {
	factory := promauto.With(reg)
	m := &forgingMetrics{}

	// Slot outcomes
	m.slotsChecked = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kelpie_forge_slots_total",
			Help: "slots where this node checked whether it may author",
		},
	)
	m.claimed = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kelpie_forge_claimed_total",
			Help: "slots claimed by a local authority",
		},
	)
	m.notClaimed = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kelpie_forge_not_claimed_total",
			Help: "slots no local authority could claim",
		},
	)
	m.forged = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kelpie_forge_forged_total",
			Help: "blocks successfully authored and imported",
		},
	)
	m.adopted = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kelpie_forge_adopted_total",
			Help: "authored blocks that became the best block",
		},
	)
	m.couldNotForge = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kelpie_forge_could_not_forge_total",
			Help: "claimed slots where authoring failed",
		},
	)

	// Skips
	m.syncSkip = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kelpie_forge_sync_skip_total",
			Help: "slots skipped because the node is syncing",
		},
	)
	m.backoffSkip = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kelpie_forge_backoff_skip_total",
			Help: "slots skipped by the backoff strategy",
		},
	)
	m.epochUnavailable = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kelpie_forge_epoch_unavailable_total",
			Help: "slots skipped because epoch data could not be resolved",
		},
	)

	m.tipGapSlots = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "kelpie_forge_tip_gap_slots",
			Help: "slots between the chain head and the current slot",
		},
	)
	m.proposalBudget = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "kelpie_forge_proposal_budget_seconds",
			Help: "most recent proposing budget",
		},
	)
	m.proposeDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kelpie_forge_propose_duration_seconds",
			Help:    "time spent by the proposer building a block",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
	m.blockSizeBytes = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name: "kelpie_forge_block_size_bytes",
			Help: "size of authored block bodies in bytes",
			Buckets: prometheus.ExponentialBuckets(
				256, 2, 14,
			), // 256B to ~2MB
		},
	)
	m.blockExtrinsics = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name: "kelpie_forge_block_extrinsics",
			Help: "number of extrinsics in authored blocks",
			Buckets: prometheus.LinearBuckets(
				0, 10, 20,
			), // 0, 10, 20, ..., 190
		},
	)

	return m
}
