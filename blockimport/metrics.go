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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type importMetrics struct {
	imported       prometheus.Counter
	alreadyInChain prometheus.Counter
	knownBad       prometheus.Counter
	failures       *prometheus.CounterVec
	rollbacks      prometheus.Counter
	epochChanges   prometheus.Counter
	newBest        prometheus.Counter
	bestWeight     prometheus.Gauge
	prunedNodes    prometheus.Counter
	importDuration prometheus.Histogram
}

func initImportMetrics(reg prometheus.Registerer) *importMetrics {
	factory := promauto.With(reg)
	return &importMetrics{
		imported: factory.NewCounter(prometheus.CounterOpts{
			Name: "kelpie_import_blocks_total",
			Help: "blocks imported",
		}),
		alreadyInChain: factory.NewCounter(prometheus.CounterOpts{
			Name: "kelpie_import_already_in_chain_total",
			Help: "imports short-circuited because the block was known",
		}),
		knownBad: factory.NewCounter(prometheus.CounterOpts{
			Name: "kelpie_import_known_bad_total",
			Help: "imports refused because the block was already marked bad",
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kelpie_import_failures_total",
			Help: "failed imports by kind (malformed or other)",
		}, []string{"kind"}),
		rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "kelpie_import_epoch_tree_rollbacks_total",
			Help: "epoch tree mutations discarded after a failed commit",
		}),
		epochChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "kelpie_import_epoch_changes_total",
			Help: "epoch change announcements imported",
		}),
		newBest: factory.NewCounter(prometheus.CounterOpts{
			Name: "kelpie_import_new_best_total",
			Help: "imports that became the best block",
		}),
		bestWeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kelpie_import_best_weight",
			Help: "cumulative weight of the best block",
		}),
		prunedNodes: factory.NewCounter(prometheus.CounterOpts{
			Name: "kelpie_import_epoch_tree_pruned_total",
			Help: "epoch tree nodes removed on finality",
		}),
		importDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kelpie_import_duration_seconds",
			Help:    "time spent in the import pipeline",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}
