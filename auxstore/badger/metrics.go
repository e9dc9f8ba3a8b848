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

package badger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamePrefix = "kelpie_auxstore_badger_"

type storeMetrics struct {
	hits         prometheus.Counter
	misses       prometheus.Counter
	batches      prometheus.Counter
	ops          prometheus.Counter
	bytesWritten prometheus.Counter
}

func initStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	factory := promauto.With(reg)
	return &storeMetrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "get_hits_total",
			Help: "aux reads that found their key",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "get_misses_total",
			Help: "aux reads for missing keys",
		}),
		batches: factory.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "batches_total",
			Help: "aux write batches committed",
		}),
		ops: factory.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "ops_total",
			Help: "aux puts and deletes committed",
		}),
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "bytes_written_total",
			Help: "aux value bytes written",
		}),
	}
}
