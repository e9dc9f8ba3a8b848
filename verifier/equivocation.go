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

package verifier

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/header"
)

// defaultMaxTrackedClaims is the number of recent (slot, author) pairs kept
// for equivocation detection. The least recently added entry is evicted
// first.
const defaultMaxTrackedClaims = 1000

// Equivocation is two different headers by the same author for one slot.
type Equivocation struct {
	Slot           epoch.Slot
	AuthorityIndex uint32
	Author         epoch.Authority
	First          header.Hash
	Second         header.Hash
}

// EquivocationReporter receives detected equivocations, for example to
// submit an offence report to the runtime.
type EquivocationReporter interface {
	ReportEquivocation(ctx context.Context, eq Equivocation) error
}

type claimKey struct {
	slot  epoch.Slot
	index uint32
}

// EquivocationTracker remembers which header each author produced for
// recent slots.
type EquivocationTracker struct {
	seen *lru.Cache[claimKey, header.Hash]
}

// NewEquivocationTracker creates a tracker holding up to maxClaims entries.
func NewEquivocationTracker(maxClaims int) *EquivocationTracker {
	if maxClaims <= 0 {
		maxClaims = defaultMaxTrackedClaims
	}
	// lru.New only fails for a non-positive size
	seen, _ := lru.New[claimKey, header.Hash](maxClaims)
	return &EquivocationTracker{seen: seen}
}

// Observe records that the author at index produced hash for slot. It
// returns the previously seen hash if it differs.
func (et *EquivocationTracker) Observe(
	slot epoch.Slot,
	index uint32,
	hash header.Hash,
) (header.Hash, bool) {
	key := claimKey{slot: slot, index: index}
	// Peeking keeps eviction in insertion order
	if prev, ok, _ := et.seen.PeekOrAdd(key, hash); ok {
		return prev, prev != hash
	}
	return header.Hash{}, false
}

// Len returns the number of tracked claims.
func (et *EquivocationTracker) Len() int {
	return et.seen.Len()
}
