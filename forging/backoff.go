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
	"github.com/blinklabs-io/kelpie/epoch"
)

// BackoffStrategy decides whether to skip authoring in a slot.
type BackoffStrategy interface {
	ShouldBackoff(
		chainHeadNumber uint64,
		chainHeadSlot epoch.Slot,
		finalizedNumber uint64,
		slotNow epoch.Slot,
	) bool
}

// BackoffAuthoringOnFinalizedHeadLagging slows authoring as the gap
// between the chain head and the finalized block grows. Once more than
// UnfinalizedSlack blocks are unfinalized, a new block is only authored
// if the current slot is ahead of the head's slot by
// (unfinalized - UnfinalizedSlack) / AuthoringBias, capped at MaxInterval.
type BackoffAuthoringOnFinalizedHeadLagging struct {
	MaxInterval      uint64
	UnfinalizedSlack uint64
	AuthoringBias    uint64
}

// DefaultBackoff returns the default backoff strategy.
func DefaultBackoff() BackoffAuthoringOnFinalizedHeadLagging {
	return BackoffAuthoringOnFinalizedHeadLagging{
		MaxInterval:      100,
		UnfinalizedSlack: 50,
		AuthoringBias:    2,
	}
}

func (b BackoffAuthoringOnFinalizedHeadLagging) ShouldBackoff(
	chainHeadNumber uint64,
	chainHeadSlot epoch.Slot,
	finalizedNumber uint64,
	slotNow epoch.Slot,
) bool {
	if slotNow <= chainHeadSlot {
		return false
	}
	var unfinalized uint64
	if chainHeadNumber > finalizedNumber {
		unfinalized = chainHeadNumber - finalizedNumber
	}
	var interval uint64
	if unfinalized > b.UnfinalizedSlack {
		interval = unfinalized - b.UnfinalizedSlack
	}
	if b.AuthoringBias > 0 {
		interval /= b.AuthoringBias
	}
	interval = min(interval, b.MaxInterval)
	return slotNow <= chainHeadSlot+epoch.Slot(interval)
}
