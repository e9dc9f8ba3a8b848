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
	"math"
	"time"

	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/slotclock"
)

const (
	// DefaultBlockProposalSlotPortion is the share of a slot given to the
	// proposer
	DefaultBlockProposalSlotPortion = 2.0 / 3.0

	// lenience doubles every lenienceBackoffStep skipped slots, up to
	// 2^lenienceBackoffCap slot durations
	lenienceBackoffStep = 2
	lenienceBackoffCap  = 7
)

// SlotLenienceExponential returns the extra proposing time granted when
// slots were skipped since the parent was authored. It is zero when the
// parent is in the previous slot.
func SlotLenienceExponential(parentSlot epoch.Slot, info slotclock.SlotInfo) time.Duration {
	skipped := uint64(info.Slot.SaturatingSub(parentSlot + 1))
	if skipped == 0 {
		return 0
	}
	exp := min(skipped/lenienceBackoffStep, lenienceBackoffCap)
	return time.Duration(uint64(1)<<exp) * info.Duration // #nosec G115
}

func scaleDuration(d time.Duration, f float64) time.Duration {
	return time.Duration(math.Round(float64(d) * f))
}

// ProposingDuration returns how long the proposer may spend building a
// block for info. A maxPortion of zero leaves the lenient budget uncapped.
func ProposingDuration(
	parentIsGenesis bool,
	parentSlot epoch.Slot,
	info slotclock.SlotInfo,
	portion float64,
	maxPortion float64,
	now time.Time,
) time.Duration {
	budget := scaleDuration(info.Duration, portion)
	remaining := max(info.EndsAt.Sub(now), 0)
	budget = min(budget, remaining)
	if parentIsGenesis {
		return budget
	}
	lenience := SlotLenienceExponential(parentSlot, info)
	if lenience == 0 {
		return budget
	}
	budget += scaleDuration(lenience, portion)
	if maxPortion > 0 {
		budget = min(budget, scaleDuration(info.Duration, maxPortion))
	}
	return budget
}
