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

// Package chainselection implements the fork-choice rule: the chain with
// the greater cumulative primary-claim weight wins, and on equal weight the
// longer chain wins.
package chainselection

import (
	"github.com/blinklabs-io/kelpie/header"
)

// Tip is a candidate chain head.
type Tip struct {
	Hash   header.Hash
	Number uint64
	Weight uint64
}

// ChainComparisonResult indicates the result of comparing two chains.
type ChainComparisonResult int

const (
	ChainEqual   ChainComparisonResult = 0
	ChainABetter ChainComparisonResult = 1
	ChainBBetter ChainComparisonResult = -1
)

// CompareChains compares two chain heads:
// 1. Greater weight wins
// 2. At equal weight, greater block number wins
func CompareChains(tipA, tipB Tip) ChainComparisonResult {
	if tipA.Weight > tipB.Weight {
		return ChainABetter
	}
	if tipB.Weight > tipA.Weight {
		return ChainBBetter
	}
	if tipA.Number > tipB.Number {
		return ChainABetter
	}
	if tipB.Number > tipA.Number {
		return ChainBBetter
	}
	return ChainEqual
}

// IsBetterChain returns true if newTip is strictly better than currentTip.
// A new head that only ties the current one does not replace it.
func IsBetterChain(newTip, currentTip Tip) bool {
	return CompareChains(newTip, currentTip) == ChainABetter
}

// BestOf returns the best of the given tips, keeping the earliest on ties.
func BestOf(tips ...Tip) (Tip, bool) {
	if len(tips) == 0 {
		return Tip{}, false
	}
	best := tips[0]
	for _, t := range tips[1:] {
		if IsBetterChain(t, best) {
			best = t
		}
	}
	return best, true
}
