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
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/header"
)

// BlockForgedEventType is published after a locally authored block is
// imported
const BlockForgedEventType = event.EventType("forging.block-forged")

type BlockForgedEvent struct {
	Slot           epoch.Slot
	Hash           header.Hash
	Number         uint64
	Kind           header.ClaimKind
	AuthorityIndex uint32
	// IsNewBest indicates whether the block became the best block
	IsNewBest bool
}
