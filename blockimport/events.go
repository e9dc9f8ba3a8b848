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
	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/header"
)

const (
	BlockImportedEventType = event.EventType("blockimport.imported")
	EpochChangeEventType   = event.EventType("blockimport.epoch-change")
)

// BlockImportedEvent is published after a block passes the pipeline and
// is committed.
type BlockImportedEvent struct {
	Hash      header.Hash
	Number    uint64
	Slot      epoch.Slot
	Weight    uint64
	IsNewBest bool
	Origin    consensus.BlockOrigin
}

// EpochChangeEvent is published when a committed block announces the next
// epoch.
type EpochChangeEvent struct {
	Hash   header.Hash
	Number uint64
	// Current is the epoch the announcing block belongs to
	Current epoch.Epoch
	Next    epoch.Epoch
}
