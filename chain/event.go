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

package chain

import (
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/header"
)

const (
	ChainUpdateEventType    = event.EventType("chain.update")
	ChainFinalizedEventType = event.EventType("chain.finalized")
)

// ChainUpdateEvent is published after a block is committed.
type ChainUpdateEvent struct {
	Hash       header.Hash
	Number     uint64
	ParentHash header.Hash
	IsNewBest  bool
}

// ChainFinalizedEvent is published when the finalized block advances.
type ChainFinalizedEvent struct {
	Hash   header.Hash
	Number uint64
}
