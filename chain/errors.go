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
	"errors"
	"fmt"

	"github.com/blinklabs-io/kelpie/consensus"
)

var (
	ErrUnknownParent   = errors.New("parent block not in chain")
	ErrNotDescendant   = errors.New("block does not descend from the finalized block")
	ErrGenesisMismatch = errors.New("genesis header must have number 0")
)

// BlockNotFoundError is returned when a block is not in the chain.
type BlockNotFoundError struct {
	hash string
}

func NewBlockNotFoundError(hash string) BlockNotFoundError {
	return BlockNotFoundError{hash: hash}
}

func (e BlockNotFoundError) Hash() string {
	return e.hash
}

func (e BlockNotFoundError) Error() string {
	return fmt.Sprintf("block %s not found", e.hash)
}

func (e BlockNotFoundError) Is(target error) bool {
	return target == consensus.ErrUnknownBlock
}
