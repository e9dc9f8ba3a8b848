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

package epochtree

import (
	"sync"
)

// Shared guards a tree for use by the slot worker, verifier and import
// pipeline. Readers may run concurrently; writers are exclusive.
type Shared struct {
	mu   sync.RWMutex
	tree *Tree
}

// NewShared wraps a tree.
func NewShared(tree *Tree) *Shared {
	return &Shared{tree: tree}
}

// View runs fn with read access to the tree. fn must not mutate it.
func (s *Shared) View(fn func(*Tree) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.tree)
}

// Update runs fn with exclusive access to the tree. If fn returns an
// error, every mutation fn made is discarded.
func (s *Shared) Update(fn func(*Tree) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.tree.Clone()
	if err := fn(s.tree); err != nil {
		s.tree = snapshot
		return err
	}
	return nil
}

// Snapshot returns a deep copy of the current tree.
func (s *Shared) Snapshot() *Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Clone()
}
