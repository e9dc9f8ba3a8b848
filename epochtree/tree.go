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

// Package epochtree tracks epoch changes across competing forks.
//
// Each node is keyed by the block that announced an epoch change and holds
// the epoch that becomes active for that block's descendants. An implicit
// genesis root provides epoch 0 (and its clones) until finality moves the
// root onto a signalled node.
package epochtree

import (
	"errors"
	"fmt"

	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/header"
)

var (
	ErrUnknownParent = errors.New("epoch tree: no live ancestor for parent")
	ErrDuplicateNode = errors.New("epoch tree: node already exists")
	ErrUnknownEpoch  = errors.New("epoch tree: descriptor does not resolve to an epoch")
)

// IsDescendentOf reports whether block is a descendant of base. It must
// return false when the two are equal.
type IsDescendentOf func(base, block header.Hash) (bool, error)

// DescriptorKind distinguishes descriptors that resolve through the
// genesis root from those that resolve through a signalled node.
type DescriptorKind uint8

const (
	DescriptorGenesis DescriptorKind = iota
	DescriptorSignaled
)

func (k DescriptorKind) String() string {
	if k == DescriptorGenesis {
		return "genesis"
	}
	return "signaled"
}

// EpochDescriptor is a handle to the epoch governing a slot. It is only
// valid while the tree it came from is unchanged.
type EpochDescriptor struct {
	Kind      DescriptorKind
	Hash      header.Hash
	Number    uint64
	StartSlot epoch.Slot
	EndSlot   epoch.Slot
	// Skipped is the number of epochs elapsed since the node's epoch
	// without an announced successor
	Skipped uint64
}

// GenesisFunc materializes the chain's epoch 0.
type GenesisFunc func() (epoch.Epoch, error)

type node struct {
	hash      header.Hash
	number    uint64
	parent    header.Hash
	hasParent bool
	children  []header.Hash
	epoch     epoch.Epoch
}

// Tree is the epoch-change tree. It is not safe for concurrent use; see
// Shared.
type Tree struct {
	genesisSlot   epoch.Slot
	epochDuration uint64
	genesisLive   bool
	roots         []header.Hash
	nodes         map[header.Hash]*node
}

// New returns an empty tree with a live genesis root.
func New(genesisSlot epoch.Slot, epochDuration uint64) *Tree {
	return &Tree{
		genesisSlot:   genesisSlot,
		epochDuration: epochDuration,
		genesisLive:   true,
		nodes:         make(map[header.Hash]*node),
	}
}

// Len returns the number of signalled nodes.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// GenesisLive reports whether the implicit genesis root is still present.
func (t *Tree) GenesisLive() bool {
	return t.genesisLive
}

// Contains reports whether a node exists for the block hash.
func (t *Tree) Contains(hash header.Hash) bool {
	_, ok := t.nodes[hash]
	return ok
}

// Epoch returns the epoch stored at the node for hash.
func (t *Tree) Epoch(hash header.Hash) (epoch.Epoch, bool) {
	n, ok := t.nodes[hash]
	if !ok {
		return epoch.Epoch{}, false
	}
	return n.epoch.Clone(), true
}

// Roots returns the hashes of the top-level signalled nodes.
func (t *Tree) Roots() []header.Hash {
	return append([]header.Hash(nil), t.roots...)
}

func isAncestorOrSelf(
	isDescendentOf IsDescendentOf,
	base header.Hash,
	block header.Hash,
) (bool, error) {
	if base == block {
		return true, nil
	}
	return isDescendentOf(base, block)
}

// ancestorPath returns the chain of nodes, from the top level down, that
// are ancestors of or equal to target
func (t *Tree) ancestorPath(
	isDescendentOf IsDescendentOf,
	target header.Hash,
	targetNumber uint64,
) ([]*node, error) {
	var path []*node
	level := t.roots
	for {
		var next *node
		for _, h := range level {
			n := t.nodes[h]
			if n.number > targetNumber {
				continue
			}
			ok, err := isAncestorOrSelf(isDescendentOf, n.hash, target)
			if err != nil {
				return nil, fmt.Errorf("epoch tree ancestry check: %w", err)
			}
			if ok {
				next = n
				break
			}
		}
		if next == nil {
			return path, nil
		}
		path = append(path, next)
		level = next.children
	}
}

func (t *Tree) genesisDescriptor(slot epoch.Slot) (*EpochDescriptor, error) {
	if slot < t.genesisSlot {
		return nil, fmt.Errorf(
			"%w: %d < %d",
			epoch.ErrSlotBeforeGenesis,
			slot,
			t.genesisSlot,
		)
	}
	var skipped uint64
	if t.epochDuration > 0 {
		skipped = uint64(slot-t.genesisSlot) / t.epochDuration
	}
	start := t.genesisSlot + epoch.Slot(skipped*t.epochDuration)
	return &EpochDescriptor{
		Kind:      DescriptorGenesis,
		StartSlot: start,
		EndSlot:   start + epoch.Slot(t.epochDuration),
		Skipped:   skipped,
	}, nil
}

func signaledDescriptor(n *node, slot epoch.Slot) *EpochDescriptor {
	skipped := n.epoch.SkippedEpochs(slot)
	start := n.epoch.StartSlot + epoch.Slot(skipped*n.epoch.Duration)
	return &EpochDescriptor{
		Kind:      DescriptorSignaled,
		Hash:      n.hash,
		Number:    n.number,
		StartSlot: start,
		EndSlot:   start + epoch.Slot(n.epoch.Duration),
		Skipped:   skipped,
	}
}

// EpochDescriptorForChildOf returns the descriptor of the epoch governing
// a child of the given parent claiming slot. It returns nil when the
// parent has no live ancestor in the tree.
func (t *Tree) EpochDescriptorForChildOf(
	isDescendentOf IsDescendentOf,
	parentHash header.Hash,
	parentNumber uint64,
	slot epoch.Slot,
) (*EpochDescriptor, error) {
	if parentNumber == 0 {
		if t.genesisLive {
			return t.genesisDescriptor(slot)
		}
		return nil, nil
	}
	path, err := t.ancestorPath(isDescendentOf, parentHash, parentNumber)
	if err != nil {
		return nil, err
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].epoch.StartSlot <= slot {
			return signaledDescriptor(path[i], slot), nil
		}
	}
	if t.genesisLive {
		return t.genesisDescriptor(slot)
	}
	return nil, nil
}

// ViableEpoch resolves a descriptor to concrete epoch data.
func (t *Tree) ViableEpoch(
	desc *EpochDescriptor,
	genesisFn GenesisFunc,
) (*epoch.Epoch, error) {
	if desc == nil {
		return nil, ErrUnknownEpoch
	}
	var base epoch.Epoch
	switch desc.Kind {
	case DescriptorGenesis:
		if !t.genesisLive {
			return nil, ErrUnknownEpoch
		}
		genesis, err := genesisFn()
		if err != nil {
			return nil, fmt.Errorf("load genesis epoch: %w", err)
		}
		base = genesis
	case DescriptorSignaled:
		n, ok := t.nodes[desc.Hash]
		if !ok {
			return nil, ErrUnknownEpoch
		}
		base = n.epoch
	default:
		return nil, ErrUnknownEpoch
	}
	ret := base.CloneForSlot(desc.StartSlot)
	if ret.StartSlot != desc.StartSlot {
		return nil, fmt.Errorf(
			"%w: start slot %d does not match epoch start %d",
			ErrUnknownEpoch,
			desc.StartSlot,
			ret.StartSlot,
		)
	}
	return &ret, nil
}

// Import records that the block hash announced next as the epoch for its
// descendants. On error the tree is unchanged.
func (t *Tree) Import(
	isDescendentOf IsDescendentOf,
	hash header.Hash,
	number uint64,
	parentHash header.Hash,
	next epoch.Epoch,
) error {
	if _, ok := t.nodes[hash]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, hash)
	}
	var parent *node
	if number > 0 {
		path, err := t.ancestorPath(isDescendentOf, parentHash, number-1)
		if err != nil {
			return err
		}
		if len(path) > 0 {
			parent = path[len(path)-1]
		}
	}
	if parent == nil && !t.genesisLive {
		return fmt.Errorf("%w: %s", ErrUnknownParent, parentHash)
	}
	n := &node{
		hash:   hash,
		number: number,
		epoch:  next.Clone(),
	}
	if parent != nil {
		n.parent = parent.hash
		n.hasParent = true
		parent.children = append(parent.children, hash)
	} else {
		t.roots = append(t.roots, hash)
	}
	t.nodes[hash] = n
	return nil
}

// PruneFinalized re-roots the tree at the deepest node on the finalized
// chain whose epoch has started by finalizedSlot. Ancestors of that node,
// the genesis root and forks that are neither ancestors nor descendants of
// the finalized block are removed. It returns the number of nodes removed.
func (t *Tree) PruneFinalized(
	isDescendentOf IsDescendentOf,
	finalizedHash header.Hash,
	finalizedNumber uint64,
	finalizedSlot epoch.Slot,
) (int, error) {
	path, err := t.ancestorPath(isDescendentOf, finalizedHash, finalizedNumber)
	if err != nil {
		return 0, err
	}
	rootIdx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].epoch.StartSlot <= finalizedSlot {
			rootIdx = i
			break
		}
	}
	if rootIdx < 0 {
		return 0, nil
	}
	onPath := make(map[header.Hash]bool, len(path))
	for _, n := range path {
		onPath[n.hash] = true
	}
	// Walk the new root's subtree and keep only nodes that are on the
	// finalized path or descend from the finalized block
	newRoot := path[rootIdx]
	keep := make(map[header.Hash]*node)
	keep[newRoot.hash] = newRoot
	newChildren := make(map[*node][]header.Hash)
	queue := []*node{newRoot}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if !onPath[cur.hash] {
			// Descendants of a kept off-path node descend from the
			// finalized block as well
			for _, h := range cur.children {
				child := t.nodes[h]
				keep[h] = child
				queue = append(queue, child)
			}
			continue
		}
		var children []header.Hash
		for _, h := range cur.children {
			child := t.nodes[h]
			ok := onPath[h]
			if !ok {
				ok, err = isDescendentOf(finalizedHash, h)
				if err != nil {
					return 0, fmt.Errorf("epoch tree ancestry check: %w", err)
				}
			}
			if ok {
				children = append(children, h)
				keep[h] = child
				queue = append(queue, child)
			}
		}
		newChildren[cur] = children
	}
	for n, children := range newChildren {
		n.children = children
	}
	removed := len(t.nodes) - len(keep)
	newRoot.parent = header.Hash{}
	newRoot.hasParent = false
	t.nodes = keep
	t.roots = []header.Hash{newRoot.hash}
	t.genesisLive = false
	return removed, nil
}
