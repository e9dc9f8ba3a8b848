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
	"errors"
	"fmt"

	"github.com/blinklabs-io/gouroboros/cbor"

	"github.com/blinklabs-io/kelpie/auxstore"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/header"
)

// AuxKey is the aux store key holding the encoded tree.
var AuxKey = []byte("kelpie:epoch_changes")

const treeCodecVersion = 1

var ErrUnsupportedVersion = errors.New("epoch tree: unsupported encoding version")

type treeRecord struct {
	cbor.StructAsArray
	Version       uint8
	GenesisSlot   epoch.Slot
	EpochDuration uint64
	GenesisLive   bool
	Nodes         []nodeRecord
}

type nodeRecord struct {
	cbor.StructAsArray
	Hash      header.Hash
	Number    uint64
	Parent    header.Hash
	HasParent bool
	Epoch     epoch.Epoch
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	ret := &Tree{
		genesisSlot:   t.genesisSlot,
		epochDuration: t.epochDuration,
		genesisLive:   t.genesisLive,
		roots:         append([]header.Hash(nil), t.roots...),
		nodes:         make(map[header.Hash]*node, len(t.nodes)),
	}
	for h, n := range t.nodes {
		ret.nodes[h] = &node{
			hash:      n.hash,
			number:    n.number,
			parent:    n.parent,
			hasParent: n.hasParent,
			children:  append([]header.Hash(nil), n.children...),
			epoch:     n.epoch.Clone(),
		}
	}
	return ret
}

// walk visits nodes depth-first in insertion order, parents first
func (t *Tree) walk(fn func(*node)) {
	stack := make([]header.Hash, 0, len(t.nodes))
	for i := len(t.roots) - 1; i >= 0; i-- {
		stack = append(stack, t.roots[i])
	}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[h]
		fn(n)
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
}

// Encode serializes the tree. Equal trees always encode to equal bytes.
func (t *Tree) Encode() ([]byte, error) {
	rec := treeRecord{
		Version:       treeCodecVersion,
		GenesisSlot:   t.genesisSlot,
		EpochDuration: t.epochDuration,
		GenesisLive:   t.genesisLive,
		Nodes:         make([]nodeRecord, 0, len(t.nodes)),
	}
	t.walk(func(n *node) {
		rec.Nodes = append(rec.Nodes, nodeRecord{
			Hash:      n.hash,
			Number:    n.number,
			Parent:    n.parent,
			HasParent: n.hasParent,
			Epoch:     n.epoch,
		})
	})
	data, err := cbor.Encode(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode epoch tree: %w", err)
	}
	return data, nil
}

// Decode parses a tree produced by Encode.
func Decode(data []byte) (*Tree, error) {
	var rec treeRecord
	if _, err := cbor.Decode(data, &rec); err != nil {
		return nil, fmt.Errorf("decode epoch tree: %w", err)
	}
	if rec.Version != treeCodecVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, rec.Version)
	}
	t := New(rec.GenesisSlot, rec.EpochDuration)
	t.genesisLive = rec.GenesisLive
	for _, nr := range rec.Nodes {
		if _, ok := t.nodes[nr.Hash]; ok {
			return nil, fmt.Errorf("decode epoch tree: %w: %s", ErrDuplicateNode, nr.Hash)
		}
		n := &node{
			hash:      nr.Hash,
			number:    nr.Number,
			parent:    nr.Parent,
			hasParent: nr.HasParent,
			epoch:     nr.Epoch,
		}
		if nr.HasParent {
			parent, ok := t.nodes[nr.Parent]
			if !ok {
				return nil, fmt.Errorf("decode epoch tree: %w: %s", ErrUnknownParent, nr.Parent)
			}
			parent.children = append(parent.children, nr.Hash)
		} else {
			t.roots = append(t.roots, nr.Hash)
		}
		t.nodes[nr.Hash] = n
	}
	return t, nil
}

// PersistOp returns the aux write that stores the tree.
func (t *Tree) PersistOp() (auxstore.Op, error) {
	data, err := t.Encode()
	if err != nil {
		return auxstore.Op{}, err
	}
	return auxstore.Put(AuxKey, data), nil
}

// Load reads the tree from the aux store, or returns a new tree when none
// has been stored yet.
func Load(
	store auxstore.Store,
	genesisSlot epoch.Slot,
	epochDuration uint64,
) (*Tree, error) {
	data, err := store.Get(AuxKey)
	if err != nil {
		if errors.Is(err, auxstore.ErrKeyNotFound) {
			return New(genesisSlot, epochDuration), nil
		}
		return nil, fmt.Errorf("load epoch tree: %w", err)
	}
	t, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if t.genesisSlot != genesisSlot || t.epochDuration != epochDuration {
		return nil, fmt.Errorf(
			"stored epoch tree genesis (slot %d, duration %d) does not match configuration (slot %d, duration %d)",
			t.genesisSlot,
			t.epochDuration,
			genesisSlot,
			epochDuration,
		)
	}
	return t, nil
}
