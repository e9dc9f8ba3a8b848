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
	"log/slog"
	"slices"

	"github.com/blinklabs-io/gouroboros/cbor"
	"github.com/golang/snappy"

	"github.com/blinklabs-io/kelpie/auxstore"
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/header"
)

var (
	blockKeyPrefix = []byte("kelpie:chain:block:")
	leavesKey      = []byte("kelpie:chain:leaves")
	bestKey        = []byte("kelpie:chain:best")
	finalizedKey   = []byte("kelpie:chain:finalized")
)

type blockRecord struct {
	cbor.StructAsArray
	Header *header.Header
	Body   *header.Body
}

func blockKey(hash header.Hash) []byte {
	return append(slices.Clone(blockKeyPrefix), hash[:]...)
}

func blockOp(hdr *header.Header, body *header.Body) (auxstore.Op, error) {
	if body == nil {
		body = &header.Body{}
	}
	data, err := cbor.Encode(&blockRecord{Header: hdr, Body: body})
	if err != nil {
		return auxstore.Op{}, fmt.Errorf("encode block: %w", err)
	}
	// Block records are stored snappy-compressed
	return auxstore.Put(blockKey(hdr.Hash()), snappy.Encode(nil, data)), nil
}

func hashOp(key []byte, hash header.Hash) auxstore.Op {
	return auxstore.Put(key, slices.Clone(hash[:]))
}

// leavesOp encodes the leaf set as it will be once added is imported on
// top of parent. Must be called with the lock held.
func (c *Chain) leavesOp(added, parent header.Hash) (auxstore.Op, error) {
	leaves := make([]header.Hash, 0, len(c.leaves)+1)
	for hash := range c.leaves {
		if hash != parent {
			leaves = append(leaves, hash)
		}
	}
	leaves = append(leaves, added)
	slices.SortFunc(leaves, func(a, b header.Hash) int {
		return slices.Compare(a[:], b[:])
	})
	data, err := cbor.Encode(leaves)
	if err != nil {
		return auxstore.Op{}, fmt.Errorf("encode chain leaves: %w", err)
	}
	return auxstore.Put(leavesKey, data), nil
}

// Load restores a chain previously committed to aux, or returns a new chain
// holding only genesis if aux holds none.
func Load(
	genesis *header.Header,
	aux auxstore.Store,
	eventBus *event.EventBus,
	logger *slog.Logger,
) (*Chain, error) {
	c, err := NewChain(genesis, aux, eventBus, logger)
	if err != nil {
		return nil, err
	}
	data, err := aux.Get(leavesKey)
	if err != nil {
		if errors.Is(err, auxstore.ErrKeyNotFound) {
			return c, nil
		}
		return nil, fmt.Errorf("load chain leaves: %w", err)
	}
	var leaves []header.Hash
	if _, err := cbor.Decode(data, &leaves); err != nil {
		return nil, fmt.Errorf("decode chain leaves: %w", err)
	}
	c.leaves = make(map[header.Hash]struct{}, len(leaves))
	for _, leaf := range leaves {
		if err := c.restoreBranch(leaf); err != nil {
			return nil, err
		}
		c.leaves[leaf] = struct{}{}
	}
	if c.best, err = c.loadPointer(bestKey); err != nil {
		return nil, err
	}
	if c.finalized, err = c.loadPointer(finalizedKey); err != nil {
		return nil, err
	}
	c.logger.Info(
		"restored chain",
		"blocks", len(c.blocks),
		"best", c.best.String(),
		"finalized", c.finalized.String(),
	)
	return c, nil
}

// restoreBranch loads blocks from leaf back to the first known ancestor
func (c *Chain) restoreBranch(leaf header.Hash) error {
	var branch []*storedBlock
	for hash := leaf; ; {
		if _, ok := c.blocks[hash]; ok {
			break
		}
		data, err := c.aux.Get(blockKey(hash))
		if err != nil {
			if errors.Is(err, auxstore.ErrKeyNotFound) {
				return fmt.Errorf(
					"%w: stored block %s is missing",
					ErrGenesisMismatch,
					hash,
				)
			}
			return fmt.Errorf("load block %s: %w", hash, err)
		}
		raw, err := snappy.Decode(nil, data)
		if err != nil {
			return fmt.Errorf("decompress block %s: %w", hash, err)
		}
		var rec blockRecord
		if _, err := cbor.Decode(raw, &rec); err != nil {
			return fmt.Errorf("decode block %s: %w", hash, err)
		}
		if rec.Header == nil || rec.Header.Hash() != hash {
			return fmt.Errorf("stored block %s is corrupt", hash)
		}
		branch = append(branch, &storedBlock{
			hash:   hash,
			header: rec.Header,
			body:   rec.Body,
		})
		hash = rec.Header.ParentHash
	}
	for _, b := range branch {
		c.blocks[b.hash] = b
	}
	return nil
}

func (c *Chain) loadPointer(key []byte) (header.Hash, error) {
	var ret header.Hash
	data, err := c.aux.Get(key)
	if err != nil {
		if errors.Is(err, auxstore.ErrKeyNotFound) {
			return c.genesis, nil
		}
		return ret, fmt.Errorf("load %s: %w", key, err)
	}
	if len(data) != header.HashSize {
		return ret, fmt.Errorf("invalid %s value", key)
	}
	copy(ret[:], data)
	if _, ok := c.blocks[ret]; !ok {
		return ret, fmt.Errorf("%s points at unknown block %s", key, ret)
	}
	return ret, nil
}
