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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blinklabs-io/kelpie/auxstore"
	"github.com/blinklabs-io/kelpie/header"
)

var weightKeyPrefix = []byte("kelpie:block_weight:")

// WeightKey returns the aux key holding the cumulative weight of a block.
func WeightKey(hash header.Hash) []byte {
	ret := make([]byte, 0, len(weightKeyPrefix)+header.HashSize)
	ret = append(ret, weightKeyPrefix...)
	return append(ret, hash[:]...)
}

// WeightOp stages the cumulative weight of a block.
func WeightOp(hash header.Hash, weight uint64) auxstore.Op {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], weight)
	return auxstore.Put(WeightKey(hash), buf[:])
}

// LoadWeight reads the cumulative weight of a block. It returns false if
// no weight is stored.
func LoadWeight(store auxstore.Store, hash header.Hash) (uint64, bool, error) {
	data, err := store.Get(WeightKey(hash))
	if err != nil {
		if errors.Is(err, auxstore.ErrKeyNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load block weight: %w", err)
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("load block weight: invalid length %d", len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// AddedWeight is the weight a block's claim adds to its chain: one for a
// primary claim and nothing otherwise.
func AddedWeight(pre *header.PreDigest) uint64 {
	if pre.IsPrimary() {
		return 1
	}
	return 0
}
