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

// Package auxstore defines the auxiliary key-value store used for
// consensus metadata that lives alongside, but separate from, block
// storage.
package auxstore

import (
	"errors"
)

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("aux key not found")

// Op is a single staged aux write. A nil Value deletes the key.
type Op struct {
	Key   []byte
	Value []byte
}

// Put returns an op that stores value under key.
func Put(key, value []byte) Op {
	return Op{Key: key, Value: value}
}

// Delete returns an op that removes key.
func Delete(key []byte) Op {
	return Op{Key: key}
}

// IsDelete reports whether the op removes its key.
func (o Op) IsDelete() bool {
	return o.Value == nil
}

// Store is the aux store contract. PutBatch must apply all ops atomically.
type Store interface {
	Get(key []byte) ([]byte, error)
	PutBatch(ops []Op) error
}

// Closer is implemented by stores that hold resources.
type Closer interface {
	Close() error
}
