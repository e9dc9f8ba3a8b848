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

// Package header defines block headers, digest items and the consensus
// pre-digest carried by every non-genesis block.
package header

import (
	"encoding/hex"
	"fmt"

	"github.com/blinklabs-io/gouroboros/cbor"
	"golang.org/x/crypto/blake2b"
)

// HashSize is the size of a block hash in bytes.
const HashSize = blake2b.Size256

// Hash identifies a block.
type Hash [HashSize]byte

// ZeroHash is the parent hash of the genesis block.
var ZeroHash Hash

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the hash as a slice.
func (h Hash) Bytes() []byte {
	return append([]byte(nil), h[:]...)
}

// HashFromHex parses a hex-encoded block hash.
func HashFromHex(s string) (Hash, error) {
	var ret Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return ret, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != HashSize {
		return ret, fmt.Errorf(
			"invalid hash length: expected %d, got %d",
			HashSize,
			len(b),
		)
	}
	copy(ret[:], b)
	return ret, nil
}

// Header is a block header.
type Header struct {
	cbor.StructAsArray
	ParentHash     Hash
	Number         uint64
	StateRoot      Hash
	ExtrinsicsRoot Hash
	Digest         []DigestItem
}

// Hash returns the blake2b-256 hash of the CBOR encoded header, including
// any seal.
func (h *Header) Hash() Hash {
	data, err := cbor.Encode(h)
	if err != nil {
		// All header fields are plain values and always encode
		panic(fmt.Sprintf("encode header: %s", err))
	}
	return blake2b.Sum256(data)
}

// PreSealHash returns the hash of the header with any seal digest removed.
// It is the message signed by the block author.
func (h *Header) PreSealHash() Hash {
	tmp := h.Clone()
	tmp.Digest = tmp.Digest[:0]
	for _, item := range h.Digest {
		if item.Kind == DigestSeal {
			continue
		}
		tmp.Digest = append(tmp.Digest, item)
	}
	return tmp.Hash()
}

// IsGenesis reports whether the header is the genesis header.
func (h *Header) IsGenesis() bool {
	return h.Number == 0
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() *Header {
	ret := &Header{
		ParentHash:     h.ParentHash,
		Number:         h.Number,
		StateRoot:      h.StateRoot,
		ExtrinsicsRoot: h.ExtrinsicsRoot,
	}
	if h.Digest != nil {
		ret.Digest = make([]DigestItem, len(h.Digest))
		for i, item := range h.Digest {
			ret.Digest[i] = DigestItem{
				Kind:   item.Kind,
				Engine: item.Engine,
				Data:   append([]byte(nil), item.Data...),
			}
		}
	}
	return ret
}

// PushDigest appends a digest item to the header.
func (h *Header) PushDigest(item DigestItem) {
	h.Digest = append(h.Digest, item)
}

// Body is the block body. Inherents are the data every block must carry
// for the runtime to cross-check against consensus.
type Body struct {
	cbor.StructAsArray
	// Timestamp is the block's timestamp inherent in milliseconds
	Timestamp  uint64
	Extrinsics [][]byte
}

// Block is a header with an optional body.
type Block struct {
	Header *Header
	Body   *Body
}

// Hash returns the hash of the block header.
func (b *Block) Hash() Hash {
	return b.Header.Hash()
}
