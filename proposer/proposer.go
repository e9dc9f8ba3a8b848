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

// Package proposer builds blocks from inherent data and pending
// extrinsics.
package proposer

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/header"
)

// Pool is a queue of extrinsics waiting to be included in a block.
type Pool struct {
	mu      sync.Mutex
	pending [][]byte
}

// Submit queues an extrinsic.
func (p *Pool) Submit(extrinsic []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, append([]byte(nil), extrinsic...))
}

// take removes up to limit extrinsics from the front of the queue
func (p *Pool) take(limit int) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 || limit > len(p.pending) {
		limit = len(p.pending)
	}
	ret := p.pending[:limit:limit]
	p.pending = p.pending[limit:]
	return ret
}

// Len returns the number of queued extrinsics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// DigestSource supplies the runtime-generated digests for a new block,
// such as epoch change announcements.
type DigestSource interface {
	EpochChangeDigests(parent *header.Header, slot epoch.Slot) ([]header.DigestItem, error)
}

// Environment creates proposers that draw from a shared pool.
type Environment struct {
	pool          *Pool
	digests       DigestSource
	maxExtrinsics int
	logger        *slog.Logger
}

var _ consensus.Environment = (*Environment)(nil)

// NewEnvironment returns an environment. pool may be nil for empty
// blocks and digests may be nil if blocks never need runtime digests.
func NewEnvironment(
	pool *Pool,
	digests DigestSource,
	maxExtrinsics int,
	logger *slog.Logger,
) *Environment {
	if pool == nil {
		pool = &Pool{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Environment{
		pool:          pool,
		digests:       digests,
		maxExtrinsics: maxExtrinsics,
		logger:        logger.With("component", "proposer"),
	}
}

func (e *Environment) Init(parent *header.Header) (consensus.Proposer, error) {
	return &Proposer{
		parent: parent,
		env:    e,
	}, nil
}

// Proposer builds one block on top of parent.
type Proposer struct {
	parent *header.Header
	env    *Environment
}

// Propose builds a block carrying the timestamp inherent and as many
// pooled extrinsics as allowed. It fails if the deadline passes first.
func (p *Proposer) Propose(
	ctx context.Context,
	data consensus.InherentData,
	digests []header.DigestItem,
	deadline time.Duration,
) (*header.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	items := append([]header.DigestItem(nil), digests...)
	if p.env.digests != nil {
		extra, err := p.env.digests.EpochChangeDigests(p.parent, data.Slot)
		if err != nil {
			return nil, fmt.Errorf("runtime digests: %w", err)
		}
		items = append(items, extra...)
	}
	extrinsics := p.env.pool.take(p.env.maxExtrinsics)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("proposing deadline reached: %w", err)
	}
	body := &header.Body{
		Timestamp:  data.Timestamp,
		Extrinsics: extrinsics,
	}
	hdr := &header.Header{
		ParentHash:     p.parent.Hash(),
		Number:         p.parent.Number + 1,
		ExtrinsicsRoot: extrinsicsRoot(extrinsics),
		StateRoot:      stateRoot(p.parent.StateRoot, body),
		Digest:         items,
	}
	p.env.logger.Debug(
		"proposed block",
		"number", hdr.Number,
		"slot", data.Slot,
		"extrinsics", len(extrinsics),
	)
	return &header.Block{Header: hdr, Body: body}, nil
}

func extrinsicsRoot(extrinsics [][]byte) header.Hash {
	h, _ := blake2b.New256(nil)
	for _, x := range extrinsics {
		leaf := blake2b.Sum256(x)
		h.Write(leaf[:])
	}
	var ret header.Hash
	copy(ret[:], h.Sum(nil))
	return ret
}

// the reference runtime has no state; the root chains the parent root with
// the block timestamp and extrinsics
func stateRoot(parent header.Hash, body *header.Body) header.Hash {
	h, _ := blake2b.New256(nil)
	h.Write(parent[:])
	root := extrinsicsRoot(body.Extrinsics)
	h.Write(root[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], body.Timestamp)
	h.Write(ts[:])
	var ret header.Hash
	copy(ret[:], h.Sum(nil))
	return ret
}
