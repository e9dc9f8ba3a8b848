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

package notify

import (
	"bytes"
	"context"
	"fmt"

	"github.com/blinklabs-io/kelpie/claim"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/header"
)

// RemoteClaimer claims slots through the subscribers of a Service. Claims
// that do not verify against the slot's epoch are rejected.
type RemoteClaimer struct {
	svc *Service
}

func NewRemoteClaimer(svc *Service) *RemoteClaimer {
	return &RemoteClaimer{svc: svc}
}

func (r *RemoteClaimer) ClaimSlot(
	ctx context.Context,
	parent *header.Header,
	slot epoch.Slot,
	ep *epoch.Epoch,
) (*claim.Claim, error) {
	c, err := r.svc.NewSlot(ctx, parent, slot, ep)
	if err != nil || c == nil {
		return nil, err
	}
	if c.PreDigest == nil || c.Signer == nil {
		return nil, fmt.Errorf("remote claim for slot %d is incomplete", slot)
	}
	if c.PreDigest.Slot != slot {
		return nil, fmt.Errorf(
			"remote claim for slot %d, expected %d",
			c.PreDigest.Slot,
			slot,
		)
	}
	if err := claim.VerifyClaim(c.PreDigest, ep); err != nil {
		return nil, fmt.Errorf("remote claim rejected: %w", err)
	}
	author, err := claim.Author(c.PreDigest, ep)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(c.Signer.Public(), author.SigningKey) {
		return nil, fmt.Errorf(
			"remote claim signer is not authority %d",
			c.PreDigest.AuthorityIndex,
		)
	}
	return c, nil
}
