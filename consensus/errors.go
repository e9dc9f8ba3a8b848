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

package consensus

import (
	"errors"
	"fmt"

	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/header"
)

// Digest extraction errors are owned by the header package
var (
	ErrNoPreRuntimeDigest          = header.ErrNoPreRuntimeDigest
	ErrMultiplePreRuntimeDigests   = header.ErrMultiplePreRuntimeDigests
	ErrMultipleEpochChangeDigests  = header.ErrMultipleEpochChangeDigests
	ErrMultipleConfigChangeDigests = header.ErrMultipleConfigChangeDigests
	ErrHeaderUnsealed              = header.ErrHeaderUnsealed
)

var (
	ErrBadSignature           = errors.New("bad block signature")
	ErrInvalidAuthority       = errors.New("authority index out of range")
	ErrVRFVerificationFailed  = errors.New("VRF proof verification failed")
	ErrVRFThresholdExceeded   = errors.New("VRF output above authority threshold")
	ErrInvalidSecondaryAuthor = errors.New("invalid author for secondary slot")
	ErrSecondarySlotsDisabled = errors.New("secondary slot claims are disabled")
	ErrExpectedEpochChange    = errors.New("expected epoch change digest")
	ErrUnexpectedEpochChange  = errors.New("unexpected epoch change digest")
	ErrUnexpectedConfigChange = errors.New("unexpected config change digest")
	ErrParentUnavailable      = errors.New("parent block header unavailable")
	ErrUnknownBlock           = errors.New("unknown block")
)

var ErrParentBlockNoAssociatedWeight = errors.New(
	"parent block has no associated weight",
)

// SlotMustIncreaseError is returned when a block does not claim a slot
// after its parent's.
type SlotMustIncreaseError struct {
	ParentSlot epoch.Slot
	Slot       epoch.Slot
}

func (e SlotMustIncreaseError) Error() string {
	return fmt.Sprintf(
		"slot %d is not greater than parent slot %d",
		e.Slot,
		e.ParentSlot,
	)
}

// FetchEpochError is returned when no epoch can be resolved for a child of
// Parent.
type FetchEpochError struct {
	Parent header.Hash
	Err    error
}

func (e FetchEpochError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unable to fetch epoch data for child of %s", e.Parent)
	}
	return fmt.Sprintf(
		"unable to fetch epoch data for child of %s: %s",
		e.Parent,
		e.Err,
	)
}

func (e FetchEpochError) Unwrap() error {
	return e.Err
}

// CheckInherentsError wraps a runtime inherent check failure.
type CheckInherentsError struct {
	Reason error
}

func (e CheckInherentsError) Error() string {
	return fmt.Sprintf("checking inherents failed: %s", e.Reason)
}

func (e CheckInherentsError) Unwrap() error {
	return e.Reason
}

var malformedErrors = []error{
	ErrNoPreRuntimeDigest,
	ErrMultiplePreRuntimeDigests,
	ErrMultipleEpochChangeDigests,
	ErrMultipleConfigChangeDigests,
	ErrHeaderUnsealed,
	ErrBadSignature,
	ErrInvalidAuthority,
	ErrVRFVerificationFailed,
	ErrVRFThresholdExceeded,
	ErrInvalidSecondaryAuthor,
	ErrSecondarySlotsDisabled,
	ErrExpectedEpochChange,
	ErrUnexpectedEpochChange,
	ErrUnexpectedConfigChange,
}

// IsMalformed reports whether err means the block itself is invalid, as
// opposed to a local state or collaborator failure. Callers use it to
// penalize the peer that sent the block.
func IsMalformed(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range malformedErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var slotErr SlotMustIncreaseError
	if errors.As(err, &slotErr) {
		return true
	}
	var inherentsErr CheckInherentsError
	return errors.As(err, &inherentsErr)
}
