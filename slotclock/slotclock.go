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

// Package slotclock wakes at each slot boundary and notifies subscribers.
package slotclock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/kelpie/epoch"
)

// SlotInfo describes a slot that has just begun.
type SlotInfo struct {
	Slot       epoch.Slot
	Timestamp  time.Time
	EndsAt     time.Time
	Duration   time.Duration
	EpochIndex uint64
	// IsEpochStart is set for the first slot of an epoch
	IsEpochStart bool
}

// Config holds configuration for the SlotClock
type Config struct {
	Logger *slog.Logger
	// ClockTolerance is how late a wakeup may be before a drift warning
	// is logged. Default: 100ms
	ClockTolerance time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		ClockTolerance: 100 * time.Millisecond,
	}
}

// SlotClock converts between wall-clock time and slots for a genesis
// configuration and ticks at every slot boundary.
type SlotClock struct {
	genesis     epoch.GenesisConfiguration
	config      Config
	logger      *slog.Logger
	subscribers []chan SlotInfo
	mu          sync.RWMutex
	cancel      context.CancelFunc
	running     bool
	wg          sync.WaitGroup

	// tests replace the time source
	nowFunc func() time.Time
}

func NewSlotClock(genesis epoch.GenesisConfiguration, config Config) (*SlotClock, error) {
	if genesis.SlotDuration == 0 {
		return nil, errors.New("slot duration must be positive")
	}
	if genesis.EpochDuration == 0 {
		return nil, errors.New("epoch duration must be positive")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if config.ClockTolerance == 0 {
		config.ClockTolerance = DefaultConfig().ClockTolerance
	}
	return &SlotClock{
		genesis: genesis,
		config:  config,
		logger:  config.Logger.With("component", "slotclock"),
		nowFunc: time.Now,
	}, nil
}

// Start begins the tick loop. It returns immediately.
func (sc *SlotClock) Start(ctx context.Context) {
	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = true
	ctx, sc.cancel = context.WithCancel(ctx)
	sc.mu.Unlock()

	sc.wg.Add(1)
	go sc.run(ctx)
}

// Stop halts the tick loop, waits for it to exit and closes all
// subscriber channels.
func (sc *SlotClock) Stop() {
	sc.mu.Lock()
	if !sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = false
	if sc.cancel != nil {
		sc.cancel()
	}
	sc.mu.Unlock()

	sc.wg.Wait()

	sc.mu.Lock()
	for _, ch := range sc.subscribers {
		close(ch)
	}
	sc.subscribers = nil
	sc.mu.Unlock()
}

// Subscribe returns a channel receiving a SlotInfo at each slot boundary.
// Ticks are dropped for subscribers that have not consumed the previous
// one.
func (sc *SlotClock) Subscribe() <-chan SlotInfo {
	ch := make(chan SlotInfo, 1)
	sc.mu.Lock()
	sc.subscribers = append(sc.subscribers, ch)
	sc.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (sc *SlotClock) Unsubscribe(ch <-chan SlotInfo) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for i, sub := range sc.subscribers {
		if sub == ch {
			close(sub)
			sc.subscribers = append(sc.subscribers[:i], sc.subscribers[i+1:]...)
			return
		}
	}
}

// Now returns the clock's current time.
func (sc *SlotClock) Now() time.Time {
	return sc.nowFunc()
}

// CurrentSlot returns the slot containing the current time.
func (sc *SlotClock) CurrentSlot() epoch.Slot {
	return sc.SlotAt(sc.nowFunc())
}

// SlotAt returns the slot containing t.
func (sc *SlotClock) SlotAt(t time.Time) epoch.Slot {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return sc.genesis.SlotAt(uint64(ms))
}

// SlotTime returns the time at which slot begins.
func (sc *SlotClock) SlotTime(slot epoch.Slot) time.Time {
	return time.UnixMilli(int64(sc.genesis.SlotStart(slot))) // #nosec G115
}

// SlotDuration returns the length of a slot.
func (sc *SlotClock) SlotDuration() time.Duration {
	return time.Duration(sc.genesis.SlotDuration) * time.Millisecond // #nosec G115
}

// NextSlotTime returns the time when the next slot begins
func (sc *SlotClock) NextSlotTime() time.Time {
	return sc.SlotTime(sc.CurrentSlot() + 1)
}

// TimeUntilSlot returns the duration until slot begins. It is negative
// for past slots.
func (sc *SlotClock) TimeUntilSlot(slot epoch.Slot) time.Duration {
	return sc.SlotTime(slot).Sub(sc.nowFunc())
}

// SlotInfo describes slot.
func (sc *SlotClock) SlotInfo(slot epoch.Slot) SlotInfo {
	start := sc.SlotTime(slot)
	duration := sc.SlotDuration()
	var epochIndex uint64
	isEpochStart := false
	if slot >= sc.genesis.GenesisSlot {
		offset := uint64(slot - sc.genesis.GenesisSlot)
		epochIndex = offset / sc.genesis.EpochDuration
		isEpochStart = offset%sc.genesis.EpochDuration == 0
	}
	return SlotInfo{
		Slot:         slot,
		Timestamp:    start,
		EndsAt:       start.Add(duration),
		Duration:     duration,
		EpochIndex:   epochIndex,
		IsEpochStart: isEpochStart,
	}
}

func (sc *SlotClock) run(ctx context.Context) {
	defer sc.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := sc.nowFunc()
		nextSlot := sc.SlotAt(now) + 1
		nextSlotTime := sc.SlotTime(nextSlot)
		if sleep := nextSlotTime.Sub(now); sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		actualNow := sc.nowFunc()
		actualSlot := sc.SlotAt(actualNow)
		if drift := actualNow.Sub(nextSlotTime); drift > sc.config.ClockTolerance {
			sc.logger.Warn(
				"slot clock drift detected",
				"expected_slot", nextSlot,
				"actual_slot", actualSlot,
				"drift", drift,
			)
		}
		// The timer may fire a hair early on some platforms
		if actualSlot < nextSlot {
			continue
		}
		sc.emit(sc.SlotInfo(actualSlot))
	}
}

func (sc *SlotClock) emit(info SlotInfo) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	for _, ch := range sc.subscribers {
		select {
		case ch <- info:
		default:
			sc.logger.Debug(
				"slot tick dropped for slow subscriber",
				"slot", info.Slot,
			)
		}
	}
}
