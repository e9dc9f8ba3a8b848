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

// Package notify runs a small actor that answers epoch queries for future
// blocks and offers each new slot to external subscribers, such as a
// remote authoring backend, so they can submit a claim.
package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/kelpie/claim"
	"github.com/blinklabs-io/kelpie/consensus"
	"github.com/blinklabs-io/kelpie/epoch"
	"github.com/blinklabs-io/kelpie/epochtree"
	"github.com/blinklabs-io/kelpie/event"
	"github.com/blinklabs-io/kelpie/header"
)

const (
	// DefaultHandshakeTimeout bounds how long a new slot waits for
	// subscribers
	DefaultHandshakeTimeout = 500 * time.Millisecond

	requestQueueSize = 16
)

// NewSlotEventType is published for every new slot offered to subscribers
const NewSlotEventType = event.EventType("notify.new-slot")

type NewSlotEvent struct {
	Slot       epoch.Slot
	ParentHash header.Hash
	EpochIndex uint64
}

var (
	ErrServiceStopped = errors.New("notification service is not running")
	ErrUnknownParent  = errors.New("parent block unknown to the epoch tree")
)

// SlotNotification offers a slot to a subscriber.
type SlotNotification struct {
	Slot   epoch.Slot
	Parent *header.Header
	Epoch  *epoch.Epoch
	offer  *slotOffer
	once   *sync.Once
}

// slotOffer collects the replies to one slot. It is closed once the
// service stops waiting.
type slotOffer struct {
	mutex   sync.Mutex
	closed  bool
	replies chan *claim.Claim
}

func (o *slotOffer) close() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.closed = true
}

// Respond submits the subscriber's claim, or nil to decline. It reports
// whether the response reached the service in time: only the first call
// counts, and a response after the handshake timeout or after another
// subscriber's claim won reports false.
func (n SlotNotification) Respond(c *claim.Claim) bool {
	ok := false
	n.once.Do(func() {
		n.offer.mutex.Lock()
		defer n.offer.mutex.Unlock()
		if n.offer.closed {
			return
		}
		select {
		case n.offer.replies <- c:
			ok = true
		default:
		}
	})
	return ok
}

// Subscription receives slot notifications.
type Subscription struct {
	id int
	C  <-chan SlotNotification
	ch chan SlotNotification
}

type Config struct {
	Logger   *slog.Logger
	Tree     *epochtree.Shared
	Backend  consensus.HeaderBackend
	Runtime  consensus.Runtime
	EventBus *event.EventBus
	// HandshakeTimeout defaults to DefaultHandshakeTimeout
	HandshakeTimeout time.Duration
}

type epochRequest struct {
	parentHash   header.Hash
	parentNumber uint64
	slot         epoch.Slot
	reply        chan epochReply
}

type epochReply struct {
	epoch *epoch.Epoch
	err   error
}

type slotRequest struct {
	parent *header.Header
	slot   epoch.Slot
	epoch  *epoch.Epoch
	reply  chan *claim.Claim
}

// Service is the request/notification actor. All subscriber bookkeeping
// happens on the actor goroutine.
type Service struct {
	logger    *slog.Logger
	tree      *epochtree.Shared
	backend   consensus.HeaderBackend
	eventBus  *event.EventBus
	genesis   epochtree.GenesisFunc
	handshake time.Duration

	requests chan any
	mu       sync.Mutex
	running  bool
	done     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastId   int

	// owned by the actor goroutine
	subscribers map[int]*Subscription
	order       []int
}

func New(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Tree == nil {
		return nil, errors.New("notification service requires an epoch tree")
	}
	if cfg.Backend == nil {
		return nil, errors.New("notification service requires a header backend")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("notification service requires a runtime")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Service{
		logger:      cfg.Logger.With("component", "notify"),
		tree:        cfg.Tree,
		backend:     cfg.Backend,
		eventBus:    cfg.EventBus,
		genesis:     consensus.GenesisEpoch(cfg.Runtime),
		handshake:   cfg.HandshakeTimeout,
		requests:    make(chan any, requestQueueSize),
		subscribers: make(map[int]*Subscription),
	}, nil
}

// Start runs the actor until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("notification service already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx, s.done)
	return nil
}

// Stop halts the actor and closes all subscriptions.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

type subscribeRequest struct {
	sub *Subscription
}

type unsubscribeRequest struct {
	id int
}

// Subscribe registers for slot notifications.
func (s *Service) Subscribe(ctx context.Context) (*Subscription, error) {
	s.mu.Lock()
	s.lastId++
	id := s.lastId
	s.mu.Unlock()
	ch := make(chan SlotNotification, 1)
	sub := &Subscription{id: id, C: ch, ch: ch}
	if _, err := s.send(ctx, subscribeRequest{sub: sub}); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Service) Unsubscribe(ctx context.Context, sub *Subscription) error {
	_, err := s.send(ctx, unsubscribeRequest{id: sub.id})
	return err
}

// EpochForChild returns the epoch governing a child of the given parent
// at slot. It fails with ErrUnknownParent if the tree has no epoch for
// the parent.
func (s *Service) EpochForChild(
	ctx context.Context,
	parentHash header.Hash,
	parentNumber uint64,
	slot epoch.Slot,
) (*epoch.Epoch, error) {
	req := epochRequest{
		parentHash:   parentHash,
		parentNumber: parentNumber,
		slot:         slot,
		reply:        make(chan epochReply, 1),
	}
	done, err := s.send(ctx, req)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrServiceStopped
	case r := <-req.reply:
		return r.epoch, r.err
	}
}

// NewSlot offers slot to all subscribers and returns the first claim
// submitted within the handshake timeout, or nil.
func (s *Service) NewSlot(
	ctx context.Context,
	parent *header.Header,
	slot epoch.Slot,
	ep *epoch.Epoch,
) (*claim.Claim, error) {
	req := slotRequest{
		parent: parent,
		slot:   slot,
		epoch:  ep,
		reply:  make(chan *claim.Claim, 1),
	}
	done, err := s.send(ctx, req)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrServiceStopped
	case c := <-req.reply:
		return c, nil
	}
}

// send queues a request for the actor and returns a channel closed when
// the actor exits
func (s *Service) send(ctx context.Context, req any) (<-chan struct{}, error) {
	s.mu.Lock()
	running := s.running
	done := s.done
	s.mu.Unlock()
	if !running {
		return nil, ErrServiceStopped
	}
	select {
	case s.requests <- req:
		return done, nil
	case <-done:
		return nil, ErrServiceStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer s.wg.Done()
	defer func() {
		close(done)
		for _, id := range s.order {
			close(s.subscribers[id].ch)
		}
		s.subscribers = make(map[int]*Subscription)
		s.order = nil
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			switch r := req.(type) {
			case subscribeRequest:
				s.subscribers[r.sub.id] = r.sub
				s.order = append(s.order, r.sub.id)
			case unsubscribeRequest:
				s.removeSubscriber(r.id)
			case epochRequest:
				ep, err := s.epochForChild(r)
				r.reply <- epochReply{epoch: ep, err: err}
			case slotRequest:
				r.reply <- s.offerSlot(ctx, r)
			}
		}
	}
}

func (s *Service) removeSubscriber(id int) {
	sub, ok := s.subscribers[id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(s.subscribers, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Service) epochForChild(r epochRequest) (*epoch.Epoch, error) {
	var ret *epoch.Epoch
	err := s.tree.View(func(tree *epochtree.Tree) error {
		desc, err := tree.EpochDescriptorForChildOf(
			s.backend.IsDescendentOf,
			r.parentHash,
			r.parentNumber,
			r.slot,
		)
		if err != nil {
			return err
		}
		if desc == nil {
			return ErrUnknownParent
		}
		ret, err = tree.ViableEpoch(desc, s.genesis)
		return err
	})
	return ret, err
}

// offerSlot fans a slot out to subscribers. The whole exchange is bounded
// by the handshake timeout.
func (s *Service) offerSlot(ctx context.Context, r slotRequest) *claim.Claim {
	parentHash := r.parent.Hash()
	if s.eventBus != nil {
		s.eventBus.Publish(
			NewSlotEventType,
			event.NewEvent(
				NewSlotEventType,
				NewSlotEvent{
					Slot:       r.slot,
					ParentHash: parentHash,
					EpochIndex: r.epoch.EpochIndex,
				},
			),
		)
	}
	if len(s.order) == 0 {
		return nil
	}
	timer := time.NewTimer(s.handshake)
	defer timer.Stop()
	offer := &slotOffer{replies: make(chan *claim.Claim, len(s.order))}
	defer offer.close()
	delivered := 0
	for _, id := range s.order {
		n := SlotNotification{
			Slot:   r.slot,
			Parent: r.parent,
			Epoch:  r.epoch,
			offer:  offer,
			once:   &sync.Once{},
		}
		select {
		case s.subscribers[id].ch <- n:
			delivered++
		default:
			s.logger.Debug(
				"slot notification dropped for slow subscriber",
				"slot", r.slot,
				"subscriber", id,
			)
		}
	}
	for range delivered {
		select {
		case c := <-offer.replies:
			if c != nil {
				return c
			}
		case <-timer.C:
			s.logger.Debug(
				"no claim within slot handshake",
				"slot", r.slot,
				"subscribers", delivered,
			)
			return nil
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
