// Package cartsync keeps a client-side cart in step with the server cart.
//
// Local state is authoritative for the client: every mutation is applied to
// memory and the local cache first, then mirrored to the server in the
// background when the user is signed in. A failed push is logged and the
// local change is kept, so the two carts may diverge until the next Init.
package cartsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
)

var (
	ErrNotInitialized = errors.New("cart synchronizer is not initialized")
	ErrClosed         = errors.New("cart synchronizer is closed")
)

// Remote is the server side of the cart. *cartclient.Client satisfies it.
type Remote interface {
	GetCart(ctx context.Context) (*cart.Summary, error)
	PutItem(ctx context.Context, item cart.Item) (*cart.Summary, error)
	RemoveItem(ctx context.Context, productID string) (*cart.Summary, error)
	ClearCart(ctx context.Context) (*cart.Summary, error)
}

type Session interface {
	Authenticated() bool
}

type SessionFunc func() bool

func (f SessionFunc) Authenticated() bool { return f() }

type Listener func(items []cart.Item)

type opKind int

const (
	opPut opKind = iota
	opRemove
	opClear
)

func (k opKind) String() string {
	switch k {
	case opPut:
		return "put"
	case opRemove:
		return "remove"
	default:
		return "clear"
	}
}

type pushOp struct {
	seq  uint64
	kind opKind
	item cart.Item
}

// supersedes reports whether a pending op p is made redundant by op.
// PutItem sets the absolute line state, so only the latest write per
// product has to reach the server.
func (op pushOp) supersedes(p pushOp) bool {
	if op.kind == opClear {
		return true
	}
	return p.kind != opClear && p.item.ProductID == op.item.ProductID
}

type state int

const (
	stateNew state = iota
	stateActive
	stateClosed
)

const defaultPushTimeout = 10 * time.Second

type Option func(*Synchronizer)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Synchronizer) { s.logger = logger }
}

func WithPushTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.pushTimeout = d }
}

type Synchronizer struct {
	local   LocalStore
	remote  Remote
	session Session

	logger      zerolog.Logger
	pushTimeout time.Duration

	mu        sync.Mutex
	state     state
	items     []cart.Item
	listeners map[int]Listener
	nextID    int

	// pending is ordered by seq. Nothing sends to a channel while mu is held.
	pending   []pushOp
	enqueued  uint64
	completed uint64
	progress  chan struct{}
	wake      chan struct{}
	stopping  bool
	done      chan struct{}
}

func New(local LocalStore, remote Remote, session Session, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		local:       local,
		remote:      remote,
		session:     session,
		logger:      log.Logger,
		pushTimeout: defaultPushTimeout,
		listeners:   make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init hydrates the cart and starts the push worker. A non-empty server
// cart replaces the cached one; otherwise the cache is kept.
func (s *Synchronizer) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateNew {
		st := s.state
		s.mu.Unlock()
		if st == stateClosed {
			return ErrClosed
		}
		return nil
	}
	s.mu.Unlock()

	items, err := s.local.Load(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load cached cart, starting empty")
		items = nil
	}

	if s.authenticated() {
		summary, err := s.remote.GetCart(ctx)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Msg("Failed to fetch server cart, keeping cached cart")
		case summary != nil && summary.Cart != nil && len(summary.Cart.Items) > 0:
			items = summary.Cart.Items
			if err := s.local.Save(ctx, items); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to cache server cart")
			}
		}
	}

	s.mu.Lock()
	if s.state != stateNew {
		s.mu.Unlock()
		return nil
	}
	s.items = cloneItems(items)
	s.progress = make(chan struct{})
	s.wake = make(chan struct{}, 1)
	s.done = make(chan struct{})
	s.state = stateActive
	go s.run(s.done)
	snapshot, listeners := s.snapshotLocked()
	s.mu.Unlock()

	notify(listeners, snapshot)
	return nil
}

// Add merges item into the cart; an existing line has its quantity increased.
func (s *Synchronizer) Add(ctx context.Context, item cart.Item) error {
	if item.Quantity < 1 {
		item.Quantity = 1
	}

	return s.mutate(ctx, func(items []cart.Item) ([]cart.Item, *pushOp) {
		for i := range items {
			if items[i].ProductID == item.ProductID {
				items[i].Quantity += item.Quantity
				return items, &pushOp{kind: opPut, item: items[i]}
			}
		}
		return append(items, item), &pushOp{kind: opPut, item: item}
	})
}

// Update sets the quantity of an existing line. Quantities below one and
// unknown products are ignored.
func (s *Synchronizer) Update(ctx context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return s.checkActive()
	}

	return s.mutate(ctx, func(items []cart.Item) ([]cart.Item, *pushOp) {
		for i := range items {
			if items[i].ProductID == productID {
				items[i].Quantity = quantity
				return items, &pushOp{kind: opPut, item: items[i]}
			}
		}
		return nil, nil
	})
}

func (s *Synchronizer) Remove(ctx context.Context, productID string) error {
	return s.mutate(ctx, func(items []cart.Item) ([]cart.Item, *pushOp) {
		kept := make([]cart.Item, 0, len(items))
		for _, it := range items {
			if it.ProductID != productID {
				kept = append(kept, it)
			}
		}
		return kept, &pushOp{kind: opRemove, item: cart.Item{ProductID: productID}}
	})
}

func (s *Synchronizer) Clear(ctx context.Context) error {
	return s.mutate(ctx, func([]cart.Item) ([]cart.Item, *pushOp) {
		return []cart.Item{}, &pushOp{kind: opClear}
	})
}

// mutate runs fn on a private copy of the items. A nil result means no change.
func (s *Synchronizer) mutate(ctx context.Context, fn func([]cart.Item) ([]cart.Item, *pushOp)) error {
	s.mu.Lock()
	if err := s.activeLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	next, op := fn(cloneItems(s.items))
	if next == nil {
		s.mu.Unlock()
		return nil
	}
	s.items = next

	saveErr := s.local.Save(ctx, next)
	if op != nil && s.authenticated() {
		s.enqueueLocked(*op)
	}
	snapshot, listeners := s.snapshotLocked()
	s.mu.Unlock()

	notify(listeners, snapshot)

	if saveErr != nil {
		s.logger.Error().Err(saveErr).Msg("Failed to persist cart locally")
		return saveErr
	}
	return nil
}

func (s *Synchronizer) Items() []cart.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.items)
}

func (s *Synchronizer) TotalPrice() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&cart.Cart{Items: s.items}).Total()
}

// TotalItems is the sum of quantities, not the number of lines.
func (s *Synchronizer) TotalItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&cart.Cart{Items: s.items}).TotalQuantity()
}

// Subscribe registers fn for change notifications. fn runs synchronously on
// the goroutine that made the change, after the lock is released.
func (s *Synchronizer) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Flush blocks until every push queued before the call has been attempted
// or superseded by a later one.
func (s *Synchronizer) Flush(ctx context.Context) error {
	s.mu.Lock()
	target := s.enqueued
	for s.state == stateActive && s.completed < target {
		progress := s.progress
		s.mu.Unlock()

		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}

		s.mu.Lock()
	}
	s.mu.Unlock()
	return nil
}

// Close drains pending pushes and stops the worker.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.state != stateActive {
		s.state = stateClosed
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	s.stopping = true
	s.signalLocked()
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}

// Teardown ends the session: pending pushes get until ctx is done, then the
// local cache and in-memory cart are cleared and subscribers are told.
// The server cart is left alone.
func (s *Synchronizer) Teardown(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Pending cart pushes did not finish before teardown")
	}

	s.mu.Lock()
	wasActive := s.state == stateActive
	s.state = stateClosed
	s.items = []cart.Item{}
	var done chan struct{}
	if wasActive {
		s.pending = nil
		s.stopping = true
		s.signalLocked()
		done = s.done
	}
	snapshot, listeners := s.snapshotLocked()
	s.mu.Unlock()

	clearErr := s.local.Clear(ctx)
	notify(listeners, snapshot)

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	return clearErr
}

// enqueueLocked appends op and drops the pending ops it supersedes.
func (s *Synchronizer) enqueueLocked(op pushOp) {
	s.enqueued++
	op.seq = s.enqueued

	kept := s.pending[:0]
	for _, p := range s.pending {
		if !op.supersedes(p) {
			kept = append(kept, p)
		}
	}
	s.pending = append(kept, op)
	s.signalLocked()
}

func (s *Synchronizer) signalLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run pushes pending ops one at a time until the synchronizer stops and
// the queue is empty.
func (s *Synchronizer) run(done chan<- struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.stopping {
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		op := s.pending[0]
		s.pending[0] = pushOp{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.push(op)

		s.mu.Lock()
		s.completed = op.seq
		close(s.progress)
		s.progress = make(chan struct{})
		s.mu.Unlock()
	}
}

func (s *Synchronizer) push(op pushOp) {
	ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
	defer cancel()

	var err error
	switch op.kind {
	case opPut:
		_, err = s.remote.PutItem(ctx, op.item)
	case opRemove:
		_, err = s.remote.RemoveItem(ctx, op.item.ProductID)
	case opClear:
		_, err = s.remote.ClearCart(ctx)
	}

	if err != nil {
		s.logger.Warn().Err(err).
			Str("product_id", op.item.ProductID).
			Stringer("op", op.kind).
			Msg("Failed to push cart change to server")
	}
}

func (s *Synchronizer) authenticated() bool {
	return s.session != nil && s.session.Authenticated()
}

func (s *Synchronizer) checkActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Synchronizer) activeLocked() error {
	switch s.state {
	case stateNew:
		return ErrNotInitialized
	case stateClosed:
		return ErrClosed
	}
	return nil
}

func (s *Synchronizer) snapshotLocked() ([]cart.Item, []Listener) {
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	return cloneItems(s.items), listeners
}

func notify(listeners []Listener, items []cart.Item) {
	for _, l := range listeners {
		l(cloneItems(items))
	}
}
