package events

import (
	"sync"
	"sync/atomic"
)

// Subscription is a handle to one registered handler.
type Subscription struct {
	active atomic.Bool
	remove func()
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.active.CompareAndSwap(true, false) {
		s.remove()
	}
}

func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

type Handler[T any] func(Event[T])

type streamSub[T any] struct {
	handler Handler[T]
	sub     *Subscription
}

// Stream is a single-type publish-subscribe channel. Handlers run
// synchronously in the publisher's goroutine, in registration order, so a
// slow handler stalls the publisher rather than reordering delivery.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   []*streamSub[T]
	tap    *Tap
	closed bool
}

// NewStream builds a stream. tap may be nil; when set, every published
// event is also forwarded to it as a type-erased Envelope.
func NewStream[T any](tap *Tap) *Stream[T] {
	return &Stream[T]{tap: tap}
}

// Subscribe registers a handler. Handlers registered earlier see each event
// first.
func (s *Stream[T]) Subscribe(h Handler[T]) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription{}
	sub.active.Store(true)
	entry := &streamSub[T]{handler: h, sub: sub}
	sub.remove = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.subs {
			if e == entry {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}

	if s.closed {
		// A closed stream accepts no more handlers.
		sub.active.Store(false)
		return sub
	}
	s.subs = append(s.subs, entry)
	return sub
}

// Publish delivers ev to every active handler, then forwards it to the tap.
// Publishing on a closed stream is a no-op.
func (s *Stream[T]) Publish(ev Event[T]) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	snapshot := make([]*streamSub[T], len(s.subs))
	copy(snapshot, s.subs)
	tap := s.tap
	s.mu.Unlock()

	for _, entry := range snapshot {
		if entry.sub.IsActive() {
			entry.handler(ev)
		}
	}
	if tap != nil {
		tap.forward(envelope(ev))
	}
}

// Close detaches every subscription and refuses further ones.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, entry := range s.subs {
		entry.sub.active.Store(false)
	}
	s.subs = nil
}

// Tap observes every event published on the streams attached to it,
// type-erased. The archive service hangs off one of these.
type Tap struct {
	mu  sync.Mutex
	fns []*tapSub
}

type tapSub struct {
	fn  func(Envelope)
	sub *Subscription
}

func NewTap() *Tap {
	return &Tap{}
}

// Attach registers a firehose observer.
func (t *Tap) Attach(fn func(Envelope)) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &Subscription{}
	sub.active.Store(true)
	entry := &tapSub{fn: fn, sub: sub}
	sub.remove = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, e := range t.fns {
			if e == entry {
				t.fns = append(t.fns[:i], t.fns[i+1:]...)
				return
			}
		}
	}
	t.fns = append(t.fns, entry)
	return sub
}

func (t *Tap) forward(env Envelope) {
	t.mu.Lock()
	snapshot := make([]*tapSub, len(t.fns))
	copy(snapshot, t.fns)
	t.mu.Unlock()

	for _, entry := range snapshot {
		if entry.sub.IsActive() {
			entry.fn(env)
		}
	}
}
