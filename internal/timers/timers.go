// Package timers provides cancellable deferred callbacks: a Singleton that
// holds at most one pending timer, and a Bag of independent timers that can be
// cancelled one at a time or all together.
package timers

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Singleton holds at most one pending timer. Starting a new one cancels the
// previous; a superseded timer never runs its callback.
type Singleton struct {
	clock clockwork.Clock

	mu      sync.Mutex
	timer   clockwork.Timer
	gen     uint64
	pending bool
}

// NewSingleton creates an empty singleton slot driven by clock.
func NewSingleton(clock clockwork.Clock) *Singleton {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Singleton{clock: clock}
}

// Start schedules cb after delay, replacing any pending timer.
func (s *Singleton) Start(cb func(), delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.pending = true
	s.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if !s.pending || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.timer = nil
		s.mu.Unlock()
		cb()
	})
}

// Cancel stops the pending timer, if any. Safe to call when empty.
func (s *Singleton) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.pending = false
}

// Pending reports whether a timer is scheduled and has not fired.
func (s *Singleton) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Handle identifies a timer inside a Bag.
type Handle uint64

// Bag holds any number of independent timers.
type Bag struct {
	clock clockwork.Clock

	mu     sync.Mutex
	next   Handle
	timers map[Handle]clockwork.Timer
}

// NewBag creates an empty bag driven by clock.
func NewBag(clock clockwork.Clock) *Bag {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bag{clock: clock, timers: make(map[Handle]clockwork.Timer)}
}

// StartIndependent schedules cb after delay without touching other timers in
// the bag. The returned handle can be passed to CancelOne.
func (b *Bag) StartIndependent(cb func(), delay time.Duration) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	h := b.next
	b.timers[h] = b.clock.AfterFunc(delay, func() {
		b.mu.Lock()
		if _, ok := b.timers[h]; !ok {
			b.mu.Unlock()
			return
		}
		delete(b.timers, h)
		b.mu.Unlock()
		cb()
	})
	return h
}

// CancelOne stops a single timer. It reports false when the handle is unknown
// or the timer already fired.
func (b *Bag) CancelOne(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.timers[h]
	if !ok {
		return false
	}
	t.Stop()
	delete(b.timers, h)
	return true
}

// CancelAll stops every pending timer and empties the bag.
func (b *Bag) CancelAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.timers)
	for h, t := range b.timers {
		t.Stop()
		delete(b.timers, h)
	}
	return n
}

// Len returns the number of pending timers.
func (b *Bag) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}
