package sched

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/crahn-simulator/timectrl"
)

// EventScheduler is the discrete-event queue that drives a simulation run.
// It owns simulated time: the clock only moves when the next event is
// dequeued, and it jumps straight to that event's time.
//
// Events are kept ordered by time; events scheduled for the same instant run
// in the order they were scheduled. Callbacks run one at a time and may
// schedule further events, including at the current instant.
//
// EventScheduler implements timectrl.SimClock.
type EventScheduler struct {
	pacer *timectrl.Pacer

	mu         sync.Mutex
	now        time.Duration
	counter    uint64
	dispatched uint64
	events     []*scheduledEvent // ordered by 'when' (earliest first)
	index      map[string]*scheduledEvent
}

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	when      time.Duration
	f         func()
	cancelled bool
}

// Option customises EventScheduler construction.
type Option func(*EventScheduler)

// WithPacer holds each event back according to the pacer's mode.
func WithPacer(p *timectrl.Pacer) Option {
	return func(s *EventScheduler) {
		s.pacer = p
	}
}

// WithStart sets the initial simulation time.
func WithStart(t time.Duration) Option {
	return func(s *EventScheduler) {
		s.now = t
	}
}

// New creates an empty scheduler at simulation time zero.
func New(opts ...Option) *EventScheduler {
	s := &EventScheduler{
		index: make(map[string]*scheduledEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the current simulation time.
func (s *EventScheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule registers a callback to run at simulation time 'at'. Times in the
// past are clamped to now. It returns an opaque event ID usable with Cancel.
func (s *EventScheduler) Schedule(at time.Duration, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at < s.now {
		at = s.now
	}

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)

	ev := &scheduledEvent{
		id:   id,
		when: at,
		f:    f,
	}
	s.addEventLocked(ev)
	s.index[id] = ev

	return id
}

// After schedules f to run d after the current simulation time.
func (s *EventScheduler) After(d time.Duration, f func()) string {
	return s.Schedule(s.Now()+d, f)
}

// addEventLocked inserts an event after every event scheduled at or before
// the same time, so equal-time events keep insertion order.
// Caller must hold s.mu lock.
func (s *EventScheduler) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when > ev.when
	})

	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

// Cancel marks a previously scheduled event as cancelled. It is a no-op if
// the ID is unknown or the event already ran.
func (s *EventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
	// Removal from s.events is lazy; popLocked skips cancelled events.
}

// Pending returns the number of events that are scheduled and not cancelled.
func (s *EventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Dispatched returns how many callbacks have run so far.
func (s *EventScheduler) Dispatched() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatched
}

// NextTime reports the time of the earliest live event.
func (s *EventScheduler) NextTime() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if !ev.cancelled {
			return ev.when, true
		}
	}
	return 0, false
}

// popLocked removes and returns the earliest live event with when <= limit,
// or nil. Caller must hold s.mu lock.
func (s *EventScheduler) popLocked(limit time.Duration) *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events[0] = nil
			s.events = s.events[1:]
			continue
		}
		if ev.when > limit {
			return nil
		}
		s.events[0] = nil
		s.events = s.events[1:]
		delete(s.index, ev.id)
		return ev
	}
	return nil
}

// Step dequeues the earliest event, advances the clock to its time and runs
// it. It returns false when the queue is empty.
func (s *EventScheduler) Step() bool {
	s.mu.Lock()
	ev := s.popLocked(time.Duration(math.MaxInt64))
	if ev == nil {
		s.mu.Unlock()
		return false
	}
	s.now = ev.when
	s.dispatched++
	s.mu.Unlock()

	// Execute callback outside the lock so it can schedule follow-ups.
	if ev.f != nil {
		ev.f()
	}
	return true
}

// RunUntil processes every event scheduled at or before end, in time order,
// then leaves the clock at end. It stops early if ctx is cancelled or the
// pacer reports an error.
func (s *EventScheduler) RunUntil(ctx context.Context, end time.Duration) error {
	for {
		s.mu.Lock()
		ev := s.popLocked(end)
		if ev == nil {
			if s.now < end {
				s.now = end
			}
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		if err := s.pacer.Wait(ctx, ev.when); err != nil {
			// Put the event back so a later call can resume where we stopped.
			s.mu.Lock()
			s.index[ev.id] = ev
			s.events = append([]*scheduledEvent{ev}, s.events...)
			s.mu.Unlock()
			return err
		}

		s.mu.Lock()
		s.now = ev.when
		s.dispatched++
		s.mu.Unlock()

		if ev.f != nil {
			ev.f()
		}
	}
}
