package timectrl

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// SimClock is an interface for reading simulated time. Simulated time is the
// elapsed duration since the start of the run; every component that needs
// "now" (the PU model, the spectrum managers, the radios) depends on this
// abstraction rather than on the concrete event scheduler.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Duration
}

// Mode describes how a run paces simulated time against the wall clock.
type Mode int

const (
	// Accelerated processes events as quickly as the loop can run.
	Accelerated Mode = iota
	// RealTime holds each event back until the wall clock catches up with it.
	RealTime
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	default:
		return "accelerated"
	}
}

// ParseMode maps a configuration string onto a Mode. The empty string selects
// Accelerated.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accelerated", "fast":
		return Accelerated, nil
	case "realtime", "real-time", "wallclock":
		return RealTime, nil
	default:
		return Accelerated, fmt.Errorf("unknown pacing mode %q", s)
	}
}

// Seconds converts a simulated duration into floating-point seconds, the unit
// used by every on-disk dataset.
func Seconds(d time.Duration) float64 {
	return d.Seconds()
}

// FromSeconds converts floating-point seconds into a simulated duration,
// rounding to the nearest nanosecond so Seconds/FromSeconds round-trips.
func FromSeconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// ManualClock is a SimClock whose time only moves when told to. It is used
// by tests that fire state-machine transitions without a scheduler.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Duration
}

// NewManualClock constructs a clock reading start.
func NewManualClock(start time.Duration) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current simulation time. Implements SimClock.
func (c *ManualClock) Now() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t. Time never goes backwards.
func (c *ManualClock) Set(t time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Pacer couples simulated time to the wall clock according to its Mode.
type Pacer struct {
	Mode Mode

	once  sync.Once
	start time.Time
	now   func() time.Time
}

// NewPacer constructs a pacer for the given mode.
func NewPacer(mode Mode) *Pacer {
	return &Pacer{Mode: mode, now: time.Now}
}

// Wait blocks until the wall clock has caught up with simTime in RealTime
// mode. In Accelerated mode it only checks for cancellation.
func (p *Pacer) Wait(ctx context.Context, simTime time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.Mode != RealTime {
		return nil
	}
	p.once.Do(func() {
		if p.now == nil {
			p.now = time.Now
		}
		p.start = p.now()
	})

	delay := p.start.Add(simTime).Sub(p.now())
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
