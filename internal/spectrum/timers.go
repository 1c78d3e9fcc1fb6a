package spectrum

import "time"

// TimerKind names the three alarms of the spectrum cycle.
type TimerKind int

const (
	// SenseStart fires at the end of a sensing window.
	SenseStart TimerKind = iota
	// SenseStop fires at the end of a transmitting window.
	SenseStop
	// Handoff fires when a channel switch completes.
	Handoff
)

func (k TimerKind) String() string {
	switch k {
	case SenseStart:
		return "sense_start"
	case SenseStop:
		return "sense_stop"
	case Handoff:
		return "handoff"
	default:
		return "unknown"
	}
}

// Scheduler is the slice of the event queue a manager needs. It is owned by
// the simulation driver, not by any manager.
type Scheduler interface {
	Now() time.Duration
	Schedule(at time.Duration, f func()) string
	Cancel(id string)
}

// Timer is a single-shot alarm bound to exactly one transition of its
// manager.
type Timer struct {
	kind TimerKind
	m    *Manager

	id    string
	armed bool
}

func newTimer(kind TimerKind, m *Manager) *Timer {
	return &Timer{kind: kind, m: m}
}

// Kind returns which transition the timer drives.
func (t *Timer) Kind() TimerKind { return t.kind }

// Armed reports whether the timer is waiting to fire.
func (t *Timer) Armed() bool { return t.armed }

// start schedules the timer delay after now.
func (t *Timer) start(delay time.Duration) {
	at := t.m.sched.Now() + delay
	t.armed = true
	t.id = t.m.sched.Schedule(at, t.handle)
}

// stop cancels a pending timer.
func (t *Timer) stop() {
	if !t.armed {
		return
	}
	t.m.sched.Cancel(t.id)
	t.armed = false
	t.id = ""
}

func (t *Timer) handle() {
	if !t.armed {
		return
	}
	t.armed = false
	t.id = ""
	t.m.fire(t.kind)
}
