// Package pu models licensed primary users: where they are, when they
// transmit, and whether a cognitive radio's sensing window or transmission
// overlaps that activity.
package pu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/signalsfoundry/crahn-simulator/internal/dataset"
	"github.com/signalsfoundry/crahn-simulator/internal/geo"
	"github.com/signalsfoundry/crahn-simulator/timectrl"
)

const (
	// DefaultMaxPUs bounds the number of PUs in a dataset.
	DefaultMaxPUs = 100
	// DefaultMaxIntervals bounds the activity intervals of a single PU.
	DefaultMaxIntervals = 10000
)

var (
	// ErrBadDataset wraps any unreadable or out-of-range dataset field.
	ErrBadDataset = errors.New("invalid PU dataset")

	// ErrTooManyPUs reports a PU count beyond Limits.MaxPUs.
	ErrTooManyPUs = errors.New("too many primary users")

	// ErrTooManyIntervals reports an activity list beyond Limits.MaxIntervals.
	ErrTooManyIntervals = errors.New("too many PU activity intervals")

	// ErrUnsortedIntervals reports activity intervals that are inverted,
	// unsorted or overlapping.
	ErrUnsortedIntervals = errors.New("PU activity intervals unsorted or overlapping")
)

// maxSeconds is the largest time a time.Duration can hold, in seconds.
var maxSeconds = float64(math.MaxInt64) / float64(time.Second)

// Interval is one ON period of a primary user, in simulated time.
type Interval struct {
	Arrival   time.Duration
	Departure time.Duration
}

// PrimaryUser is one licensed transmitter/receiver pair.
type PrimaryUser struct {
	ID      int
	Channel int
	Tx      geo.Point
	Rx      geo.Point
	// Path-loss parameters carried by the dataset. No current algorithm
	// reads them.
	Alpha, Beta float64
	// Radius within which the PU's activity is detectable and can be
	// interfered with.
	Radius    float64
	Intervals []Interval

	// detected[i] is set once Intervals[i] overlapped a sensing window.
	detected []bool
}

// IsActive reports whether [t0, t0+d] overlaps any activity interval, and
// marks the overlapping interval as detected.
//
// Intervals are sorted and disjoint, so the scan stops at the first interval
// that starts after the window ends.
func (p *PrimaryUser) IsActive(t0, d time.Duration) bool {
	i, ok := p.overlapping(t0, d)
	if !ok {
		return false
	}
	if p.detected == nil {
		p.detected = make([]bool, len(p.Intervals))
	}
	p.detected[i] = true
	return true
}

// activeDuring is IsActive without the detection side effect.
func (p *PrimaryUser) activeDuring(t0, d time.Duration) bool {
	_, ok := p.overlapping(t0, d)
	return ok
}

func (p *PrimaryUser) overlapping(t0, d time.Duration) (int, bool) {
	end := t0 + d
	for i, iv := range p.Intervals {
		// Sorted by arrival: nothing later can reach back into the window.
		if iv.Arrival > end {
			break
		}
		// Arrival <= end here, so the interval overlaps iff it has not
		// departed before the window opens. Both boundaries count.
		if iv.Departure >= t0 {
			return i, true
		}
	}
	return -1, false
}

// Detected reports whether interval i was ever sensed.
func (p *PrimaryUser) Detected(i int) bool {
	return i >= 0 && i < len(p.detected) && p.detected[i]
}

// DetectedCount returns how many intervals were sensed at least once.
func (p *PrimaryUser) DetectedCount() int {
	n := 0
	for _, d := range p.detected {
		if d {
			n++
		}
	}
	return n
}

// ResetDetection clears every detected flag.
func (p *PrimaryUser) ResetDetection() {
	p.detected = make([]bool, len(p.Intervals))
}

// Limits bounds what a dataset may declare.
type Limits struct {
	MaxPUs       int
	MaxIntervals int
	// MaxChannels bounds PU channel ids; zero disables the check.
	MaxChannels int
}

// DefaultLimits mirrors the reference CRAHN setup.
func DefaultLimits() Limits {
	return Limits{MaxPUs: DefaultMaxPUs, MaxIntervals: DefaultMaxIntervals}
}

// Load parses a PU dataset:
//
//	<number of PUs>
//	<channel> <tx_x> <tx_y> <rx_x> <rx_y> <alpha> <beta> <radius>   (one per PU)
//	<count> <arrival> <departure> ...                               (one block per PU)
//
// Times are in seconds and must be finite, non-negative and representable as
// a time.Duration. Any read error, a count beyond lim, or an interval list
// that is not sorted and disjoint is a configuration error.
func Load(r io.Reader, lim Limits) ([]*PrimaryUser, error) {
	tok := dataset.NewTokens(r)

	n, err := tok.Int("PU count")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDataset, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative PU count %d", ErrBadDataset, n)
	}
	if lim.MaxPUs > 0 && n > lim.MaxPUs {
		return nil, fmt.Errorf("%w: %d declared, max allowed is %d", ErrTooManyPUs, n, lim.MaxPUs)
	}

	pus := make([]*PrimaryUser, n)
	for i := 0; i < n; i++ {
		p, err := readGeometry(tok, i)
		if err != nil {
			return nil, err
		}
		if lim.MaxChannels > 0 && (p.Channel < 0 || p.Channel >= lim.MaxChannels) {
			return nil, fmt.Errorf("%w: PU %d on channel %d, max %d", ErrBadDataset, i, p.Channel, lim.MaxChannels)
		}
		pus[i] = p
	}

	for i, p := range pus {
		count, err := tok.Int("activity count")
		if err != nil {
			return nil, fmt.Errorf("%w: PU %d: %v", ErrBadDataset, i, err)
		}
		if count < 0 {
			return nil, fmt.Errorf("%w: PU %d: negative activity count", ErrBadDataset, i)
		}
		if lim.MaxIntervals > 0 && count > lim.MaxIntervals {
			return nil, fmt.Errorf("%w: PU %d declares %d, max allowed is %d", ErrTooManyIntervals, i, count, lim.MaxIntervals)
		}
		p.Intervals = make([]Interval, count)
		for j := 0; j < count; j++ {
			a, err := readTime(tok, "arrival")
			if err != nil {
				return nil, fmt.Errorf("%w: PU %d interval %d: %v", ErrBadDataset, i, j, err)
			}
			d, err := readTime(tok, "departure")
			if err != nil {
				return nil, fmt.Errorf("%w: PU %d interval %d: %v", ErrBadDataset, i, j, err)
			}
			p.Intervals[j] = Interval{Arrival: a, Departure: d}
		}
		if err := validateIntervals(p.Intervals); err != nil {
			return nil, fmt.Errorf("PU %d: %w", i, err)
		}
		p.detected = make([]bool, count)
	}

	if !tok.Done() {
		return nil, fmt.Errorf("%w: trailing data after %d PUs", ErrBadDataset, n)
	}
	return pus, nil
}

func readGeometry(tok *dataset.Tokens, i int) (*PrimaryUser, error) {
	wrap := func(err error) error {
		return fmt.Errorf("%w: PU %d record: %v", ErrBadDataset, i, err)
	}
	p := &PrimaryUser{ID: i}
	var err error
	if p.Channel, err = tok.Int("channel"); err != nil {
		return nil, wrap(err)
	}
	fields := []*float64{&p.Tx.X, &p.Tx.Y, &p.Rx.X, &p.Rx.Y, &p.Alpha, &p.Beta, &p.Radius}
	names := []string{"tx_x", "tx_y", "rx_x", "rx_y", "alpha", "beta", "radius"}
	for k, dst := range fields {
		if *dst, err = tok.Finite(names[k]); err != nil {
			return nil, wrap(err)
		}
	}
	if p.Radius < 0 {
		return nil, fmt.Errorf("%w: PU %d has negative radius", ErrBadDataset, i)
	}
	return p, nil
}

// readTime reads seconds that must fit a non-negative time.Duration.
func readTime(tok *dataset.Tokens, what string) (time.Duration, error) {
	s, err := tok.Finite(what)
	if err != nil {
		return 0, err
	}
	if s < 0 || s >= maxSeconds {
		return 0, fmt.Errorf("line %d: %s %v outside [0, %.0f) seconds", tok.Line(), what, s, maxSeconds)
	}
	return timectrl.FromSeconds(s), nil
}

// validateIntervals enforces the precondition IsActive's early exit relies on.
func validateIntervals(ivs []Interval) error {
	for j, iv := range ivs {
		if iv.Departure < iv.Arrival {
			return fmt.Errorf("%w: interval %d departs before it arrives", ErrUnsortedIntervals, j)
		}
		if j > 0 && iv.Arrival < ivs[j-1].Departure {
			return fmt.Errorf("%w: interval %d starts before interval %d ends", ErrUnsortedIntervals, j, j-1)
		}
	}
	return nil
}

// Write emits pus in the format Load reads. Reloading the output yields the
// same records and intervals in the same order.
func Write(w io.Writer, pus []*PrimaryUser) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\n", len(pus))
	for _, p := range pus {
		fmt.Fprintf(bw, "%d %s %s %s %s %s %s %s\n",
			p.Channel,
			formatFloat(p.Tx.X), formatFloat(p.Tx.Y),
			formatFloat(p.Rx.X), formatFloat(p.Rx.Y),
			formatFloat(p.Alpha), formatFloat(p.Beta),
			formatFloat(p.Radius),
		)
	}
	for _, p := range pus {
		fmt.Fprintf(bw, "%d", len(p.Intervals))
		for _, iv := range p.Intervals {
			fmt.Fprintf(bw, " %s %s", formatFloat(iv.Arrival.Seconds()), formatFloat(iv.Departure.Seconds()))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
