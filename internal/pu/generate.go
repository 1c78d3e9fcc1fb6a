package pu

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/crahn-simulator/internal/geo"
	"github.com/signalsfoundry/crahn-simulator/timectrl"
)

// GenerateConfig parameterises a synthetic PU dataset. Each PU alternates
// exponentially distributed OFF and ON periods until Horizon.
type GenerateConfig struct {
	NumPUs    int
	Channels  int // PUs are spread round-robin over data channels [1, Channels)
	AreaX     float64
	AreaY     float64
	Radius    float64
	RxOffset  float64 // receiver placed this far from the transmitter
	MeanOn    time.Duration
	MeanOff   time.Duration
	Horizon   time.Duration
	Alpha     float64
	Beta      float64
	MaxEvents int // per-PU cap; zero means DefaultMaxIntervals
}

var ErrBadGenerateConfig = errors.New("invalid PU generator config")

// Generate draws a PU set from rng. The result always satisfies the
// ordering Load validates.
func Generate(cfg GenerateConfig, rng Rand) ([]*PrimaryUser, error) {
	switch {
	case cfg.NumPUs < 0:
		return nil, fmt.Errorf("%w: negative PU count", ErrBadGenerateConfig)
	case cfg.Channels < 2:
		return nil, fmt.Errorf("%w: need at least one data channel", ErrBadGenerateConfig)
	case cfg.MeanOn <= 0 || cfg.MeanOff <= 0:
		return nil, fmt.Errorf("%w: mean ON/OFF durations must be positive", ErrBadGenerateConfig)
	case cfg.Horizon <= 0:
		return nil, fmt.Errorf("%w: horizon must be positive", ErrBadGenerateConfig)
	case rng == nil:
		return nil, fmt.Errorf("%w: nil random source", ErrBadGenerateConfig)
	}
	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = DefaultMaxIntervals
	}

	pus := make([]*PrimaryUser, cfg.NumPUs)
	for i := range pus {
		tx := geo.Point{X: rng.Float64() * cfg.AreaX, Y: rng.Float64() * cfg.AreaY}
		angle := rng.Float64() * 2 * math.Pi
		p := &PrimaryUser{
			ID:      i,
			Channel: 1 + i%(cfg.Channels-1),
			Tx:      tx,
			Rx: geo.Point{
				X: tx.X + cfg.RxOffset*math.Cos(angle),
				Y: tx.Y + cfg.RxOffset*math.Sin(angle),
			},
			Alpha:  cfg.Alpha,
			Beta:   cfg.Beta,
			Radius: cfg.Radius,
		}

		var t time.Duration
		for len(p.Intervals) < maxEvents {
			t += exponential(rng, cfg.MeanOff)
			if t >= cfg.Horizon {
				break
			}
			on := exponential(rng, cfg.MeanOn)
			end := t + on
			if end > cfg.Horizon {
				end = cfg.Horizon
			}
			p.Intervals = append(p.Intervals, Interval{Arrival: t, Departure: end})
			t = end
		}
		p.ResetDetection()
		pus[i] = p
	}
	return pus, nil
}

// exponential draws from an exponential distribution with the given mean,
// quantised to milliseconds so datasets stay readable.
func exponential(rng Rand, mean time.Duration) time.Duration {
	u := rng.Float64()
	s := -mean.Seconds() * math.Log(1-u)
	d := timectrl.FromSeconds(s).Round(time.Millisecond)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
