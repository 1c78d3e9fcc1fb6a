package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes event-queue metrics for the simulation driver.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	EventsDispatched prometheus.Counter
	QueueDepth       prometheus.Gauge
	SimTimeSeconds   prometheus.Gauge
	PacingLag        prometheus.Histogram

	lastDispatched uint64
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	dispatched := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crahn_scheduler_events_dispatched_total",
		Help: "Cumulative number of simulation events executed.",
	})
	dispatched, err := registerCounter(reg, dispatched, "crahn_scheduler_events_dispatched_total")
	if err != nil {
		return nil, err
	}

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crahn_scheduler_queue_depth",
		Help: "Number of live events waiting in the simulation queue.",
	})
	depth, err = registerGauge(reg, depth, "crahn_scheduler_queue_depth")
	if err != nil {
		return nil, err
	}

	simTime := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crahn_scheduler_sim_time_seconds",
		Help: "Current simulated time.",
	})
	simTime, err = registerGauge(reg, simTime, "crahn_scheduler_sim_time_seconds")
	if err != nil {
		return nil, err
	}

	lag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crahn_scheduler_wall_seconds_per_sample",
		Help:    "Wall-clock time spent between two scheduler samples.",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})
	lag, err = registerHistogram(reg, lag, "crahn_scheduler_wall_seconds_per_sample")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:         gatherer,
		EventsDispatched: dispatched,
		QueueDepth:       depth,
		SimTimeSeconds:   simTime,
		PacingLag:        lag,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Sample records the queue state. dispatched is the scheduler's cumulative
// count; only the delta since the previous sample is added to the counter.
func (c *SchedulerCollector) Sample(now time.Duration, pending int, dispatched uint64, wall time.Duration) {
	if c == nil {
		return
	}
	if c.EventsDispatched != nil && dispatched > c.lastDispatched {
		c.EventsDispatched.Add(float64(dispatched - c.lastDispatched))
	}
	c.lastDispatched = dispatched
	if c.QueueDepth != nil {
		c.QueueDepth.Set(float64(pending))
	}
	if c.SimTimeSeconds != nil {
		c.SimTimeSeconds.Set(now.Seconds())
	}
	if c.PacingLag != nil && wall >= 0 {
		c.PacingLag.Observe(wall.Seconds())
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
