package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/crahn-simulator/internal/spectrum"
)

// SpectrumCollector bundles Prometheus metrics for the sensing cycle, the
// PU model and the radios. It satisfies the metrics recorder interfaces of
// the pu, spectrum and mac packages.
type SpectrumCollector struct {
	gatherer prometheus.Gatherer

	Senses            *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	Handoffs          *prometheus.CounterVec
	Packets           *prometheus.CounterVec
	Receptions        *prometheus.CounterVec
	Interferences     prometheus.Counter
	InterferencePower prometheus.Histogram

	DetectionRatio         prometheus.Gauge
	NormalizedInterference prometheus.Gauge
}

// NewSpectrumCollector registers spectrum metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSpectrumCollector(reg prometheus.Registerer) (*SpectrumCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	senses, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crahn_senses_total",
		Help: "Spectrum scans performed, labeled by result (free or busy).",
	}, []string{"result"}), "crahn_senses_total")
	if err != nil {
		return nil, err
	}
	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crahn_state_transitions_total",
		Help: "Spectrum manager state transitions, labeled by source and target state.",
	}, []string{"from", "to"}), "crahn_state_transitions_total")
	if err != nil {
		return nil, err
	}
	handoffs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crahn_handoffs_total",
		Help: "Spectrum handoffs, labeled by outcome (switched or blocked).",
	}, []string{"outcome"}), "crahn_handoffs_total")
	if err != nil {
		return nil, err
	}
	packets, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crahn_packets_total",
		Help: "Packet send attempts, labeled by outcome (sent or deferred).",
	}, []string{"outcome"}), "crahn_packets_total")
	if err != nil {
		return nil, err
	}
	receptions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crahn_receptions_total",
		Help: "Packet receptions, labeled by outcome (ok or pu_interfered).",
	}, []string{"outcome"}), "crahn_receptions_total")
	if err != nil {
		return nil, err
	}
	interferences, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crahn_pu_interference_events_total",
		Help: "CR transmissions that interfered with an active PU receiver.",
	}), "crahn_pu_interference_events_total")
	if err != nil {
		return nil, err
	}
	power, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crahn_pu_interference_power_watts",
		Help:    "Received power at the PU receiver for each interference event.",
		Buckets: prometheus.ExponentialBuckets(1e-9, 10, 10),
	}), "crahn_pu_interference_power_watts")
	if err != nil {
		return nil, err
	}
	detection, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crahn_pu_detection_ratio",
		Help: "Fraction of PU activity intervals detected by at least one scan.",
	}), "crahn_pu_detection_ratio")
	if err != nil {
		return nil, err
	}
	normalized, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crahn_pu_normalized_interference",
		Help: "Aggregate PU interference after normalisation.",
	}), "crahn_pu_normalized_interference")
	if err != nil {
		return nil, err
	}

	return &SpectrumCollector{
		gatherer:               gatherer,
		Senses:                 senses,
		Transitions:            transitions,
		Handoffs:               handoffs,
		Packets:                packets,
		Receptions:             receptions,
		Interferences:          interferences,
		InterferencePower:      power,
		DetectionRatio:         detection,
		NormalizedInterference: normalized,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SpectrumCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveScan records one PU scan.
func (c *SpectrumCollector) ObserveScan(busy bool) {
	if c == nil || c.Senses == nil {
		return
	}
	result := "free"
	if busy {
		result = "busy"
	}
	c.Senses.WithLabelValues(result).Inc()
}

// ObserveInterference records one interference event at the given power.
func (c *SpectrumCollector) ObserveInterference(power float64) {
	if c == nil {
		return
	}
	if c.Interferences != nil {
		c.Interferences.Inc()
	}
	if c.InterferencePower != nil {
		c.InterferencePower.Observe(power)
	}
}

// SetStatistics publishes the end-of-run summary values.
func (c *SpectrumCollector) SetStatistics(normalized, detectionRatio float64) {
	if c == nil {
		return
	}
	if c.NormalizedInterference != nil {
		c.NormalizedInterference.Set(normalized)
	}
	if c.DetectionRatio != nil {
		c.DetectionRatio.Set(detectionRatio)
	}
}

// ObserveTransition counts a state change of any node's manager.
func (c *SpectrumCollector) ObserveTransition(from, to spectrum.State) {
	if c == nil || c.Transitions == nil {
		return
	}
	c.Transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// ObserveHandoff counts a handoff decision by whether a free channel was found.
func (c *SpectrumCollector) ObserveHandoff(found bool) {
	if c == nil || c.Handoffs == nil {
		return
	}
	outcome := "switched"
	if !found {
		outcome = "blocked"
	}
	c.Handoffs.WithLabelValues(outcome).Inc()
}

// ObservePacket counts a send attempt.
func (c *SpectrumCollector) ObservePacket(sent bool) {
	if c == nil || c.Packets == nil {
		return
	}
	outcome := "sent"
	if !sent {
		outcome = "deferred"
	}
	c.Packets.WithLabelValues(outcome).Inc()
}

// ObserveReception counts a packet reception.
func (c *SpectrumCollector) ObserveReception(corrupted bool) {
	if c == nil || c.Receptions == nil {
		return
	}
	outcome := "ok"
	if corrupted {
		outcome = "pu_interfered"
	}
	c.Receptions.WithLabelValues(outcome).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
