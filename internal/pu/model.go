package pu

import (
	"context"
	"time"

	"github.com/signalsfoundry/crahn-simulator/internal/geo"
	"github.com/signalsfoundry/crahn-simulator/internal/logging"
	"github.com/signalsfoundry/crahn-simulator/internal/repository"
	"github.com/signalsfoundry/crahn-simulator/timectrl"
)

const (
	// DefaultRxSensitivity is the receiver threshold (W) above which CR
	// power at a PU receiver counts as an interference event.
	DefaultRxSensitivity = 3.652e-10

	// interferenceNormalizer scales the aggregate interference into the
	// reported summary value.
	interferenceNormalizer = 1000.0 / (100 * 27)
)

// Rand is the source of uniform draws in [0,1).
type Rand interface {
	Float64() float64
}

// NodeLocator resolves a CR node's current position. Node mobility is owned
// by the caller; the model only reads positions.
type NodeLocator interface {
	Position(node int) (geo.Point, bool)
}

// MetricsRecorder receives sensing and interference observations.
type MetricsRecorder interface {
	ObserveScan(busy bool)
	ObserveInterference(power float64)
	SetStatistics(normalizedInterference, detectionRatio float64)
}

// Model answers PU activity queries, refreshes the repository's busy/free
// table on behalf of sensing nodes, and accumulates interference and
// detection statistics.
type Model struct {
	pus   []*PrimaryUser
	repo  *repository.Repository
	clock timectrl.SimClock
	nodes NodeLocator
	rng   Rand

	log         logging.Logger
	sink        StatsSink
	metrics     MetricsRecorder
	sensitivity float64

	interferenceEvents int
	interferencePower  float64
}

// ModelOption customises Model construction.
type ModelOption func(*Model)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) ModelOption {
	return func(m *Model) {
		m.log = logging.OrNoop(l)
	}
}

// WithStatsSink sends interference events and summaries to sink.
func WithStatsSink(sink StatsSink) ModelOption {
	return func(m *Model) {
		m.sink = sink
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(r MetricsRecorder) ModelOption {
	return func(m *Model) {
		m.metrics = r
	}
}

// WithRxSensitivity overrides the interference threshold in watts.
func WithRxSensitivity(w float64) ModelOption {
	return func(m *Model) {
		if w > 0 {
			m.sensitivity = w
		}
	}
}

// NewModel wires the PU set to the shared repository. The PU records are
// owned by the model from here on; only their detection flags change.
func NewModel(pus []*PrimaryUser, repo *repository.Repository, clock timectrl.SimClock, nodes NodeLocator, rng Rand, opts ...ModelOption) *Model {
	m := &Model{
		pus:         pus,
		repo:        repo,
		clock:       clock,
		nodes:       nodes,
		rng:         rng,
		log:         logging.Noop(),
		sensitivity: DefaultRxSensitivity,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, p := range m.pus {
		if len(p.detected) != len(p.Intervals) {
			p.ResetDetection()
		}
	}
	return m
}

// PrimaryUsers returns the loaded PU records. Callers must treat them as
// read-only.
func (m *Model) PrimaryUsers() []*PrimaryUser { return m.pus }

// IsActive reports whether PU index pu transmits at any point of
// [t0, t0+d], marking the matching interval as detected.
func (m *Model) IsActive(pu int, t0, d time.Duration) bool {
	if pu < 0 || pu >= len(m.pus) {
		return false
	}
	return m.pus[pu].IsActive(t0, d)
}

// ScanActivity performs one sensing pass for node over [t0, t0+d].
//
// Every channel of node is first reset to free. Then each PU whose
// transmitter is within its radius of the node is checked; a true detection
// is dropped with probability misdetect (one draw per in-range PU). Detected
// PUs mark their channel busy. The return value is whether channel is busy
// once all PUs are processed.
func (m *Model) ScanActivity(node int, t0, d time.Duration, channel int, misdetect float64) bool {
	m.repo.ResetNode(node, t0)

	pos, ok := m.nodes.Position(node)
	if !ok {
		m.log.Warn(context.Background(), "scan for node without position", logging.Node(node))
		return false
	}

	for _, p := range m.pus {
		if !pos.Within(p.Tx, p.Radius) {
			continue
		}
		active := p.IsActive(t0, d)
		if m.missed(misdetect) && active {
			active = false
		}
		if active {
			m.repo.SetChannelBusy(node, p.Channel, t0)
		}
	}

	busy := !m.repo.IsChannelFree(node, channel)
	if m.metrics != nil {
		m.metrics.ObserveScan(busy)
	}
	return busy
}

// missed draws one misdetection decision. Without a random source only the
// certain outcomes apply.
func (m *Model) missed(misdetect float64) bool {
	if m.rng == nil {
		return misdetect >= 1
	}
	return m.rng.Float64() < misdetect
}

// UpdateInterference accounts for a CR transmission of txDuration starting
// now at txPower watts. Each PU receiver on the node's current channel that
// is inside the PU radius and active during the transmission receives
// free-space power; above the sensitivity threshold it counts as an
// interference event.
func (m *Model) UpdateInterference(node int, txPower float64, txDuration time.Duration) int {
	pos, ok := m.nodes.Position(node)
	if !ok {
		return 0
	}
	now := m.clock.Now()
	channel := m.repo.RecvChannel(node)
	lambda := geo.Wavelength(m.repo.ChannelFrequency(channel))

	events := 0
	for _, p := range m.pus {
		if p.Channel != channel {
			continue
		}
		d := pos.DistanceTo(p.Rx)
		if d >= p.Radius {
			continue
		}
		if !p.activeDuring(now, txDuration) {
			continue
		}
		power := geo.FriisReceivedPower(txPower, lambda, d)
		if power <= m.sensitivity {
			continue
		}

		m.interferenceEvents++
		m.interferencePower += power * txDuration.Seconds()
		events++

		if m.metrics != nil {
			m.metrics.ObserveInterference(power)
		}
		if m.sink != nil {
			ev := InterferenceEvent{Time: now, Node: node, Index: m.interferenceEvents, Power: power}
			if err := m.sink.RecordInterference(ev); err != nil {
				m.log.Warn(context.Background(), "failed to record interference event",
					logging.Node(node), logging.Err(err))
			}
		}
	}
	return events
}

// InterferenceEvents returns the number of interference events so far.
func (m *Model) InterferenceEvents() int { return m.interferenceEvents }

// Statistics computes the run summaries without emitting them.
//
// The detection ratio counts intervals that overlapped a sensing window.
// Transmissions checked by UpdateInterference do not mark intervals, so the
// ratio can be lower than one that also counts PU activity met while
// transmitting.
func (m *Model) Statistics(runLabel string) Summary {
	s := Summary{RunLabel: runLabel, InterferenceEvents: m.interferenceEvents}
	if m.interferenceEvents > 0 {
		s.NormalizedInterference = m.interferencePower * interferenceNormalizer
	}

	for _, p := range m.pus {
		s.ActivityIntervals += len(p.Intervals)
		s.DetectedIntervals += p.DetectedCount()
	}
	if s.ActivityIntervals > 0 {
		s.DetectionRatio = float64(s.DetectedIntervals) / float64(s.ActivityIntervals)
	}
	return s
}

// WriteStatistics emits the interference and detection summaries for
// runLabel to the configured sink and metrics.
func (m *Model) WriteStatistics(runLabel string) (Summary, error) {
	s := m.Statistics(runLabel)
	if m.metrics != nil {
		m.metrics.SetStatistics(s.NormalizedInterference, s.DetectionRatio)
	}
	if m.sink != nil {
		if err := m.sink.WriteSummary(s); err != nil {
			return s, err
		}
	}
	return s, nil
}
