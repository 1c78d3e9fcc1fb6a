package mac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/crahn-simulator/internal/logging"
)

const (
	DefaultTxPower        = 0.1
	DefaultPacketInterval = 50 * time.Millisecond
	DefaultPacketTxTime   = 2 * time.Millisecond
)

// ErrBadTraffic indicates invalid traffic settings.
var ErrBadTraffic = errors.New("invalid traffic config")

// Traffic configures packet generation.
type Traffic struct {
	// TxPower is the transmit power in watts.
	TxPower        float64
	PacketInterval time.Duration
	PacketTxTime   time.Duration
}

// DefaultTraffic returns the stock traffic profile.
func DefaultTraffic() Traffic {
	return Traffic{
		TxPower:        DefaultTxPower,
		PacketInterval: DefaultPacketInterval,
		PacketTxTime:   DefaultPacketTxTime,
	}
}

// Validate checks that the profile can drive a periodic sender.
func (t Traffic) Validate() error {
	if t.TxPower < 0 {
		return fmt.Errorf("%w: negative tx power", ErrBadTraffic)
	}
	if t.PacketInterval <= 0 || t.PacketTxTime <= 0 {
		return fmt.Errorf("%w: packet interval and tx time must be positive", ErrBadTraffic)
	}
	return nil
}

// Scheduler is the event queue the radio uses for its send loop.
type Scheduler interface {
	Now() time.Duration
	Schedule(at time.Duration, f func()) string
	Cancel(id string)
}

// Spectrum is the spectrum-manager surface a radio consults.
type Spectrum interface {
	IsChannelAvailable() bool
	IsChannelSwitching() bool
	IsPuInterfering(txTime time.Duration) bool
	UpdatePuInterference(txPower float64, txDuration time.Duration) int
}

// SendTable is the repository surface for the send-liveness table.
type SendTable interface {
	RecvChannel(node int) int
	UpdateSendChannel(node, ch int, now time.Duration) error
}

// MetricsRecorder receives radio observations.
type MetricsRecorder interface {
	ObservePacket(sent bool)
	ObserveReception(corrupted bool)
}

// Stats are per-radio counters.
type Stats struct {
	Sent          int
	Deferred      int
	Received      int
	Corrupted     int
	Interferences int
	Handoffs      int
	BackoffChecks int
}

// Radio is a per-node packet source and sink. It implements the MAC
// callbacks of the spectrum manager.
type Radio struct {
	node    int
	traffic Traffic
	sched   Scheduler
	table   SendTable
	medium  *Medium
	spec    Spectrum

	log     logging.Logger
	metrics MetricsRecorder

	nextID  string
	backoff bool
	stats   Stats
}

// RadioOption customises a Radio.
type RadioOption func(*Radio)

// WithRadioLogger attaches a logger.
func WithRadioLogger(l logging.Logger) RadioOption {
	return func(r *Radio) { r.log = logging.OrNoop(l) }
}

// WithRadioMetrics attaches a metrics recorder.
func WithRadioMetrics(m MetricsRecorder) RadioOption {
	return func(r *Radio) { r.metrics = m }
}

// NewRadio builds the radio for node. The spectrum manager is attached
// later with Attach since the manager itself needs the radio.
func NewRadio(node int, traffic Traffic, sched Scheduler, table SendTable, medium *Medium, opts ...RadioOption) (*Radio, error) {
	if err := traffic.Validate(); err != nil {
		return nil, err
	}
	r := &Radio{
		node:    node,
		traffic: traffic,
		sched:   sched,
		table:   table,
		medium:  medium,
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logging.Node(node))
	if medium != nil {
		medium.join(r)
	}
	return r, nil
}

// Attach binds the spectrum manager that gates this radio.
func (r *Radio) Attach(s Spectrum) { r.spec = s }

// Node returns the radio's node id.
func (r *Radio) Node() int { return r.node }

// Stats returns a copy of the counters.
func (r *Radio) Stats() Stats { return r.stats }

// InBackoff reports whether the radio is holding traffic.
func (r *Radio) InBackoff() bool { return r.backoff }

// Start arms the periodic send loop. The first attempt happens one packet
// interval after now.
func (r *Radio) Start() {
	if r.nextID != "" {
		return
	}
	r.scheduleNext()
}

// Stop cancels the send loop.
func (r *Radio) Stop() {
	if r.nextID == "" {
		return
	}
	r.sched.Cancel(r.nextID)
	r.nextID = ""
}

func (r *Radio) scheduleNext() {
	r.nextID = r.sched.Schedule(r.sched.Now()+r.traffic.PacketInterval, r.tick)
}

func (r *Radio) tick() {
	r.nextID = ""
	r.trySend()
	r.scheduleNext()
}

// trySend transmits one packet if the channel is available.
func (r *Radio) trySend() {
	if r.spec == nil || r.backoff || !r.spec.IsChannelAvailable() {
		r.stats.Deferred++
		if r.metrics != nil {
			r.metrics.ObservePacket(false)
		}
		return
	}
	now := r.sched.Now()
	ch := r.table.RecvChannel(r.node)
	if err := r.table.UpdateSendChannel(r.node, ch, now); err != nil {
		r.log.Warn(context.Background(), "send table update failed", logging.Channel(ch), logging.Err(err))
	}
	r.stats.Interferences += r.spec.UpdatePuInterference(r.traffic.TxPower, r.traffic.PacketTxTime)
	r.stats.Sent++
	if r.metrics != nil {
		r.metrics.ObservePacket(true)
	}
	if r.medium != nil {
		r.medium.deliver(r, ch)
	}
}

// receive handles a packet from a peer on the same channel.
func (r *Radio) receive() {
	if r.spec == nil {
		return
	}
	corrupted := r.spec.IsPuInterfering(r.traffic.PacketTxTime)
	if corrupted {
		r.stats.Corrupted++
	} else {
		r.stats.Received++
	}
	if r.metrics != nil {
		r.metrics.ObserveReception(corrupted)
	}
}

// NotifyHandoff is called by the spectrum manager when the node leaves
// oldChannel.
func (r *Radio) NotifyHandoff(oldChannel int) {
	r.stats.Handoffs++
	r.log.Debug(context.Background(), "handoff notified",
		logging.Int("old_channel", oldChannel),
		logging.SimTime(r.sched.Now()))
}

// CheckBackoffTimer holds traffic while the channel is unavailable and
// releases it otherwise.
func (r *Radio) CheckBackoffTimer() {
	r.stats.BackoffChecks++
	if r.spec == nil {
		return
	}
	r.backoff = !r.spec.IsChannelAvailable()
}

// Medium fans a transmission out to every radio tuned to the same channel.
// There is no propagation model: all nodes on a channel hear each other.
type Medium struct {
	radios []*Radio
}

// NewMedium returns an empty medium.
func NewMedium() *Medium { return &Medium{} }

func (m *Medium) join(r *Radio) { m.radios = append(m.radios, r) }

func (m *Medium) deliver(from *Radio, ch int) {
	for _, r := range m.radios {
		if r == from || r.table.RecvChannel(r.node) != ch {
			continue
		}
		if r.spec != nil && r.spec.IsChannelSwitching() {
			continue
		}
		r.receive()
	}
}
