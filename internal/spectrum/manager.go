// Package spectrum implements the per-CR spectrum management cycle: sensing
// the current channel for primary users, deciding whether to vacate it, and
// handing off to a new channel.
package spectrum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/crahn-simulator/internal/logging"
)

// Reference timing and decision parameters.
const (
	// DefaultSenseTime is the length of one sensing window.
	DefaultSenseTime = 100 * time.Millisecond

	// DefaultTransmitTime is how long a node transmits before sensing again.
	DefaultTransmitTime = 500 * time.Millisecond

	// DefaultSwitchingDelay is the hardware retune time of a handoff.
	DefaultSwitchingDelay = time.Millisecond

	// DefaultSwitchProbability is the vacate probability of ProbabilisticSwitch.
	DefaultSwitchProbability = 0.8
)

// maxRandomDraws caps random channel draws once a free channel is known to
// exist.
const maxRandomDraws = 1 << 16

// ErrBadConfig indicates invalid timing or probability settings.
var ErrBadConfig = errors.New("invalid spectrum manager config")

// State is the externally visible phase of the cycle.
type State int

const (
	StateSensing State = iota
	StateTransmitting
	StateSwitching
)

func (s State) String() string {
	switch s {
	case StateSensing:
		return "SENSING"
	case StateTransmitting:
		return "TRANSMITTING"
	case StateSwitching:
		return "SWITCHING"
	default:
		return "UNKNOWN"
	}
}

// Sensor is the PU activity oracle.
type Sensor interface {
	ScanActivity(node int, t0, d time.Duration, channel int, misdetect float64) bool
	UpdateInterference(node int, txPower float64, txDuration time.Duration) int
}

// ChannelTable is the part of the shared repository a manager touches.
type ChannelTable interface {
	RecvChannel(node int) int
	SetRecvChannel(node, ch int) error
	IsChannelFree(node, ch int) bool
	FreeChannels(node int) []int
	MaxChannels() int
	RandomChannel() int
}

// MAC is the link-layer collaborator notified by the cycle.
type MAC interface {
	// NotifyHandoff tells upper layers the node left oldChannel.
	NotifyHandoff(oldChannel int)
	// CheckBackoffTimer starts or stops MAC backoff according to whether the
	// channel is currently available.
	CheckBackoffTimer()
}

// Rand is the source of uniform draws in [0,1).
type Rand interface {
	Float64() float64
}

// MetricsRecorder receives cycle observations.
type MetricsRecorder interface {
	ObserveTransition(from, to State)
	ObserveHandoff(found bool)
}

// TransitionFunc observes every state change of a manager.
type TransitionFunc func(node int, from, to State, at time.Duration)

// Config holds the per-node policy and timing.
type Config struct {
	SenseTime            time.Duration
	TransmitTime         time.Duration
	SwitchingDelay       time.Duration
	MisdetectProbability float64
	DecisionPolicy       DecisionPolicy
	SpectrumPolicy       SpectrumPolicy
	// SwitchProbability is p_switch for ProbabilisticSwitch.
	SwitchProbability float64
	// ChannelDecisionMAC selects whether this layer picks the new channel on
	// handoff. When false, allocation belongs to another layer and the
	// manager only notifies.
	ChannelDecisionMAC bool
}

// DefaultConfig returns the reference timing and policies.
func DefaultConfig() Config {
	return Config{
		SenseTime:          DefaultSenseTime,
		TransmitTime:       DefaultTransmitTime,
		SwitchingDelay:     DefaultSwitchingDelay,
		DecisionPolicy:     AlwaysSwitch,
		SpectrumPolicy:     RoundRobin,
		SwitchProbability:  DefaultSwitchProbability,
		ChannelDecisionMAC: true,
	}
}

// Validate checks timing and probabilities. Policies are not validated here:
// an unknown policy falls back at runtime.
func (c Config) Validate() error {
	if c.SenseTime <= 0 || c.TransmitTime <= 0 || c.SwitchingDelay <= 0 {
		return fmt.Errorf("%w: sense, transmit and switching times must be positive", ErrBadConfig)
	}
	if c.MisdetectProbability < 0 || c.MisdetectProbability > 1 {
		return fmt.Errorf("%w: misdetect probability %v outside [0,1]", ErrBadConfig, c.MisdetectProbability)
	}
	if c.SwitchProbability < 0 || c.SwitchProbability > 1 {
		return fmt.Errorf("%w: switch probability %v outside [0,1]", ErrBadConfig, c.SwitchProbability)
	}
	return nil
}

// Manager is one CR's spectrum state machine. It owns its three timers and
// its state fields; the sensor and channel table are shared with every other
// manager.
type Manager struct {
	node   int
	cfg    Config
	sched  Scheduler
	sensor Sensor
	table  ChannelTable
	mac    MAC
	rng    Rand

	log      logging.Logger
	metrics  MetricsRecorder
	onChange TransitionFunc

	senseStart *Timer
	senseStop  *Timer
	handoff    *Timer

	state     State
	puOn      bool
	sensing   bool
	switching bool
	started   bool

	handoffs        int
	blockedHandoffs int
}

// Option customises Manager construction.
type Option func(*Manager)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		m.log = logging.OrNoop(l)
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithTransitionFunc registers an observer for state changes.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// NewManager builds the manager for node. Unknown policies in cfg are
// replaced by AlwaysSwitch / RoundRobin with a warning.
func NewManager(node int, cfg Config, sched Scheduler, sensor Sensor, table ChannelTable, mac MAC, rng Rand, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sched == nil || sensor == nil || table == nil {
		return nil, fmt.Errorf("%w: scheduler, sensor and channel table are required", ErrBadConfig)
	}

	m := &Manager{
		node:   node,
		cfg:    cfg,
		sched:  sched,
		sensor: sensor,
		table:  table,
		mac:    mac,
		rng:    rng,
		log:    logging.Noop(),
		state:  StateSensing,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logging.Node(node))

	m.senseStart = newTimer(SenseStart, m)
	m.senseStop = newTimer(SenseStop, m)
	m.handoff = newTimer(Handoff, m)

	if !cfg.DecisionPolicy.valid() {
		m.log.Warn(context.Background(), "unsupported decision policy, falling back",
			logging.String("policy", cfg.DecisionPolicy.String()),
			logging.String("fallback", AlwaysSwitch.String()))
		m.cfg.DecisionPolicy = AlwaysSwitch
	}
	if !cfg.SpectrumPolicy.valid() {
		m.log.Warn(context.Background(), "unsupported spectrum policy, falling back",
			logging.String("policy", cfg.SpectrumPolicy.String()),
			logging.String("fallback", RoundRobin.String()))
		m.cfg.SpectrumPolicy = RoundRobin
	}
	if m.cfg.DecisionPolicy == ProbabilisticSwitch && m.rng == nil {
		m.log.Warn(context.Background(), "probabilistic decision policy without random source, falling back",
			logging.String("fallback", AlwaysSwitch.String()))
		m.cfg.DecisionPolicy = AlwaysSwitch
	}
	return m, nil
}

// Node returns the CR node id.
func (m *Manager) Node() int { return m.node }

// Config returns the effective configuration after policy fallbacks.
func (m *Manager) Config() Config { return m.cfg }

// State returns the current phase.
func (m *Manager) State() State { return m.state }

// PUOn returns the cached result of the most recent sense.
func (m *Manager) PUOn() bool { return m.puOn }

// Handoffs returns how many handoffs this node performed.
func (m *Manager) Handoffs() int { return m.handoffs }

// BlockedHandoffs returns how many handoffs found no free channel.
func (m *Manager) BlockedHandoffs() int { return m.blockedHandoffs }

// ArmedTimer returns the single outstanding timer, if any.
func (m *Manager) ArmedTimer() (TimerKind, bool) {
	for _, t := range []*Timer{m.senseStart, m.senseStop, m.handoff} {
		if t.armed {
			return t.kind, true
		}
	}
	return 0, false
}

// Start enters SENSING on the current channel and arms the first SenseStart.
// pu_on starts false, so the first expiry moves straight to TRANSMITTING.
func (m *Manager) Start() {
	if m.started {
		return
	}
	m.started = true
	m.puOn = false
	m.sensing = true
	m.switching = false
	m.setState(StateSensing)
	m.arm(m.senseStart, m.cfg.SenseTime)
}

// IsChannelAvailable is true only while TRANSMITTING.
func (m *Manager) IsChannelAvailable() bool {
	return !(m.sensing || m.switching)
}

// IsChannelSwitching is true while a handoff is in progress.
func (m *Manager) IsChannelSwitching() bool {
	return m.switching
}

// IsPuInterfering reports whether a PU is active on the node's current
// channel for the duration of a packet reception starting now. It does not
// touch the cycle state.
func (m *Manager) IsPuInterfering(txTime time.Duration) bool {
	ch := m.table.RecvChannel(m.node)
	return m.sensor.ScanActivity(m.node, m.sched.Now(), txTime, ch, m.cfg.MisdetectProbability)
}

// UpdatePuInterference accounts for a transmission by this node.
func (m *Manager) UpdatePuInterference(txPower float64, txDuration time.Duration) int {
	return m.sensor.UpdateInterference(m.node, txPower, txDuration)
}

// arm starts t, keeping at most one timer outstanding per node.
func (m *Manager) arm(t *Timer, delay time.Duration) {
	for _, other := range []*Timer{m.senseStart, m.senseStop, m.handoff} {
		if other.armed {
			m.log.Warn(context.Background(), "cancelling stale timer",
				logging.String("stale", other.kind.String()),
				logging.String("arming", t.kind.String()))
			other.stop()
		}
	}
	t.start(delay)
}

func (m *Manager) fire(kind TimerKind) {
	switch kind {
	case SenseStart:
		m.onSenseStart()
	case SenseStop:
		m.onSenseStop()
	case Handoff:
		m.onHandoffEnd()
	}
}

func (m *Manager) sense(ch int) bool {
	return m.sensor.ScanActivity(m.node, m.sched.Now(), m.cfg.SenseTime, ch, m.cfg.MisdetectProbability)
}

// onSenseStart runs when a sensing window expires. It acts on the cached
// pu_on from the sense that opened the window.
func (m *Manager) onSenseStart() {
	current := m.table.RecvChannel(m.node)

	if !m.puOn {
		m.sensing = false
		m.switching = false
		m.setState(StateTransmitting)
		m.arm(m.senseStop, m.cfg.TransmitTime)
		// The MAC sees the channel as available from here on.
		if m.mac != nil {
			m.mac.CheckBackoffTimer()
		}
		return
	}

	if !m.decideSwitch() {
		m.puOn = m.sense(current)
		m.sensing = true
		m.setState(StateSensing)
		m.arm(m.senseStart, m.cfg.SenseTime)
		return
	}

	m.switching = true
	m.arm(m.handoff, m.cfg.SwitchingDelay)

	next := current
	if m.cfg.ChannelDecisionMAC {
		var found bool
		next, found = m.selectChannel(current)
		if found {
			if err := m.table.SetRecvChannel(m.node, next); err != nil {
				m.log.Error(context.Background(), "failed to assign channel", logging.Channel(next), logging.Err(err))
				next = current
			}
		} else {
			m.blockedHandoffs++
			m.log.Warn(context.Background(), "no free channel for handoff, staying",
				logging.Channel(current), logging.SimTime(m.sched.Now()))
		}
		if m.metrics != nil {
			m.metrics.ObserveHandoff(found)
		}
	}
	if m.mac != nil {
		m.mac.NotifyHandoff(current)
	}
	m.handoffs++
	m.log.Info(context.Background(), "spectrum handoff",
		logging.Int("from_channel", current),
		logging.Int("to_channel", next),
		logging.SimTime(m.sched.Now()))

	m.sensing = false
	m.setState(StateSwitching)
}

// onSenseStop ends a transmitting window and opens a sensing window.
func (m *Manager) onSenseStop() {
	current := m.table.RecvChannel(m.node)
	m.puOn = m.sense(current)
	m.sensing = true
	m.setState(StateSensing)
	m.arm(m.senseStart, m.cfg.SenseTime)
	if m.mac != nil {
		m.mac.CheckBackoffTimer()
	}
}

// onHandoffEnd starts sensing on the newly assigned channel.
func (m *Manager) onHandoffEnd() {
	m.switching = false
	current := m.table.RecvChannel(m.node)
	m.puOn = m.sense(current)
	m.sensing = true
	m.setState(StateSensing)
	m.arm(m.senseStart, m.cfg.SenseTime)
}

// decideSwitch reports whether to vacate the current channel.
func (m *Manager) decideSwitch() bool {
	switch m.cfg.DecisionPolicy {
	case AlwaysSwitch:
		return true
	case ProbabilisticSwitch:
		return m.rng.Float64() < m.cfg.SwitchProbability
	default:
		// Unreachable after NewManager's fallback; vacating is the safe choice.
		return true
	}
}

// decideSpectrum returns the next candidate channel after current.
func (m *Manager) decideSpectrum(current int) int {
	maxCh := m.table.MaxChannels()
	switch m.cfg.SpectrumPolicy {
	case RandomSelection:
		return m.table.RandomChannel()
	case RoundRobin:
		fallthrough
	default:
		next := (current + 1) % maxCh
		if next == 0 {
			next = 1
		}
		return next
	}
}

// selectChannel applies the spectrum policy from current until the
// repository reports a free channel. A fully occupied band leaves the node
// where it is; otherwise random selection keeps drawing until it hits one of
// the free channels.
func (m *Manager) selectChannel(current int) (int, bool) {
	free := m.table.FreeChannels(m.node)
	if len(free) == 0 {
		return current, false
	}
	if m.cfg.SpectrumPolicy != RandomSelection {
		next := current
		for i := 0; i < m.table.MaxChannels()-1; i++ {
			next = m.decideSpectrum(next)
			if m.table.IsChannelFree(m.node, next) {
				return next, true
			}
		}
		return free[0], true
	}
	for i := 0; i < maxRandomDraws; i++ {
		if next := m.decideSpectrum(current); m.table.IsChannelFree(m.node, next) {
			return next, true
		}
	}
	// Only a degenerate source gets here, e.g. a repository without an rng.
	m.log.Warn(context.Background(), "random channel draws never hit a free channel",
		logging.Node(m.node),
		logging.Int("free", len(free)))
	return free[0], true
}

func (m *Manager) setState(to State) {
	from := m.state
	m.state = to
	now := m.sched.Now()
	if from != to {
		m.log.Debug(context.Background(), "state transition",
			logging.String("from", from.String()),
			logging.String("to", to.String()),
			logging.SimTime(now))
	}
	if m.onChange != nil {
		m.onChange(m.node, from, to, now)
	}
	if m.metrics != nil {
		m.metrics.ObserveTransition(from, to)
	}
}
