package spectrum

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/signalsfoundry/crahn-simulator/internal/repository"
	"github.com/signalsfoundry/crahn-simulator/internal/sched"
)

// busySensor reports PU activity per channel and records each scan.
type busySensor struct {
	busy  map[int]bool
	scans []int
	tx    []float64
}

func (b *busySensor) ScanActivity(node int, t0, d time.Duration, channel int, misdetect float64) bool {
	b.scans = append(b.scans, channel)
	return b.busy[channel]
}

func (b *busySensor) UpdateInterference(node int, txPower float64, txDuration time.Duration) int {
	b.tx = append(b.tx, txPower)
	return 0
}

type recordingMAC struct {
	handoffs []int
	backoffs int
}

func (r *recordingMAC) NotifyHandoff(old int) { r.handoffs = append(r.handoffs, old) }
func (r *recordingMAC) CheckBackoffTimer()    { r.backoffs++ }

type constRand float64

func (c constRand) Float64() float64 { return float64(c) }

type harness struct {
	s      *sched.EventScheduler
	repo   *repository.Repository
	sensor *busySensor
	mac    *recordingMAC
	m      *Manager
	states []State
}

func newHarness(t *testing.T, cfg Config, rng Rand) *harness {
	t.Helper()
	repo, err := repository.New(repository.Config{MaxNodes: 2, MaxChannels: 11}, nil)
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}
	h := &harness{
		s:      sched.New(),
		repo:   repo,
		sensor: &busySensor{busy: map[int]bool{}},
		mac:    &recordingMAC{},
	}
	m, err := NewManager(0, cfg, h.s, h.sensor, repo, h.mac, rng,
		WithTransitionFunc(func(node int, from, to State, at time.Duration) {
			h.states = append(h.states, to)
		}))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.m = m
	return h
}

func (h *harness) step(t *testing.T) {
	t.Helper()
	if !h.s.Step() {
		t.Fatalf("no pending event at %v", h.s.Now())
	}
	if got := h.s.Pending(); got != 1 {
		t.Fatalf("pending events after step = %d, want exactly one armed timer", got)
	}
}

func TestCycleWithoutPrimaryUsers(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	if err := h.repo.SetRecvChannel(0, 1); err != nil {
		t.Fatalf("SetRecvChannel: %v", err)
	}
	h.m.Start()
	if h.m.State() != StateSensing || h.m.IsChannelAvailable() {
		t.Fatalf("after Start: state %v available %v", h.m.State(), h.m.IsChannelAvailable())
	}
	if kind, ok := h.m.ArmedTimer(); !ok || kind != SenseStart {
		t.Fatalf("armed timer = %v/%v, want sense_start", kind, ok)
	}

	wantTimes := []time.Duration{
		100 * time.Millisecond,
		600 * time.Millisecond,
		700 * time.Millisecond,
		1200 * time.Millisecond,
	}
	wantStates := []State{StateTransmitting, StateSensing, StateTransmitting, StateSensing}
	for i := range wantTimes {
		h.step(t)
		if h.s.Now() != wantTimes[i] {
			t.Fatalf("step %d at %v, want %v", i, h.s.Now(), wantTimes[i])
		}
		if h.m.State() != wantStates[i] {
			t.Fatalf("step %d state %v, want %v", i, h.m.State(), wantStates[i])
		}
		if got := h.m.IsChannelAvailable(); got != (wantStates[i] == StateTransmitting) {
			t.Fatalf("step %d IsChannelAvailable = %v", i, got)
		}
	}
	if h.m.Handoffs() != 0 || len(h.mac.handoffs) != 0 {
		t.Fatalf("unexpected handoffs: %d", h.m.Handoffs())
	}
	if h.mac.backoffs != 4 {
		t.Fatalf("backoff checks = %d, want 4", h.mac.backoffs)
	}
}

func TestAlwaysSwitchMovesToFirstFreeChannel(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	if err := h.repo.SetRecvChannel(0, 3); err != nil {
		t.Fatalf("SetRecvChannel: %v", err)
	}
	h.sensor.busy[3] = true
	h.repo.SetChannelBusy(0, 4, 0)

	h.m.Start()
	h.step(t) // 0.1s: pu_on still false from Start
	h.step(t) // 0.6s: sense finds PU on channel 3
	if !h.m.PUOn() || h.m.State() != StateSensing {
		t.Fatalf("after SenseStop: pu_on %v state %v", h.m.PUOn(), h.m.State())
	}

	h.step(t) // 0.7s: decide to switch
	if h.m.State() != StateSwitching || !h.m.IsChannelSwitching() {
		t.Fatalf("state %v, want SWITCHING", h.m.State())
	}
	if kind, _ := h.m.ArmedTimer(); kind != Handoff {
		t.Fatalf("armed timer %v, want handoff", kind)
	}
	if next, _ := h.s.NextTime(); next != 701*time.Millisecond {
		t.Fatalf("handoff due at %v, want 701ms", next)
	}
	if got := h.repo.RecvChannel(0); got != 5 {
		t.Fatalf("recv channel = %d, want 5", got)
	}
	if len(h.mac.handoffs) != 1 || h.mac.handoffs[0] != 3 {
		t.Fatalf("handoff notifications %v, want [3]", h.mac.handoffs)
	}

	h.step(t) // handoff completes, sense channel 5
	if h.m.State() != StateSensing || h.m.IsChannelSwitching() || h.m.PUOn() {
		t.Fatalf("after handoff: state %v switching %v pu_on %v", h.m.State(), h.m.IsChannelSwitching(), h.m.PUOn())
	}
	if last := h.sensor.scans[len(h.sensor.scans)-1]; last != 5 {
		t.Fatalf("last scan on channel %d, want 5", last)
	}
	h.step(t)
	if h.m.State() != StateTransmitting {
		t.Fatalf("state %v, want TRANSMITTING on new channel", h.m.State())
	}
}

func TestProbabilisticSwitchCanStay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecisionPolicy = ProbabilisticSwitch
	h := newHarness(t, cfg, constRand(0.9))
	if err := h.repo.SetRecvChannel(0, 2); err != nil {
		t.Fatalf("SetRecvChannel: %v", err)
	}
	h.sensor.busy[2] = true

	h.m.Start()
	h.step(t)
	h.step(t)
	scansBefore := len(h.sensor.scans)
	h.step(t) // draw 0.9 >= 0.8 keeps the channel
	if h.m.State() != StateSensing || !h.m.PUOn() {
		t.Fatalf("state %v pu_on %v, want SENSING with PU", h.m.State(), h.m.PUOn())
	}
	if len(h.sensor.scans) != scansBefore+1 {
		t.Fatalf("stay decision did not re-sense")
	}
	if h.repo.RecvChannel(0) != 2 || h.m.Handoffs() != 0 {
		t.Fatalf("channel %d handoffs %d, want to stay on 2", h.repo.RecvChannel(0), h.m.Handoffs())
	}
	if kind, _ := h.m.ArmedTimer(); kind != SenseStart {
		t.Fatalf("armed timer %v, want sense_start", kind)
	}
	n := len(h.states)
	if h.states[n-1] != StateSensing || h.states[n-2] != StateSensing {
		t.Fatalf("expected SENSING self-loop, got %v", h.states)
	}
}

func TestProbabilisticSwitchBelowThresholdSwitches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecisionPolicy = ProbabilisticSwitch
	h := newHarness(t, cfg, constRand(0.1))
	if err := h.repo.SetRecvChannel(0, 2); err != nil {
		t.Fatalf("SetRecvChannel: %v", err)
	}
	h.sensor.busy[2] = true
	h.m.Start()
	h.step(t)
	h.step(t)
	h.step(t)
	if h.m.State() != StateSwitching || h.repo.RecvChannel(0) != 3 {
		t.Fatalf("state %v channel %d, want SWITCHING to 3", h.m.State(), h.repo.RecvChannel(0))
	}
}

func TestHandoffWithNoFreeChannelStays(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	if err := h.repo.SetRecvChannel(0, 6); err != nil {
		t.Fatalf("SetRecvChannel: %v", err)
	}
	for ch := 1; ch < 11; ch++ {
		h.repo.SetChannelBusy(0, ch, 0)
	}
	h.sensor.busy[6] = true
	h.m.Start()
	h.step(t)
	h.step(t)
	h.step(t)
	if h.m.State() != StateSwitching {
		t.Fatalf("state %v, want SWITCHING", h.m.State())
	}
	if h.repo.RecvChannel(0) != 6 || h.m.BlockedHandoffs() != 1 {
		t.Fatalf("channel %d blocked %d, want to stay on 6", h.repo.RecvChannel(0), h.m.BlockedHandoffs())
	}
}

func TestChannelDecisionOutsideManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChannelDecisionMAC = false
	h := newHarness(t, cfg, nil)
	if err := h.repo.SetRecvChannel(0, 3); err != nil {
		t.Fatalf("SetRecvChannel: %v", err)
	}
	h.sensor.busy[3] = true
	h.m.Start()
	h.step(t)
	h.step(t)
	h.step(t)
	if h.m.State() != StateSwitching || h.repo.RecvChannel(0) != 3 {
		t.Fatalf("state %v channel %d, want SWITCHING without reassignment", h.m.State(), h.repo.RecvChannel(0))
	}
	if len(h.mac.handoffs) != 1 {
		t.Fatalf("handoff not notified")
	}
}

func TestRoundRobinSkipsControlChannel(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	seen := map[int]int{}
	ch := 0
	for i := 0; i < 30; i++ {
		ch = h.m.decideSpectrum(ch)
		if ch == repository.ControlChannel {
			t.Fatalf("round robin returned the control channel")
		}
		seen[ch]++
	}
	if len(seen) != 10 {
		t.Fatalf("visited %d channels, want all 10 data channels", len(seen))
	}
	if got := h.m.decideSpectrum(10); got != 1 {
		t.Fatalf("decideSpectrum(10) = %d, want 1", got)
	}
}

func TestRandomSelectionUsesRepository(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpectrumPolicy = RandomSelection
	repo, err := repository.New(repository.Config{MaxNodes: 1, MaxChannels: 11}, constRand(0.5))
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}
	m, err := NewManager(0, cfg, sched.New(), &busySensor{}, repo, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got := m.decideSpectrum(3); got != 6 {
		t.Fatalf("decideSpectrum = %d, want 6", got)
	}
}

func TestRandomSelectionFindsTheOnlyFreeChannel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpectrumPolicy = RandomSelection
	repo, err := repository.New(repository.Config{MaxNodes: 1, MaxChannels: 11}, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}
	for ch := 1; ch < 10; ch++ {
		repo.SetChannelBusy(0, ch, 0)
	}
	m, err := NewManager(0, cfg, sched.New(), &busySensor{}, repo, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	for i := 0; i < 10000; i++ {
		got, found := m.selectChannel(3)
		if !found || got != 10 {
			t.Fatalf("handoff %d: selectChannel = %d/%v, want 10/true", i, got, found)
		}
	}
}

func TestRandomSelectionWithFixedSourceStillFindsFreeChannel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpectrumPolicy = RandomSelection
	// Without an rng the repository always draws channel 1.
	repo, err := repository.New(repository.Config{MaxNodes: 1, MaxChannels: 11}, nil)
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}
	for ch := 1; ch < 11; ch++ {
		if ch != 7 {
			repo.SetChannelBusy(0, ch, 0)
		}
	}
	m, err := NewManager(0, cfg, sched.New(), &busySensor{}, repo, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got, found := m.selectChannel(3); !found || got != 7 {
		t.Fatalf("selectChannel = %d/%v, want 7/true", got, found)
	}
}

func TestUnknownPoliciesFallBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecisionPolicy = DecisionPolicy(7)
	cfg.SpectrumPolicy = SpectrumPolicy(9)
	h := newHarness(t, cfg, nil)
	got := h.m.Config()
	if got.DecisionPolicy != AlwaysSwitch || got.SpectrumPolicy != RoundRobin {
		t.Fatalf("policies = %v/%v, want fallbacks", got.DecisionPolicy, got.SpectrumPolicy)
	}

	cfg = DefaultConfig()
	cfg.DecisionPolicy = ProbabilisticSwitch
	h = newHarness(t, cfg, nil)
	if h.m.Config().DecisionPolicy != AlwaysSwitch {
		t.Fatalf("probabilistic policy without rng should fall back")
	}
}

func TestParsePolicies(t *testing.T) {
	cases := []struct {
		in   string
		want DecisionPolicy
		err  bool
	}{
		{"0", AlwaysSwitch, false},
		{"1", ProbabilisticSwitch, false},
		{"Probabilistic", ProbabilisticSwitch, false},
		{"sometimes", AlwaysSwitch, true},
	}
	for _, tc := range cases {
		got, err := ParseDecisionPolicy(tc.in)
		if got != tc.want || (err != nil) != tc.err {
			t.Fatalf("ParseDecisionPolicy(%q) = %v, %v", tc.in, got, err)
		}
	}
	if p, err := ParseSpectrumPolicy("random"); err != nil || p != RandomSelection {
		t.Fatalf("ParseSpectrumPolicy(random) = %v, %v", p, err)
	}
	if p, err := ParseSpectrumPolicy("7"); err == nil || p != RoundRobin {
		t.Fatalf("ParseSpectrumPolicy(7) = %v, %v", p, err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SenseTime = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero sense time")
	}
	cfg = DefaultConfig()
	cfg.MisdetectProbability = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for misdetect probability")
	}
}

func TestPuInterferenceQueriesUseCurrentChannel(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	if err := h.repo.SetRecvChannel(0, 8); err != nil {
		t.Fatalf("SetRecvChannel: %v", err)
	}
	h.sensor.busy[8] = true
	if !h.m.IsPuInterfering(10 * time.Millisecond) {
		t.Fatalf("IsPuInterfering = false, want true")
	}
	if h.sensor.scans[0] != 8 {
		t.Fatalf("scan channel %d, want 8", h.sensor.scans[0])
	}
	h.m.UpdatePuInterference(0.5, time.Millisecond)
	if len(h.sensor.tx) != 1 || h.sensor.tx[0] != 0.5 {
		t.Fatalf("interference not forwarded: %v", h.sensor.tx)
	}
}
