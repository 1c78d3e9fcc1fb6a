package sim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/crahn-simulator/internal/config"
	"github.com/signalsfoundry/crahn-simulator/internal/geo"
	"github.com/signalsfoundry/crahn-simulator/internal/observability"
	"github.com/signalsfoundry/crahn-simulator/internal/pu"
)

// writeScenario lays out a PU dataset with one PU on channel 3, active
// between 1s and 3s, and a spectrum dataset giving channel 3 a carrier.
func writeScenario(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	pus := []*pu.PrimaryUser{{
		Channel:   3,
		Tx:        geo.Point{X: 0, Y: 0},
		Rx:        geo.Point{X: 0, Y: 0},
		Radius:    50,
		Intervals: []pu.Interval{{Arrival: time.Second, Departure: 3 * time.Second}},
	}}
	puPath := filepath.Join(dir, "pu.txt")
	f, err := os.Create(puPath)
	if err != nil {
		t.Fatalf("create PU dataset: %v", err)
	}
	if err := pu.Write(f, pus); err != nil {
		t.Fatalf("pu.Write: %v", err)
	}
	f.Close()

	specPath := filepath.Join(dir, "spectrum.txt")
	if err := os.WriteFile(specPath, []byte("1\n3 1e6 6e8 0\n"), 0o644); err != nil {
		t.Fatalf("write spectrum dataset: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.RunLabel = "test-run"
	cfg.Seed = 7
	cfg.Duration = 5 * time.Second
	cfg.Datasets.PU = puPath
	cfg.Datasets.Spectrum = specPath
	cfg.Nodes = []config.NodeConfig{
		{ID: 0, X: 10, Y: 10, Channel: 3},
		{ID: 1, X: 20, Y: 0, Channel: 3},
	}
	return cfg
}

func TestRunDetectsPUAndHandsOff(t *testing.T) {
	cfg := writeScenario(t)
	reg := prometheus.NewRegistry()
	collector, err := observability.NewSpectrumCollector(reg)
	if err != nil {
		t.Fatalf("NewSpectrumCollector: %v", err)
	}
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	sink := &pu.MemorySink{}

	s, err := New(context.Background(), cfg,
		WithStatsSink(sink),
		WithSpectrumMetrics(collector),
		WithSchedulerMetrics(schedMetrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.SimTime != cfg.Duration {
		t.Fatalf("sim time = %v, want %v", res.SimTime, cfg.Duration)
	}
	if res.Handoffs != 2 || res.BlockedHandoffs != 0 {
		t.Fatalf("handoffs = %d blocked = %d, want 2/0", res.Handoffs, res.BlockedHandoffs)
	}
	for _, node := range []int{0, 1} {
		if ch := s.Repository().RecvChannel(node); ch != 4 {
			t.Fatalf("node %d ended on channel %d, want 4", node, ch)
		}
	}
	if res.Summary.DetectionRatio != 1 || res.Summary.ActivityIntervals != 1 {
		t.Fatalf("detection = %+v", res.Summary)
	}
	if res.Summary.InterferenceEvents == 0 || res.Summary.NormalizedInterference <= 0 {
		t.Fatalf("expected interference while transmitting over the active PU: %+v", res.Summary)
	}
	if res.Radio.Sent == 0 || res.Radio.Deferred == 0 || res.Radio.Corrupted == 0 {
		t.Fatalf("radio stats = %+v", res.Radio)
	}
	if len(sink.Summaries) != 1 || sink.Summaries[0].RunLabel != "test-run" {
		t.Fatalf("summaries = %+v", sink.Summaries)
	}
	if len(sink.Events) != res.Summary.InterferenceEvents {
		t.Fatalf("logged %d events, summary says %d", len(sink.Events), res.Summary.InterferenceEvents)
	}

	if got := testutil.ToFloat64(collector.Handoffs.WithLabelValues("switched")); got != 2 {
		t.Fatalf("switched handoffs metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.DetectionRatio); got != 1 {
		t.Fatalf("detection ratio metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(schedMetrics.SimTimeSeconds); got != 5 {
		t.Fatalf("sim time metric = %v, want 5", got)
	}
	if got := testutil.ToFloat64(schedMetrics.EventsDispatched); got != float64(res.Events) {
		t.Fatalf("dispatched metric = %v, want %d", got, res.Events)
	}
}

func TestRunWritesStatisticsFiles(t *testing.T) {
	cfg := writeScenario(t)
	dir := t.TempDir()
	cfg.Output.InterferenceSummary = filepath.Join(dir, "interference.txt")
	cfg.Output.SensingSummary = filepath.Join(dir, "sensing.txt")
	cfg.Output.InterferenceLog = filepath.Join(dir, "interference.log")

	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	sensing, err := os.ReadFile(cfg.Output.SensingSummary)
	if err != nil {
		t.Fatalf("read sensing summary: %v", err)
	}
	if string(sensing) != "test-run 1.000000\n" {
		t.Fatalf("sensing summary = %q", sensing)
	}
	if _, err := os.Stat(cfg.Output.InterferenceSummary); err != nil {
		t.Fatalf("interference summary missing: %v", err)
	}
	log, err := os.ReadFile(cfg.Output.InterferenceLog)
	if err != nil {
		t.Fatalf("read interference log: %v", err)
	}
	if lines := strings.Count(string(log), "\n"); lines != res.Summary.InterferenceEvents {
		t.Fatalf("interference log has %d lines, want %d", lines, res.Summary.InterferenceEvents)
	}
}

func TestRunIsDeterministicForSeed(t *testing.T) {
	run := func() Result {
		cfg := writeScenario(t)
		cfg.Spectrum.DecisionPolicy = "probabilistic"
		cfg.Spectrum.SpectrumPolicy = "random"
		cfg.Spectrum.MisdetectProbability = 0.3
		s, err := New(context.Background(), cfg, WithStatsSink(&pu.MemorySink{}))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		res, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res
	}
	first, second := run(), run()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("runs with the same seed differ (-first +second):\n%s", diff)
	}
}

func TestRunCancelledStillWritesSummary(t *testing.T) {
	cfg := writeScenario(t)
	sink := &pu.MemorySink{}
	s, err := New(context.Background(), cfg, WithStatsSink(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if len(sink.Summaries) != 1 {
		t.Fatalf("summary not written after cancellation")
	}
}

func TestRunInfoDescribesRun(t *testing.T) {
	cfg := writeScenario(t)
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := observability.RunInfo{Label: "test-run", Seed: 7, Pace: cfg.Pace, Nodes: 2, Duration: 5 * time.Second}
	if diff := cmp.Diff(want, s.RunInfo()); diff != "" {
		t.Fatalf("RunInfo mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRejectsBadInputs(t *testing.T) {
	cfg := writeScenario(t)
	cfg.Nodes = nil
	if _, err := New(context.Background(), cfg); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("New err = %v, want ErrInvalid", err)
	}

	cfg = writeScenario(t)
	cfg.Datasets.PU = filepath.Join(t.TempDir(), "missing.txt")
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for missing PU dataset")
	}

	cfg = writeScenario(t)
	if err := os.WriteFile(cfg.Datasets.Spectrum, []byte("1\n3 1e6 6e8 2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadDatasets(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for out-of-range PER")
	}
}
