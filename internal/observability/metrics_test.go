package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/signalsfoundry/crahn-simulator/internal/spectrum"
)

func TestSpectrumCollectorRecordsObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSpectrumCollector(reg)
	if err != nil {
		t.Fatalf("NewSpectrumCollector: %v", err)
	}

	c.ObserveScan(true)
	c.ObserveScan(false)
	c.ObserveScan(false)
	c.ObserveTransition(spectrum.StateSensing, spectrum.StateSwitching)
	c.ObserveHandoff(true)
	c.ObserveHandoff(false)
	c.ObservePacket(true)
	c.ObservePacket(false)
	c.ObserveReception(true)
	c.ObserveInterference(2e-6)
	c.SetStatistics(0.25, 0.5)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"busy senses", testutil.ToFloat64(c.Senses.WithLabelValues("busy")), 1},
		{"free senses", testutil.ToFloat64(c.Senses.WithLabelValues("free")), 2},
		{"transition", testutil.ToFloat64(c.Transitions.WithLabelValues("SENSING", "SWITCHING")), 1},
		{"switched", testutil.ToFloat64(c.Handoffs.WithLabelValues("switched")), 1},
		{"blocked", testutil.ToFloat64(c.Handoffs.WithLabelValues("blocked")), 1},
		{"sent", testutil.ToFloat64(c.Packets.WithLabelValues("sent")), 1},
		{"deferred", testutil.ToFloat64(c.Packets.WithLabelValues("deferred")), 1},
		{"interfered rx", testutil.ToFloat64(c.Receptions.WithLabelValues("pu_interfered")), 1},
		{"interference events", testutil.ToFloat64(c.Interferences), 1},
		{"normalized", testutil.ToFloat64(c.NormalizedInterference), 0.25},
		{"detection", testutil.ToFloat64(c.DetectionRatio), 0.5},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Fatalf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
	if n := histogramSampleCount(t, reg, "crahn_pu_interference_power_watts", nil); n != 1 {
		t.Fatalf("interference power samples = %d, want 1", n)
	}
}

func TestSpectrumCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSpectrumCollector(reg)
	if err != nil {
		t.Fatalf("NewSpectrumCollector: %v", err)
	}
	second, err := NewSpectrumCollector(reg)
	if err != nil {
		t.Fatalf("second NewSpectrumCollector: %v", err)
	}
	first.ObservePacket(true)
	second.ObservePacket(true)
	if got := testutil.ToFloat64(first.Packets.WithLabelValues("sent")); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *SpectrumCollector
	c.ObserveScan(true)
	c.ObserveInterference(1)
	c.SetStatistics(1, 1)
	c.ObserveTransition(spectrum.StateSensing, spectrum.StateTransmitting)
	c.ObserveHandoff(true)
	c.ObservePacket(true)
	c.ObserveReception(false)

	var s *SchedulerCollector
	s.Sample(time.Second, 1, 1, time.Millisecond)
}

func TestMetricsHandlerExposesSpectrumMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSpectrumCollector(reg)
	if err != nil {
		t.Fatalf("NewSpectrumCollector: %v", err)
	}
	c.ObserveScan(true)
	c.ObserveHandoff(true)
	c.SetStatistics(3, 0.75)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"crahn_senses_total",
		"crahn_handoffs_total",
		"crahn_pu_detection_ratio 0.75",
		"crahn_pu_normalized_interference 3",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSchedulerCollectorSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	c.Sample(time.Second, 4, 10, time.Millisecond)
	c.Sample(2*time.Second, 3, 25, time.Millisecond)

	if got := testutil.ToFloat64(c.EventsDispatched); got != 25 {
		t.Fatalf("events dispatched = %v, want 25", got)
	}
	if got := testutil.ToFloat64(c.QueueDepth); got != 3 {
		t.Fatalf("queue depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.SimTimeSeconds); got != 2 {
		t.Fatalf("sim time = %v, want 2", got)
	}
	if n := histogramSampleCount(t, c.Gatherer(), "crahn_scheduler_wall_seconds_per_sample", nil); n != 2 {
		t.Fatalf("wall samples = %d, want 2", n)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "noop")
	if span.SpanContext().IsSampled() {
		t.Fatalf("noop tracer produced a sampled span")
	}
	span.End()
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}

func TestRunResourceCarriesRunAttributes(t *testing.T) {
	cfg := TracingConfig{
		ServiceName: "crahn-sim",
		Run:         RunInfo{Label: "run-abc", Seed: 42, Pace: "accelerated", Nodes: 3, Duration: 5 * time.Second},
	}
	res, err := runResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("runResource: %v", err)
	}
	want := map[string]string{
		"service.name":               "crahn-sim",
		"crahn.run.label":            "run-abc",
		"crahn.run.seed":             "42",
		"crahn.run.pace":             "accelerated",
		"crahn.run.nodes":            "3",
		"crahn.run.duration_seconds": "5",
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("resource attribute %s = %q, want %q (all: %v)", k, got[k], v, got)
		}
	}
}

func TestRunInfoOmitsUnsetFields(t *testing.T) {
	attrs := RunInfo{Seed: 7}.Attributes()
	if len(attrs) != 1 || attrs[0].Key != "crahn.run.seed" {
		t.Fatalf("attributes = %v, want only the seed", attrs)
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("CRAHN_TRACING_ENABLED", "true")
	t.Setenv("CRAHN_TRACING_EXPORTER", "OTLP")
	t.Setenv("CRAHN_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("CRAHN_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.ServiceName != "crahn-sim" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
