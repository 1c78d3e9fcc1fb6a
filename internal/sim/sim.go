// Package sim wires a full run from a scenario config: datasets, the shared
// channel-state repository, the PU model, one spectrum manager and radio per
// node, and the event scheduler that drives them.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/crahn-simulator/internal/config"
	"github.com/signalsfoundry/crahn-simulator/internal/geo"
	"github.com/signalsfoundry/crahn-simulator/internal/logging"
	"github.com/signalsfoundry/crahn-simulator/internal/mac"
	"github.com/signalsfoundry/crahn-simulator/internal/observability"
	"github.com/signalsfoundry/crahn-simulator/internal/pu"
	"github.com/signalsfoundry/crahn-simulator/internal/repository"
	"github.com/signalsfoundry/crahn-simulator/internal/sched"
	"github.com/signalsfoundry/crahn-simulator/internal/spectrum"
	"github.com/signalsfoundry/crahn-simulator/timectrl"
)

// sampleInterval is the simulated period between scheduler metric samples.
const sampleInterval = time.Second

// Datasets holds the parsed inputs of a run.
type Datasets struct {
	PrimaryUsers []*pu.PrimaryUser
	// Spectral is keyed by channel; channels absent from the dataset keep
	// zero parameters.
	Spectral map[int]repository.SpectralParams
}

// Result summarises a finished run.
type Result struct {
	Summary         pu.Summary
	SimTime         time.Duration
	Events          uint64
	Handoffs        int
	BlockedHandoffs int
	Radio           mac.Stats
}

// Option customises a Simulation.
type Option func(*Simulation)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Simulation) { s.log = logging.OrNoop(l) }
}

// WithSpectrumMetrics attaches the Prometheus collector for the sensing
// cycle, PU model and radios.
func WithSpectrumMetrics(c *observability.SpectrumCollector) Option {
	return func(s *Simulation) { s.metrics = c }
}

// WithSchedulerMetrics attaches the event-queue collector.
func WithSchedulerMetrics(c *observability.SchedulerCollector) Option {
	return func(s *Simulation) { s.schedMetrics = c }
}

// WithStatsSink replaces the file outputs named in the config.
func WithStatsSink(sink pu.StatsSink) Option {
	return func(s *Simulation) { s.sink = sink }
}

// Simulation is a fully wired run, ready to start.
type Simulation struct {
	cfg *config.Config
	log logging.Logger

	metrics      *observability.SpectrumCollector
	schedMetrics *observability.SchedulerCollector
	sink         pu.StatsSink
	fileSink     *pu.FileSink

	sched    *sched.EventScheduler
	repo     *repository.Repository
	model    *pu.Model
	nodes    *mac.NodeTable
	managers []*spectrum.Manager
	radios   []*mac.Radio

	lastWall time.Time
}

// LoadDatasets reads the PU and spectrum datasets named in cfg.
func LoadDatasets(ctx context.Context, cfg *config.Config) (*Datasets, error) {
	ctx, span := observability.Tracer().Start(ctx, "sim.LoadDatasets")
	defer span.End()

	ds := &Datasets{Spectral: map[int]repository.SpectralParams{}}

	pus, err := loadPUs(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ds.PrimaryUsers = pus

	if cfg.Datasets.Spectrum != "" {
		// A scratch repository validates channel ranges with the run limits.
		scratch, err := repository.New(cfg.Repository(), nil)
		if err != nil {
			return nil, err
		}
		if err := loadSpectrum(ctx, cfg.Datasets.Spectrum, scratch); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		for ch := 0; ch < scratch.MaxChannels(); ch++ {
			if p := scratch.SpectralParams(ch); p != (repository.SpectralParams{}) {
				ds.Spectral[ch] = p
			}
		}
	}
	span.SetAttributes(
		attribute.Int("pu.count", len(ds.PrimaryUsers)),
		attribute.Int("spectrum.channels", len(ds.Spectral)),
	)
	return ds, nil
}

func loadPUs(ctx context.Context, cfg *config.Config) ([]*pu.PrimaryUser, error) {
	_, span := observability.Tracer().Start(ctx, "sim.loadPUs")
	defer span.End()
	span.SetAttributes(attribute.String("path", cfg.Datasets.PU))

	f, err := os.Open(cfg.Datasets.PU)
	if err != nil {
		return nil, fmt.Errorf("open PU dataset: %w", err)
	}
	defer f.Close()
	pus, err := pu.Load(f, cfg.PULimits())
	if err != nil {
		return nil, fmt.Errorf("load PU dataset %s: %w", cfg.Datasets.PU, err)
	}
	return pus, nil
}

func loadSpectrum(ctx context.Context, path string, repo *repository.Repository) error {
	_, span := observability.Tracer().Start(ctx, "sim.loadSpectrum")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open spectrum dataset: %w", err)
	}
	defer f.Close()
	if _, err := repo.LoadSpectralParams(f); err != nil {
		return fmt.Errorf("load spectrum dataset %s: %w", path, err)
	}
	return nil
}

// New validates cfg, loads its datasets and wires every component.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ds, err := LoadDatasets(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return Build(ctx, cfg, ds, opts...)
}

// Build wires a simulation from already loaded datasets.
func Build(ctx context.Context, cfg *config.Config, ds *Datasets, opts ...Option) (*Simulation, error) {
	s := &Simulation{
		cfg: cfg,
		log: logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.fileSink = &pu.FileSink{
			InterferenceSummary: cfg.Output.InterferenceSummary,
			SensingSummary:      cfg.Output.SensingSummary,
			InterferenceLog:     cfg.Output.InterferenceLog,
		}
		s.sink = s.fileSink
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	var err error
	s.repo, err = repository.New(cfg.Repository(), rng)
	if err != nil {
		return nil, err
	}
	for ch, p := range ds.Spectral {
		if err := s.repo.SetSpectralParams(ch, p); err != nil {
			return nil, err
		}
	}

	s.nodes, err = mac.NewNodeTable()
	if err != nil {
		return nil, err
	}
	for _, n := range cfg.Nodes {
		node := mac.Node{ID: n.ID, Position: geo.Point{X: n.X, Y: n.Y}, Channel: n.Channel}
		if err := s.nodes.Add(node); err != nil {
			return nil, err
		}
		if err := s.repo.SetRecvChannel(n.ID, n.Channel); err != nil {
			return nil, err
		}
	}

	s.sched = sched.New(sched.WithPacer(timectrl.NewPacer(cfg.Mode())))

	modelOpts := []pu.ModelOption{
		pu.WithLogger(s.log),
		pu.WithStatsSink(s.sink),
	}
	if s.metrics != nil {
		modelOpts = append(modelOpts, pu.WithMetricsRecorder(s.metrics))
	}
	s.model = pu.NewModel(ds.PrimaryUsers, s.repo, s.sched, s.nodes, rng, modelOpts...)

	smCfg, warnings := cfg.SpectrumManagerWithWarnings()
	for _, w := range warnings {
		s.log.Warn(ctx, "spectrum policy fallback", logging.Err(w))
	}

	medium := mac.NewMedium()
	for _, n := range s.nodes.Nodes() {
		radioOpts := []mac.RadioOption{mac.WithRadioLogger(s.log)}
		managerOpts := []spectrum.Option{spectrum.WithLogger(s.log)}
		if s.metrics != nil {
			radioOpts = append(radioOpts, mac.WithRadioMetrics(s.metrics))
			managerOpts = append(managerOpts, spectrum.WithMetricsRecorder(s.metrics))
		}
		radio, err := mac.NewRadio(n.ID, cfg.RadioTraffic(), s.sched, s.repo, medium, radioOpts...)
		if err != nil {
			return nil, err
		}
		m, err := spectrum.NewManager(n.ID, smCfg, s.sched, s.model, s.repo, radio, rng, managerOpts...)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", n.ID, err)
		}
		radio.Attach(m)
		s.radios = append(s.radios, radio)
		s.managers = append(s.managers, m)
	}

	s.log.Info(ctx, "simulation built",
		logging.Int("nodes", len(s.managers)),
		logging.Int("primary_users", len(ds.PrimaryUsers)),
		logging.String("pace", cfg.Mode().String()),
		logging.Duration("duration", cfg.Duration))
	return s, nil
}

// Repository exposes the shared channel-state repository.
func (s *Simulation) Repository() *repository.Repository { return s.repo }

// Model exposes the PU activity model.
func (s *Simulation) Model() *pu.Model { return s.model }

// Managers returns the per-node spectrum managers ordered by node id.
func (s *Simulation) Managers() []*spectrum.Manager { return s.managers }

// Radios returns the per-node radios ordered by node id.
func (s *Simulation) Radios() []*mac.Radio { return s.radios }

// RunInfo describes this run for tracing.
func (s *Simulation) RunInfo() observability.RunInfo {
	return observability.RunInfo{
		Label:    s.cfg.RunLabel,
		Seed:     s.cfg.Seed,
		Pace:     s.cfg.Pace,
		Nodes:    len(s.managers),
		Duration: s.cfg.Duration,
	}
}

// Run drives the event loop for the configured duration and writes the
// statistics. A cancelled ctx stops the loop early; statistics for the
// portion that ran are still written.
func (s *Simulation) Run(ctx context.Context) (Result, error) {
	ctx = logging.ContextWithRunLabel(ctx, s.cfg.RunLabel)
	ctx, span := observability.Tracer().Start(ctx, "sim.Run")
	defer span.End()
	span.SetAttributes(s.RunInfo().Attributes()...)

	if s.fileSink != nil {
		defer func() {
			if err := s.fileSink.Close(); err != nil {
				s.log.Warn(ctx, "close interference log", logging.Err(err))
			}
		}()
	}

	for i, m := range s.managers {
		m.Start()
		s.radios[i].Start()
	}
	s.lastWall = time.Now()
	if s.schedMetrics != nil {
		s.sched.After(sampleInterval, s.sample)
	}

	s.log.Info(ctx, "simulation started")
	runErr := s.sched.RunUntil(ctx, s.cfg.Duration)
	if runErr != nil {
		if !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
			return Result{}, runErr
		}
		s.log.Warn(ctx, "simulation interrupted", logging.SimTime(s.sched.Now()))
	}
	s.sampleOnce()

	res, err := s.finish(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	return res, runErr
}

func (s *Simulation) finish(ctx context.Context) (Result, error) {
	_, span := observability.Tracer().Start(ctx, "sim.WriteStatistics")
	defer span.End()

	summary, err := s.model.WriteStatistics(s.cfg.RunLabel)
	res := Result{
		Summary: summary,
		SimTime: s.sched.Now(),
		Events:  s.sched.Dispatched(),
	}
	for i, m := range s.managers {
		res.Handoffs += m.Handoffs()
		res.BlockedHandoffs += m.BlockedHandoffs()
		st := s.radios[i].Stats()
		res.Radio.Sent += st.Sent
		res.Radio.Deferred += st.Deferred
		res.Radio.Received += st.Received
		res.Radio.Corrupted += st.Corrupted
		res.Radio.Interferences += st.Interferences
		res.Radio.Handoffs += st.Handoffs
		res.Radio.BackoffChecks += st.BackoffChecks
	}
	span.SetAttributes(
		attribute.Float64("stats.normalized_interference", summary.NormalizedInterference),
		attribute.Float64("stats.detection_ratio", summary.DetectionRatio),
	)
	if err != nil {
		return res, fmt.Errorf("write statistics: %w", err)
	}

	s.log.Info(ctx, "simulation finished",
		logging.SimTime(res.SimTime),
		logging.Int("handoffs", res.Handoffs),
		logging.Int("interference_events", summary.InterferenceEvents),
		logging.Float("normalized_interference", summary.NormalizedInterference),
		logging.Float("detection_ratio", summary.DetectionRatio))
	return res, nil
}

func (s *Simulation) sample() {
	s.sampleOnce()
	s.sched.After(sampleInterval, s.sample)
}

func (s *Simulation) sampleOnce() {
	if s.schedMetrics == nil {
		return
	}
	now := time.Now()
	s.schedMetrics.Sample(s.sched.Now(), s.sched.Pending(), s.sched.Dispatched(), now.Sub(s.lastWall))
	s.lastWall = now
}
