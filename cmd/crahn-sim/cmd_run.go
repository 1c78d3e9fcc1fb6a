package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/crahn-simulator/internal/config"
	"github.com/signalsfoundry/crahn-simulator/internal/logging"
	"github.com/signalsfoundry/crahn-simulator/internal/observability"
	"github.com/signalsfoundry/crahn-simulator/internal/sim"
)

type runFlags struct {
	duration    time.Duration
	seed        uint64
	runLabel    string
	metricsAddr string
}

func newRunCmd(log logging.Logger) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Run a simulation scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args[0], &f)
			if err != nil {
				return err
			}
			return runScenario(cmd, cfg, log)
		},
	}
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "simulated run length (overrides config)")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "random seed (overrides config)")
	cmd.Flags().StringVar(&f.runLabel, "run-label", "", "label written into the statistics files (overrides config)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (overrides config)")
	return cmd
}

// loadConfig reads path and applies any flags the user set explicitly.
func loadConfig(cmd *cobra.Command, path string, f *runFlags) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return cfg, nil
	}
	flags := cmd.Flags()
	if flags.Changed("duration") {
		cfg.Duration = f.duration
	}
	if flags.Changed("seed") {
		cfg.Seed = f.seed
	}
	if flags.Changed("run-label") {
		cfg.RunLabel = f.runLabel
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	return cfg, nil
}

func runScenario(cmd *cobra.Command, cfg *config.Config, log logging.Logger) error {
	ctx := logging.ContextWithRunLabel(cmd.Context(), cfg.RunLabel)

	tracingCfg := observability.TracingConfigFromEnv()
	tracingCfg.Run = observability.RunInfo{
		Label:    cfg.RunLabel,
		Seed:     cfg.Seed,
		Pace:     cfg.Pace,
		Nodes:    len(cfg.Nodes),
		Duration: cfg.Duration,
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	collector, err := observability.NewSpectrumCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	schedCollector, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return fmt.Errorf("init scheduler metrics: %w", err)
	}
	if srv := serveMetrics(cfg.MetricsAddr, collector, log); srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	s, err := sim.New(ctx, cfg,
		sim.WithLogger(log),
		sim.WithSpectrumMetrics(collector),
		sim.WithSchedulerMetrics(schedCollector))
	if err != nil {
		return err
	}
	res, err := s.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %.2fs simulated, %d events\n", cfg.RunLabel, res.SimTime.Seconds(), res.Events)
	fmt.Fprintf(out, "  handoffs:                %d (%d blocked)\n", res.Handoffs, res.BlockedHandoffs)
	fmt.Fprintf(out, "  packets sent/deferred:   %d/%d\n", res.Radio.Sent, res.Radio.Deferred)
	fmt.Fprintf(out, "  receptions ok/corrupted: %d/%d\n", res.Radio.Received, res.Radio.Corrupted)
	fmt.Fprintf(out, "  interference events:     %d\n", res.Summary.InterferenceEvents)
	fmt.Fprintf(out, "  normalized interference: %e\n", res.Summary.NormalizedInterference)
	fmt.Fprintf(out, "  detection ratio:         %f\n", res.Summary.DetectionRatio)
	if err != nil {
		log.Warn(ctx, "run interrupted, statistics cover the simulated prefix", logging.SimTime(res.SimTime))
	}
	return nil
}

func serveMetrics(addr string, collector *observability.SpectrumCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
