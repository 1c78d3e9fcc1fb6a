package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/crahn-simulator/internal/logging"
	"github.com/signalsfoundry/crahn-simulator/internal/pu"
	"github.com/signalsfoundry/crahn-simulator/internal/repository"
)

func newPUCmd(log logging.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pu",
		Short: "Generate and inspect primary-user datasets",
	}
	cmd.AddCommand(newPUGenerateCmd(log))
	cmd.AddCommand(newPUInspectCmd())
	return cmd
}

func newPUGenerateCmd(log logging.Logger) *cobra.Command {
	gen := pu.GenerateConfig{
		NumPUs:   10,
		Channels: repository.DefaultMaxChannels,
		AreaX:    1000,
		AreaY:    1000,
		Radius:   250,
		RxOffset: 50,
		MeanOn:   2 * time.Second,
		MeanOff:  5 * time.Second,
		Horizon:  60 * time.Second,
	}
	var (
		seed   uint64
		output string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic PU dataset with exponential ON/OFF activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
			pus, err := pu.Generate(gen, rng)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			if err := pu.Write(w, pus); err != nil {
				return fmt.Errorf("write dataset: %w", err)
			}
			log.Info(context.Background(), "generated PU dataset",
				logging.Int("primary_users", len(pus)),
				logging.String("output", output))
			return nil
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&gen.NumPUs, "count", gen.NumPUs, "number of primary users")
	fl.IntVar(&gen.Channels, "channels", gen.Channels, "channel count including the control channel")
	fl.Float64Var(&gen.AreaX, "area-x", gen.AreaX, "deployment area width")
	fl.Float64Var(&gen.AreaY, "area-y", gen.AreaY, "deployment area height")
	fl.Float64Var(&gen.Radius, "radius", gen.Radius, "PU interference radius")
	fl.Float64Var(&gen.RxOffset, "rx-offset", gen.RxOffset, "distance from PU transmitter to its receiver")
	fl.DurationVar(&gen.MeanOn, "mean-on", gen.MeanOn, "mean ON period")
	fl.DurationVar(&gen.MeanOff, "mean-off", gen.MeanOff, "mean OFF period")
	fl.DurationVar(&gen.Horizon, "horizon", gen.Horizon, "generate activity up to this time")
	fl.Float64Var(&gen.Alpha, "alpha", 0, "ON/OFF model alpha recorded in the dataset")
	fl.Float64Var(&gen.Beta, "beta", 0, "ON/OFF model beta recorded in the dataset")
	fl.Uint64Var(&seed, "seed", 1, "random seed")
	fl.StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	return cmd
}

func newPUInspectCmd() *cobra.Command {
	limits := pu.DefaultLimits()
	cmd := &cobra.Command{
		Use:   "inspect <dataset>",
		Short: "Summarise a PU dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()
			pus, err := pu.Load(f, limits)
			if err != nil {
				return err
			}
			return printPUSummary(cmd.OutOrStdout(), pus)
		},
	}
	cmd.Flags().IntVar(&limits.MaxPUs, "max-pus", limits.MaxPUs, "maximum number of primary users")
	cmd.Flags().IntVar(&limits.MaxIntervals, "max-intervals", limits.MaxIntervals, "maximum activity intervals per PU")
	return cmd
}

func printPUSummary(w io.Writer, pus []*pu.PrimaryUser) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHANNEL\tTX\tRADIUS\tINTERVALS\tACTIVE(s)\tFIRST\tLAST")
	for _, p := range pus {
		var active time.Duration
		for _, iv := range p.Intervals {
			active += iv.Departure - iv.Arrival
		}
		first, last := "-", "-"
		if n := len(p.Intervals); n > 0 {
			first = fmt.Sprintf("%.3f", p.Intervals[0].Arrival.Seconds())
			last = fmt.Sprintf("%.3f", p.Intervals[n-1].Departure.Seconds())
		}
		fmt.Fprintf(tw, "%d\t%d\t(%.1f,%.1f)\t%.1f\t%d\t%.3f\t%s\t%s\n",
			p.ID, p.Channel, p.Tx.X, p.Tx.Y, p.Radius, len(p.Intervals), active.Seconds(), first, last)
	}
	return tw.Flush()
}
