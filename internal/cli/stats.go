package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/hupe1980/rawvec/engine"
	"github.com/hupe1980/rawvec/prommetrics"
)

func newStatsCmd(a *app) *cobra.Command {
	var (
		root    string
		metrics bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Load the configured engine and print per-field statistics",
		Long: `stats opens the engine described by the engine section of the
config, reloads its dumps and prints one row per field.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg.Engine
			if root != "" {
				cfg.Root = root
			}

			reg := prometheus.NewRegistry()
			collector, err := prommetrics.New(reg, "")
			if err != nil {
				return err
			}

			e, err := engine.New(cfg, engine.WithLogger(a.logger), engine.WithMetricsCollector(collector))
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			if err := e.Load(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Engine %s: %s documents", cfg.Root, humanize.Comma(int64(e.DocCount())))))
			printFieldStats(out, e.Stats())

			if metrics {
				return writeMetrics(out, reg)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "engine root (overrides engine.root)")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "also print the load metrics in Prometheus text format")
	return cmd
}

func printFieldStats(out io.Writer, stats []engine.FieldStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tKIND\tVECTORS\tDOCS\tTOMBSTONES\tMEMORY\tFLUSHED")
	for _, s := range stats {
		flushed := "-"
		if s.Flushed >= 0 {
			flushed = humanize.Comma(s.Flushed)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", s.Name, s.Kind, humanize.Comma(int64(s.Vectors)),
			humanize.Comma(int64(s.Docs)), s.Tombstones, humanize.Bytes(uint64(s.MemBytes)), flushed)
	}
	_ = w.Flush()
}

func writeMetrics(out io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	var errs []error
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
