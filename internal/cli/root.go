// Package cli implements the rawvec command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/internal/config"
)

var (
	// Version information set at build time
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersionInfo sets the version information from build flags.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

// app carries the state shared by all subcommands of one invocation.
type app struct {
	cfgFile string
	debug   bool

	cfg    *config.Config
	logger *rawvec.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "rawvec",
		Short: "Inspect, verify and archive raw vector dumps",
		Long: `rawvec works on the dump directories written by raw vector stores
and engines.

Examples:
  # Show the segments of a dump directory
  rawvec inspect ./data/dump/000001

  # Reload an engine's dump chain and check every record
  rawvec verify ./data

  # Archive a dump into the blob root and make it the latest checkpoint
  rawvec pack ./data/dump/000003 ckpt-000003.rva --publish`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./rawvec.yaml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newInspectCmd(a),
		newVerifyCmd(a),
		newPackCmd(a),
		newUnpackCmd(a),
		newListCmd(a),
		newStatsCmd(a),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (a *app) setup(stderr io.Writer) error {
	cfg, err := config.Load(viper.New(), a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if a.debug {
		level = log.DebugLevel
	}

	opts := log.Options{Level: level, ReportTimestamp: true}
	switch cfg.Log.Format {
	case "json":
		opts.Formatter = log.JSONFormatter
	case "logfmt":
		opts.Formatter = log.LogfmtFormatter
	case "", "text":
		opts.Formatter = log.TextFormatter
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}

	a.logger = rawvec.NewLogger(log.NewWithOptions(stderr, opts))
	a.logger.Debug("config loaded", "file", a.cfgFile, "engine_root", cfg.Engine.Root)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rawvec %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
