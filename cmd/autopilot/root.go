package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/logging"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "autopilot",
		Short: "Autonomous task scheduler with a safety gate",
		Long: `autopilot schedules, decomposes and executes tasks through an external
processor command. Every operation is checked against safety policies first;
risky ones wait for confirmation and critical resource usage halts the run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.autopilot/config.json merged with .autopilot/config.json)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newRunCmd(opts),
		newAuditCmd(opts),
		newSessionsCmd(opts),
		newPoliciesCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// loadConfig reads --config when given, otherwise the conventional paths.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load("", o.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// logger builds the process logger. Without a log directory it writes to
// stderr so stdout stays free for command output.
func (o *globalOptions) logger(cfg *config.Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	if cfg.Logging.Dir != "" {
		return logging.NewFile(cfg.Logging.Dir, cfg.Logging.Level)
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return logging.New(stderr, cfg.Logging.Level, cfg.Logging.Format), io.NopCloser(nil), nil
}
