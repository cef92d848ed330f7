// Package cli wires the relay command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opentalon/relay/internal/config"
	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/version"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd builds the command tree. Commands write to cmd.OutOrStdout so
// tests can capture them.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "relay",
		Short: "Cross-service integration engine",
		Long: `relay routes work between registered services. It selects a capability
for each task, moves payloads along dataflow edges behind circuit breakers,
rate limits and a response cache, and runs multi-step workflows.`,
		SilenceUsage: true,
		Version:      version.Get().Version,
	}
	root.SetVersionTemplate(`{{printf "relay version %s\n" .Version}}`)

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to config file (env RELAY_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "override logging.format")

	root.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newSelectCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		return 1
	}
	return 0
}

// load reads the config file, or defaults when none is given, and applies
// flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	var cfg *config.Config
	if o.configPath == "" {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	} else {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	l, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, w)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return l, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version, commit and build date",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get())
		},
	}
}
