// Command advisor runs the admissions chat service and its operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/advisor/internal/logging"
	"github.com/aixgo-dev/advisor/pkg/config"
)

// Version information (set via ldflags)
var Version = "dev"

type rootOptions struct {
	configFile string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "advisor",
		Short:        "Admissions chat service with advisor handoff",
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", os.Getenv("ADVISOR_CONFIG"), "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newChatCmd(),
		newTranscriptCmd(opts),
		newHandoffCmd(),
		newConfigCmd(opts),
	)
	return root
}

// load reads the configuration and builds the logger.
func (o *rootOptions) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(o.configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("configure logging: %w", err)
	}
	return cfg, logger.With().Str("version", Version).Logger(), nil
}
