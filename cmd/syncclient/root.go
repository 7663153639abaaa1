package main

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"realtime-sync/config"
	"realtime-sync/internal/logging"
)

type rootOptions struct {
	configPath string
	format     string
	logLevel   string
}

var validFormats = []string{"json", "yaml"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "syncclient",
		Short:         "Real-time sync client core",
		Long:          "Keeps a push connection to the sync server, orders and fans out its events, and maintains an offline snapshot.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.format) {
				return commandError(fmt.Errorf("invalid format %q: must be one of %v", opts.format, validFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: ./config/syncclient.yaml or ./syncclient.yaml)")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "json", "output format (json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug|info|warn|error)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	return cmd
}

// load 读取配置并构造 logger；--log-level 优先于配置文件
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, commandError(err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, logging.New(cfg.Log.Level), nil
}
