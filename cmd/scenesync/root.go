package main

import (
	"github.com/spf13/cobra"

	"github.com/zeusync/scenesync/internal/config"
)

type rootOptions struct {
	configPath string
	store      string
	storePath  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "scenesync",
		Short:         "Authoritative scene graph server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.store, "store", "", "Store driver override (memory or sqlite)")
	cmd.PersistentFlags().StringVar(&opts.storePath, "store-path", "", "SQLite database path override")

	cmd.AddCommand(
		newServeCmd(opts),
		newListCmd(opts),
		newDumpCmd(opts),
		newDepsCmd(opts),
	)
	return cmd
}

// load reads the configuration and applies the flag overrides.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.store != "" {
		cfg.Store.Driver = o.store
	}
	if o.storePath != "" {
		cfg.Store.Path = o.storePath
	}
	return cfg, cfg.Validate()
}
