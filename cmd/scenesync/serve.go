package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/injector"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr, quicAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scene server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if quicAddr != "" {
				cfg.QUIC.Addr = quicAddr
			}

			app, cleanup, err := injector.InitializeApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.Logger.Info("Starting scenesync",
				log.String("addr", cfg.Server.Addr),
				log.String("store", cfg.Store.Driver))
			return app.Server.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address override")
	cmd.Flags().StringVar(&quicAddr, "quic-addr", "", "QUIC listen address, empty disables QUIC")
	return cmd
}
