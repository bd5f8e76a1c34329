package main

import (
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phxdata/propflow/internal/service"
)

func newServeCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the processing daemon",
		Long: `Run the long-lived processing service: a bounded queue drained into the
extraction pipeline, with /process, /health, /metrics, and /ws/events on
the configured listen address. SIGINT/SIGTERM drains and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			svcCfg := service.Config{
				ListenAddr:      a.cfg.Service.ListenAddr,
				QueueSize:       a.cfg.Service.QueueSize,
				Workers:         a.cfg.Service.Workers,
				ShutdownTimeout: a.cfg.Service.ShutdownTimeout(),
			}
			if listenAddr != "" {
				svcCfg.ListenAddr = listenAddr
			}

			svc := service.New(svcCfg, a.pipe, a.repo, a.breakers, a.met)
			a.limiter.Register(svc.Hub().Observer())

			if err := svc.Serve(ctx); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "override the configured listen address")
	return cmd
}
