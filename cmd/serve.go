package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/runsync/internal/ingest"
	"github.com/sells-group/runsync/internal/monitoring"
	"github.com/sells-group/runsync/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion and status API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		srv := server.New(st, ingest.NewService(st, cfg.Server.WebhookSecret), serverOptions())
		checker := monitoring.NewChecker(st, cfg.Monitoring)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})

		err = g.Wait()
		zap.L().Info("server stopped")
		return err
	},
}

func serverOptions() server.Options {
	return server.Options{
		Port:             cfg.Server.Port,
		CORSOrigins:      cfg.Server.CORSOrigins,
		IngestRatePerSec: cfg.Server.IngestRatePerSec,
		IngestBurst:      cfg.Server.IngestBurst,
		ShutdownTimeout:  time.Duration(cfg.Server.ShutdownTimeoutSecs) * time.Second,
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
