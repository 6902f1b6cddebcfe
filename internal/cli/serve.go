package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/infrafactory/internal/analytics"
	"github.com/lucasnoah/infrafactory/internal/web"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve pipeline status, summaries, analytics and Prometheus metrics over HTTP,
and accept gate decisions:

  POST /api/v1/pipelines/:id/gates/:gate/decision  {"granted": true, "approver": "alice"}

Decisions resume the pipeline in the background. Gates reached after a
decision suspend again until the next one arrives.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context(), appOptions{engine: true})
		if err != nil {
			return err
		}
		defer cleanup()

		addr := a.cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		var q analytics.Querier
		if a.db != nil {
			q = a.db.Pool()
		}
		srv := web.NewServer(a.engine, q, a.log, addr)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-cmd.Context().Done():
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("shutdown", zap.Error(err))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.addr)")
}
