package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quatton/qbench/pkg/qapi"
	"github.com/quatton/qbench/pkg/qapi/services"
	"github.com/quatton/qbench/pkg/qlog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve orchestration history over HTTP",
	Long: `Serve the recorded orchestrations, their lifecycle events and mirrored
artifacts as a read-only JSON API. Requires QBENCH_LEDGER=true; artifact routes
also need the QBENCH_S3_* settings.

OpenAPI docs are served at /docs and Prometheus metrics at /metrics.`,
	RunE: serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := qlog.FromContext(ctx)
	settings, err := GetSettings(cmd)
	if err != nil {
		return err
	}
	settings.Print(func(format string, args ...interface{}) {
		fmt.Fprintf(cmd.ErrOrStderr(), format, args...)
	})
	if !settings.Ledger {
		log.Warn("ledger disabled; history routes will answer 503")
	}

	st, err := openStack(ctx, settings, log)
	if err != nil {
		return err
	}
	defer st.Close()

	svcs := &services.Services{Artifacts: st.artifacts, Metrics: st.metrics}
	if st.ledger != nil {
		svcs.History = st.ledger
	}
	api := qapi.NewApi(svcs)

	srv := &http.Server{
		Addr:              ":" + settings.Port,
		Handler:           api.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("history server starting", "addr", srv.Addr, "docs", "/docs", "spec", "/openapi.json")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
