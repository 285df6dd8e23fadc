package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/logging"
)

var workerNoMetrics bool

// workerCmd implements "corvid worker": a long-running choreographer
// executor that serves delegated groups from the bridge transport and
// exposes Prometheus metrics.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run delegated step groups from the bridge transport",
	Long: `Start an executor that consumes sub-process requests from the bridge
transport, runs their steps through the controller and publishes the
outcome. Requires [bridge] enabled = true; use the redis transport to share
work between processes.

Prometheus metrics are served on [metrics].addr unless --no-metrics is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := resolved.Config
		if !cfg.Bridge.Enabled {
			return errors.New("worker needs [bridge] enabled = true")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg, runtimeOpts{withCatalog: true, executorOnly: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		logger := logging.New("worker")
		var srv *http.Server
		if !workerNoMetrics {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(rt.metrics.Registry(), promhttp.HandlerOpts{}))
			srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", "error", err)
					stop()
				}
			}()
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
		}

		logger.Info("worker started", "catalog", rt.catalog.Name, "transport", cfg.Bridge.Transport, "pool", cfg.Bridge.ExecutorPool)
		<-ctx.Done()
		logger.Info("worker stopping")

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("stopping metrics server: %w", err)
			}
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerNoMetrics, "no-metrics", false, "Do not serve Prometheus metrics")
	rootCmd.AddCommand(workerCmd)
}
