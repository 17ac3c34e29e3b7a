// Command extract-worker consumes queued extraction requests from NATS and
// runs them through the extraction pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/meterscan/engine/extract"
	"github.com/WessleyAI/meterscan/engine/service"
	"github.com/WessleyAI/meterscan/pkg/config"
	"github.com/WessleyAI/meterscan/pkg/metrics"
)

func main() {
	var (
		cfgPath     = flag.String("config", "", "path to YAML config file (default $METERSCAN_CONFIG)")
		metricsPort = flag.Int("metrics-port", 9091, "port serving /metrics and /healthz; 0 disables")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	// the worker is useless without its queue
	cfg.NATS.Enabled = true

	logger := config.NewLogger(cfg.Log, os.Stdout).With("service", "extract-worker")
	slog.SetDefault(logger)

	if err := run(cfg, *metricsPort, logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, metricsPort int, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	svc, err := service.Open(ctx, cfg, m, logger)
	if err != nil {
		return fmt.Errorf("open service: %w", err)
	}
	defer svc.Close(context.Background())

	if err := svc.Init(ctx); err != nil {
		return fmt.Errorf("init collection: %w", err)
	}

	sub, err := extract.StartConsumer(svc.Conn(), svc, logger)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", extract.ExtractSubject, err)
	}
	logger.Info("consuming extraction requests", "subject", extract.ExtractSubject, "dlq", extract.DLQSubject)

	var srv *http.Server
	if metricsPort > 0 {
		srv = newOpsServer(metricsPort, svc, m)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// let in-flight requests finish before the connection drains
	if err := sub.Drain(); err != nil {
		logger.Warn("drain subscription", "err", err)
	}
	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}
	return nil
}

type healthReporter interface {
	Health(ctx context.Context) service.HealthReport
}

func newOpsServer(port int, h healthReporter, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		report := h.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, `{"status":%q}`, report.Status)
	})
	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadTimeout: 5 * time.Second}
}
