// Command backfill links stored readings that are missing from the premise
// graph. Readings committed while Neo4j was unreachable are only in the
// vector store; backfill replays the newest of them into the ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/WessleyAI/meterscan/engine/service"
	"github.com/WessleyAI/meterscan/pkg/config"
	"github.com/WessleyAI/meterscan/pkg/metrics"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file (default $METERSCAN_CONFIG)")
		limit   = flag.Int("limit", 1000, "number of newest readings to replay")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	cfg.Graph.Enabled = true
	cfg.NATS.Enabled = false

	logger := config.NewLogger(cfg.Log, os.Stderr).With("service", "backfill")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, err := run(ctx, cfg, *limit, logger)
	if err != nil {
		logger.Error("backfill failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("scanned %d readings, linked %d, failed %d\n", rep.Scanned, rep.Linked, rep.Failed)
	if rep.Failed > 0 {
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg config.Config, limit int, logger *slog.Logger) (service.BackfillReport, error) {
	svc, err := service.Open(ctx, cfg, metrics.New(), logger)
	if err != nil {
		return service.BackfillReport{}, fmt.Errorf("open service: %w", err)
	}
	defer svc.Close(context.Background())

	if err := svc.Init(ctx); err != nil {
		return service.BackfillReport{}, fmt.Errorf("init: %w", err)
	}
	return svc.Backfill(ctx, limit)
}
