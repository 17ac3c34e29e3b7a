package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/meterscan/engine/extract"
	"github.com/WessleyAI/meterscan/engine/graph"
	"github.com/WessleyAI/meterscan/engine/rag"
	"github.com/WessleyAI/meterscan/engine/semantic"
	"github.com/WessleyAI/meterscan/pkg/bedrock"
	"github.com/WessleyAI/meterscan/pkg/config"
	"github.com/WessleyAI/meterscan/pkg/metrics"
	"github.com/WessleyAI/meterscan/pkg/ollama"
)

// provider is what a capability backend offers.
type provider interface {
	extract.VisionExtractor
	extract.Embedder
	rag.TextGenerator
}

// Open builds a Service from configuration, connecting to every configured
// backend. The caller must Close it. Open does not call Init.
func Open(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (svc *Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func(context.Context) error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i](ctx)
			}
		}
	}()

	deps := Deps{Metrics: m, Logger: logger}

	p, checks, err := openProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.Vision, deps.Embedder, deps.Generator = p, p, p
	deps.Checks = checks

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func(context.Context) error { return store.Close() })
	deps.Store = store

	if cfg.Graph.Enabled {
		driver, err := neo4j.NewDriverWithContext(cfg.Graph.URL, neo4j.BasicAuth(cfg.Graph.User, cfg.Graph.Pass, ""))
		if err != nil {
			return nil, fmt.Errorf("service: neo4j driver: %w", err)
		}
		closers = append(closers, driver.Close)
		deps.Ledger = graph.New(driver, cfg.Graph.Database, logger.With("component", "graph"))
	}

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("meterscan"))
		if err != nil {
			return nil, fmt.Errorf("service: nats connect: %w", err)
		}
		closers = append(closers, func(context.Context) error { return nc.Drain() })
		deps.Events = extract.NewEventPublisher(nc)
		deps.Checks = append(deps.Checks, Check{Name: "nats", Fn: func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats: %s", nc.Status())
			}
			return nil
		}})
	}

	opts := DefaultOptions(cfg.Dimension())
	opts.RAG.TopK = cfg.RAG.TopK
	opts.RAG.UseGraph = cfg.RAG.UseGraph

	svc = New(deps, opts)
	svc.closers = closers
	svc.nc = nc
	logger.Info("service: opened",
		"provider", cfg.Provider,
		"store", cfg.Store.Backend,
		"collection", cfg.Store.Collection,
		"dimension", cfg.Dimension(),
		"graph", cfg.Graph.Enabled,
		"nats", cfg.NATS.Enabled,
	)
	return svc, nil
}

// Conn returns the NATS connection opened by Open, or nil.
func (s *Service) Conn() *nats.Conn { return s.nc }

func openProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (provider, []Check, error) {
	switch cfg.Provider {
	case config.ProviderBedrock:
		opts := bedrock.DefaultOptions()
		opts.Region = cfg.Bedrock.Region
		opts.VisionModel = cfg.Bedrock.VisionModel
		opts.TextModel = cfg.Bedrock.TextModel
		opts.EmbedModel = cfg.Bedrock.EmbedModel
		opts.Dimensions = cfg.Bedrock.Dimension
		opts.Logger = logger.With("component", "bedrock")
		c, err := bedrock.New(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	default:
		opts := ollama.DefaultOptions()
		opts.BaseURL = cfg.Ollama.URL
		opts.EmbedModel = cfg.Ollama.EmbedModel
		opts.ChatModel = cfg.Ollama.ChatModel
		opts.VisionModel = cfg.Ollama.VisionModel
		opts.Logger = logger.With("component", "ollama")
		c := ollama.New(opts)
		return c, []Check{{Name: "ollama", Fn: c.Health}}, nil
	}
}

func openStore(cfg config.Config) (semantic.Store, error) {
	dist, err := semantic.ParseDistance(cfg.Store.Distance)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Backend == config.BackendMemory {
		return semantic.NewMemory(cfg.Store.Collection, dist), nil
	}
	vs, err := semantic.New(cfg.Store.QdrantURL, storeOptions(cfg.Store, dist))
	if err != nil {
		return nil, err
	}
	return vs, nil
}

func storeOptions(sc config.StoreConfig, dist semantic.Distance) semantic.Options {
	opts := semantic.DefaultOptions()
	opts.Collection = sc.Collection
	opts.Distance = dist
	opts.Wait = sc.Wait
	return opts
}
