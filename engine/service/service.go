// Package service is the boundary of the meterscan engine. It owns the
// extraction pipeline, the query engine and the stores behind them, and
// exposes the operations the API, CLI and worker call.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/engine/extract"
	"github.com/WessleyAI/meterscan/engine/graph"
	"github.com/WessleyAI/meterscan/engine/rag"
	"github.com/WessleyAI/meterscan/engine/semantic"
	"github.com/WessleyAI/meterscan/pkg/fn"
	"github.com/WessleyAI/meterscan/pkg/metrics"
	"github.com/WessleyAI/meterscan/pkg/repo"
)

const (
	DefaultRecentLimit = 10
	MaxRecentLimit     = 100
	healthTimeout      = 3 * time.Second
)

// Ledger is the optional premise graph.
type Ledger interface {
	extract.Sink
	rag.HistoryEnricher
	EnsureSchema(ctx context.Context) error
	Premise(ctx context.Context, addr domain.Address) (graph.Premise, error)
	Premises(ctx context.Context, offset, limit int) ([]graph.Premise, error)
	NodeCounts(ctx context.Context) (map[string]int64, error)
	Health(ctx context.Context) error
}

// Check is a named health check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps holds everything the service is assembled from.
type Deps struct {
	Vision    extract.VisionExtractor
	Embedder  extract.Embedder
	Generator rag.TextGenerator
	Store     semantic.Store
	// Ledger and Events are optional.
	Ledger  Ledger
	Events  extract.Sink
	Checks  []Check
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Options configures the service.
type Options struct {
	// Dimension is the embedding size the collection is created with.
	Dimension int
	Extract   extract.Options
	RAG       rag.Options
}

// DefaultOptions returns sensible defaults for the given dimension.
func DefaultOptions(dim int) Options {
	ex := extract.DefaultOptions()
	ex.Dimension = dim
	ro := rag.DefaultOptions()
	ro.Dimension = dim
	return Options{Dimension: dim, Extract: ex, RAG: ro}
}

// Service implements the engine's boundary operations.
type Service struct {
	store    semantic.Store
	ledger   Ledger
	pipeline *extract.Pipeline
	rag      *rag.Service
	checks   []Check
	dim      int
	logger   *slog.Logger
	closers  []func(context.Context) error
	nc       *nats.Conn
}

// New assembles a Service.
func New(deps Deps, opts Options) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sinks []extract.Sink
	if deps.Ledger != nil {
		sinks = append(sinks, deps.Ledger)
	}
	if deps.Events != nil {
		sinks = append(sinks, deps.Events)
	}

	ragDeps := rag.Deps{
		Embedder:  deps.Embedder,
		Searcher:  deps.Store,
		Generator: deps.Generator,
		Recent:    deps.Store,
		Metrics:   deps.Metrics,
		Logger:    logger.With("component", "rag"),
	}
	if deps.Ledger != nil {
		ragDeps.History = deps.Ledger
	} else {
		opts.RAG.UseGraph = false
	}

	checks := []Check{{Name: "vector_store", Fn: deps.Store.Health}}
	if deps.Ledger != nil {
		checks = append(checks, Check{Name: "graph", Fn: deps.Ledger.Health})
	}
	checks = append(checks, deps.Checks...)

	return &Service{
		store:  deps.Store,
		ledger: deps.Ledger,
		pipeline: extract.New(extract.Deps{
			Vision:   deps.Vision,
			Embedder: deps.Embedder,
			Store:    deps.Store,
			Sinks:    sinks,
			Metrics:  deps.Metrics,
			Logger:   logger.With("component", "extract"),
		}, opts.Extract),
		rag:    rag.New(ragDeps, opts.RAG),
		checks: checks,
		dim:    opts.Dimension,
		logger: logger,
	}
}

// Init creates the collection and graph schema when missing. It fails with
// SchemaConflict when an existing collection disagrees with the configured
// dimension.
func (s *Service) Init(ctx context.Context) error {
	if err := s.store.EnsureCollection(ctx, s.dim); err != nil {
		return err
	}
	if s.ledger != nil {
		if err := s.ledger.EnsureSchema(ctx); err != nil {
			// the graph only enriches answers
			s.logger.Warn("service: graph schema unavailable", "err", err)
		}
	}
	return nil
}

// ExtractAndStore reads the meter in the uploaded image and persists it.
func (s *Service) ExtractAndStore(ctx context.Context, up extract.Upload) (*extract.Outcome, error) {
	return s.pipeline.ExtractAndStore(ctx, up)
}

// AnswerQuestion answers a free-text question from stored readings. filter
// may be nil. On GenerationFailed the partial result still carries the
// evidence.
func (s *Service) AnswerQuestion(ctx context.Context, question string, filter domain.Filter) (*domain.QueryResult, error) {
	return s.rag.AnswerFiltered(ctx, question, filter)
}

// Recent returns up to limit readings, newest first. Zero selects
// DefaultRecentLimit; limits above MaxRecentLimit are capped.
func (s *Service) Recent(ctx context.Context, limit int) ([]domain.Reading, error) {
	switch {
	case limit == 0:
		limit = DefaultRecentLimit
	case limit < 0:
		return nil, domain.Invalid("service.recent", "limit", fmt.Sprint(limit), domain.ErrNonPositive)
	case limit > MaxRecentLimit:
		limit = MaxRecentLimit
	}
	return s.store.Recent(ctx, limit, nil)
}

// Describe reports the collection's schema and size.
func (s *Service) Describe(ctx context.Context) (semantic.Description, error) {
	return s.store.Describe(ctx)
}

// Info is Describe plus graph statistics when a ledger is configured.
type Info struct {
	Collection semantic.Description `json:"collection"`
	Graph      map[string]int64     `json:"graph,omitempty"`
}

// Info describes the collection and, best effort, the graph.
func (s *Service) Info(ctx context.Context) (Info, error) {
	desc, err := s.store.Describe(ctx)
	if err != nil {
		return Info{}, err
	}
	info := Info{Collection: desc}
	if s.ledger != nil {
		counts, err := s.ledger.NodeCounts(ctx)
		if err != nil {
			s.logger.Warn("service: graph counts unavailable", "err", err)
		} else {
			info.Graph = counts
		}
	}
	return info, nil
}

// Premise looks up the ledger premise at addr. An address the ledger has
// never seen wraps repo.ErrNotFound.
func (s *Service) Premise(ctx context.Context, addr domain.Address) (graph.Premise, error) {
	const op = "service.premise"
	if s.ledger == nil {
		return graph.Premise{}, domain.Ef(domain.CapabilityUnavailable, op, "premise ledger is not configured")
	}
	addr, err := domain.NormalizeAddress(addr)
	if err != nil {
		return graph.Premise{}, err
	}
	p, err := s.ledger.Premise(ctx, addr)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return graph.Premise{}, fmt.Errorf("service: premise %s: %w", addr.Full(), err)
	case err != nil:
		return graph.Premise{}, domain.E(domain.StoreUnavailable, op, "", err)
	}
	return p, nil
}

// Premises lists premises known to the ledger.
func (s *Service) Premises(ctx context.Context, offset, limit int) ([]graph.Premise, error) {
	if s.ledger == nil {
		return nil, domain.Ef(domain.CapabilityUnavailable, "service.premises", "premise ledger is not configured")
	}
	if offset < 0 {
		return nil, domain.Invalid("service.premises", "offset", fmt.Sprint(offset), domain.ErrNonPositive)
	}
	if limit <= 0 || limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	ps, err := s.ledger.Premises(ctx, offset, limit)
	if err != nil {
		return nil, domain.E(domain.StoreUnavailable, "service.premises", "", err)
	}
	return ps, nil
}

// BackfillReport summarizes a Backfill run.
type BackfillReport struct {
	Scanned int `json:"scanned"`
	Linked  int `json:"linked"`
	Failed  int `json:"failed"`
}

// Backfill replays up to limit of the newest stored readings into the
// premise ledger. Readings committed while the graph was unreachable are
// linked; readings already present are left unchanged.
func (s *Service) Backfill(ctx context.Context, limit int) (BackfillReport, error) {
	const op = "service.backfill"
	var rep BackfillReport
	if s.ledger == nil {
		return rep, domain.Ef(domain.CapabilityUnavailable, op, "premise ledger is not configured")
	}
	if limit <= 0 {
		return rep, domain.Invalid(op, "limit", fmt.Sprint(limit), domain.ErrNonPositive)
	}
	readings, err := s.store.Recent(ctx, limit, nil)
	if err != nil {
		return rep, err
	}
	for _, r := range readings {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("service: backfill: %w", err)
		}
		rep.Scanned++
		if err := s.ledger.ReadingStored(ctx, r); err != nil {
			rep.Failed++
			s.logger.Warn("service: backfill failed", "reading_id", r.ID, "err", err)
			continue
		}
		rep.Linked++
	}
	s.logger.Info("service: backfill complete", "scanned", rep.Scanned, "linked", rep.Linked, "failed", rep.Failed)
	return rep, nil
}

// HealthReport is the outcome of Health.
type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Healthy reports whether every component answered.
func (h HealthReport) Healthy() bool { return h.Status == "ok" }

// Health checks every component concurrently.
func (s *Service) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	calls := make([]func(context.Context) error, len(s.checks))
	for i, c := range s.checks {
		calls[i] = c.Fn
	}
	results := fn.FanOut(ctx, calls...)

	report := HealthReport{Status: "ok", Components: make(map[string]string, len(s.checks))}
	for i, err := range results {
		name := s.checks[i].Name
		if err != nil {
			report.Status = "degraded"
			report.Components[name] = err.Error()
			s.logger.Warn("service: health check failed", "component", name, "err", err)
			continue
		}
		report.Components[name] = "ok"
	}
	return report
}

// Components lists the names of the health checks, sorted.
func (s *Service) Components() []string {
	names := make([]string, len(s.checks))
	for i, c := range s.checks {
		names[i] = c.Name
	}
	sort.Strings(names)
	return names
}

// Close releases every resource opened by Open, in reverse order.
func (s *Service) Close(ctx context.Context) error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
