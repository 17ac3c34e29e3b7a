// Package rag answers free-text questions about stored meter readings. It
// embeds the question, retrieves the most similar readings, optionally adds
// premise history from the graph and the newest readings for questions
// about the latest value, and asks a text generator for an answer grounded
// only in that evidence.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/engine/graph"
	"github.com/WessleyAI/meterscan/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// NoMatchesAnswer is returned when retrieval finds nothing.
const NoMatchesAnswer = "No matching meter readings were found for that question."

// Embedder turns the question into a vector in the readings' space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Searcher abstracts the vector store.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int, filter domain.Filter) ([]domain.Match, error)
}

// TextGenerator produces the final answer.
type TextGenerator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// HistoryEnricher optionally supplies premise history for the prompt.
type HistoryEnricher interface {
	PremiseHistory(ctx context.Context, keywords []string, limit int) ([]graph.History, error)
}

// RecentLister optionally supplies the newest readings for questions that
// ask for the latest value, which similarity alone does not rank.
type RecentLister interface {
	Recent(ctx context.Context, limit int, filter domain.Filter) ([]domain.Reading, error)
}

// Options configures the RAG pipeline behaviour.
type Options struct {
	TopK int
	// Dimension is the collection's vector size. Zero skips the check.
	Dimension       int
	SystemPrompt    string
	UseGraph        bool
	HistoryLimit    int
	RecentLimit     int
	EmbedTimeout    time.Duration
	SearchTimeout   time.Duration
	GenerateTimeout time.Duration
	GraphTimeout    time.Duration
	Retry           domain.RetryPolicy
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:            5,
		SystemPrompt:    defaultSystemPrompt,
		UseGraph:        true,
		HistoryLimit:    5,
		RecentLimit:     5,
		EmbedTimeout:    15 * time.Second,
		SearchTimeout:   5 * time.Second,
		GenerateTimeout: 60 * time.Second,
		GraphTimeout:    3 * time.Second,
		Retry:           domain.DefaultRetryPolicy(),
	}
}

const defaultSystemPrompt = `You are an assistant for residential water meter readings.
Answer the user's question using ONLY the meter readings in the context.
Quote meter values exactly as recorded, including leading zeros, and name
the address each value belongs to. If the readings do not answer the
question, say so. Do not invent readings, addresses or dates.`

// Deps holds the external dependencies of the query engine.
type Deps struct {
	Embedder  Embedder
	Searcher  Searcher
	Generator TextGenerator
	// History and Recent are optional.
	History HistoryEnricher
	Recent  RecentLister
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Service is the RAG orchestration service.
type Service struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New creates a new RAG Service.
func New(deps Deps, opts Options) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = DefaultOptions().RecentLimit
	}
	return &Service{deps: deps, opts: opts, logger: logger}
}

// Answer runs the full RAG pipeline over every stored reading.
func (s *Service) Answer(ctx context.Context, question string) (*domain.QueryResult, error) {
	return s.AnswerFiltered(ctx, question, nil)
}

// AnswerFiltered runs the pipeline restricted to readings matching filter.
// When generation fails the returned result still carries the evidence,
// alongside a GenerationFailed error.
func (s *Service) AnswerFiltered(ctx context.Context, question string, filter domain.Filter) (res *domain.QueryResult, err error) {
	ctx, span := otel.Tracer("engine/rag").Start(ctx, "rag.answer")
	start := time.Now()
	defer func() {
		outcome := metrics.OK
		if err != nil {
			outcome = string(domain.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if res != nil && res.RetrievedCount == 0 {
			outcome = "no_matches"
		}
		s.deps.Metrics.Query(outcome)
		s.logger.Info("rag: answer",
			"outcome", outcome,
			"retrieved", retrieved(res),
			"duration", time.Since(start),
		)
		span.End()
	}()

	q, err := domain.NormalizeQuestion(question)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("rag: query start", "question_len", len(q), "filter", filter)

	vec, err := s.embed(ctx, q)
	if err != nil {
		return nil, err
	}

	matches, err := s.search(ctx, vec, filter)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("rag.retrieved", len(matches)))
	s.deps.Metrics.Retrieved(len(matches))

	if len(matches) == 0 {
		return &domain.QueryResult{Answer: NoMatchesAnswer, Evidence: []domain.Match{}, RetrievedCount: 0}, nil
	}

	var history []graph.History
	if s.opts.UseGraph && s.deps.History != nil {
		history = s.enrichWithGraph(ctx, q)
	}

	var latest []domain.Reading
	if s.deps.Recent != nil && asksForLatest(q) {
		latest = s.newest(ctx, filter)
	}

	res = &domain.QueryResult{Evidence: matches, RetrievedCount: len(matches)}
	answer, err := s.generate(ctx, q, buildPrompt(q, matches, history, latest))
	if err != nil {
		return res, err
	}
	res.Answer = answer
	return res, nil
}

func (s *Service) embed(ctx context.Context, q string) ([]float32, error) {
	defer s.timed("embed")()
	var vec []float32
	err := s.retry().Do(ctx, domain.Call{Op: "rag.embed", Timeout: s.opts.EmbedTimeout, Unavailable: domain.CapabilityUnavailable},
		func(ctx context.Context) error {
			out, err := s.deps.Embedder.Embed(ctx, q)
			vec = out
			return err
		})
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, domain.Ef(domain.EmbeddingSpaceMismatch, "rag.embed", "embedder returned an empty vector")
	}
	if d := s.opts.Dimension; d > 0 && len(vec) != d {
		return nil, domain.Ef(domain.EmbeddingSpaceMismatch, "rag.embed",
			"question embedding has %d dimensions, collection has %d", len(vec), d)
	}
	return vec, nil
}

func (s *Service) search(ctx context.Context, vec []float32, filter domain.Filter) ([]domain.Match, error) {
	defer s.timed("search")()
	var matches []domain.Match
	err := s.retry().Do(ctx, domain.Call{Op: "rag.search", Timeout: s.opts.SearchTimeout, Unavailable: domain.StoreUnavailable},
		func(ctx context.Context) error {
			out, err := s.deps.Searcher.Search(ctx, vec, s.opts.TopK, filter)
			matches = out
			return err
		})
	if err != nil {
		return nil, err
	}
	model := s.deps.Embedder.Model()
	for _, m := range matches {
		if m.EmbedModel != "" && model != "" && m.EmbedModel != model {
			return nil, domain.Ef(domain.EmbeddingSpaceMismatch, "rag.search",
				"reading %s was embedded with %q, questions use %q", m.ID, m.EmbedModel, model)
		}
	}
	return matches, nil
}

func (s *Service) generate(ctx context.Context, q, prompt string) (string, error) {
	defer s.timed("generate")()
	var answer string
	err := s.retry().Do(ctx, domain.Call{Op: "rag.generate", Timeout: s.opts.GenerateTimeout, Unavailable: domain.CapabilityUnavailable},
		func(ctx context.Context) error {
			out, err := s.deps.Generator.Generate(ctx, s.opts.SystemPrompt, prompt)
			answer = out
			return err
		})
	if err != nil {
		return "", domain.E(domain.GenerationFailed, "rag.generate", "", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", domain.Ef(domain.GenerationFailed, "rag.generate", "generator returned an empty answer")
	}
	return answer, nil
}

// enrichWithGraph attempts to get premise history; failures are logged and skipped.
func (s *Service) enrichWithGraph(ctx context.Context, question string) []graph.History {
	keywords := extractKeywords(question)
	if len(keywords) == 0 {
		return nil
	}
	defer s.timed("graph")()
	gctx := ctx
	if s.opts.GraphTimeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, s.opts.GraphTimeout)
		defer cancel()
	}
	hist, err := s.deps.History.PremiseHistory(gctx, keywords, s.opts.HistoryLimit)
	if err != nil {
		s.logger.Warn("rag: graph enrichment failed, continuing without", "err", err)
		return nil
	}
	return hist
}

// newest lists the most recent readings under filter. Like graph
// enrichment it only adds context, so failures are logged and skipped.
func (s *Service) newest(ctx context.Context, filter domain.Filter) []domain.Reading {
	defer s.timed("recent")()
	var out []domain.Reading
	err := s.retry().Do(ctx, domain.Call{Op: "rag.recent", Timeout: s.opts.SearchTimeout, Unavailable: domain.StoreUnavailable},
		func(ctx context.Context) error {
			rs, err := s.deps.Recent.Recent(ctx, s.opts.RecentLimit, filter)
			out = rs
			return err
		})
	if err != nil {
		s.logger.Warn("rag: recent readings unavailable, continuing without", "err", err)
		return nil
	}
	return out
}

func (s *Service) timed(step string) func() {
	start := time.Now()
	return func() { s.deps.Metrics.Stage("rag", step, time.Since(start)) }
}

func (s *Service) retry() domain.RetryPolicy {
	policy := s.opts.Retry
	prev := policy.OnRetry
	policy.OnRetry = func(op string, kind domain.Kind, attempt int, wait time.Duration) {
		s.deps.Metrics.Retry(op, string(kind))
		s.logger.Info("rag: retrying", "op", op, "kind", string(kind), "attempt", attempt, "wait", wait)
		if prev != nil {
			prev(op, kind, attempt, wait)
		}
	}
	return policy
}

func retrieved(res *domain.QueryResult) int {
	if res == nil {
		return 0
	}
	return res.RetrievedCount
}

// buildPrompt formats the question with its evidence, optional premise
// history and optional newest readings.
func buildPrompt(question string, matches []domain.Match, history []graph.History, latest []domain.Reading) string {
	var b strings.Builder
	b.WriteString("Meter readings:\n")
	for i, m := range matches {
		fmt.Fprintf(&b, "[%d] %s: %s", i+1, m.Address.Full(), m.MeterValue)
		if m.Units != "" {
			fmt.Fprintf(&b, " %s", m.Units)
		}
		fmt.Fprintf(&b, " (confidence %.2f, recorded %s, relevance %.3f)", m.Confidence, m.CreatedAt.UTC().Format(time.RFC3339), m.Score)
		if m.Notes != "" {
			fmt.Fprintf(&b, " Notes: %s", m.Notes)
		}
		b.WriteByte('\n')
	}
	if len(history) > 0 {
		b.WriteString("\nPremise history:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s:", h.Premise.FullAddress)
			for i, e := range h.Readings {
				if i > 0 {
					b.WriteByte(',')
				}
				fmt.Fprintf(&b, " %s on %s", e.MeterValue, e.RecordedAt.Format("2006-01-02"))
			}
			b.WriteByte('\n')
		}
	}
	if len(latest) > 0 {
		b.WriteString("\nMost recent readings, newest first:\n")
		for _, r := range latest {
			fmt.Fprintf(&b, "- %s: %s", r.Address.Full(), r.MeterValue)
			if r.Units != "" {
				fmt.Fprintf(&b, " %s", r.Units)
			}
			fmt.Fprintf(&b, " recorded %s\n", r.CreatedAt.UTC().Format(time.RFC3339))
		}
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	return b.String()
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "shall": true, "to": true,
	"of": true, "in": true, "for": true, "on": true, "with": true,
	"at": true, "by": true, "from": true, "as": true, "into": true,
	"what": true, "where": true, "when": true, "how": true, "which": true,
	"who": true, "this": true, "that": true, "these": true, "those": true,
	"i": true, "me": true, "my": true, "it": true, "its": true,
	"and": true, "but": true, "or": true, "not": true,
	"meter": true, "meters": true, "reading": true, "readings": true,
	"water": true, "value": true, "show": true, "tell": true, "latest": true,
	"last": true, "recent": true, "newest": true, "most": true, "current": true,
	"street": true, "st": true, "avenue": true, "ave": true, "road": true, "rd": true,
}

// recencyWords mark questions about the newest value at an address.
var recencyWords = map[string]bool{
	"last": true, "latest": true, "recent": true, "recently": true, "newest": true, "current": true,
}

func asksForLatest(question string) bool {
	for _, w := range strings.Fields(strings.ToLower(question)) {
		if recencyWords[strings.Trim(w, "?.,!;:'\"()")] {
			return true
		}
	}
	return false
}

// extractKeywords picks address-like words from a question. Words that
// contain a digit are kept regardless of length so house numbers survive.
func extractKeywords(question string) []string {
	words := strings.Fields(strings.ToLower(question))
	var keywords []string
	seen := map[string]bool{}
	for _, w := range words {
		w = strings.Trim(w, "?.,!;:'\"()")
		if w == "" || stopWords[w] || seen[w] {
			continue
		}
		if len(w) > 2 || strings.ContainsAny(w, "0123456789") {
			keywords = append(keywords, w)
			seen[w] = true
		}
	}
	return keywords
}
