// Package extract turns a meter photograph and its address into a persisted,
// vector-indexed reading. A request moves through
// Validating → Extracting → Parsing → Embedding → Persisting → Done, or stops
// in Failed with a typed error.
package extract

import (
	"context"
	"log/slog"
	"time"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/engine/semantic"
	"github.com/WessleyAI/meterscan/pkg/fn"
	"github.com/WessleyAI/meterscan/pkg/metrics"
	"github.com/google/uuid"
)

// VisionExtractor reads a meter image and returns the model's raw text.
type VisionExtractor interface {
	Extract(ctx context.Context, image []byte, mediaType, prompt string) (string, error)
}

// Embedder turns text into a vector. Model names the embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// ReadingWriter persists readings.
type ReadingWriter interface {
	Insert(ctx context.Context, r domain.Reading) (semantic.Visibility, error)
}

// Sink is notified after a reading is committed. Sink failures are logged
// and never fail the request.
type Sink interface {
	ReadingStored(ctx context.Context, r domain.Reading) error
}

// Upload is one extraction request. ID, when set, becomes the reading id;
// callers that may resubmit the same request set it so every delivery
// writes the same point.
type Upload struct {
	ID        string
	Image     []byte
	MediaType string
	Address   domain.Address
}

// Outcome is a successfully persisted reading plus any non-fatal warnings.
type Outcome struct {
	Reading  domain.Reading   `json:"reading"`
	Warnings []domain.Warning `json:"warnings,omitempty"`
}

// State is a step of the extraction state machine.
type State int

const (
	Validating State = iota
	Extracting
	Parsing
	Embedding
	Persisting
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Validating:
		return "validating"
	case Extracting:
		return "extracting"
	case Parsing:
		return "parsing"
	case Embedding:
		return "embedding"
	case Persisting:
		return "persisting"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures the pipeline behaviour.
type Options struct {
	// Dimension is the collection's vector size. Zero skips the check.
	Dimension     int
	VisionTimeout time.Duration
	EmbedTimeout  time.Duration
	StoreTimeout  time.Duration
	Retry         domain.RetryPolicy
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		VisionTimeout: 60 * time.Second,
		EmbedTimeout:  15 * time.Second,
		StoreTimeout:  5 * time.Second,
		Retry:         domain.DefaultRetryPolicy(),
	}
}

// Deps holds the external dependencies of the pipeline.
type Deps struct {
	Vision   VisionExtractor
	Embedder Embedder
	Store    ReadingWriter
	Sinks    []Sink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// Observer, when set, sees every state a request enters.
	Observer func(requestID string, s State)
}

// Pipeline runs extraction requests. It holds no per-request state and is
// safe for concurrent use.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a Pipeline.
func New(deps Deps, opts Options) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// ExtractAndStore runs one upload through the whole pipeline. On success the
// reading has been committed to the store. Cancelling ctx stops the request
// before its next external call; a committed insert is never rolled back.
func (p *Pipeline) ExtractAndStore(ctx context.Context, up Upload) (*Outcome, error) {
	id := up.ID
	if id == "" {
		id = p.newID()
	}
	tr := &tracker{p: p, id: id, start: p.now()}

	run := fn.Then(step(tr, Validating, p.validate),
		fn.Then(step(tr, Extracting, p.extract),
			fn.Then(step(tr, Parsing, p.parse),
				fn.Then(step(tr, Embedding, p.embed),
					step(tr, Persisting, p.persist)))))

	out, err := run(ctx, job{id: tr.id, upload: up}).Unwrap()
	if err != nil {
		tr.fail(err)
		return nil, err
	}
	tr.enter(Done)
	p.deps.Metrics.Extraction(metrics.OK)
	p.logger.Info("extract: reading stored",
		"request_id", tr.id,
		"reading_id", out.Reading.ID,
		"address", out.Reading.Address.Full(),
		"confidence", out.Reading.Confidence,
		"warnings", len(out.Warnings),
		"duration", time.Since(tr.start),
	)
	return &out, nil
}

// tracker follows one request through the state machine.
type tracker struct {
	p     *Pipeline
	id    string
	state State
	start time.Time
}

func (t *tracker) enter(s State) {
	t.state = s
	if t.p.deps.Observer != nil {
		t.p.deps.Observer(t.id, s)
	}
}

func (t *tracker) fail(err error) {
	at := t.state
	t.enter(Failed)
	kind := domain.KindOf(err)
	t.p.deps.Metrics.Extraction(string(kind))
	t.p.logger.Warn("extract: failed",
		"request_id", t.id,
		"state", at.String(),
		"kind", string(kind),
		"err", err,
	)
}

// step wraps a stage with state tracking, tracing and stage timing.
func step[In, Out any](t *tracker, s State, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return fn.TracedStage("extract."+s.String(), func(ctx context.Context, in In) fn.Result[Out] {
		t.enter(s)
		t.p.logger.Debug("stage.enter", "request_id", t.id, "stage", s.String())
		start := time.Now()
		defer func() {
			t.p.deps.Metrics.Stage("extract", s.String(), time.Since(start))
		}()
		return stage(ctx, in)
	}, errorKind)
}

func errorKind(err error) string { return string(domain.KindOf(err)) }

func (p *Pipeline) call(op string, timeout time.Duration, unavailable domain.Kind) domain.Call {
	return domain.Call{Op: op, Timeout: timeout, Unavailable: unavailable}
}

func (p *Pipeline) retry() domain.RetryPolicy {
	policy := p.opts.Retry
	prev := policy.OnRetry
	policy.OnRetry = func(op string, kind domain.Kind, attempt int, wait time.Duration) {
		p.deps.Metrics.Retry(op, string(kind))
		p.logger.Info("extract: retrying", "op", op, "kind", string(kind), "attempt", attempt, "wait", wait)
		if prev != nil {
			prev(op, kind, attempt, wait)
		}
	}
	return policy
}
