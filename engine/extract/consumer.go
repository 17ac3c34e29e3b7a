package extract

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/pkg/natsutil"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	// ExtractSubject is the NATS subject for queued extraction requests.
	ExtractSubject = "meter.extract"
	// DLQSubject receives requests that failed permanently.
	DLQSubject = "meter.extract.dlq"
	// MaxRedeliveries before a retryable failure goes to the DLQ.
	MaxRedeliveries = 3
)

// ExtractRequest is the wire form of an Upload. ID is the reading id; the
// consumer assigns one when the publisher did not, before any redelivery.
type ExtractRequest struct {
	ID        string         `json:"id,omitempty"`
	Image     []byte         `json:"image"`
	MediaType string         `json:"media_type,omitempty"`
	Address   domain.Address `json:"address"`
}

// ExtractReply answers a request sent with a reply subject.
type ExtractReply struct {
	Reading  *domain.Reading  `json:"reading,omitempty"`
	Warnings []domain.Warning `json:"warnings,omitempty"`
	Error    string           `json:"error,omitempty"`
	Kind     domain.Kind      `json:"kind,omitempty"`
}

// Err rebuilds the typed error carried by the reply, if any.
func (r ExtractReply) Err() error {
	if r.Error == "" {
		return nil
	}
	return domain.Ef(r.Kind, "extract.remote", "%s", r.Error)
}

type dlqMessage struct {
	Request ExtractRequest `json:"request"`
	Error   string         `json:"error"`
	Kind    domain.Kind    `json:"kind"`
	Retries int            `json:"retries"`
}

// Extractor is what the consumer drives; *Pipeline satisfies it.
type Extractor interface {
	ExtractAndStore(ctx context.Context, up Upload) (*Outcome, error)
}

// StartConsumer subscribes to ExtractSubject in the "extract-workers" queue
// group. Requests with a reply subject get an ExtractReply and are never
// redelivered. Fire-and-forget requests that fail with a retryable error are
// republished up to MaxRedeliveries times, then sent to DLQSubject.
func StartConsumer(nc *nats.Conn, ex Extractor, logger *slog.Logger) (*nats.Subscription, error) {
	h := newHandler(nc, ex, logger)
	return nc.QueueSubscribe(ExtractSubject, "extract-workers", h.handle)
}

type handler struct {
	pub natsutil.Publisher
	ex  Extractor
	log *slog.Logger
}

func newHandler(pub natsutil.Publisher, ex Extractor, logger *slog.Logger) *handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &handler{pub: pub, ex: ex, log: logger}
}

func (h *handler) handle(msg *nats.Msg) {
	ctx := natsutil.Context(msg)

	var req ExtractRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.log.Error("extract: unmarshal failed", "subject", msg.Subject, "err", err)
		bad := domain.E(domain.InvalidInput, "extract.consume", "malformed request", err)
		h.reply(ctx, msg, ExtractReply{Error: bad.Error(), Kind: domain.InvalidInput})
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	out, err := h.ex.ExtractAndStore(ctx, Upload{
		ID:        req.ID,
		Image:     req.Image,
		MediaType: req.MediaType,
		Address:   req.Address,
	})
	if err == nil {
		h.reply(ctx, msg, ExtractReply{Reading: &out.Reading, Warnings: out.Warnings})
		return
	}

	kind := domain.KindOf(err)
	if msg.Reply != "" {
		h.reply(ctx, msg, ExtractReply{Error: err.Error(), Kind: kind})
		return
	}

	retries := natsutil.Redeliveries(msg) + 1
	if domain.IsRetryable(err) && retries < MaxRedeliveries {
		h.log.Warn("extract: redelivering", "address", req.Address.Full(), "kind", string(kind), "retry", retries)
		// carry the assigned id so the next delivery overwrites, not duplicates
		data, merr := json.Marshal(req)
		if merr != nil {
			h.log.Error("extract: redeliver encode failed", "err", merr)
			return
		}
		msg.Data = data
		if perr := natsutil.Redeliver(h.pub, msg, retries); perr != nil {
			h.log.Error("extract: redeliver failed", "err", perr)
		}
		return
	}

	h.log.Error("extract: sending to DLQ", "address", req.Address.Full(), "kind", string(kind), "retries", retries, "err", err)
	req.Image = nil
	if perr := natsutil.Publish(ctx, h.pub, DLQSubject, dlqMessage{
		Request: req,
		Error:   err.Error(),
		Kind:    kind,
		Retries: retries,
	}); perr != nil {
		h.log.Error("extract: DLQ publish failed", "err", perr)
	}
}

func (h *handler) reply(ctx context.Context, msg *nats.Msg, r ExtractReply) {
	if err := natsutil.Reply(ctx, h.pub, msg, r); err != nil {
		h.log.Error("extract: reply failed", "err", err)
	}
}
