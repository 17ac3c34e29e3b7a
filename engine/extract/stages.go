package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/engine/semantic"
	"github.com/WessleyAI/meterscan/pkg/fn"
	"github.com/google/uuid"
)

type job struct {
	id     string
	upload Upload
}

type validated struct {
	id        string
	image     []byte
	mediaType string
	addr      domain.Address
}

type rawOutput struct {
	validated
	text string
}

type parsed struct {
	id   string
	addr domain.Address
	ext  extraction
}

type embedded struct {
	parsed
	text   string
	vector []float32
	model  string
}

// validate rejects bad input before any external call is made.
func (p *Pipeline) validate(_ context.Context, j job) fn.Result[validated] {
	if j.upload.ID != "" {
		if _, err := uuid.Parse(j.upload.ID); err != nil {
			return fn.Err[validated](domain.Invalid("extract.validate", "id", j.upload.ID, domain.ErrBadID))
		}
	}
	addr, err := domain.NormalizeAddress(j.upload.Address)
	if err != nil {
		return fn.Err[validated](err)
	}
	mt, err := domain.ValidateImage(j.upload.Image, j.upload.MediaType)
	if err != nil {
		return fn.Err[validated](err)
	}
	return fn.Ok(validated{id: j.id, image: j.upload.Image, mediaType: mt, addr: addr})
}

func (p *Pipeline) extract(ctx context.Context, v validated) fn.Result[rawOutput] {
	prompt := buildPrompt(v.addr)
	var text string
	err := p.retry().Do(ctx, p.call("extract.vision", p.opts.VisionTimeout, domain.CapabilityUnavailable), func(ctx context.Context) error {
		out, err := p.deps.Vision.Extract(ctx, v.image, v.mediaType, prompt)
		text = out
		return err
	})
	if err != nil {
		return fn.Err[rawOutput](err)
	}
	return fn.Ok(rawOutput{validated: v, text: text})
}

func (p *Pipeline) parse(_ context.Context, r rawOutput) fn.Result[parsed] {
	ext, err := parseExtraction(r.text)
	if err != nil {
		return fn.Err[parsed](err)
	}
	return fn.Ok(parsed{id: r.id, addr: r.addr, ext: ext})
}

func (p *Pipeline) embed(ctx context.Context, in parsed) fn.Result[embedded] {
	text := domain.ComposeEmbeddingText(in.addr, in.ext.value, in.ext.notes)
	var vec []float32
	err := p.retry().Do(ctx, p.call("extract.embed", p.opts.EmbedTimeout, domain.CapabilityUnavailable), func(ctx context.Context) error {
		out, err := p.deps.Embedder.Embed(ctx, text)
		vec = out
		return err
	})
	if err != nil {
		return fn.Err[embedded](err)
	}
	if len(vec) == 0 {
		return fn.Err[embedded](domain.Ef(domain.EmbeddingDimensionMismatch, "extract.embed", "embedder returned an empty vector"))
	}
	if d := p.opts.Dimension; d > 0 && len(vec) != d {
		return fn.Err[embedded](domain.Ef(domain.EmbeddingDimensionMismatch, "extract.embed",
			"embedder returned %d dimensions, collection has %d", len(vec), d))
	}
	return fn.Ok(embedded{parsed: in, text: text, vector: vec, model: p.deps.Embedder.Model()})
}

// persist inserts the reading. Its id and timestamp are fixed before the
// first attempt so retries overwrite the same point.
func (p *Pipeline) persist(ctx context.Context, in embedded) fn.Result[Outcome] {
	r := domain.Reading{
		ID:            in.id,
		Address:       in.addr,
		MeterValue:    in.ext.value,
		Confidence:    in.ext.confidence,
		Notes:         in.ext.notes,
		MeterType:     in.ext.meterType,
		Units:         in.ext.units,
		EmbeddingText: in.text,
		Embedding:     in.vector,
		EmbedModel:    in.model,
		CreatedAt:     p.now().UTC().Truncate(time.Millisecond),
	}

	var vis semantic.Visibility
	err := p.retry().Do(ctx, p.call("extract.persist", p.opts.StoreTimeout, domain.StoreUnavailable), func(ctx context.Context) error {
		v, err := p.deps.Store.Insert(ctx, r)
		vis = v
		return err
	})
	if err != nil {
		return fn.Err[Outcome](err)
	}

	out := Outcome{Reading: r}
	if !vis.Visible {
		out.Warnings = append(out.Warnings, domain.Warning{
			Kind:   domain.NotYetVisible,
			Detail: fmt.Sprintf("reading %s acknowledged but not yet searchable", r.ID),
		})
	}
	p.notify(context.WithoutCancel(ctx), r)
	return fn.Ok(out)
}

func (p *Pipeline) notify(ctx context.Context, r domain.Reading) {
	for _, s := range p.deps.Sinks {
		if err := s.ReadingStored(ctx, r); err != nil {
			p.logger.Warn("extract: sink failed, reading already stored", "reading_id", r.ID, "err", err)
		}
	}
}
