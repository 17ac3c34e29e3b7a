// Package semantic owns persistence and similarity search of meter readings.
// Every implementation returns *domain.Error values so callers can retry on
// StoreUnavailable and fail fast on everything else.
package semantic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/WessleyAI/meterscan/engine/domain"
)

// Store is the vector store contract used by the extraction pipeline and
// the query engine.
type Store interface {
	EnsureCollection(ctx context.Context, dim int) error
	Insert(ctx context.Context, r domain.Reading) (Visibility, error)
	Search(ctx context.Context, vector []float32, topK int, filter domain.Filter) ([]domain.Match, error)
	Count(ctx context.Context) (uint64, error)
	Describe(ctx context.Context) (Description, error)
	Recent(ctx context.Context, limit int, filter domain.Filter) ([]domain.Reading, error)
	Health(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*VectorStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Visibility reports whether an inserted reading is already searchable.
type Visibility struct {
	Visible bool
}

// Description summarizes a collection.
type Description struct {
	Collection string   `json:"collection"`
	Dimension  int      `json:"dimension"`
	Distance   Distance `json:"distance"`
	Points     uint64   `json:"points"`
	Status     string   `json:"status"`
	Fields     []string `json:"fields"`
}

// Distance is the similarity metric fixed at collection creation.
type Distance string

const (
	Cosine Distance = "cosine"
	Dot    Distance = "dot"
)

// ParseDistance accepts "cosine" or "dot" (case-insensitive, "ip" and
// "inner_product" alias dot).
func ParseDistance(s string) (Distance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return Cosine, nil
	case "dot", "ip", "inner_product":
		return Dot, nil
	default:
		return "", fmt.Errorf("semantic: unsupported distance %q", s)
	}
}

// PayloadFields lists the fields every stored reading carries.
var PayloadFields = []string{
	domain.FieldReadingID,
	domain.FieldCity,
	domain.FieldStreetName,
	domain.FieldStreetNumber,
	domain.FieldFullAddress,
	domain.FieldMeterValue,
	domain.FieldConfidence,
	domain.FieldNotes,
	domain.FieldMeterType,
	domain.FieldUnits,
	domain.FieldEmbeddingText,
	domain.FieldEmbedModel,
	domain.FieldCreatedAt,
}

// filterable are the keyword-indexed payload fields a Filter may name.
var filterable = map[string]bool{
	domain.FieldCity:         true,
	domain.FieldStreetName:   true,
	domain.FieldStreetNumber: true,
}

func validateFilter(op string, f domain.Filter) error {
	for k := range f {
		if !filterable[k] {
			return domain.Invalid(op, "filter", k, domain.ErrNotFilterable)
		}
	}
	return nil
}

func validateInsert(op string, r domain.Reading, dim int) error {
	if r.ID == "" {
		return domain.Invalid(op, "id", "", domain.ErrBlank)
	}
	if len(r.Embedding) == 0 {
		return domain.Ef(domain.EmbeddingDimensionMismatch, op, "reading %s has no embedding", r.ID)
	}
	if dim > 0 && len(r.Embedding) != dim {
		return domain.Ef(domain.EmbeddingDimensionMismatch, op, "reading %s has %d dimensions, collection has %d", r.ID, len(r.Embedding), dim)
	}
	return nil
}

// sortMatches orders by score, newest first on ties, then by id so equal
// inputs always produce the same order.
func sortMatches(ms []domain.Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func sortRecent(rs []domain.Reading) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
