package semantic

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/WessleyAI/meterscan/engine/domain"
)

// MemoryStore is an in-process vector store using brute-force similarity.
// It backs local development and tests; contents are lost on exit.
type MemoryStore struct {
	mu         sync.RWMutex
	collection string
	distance   Distance
	dimension  int
	order      []string
	readings   map[string]domain.Reading
}

// NewMemory creates an empty MemoryStore.
func NewMemory(collection string, distance Distance) *MemoryStore {
	if collection == "" {
		collection = DefaultOptions().Collection
	}
	if distance == "" {
		distance = Cosine
	}
	return &MemoryStore{
		collection: collection,
		distance:   distance,
		readings:   make(map[string]domain.Reading),
	}
}

func (m *MemoryStore) EnsureCollection(_ context.Context, dim int) error {
	const op = "semantic.ensure_collection"
	if dim <= 0 {
		return domain.Invalid(op, "dimension", fmt.Sprint(dim), domain.ErrNonPositive)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dimension != 0 && m.dimension != dim {
		return domain.Ef(domain.SchemaConflict, op, "collection %s has dimension %d, want %d", m.collection, m.dimension, dim)
	}
	m.dimension = dim
	return nil
}

func (m *MemoryStore) Insert(_ context.Context, r domain.Reading) (Visibility, error) {
	const op = "semantic.insert"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dimension == 0 {
		return Visibility{}, domain.Ef(domain.StoreProtocolError, op, "collection %s does not exist", m.collection)
	}
	if err := validateInsert(op, r, m.dimension); err != nil {
		return Visibility{}, err
	}
	if _, ok := m.readings[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	r.Embedding = append([]float32(nil), r.Embedding...)
	m.readings[r.ID] = r
	return Visibility{Visible: true}, nil
}

func (m *MemoryStore) Search(_ context.Context, vector []float32, topK int, filter domain.Filter) ([]domain.Match, error) {
	const op = "semantic.search"
	if topK <= 0 {
		return nil, domain.Invalid(op, "top_k", fmt.Sprint(topK), domain.ErrNonPositive)
	}
	if err := validateFilter(op, filter); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dimension > 0 && len(vector) != m.dimension {
		return nil, domain.Ef(domain.EmbeddingDimensionMismatch, op, "query has %d dimensions, collection has %d", len(vector), m.dimension)
	}

	matches := make([]domain.Match, 0, len(m.order))
	for _, id := range m.order {
		r := m.readings[id]
		if !matchesFilter(r, filter) {
			continue
		}
		matches = append(matches, domain.Match{Reading: r, Score: m.score(r.Embedding, vector)})
	}
	sortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *MemoryStore) Count(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.readings)), nil
}

func (m *MemoryStore) Describe(context.Context) (Description, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Description{
		Collection: m.collection,
		Dimension:  m.dimension,
		Distance:   m.distance,
		Points:     uint64(len(m.readings)),
		Status:     "Green",
		Fields:     PayloadFields,
	}, nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int, filter domain.Filter) ([]domain.Reading, error) {
	const op = "semantic.recent"
	if limit <= 0 {
		return nil, domain.Invalid(op, "limit", fmt.Sprint(limit), domain.ErrNonPositive)
	}
	if err := validateFilter(op, filter); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]domain.Reading, 0, len(m.readings))
	for _, r := range m.readings {
		if matchesFilter(r, filter) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sortRecent(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Health(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) score(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if m.distance == Dot {
		return float32(dot)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func matchesFilter(r domain.Reading, f domain.Filter) bool {
	for k, want := range f {
		var got string
		switch k {
		case domain.FieldCity:
			got = r.Address.City
		case domain.FieldStreetName:
			got = r.Address.StreetName
		case domain.FieldStreetNumber:
			got = r.Address.StreetNumber
		}
		if got != want {
			return false
		}
	}
	return true
}
