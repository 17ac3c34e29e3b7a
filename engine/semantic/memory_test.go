package semantic

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/WessleyAI/meterscan/engine/domain"
)

func memReading(i int, vec []float32, at time.Time) domain.Reading {
	return domain.Reading{
		ID:         fmt.Sprintf("00000000-0000-4000-8000-%012d", i),
		Address:    domain.Address{City: "Springfield", StreetName: "Main St", StreetNumber: fmt.Sprint(i)},
		MeterValue: fmt.Sprintf("%05d", i*100),
		Confidence: 0.9,
		Embedding:  vec,
		CreatedAt:  at,
	}
}

func TestMemory_SearchTopKDeterministic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("meters", Cosine)
	if err := m.EnsureCollection(ctx, 2); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	vecs := [][]float32{{1, 0}, {0.9, 0.1}, {0, 1}, {0.5, 0.5}, {1, 0}}
	for i, v := range vecs {
		if _, err := m.Insert(ctx, memReading(i, v, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	first, err := m.Search(ctx, []float32{1, 0}, 3, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3, got %d", len(first))
	}
	// readings 0 and 4 tie on score; the newer one (4) comes first.
	if first[0].ID != memReading(4, nil, base).ID || first[1].ID != memReading(0, nil, base).ID {
		t.Fatalf("unexpected order: %s %s", first[0].ID, first[1].ID)
	}
	for i := 1; i < len(first); i++ {
		if first[i].Score > first[i-1].Score {
			t.Fatalf("scores not descending at %d", i)
		}
	}

	for i := 0; i < 20; i++ {
		again, _ := m.Search(ctx, []float32{1, 0}, 3, nil)
		for j := range again {
			if again[j].ID != first[j].ID {
				t.Fatalf("run %d: order changed at %d", i, j)
			}
		}
	}
}

func TestMemory_EmptyAndInvalid(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("", "")
	if err := m.EnsureCollection(ctx, 3); err != nil {
		t.Fatal(err)
	}
	got, err := m.Search(ctx, []float32{1, 0, 0}, 5, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %v %v", got, err)
	}
	if _, err := m.Search(ctx, []float32{1, 0, 0}, 0, nil); !errors.Is(err, domain.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
	if _, err := m.Search(ctx, []float32{1, 0}, 1, nil); !errors.Is(err, domain.EmbeddingDimensionMismatch) {
		t.Fatalf("expected EmbeddingDimensionMismatch, got %v", err)
	}
	if err := m.EnsureCollection(ctx, 4); !errors.Is(err, domain.SchemaConflict) {
		t.Fatalf("expected SchemaConflict, got %v", err)
	}
}

func TestMemory_InsertIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("meters", Dot)
	_ = m.EnsureCollection(ctx, 2)
	r := memReading(1, []float32{1, 1}, time.Now())
	for i := 0; i < 3; i++ {
		if _, err := m.Insert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := m.Count(ctx); n != 1 {
		t.Fatalf("expected 1 reading after repeated insert, got %d", n)
	}
}

func TestMemory_InsertBeforeEnsure(t *testing.T) {
	m := NewMemory("meters", Cosine)
	_, err := m.Insert(context.Background(), memReading(1, []float32{1}, time.Now()))
	if !errors.Is(err, domain.StoreProtocolError) {
		t.Fatalf("expected StoreProtocolError, got %v", err)
	}
}

func TestMemory_FilterRecentDescribe(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("meters", Cosine)
	_ = m.EnsureCollection(ctx, 2)
	base := time.Now().UTC()
	a := memReading(1, []float32{1, 0}, base)
	b := memReading(2, []float32{1, 0}, base.Add(time.Second))
	b.Address.City = "Shelbyville"
	_, _ = m.Insert(ctx, a)
	_, _ = m.Insert(ctx, b)

	got, err := m.Search(ctx, []float32{1, 0}, 5, domain.Filter{domain.FieldCity: "Shelbyville"})
	if err != nil || len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("filter failed: %v %v", got, err)
	}

	recent, err := m.Recent(ctx, 1, nil)
	if err != nil || len(recent) != 1 || recent[0].ID != b.ID {
		t.Fatalf("recent failed: %v %v", recent, err)
	}
	recent, err = m.Recent(ctx, 5, domain.Filter{domain.FieldCity: a.Address.City})
	if err != nil || len(recent) != 1 || recent[0].ID != a.ID {
		t.Fatalf("filtered recent failed: %v %v", recent, err)
	}
	if _, err := m.Recent(ctx, 5, domain.Filter{"meter_value": "1"}); !errors.Is(err, domain.InvalidInput) {
		t.Fatalf("expected InvalidInput for unfilterable field, got %v", err)
	}

	d, _ := m.Describe(ctx)
	if d.Points != 2 || d.Dimension != 2 || d.Distance != Cosine {
		t.Fatalf("unexpected description: %+v", d)
	}
}
