package repo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// --- Mock infrastructure ---

type mockResult struct {
	records []*neo4j.Record
	idx     int
	err     error
}

func (m *mockResult) Next(context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record { return m.records[m.idx-1] }

func (m *mockResult) Err() error { return m.err }

type mockRunner struct {
	result  *mockResult
	err     error
	cyphers []string
	params  []map[string]any
	closed  int
}

func (m *mockRunner) Run(_ context.Context, cypher string, params map[string]any) (Result, error) {
	m.cyphers = append(m.cyphers, cypher)
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	if m.result == nil {
		return &mockResult{}, nil
	}
	return m.result, nil
}

func (m *mockRunner) Close(context.Context) error {
	m.closed++
	return nil
}

type entity struct {
	ID   string
	Name string
}

func makeRecord(id, name string) *neo4j.Record {
	return &neo4j.Record{
		Values: []any{map[string]any{"id": id, "name": name}},
		Keys:   []string{"n"},
	}
}

func newTestRepo(r *mockRunner, opts ...Neo4jOption[entity, string]) *Neo4jRepo[entity, string] {
	return NewNeo4jRepo[entity, string](
		func(context.Context) Runner { return r },
		"Entity",
		func(e entity) map[string]any { return map[string]any{"id": e.ID, "name": e.Name} },
		func(rec *neo4j.Record) (entity, error) {
			v, ok := rec.Get("n")
			if !ok {
				return entity{}, errors.New("no n")
			}
			m, ok := v.(map[string]any)
			if !ok {
				return entity{}, errors.New("bad type")
			}
			return entity{ID: m["id"].(string), Name: m["name"].(string)}, nil
		},
		opts...,
	)
}

// --- Tests ---

func TestGet(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("p1", "742 Evergreen")}}}
	got, err := newTestRepo(r).Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "742 Evergreen" {
		t.Fatalf("unexpected entity: %+v", got)
	}
	if !strings.Contains(r.cyphers[0], "MATCH (n:Entity {id: $id})") {
		t.Fatalf("unexpected cypher: %s", r.cyphers[0])
	}
	if r.closed != 1 {
		t.Fatal("session not closed")
	}
}

func TestGet_NotFound(t *testing.T) {
	_, err := newTestRepo(&mockRunner{}).Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_ResultError(t *testing.T) {
	r := &mockRunner{result: &mockResult{err: errors.New("connection lost")}}
	_, err := newTestRepo(r).Get(context.Background(), "x")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a result error, got %v", err)
	}
}

func TestList(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("a", "A"), makeRecord("b", "B")}}}
	items, err := newTestRepo(r).List(context.Background(), ListOpts{Offset: 5, OrderBy: "name; DETACH DELETE n"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if !strings.Contains(r.cyphers[0], "ORDER BY n.nameDETACHDELETEn") {
		t.Fatalf("order property not sanitized: %s", r.cyphers[0])
	}
	if r.params[0]["limit"] != 100 || r.params[0]["offset"] != 5 {
		t.Fatalf("unexpected params: %v", r.params[0])
	}
}

func TestList_RunError(t *testing.T) {
	_, err := newTestRepo(&mockRunner{err: errors.New("down")}).List(context.Background(), ListOpts{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestUpsert(t *testing.T) {
	r := &mockRunner{}
	repo := newTestRepo(r, WithIDKey[entity, string]("id"))
	if err := repo.Upsert(context.Background(), entity{ID: "p1", Name: "N"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(r.cyphers[0], "MERGE (n:Entity {id: $id})") {
		t.Fatalf("unexpected cypher: %s", r.cyphers[0])
	}
	if r.params[0]["id"] != "p1" {
		t.Fatalf("unexpected params: %v", r.params[0])
	}
}

func TestWithIDKey(t *testing.T) {
	repo := newTestRepo(&mockRunner{}, WithIDKey[entity, string]("uuid"))
	if repo.idKey != "uuid" {
		t.Fatalf("expected idKey=uuid, got %s", repo.idKey)
	}
}

func TestSanitizeProperty(t *testing.T) {
	if got := sanitizeProperty("full_address"); got != "full_address" {
		t.Fatalf("got %q", got)
	}
	if got := sanitizeProperty("--"); got != "id" {
		t.Fatalf("got %q", got)
	}
}
