package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// DefaultHistoryPremises caps how many premises PremiseHistory returns.
const DefaultHistoryPremises = 3

// Ledger records premises and readings in Neo4j.
type Ledger struct {
	sessions repo.SessionFunc
	premises *repo.Neo4jRepo[Premise, string]
	logger   *slog.Logger
}

// New creates a Ledger on a live driver.
func New(driver neo4j.DriverWithContext, database string, logger *slog.Logger) *Ledger {
	return NewWithSessions(repo.DriverSessions(driver, database), logger)
}

// NewWithSessions creates a Ledger over an arbitrary session factory.
func NewWithSessions(sessions repo.SessionFunc, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		sessions: sessions,
		premises: newPremiseRepo(sessions),
		logger:   logger,
	}
}

var schema = []string{
	`CREATE CONSTRAINT premise_id IF NOT EXISTS FOR (p:Premise) REQUIRE p.id IS UNIQUE`,
	`CREATE CONSTRAINT reading_id IF NOT EXISTS FOR (r:Reading) REQUIRE r.id IS UNIQUE`,
	`CREATE CONSTRAINT street_id IF NOT EXISTS FOR (s:Street) REQUIRE s.id IS UNIQUE`,
	`CREATE CONSTRAINT city_name IF NOT EXISTS FOR (c:City) REQUIRE c.name IS UNIQUE`,
}

// EnsureSchema creates the uniqueness constraints. It is idempotent.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	sess := l.sessions(ctx)
	defer sess.Close(ctx)
	for _, cypher := range schema {
		if _, err := sess.Run(ctx, cypher, nil); err != nil {
			return fmt.Errorf("graph: ensure schema: %w", err)
		}
	}
	return nil
}

const recordReadingCypher = `MATCH (p:Premise {id: $premise_id})
MERGE (c:City {name: $city_key})
  ON CREATE SET c.display = $city
MERGE (s:Street {id: $street_id})
  ON CREATE SET s.name = $street_name
MERGE (s)-[:IN_CITY]->(c)
MERGE (p)-[:ON_STREET]->(s)
MERGE (r:Reading {id: $reading_id})
  ON CREATE SET r.meter_value = $meter_value,
                r.confidence = $confidence,
                r.units = $units,
                r.meter_type = $meter_type,
                r.created_at = $created_at
MERGE (p)-[:HAS_READING]->(r)`

// ReadingStored links a committed reading to its premise, street and city.
// Replaying the same reading is a no-op.
func (l *Ledger) ReadingStored(ctx context.Context, r domain.Reading) error {
	p := premiseFor(r.Address)
	if err := l.premises.Upsert(ctx, p); err != nil {
		return fmt.Errorf("graph: record reading %s: %w", r.ID, err)
	}

	sess := l.sessions(ctx)
	defer sess.Close(ctx)

	city := strings.ToLower(strings.TrimSpace(r.Address.City))
	_, err := sess.Run(ctx, recordReadingCypher, map[string]any{
		"premise_id":  p.ID,
		"city_key":    city,
		"city":        r.Address.City,
		"street_id":   strings.ToLower(strings.TrimSpace(r.Address.StreetName)) + "|" + city,
		"street_name": r.Address.StreetName,
		"reading_id":  r.ID,
		"meter_value": r.MeterValue,
		"confidence":  r.Confidence,
		"units":       r.Units,
		"meter_type":  r.MeterType,
		"created_at":  r.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("graph: record reading %s: %w", r.ID, err)
	}
	l.logger.Debug("graph: reading recorded", "reading_id", r.ID, "premise", p.ID)
	return nil
}

// Premise returns the premise at addr. A missing premise wraps
// repo.ErrNotFound.
func (l *Ledger) Premise(ctx context.Context, addr domain.Address) (Premise, error) {
	return l.premises.Get(ctx, PremiseID(addr))
}

// Premises lists known premises ordered by address.
func (l *Ledger) Premises(ctx context.Context, offset, limit int) ([]Premise, error) {
	return l.premises.List(ctx, repo.ListOpts{Offset: offset, Limit: limit, OrderBy: "full_address"})
}

const historyCypher = `MATCH (p:Premise)
WHERE any(k IN $keywords WHERE toLower(p.full_address) CONTAINS k)
OPTIONAL MATCH (p)-[:HAS_READING]->(r:Reading)
WITH p, r ORDER BY r.created_at DESC
WITH p, collect(r)[..$limit] AS readings
RETURN p, readings
ORDER BY p.full_address
LIMIT $premises`

// PremiseHistory returns premises whose address contains any of the
// lower-case keywords, each with up to limit of its newest readings.
func (l *Ledger) PremiseHistory(ctx context.Context, keywords []string, limit int) ([]History, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	sess := l.sessions(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, historyCypher, map[string]any{
		"keywords": keywords,
		"limit":    limit,
		"premises": DefaultHistoryPremises,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: premise history: %w", err)
	}

	var out []History
	for result.Next(ctx) {
		h, err := historyFromRecord(result.Record())
		if err != nil {
			return nil, fmt.Errorf("graph: premise history: %w", err)
		}
		out = append(out, h)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("graph: premise history: %w", err)
	}
	return out, nil
}

func historyFromRecord(rec *neo4j.Record) (History, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "p")
	if err != nil {
		return History{}, err
	}
	h := History{Premise: premiseFromProps(node.Props)}

	raw, _ := rec.Get("readings")
	list, _ := raw.([]any)
	for _, item := range list {
		rn, ok := item.(dbtype.Node)
		if !ok {
			continue
		}
		h.Readings = append(h.Readings, entryFromProps(rn.Props))
	}
	return h, nil
}

func entryFromProps(props map[string]any) Entry {
	e := Entry{
		ReadingID:  strProp(props, "id"),
		MeterValue: strProp(props, "meter_value"),
		Units:      strProp(props, "units"),
	}
	if c, ok := props["confidence"].(float64); ok {
		e.Confidence = c
	}
	if ms, ok := props["created_at"].(int64); ok {
		e.RecordedAt = time.UnixMilli(ms).UTC()
	}
	return e
}

// NodeCounts returns node counts grouped by label.
func (l *Ledger) NodeCounts(ctx context.Context) (map[string]int64, error) {
	sess := l.sessions(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `MATCH (n) RETURN labels(n)[0] AS type, count(*) AS count`, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: node counts: %w", err)
	}
	counts := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		typ, _ := rec.Get("type")
		cnt, _ := rec.Get("count")
		if t, ok := typ.(string); ok {
			if c, ok := cnt.(int64); ok {
				counts[t] = c
			}
		}
	}
	return counts, result.Err()
}

// Health runs a trivial query.
func (l *Ledger) Health(ctx context.Context) error {
	sess := l.sessions(ctx)
	defer sess.Close(ctx)
	result, err := sess.Run(ctx, "RETURN 1", nil)
	if err != nil {
		return fmt.Errorf("graph: health: %w", err)
	}
	for result.Next(ctx) {
	}
	return result.Err()
}
