//go:build integration

package graph

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func testDriver(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	url := envOr("NEO4J_URL", "neo4j://localhost:7687")
	driver, err := neo4j.NewDriverWithContext(url, neo4j.NoAuth())
	if err != nil {
		t.Fatalf("neo4j connect: %v", err)
	}
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		t.Fatalf("neo4j verify: %v", err)
	}
	t.Cleanup(func() {
		sess := driver.NewSession(ctx, neo4j.SessionConfig{})
		sess.Run(ctx, "MATCH (n) WHERE n:Premise OR n:Reading OR n:Street OR n:City DETACH DELETE n", nil)
		sess.Close(ctx)
		driver.Close(ctx)
	})
	return driver
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestNeo4j_RecordAndHistory(t *testing.T) {
	l := New(testDriver(t), "", nil)
	ctx := context.Background()
	if err := l.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	addr := domain.Address{City: "Springfield", StreetName: "Evergreen Terrace", StreetNumber: "742"}
	for i, v := range []string{"01000", "01100", "01250"} {
		r := domain.Reading{
			ID:         []string{"a", "b", "c"}[i],
			Address:    addr,
			MeterValue: v,
			Confidence: 0.9,
			CreatedAt:  base.Add(time.Duration(i) * 24 * time.Hour),
		}
		if err := l.ReadingStored(ctx, r); err != nil {
			t.Fatalf("ReadingStored: %v", err)
		}
		// replay must not duplicate
		if err := l.ReadingStored(ctx, r); err != nil {
			t.Fatalf("ReadingStored replay: %v", err)
		}
	}

	hist, err := l.PremiseHistory(ctx, []string{"evergreen"}, 2)
	if err != nil {
		t.Fatalf("PremiseHistory: %v", err)
	}
	if len(hist) != 1 || len(hist[0].Readings) != 2 || hist[0].Readings[0].MeterValue != "01250" {
		t.Fatalf("unexpected history: %+v", hist)
	}

	counts, err := l.NodeCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["Reading"] != 3 || counts["Premise"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
