package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/engine/extract"
	"github.com/WessleyAI/meterscan/engine/graph"
	"github.com/WessleyAI/meterscan/engine/semantic"
	"github.com/WessleyAI/meterscan/engine/service"
	"github.com/WessleyAI/meterscan/pkg/config"
	"github.com/WessleyAI/meterscan/pkg/natsutil"
	"github.com/WessleyAI/meterscan/pkg/repo"
)

var pngImage = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

type fakeEngine struct {
	upload   extract.Upload
	question string
	filter   domain.Filter
	limit    int
	result   *domain.QueryResult
	queryErr error
	closed   int
	lookup   domain.Address
}

func (f *fakeEngine) ExtractAndStore(_ context.Context, up extract.Upload) (*extract.Outcome, error) {
	f.upload = up
	return &extract.Outcome{
		Reading:  domain.Reading{ID: "r1", Address: up.Address, MeterValue: "01234", Confidence: 0.9},
		Warnings: []domain.Warning{{Kind: domain.NotYetVisible, Detail: "not searchable yet"}},
	}, nil
}

func (f *fakeEngine) AnswerQuestion(_ context.Context, q string, filter domain.Filter) (*domain.QueryResult, error) {
	f.question, f.filter = q, filter
	return f.result, f.queryErr
}

func (f *fakeEngine) Recent(_ context.Context, limit int) ([]domain.Reading, error) {
	f.limit = limit
	return []domain.Reading{{ID: "r9", MeterValue: "777", Units: domain.UnitsGallons}}, nil
}

func (f *fakeEngine) Info(context.Context) (service.Info, error) {
	return service.Info{
		Collection: semantic.Description{Collection: "water_meters", Dimension: 768, Points: 4, Distance: semantic.Cosine, Status: "Green"},
		Graph:      map[string]int64{graph.LabelPremise: 2, graph.LabelReading: 4},
	}, nil
}

func (f *fakeEngine) Premise(_ context.Context, addr domain.Address) (graph.Premise, error) {
	f.lookup = addr
	if addr.StreetNumber != "742" {
		return graph.Premise{}, fmt.Errorf("service: premise %s: %w", addr.Full(), repo.ErrNotFound)
	}
	return graph.Premise{ID: graph.PremiseID(addr), FullAddress: addr.Full()}, nil
}

func (f *fakeEngine) Premises(context.Context, int, int) ([]graph.Premise, error) {
	return []graph.Premise{{ID: "742|evergreen terrace|springfield", FullAddress: "742 Evergreen Terrace, Springfield"}}, nil
}

func (f *fakeEngine) Close(context.Context) error {
	f.closed++
	return nil
}

// execute runs the root command with fresh flag state.
func execute(t *testing.T, eng engine, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvConfigPath, "")
	prev := openEngine
	openEngine = func(context.Context, config.Config, *slog.Logger) (engine, error) { return eng, nil }
	t.Cleanup(func() { openEngine = prev })

	outputFormat = "table"
	extractAddr, askAddr, submitAddr, premisesAddr = addressFlags{}, addressFlags{}, addressFlags{}, addressFlags{}
	extractMediaType, submitMediaType = "", ""
	recentLimit, submitWait, submitTimeout = 10, false, 5*time.Second
	watchCount = 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func imageFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "meter.png")
	if err := os.WriteFile(p, pngImage, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestExtractCommand(t *testing.T) {
	eng := &fakeEngine{}
	out, err := execute(t, eng, "extract", imageFile(t),
		"--city", "Springfield", "--street-name", "Evergreen Terrace", "--street-number", "742", "-o", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.upload.Address.StreetNumber != "742" || len(eng.upload.Image) != len(pngImage) {
		t.Fatalf("upload not forwarded: %+v", eng.upload.Address)
	}
	var got extract.Outcome
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.Reading.MeterValue != "01234" || len(got.Warnings) != 1 {
		t.Fatalf("unexpected outcome %+v", got)
	}
	if eng.closed != 1 {
		t.Fatalf("engine should be closed once, got %d", eng.closed)
	}
}

func TestExtractCommandTable(t *testing.T) {
	out, err := execute(t, &fakeEngine{}, "extract", imageFile(t), "--city", "Springfield")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "01234") || !strings.Contains(out, "warning: not_yet_visible") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestExtractMissingFile(t *testing.T) {
	if _, err := execute(t, &fakeEngine{}, "extract", filepath.Join(t.TempDir(), "nope.jpg")); err == nil {
		t.Fatal("expected error for missing image")
	}
}

func TestAskCommand(t *testing.T) {
	eng := &fakeEngine{result: &domain.QueryResult{
		Answer:         "742 Evergreen Terrace reads 01234.",
		Evidence:       []domain.Match{{Reading: domain.Reading{ID: "r1", MeterValue: "01234"}, Score: 0.9}},
		RetrievedCount: 1,
	}}
	out, err := execute(t, eng, "ask", "what", "does", "it", "read?", "--city", "Springfield")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.question != "what does it read?" {
		t.Fatalf("question not joined: %q", eng.question)
	}
	if len(eng.filter) != 1 || eng.filter[domain.FieldCity] != "Springfield" {
		t.Fatalf("unexpected filter %v", eng.filter)
	}
	if !strings.Contains(out, "reads 01234.") || !strings.Contains(out, "Evidence (1)") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestAskGenerationFailedPrintsEvidence(t *testing.T) {
	eng := &fakeEngine{
		result:   &domain.QueryResult{Evidence: []domain.Match{{Reading: domain.Reading{ID: "r1", MeterValue: "01234"}}}, RetrievedCount: 1},
		queryErr: domain.Ef(domain.GenerationFailed, "rag.generate", "timeout"),
	}
	out, err := execute(t, eng, "ask", "reading?")
	if !errors.Is(err, domain.GenerationFailed) {
		t.Fatalf("expected GenerationFailed, got %v", err)
	}
	if !strings.Contains(out, "01234") {
		t.Fatalf("evidence should still be printed:\n%s", out)
	}
	if eng.filter != nil {
		t.Fatalf("expected nil filter, got %v", eng.filter)
	}
}

func TestRecentYAML(t *testing.T) {
	eng := &fakeEngine{}
	out, err := execute(t, eng, "recent", "--limit", "3", "-o", "yaml")
	if err != nil {
		t.Fatal(err)
	}
	if eng.limit != 3 {
		t.Fatalf("expected limit 3, got %d", eng.limit)
	}
	if !strings.Contains(out, `meter_value: "777"`) || !strings.Contains(out, "units: gallons") {
		t.Fatalf("unexpected yaml:\n%s", out)
	}
}

func TestInfoAndPremises(t *testing.T) {
	out, err := execute(t, &fakeEngine{}, "info")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"water_meters", "Dimension:", "768", "Graph Premise nodes:"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}

	out, err = execute(t, &fakeEngine{}, "premises")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "742 Evergreen Terrace, Springfield") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestPremiseLookupCommand(t *testing.T) {
	eng := &fakeEngine{}
	out, err := execute(t, eng, "premises", "--city", "Springfield", "--street-name", "Evergreen Terrace", "--street-number", "742")
	if err != nil {
		t.Fatal(err)
	}
	if eng.lookup.StreetName != "Evergreen Terrace" || !strings.Contains(out, "742|evergreen terrace|springfield") {
		t.Fatalf("unexpected lookup %+v, output:\n%s", eng.lookup, out)
	}

	_, err = execute(t, &fakeEngine{}, "premises", "--city", "Springfield", "--street-name", "Evergreen Terrace", "--street-number", "1")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnsupportedOutput(t *testing.T) {
	if _, err := execute(t, &fakeEngine{}, "recent", "-o", "xml"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestOpenEngineFailure(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	prev := openEngine
	openEngine = func(context.Context, config.Config, *slog.Logger) (engine, error) {
		return nil, domain.Ef(domain.StoreUnavailable, "open", "qdrant down")
	}
	t.Cleanup(func() { openEngine = prev })
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"recent"})
	if err := rootCmd.ExecuteContext(context.Background()); !errors.Is(err, domain.StoreUnavailable) {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(ns.Shutdown)
	t.Setenv("NATS_URL", ns.ClientURL())
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestSubmitWait(t *testing.T) {
	nc := startNATS(t)
	sub, err := nc.Subscribe(extract.ExtractSubject, func(msg *nats.Msg) {
		var req extract.ExtractRequest
		json.Unmarshal(msg.Data, &req)
		natsutil.Reply(context.Background(), nc, msg, extract.ExtractReply{
			Reading: &domain.Reading{ID: "r1", Address: req.Address, MeterValue: "4321"},
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	nc.Flush()

	out, err := execute(t, &fakeEngine{}, "submit", imageFile(t),
		"--city", "Springfield", "--street-name", "Evergreen Terrace", "--street-number", "742", "--wait")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "4321") || !strings.Contains(out, "742 Evergreen Terrace, Springfield") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestSubmitWaitRemoteError(t *testing.T) {
	nc := startNATS(t)
	sub, _ := nc.Subscribe(extract.ExtractSubject, func(msg *nats.Msg) {
		natsutil.Reply(context.Background(), nc, msg, extract.ExtractReply{Error: "no meter value", Kind: domain.ExtractionEmpty})
	})
	defer sub.Unsubscribe()
	nc.Flush()

	_, err := execute(t, &fakeEngine{}, "submit", imageFile(t),
		"--city", "Springfield", "--street-name", "Evergreen Terrace", "--street-number", "742", "--wait")
	if !errors.Is(err, domain.ExtractionEmpty) {
		t.Fatalf("expected ExtractionEmpty, got %v", err)
	}
}

func TestSubmitFireAndForget(t *testing.T) {
	nc := startNATS(t)
	got := make(chan extract.ExtractRequest, 1)
	sub, _ := nc.Subscribe(extract.ExtractSubject, func(msg *nats.Msg) {
		var req extract.ExtractRequest
		json.Unmarshal(msg.Data, &req)
		got <- req
	})
	defer sub.Unsubscribe()
	nc.Flush()

	out, err := execute(t, &fakeEngine{}, "submit", imageFile(t),
		"--city", "Springfield", "--street-name", "Evergreen Terrace", "--street-number", "742")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "queued extraction") {
		t.Fatalf("unexpected output %q", out)
	}
	select {
	case req := <-got:
		if req.MediaType != "image/png" || req.Address.City != "Springfield" {
			t.Fatalf("unexpected request %+v", req)
		}
		if req.ID == "" || !strings.Contains(out, req.ID) {
			t.Fatalf("expected the request id %q in output %q", req.ID, out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request not published")
	}
}

func TestWatchPrintsStoredReadings(t *testing.T) {
	nc := startNATS(t)
	ev := extract.ReadingStoredEvent{
		ReadingID:  "3f0c6a52-7f57-4a43-9a1e-0b0a6c2d1e11",
		Address:    "742 Evergreen Terrace, Springfield",
		MeterValue: "01234",
		Confidence: 0.93,
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := execute(t, &fakeEngine{}, "watch", "--count", "1")
		done <- result{out, err}
	}()

	// the subscription starts asynchronously, so keep announcing until it is seen
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case res := <-done:
			if res.err != nil {
				t.Fatalf("unexpected error: %v", res.err)
			}
			for _, want := range []string{ev.ReadingID, ev.Address, "01234", "confidence 0.93", "2026-03-01 12:00:00"} {
				if !strings.Contains(res.out, want) {
					t.Fatalf("missing %q in output:\n%s", want, res.out)
				}
			}
			if strings.Count(res.out, "\n") != 1 {
				t.Fatalf("--count 1 should print one reading:\n%s", res.out)
			}
			return
		case <-tick.C:
			if err := natsutil.Publish(context.Background(), nc, extract.StoredSubject, ev); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("watch did not print the stored reading")
		}
	}
}

func TestSubmitValidatesLocally(t *testing.T) {
	_, err := execute(t, &fakeEngine{}, "submit", imageFile(t), "--city", "Springfield")
	if !errors.Is(err, domain.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}
