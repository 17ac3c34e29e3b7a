package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/engine/extract"
	"github.com/WessleyAI/meterscan/engine/graph"
	"github.com/WessleyAI/meterscan/engine/service"
	"github.com/WessleyAI/meterscan/pkg/config"
	"github.com/WessleyAI/meterscan/pkg/metrics"
	"github.com/WessleyAI/meterscan/pkg/mid"
)

// engine is the part of *service.Service the API serves.
type engine interface {
	ExtractAndStore(ctx context.Context, up extract.Upload) (*extract.Outcome, error)
	AnswerQuestion(ctx context.Context, question string, filter domain.Filter) (*domain.QueryResult, error)
	Recent(ctx context.Context, limit int) ([]domain.Reading, error)
	Info(ctx context.Context) (service.Info, error)
	Premise(ctx context.Context, addr domain.Address) (graph.Premise, error)
	Premises(ctx context.Context, offset, limit int) ([]graph.Premise, error)
	Health(ctx context.Context) service.HealthReport
}

func newHandler(eng engine, m *metrics.Metrics, cfg config.ServerConfig, logger *slog.Logger) http.Handler {
	maxUpload := int64(cfg.MaxUploadMB) << 20

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/readings", handleUpload(eng, maxUpload, logger))
	mux.HandleFunc("GET /api/readings", handleRecent(eng, logger))
	mux.HandleFunc("POST /api/chat", handleChat(eng, logger))
	mux.HandleFunc("GET /api/collection", handleCollection(eng, logger))
	mux.HandleFunc("GET /api/premises", handlePremises(eng, logger))
	mux.HandleFunc("GET /api/premises/lookup", handlePremiseLookup(eng, logger))
	mux.HandleFunc("GET /api/health", handleHealth(eng))
	mux.Handle("GET /metrics", m.Handler())

	return mid.Chain(mux,
		mid.RequestID(),
		mid.Recover(logger),
		mid.OTel("meterscan-api"),
		mid.Metrics(m),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)
}

// --- Handlers ---

func handleUpload(eng engine, maxBytes int64, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeError(w, r, logger, domain.Invalid("api.upload", "image", strconv.FormatInt(tooBig.Limit, 10), domain.ErrImageSize))
				return
			}
			writeError(w, r, logger, domain.E(domain.InvalidInput, "api.upload", "expected multipart/form-data", err))
			return
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			writeError(w, r, logger, domain.Invalid("api.upload", "image", "", domain.ErrEmptyImage))
			return
		}
		defer file.Close()
		image, err := io.ReadAll(file)
		if err != nil {
			writeError(w, r, logger, domain.E(domain.InvalidInput, "api.upload", "read image", err))
			return
		}

		out, err := eng.ExtractAndStore(r.Context(), extract.Upload{
			Image:     image,
			MediaType: header.Header.Get("Content-Type"),
			Address: domain.Address{
				City:         r.FormValue("city"),
				StreetName:   r.FormValue("street_name"),
				StreetNumber: r.FormValue("street_number"),
			},
		})
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

func handleRecent(eng engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := intParam(r, "limit")
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		readings, err := eng.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"readings": readings, "count": len(readings)})
	}
}

// ChatRequest is the JSON body for POST /api/chat. The address fields
// narrow retrieval to matching readings.
type ChatRequest struct {
	Message      string `json:"message"`
	City         string `json:"city,omitempty"`
	StreetName   string `json:"street_name,omitempty"`
	StreetNumber string `json:"street_number,omitempty"`
}

// ChatResponse is the JSON response for POST /api/chat.
type ChatResponse struct {
	*domain.QueryResult
	Error string      `json:"error,omitempty"`
	Kind  domain.Kind `json:"kind,omitempty"`
}

func handleChat(eng engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, logger, domain.E(domain.InvalidInput, "api.chat", "invalid request body", err))
			return
		}

		filter := domain.Filter{}
		for field, v := range map[string]string{
			domain.FieldCity:         req.City,
			domain.FieldStreetName:   req.StreetName,
			domain.FieldStreetNumber: req.StreetNumber,
		} {
			if v = strings.TrimSpace(v); v != "" {
				filter[field] = v
			}
		}
		if len(filter) == 0 {
			filter = nil
		}

		res, err := eng.AnswerQuestion(r.Context(), req.Message, filter)
		if err != nil && res != nil {
			// generation failed after retrieval; the evidence is still useful
			logger.Warn("chat: answer unavailable", "request_id", mid.RequestIDFrom(r.Context()), "err", err)
			writeJSON(w, statusFor(err), ChatResponse{QueryResult: res, Error: "answer generation failed", Kind: domain.KindOf(err)})
			return
		}
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, ChatResponse{QueryResult: res})
	}
}

func handleCollection(eng engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := eng.Info(r.Context())
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func handlePremises(eng engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, err := intParam(r, "offset")
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		limit, err := intParam(r, "limit")
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		ps, err := eng.Premises(r.Context(), offset, limit)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"premises": ps, "count": len(ps)})
	}
}

func handlePremiseLookup(eng engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		p, err := eng.Premise(r.Context(), domain.Address{
			City:         q.Get("city"),
			StreetName:   q.Get("street_name"),
			StreetNumber: q.Get("street_number"),
		})
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleHealth(eng engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := eng.Health(r.Context())
		code := http.StatusOK
		if !report.Healthy() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// --- Helpers ---

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, domain.E(domain.InvalidInput, "api.params", name+" must be an integer", err)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
