package main

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/pkg/mid"
	"github.com/WessleyAI/meterscan/pkg/repo"
)

type errorResponse struct {
	Error     string      `json:"error"`
	Kind      domain.Kind `json:"kind,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, repo.ErrNotFound) {
		return http.StatusNotFound
	}
	switch domain.KindOf(err) {
	case domain.InvalidInput:
		return http.StatusBadRequest
	case domain.ExtractionEmpty, domain.ExtractionMalformed:
		return http.StatusUnprocessableEntity
	case domain.StoreUnavailable, domain.CapabilityUnavailable:
		return http.StatusServiceUnavailable
	case domain.GenerationFailed, domain.CapabilityRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err to the client. Client errors carry their detail;
// server errors only their kind.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := statusFor(err)
	resp := errorResponse{Kind: domain.KindOf(err), RequestID: mid.RequestIDFrom(r.Context())}
	if code < 500 {
		resp.Error = err.Error()
		logger.Info("request rejected", "request_id", resp.RequestID, "status", code, "err", err)
	} else {
		resp.Error = http.StatusText(code)
		logger.Error("request failed", "request_id", resp.RequestID, "status", code, "err", err)
	}
	writeJSON(w, code, resp)
}
