package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/api/middleware"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

// Service is the orchestrator as seen by the HTTP layer.
type Service interface {
	Discover(ctx context.Context, req *dto.DiscoverRequest) (*dto.DiscoverResponse, error)
	SubmitReport(ctx context.Context, report *dto.WorkloadReport) (*dto.ReportAck, error)
	ReturnAgent(ctx context.Context, msg *dto.ReturnAgent) error
	AgentStatus(ctx context.Context, req *dto.AgentStatusRequest) (*dto.AgentStatusResponse, error)
	Status() *dto.StatusResponse
}

// Handler contains dependencies for the orchestrator HTTP handlers
type Handler struct {
	service Service
}

// NewHandler creates a new handler backed by service
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// message is a wire entity that can check its own structure
type message interface {
	Validate() error
}

// decode reads a size-limited JSON body into msg and validates it. On
// failure the error response is already written.
func decode(w http.ResponseWriter, r *http.Request, logger logr.Logger, msg message) bool {
	body, err := readBody(r)
	if err != nil {
		logger.Error(err, "Failed to read request body")
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := json.Unmarshal(body, msg); err != nil {
		logger.Error(err, "Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := msg.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// checkSender rejects a message whose claimed cluster differs from the
// client certificate, when one was presented.
func checkSender(w http.ResponseWriter, r *http.Request, logger logr.Logger, fp dto.Fingerprint) bool {
	certName, ok := middleware.GetClusterName(r.Context())
	if !ok || certName == fp.ClusterName {
		return true
	}
	logger.Error(nil, "Cluster name mismatch",
		"claimed", fp.ClusterName,
		"certificate", certName)
	respondWithError(w, http.StatusForbidden, "Cluster name does not match certificate")
	return false
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case pool.IsValidation(err):
		return http.StatusBadRequest
	case pool.IsVersionMismatch(err), pool.IsConflict(err), errors.Is(err, pool.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, pool.ErrUnknownCluster), errors.Is(err, pool.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondWithServiceError(w http.ResponseWriter, logger logr.Logger, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Error(err, "Request failed", "op", op)
	} else {
		logger.Info("Request rejected", "op", op, "status", code, "reason", err.Error())
	}
	respondWithError(w, code, fmt.Sprintf("%s: %v", op, err))
}

// respondJSON writes v with the given status code
func respondJSON(w http.ResponseWriter, logger logr.Logger, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error(err, "Failed to encode response")
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(dto.ErrorResponse{Error: message})
}

// readBody safely reads and limits request body
func readBody(r *http.Request) ([]byte, error) {
	const maxBodySize = 1 << 20 // 1MB
	return io.ReadAll(io.LimitReader(r.Body, maxBodySize))
}
