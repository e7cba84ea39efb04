package handlers

import (
	"net/http"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

// PostDiscover handles POST /api/v1/discover
func (h *Handler) PostDiscover(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).WithName("discover-handler")

	var req dto.DiscoverRequest
	if !decode(w, r, logger, &req) || !checkSender(w, r, logger, req.Fingerprint) {
		return
	}
	resp, err := h.service.Discover(r.Context(), &req)
	if err != nil {
		respondWithServiceError(w, logger, "discover", err)
		return
	}
	respondJSON(w, logger, http.StatusOK, resp)
}

// PostReportWorkload handles POST /api/v1/reportWorkload
// The report is queued; matching happens after the response is sent.
func (h *Handler) PostReportWorkload(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).WithName("report-handler")

	var report dto.WorkloadReport
	if !decode(w, r, logger, &report) || !checkSender(w, r, logger, report.Fingerprint) {
		return
	}
	ack, err := h.service.SubmitReport(r.Context(), &report)
	if err != nil {
		respondWithServiceError(w, logger, "reportWorkload", err)
		return
	}
	respondJSON(w, logger, http.StatusOK, ack)
}

// PostReturnAgent handles POST /api/v1/returnAgent
func (h *Handler) PostReturnAgent(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).WithName("return-handler")

	var msg dto.ReturnAgent
	if !decode(w, r, logger, &msg) || !checkSender(w, r, logger, msg.Fingerprint) {
		return
	}
	if err := h.service.ReturnAgent(r.Context(), &msg); err != nil {
		respondWithServiceError(w, logger, "returnAgent", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PostAgentStatus handles POST /api/v1/agentStatus
func (h *Handler) PostAgentStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).WithName("agent-status-handler")

	var req dto.AgentStatusRequest
	if !decode(w, r, logger, &req) || !checkSender(w, r, logger, req.Fingerprint) {
		return
	}
	resp, err := h.service.AgentStatus(r.Context(), &req)
	if err != nil {
		respondWithServiceError(w, logger, "agentStatus", err)
		return
	}
	respondJSON(w, logger, http.StatusOK, resp)
}

// GetStatus handles GET /api/v1/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).WithName("status-handler")
	respondJSON(w, logger, http.StatusOK, h.service.Status())
}
