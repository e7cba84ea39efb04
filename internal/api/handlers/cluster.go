package handlers

import (
	"context"
	"net/http"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

// ClusterService is an executor cluster as seen by the HTTP layer.
type ClusterService interface {
	HandleUtilize(ctx context.Context, msg *dto.UtilizeAgent) error
	HandleDiscover(ctx context.Context, req *dto.DiscoverRequest) (*dto.DiscoverResponse, error)
}

// ClusterHandler serves the endpoints the orchestrator calls on a cluster
type ClusterHandler struct {
	service ClusterService
}

// NewClusterHandler creates a new cluster-side handler
func NewClusterHandler(service ClusterService) *ClusterHandler {
	return &ClusterHandler{service: service}
}

// PostUtilizeAgent handles POST /api/v1/utilizeAgent
// Materialization runs in the background; 200 only acknowledges receipt.
func (h *ClusterHandler) PostUtilizeAgent(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).WithName("utilize-handler")

	var msg dto.UtilizeAgent
	if !decode(w, r, logger, &msg) {
		return
	}
	if err := h.service.HandleUtilize(r.Context(), &msg); err != nil {
		respondWithServiceError(w, logger, "utilizeAgent", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PostDiscover handles POST /api/v1/discover on the cluster side
func (h *ClusterHandler) PostDiscover(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).WithName("discover-handler")

	var req dto.DiscoverRequest
	if !decode(w, r, logger, &req) {
		return
	}
	resp, err := h.service.HandleDiscover(r.Context(), &req)
	if err != nil {
		respondWithServiceError(w, logger, "discover", err)
		return
	}
	respondJSON(w, logger, http.StatusOK, resp)
}
