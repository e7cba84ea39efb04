package transport

import (
	"context"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

// OrchestratorCommunicator is the executor cluster's view of the orchestrator.
// Implementations: HTTP JSON (transport/http).
type OrchestratorCommunicator interface {
	// Discover probes the orchestrator and returns its diagnosis and the
	// agents visible to this cluster.
	Discover(ctx context.Context, req *dto.DiscoverRequest) (*dto.DiscoverResponse, error)

	// ReportWorkload sends a full snapshot of the cluster's demand.
	ReportWorkload(ctx context.Context, report *dto.WorkloadReport) (*dto.ReportAck, error)

	// ReturnAgent relinquishes an agent.
	ReturnAgent(ctx context.Context, msg *dto.ReturnAgent) error

	// AgentStatus queries the orchestrator's view of one agent.
	AgentStatus(ctx context.Context, req *dto.AgentStatusRequest) (*dto.AgentStatusResponse, error)

	// Ping checks connectivity
	Ping(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// ClusterCommunicator is the orchestrator's view of executor clusters.
type ClusterCommunicator interface {
	// UtilizeAgent delivers an assigned agent to the cluster at baseURL.
	UtilizeAgent(ctx context.Context, baseURL string, msg *dto.UtilizeAgent) error

	// Discover probes the cluster at baseURL.
	Discover(ctx context.Context, baseURL string, req *dto.DiscoverRequest) (*dto.DiscoverResponse, error)
}
