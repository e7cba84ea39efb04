package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

// APIPrefix is the base path of every endpoint.
const APIPrefix = "/api/v1"

var _ transport.OrchestratorCommunicator = (*OrchestratorClient)(nil)

// OrchestratorClient implements OrchestratorCommunicator over HTTP JSON.
type OrchestratorClient struct {
	*client
	baseURL string
}

// NewOrchestratorClient creates a client for the orchestrator at baseURL.
func NewOrchestratorClient(baseURL string, opts Options) (*OrchestratorClient, error) {
	c, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	return &OrchestratorClient{client: c, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (c *OrchestratorClient) endpoint(name string) string {
	return c.baseURL + APIPrefix + "/" + name
}

func (c *OrchestratorClient) Discover(ctx context.Context, req *dto.DiscoverRequest) (*dto.DiscoverResponse, error) {
	var resp dto.DiscoverResponse
	if err := c.call(ctx, "discover", http.MethodPost, c.endpoint("discover"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OrchestratorClient) ReportWorkload(ctx context.Context, report *dto.WorkloadReport) (*dto.ReportAck, error) {
	var ack dto.ReportAck
	if err := c.call(ctx, "reportWorkload", http.MethodPost, c.endpoint("reportWorkload"), report, &ack); err != nil {
		return nil, err
	}
	log.FromContext(ctx).WithName("http-communicator").V(1).Info("Workload reported",
		"cluster", report.ClusterName, "items", len(report.Items))
	return &ack, nil
}

func (c *OrchestratorClient) ReturnAgent(ctx context.Context, msg *dto.ReturnAgent) error {
	return c.call(ctx, "returnAgent", http.MethodPost, c.endpoint("returnAgent"), msg, nil)
}

func (c *OrchestratorClient) AgentStatus(ctx context.Context, req *dto.AgentStatusRequest) (*dto.AgentStatusResponse, error) {
	var resp dto.AgentStatusResponse
	if err := c.call(ctx, "agentStatus", http.MethodPost, c.endpoint("agentStatus"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping checks connectivity to the orchestrator
func (c *OrchestratorClient) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/healthz", nil, nil); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Close cleans up resources
func (c *OrchestratorClient) Close() error {
	c.close()
	return nil
}
