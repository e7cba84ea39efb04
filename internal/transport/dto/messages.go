package dto

import (
	"encoding/json"
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
)

// ProtocolVersion is the wire protocol version carried in every Fingerprint.
const ProtocolVersion = "1"

// Fingerprint stamps every message with the sender's configuration identity.
// It is flattened into the enclosing JSON object.
type Fingerprint struct {
	ConfigRepoURL string `json:"configRepoUrl"`
	Version       string `json:"version"`
	ClusterName   string `json:"clusterName"`
	// ConfigVersion is the inventory version known to the sender. Informational.
	ConfigVersion string `json:"configVersion,omitempty"`
}

func (f Fingerprint) validate() []error {
	var errs []error
	if f.ConfigRepoURL == "" {
		errs = append(errs, fmt.Errorf("configRepoUrl is required"))
	}
	if f.Version == "" {
		errs = append(errs, fmt.Errorf("version is required"))
	}
	if f.ClusterName == "" {
		errs = append(errs, fmt.Errorf("clusterName is required"))
	}
	return errs
}

// DiscoverRequest is a liveness and version probe from a cluster.
type DiscoverRequest struct {
	Fingerprint
	URL string `json:"url"`
}

// AgentLabels is the label-only view of an agent.
type AgentLabels struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

// DiscoverResponse answers a DiscoverRequest.
type DiscoverResponse struct {
	Fingerprint
	Diagnosis string        `json:"diagnosis"`
	Agents    []AgentLabels `json:"agents"`
}

// WorkItem is one entry of a WorkloadReport.
type WorkItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	LabelExpr string `json:"labelExpr"`
	// Agent marks a backfill item reclaiming one named agent.
	Agent    string `json:"agent,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// WorkloadReport is a full snapshot of a cluster's demand.
type WorkloadReport struct {
	Fingerprint
	Items []WorkItem `json:"items"`
}

// MarshalJSON always emits items, as [] when empty.
func (r WorkloadReport) MarshalJSON() ([]byte, error) {
	type plain WorkloadReport
	p := plain(r)
	if p.Items == nil {
		p.Items = []WorkItem{}
	}
	return json.Marshal(p)
}

// ReportAck acknowledges a WorkloadReport.
type ReportAck struct {
	Fingerprint
	Items int `json:"items"`
}

// UtilizeAgent tells a cluster to start using an agent.
type UtilizeAgent struct {
	Fingerprint
	AgentName   string            `json:"agentName"`
	RequestID   string            `json:"requestId"`
	WorkItemID  string            `json:"workItemId"`
	Labels      []string          `json:"labels"`
	Definition  string            `json:"definition"`
	LaunchHints map[string]string `json:"launchHints,omitempty"`
}

// Return statuses.
const (
	ReturnOK     = "OK"
	ReturnFailed = "FAILED"
)

// ReturnAgent relinquishes an agent.
type ReturnAgent struct {
	Fingerprint
	AgentName string `json:"agentName"`
	Status    string `json:"status"`
}

// Agent states reported by AgentStatus.
const (
	AgentInvalid    = "INVALID"
	AgentFound      = "FOUND"
	AgentIdle       = "IDLE"
	AgentConnecting = "CONNECTING"
	AgentOffline    = "OFFLINE"
	AgentBusy       = "BUSY"
	AgentNotFound   = "NOT_FOUND"
)

// AgentStatusRequest asks for the state of one agent.
type AgentStatusRequest struct {
	Fingerprint
	AgentName string `json:"agentName"`
}

// AgentStatusResponse answers an AgentStatusRequest.
type AgentStatusResponse struct {
	Fingerprint
	AgentName string `json:"agentName"`
	Status    string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (r *DiscoverRequest) Validate() error {
	errs := r.Fingerprint.validate()
	if r.URL == "" {
		errs = append(errs, fmt.Errorf("url is required"))
	}
	return invalid("discover request", errs)
}

func (r *DiscoverResponse) Validate() error {
	errs := r.Fingerprint.validate()
	for i, a := range r.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d].name is required", i))
		}
	}
	return invalid("discover response", errs)
}

func (r *WorkloadReport) Validate() error {
	errs := r.Fingerprint.validate()
	if r.Items == nil {
		errs = append(errs, fmt.Errorf("items is required"))
	}
	for i, item := range r.Items {
		if item.ID == "" {
			errs = append(errs, fmt.Errorf("items[%d].id is required", i))
		}
	}
	return invalid("workload report", errs)
}

func (r *UtilizeAgent) Validate() error {
	errs := r.Fingerprint.validate()
	if r.AgentName == "" {
		errs = append(errs, fmt.Errorf("agentName is required"))
	}
	if r.RequestID == "" {
		errs = append(errs, fmt.Errorf("requestId is required"))
	}
	return invalid("utilize agent", errs)
}

func (r *ReturnAgent) Validate() error {
	errs := r.Fingerprint.validate()
	if r.AgentName == "" {
		errs = append(errs, fmt.Errorf("agentName is required"))
	}
	if r.Status != ReturnOK && r.Status != ReturnFailed {
		errs = append(errs, fmt.Errorf("status must be %s or %s, got %q", ReturnOK, ReturnFailed, r.Status))
	}
	return invalid("return agent", errs)
}

func (r *AgentStatusRequest) Validate() error {
	errs := r.Fingerprint.validate()
	if r.AgentName == "" {
		errs = append(errs, fmt.Errorf("agentName is required"))
	}
	return invalid("agent status request", errs)
}

func invalid(kind string, errs []error) error {
	if agg := utilerrors.NewAggregate(errs); agg != nil {
		return pool.NewValidationError(kind, "", agg.Error())
	}
	return nil
}
