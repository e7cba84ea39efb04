package dto

import "time"

// StatusResponse is the orchestrator's operational snapshot served on
// GET /api/v1/status.
type StatusResponse struct {
	Ready            bool              `json:"ready"`
	ConfigRepoURL    string            `json:"configRepoUrl"`
	InventoryVersion string            `json:"inventoryVersion"`
	Generation       uint64            `json:"generation"`
	Agents           []AgentEntryDTO   `json:"agents"`
	Requests         []RequestDTO      `json:"requests"`
	PendingDisposals []string          `json:"pendingDisposals"`
	LastError        string            `json:"lastError,omitempty"`
	ClusterErrors    map[string]string `json:"clusterErrors,omitempty"`
}

// AgentEntryDTO is one ledger entry.
type AgentEntryDTO struct {
	Name          string     `json:"name"`
	Holder        string     `json:"holder,omitempty"`
	ReservedSince *time.Time `json:"reservedSince,omitempty"`
	Disposing     bool       `json:"disposing,omitempty"`
	Suspect       bool       `json:"suspect,omitempty"`
	Retired       bool       `json:"retired,omitempty"`
}

// RequestDTO is one reservation request.
type RequestDTO struct {
	ID          string    `json:"id"`
	Cluster     string    `json:"cluster"`
	WorkItemID  string    `json:"workItemId,omitempty"`
	Requirement string    `json:"requirement,omitempty"`
	AgentHint   string    `json:"agentHint,omitempty"`
	Phase       string    `json:"phase"`
	Agent       string    `json:"agent,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
