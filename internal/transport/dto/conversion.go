package dto

import (
	"fmt"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/broker"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/ledger"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/reservation"
)

// NewFingerprint stamps a message for cluster.
func NewFingerprint(configRepoURL, cluster, configVersion string) Fingerprint {
	return Fingerprint{
		ConfigRepoURL: configRepoURL,
		Version:       ProtocolVersion,
		ClusterName:   cluster,
		ConfigVersion: configVersion,
	}
}

// Check compares f against the receiver's config repo URL and protocol
// version.
func (f Fingerprint) Check(configRepoURL string) error {
	if f.Version != ProtocolVersion {
		return &pool.ProtocolVersionMismatch{Field: "version", Expected: ProtocolVersion, Actual: f.Version}
	}
	if f.ConfigRepoURL != configRepoURL {
		return &pool.ProtocolVersionMismatch{Field: "configRepoUrl", Expected: configRepoURL, Actual: f.ConfigRepoURL}
	}
	return nil
}

// ToDemands converts report items into demands of cluster. Items whose
// requirement does not parse are skipped and reported in the error slice.
func ToDemands(cluster string, items []WorkItem) ([]reservation.Demand, []error) {
	var (
		demands []reservation.Demand
		errs    []error
	)
	for _, item := range items {
		req, err := pool.ParseRequirement(item.LabelExpr)
		if err != nil {
			errs = append(errs, fmt.Errorf("work item %s: %w", item.ID, err))
			continue
		}
		demands = append(demands, reservation.Demand{
			Cluster:     cluster,
			WorkItemID:  item.ID,
			DisplayName: item.Name,
			Requirement: req,
			AgentHint:   item.Agent,
			Priority:    item.Priority,
		})
	}
	return demands, errs
}

// ToAgentLabels builds the label-only agent view.
func ToAgentLabels(defs []pool.AgentDefinition) []AgentLabels {
	out := make([]AgentLabels, 0, len(defs))
	for _, def := range defs {
		labels := append([]string{}, def.Labels...)
		out = append(out, AgentLabels{Name: def.Name, Labels: labels})
	}
	return out
}

// NewUtilizeAgent builds the UtilizeAgent message for an assignment.
func NewUtilizeAgent(fp Fingerprint, a broker.Assignment) *UtilizeAgent {
	fp.ClusterName = a.Cluster.Name()
	return &UtilizeAgent{
		Fingerprint: fp,
		AgentName:   a.Agent.Name,
		RequestID:   a.Request.ID,
		WorkItemID:  a.Request.Demand.WorkItemID,
		Labels:      append([]string{}, a.Agent.Labels...),
		Definition:  string(a.Agent.Definition),
		LaunchHints: a.Agent.LaunchHints,
	}
}

// ToAgentDefinition recovers the agent definition carried by u.
func (u *UtilizeAgent) ToAgentDefinition() pool.AgentDefinition {
	return pool.AgentDefinition{
		Name:        u.AgentName,
		Labels:      append([]string{}, u.Labels...),
		Definition:  []byte(u.Definition),
		LaunchHints: u.LaunchHints,
	}
}

// FromLedgerEntries converts ledger entries for the status endpoint.
func FromLedgerEntries(entries []ledger.Entry) []AgentEntryDTO {
	out := make([]AgentEntryDTO, 0, len(entries))
	for _, e := range entries {
		d := AgentEntryDTO{
			Name:      e.Agent,
			Holder:    e.HolderName(),
			Disposing: e.Disposing,
			Suspect:   e.Suspect,
			Retired:   e.Retired,
		}
		if !e.ReservedSince.IsZero() {
			since := e.ReservedSince
			d.ReservedSince = &since
		}
		out = append(out, d)
	}
	return out
}

// FromRequests converts reservation requests for the status endpoint.
func FromRequests(reqs []reservation.Request) []RequestDTO {
	out := make([]RequestDTO, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, RequestDTO{
			ID:          r.ID,
			Cluster:     r.Cluster(),
			WorkItemID:  r.Demand.WorkItemID,
			Requirement: r.Demand.Requirement.String(),
			AgentHint:   r.Demand.AgentHint,
			Phase:       string(r.Phase),
			Agent:       r.Agent,
			Reason:      r.Reason,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out
}
