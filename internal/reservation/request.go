// Package reservation models the outstanding demand of executor clusters.
//
// A Request is created for every work item a cluster reports that no live
// request covers yet. It moves Queued -> Assigned -> Active and ends
// Completed or Cancelled. The Store is the only place requests change phase.
package reservation

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
)

// Phase is the lifecycle phase of a Request.
type Phase string

const (
	PhaseQueued    Phase = "Queued"
	PhaseAssigned  Phase = "Assigned"
	PhaseActive    Phase = "Active"
	PhaseCompleted Phase = "Completed"
	PhaseCancelled Phase = "Cancelled"
)

// Terminal reports whether p is a final phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

var transitions = map[Phase]sets.Set[Phase]{
	PhaseQueued:   sets.New(PhaseAssigned, PhaseCancelled),
	PhaseAssigned: sets.New(PhaseActive, PhaseCompleted, PhaseCancelled),
	PhaseActive:   sets.New(PhaseCompleted, PhaseCancelled),
}

// CanTransition reports whether a request in phase from may move to phase to.
func CanTransition(from, to Phase) bool {
	return transitions[from].Has(to)
}

// Demand is one work item of a WorkloadReport, resolved to a cluster.
type Demand struct {
	Cluster     string
	WorkItemID  string
	DisplayName string
	Requirement pool.Requirement
	// AgentHint makes this a backfill demand for one named agent.
	AgentHint string
	Priority  int
}

// Backfill reports whether d reclaims a specific agent.
func (d Demand) Backfill() bool { return d.AgentHint != "" }

// Key returns the deduplication key of d.
func (d Demand) Key() Key {
	if d.Backfill() {
		return Key{Cluster: d.Cluster, Backfill: true, Agent: d.AgentHint}
	}
	return Key{Cluster: d.Cluster, Requirement: d.Requirement.String(), WorkItemID: d.WorkItemID}
}

// Key identifies a Request for deduplication.
//
// Normal requests are keyed by (cluster, requirement, work item); backfill
// requests by (cluster, agent). The Backfill flag keeps the two families
// apart even when every other field matches.
type Key struct {
	Cluster     string
	Backfill    bool
	Requirement string
	WorkItemID  string
	Agent       string
}

func (k Key) String() string {
	if k.Backfill {
		return fmt.Sprintf("backfill/%s/%s", k.Cluster, k.Agent)
	}
	return fmt.Sprintf("normal/%s/%s/%s", k.Cluster, k.WorkItemID, k.Requirement)
}

// Request is a ReservationRequest.
type Request struct {
	ID     string
	Key    Key
	Demand Demand
	Phase  Phase
	// Agent is set once the request is Assigned.
	Agent      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
	// Reason records why a request was cancelled.
	Reason string
}

// Cluster returns the owning cluster name.
func (r Request) Cluster() string { return r.Key.Cluster }

// Holding reports whether the request currently holds an agent.
func (r Request) Holding() bool {
	return r.Phase == PhaseAssigned || r.Phase == PhaseActive
}
