package broker

import (
	"context"
	"sync"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/ledger"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/reservation"
)

// Assignment is what a cluster needs to start using an agent.
type Assignment struct {
	Request reservation.Request
	Cluster pool.ClusterIdentity
	Agent   pool.AgentDefinition
}

// Dispatcher delivers assignments to executor clusters.
type Dispatcher interface {
	UtilizeAgent(ctx context.Context, a Assignment) error
}

// ClusterResolver looks up a cluster identity by name.
type ClusterResolver func(name string) (pool.ClusterIdentity, bool)

// PassResult summarizes one matching pass.
type PassResult struct {
	Assigned  []reservation.Request
	Delivered int
	// Undelivered assignments stay Assigned and are retried on the next pass.
	Undelivered int
	// Unmatched requests found no free compatible agent and stay Queued.
	Unmatched int
}

// Matcher assigns Queued requests to free agents.
//
// Passes for different clusters run concurrently; passes for the same
// cluster are serialized. Every ledger mutation goes through the ledger's
// own lock.
type Matcher struct {
	Ledger     *ledger.Ledger
	Store      *reservation.Store
	Clusters   ClusterResolver
	Dispatcher Dispatcher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMatcher creates a Matcher.
func NewMatcher(l *ledger.Ledger, s *reservation.Store, clusters ClusterResolver, d Dispatcher) *Matcher {
	return &Matcher{
		Ledger:     l,
		Store:      s,
		Clusters:   clusters,
		Dispatcher: d,
		locks:      map[string]*sync.Mutex{},
	}
}

func (m *Matcher) clusterLock(cluster string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[cluster]
	if !ok {
		l = &sync.Mutex{}
		m.locks[cluster] = l
	}
	return l
}

// Pass redelivers unconfirmed assignments of cluster, then tries to assign
// each of its Queued requests.
func (m *Matcher) Pass(ctx context.Context, cluster string) PassResult {
	lock := m.clusterLock(cluster)
	lock.Lock()
	defer lock.Unlock()

	logger := log.FromContext(ctx).WithName("matcher").WithValues("cluster", cluster)
	var result PassResult

	identity, ok := m.Clusters(cluster)
	if !ok {
		logger.V(1).Info("Skipping pass for unknown cluster")
		return result
	}

	for _, req := range m.Store.Assigned(cluster) {
		m.deliver(ctx, identity, req, &result)
	}

	for _, req := range m.Store.Queued(cluster) {
		def, ok := m.commit(ctx, identity, req)
		if !ok {
			result.Unmatched++
			continue
		}

		assigned, err := m.Store.Assign(req.ID, def.Name)
		if err != nil {
			// the request moved on while we were committing
			logger.Info("Request no longer assignable, releasing agent",
				"requestID", req.ID, "agent", def.Name, "error", err.Error())
			m.Ledger.Release(def.Name, identity.Name())
			continue
		}
		logger.Info("Agent assigned",
			"requestID", assigned.ID,
			"agent", def.Name,
			"workItem", assigned.Demand.WorkItemID,
			"backfill", assigned.Key.Backfill)
		result.Assigned = append(result.Assigned, assigned)
		m.deliver(ctx, identity, assigned, &result)
	}
	return result
}

// commit finds and commits an agent for req.
func (m *Matcher) commit(ctx context.Context, holder pool.ClusterIdentity, req reservation.Request) (pool.AgentDefinition, bool) {
	logger := log.FromContext(ctx).WithName("matcher")

	var candidates []pool.AgentDefinition
	if req.Demand.Backfill() {
		def, ok := m.Ledger.Definition(req.Demand.AgentHint)
		if !ok {
			return pool.AgentDefinition{}, false
		}
		if e, ok := m.Ledger.Lookup(def.Name); ok && e.Free() {
			candidates = append(candidates, def)
		}
	} else {
		for _, c := range m.Ledger.Candidates(req.Demand.Requirement) {
			if c.Free {
				candidates = append(candidates, c.Agent)
			}
		}
	}

	for _, def := range candidates {
		err := m.Ledger.Commit(def.Name, holder)
		if err == nil {
			return def, true
		}
		if pool.IsConflict(err) {
			// candidates were free a moment ago; someone else won the agent
			logger.Error(err, "Ledger conflict during matching pass",
				"requestID", req.ID, "agent", def.Name)
			continue
		}
		logger.V(1).Info("Commit failed", "agent", def.Name, "error", err.Error())
	}
	return pool.AgentDefinition{}, false
}

func (m *Matcher) deliver(ctx context.Context, cluster pool.ClusterIdentity, req reservation.Request, result *PassResult) {
	logger := log.FromContext(ctx).WithName("matcher")

	def, ok := m.Ledger.Definition(req.Agent)
	if !ok {
		logger.Info("Assigned agent vanished from inventory", "agent", req.Agent, "requestID", req.ID)
		result.Undelivered++
		return
	}

	if err := m.Dispatcher.UtilizeAgent(ctx, Assignment{Request: req, Cluster: cluster, Agent: def}); err != nil {
		logger.Error(err, "Failed to deliver agent, will retry on next pass",
			"agent", req.Agent, "requestID", req.ID)
		result.Undelivered++
		return
	}
	if _, err := m.Store.Activate(req.ID); err != nil {
		logger.V(1).Info("Could not activate request", "requestID", req.ID, "error", err.Error())
		return
	}
	result.Delivered++
}
