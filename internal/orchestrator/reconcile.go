package orchestrator

import (
	"context"

	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/disposer"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/metrics"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/reconcile"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/reservation"
)

var _ reconcile.Target = (*Orchestrator)(nil)

// Observe implements reconcile.Target. A backfill item naming an agent the
// cluster already holds confirms that agent, whichever request earned it.
func (o *Orchestrator) Observe(_ context.Context, cluster string) (reconcile.Observation, bool) {
	o.mu.RLock()
	report, ok := o.latest[cluster]
	o.mu.RUnlock()
	if !ok {
		return reconcile.Observation{}, false
	}

	obs := reconcile.Observation{
		ReportSeq: report.seq,
		Held:      o.ledger.HeldBy(cluster),
		Holdings:  map[string]reservation.Key{},
		Demands:   make(map[reservation.Key]reservation.Demand, len(report.demands)),
		Satisfied: sets.New[reservation.Key](),
	}
	for _, d := range report.demands {
		obs.Demands[d.Key()] = d
	}
	for agent := range obs.Held {
		backfill := reservation.Key{Cluster: cluster, Backfill: true, Agent: agent}
		if _, reported := obs.Demands[backfill]; reported {
			obs.Holdings[agent] = backfill
			obs.Satisfied.Insert(backfill)
			continue
		}
		if r, ok := o.store.ByAgent(agent); ok && r.Cluster() == cluster {
			obs.Holdings[agent] = r.Key
		}
	}
	for _, r := range o.store.Live(cluster) {
		if r.Holding() {
			obs.Satisfied.Insert(r.Key)
		}
	}
	return obs, true
}

// Apply implements reconcile.Target. Fixups computed against an older
// inventory generation are dropped.
func (o *Orchestrator) Apply(ctx context.Context, fixup reconcile.PlannedFixup) error {
	o.cycleMu.RLock()
	defer o.cycleMu.RUnlock()

	logger := log.FromContext(ctx).WithName("orchestrator").WithValues("cluster", fixup.Cluster)
	if current := o.Generation(); current != fixup.Generation {
		logger.Info("Dropping fixup computed against a previous inventory",
			"fixupGeneration", fixup.Generation, "generation", current)
		return nil
	}

	for _, agent := range sets.List(fixup.ToRelease) {
		r, hasReq := o.store.ByAgent(agent)
		if !o.ledger.ReleaseForDisposal(agent, fixup.Cluster) {
			continue
		}
		if hasReq && r.Cluster() == fixup.Cluster {
			if _, err := o.store.Cancel(r.ID, "work item absent from consecutive workload reports"); err != nil {
				logger.Info("Could not cancel request", "requestID", r.ID, "error", err.Error())
			}
		}
		o.disposer.Dispose(disposer.Token{Cluster: fixup.Cluster, Agent: agent})
		metrics.FixupActions.WithLabelValues("release").Inc()
		logger.Info("Released agent no longer claimed by its holder", "agent", agent)
	}

	for _, d := range fixup.SortedCreates() {
		if r, created := o.store.Ensure(d); created {
			metrics.FixupActions.WithLabelValues("create").Inc()
			logger.Info("Queued request for unmet demand", "requestID", r.ID, "key", r.Key.String())
		}
	}

	o.reports.Add(fixup.Cluster)
	if fixup.ToRelease.Len() > 0 {
		o.requeueAll()
	}
	return nil
}
