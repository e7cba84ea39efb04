package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/broker"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/disposer"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/reservation"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

var _ broker.Dispatcher = (*Orchestrator)(nil)

const probeTimeout = 10 * time.Second

// Discover answers a cluster's probe. Problems are reported in the
// diagnosis rather than as errors, so a misconfigured cluster can see why.
func (o *Orchestrator) Discover(ctx context.Context, req *dto.DiscoverRequest) (*dto.DiscoverResponse, error) {
	inv, repoURL := o.snapshot()
	if inv == nil {
		return nil, pool.ErrNotReady
	}

	resp := &dto.DiscoverResponse{
		Fingerprint: o.fingerprint(req.ClusterName),
		Agents:      []dto.AgentLabels{},
	}

	var problems []string
	if err := req.Fingerprint.Check(repoURL); err != nil {
		problems = append(problems, err.Error())
	}
	id, known := inv.Cluster(req.ClusterName)
	switch {
	case !known:
		problems = append(problems, fmt.Sprintf("cluster %q is not declared in the inventory", req.ClusterName))
	case id.BaseURL() != strings.TrimRight(req.URL, "/"):
		problems = append(problems, fmt.Sprintf("cluster %q is declared with url %s, probe came from %s", req.ClusterName, id.BaseURL(), req.URL))
	}
	if req.ConfigVersion != "" && req.ConfigVersion != inv.Version {
		problems = append(problems, fmt.Sprintf("config version differs: orchestrator has %s, cluster has %s", inv.Version, req.ConfigVersion))
	}
	o.mu.RLock()
	if msg, ok := o.clusterErrors[req.ClusterName]; ok {
		problems = append(problems, "last error: "+msg)
	}
	o.mu.RUnlock()

	if len(problems) == 0 {
		resp.Diagnosis = "OK"
	} else {
		resp.Diagnosis = strings.Join(problems, "; ")
	}
	if known {
		resp.Agents = dto.ToAgentLabels(o.ledger.Definitions())
	}

	log.FromContext(ctx).WithName("orchestrator").V(1).Info("Discover",
		"cluster", req.ClusterName, "diagnosis", resp.Diagnosis)
	return resp, nil
}

// SubmitReport stores report as the cluster's latest and queues it for
// processing. A newer report replaces one not processed yet.
func (o *Orchestrator) SubmitReport(ctx context.Context, report *dto.WorkloadReport) (*dto.ReportAck, error) {
	id, err := o.checkSender(report.Fingerprint)
	if err != nil {
		return nil, err
	}
	logger := log.FromContext(ctx).WithName("orchestrator").WithValues("cluster", id.Name())

	demands, errs := dto.ToDemands(id.Name(), report.Items)
	for _, err := range errs {
		logger.Info("Ignoring malformed work item", "error", err.Error())
		o.recordError(id.Name(), err)
	}

	o.mu.Lock()
	o.seq++
	o.latest[id.Name()] = storedReport{
		seq:        o.seq,
		demands:    demands,
		receivedAt: o.opts.Clock.Now(),
	}
	o.mu.Unlock()
	if len(errs) == 0 {
		o.clearError(id.Name())
	}

	o.reports.Add(id.Name())
	logger.V(1).Info("Workload report accepted", "items", len(demands))
	return &dto.ReportAck{Fingerprint: o.fingerprint(id.Name()), Items: len(demands)}, nil
}

func (o *Orchestrator) runReportWorker(ctx context.Context) {
	for o.processNextReport(ctx) {
	}
}

func (o *Orchestrator) processNextReport(ctx context.Context) bool {
	cluster, shutdown := o.reports.Get()
	if shutdown {
		return false
	}
	defer o.reports.Done(cluster)
	o.ProcessReport(ctx, cluster)
	return true
}

// ProcessReport applies cluster's latest report to the request store and
// runs a matching pass. It returns false when a newer report arrived while
// processing; the newer one is already queued.
func (o *Orchestrator) ProcessReport(ctx context.Context, cluster string) bool {
	logger := log.FromContext(ctx).WithName("orchestrator").WithValues("cluster", cluster)

	o.mu.RLock()
	report, ok := o.latest[cluster]
	o.mu.RUnlock()

	if ok {
		created, cancelled := o.store.Sync(cluster, o.unmet(cluster, report.demands))
		for _, r := range created {
			logger.V(1).Info("Request queued", "requestID", r.ID, "key", r.Key.String())
		}
		for _, r := range cancelled {
			logger.Info("Queued request cancelled", "requestID", r.ID, "key", r.Key.String(), "reason", r.Reason)
		}

		o.mu.RLock()
		superseded := o.latest[cluster].seq != report.seq
		o.mu.RUnlock()
		if superseded {
			logger.V(1).Info("Report superseded, skipping matching pass", "seq", report.seq)
			return false
		}
	}

	res := o.matcher.Pass(ctx, cluster)
	if len(res.Assigned) > 0 || res.Undelivered > 0 {
		logger.Info("Matching pass finished",
			"assigned", len(res.Assigned),
			"delivered", res.Delivered,
			"undelivered", res.Undelivered,
			"unmatched", res.Unmatched)
	}
	return true
}

// unmet drops backfill demands for agents cluster already holds. Those are
// a cluster restating its lease, not new demand.
func (o *Orchestrator) unmet(cluster string, demands []reservation.Demand) []reservation.Demand {
	held := o.ledger.HeldBy(cluster)
	out := make([]reservation.Demand, 0, len(demands))
	for _, d := range demands {
		if d.Backfill() && held.Has(d.AgentHint) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// UtilizeAgent implements broker.Dispatcher.
func (o *Orchestrator) UtilizeAgent(ctx context.Context, a broker.Assignment) error {
	msg := dto.NewUtilizeAgent(o.fingerprint(a.Cluster.Name()), a)
	if err := o.opts.Clusters.UtilizeAgent(ctx, a.Cluster.BaseURL(), msg); err != nil {
		o.recordError(a.Cluster.Name(), err)
		if ctx.Err() == nil {
			o.probeCluster(ctx, a.Cluster, err)
		}
		return err
	}
	return nil
}

// probeCluster asks a cluster that refused or missed a delivery for its own
// diagnosis and records it next to the delivery error.
func (o *Orchestrator) probeCluster(ctx context.Context, id pool.ClusterIdentity, cause error) {
	logger := log.FromContext(ctx).WithName("orchestrator").WithValues("cluster", id.Name())

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	resp, err := o.opts.Clusters.Discover(probeCtx, id.BaseURL(), &dto.DiscoverRequest{
		Fingerprint: o.fingerprint(id.Name()),
		URL:         id.BaseURL(),
	})
	if err != nil {
		logger.V(1).Info("Cluster probe failed", "error", err.Error())
		return
	}
	if resp.Diagnosis == "OK" {
		logger.V(1).Info("Cluster probe found no problem", "held", len(resp.Agents))
		return
	}
	logger.Info("Cluster reports a problem", "diagnosis", resp.Diagnosis)
	o.recordError(id.Name(), fmt.Errorf("%w; cluster diagnosis: %s", cause, resp.Diagnosis))
}

// ReturnAgent relinquishes an agent. Returns from a cluster that does not
// hold the agent are ignored.
func (o *Orchestrator) ReturnAgent(ctx context.Context, msg *dto.ReturnAgent) error {
	id, err := o.checkSender(msg.Fingerprint)
	if err != nil {
		return err
	}
	logger := log.FromContext(ctx).WithName("orchestrator").WithValues(
		"cluster", id.Name(), "agent", msg.AgentName, "status", msg.Status)

	entry, ok := o.ledger.Lookup(msg.AgentName)
	if !ok {
		return fmt.Errorf("return of %s: %w", msg.AgentName, pool.ErrUnknownAgent)
	}

	// the request is read before the release so a later holder's request is
	// never touched
	req, hasReq := o.store.ByAgent(msg.AgentName)
	hasReq = hasReq && req.Cluster() == id.Name()

	switch msg.Status {
	case dto.ReturnOK:
		if !o.ledger.Release(msg.AgentName, id.Name()) {
			logger.Info("Ignoring return from a cluster that does not hold the agent", "holder", entry.HolderName())
			return nil
		}
		if hasReq {
			if _, err := o.store.Complete(req.ID); err != nil {
				logger.Info("Could not complete request", "requestID", req.ID, "error", err.Error())
			}
		}
		logger.Info("Agent returned")
	case dto.ReturnFailed:
		if !o.ledger.ReleaseForDisposal(msg.AgentName, id.Name()) {
			logger.Info("Ignoring return from a cluster that does not hold the agent", "holder", entry.HolderName())
			return nil
		}
		o.ledger.MarkSuspect(msg.AgentName)
		if hasReq {
			if _, err := o.store.Cancel(req.ID, "agent returned as failed"); err != nil {
				logger.Info("Could not cancel request", "requestID", req.ID, "error", err.Error())
			}
		}
		o.disposer.Dispose(disposer.Token{Cluster: id.Name(), Agent: msg.AgentName})
		logger.Info("Agent returned as failed, handed to disposer")
	}

	o.requeueAll()
	return nil
}

// AgentStatus reports the orchestrator's view of one agent from the asking
// cluster's perspective.
func (o *Orchestrator) AgentStatus(ctx context.Context, req *dto.AgentStatusRequest) (*dto.AgentStatusResponse, error) {
	id, err := o.checkSender(req.Fingerprint)
	if err != nil {
		return nil, err
	}
	resp := &dto.AgentStatusResponse{
		Fingerprint: o.fingerprint(id.Name()),
		AgentName:   req.AgentName,
		Status:      o.agentState(id.Name(), req.AgentName),
	}
	log.FromContext(ctx).WithName("orchestrator").V(1).Info("Agent status",
		"cluster", id.Name(), "agent", req.AgentName, "status", resp.Status)
	return resp, nil
}

func (o *Orchestrator) agentState(cluster, agent string) string {
	if pool.ValidateName("agent name", agent) != nil {
		return dto.AgentInvalid
	}
	entry, ok := o.ledger.Lookup(agent)
	switch {
	case !ok:
		return dto.AgentNotFound
	case entry.Disposing || entry.Suspect:
		return dto.AgentOffline
	case entry.Free():
		return dto.AgentIdle
	case entry.HolderName() != cluster:
		return dto.AgentFound
	}
	if req, ok := o.store.ByAgent(agent); ok && req.Phase == reservation.PhaseAssigned {
		return dto.AgentConnecting
	}
	return dto.AgentBusy
}

// requeueAll schedules a matching pass for every cluster with queued demand.
func (o *Orchestrator) requeueAll() {
	for _, cluster := range o.Clusters() {
		if len(o.store.Queued(cluster)) > 0 {
			o.reports.Add(cluster)
		}
	}
}
