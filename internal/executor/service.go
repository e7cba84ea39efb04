// Package executor is the cluster side of the node-sharing protocol: it
// reports the cluster's workload to the orchestrator, materializes the
// agents it is given and returns them when the work is gone.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport"
	transporthttp "github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/http"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

// Options configures a Service.
type Options struct {
	Identity       pool.ClusterIdentity
	Orchestrator   transport.OrchestratorCommunicator
	Workload       Workload
	Materializer   Materializer
	ReportInterval time.Duration
	Clock          clock.PassiveClock
}

// Holding is an agent this cluster currently holds.
type Holding struct {
	Agent      string
	RequestID  string
	WorkItemID string
	Labels     []string
	Since      time.Time
	// Ready is false while the agent is still being materialized.
	Ready bool

	handle ConnectionHandle
}

// Service runs the executor side of the protocol.
type Service struct {
	opts Options

	// resync forces a Discover before the next report.
	resync atomic.Bool
	// bg is the context materializations run under once started.
	bg atomic.Pointer[context.Context]

	mu            sync.Mutex
	holdings      map[string]*Holding
	lastDiagnosis string
	inflight      sync.WaitGroup
}

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Identity.IsZero() {
		return nil, errors.New("executor needs a cluster identity")
	}
	if opts.Orchestrator == nil || opts.Workload == nil || opts.Materializer == nil {
		return nil, errors.New("executor needs an orchestrator, a workload and a materializer")
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	s := &Service{opts: opts, holdings: map[string]*Holding{}}
	s.resync.Store(true)
	return s, nil
}

func (s *Service) fingerprint() dto.Fingerprint {
	return dto.NewFingerprint(s.opts.Identity.ConfigRepoURL(), s.opts.Identity.Name(), "")
}

// Start probes the orchestrator and reports the workload every
// ReportInterval until ctx is done. Held agents are closed on the way out.
func (s *Service) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("executor").WithValues("cluster", s.opts.Identity.Name())
	logger.Info("Starting reporter", "interval", s.opts.ReportInterval)
	s.bg.Store(&ctx)

	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if err := s.Report(ctx); err != nil {
			logger.V(1).Info("Workload report failed", "error", err.Error())
		}
	}, s.opts.ReportInterval)

	s.inflight.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.closeAll(shutdownCtx)
	logger.Info("Reporter stopped")
	return nil
}

// Discover probes the orchestrator and records its diagnosis.
func (s *Service) Discover(ctx context.Context) (*dto.DiscoverResponse, error) {
	logger := log.FromContext(ctx).WithName("executor")

	resp, err := s.opts.Orchestrator.Discover(ctx, &dto.DiscoverRequest{
		Fingerprint: s.fingerprint(),
		URL:         s.opts.Identity.BaseURL(),
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastDiagnosis = resp.Diagnosis
	s.mu.Unlock()

	if resp.Diagnosis != "OK" {
		logger.Info("Orchestrator reports a problem", "diagnosis", resp.Diagnosis)
	} else {
		logger.V(1).Info("Orchestrator discovered", "agents", len(resp.Agents))
	}
	s.resync.Store(false)
	return resp, nil
}

// Report sends a full snapshot of the workload. Held agents whose work item
// is gone are returned first.
func (s *Service) Report(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("executor")

	if s.resync.Load() {
		if _, err := s.Discover(ctx); err != nil {
			return fmt.Errorf("discover before report: %w", err)
		}
	}

	items, err := s.opts.Workload.Items(ctx)
	if err != nil {
		return err
	}

	wanted := sets.New[string]()
	for _, it := range items {
		wanted.Insert(it.ID)
	}
	for _, h := range s.Holdings() {
		if h.Ready && !wanted.Has(h.WorkItemID) {
			logger.Info("Work item finished, returning agent", "agent", h.Agent, "workItem", h.WorkItemID)
			if err := s.Return(ctx, h.Agent, dto.ReturnOK); err != nil {
				logger.V(1).Info("Return failed, the orchestrator will reconcile", "agent", h.Agent, "error", err.Error())
			}
		}
	}

	ack, err := s.opts.Orchestrator.ReportWorkload(ctx, &dto.WorkloadReport{
		Fingerprint: s.fingerprint(),
		Items:       s.withHoldings(items),
	})
	if err != nil {
		if transporthttp.NeedsResync(err) {
			s.resync.Store(true)
		}
		return err
	}
	if ack.Items != len(items) {
		logger.Info("Orchestrator rejected some work items", "sent", len(items), "accepted", ack.Items)
	}
	return nil
}

// withHoldings restates every served work item as a backfill item naming
// the agent serving it, so an orchestrator that lost its ledger hands the
// same agent back instead of lending it elsewhere.
func (s *Service) withHoldings(items []dto.WorkItem) []dto.WorkItem {
	serving := map[string]string{}
	for _, h := range s.Holdings() {
		serving[h.WorkItemID] = h.Agent
	}
	out := make([]dto.WorkItem, 0, len(items))
	for _, it := range items {
		if agent, ok := serving[it.ID]; ok {
			it.Agent = agent
		}
		out = append(out, it)
	}
	return out
}

// HandleUtilize accepts an agent assigned to this cluster. The agent is
// materialized in the background; a failure returns it as FAILED.
// Redelivery of an agent already held is a no-op, and an agent offered for
// a work item another agent already serves is given back as OK.
func (s *Service) HandleUtilize(ctx context.Context, msg *dto.UtilizeAgent) error {
	if err := msg.Fingerprint.Check(s.opts.Identity.ConfigRepoURL()); err != nil {
		return err
	}
	if msg.ClusterName != s.opts.Identity.Name() {
		return fmt.Errorf("agent %s addressed to %q: %w", msg.AgentName, msg.ClusterName, pool.ErrUnknownCluster)
	}
	logger := log.FromContext(ctx).WithName("executor").WithValues("agent", msg.AgentName, "requestID", msg.RequestID)

	s.mu.Lock()
	if _, held := s.holdings[msg.AgentName]; held {
		s.mu.Unlock()
		logger.V(1).Info("Agent already held, ignoring redelivery")
		return nil
	}
	if served := s.servedByLocked(msg.WorkItemID); served != "" {
		s.inflight.Add(1)
		s.mu.Unlock()
		logger.Info("Work item already served, giving the agent back", "workItem", msg.WorkItemID, "servedBy", served)
		go func(ctx context.Context) {
			defer s.inflight.Done()
			if err := s.relinquish(ctx, msg.AgentName, dto.ReturnOK); err != nil {
				log.FromContext(ctx).Error(err, "Failed to give back agent, the orchestrator will reconcile")
			}
		}(s.background(ctx, logger))
		return nil
	}
	s.holdings[msg.AgentName] = &Holding{
		Agent:      msg.AgentName,
		RequestID:  msg.RequestID,
		WorkItemID: msg.WorkItemID,
		Labels:     append([]string{}, msg.Labels...),
		Since:      s.opts.Clock.Now(),
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go s.materialize(s.background(ctx, logger), msg.ToAgentDefinition())
	logger.Info("Agent assigned, materializing")
	return nil
}

// background returns the context work outliving a request runs under.
func (s *Service) background(ctx context.Context, logger logr.Logger) context.Context {
	bg := context.WithoutCancel(ctx)
	if p := s.bg.Load(); p != nil {
		bg = *p
	}
	return log.IntoContext(bg, logger)
}

func (s *Service) servedByLocked(workItem string) string {
	if workItem == "" {
		return ""
	}
	for _, h := range s.holdings {
		if h.WorkItemID == workItem {
			return h.Agent
		}
	}
	return ""
}

func (s *Service) materialize(ctx context.Context, def pool.AgentDefinition) {
	defer s.inflight.Done()
	logger := log.FromContext(ctx)

	handle, err := s.opts.Materializer.Materialize(ctx, def)
	if err != nil {
		logger.Error(err, "Failed to materialize agent")
		if rerr := s.Return(ctx, def.Name, dto.ReturnFailed); rerr != nil {
			logger.Error(rerr, "Failed to return agent, the orchestrator will reconcile")
		}
		return
	}

	s.mu.Lock()
	h, ok := s.holdings[def.Name]
	if ok {
		h.handle = handle
		h.Ready = true
	}
	s.mu.Unlock()
	if !ok {
		_ = handle.Close(ctx)
		return
	}
	logger.Info("Agent ready")

	go s.watch(ctx, def.Name, handle)
}

// watch returns an agent as FAILED when its connection ends while held.
func (s *Service) watch(ctx context.Context, agent string, handle ConnectionHandle) {
	select {
	case <-ctx.Done():
		return
	case <-handle.Done():
	}
	s.mu.Lock()
	h, ok := s.holdings[agent]
	still := ok && h.handle == handle
	s.mu.Unlock()
	if !still {
		return
	}
	log.FromContext(ctx).Info("Agent connection lost, returning as failed")
	if err := s.Return(ctx, agent, dto.ReturnFailed); err != nil {
		log.FromContext(ctx).Error(err, "Failed to return agent, the orchestrator will reconcile")
	}
}

// Return releases the local handle for agent and relinquishes it.
func (s *Service) Return(ctx context.Context, agent, status string) error {
	s.mu.Lock()
	h, ok := s.holdings[agent]
	delete(s.holdings, agent)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("return of %s: %w", agent, pool.ErrUnknownAgent)
	}
	if h.handle != nil {
		if err := h.handle.Close(ctx); err != nil {
			log.FromContext(ctx).Info("Failed to close agent connection", "agent", agent, "error", err.Error())
		}
	}

	return s.relinquish(ctx, agent, status)
}

// relinquish tells the orchestrator this cluster no longer holds agent.
func (s *Service) relinquish(ctx context.Context, agent, status string) error {
	err := s.opts.Orchestrator.ReturnAgent(ctx, &dto.ReturnAgent{
		Fingerprint: s.fingerprint(),
		AgentName:   agent,
		Status:      status,
	})
	if transporthttp.NeedsResync(err) {
		s.resync.Store(true)
	}
	return err
}

// HandleDiscover answers the orchestrator's probe with this cluster's view:
// configuration agreement and the agents it holds.
func (s *Service) HandleDiscover(ctx context.Context, req *dto.DiscoverRequest) (*dto.DiscoverResponse, error) {
	var problems []string
	if err := req.Fingerprint.Check(s.opts.Identity.ConfigRepoURL()); err != nil {
		problems = append(problems, err.Error())
	}
	if req.ClusterName != s.opts.Identity.Name() {
		problems = append(problems, fmt.Sprintf("probe addressed to %q, this is %q", req.ClusterName, s.opts.Identity.Name()))
	}
	s.mu.Lock()
	if s.lastDiagnosis != "" && s.lastDiagnosis != "OK" {
		problems = append(problems, "orchestrator: "+s.lastDiagnosis)
	}
	s.mu.Unlock()

	resp := &dto.DiscoverResponse{
		Fingerprint: s.fingerprint(),
		Diagnosis:   "OK",
		Agents:      []dto.AgentLabels{},
	}
	if len(problems) > 0 {
		resp.Diagnosis = strings.Join(problems, "; ")
	}
	for _, h := range s.Holdings() {
		resp.Agents = append(resp.Agents, dto.AgentLabels{Name: h.Agent, Labels: h.Labels})
	}
	log.FromContext(ctx).WithName("executor").V(1).Info("Discovered by orchestrator", "diagnosis", resp.Diagnosis)
	return resp, nil
}

// Holdings returns the held agents sorted by name.
func (s *Service) Holdings() []Holding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Holding, 0, len(s.holdings))
	for _, h := range s.holdings {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func (s *Service) closeAll(ctx context.Context) {
	s.mu.Lock()
	held := s.holdings
	s.holdings = map[string]*Holding{}
	s.mu.Unlock()
	for name, h := range held {
		if h.handle == nil {
			continue
		}
		if err := h.handle.Close(ctx); err != nil {
			log.FromContext(ctx).Info("Failed to close agent connection", "agent", name, "error", err.Error())
		}
	}
}
