package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
	transporthttp "github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/http"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

const repoURL = "https://git.example.com/pool.git"

type fakeOrchestrator struct {
	mu        sync.Mutex
	reports   []*dto.WorkloadReport
	returns   []*dto.ReturnAgent
	discovers int
	reportErr error
}

func (f *fakeOrchestrator) Discover(_ context.Context, req *dto.DiscoverRequest) (*dto.DiscoverResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovers++
	return &dto.DiscoverResponse{Fingerprint: req.Fingerprint, Diagnosis: "OK", Agents: []dto.AgentLabels{}}, nil
}

func (f *fakeOrchestrator) ReportWorkload(_ context.Context, r *dto.WorkloadReport) (*dto.ReportAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	f.reports = append(f.reports, r)
	return &dto.ReportAck{Fingerprint: r.Fingerprint, Items: len(r.Items)}, nil
}

func (f *fakeOrchestrator) ReturnAgent(_ context.Context, msg *dto.ReturnAgent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns = append(f.returns, msg)
	return nil
}

func (f *fakeOrchestrator) AgentStatus(_ context.Context, req *dto.AgentStatusRequest) (*dto.AgentStatusResponse, error) {
	return &dto.AgentStatusResponse{Fingerprint: req.Fingerprint, AgentName: req.AgentName, Status: dto.AgentBusy}, nil
}

func (f *fakeOrchestrator) Ping(context.Context) error { return nil }
func (f *fakeOrchestrator) Close() error               { return nil }

func (f *fakeOrchestrator) returned() []*dto.ReturnAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*dto.ReturnAgent(nil), f.returns...)
}

type fakeHandle struct {
	done   chan struct{}
	closed bool
	once   sync.Once
}

func newFakeHandle() *fakeHandle { return &fakeHandle{done: make(chan struct{})} }

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Close(context.Context) error {
	h.closed = true
	h.end()
	return nil
}

func (h *fakeHandle) end() { h.once.Do(func() { close(h.done) }) }

type fakeMaterializer struct {
	mu      sync.Mutex
	fail    bool
	handles map[string]*fakeHandle
}

func (m *fakeMaterializer) Materialize(_ context.Context, def pool.AgentDefinition) (ConnectionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("launch failed")
	}
	if m.handles == nil {
		m.handles = map[string]*fakeHandle{}
	}
	h := newFakeHandle()
	m.handles[def.Name] = h
	return h, nil
}

func (m *fakeMaterializer) handle(name string) *fakeHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[name]
}

type staticWorkload struct {
	mu    sync.Mutex
	items []dto.WorkItem
}

func (w *staticWorkload) Items(context.Context) ([]dto.WorkItem, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]dto.WorkItem{}, w.items...), nil
}

func (w *staticWorkload) set(items ...dto.WorkItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = items
}

func newTestService(t *testing.T, m *fakeMaterializer, w Workload) (*Service, *fakeOrchestrator) {
	t.Helper()
	orch := &fakeOrchestrator{}
	s, err := New(Options{
		Identity:     pool.MustClusterIdentity("cluster-a", "https://a.example.com", repoURL),
		Orchestrator: orch,
		Workload:     w,
		Materializer: m,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return s, orch
}

func utilize(agent, item string) *dto.UtilizeAgent {
	return &dto.UtilizeAgent{
		Fingerprint: dto.NewFingerprint(repoURL, "cluster-a", ""),
		AgentName:   agent,
		RequestID:   "req-" + agent,
		WorkItemID:  item,
		Labels:      []string{"solaris"},
		Definition:  "name: " + agent + "\n",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	err := wait.PollUntilContextTimeout(context.Background(), 5*time.Millisecond, 5*time.Second, true,
		func(context.Context) (bool, error) { return cond(), nil })
	if err != nil {
		t.Fatalf("timed out waiting for %s", what)
	}
}

// Test: An assigned agent is materialized and returned OK once its work item is gone
func TestService_UtilizeThenReturnWhenWorkFinishes(t *testing.T) {
	ctx := context.Background()
	m := &fakeMaterializer{}
	w := &staticWorkload{}
	w.set(dto.WorkItem{ID: "1", Name: "build #1", LabelExpr: "solaris"})
	s, orch := newTestService(t, m, w)

	if err := s.HandleUtilize(ctx, utilize("sol1", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "agent ready", func() bool {
		h := s.Holdings()
		return len(h) == 1 && h[0].Ready
	})

	if err := s.Report(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orch.returned()) != 0 {
		t.Fatalf("expected no return while the work item exists, got %d", len(orch.returned()))
	}

	w.set()
	if err := s.Report(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	returns := orch.returned()
	if len(returns) != 1 || returns[0].AgentName != "sol1" || returns[0].Status != dto.ReturnOK {
		t.Fatalf("expected sol1 returned OK, got %+v", returns)
	}
	if !m.handle("sol1").closed {
		t.Error("expected handle to be closed on return")
	}
	if len(s.Holdings()) != 0 {
		t.Errorf("expected no holdings, got %d", len(s.Holdings()))
	}
	if orch.discovers != 1 {
		t.Errorf("expected one discover before the first report, got %d", orch.discovers)
	}
}

// Test: A failed materialization returns the agent as FAILED
func TestService_MaterializeFailureReturnsFailed(t *testing.T) {
	s, orch := newTestService(t, &fakeMaterializer{fail: true}, &staticWorkload{})

	if err := s.HandleUtilize(context.Background(), utilize("sol1", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "failed return", func() bool { return len(orch.returned()) == 1 })

	if got := orch.returned()[0].Status; got != dto.ReturnFailed {
		t.Errorf("expected status %s, got %s", dto.ReturnFailed, got)
	}
	if len(s.Holdings()) != 0 {
		t.Errorf("expected no holdings, got %d", len(s.Holdings()))
	}
}

// Test: A lost agent connection is returned as FAILED
func TestService_LostConnectionReturnsFailed(t *testing.T) {
	m := &fakeMaterializer{}
	s, orch := newTestService(t, m, &staticWorkload{})

	if err := s.HandleUtilize(context.Background(), utilize("sol1", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "agent ready", func() bool {
		h := s.Holdings()
		return len(h) == 1 && h[0].Ready
	})

	m.handle("sol1").end()
	waitFor(t, "failed return", func() bool { return len(orch.returned()) == 1 })
	if got := orch.returned()[0].Status; got != dto.ReturnFailed {
		t.Errorf("expected status %s, got %s", dto.ReturnFailed, got)
	}
}

// Test: Redelivery is idempotent and misaddressed deliveries are rejected
func TestService_HandleUtilizeChecks(t *testing.T) {
	ctx := context.Background()
	m := &fakeMaterializer{}
	s, _ := newTestService(t, m, &staticWorkload{})

	if err := s.HandleUtilize(ctx, utilize("sol1", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.HandleUtilize(ctx, utilize("sol1", "1")); err != nil {
		t.Fatalf("expected redelivery to be accepted, got %v", err)
	}
	if len(s.Holdings()) != 1 {
		t.Errorf("expected 1 holding, got %d", len(s.Holdings()))
	}

	wrongCluster := utilize("sol2", "2")
	wrongCluster.ClusterName = "cluster-b"
	if err := s.HandleUtilize(ctx, wrongCluster); !errors.Is(err, pool.ErrUnknownCluster) {
		t.Errorf("expected ErrUnknownCluster, got %v", err)
	}

	wrongRepo := utilize("sol3", "3")
	wrongRepo.ConfigRepoURL = "https://git.example.com/other.git"
	if err := s.HandleUtilize(ctx, wrongRepo); !pool.IsVersionMismatch(err) {
		t.Errorf("expected version mismatch, got %v", err)
	}
}

// Test: A 4xx rejection forces a discover before the next report
func TestService_ResyncAfterRejection(t *testing.T) {
	ctx := context.Background()
	s, orch := newTestService(t, &fakeMaterializer{}, &staticWorkload{})

	if err := s.Report(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	orch.reportErr = &transporthttp.StatusError{Code: 409, Message: "fingerprint mismatch"}
	if err := s.Report(ctx); err == nil {
		t.Fatal("expected report error")
	}
	orch.reportErr = nil
	if err := s.Report(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if orch.discovers != 2 {
		t.Errorf("expected 2 discovers, got %d", orch.discovers)
	}
}

// Test: HandleDiscover diagnoses misaddressed probes and lists held agents
func TestService_HandleDiscover(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, &fakeMaterializer{}, &staticWorkload{})
	if err := s.HandleUtilize(ctx, utilize("sol1", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := s.HandleDiscover(ctx, &dto.DiscoverRequest{Fingerprint: dto.NewFingerprint(repoURL, "cluster-a", ""), URL: "https://orch"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Diagnosis != "OK" {
		t.Errorf("expected OK, got %s", resp.Diagnosis)
	}
	if len(resp.Agents) != 1 || resp.Agents[0].Name != "sol1" {
		t.Errorf("expected sol1 listed, got %+v", resp.Agents)
	}

	resp, _ = s.HandleDiscover(ctx, &dto.DiscoverRequest{Fingerprint: dto.NewFingerprint(repoURL, "cluster-b", ""), URL: "https://orch"})
	if resp.Diagnosis == "OK" {
		t.Error("expected a diagnosis for a misaddressed probe")
	}
}

// Test: FileWorkload parses items and rejects malformed files
func TestFileWorkload(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		items   int
		wantErr bool
	}{
		{"two items", "items:\n  - id: \"1\"\n    labels: solaris\n  - id: \"2\"\n    name: b\n    agent: host1\n", 2, false},
		{"empty", "items: []\n", 0, false},
		{"missing id", "items:\n  - labels: solaris\n", 0, true},
		{"duplicate", "items:\n  - id: \"1\"\n  - id: \"1\"\n", 0, true},
		{"not yaml", "items: [", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "workload.yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatal(err)
			}
			items, err := FileWorkload{Path: path}.Items(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if len(items) != tc.items {
				t.Errorf("expected %d items, got %d", tc.items, len(items))
			}
		})
	}

	if _, err := (FileWorkload{Path: filepath.Join(t.TempDir(), "absent.yaml")}).Items(context.Background()); err == nil {
		t.Error("expected error for a missing workload file")
	}
}

func (f *fakeOrchestrator) lastReport() *dto.WorkloadReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reports) == 0 {
		return nil
	}
	return f.reports[len(f.reports)-1]
}

// Test: Served work items are reported as backfill items naming their agent
func TestService_ReportsHeldAgentsAsBackfill(t *testing.T) {
	ctx := context.Background()
	m := &fakeMaterializer{}
	w := &staticWorkload{}
	w.set(
		dto.WorkItem{ID: "1", Name: "build #1", LabelExpr: "solaris"},
		dto.WorkItem{ID: "2", Name: "build #2", LabelExpr: "linux"},
	)
	s, orch := newTestService(t, m, w)

	if err := s.HandleUtilize(ctx, utilize("sol1", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "agent ready", func() bool {
		h := s.Holdings()
		return len(h) == 1 && h[0].Ready
	})
	if err := s.Report(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := orch.lastReport()
	if r == nil || len(r.Items) != 2 {
		t.Fatalf("expected a report with 2 items, got %+v", r)
	}
	expected := map[string]string{"1": "sol1", "2": ""}
	for _, it := range r.Items {
		if it.Agent != expected[it.ID] {
			t.Errorf("item %s: expected agent %q, got %q", it.ID, expected[it.ID], it.Agent)
		}
	}
}

// Test: A second agent offered for an already served work item is given back
func TestService_GivesBackAgentForServedItem(t *testing.T) {
	ctx := context.Background()
	m := &fakeMaterializer{}
	w := &staticWorkload{}
	w.set(dto.WorkItem{ID: "1", LabelExpr: "solaris"})
	s, orch := newTestService(t, m, w)

	if err := s.HandleUtilize(ctx, utilize("sol1", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.HandleUtilize(ctx, utilize("sol2", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "sol2 given back", func() bool { return len(orch.returned()) == 1 })
	ret := orch.returned()[0]
	if ret.AgentName != "sol2" || ret.Status != dto.ReturnOK {
		t.Errorf("expected sol2 returned OK, got %+v", ret)
	}
	holdings := s.Holdings()
	if len(holdings) != 1 || holdings[0].Agent != "sol1" {
		t.Errorf("expected only sol1 held, got %+v", holdings)
	}
	if m.handle("sol2") != nil {
		t.Error("expected sol2 never materialized")
	}
}
