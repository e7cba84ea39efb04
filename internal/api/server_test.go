package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/api/handlers"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

type stubService struct {
	reports int
}

func (s *stubService) Discover(_ context.Context, req *dto.DiscoverRequest) (*dto.DiscoverResponse, error) {
	return &dto.DiscoverResponse{Fingerprint: req.Fingerprint, Diagnosis: "OK", Agents: []dto.AgentLabels{}}, nil
}

func (s *stubService) SubmitReport(_ context.Context, r *dto.WorkloadReport) (*dto.ReportAck, error) {
	s.reports++
	return &dto.ReportAck{Fingerprint: r.Fingerprint, Items: len(r.Items)}, nil
}

func (s *stubService) ReturnAgent(context.Context, *dto.ReturnAgent) error { return nil }

func (s *stubService) AgentStatus(_ context.Context, req *dto.AgentStatusRequest) (*dto.AgentStatusResponse, error) {
	return &dto.AgentStatusResponse{Fingerprint: req.Fingerprint, AgentName: req.AgentName, Status: dto.AgentIdle}, nil
}

func (s *stubService) Status() *dto.StatusResponse {
	return &dto.StatusResponse{Ready: true, Generation: 3}
}

func newTestServer(t *testing.T, ready func(*http.Request) error) (*httptest.Server, *stubService) {
	t.Helper()
	svc := &stubService{}
	srv, err := NewServer(":0", "", OrchestratorRoutes(handlers.NewHandler(svc), ready))
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

// Test: Probe and metrics endpoints answer without authentication
func TestOrchestratorRoutes_Probes(t *testing.T) {
	notReady := errors.New("no inventory yet")
	ready := func(*http.Request) error { return notReady }
	ts, _ := newTestServer(t, ready)

	testCases := []struct {
		path     string
		expected int
	}{
		{"/healthz", http.StatusOK},
		{"/healthz/ping", http.StatusOK},
		{"/readyz", http.StatusInternalServerError},
		{"/readyz/ping", http.StatusOK},
		{"/readyz/inventory", http.StatusInternalServerError},
		{"/metrics", http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tc.path)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.expected {
				t.Errorf("expected status %d, got %d", tc.expected, resp.StatusCode)
			}
		})
	}
}

// Test: Protocol endpoints are routed by method and path
func TestOrchestratorRoutes_Protocol(t *testing.T) {
	ts, svc := newTestServer(t, nil)

	body, _ := json.Marshal(&dto.WorkloadReport{
		Fingerprint: dto.NewFingerprint("https://git.example.com/pool.git", "cluster-a", ""),
		Items:       []dto.WorkItem{},
	})
	resp, err := http.Post(ts.URL+"/api/v1/reportWorkload", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if svc.reports != 1 {
		t.Errorf("expected 1 report, got %d", svc.reports)
	}

	resp, err = http.Get(ts.URL + "/api/v1/reportWorkload")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var status dto.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if !status.Ready || status.Generation != 3 {
		t.Errorf("expected ready status at generation 3, got %+v", status)
	}
}

// Test: Missing certificate directory files fail server construction
func TestNewServer_MissingCertificates(t *testing.T) {
	_, err := NewServer(":0", t.TempDir(), http.NewServeMux())
	if err == nil || !strings.Contains(err.Error(), "server certificate") {
		t.Errorf("expected server certificate error, got %v", err)
	}
}
