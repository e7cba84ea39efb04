package dto

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
)

var fp = NewFingerprint("https://git.example.com/pool.git", "cluster-a", "abc123")

// Test: an empty report carries an empty item list, never null or missing
func TestWorkloadReport_EmptyItems(t *testing.T) {
	data, err := json.Marshal(WorkloadReport{Fingerprint: fp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"items":[]`) {
		t.Fatalf("expected items:[] in %s", data)
	}

	var got WorkloadReport
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Items == nil || len(got.Items) != 0 {
		t.Errorf("expected empty non-nil items, got %#v", got.Items)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("expected empty report to validate, got %v", err)
	}
}

// Test: a report without the items field is rejected
func TestWorkloadReport_MissingItems(t *testing.T) {
	var r WorkloadReport
	body := `{"configRepoUrl":"https://git.example.com/pool.git","version":"1","clusterName":"cluster-a"}`
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Validate(); !pool.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

// Test: fingerprint fields are flattened into the message object
func TestFingerprint_Flattened(t *testing.T) {
	data, _ := json.Marshal(ReturnAgent{Fingerprint: fp, AgentName: "host1", Status: ReturnOK})

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{"configRepoUrl", "version", "clusterName", "agentName", "status"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("expected top-level field %q in %s", key, data)
		}
	}
}

// Test: every message kind survives a JSON round trip unchanged
func TestRoundTrip(t *testing.T) {
	messages := []struct {
		name string
		in   any
		out  any
	}{
		{"discover", &DiscoverRequest{Fingerprint: fp, URL: "https://a.example.com"}, &DiscoverRequest{}},
		{"discover response", &DiscoverResponse{
			Fingerprint: fp, Diagnosis: "OK",
			Agents: []AgentLabels{{Name: "host1", Labels: []string{"solaris", "arch=sparc"}}},
		}, &DiscoverResponse{}},
		{"report", &WorkloadReport{Fingerprint: fp, Items: []WorkItem{
			{ID: "42", Name: "build #42", LabelExpr: "solaris && jdk=17", Priority: 3},
			{ID: "43", Name: "restore", Agent: "host1"},
		}}, &WorkloadReport{}},
		{"utilize", &UtilizeAgent{
			Fingerprint: fp, AgentName: "host1", RequestID: "r-1", WorkItemID: "42",
			Labels: []string{"solaris"}, Definition: "labels: [solaris]\n",
			LaunchHints: map[string]string{"ssh": "host1.example.com"},
		}, &UtilizeAgent{}},
		{"return", &ReturnAgent{Fingerprint: fp, AgentName: "host1", Status: ReturnFailed}, &ReturnAgent{}},
		{"status", &AgentStatusResponse{Fingerprint: fp, AgentName: "host1", Status: AgentBusy}, &AgentStatusResponse{}},
	}

	for _, m := range messages {
		t.Run(m.name, func(t *testing.T) {
			data, err := json.Marshal(m.in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if err := json.Unmarshal(data, m.out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if diff := cmp.Diff(m.in, m.out); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReturnAgent_ValidateStatus(t *testing.T) {
	r := &ReturnAgent{Fingerprint: fp, AgentName: "host1", Status: "MAYBE"}
	if err := r.Validate(); !pool.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	r.Status = ReturnOK
	if err := r.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFingerprint_Check(t *testing.T) {
	if err := fp.Check("https://git.example.com/pool.git"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := fp.Check("https://git.example.com/other.git"); !pool.IsVersionMismatch(err) {
		t.Errorf("expected mismatch on repo url, got %v", err)
	}
	old := fp
	old.Version = "0"
	if err := old.Check("https://git.example.com/pool.git"); !pool.IsVersionMismatch(err) {
		t.Errorf("expected mismatch on version, got %v", err)
	}
}

// Test: items with a malformed requirement are skipped, others converted
func TestToDemands(t *testing.T) {
	demands, errs := ToDemands("cluster-a", []WorkItem{
		{ID: "1", LabelExpr: "solaris"},
		{ID: "2", LabelExpr: "linux &&"},
		{ID: "3", Agent: "host1"},
	})
	if len(errs) != 1 {
		t.Errorf("expected 1 error, got %v", errs)
	}
	if len(demands) != 2 {
		t.Fatalf("expected 2 demands, got %d", len(demands))
	}
	if !demands[1].Backfill() || demands[1].Cluster != "cluster-a" {
		t.Errorf("expected backfill demand for cluster-a, got %+v", demands[1])
	}
}
