package executor

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

// Workload is the cluster's current demand on the pool.
type Workload interface {
	Items(ctx context.Context) ([]dto.WorkItem, error)
}

// FileWorkload reads the demand from a YAML file on every call:
//
//	items:
//	  - id: "42"
//	    name: "build #42"
//	    labels: "solaris && amd64"
//	    agent: ""      # set to reclaim one named agent
//	    priority: 0
type FileWorkload struct {
	Path string
}

type workloadFile struct {
	Items []struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Labels   string `yaml:"labels"`
		Agent    string `yaml:"agent"`
		Priority int    `yaml:"priority"`
	} `yaml:"items"`
}

func (f FileWorkload) Items(_ context.Context) ([]dto.WorkItem, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workload: %w", err)
	}
	var file workloadFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse workload %s: %w", f.Path, err)
	}

	items := make([]dto.WorkItem, 0, len(file.Items))
	seen := map[string]bool{}
	for i, it := range file.Items {
		if it.ID == "" {
			return nil, fmt.Errorf("workload %s: items[%d] has no id", f.Path, i)
		}
		key := it.ID + "\x00" + it.Agent
		if seen[key] {
			return nil, fmt.Errorf("workload %s: duplicate item %s", f.Path, it.ID)
		}
		seen[key] = true
		name := it.Name
		if name == "" {
			name = it.ID
		}
		items = append(items, dto.WorkItem{
			ID:        it.ID,
			Name:      name,
			LabelExpr: it.Labels,
			Agent:     it.Agent,
			Priority:  it.Priority,
		})
	}
	return items, nil
}
