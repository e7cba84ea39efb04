package pool

import (
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/validation"
)

// AgentDefinition describes one shared build agent as declared by the
// inventory. Identity is the name; the rest is replaced on every refresh.
type AgentDefinition struct {
	Name string
	// Labels are capability atoms ("solaris") or key=value pairs ("arch=amd64").
	Labels []string
	// Source is the inventory file that declared the agent.
	Source string
	// Definition is the raw, opaque definition blob handed to clusters.
	Definition []byte
	// LaunchHints are optional key/value hints for the launch collaborator.
	LaunchHints map[string]string
}

// Validate checks the agent name and every label.
func (d AgentDefinition) Validate() error {
	if err := ValidateName("agent name", d.Name); err != nil {
		return err
	}
	for _, l := range d.Labels {
		key, _, _ := strings.Cut(l, "=")
		if errs := validation.IsQualifiedName(key); len(errs) > 0 {
			return NewValidationError("agent label", l, strings.Join(errs, "; "))
		}
	}
	return nil
}

// LabelSet converts the agent labels into a selector-matchable set.
func (d AgentDefinition) LabelSet() labels.Set {
	set := make(labels.Set, len(d.Labels))
	for _, l := range d.Labels {
		key, value, _ := strings.Cut(l, "=")
		set[key] = value
	}
	return set
}

// Inventory is one versioned snapshot of the pool definition.
type Inventory struct {
	Version       string
	ConfigRepoURL string
	Agents        map[string]AgentDefinition
	Clusters      map[string]ClusterIdentity
}

// Agent looks up an agent by name.
func (inv *Inventory) Agent(name string) (AgentDefinition, bool) {
	if inv == nil {
		return AgentDefinition{}, false
	}
	def, ok := inv.Agents[name]
	return def, ok
}

// Cluster looks up a cluster by name.
func (inv *Inventory) Cluster(name string) (ClusterIdentity, bool) {
	if inv == nil {
		return ClusterIdentity{}, false
	}
	id, ok := inv.Clusters[name]
	return id, ok
}

// AgentNames returns the agent names in lexical order.
func (inv *Inventory) AgentNames() []string {
	if inv == nil {
		return nil
	}
	names := make([]string, 0, len(inv.Agents))
	for name := range inv.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClusterNames returns the cluster names in lexical order.
func (inv *Inventory) ClusterNames() []string {
	if inv == nil {
		return nil
	}
	names := make([]string, 0, len(inv.Clusters))
	for name := range inv.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
