// Package reconcile compares the ledger's view of each cluster with what the
// cluster last reported and corrects the difference.
//
// A PlannedFixup is computed per cluster and cycle. Fixups are damped: only
// discrepancies present in the samples of each of the last N distinct
// reports are acted upon.
package reconcile

import (
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/reservation"
)

// Observation is the input of one cluster's reconciliation.
type Observation struct {
	// ReportSeq identifies the report Demands came from.
	ReportSeq uint64
	// Held are the agents the ledger says the cluster holds.
	Held sets.Set[string]
	// Holdings maps a held agent to the key of the request that earned it.
	Holdings map[string]reservation.Key
	// Demands is the cluster's latest report, by request key.
	Demands map[reservation.Key]reservation.Demand
	// Satisfied are the keys with an Assigned or Active request.
	Satisfied sets.Set[reservation.Key]
}

// PlannedFixup is the correction for one cluster in one cycle.
type PlannedFixup struct {
	Cluster string
	// Generation is the inventory generation the fixup was computed against.
	Generation uint64
	// ReportSeq is the report the fixup was computed from.
	ReportSeq uint64
	ToCreate  map[reservation.Key]reservation.Demand
	ToRelease sets.Set[string]
}

// Empty reports whether the fixup has nothing to do.
func (f PlannedFixup) Empty() bool {
	return len(f.ToCreate) == 0 && f.ToRelease.Len() == 0
}

// CreateKeys returns the keys of ToCreate.
func (f PlannedFixup) CreateKeys() sets.Set[reservation.Key] {
	keys := sets.New[reservation.Key]()
	for k := range f.ToCreate {
		keys.Insert(k)
	}
	return keys
}

func (f PlannedFixup) String() string {
	return fmt.Sprintf("fixup{cluster=%s gen=%d report=%d create=%d release=%v}",
		f.Cluster, f.Generation, f.ReportSeq, len(f.ToCreate), sets.List(f.ToRelease))
}

// Compute derives the fixup for cluster from obs.
//
// A held agent is confirmed when the request holding it still appears in the
// report. Correlation is by request key, never by display name, and each
// report item confirms at most one agent.
func Compute(cluster string, generation uint64, obs Observation) PlannedFixup {
	confirmed := sets.New[string]()
	used := sets.New[reservation.Key]()
	for _, agent := range sets.List(obs.Held) {
		key, ok := obs.Holdings[agent]
		if !ok || used.Has(key) {
			continue
		}
		if _, reported := obs.Demands[key]; !reported {
			continue
		}
		used.Insert(key)
		confirmed.Insert(agent)
	}

	toCreate := map[reservation.Key]reservation.Demand{}
	for key, d := range obs.Demands {
		if !obs.Satisfied.Has(key) {
			toCreate[key] = d
		}
	}

	held := obs.Held
	if held == nil {
		held = sets.New[string]()
	}
	return PlannedFixup{
		Cluster:    cluster,
		Generation: generation,
		ReportSeq:  obs.ReportSeq,
		ToCreate:   toCreate,
		ToRelease:  held.Difference(confirmed),
	}
}

// Reduce combines consecutive samples of one cluster by intersecting their
// release and create sets. Demands in the result come from the last sample.
// Fewer than two samples, or samples of different clusters or generations,
// are a ReconciliationPrecondition error.
func Reduce(samples ...PlannedFixup) (PlannedFixup, error) {
	if len(samples) < 2 {
		return PlannedFixup{}, &pool.ReconciliationPrecondition{
			Reason: fmt.Sprintf("reduce needs at least 2 samples, got %d", len(samples)),
		}
	}

	first := samples[0]
	release := sets.New(sets.List(first.ToRelease)...)
	create := first.CreateKeys()
	for _, s := range samples[1:] {
		if s.Cluster != first.Cluster {
			return PlannedFixup{}, &pool.ReconciliationPrecondition{
				Reason: fmt.Sprintf("samples of different clusters %q and %q", first.Cluster, s.Cluster),
			}
		}
		if s.Generation != first.Generation {
			return PlannedFixup{}, &pool.ReconciliationPrecondition{
				Reason: fmt.Sprintf("samples of different generations %d and %d", first.Generation, s.Generation),
			}
		}
		release = release.Intersection(s.ToRelease)
		create = create.Intersection(s.CreateKeys())
	}

	last := samples[len(samples)-1]
	toCreate := make(map[reservation.Key]reservation.Demand, create.Len())
	for k := range create {
		toCreate[k] = last.ToCreate[k]
	}
	return PlannedFixup{
		Cluster:    first.Cluster,
		Generation: first.Generation,
		ReportSeq:  last.ReportSeq,
		ToCreate:   toCreate,
		ToRelease:  release,
	}, nil
}

// SortedCreates returns the demands of ToCreate ordered by key.
func (f PlannedFixup) SortedCreates() []reservation.Demand {
	keys := make([]reservation.Key, 0, len(f.ToCreate))
	for k := range f.ToCreate {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	out := make([]reservation.Demand, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.ToCreate[k])
	}
	return out
}
