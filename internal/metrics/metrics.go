// Package metrics exposes pool and reconciliation metrics through the
// controller-runtime Prometheus registry.
package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "nodesharing"

var (
	LedgerCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_commits_total",
		Help:      "Agents committed to a cluster.",
	})

	LedgerConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_conflicts_total",
		Help:      "Commits refused because the agent already had a holder.",
	})

	LedgerReleases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_releases_total",
		Help:      "Agents released from their holder, by reason.",
	}, []string{"reason"})

	VerifierCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifier_cycles_total",
		Help:      "Verifier cycles, by result (run, skipped).",
	}, []string{"result"})

	FixupActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fixup_actions_total",
		Help:      "Actions applied from reduced fixups, by action (release, create).",
	}, []string{"action"})

	Disposals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disposals_total",
		Help:      "Release-to-inventory attempts, by result (succeeded, failed).",
	}, []string{"result"})
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		LedgerCommits,
		LedgerConflicts,
		LedgerReleases,
		VerifierCycles,
		FixupActions,
		Disposals,
	)
}

// StateSource reports how many agents are in each ledger state.
type StateSource interface {
	StateCounts() map[string]int
}

// LedgerCollector turns a ledger snapshot into the agents gauge on every scrape.
type LedgerCollector struct {
	source StateSource
	desc   *prometheus.Desc
}

// NewLedgerCollector creates a collector reading from source.
func NewLedgerCollector(source StateSource) *LedgerCollector {
	return &LedgerCollector{
		source: source,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ledger", "agents"),
			"Agents in the pool, by lease state.",
			[]string{"state"}, nil,
		),
	}
}

func (c *LedgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *LedgerCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.source.StateCounts()
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[state]), state)
	}
}

// RegisterLedger registers a LedgerCollector for source on the shared registry.
func RegisterLedger(source StateSource) error {
	return ctrlmetrics.Registry.Register(NewLedgerCollector(source))
}
