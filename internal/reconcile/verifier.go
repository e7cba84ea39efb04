package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/metrics"
)

// Target is what the Verifier reconciles.
type Target interface {
	// Clusters lists the clusters to verify.
	Clusters() []string
	// Observe snapshots one cluster. It returns false while the cluster has
	// not reported yet.
	Observe(ctx context.Context, cluster string) (Observation, bool)
	// Generation changes whenever the inventory is reloaded.
	Generation() uint64
	// Apply acts on a reduced fixup.
	Apply(ctx context.Context, fixup PlannedFixup) error
}

// Verifier periodically computes, damps and applies fixups.
type Verifier struct {
	target Target
	period time.Duration
	cycles int

	running atomic.Bool

	mu      sync.Mutex
	history map[string][]PlannedFixup
}

// NewVerifier creates a Verifier acting once a discrepancy was seen in
// cycles consecutive reports. cycles must be at least 2.
func NewVerifier(target Target, period time.Duration, cycles int) (*Verifier, error) {
	if cycles < 2 {
		return nil, fmt.Errorf("verifier needs at least 2 cycles, got %d", cycles)
	}
	if period <= 0 {
		return nil, fmt.Errorf("verifier period must be positive, got %s", period)
	}
	return &Verifier{
		target:  target,
		period:  period,
		cycles:  cycles,
		history: map[string][]PlannedFixup{},
	}, nil
}

// Start runs a cycle every period until ctx is done.
func (v *Verifier) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("verifier")
	logger.Info("Starting verifier", "period", v.period, "cycles", v.cycles)

	wait.UntilWithContext(ctx, func(ctx context.Context) {
		v.Cycle(ctx)
	}, v.period)

	logger.Info("Verifier stopped")
	return nil
}

// Cycle samples every cluster once and applies the reduced fixups whose
// history is complete. A cycle started while another runs is skipped; the
// return value reports whether this one ran.
func (v *Verifier) Cycle(ctx context.Context) bool {
	if !v.running.CompareAndSwap(false, true) {
		metrics.VerifierCycles.WithLabelValues("skipped").Inc()
		return false
	}
	defer v.running.Store(false)
	metrics.VerifierCycles.WithLabelValues("run").Inc()

	logger := log.FromContext(ctx).WithName("verifier")
	generation := v.target.Generation()

	for _, cluster := range v.target.Clusters() {
		obs, ok := v.target.Observe(ctx, cluster)
		if !ok {
			v.forget(cluster)
			continue
		}

		sample := Compute(cluster, generation, obs)
		window := v.record(sample)
		if len(window) < v.cycles {
			logger.V(1).Info("Collecting samples", "cluster", cluster, "reports", len(window), "sample", sample.String())
			continue
		}

		reduced, err := Reduce(window...)
		if err != nil {
			logger.Error(err, "Failed to reduce fixups", "cluster", cluster)
			v.forget(cluster)
			continue
		}
		if reduced.Empty() {
			continue
		}

		logger.Info("Applying fixup", "cluster", cluster,
			"release", len(reduced.ToRelease), "create", len(reduced.ToCreate))
		if err := v.target.Apply(ctx, reduced); err != nil {
			logger.Error(err, "Failed to apply fixup", "cluster", cluster)
		}
	}
	return true
}

// Invalidate drops every collected sample.
func (v *Verifier) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.history = map[string][]PlannedFixup{}
}

// record appends sample to its cluster's history, dropping samples of other
// generations, and returns the last cycles samples. A sample of the report
// already sampled replaces the previous one, so the window holds one sample
// per distinct report.
func (v *Verifier) record(sample PlannedFixup) []PlannedFixup {
	v.mu.Lock()
	defer v.mu.Unlock()

	var window []PlannedFixup
	for _, s := range v.history[sample.Cluster] {
		if s.Generation == sample.Generation {
			window = append(window, s)
		}
	}
	if n := len(window); n > 0 && window[n-1].ReportSeq == sample.ReportSeq {
		window[n-1] = sample
	} else {
		window = append(window, sample)
	}
	if len(window) > v.cycles {
		window = window[len(window)-v.cycles:]
	}
	v.history[sample.Cluster] = window

	out := make([]PlannedFixup, len(window))
	copy(out, window)
	return out
}

func (v *Verifier) forget(cluster string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.history, cluster)
}
