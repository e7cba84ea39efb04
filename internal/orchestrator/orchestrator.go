// Package orchestrator is the single authority over the shared agent pool.
//
// An Orchestrator owns the LeaseLedger, the reservation requests, the
// matcher, the verifier and the disposer. It is constructed once, started
// with Start and torn down by cancelling the context passed to Start.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/broker"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/disposer"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/inventory"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/ledger"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/reconcile"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/reservation"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

// Options configures an Orchestrator.
type Options struct {
	Source inventory.Source
	// ConfigRepoURL overrides the repository URL found by Source.
	ConfigRepoURL string
	Clusters      transport.ClusterCommunicator
	// Releaser defaults to disposer.LogReleaser.
	Releaser disposer.Releaser
	Clock    clock.Clock

	VerifyPeriod     time.Duration
	GraceCycles      int
	ReportWorkers    int
	DisposerWorkers  int
	RequestRetention time.Duration

	// DisposerOptions are passed through to the disposer.
	DisposerOptions []disposer.Option
}

func (o *Options) defaults() {
	if o.Releaser == nil {
		o.Releaser = disposer.LogReleaser{}
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.VerifyPeriod == 0 {
		o.VerifyPeriod = time.Minute
	}
	if o.GraceCycles == 0 {
		o.GraceCycles = 2
	}
	if o.ReportWorkers <= 0 {
		o.ReportWorkers = 2
	}
	if o.DisposerWorkers <= 0 {
		o.DisposerWorkers = 1
	}
	if o.RequestRetention == 0 {
		o.RequestRetention = time.Hour
	}
}

type storedReport struct {
	seq        uint64
	demands    []reservation.Demand
	receivedAt time.Time
}

// Orchestrator is the node-sharing orchestrator service.
type Orchestrator struct {
	opts Options

	ledger   *ledger.Ledger
	store    *reservation.Store
	matcher  *broker.Matcher
	verifier *reconcile.Verifier
	disposer *disposer.Disposer
	reports  workqueue.TypedInterface[string]

	// cycleMu orders reloads against fixup application.
	cycleMu sync.RWMutex

	mu            sync.RWMutex
	inventory     *pool.Inventory
	repoURL       string
	generation    uint64
	seq           uint64
	latest        map[string]storedReport
	lastError     string
	clusterErrors map[string]string
}

// New builds an Orchestrator. Nothing runs until Start.
func New(opts Options) (*Orchestrator, error) {
	opts.defaults()
	if opts.Source == nil {
		return nil, errors.New("orchestrator needs an inventory source")
	}
	if opts.Clusters == nil {
		return nil, errors.New("orchestrator needs a cluster communicator")
	}

	o := &Orchestrator{
		opts:          opts,
		ledger:        ledger.New(ledger.WithClock(opts.Clock)),
		store:         reservation.NewStore(opts.Clock),
		reports:       workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[string]{Name: "workload-reports"}),
		latest:        map[string]storedReport{},
		clusterErrors: map[string]string{},
	}
	o.matcher = broker.NewMatcher(o.ledger, o.store, o.cluster, o)

	verifier, err := reconcile.NewVerifier(o, opts.VerifyPeriod, opts.GraceCycles)
	if err != nil {
		return nil, err
	}
	o.verifier = verifier

	dopts := append([]disposer.Option{
		disposer.WithWorkers(opts.DisposerWorkers),
		// a disposed agent is assignable again; offer it to queued demand
		disposer.WithOnComplete(func(context.Context, disposer.Token) { o.requeueAll() }),
	}, opts.DisposerOptions...)
	o.disposer = disposer.New(opts.Releaser, o.ledger, dopts...)
	return o, nil
}

// Ledger exposes the lease ledger, for metrics and status.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Verifier exposes the verifier.
func (o *Orchestrator) Verifier() *reconcile.Verifier { return o.verifier }

// Start loads the inventory and runs the report workers, the verifier and
// the disposer until ctx is done.
func (o *Orchestrator) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("orchestrator")

	if err := o.Reload(ctx); err != nil {
		return fmt.Errorf("initial inventory load failed: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.disposer.Start(ctx) })
	g.Go(func() error { return o.verifier.Start(ctx) })
	for i := 0; i < o.opts.ReportWorkers; i++ {
		g.Go(func() error {
			wait.UntilWithContext(ctx, o.runReportWorker, time.Second)
			return nil
		})
	}
	g.Go(func() error {
		wait.UntilWithContext(ctx, o.prune, o.opts.RequestRetention/4+time.Second)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		o.reports.ShutDown()
		return nil
	})

	logger.Info("Orchestrator started",
		"verifyPeriod", o.opts.VerifyPeriod,
		"graceCycles", o.opts.GraceCycles,
		"reportWorkers", o.opts.ReportWorkers)
	err := g.Wait()
	logger.Info("Orchestrator stopped")
	return err
}

// Reload reloads the inventory, refreshes the ledger and drops in-flight
// fixups, then runs a verifier cycle. On failure the previous inventory
// stays in effect.
func (o *Orchestrator) Reload(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("orchestrator")

	o.cycleMu.Lock()
	inv, err := o.opts.Source.Load(ctx)
	if err != nil {
		o.cycleMu.Unlock()
		o.recordError("", err)
		logger.Error(err, "Inventory reload failed, keeping previous inventory")
		return err
	}
	if o.opts.ConfigRepoURL != "" {
		inv.ConfigRepoURL = o.opts.ConfigRepoURL
	}

	o.mu.Lock()
	o.inventory = inv
	o.repoURL = inv.ConfigRepoURL
	o.generation++
	for cluster := range o.latest {
		if _, ok := inv.Clusters[cluster]; !ok {
			delete(o.latest, cluster)
		}
	}
	generation := o.generation
	o.mu.Unlock()

	o.ledger.Refresh(inv)
	o.verifier.Invalidate()
	o.cycleMu.Unlock()

	logger.Info("Inventory applied",
		"version", inv.Version,
		"generation", generation,
		"agents", len(inv.Agents),
		"clusters", len(inv.Clusters))

	for _, cluster := range inv.ClusterNames() {
		o.reports.Add(cluster)
	}
	o.verifier.Cycle(ctx)
	return nil
}

// Ready reports whether an inventory has been loaded.
func (o *Orchestrator) Ready() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.inventory != nil
}

// Generation implements reconcile.Target.
func (o *Orchestrator) Generation() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.generation
}

// Clusters implements reconcile.Target.
func (o *Orchestrator) Clusters() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.inventory.ClusterNames()
}

func (o *Orchestrator) cluster(name string) (pool.ClusterIdentity, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.inventory.Cluster(name)
}

func (o *Orchestrator) snapshot() (*pool.Inventory, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.inventory, o.repoURL
}

// fingerprint stamps an outgoing message for cluster.
func (o *Orchestrator) fingerprint(cluster string) dto.Fingerprint {
	inv, repoURL := o.snapshot()
	version := ""
	if inv != nil {
		version = inv.Version
	}
	return dto.NewFingerprint(repoURL, cluster, version)
}

// checkSender verifies that an inbound message comes from a known cluster
// with a matching fingerprint.
func (o *Orchestrator) checkSender(fp dto.Fingerprint) (pool.ClusterIdentity, error) {
	inv, repoURL := o.snapshot()
	if inv == nil {
		return pool.ClusterIdentity{}, pool.ErrNotReady
	}
	if err := fp.Check(repoURL); err != nil {
		return pool.ClusterIdentity{}, err
	}
	id, ok := inv.Cluster(fp.ClusterName)
	if !ok {
		return pool.ClusterIdentity{}, fmt.Errorf("cluster %q: %w", fp.ClusterName, pool.ErrUnknownCluster)
	}
	return id, nil
}

func (o *Orchestrator) recordError(cluster string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastError = err.Error()
	if cluster != "" {
		o.clusterErrors[cluster] = err.Error()
	}
}

func (o *Orchestrator) clearError(cluster string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.clusterErrors, cluster)
}

func (o *Orchestrator) prune(ctx context.Context) {
	cutoff := o.opts.Clock.Now().Add(-o.opts.RequestRetention)
	if n := o.store.Prune(cutoff); n > 0 {
		log.FromContext(ctx).WithName("orchestrator").V(1).Info("Pruned finished requests", "count", n)
	}
}

// Status returns an operational snapshot.
func (o *Orchestrator) Status() *dto.StatusResponse {
	o.mu.RLock()
	status := &dto.StatusResponse{
		Ready:         o.inventory != nil,
		ConfigRepoURL: o.repoURL,
		Generation:    o.generation,
		LastError:     o.lastError,
	}
	if o.inventory != nil {
		status.InventoryVersion = o.inventory.Version
	}
	if len(o.clusterErrors) > 0 {
		status.ClusterErrors = make(map[string]string, len(o.clusterErrors))
		for k, v := range o.clusterErrors {
			status.ClusterErrors[k] = v
		}
	}
	o.mu.RUnlock()

	status.Agents = dto.FromLedgerEntries(o.ledger.Entries())
	status.Requests = dto.FromRequests(o.store.All())
	status.PendingDisposals = []string{}
	for _, t := range o.disposer.Pending() {
		status.PendingDisposals = append(status.PendingDisposals, t.Agent)
	}
	sort.Strings(status.PendingDisposals)
	return status
}
