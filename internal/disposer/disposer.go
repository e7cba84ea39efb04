// Package disposer returns flagged agents to the inventory backend,
// retrying until the backend confirms.
package disposer

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/metrics"
)

// Token identifies one agent to dispose of.
type Token struct {
	Cluster string `json:"clusterName"`
	Agent   string `json:"agentName"`
}

// Releaser performs the out-of-band "return to inventory" call.
type Releaser interface {
	ReleaseToInventory(ctx context.Context, t Token) error
}

// Ledger is told when a disposal finished.
type Ledger interface {
	CompleteDisposal(agent string)
}

// Option configures a Disposer.
type Option func(*Disposer)

// WithRateLimiter overrides the per-token retry backoff.
func WithRateLimiter(rl workqueue.TypedRateLimiter[Token]) Option {
	return func(d *Disposer) { d.rateLimiter = rl }
}

// WithWorkers sets the number of concurrent release calls.
func WithWorkers(n int) Option {
	return func(d *Disposer) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithOnComplete registers a callback run after each successful disposal.
func WithOnComplete(fn func(context.Context, Token)) Option {
	return func(d *Disposer) { d.onComplete = fn }
}

// Disposer is a retrying queue of disposal tokens. Agents stay unassignable
// in the ledger until their token was released successfully.
type Disposer struct {
	releaser    Releaser
	ledger      Ledger
	rateLimiter workqueue.TypedRateLimiter[Token]
	workers     int
	onComplete  func(context.Context, Token)

	queue workqueue.TypedRateLimitingInterface[Token]

	mu      sync.Mutex
	pending sets.Set[Token]
}

// New creates a Disposer.
func New(releaser Releaser, ledger Ledger, opts ...Option) *Disposer {
	d := &Disposer{
		releaser:    releaser,
		ledger:      ledger,
		rateLimiter: workqueue.NewTypedItemExponentialFailureRateLimiter[Token](time.Second, 5*time.Minute),
		workers:     1,
		pending:     sets.New[Token](),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = workqueue.NewTypedRateLimitingQueueWithConfig(d.rateLimiter,
		workqueue.TypedRateLimitingQueueConfig[Token]{Name: "disposer"})
	return d
}

// Dispose hands t to the disposer. Disposing the same token twice is a no-op
// while the first is pending.
func (d *Disposer) Dispose(t Token) {
	d.mu.Lock()
	d.pending.Insert(t)
	d.mu.Unlock()
	d.queue.Add(t)
}

// Pending returns the tokens not yet released, ordered by agent.
func (d *Disposer) Pending() []Token {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.pending.UnsortedList()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Agent != out[j].Agent {
			return out[i].Agent < out[j].Agent
		}
		return out[i].Cluster < out[j].Cluster
	})
	return out
}

// Start runs the workers until ctx is done, then shuts the queue down.
func (d *Disposer) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("disposer")
	logger.Info("Starting disposer", "workers", d.workers)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait.UntilWithContext(ctx, d.runWorker, time.Second)
		}()
	}

	<-ctx.Done()
	d.queue.ShutDown()
	wg.Wait()
	logger.Info("Disposer stopped", "pending", len(d.Pending()))
	return nil
}

func (d *Disposer) runWorker(ctx context.Context) {
	for d.processNextItem(ctx) {
	}
}

func (d *Disposer) processNextItem(ctx context.Context) bool {
	t, shutdown := d.queue.Get()
	if shutdown {
		return false
	}
	defer d.queue.Done(t)

	logger := log.FromContext(ctx).WithName("disposer").WithValues("cluster", t.Cluster, "agent", t.Agent)

	if err := d.releaser.ReleaseToInventory(ctx, t); err != nil {
		metrics.Disposals.WithLabelValues("failed").Inc()
		logger.Error(err, "Release to inventory failed, retrying",
			"attempts", d.queue.NumRequeues(t)+1)
		d.queue.AddRateLimited(t)
		return true
	}

	d.queue.Forget(t)
	d.mu.Lock()
	d.pending.Delete(t)
	d.mu.Unlock()
	d.ledger.CompleteDisposal(t.Agent)
	metrics.Disposals.WithLabelValues("succeeded").Inc()
	logger.Info("Agent returned to inventory")

	if d.onComplete != nil {
		d.onComplete(ctx, t)
	}
	return true
}

// LogReleaser is the Releaser used when no inventory backend is configured.
// It only logs.
type LogReleaser struct{}

func (LogReleaser) ReleaseToInventory(ctx context.Context, t Token) error {
	log.FromContext(ctx).WithName("disposer").Info("No release backend configured, treating agent as returned",
		"cluster", t.Cluster, "agent", t.Agent)
	return nil
}
