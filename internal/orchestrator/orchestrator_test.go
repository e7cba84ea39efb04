package orchestrator

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/reconcile"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/reservation"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		o        *Orchestrator
		src      *staticSource
		clusters *fakeClusters
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		o, src, clusters = newTestOrchestrator(makeInventory("v1", map[string][]string{
			"sol1":  {"solaris"},
			"lin1":  {"linux"},
			"host1": {"builder"},
		}))
		Expect(o.Reload(ctx)).To(Succeed())
		go func() { _ = o.disposer.Start(ctx) }()
	})

	AfterEach(func() {
		cancel()
	})

	Context("matching", func() {
		It("gives the only matching agent to the first cluster and queues the second", func() {
			submit(ctx, o, report("cluster-a", dto.WorkItem{ID: "1", Name: "build #1", LabelExpr: "solaris"}))
			Expect(holderOf(o, "sol1")).To(Equal("cluster-a"))

			submit(ctx, o, report("cluster-b", dto.WorkItem{ID: "7", Name: "build #7", LabelExpr: "solaris"}))
			Expect(holderOf(o, "sol1")).To(Equal("cluster-a"))

			queued := o.store.Queued("cluster-b")
			Expect(queued).To(HaveLen(1))
			Expect(queued[0].Demand.WorkItemID).To(Equal("7"))

			Expect(clusters.deliveries()).To(HaveLen(1))
			msg := clusters.deliveries()[0]
			Expect(msg.AgentName).To(Equal("sol1"))
			Expect(msg.ClusterName).To(Equal("cluster-a"))
			Expect(msg.Definition).To(Equal("name: sol1\n"))
		})

		It("keeps a request with no matching agent queued without error", func() {
			submit(ctx, o, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "windows"}))
			Expect(o.store.Queued("cluster-a")).To(HaveLen(1))
			Expect(o.Status().LastError).To(BeEmpty())
		})

		It("never treats a backfill request and a normal request as duplicates", func() {
			submit(ctx, o, report("cluster-a",
				dto.WorkItem{ID: "1", LabelExpr: "builder"},
				dto.WorkItem{ID: "1", LabelExpr: "builder", Agent: "host1"},
			))

			live := o.store.Live("cluster-a")
			Expect(live).To(HaveLen(2))
			Expect(live[0].Key).NotTo(Equal(live[1].Key))
			Expect(holderOf(o, "host1")).To(Equal("cluster-a"))

			var assigned int
			for _, r := range live {
				if r.Agent == "host1" {
					assigned++
				}
			}
			Expect(assigned).To(Equal(1))
		})

		It("cancels queued requests whose work item disappeared", func() {
			submit(ctx, o, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "windows"}))
			submit(ctx, o, report("cluster-a"))
			Expect(o.store.Queued("cluster-a")).To(BeEmpty())
		})
	})

	Context("verifier", func() {
		BeforeEach(func() {
			submit(ctx, o, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "solaris"}))
			Expect(holderOf(o, "sol1")).To(Equal("cluster-a"))
		})

		It("releases an agent after two consecutive reports omit its work item", func() {
			submit(ctx, o, report("cluster-a"))
			o.Verifier().Cycle(ctx)
			Expect(holderOf(o, "sol1")).To(Equal("cluster-a"))

			submit(ctx, o, report("cluster-a"))
			o.Verifier().Cycle(ctx)
			Expect(holderOf(o, "sol1")).To(BeEmpty())

			Eventually(func() bool {
				e, _ := o.Ledger().Lookup("sol1")
				return e.Free()
			}).WithTimeout(5 * time.Second).Should(BeTrue())

			submit(ctx, o, report("cluster-b", dto.WorkItem{ID: "7", LabelExpr: "solaris"}))
			Expect(holderOf(o, "sol1")).To(Equal("cluster-b"))
		})

		It("does not release an agent after a single missed report", func() {
			submit(ctx, o, report("cluster-a"))
			o.Verifier().Cycle(ctx)

			submit(ctx, o, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "solaris"}))
			o.Verifier().Cycle(ctx)
			o.Verifier().Cycle(ctx)

			Expect(holderOf(o, "sol1")).To(Equal("cluster-a"))
			r, ok := o.store.ByAgent("sol1")
			Expect(ok).To(BeTrue())
			Expect(r.Phase).To(Equal(reservation.PhaseActive))
		})

		It("counts a missed report once however many cycles see it", func() {
			submit(ctx, o, report("cluster-a"))
			o.Verifier().Cycle(ctx)
			o.Verifier().Cycle(ctx)
			o.Verifier().Cycle(ctx)

			Expect(holderOf(o, "sol1")).To(Equal("cluster-a"))
			e, _ := o.Ledger().Lookup("sol1")
			Expect(e.Disposing).To(BeFalse())
		})

		It("keeps an agent the cluster restates as a backfill item", func() {
			held := dto.WorkItem{ID: "1", LabelExpr: "solaris", Agent: "sol1"}
			for i := 0; i < 3; i++ {
				submit(ctx, o, report("cluster-a", held))
				o.Verifier().Cycle(ctx)
			}

			Expect(holderOf(o, "sol1")).To(Equal("cluster-a"))
			Expect(o.store.Queued("cluster-a")).To(BeEmpty())
			r, ok := o.store.ByAgent("sol1")
			Expect(ok).To(BeTrue())
			Expect(r.Phase).To(Equal(reservation.PhaseActive))
			Expect(clusters.deliveries()).To(HaveLen(1))
		})

		It("drops fixups computed before a reload", func() {
			submit(ctx, o, report("cluster-a"))
			o.Verifier().Cycle(ctx)

			sample := reconcile.PlannedFixup{Cluster: "cluster-a", Generation: o.Generation()}
			sample.ToRelease = o.Ledger().HeldBy("cluster-a")

			src.set(makeInventory("v2", map[string][]string{"sol1": {"solaris"}, "lin1": {"linux"}}))
			Expect(o.Reload(ctx)).To(Succeed())

			Expect(o.Apply(ctx, sample)).To(Succeed())
			Expect(holderOf(o, "sol1")).To(Equal("cluster-a"))
		})

		It("keeps the previous inventory when a reload fails", func() {
			submit(ctx, o, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "solaris"}))
			generation := o.Generation()

			src.fail(errors.New("inventory checkout is corrupt"))
			Expect(o.Reload(ctx)).To(MatchError(ContainSubstring("corrupt")))

			status := o.Status()
			Expect(status.Ready).To(BeTrue())
			Expect(status.InventoryVersion).To(Equal("v1"))
			Expect(status.LastError).To(ContainSubstring("corrupt"))
			Expect(o.Generation()).To(Equal(generation))
			Expect(holderOf(o, "sol1")).To(Equal("cluster-a"))
		})
	})

	Context("returns", func() {
		BeforeEach(func() {
			submit(ctx, o, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "solaris"}))
		})

		It("frees the agent and completes the request on OK", func() {
			req, _ := o.store.ByAgent("sol1")
			err := o.ReturnAgent(ctx, &dto.ReturnAgent{Fingerprint: fingerprint("cluster-a"), AgentName: "sol1", Status: dto.ReturnOK})
			Expect(err).NotTo(HaveOccurred())

			e, _ := o.Ledger().Lookup("sol1")
			Expect(e.Free()).To(BeTrue())
			done, _ := o.store.Get(req.ID)
			Expect(done.Phase).To(Equal(reservation.PhaseCompleted))
		})

		It("marks the agent suspect and disposes of it on FAILED", func() {
			req, _ := o.store.ByAgent("sol1")
			err := o.ReturnAgent(ctx, &dto.ReturnAgent{Fingerprint: fingerprint("cluster-a"), AgentName: "sol1", Status: dto.ReturnFailed})
			Expect(err).NotTo(HaveOccurred())

			cancelled, _ := o.store.Get(req.ID)
			Expect(cancelled.Phase).To(Equal(reservation.PhaseCancelled))
			_, stillDefined := o.Ledger().Definition("sol1")
			Expect(stillDefined).To(BeTrue())

			Eventually(func() bool {
				e, _ := o.Ledger().Lookup("sol1")
				return e.Free()
			}).WithTimeout(5 * time.Second).Should(BeTrue())
		})

		It("ignores a late return once the agent moved to another cluster", func() {
			submit(ctx, o, report("cluster-b", dto.WorkItem{ID: "7", LabelExpr: "solaris"}))
			submit(ctx, o, report("cluster-a"))
			ret := &dto.ReturnAgent{Fingerprint: fingerprint("cluster-a"), AgentName: "sol1", Status: dto.ReturnOK}
			Expect(o.ReturnAgent(ctx, ret)).To(Succeed())
			drainReports(ctx, o)
			Expect(holderOf(o, "sol1")).To(Equal("cluster-b"))

			Expect(o.ReturnAgent(ctx, ret)).To(Succeed())
			Expect(holderOf(o, "sol1")).To(Equal("cluster-b"))
			r, ok := o.store.ByAgent("sol1")
			Expect(ok).To(BeTrue())
			Expect(r.Cluster()).To(Equal("cluster-b"))
			Expect(r.Phase).To(Equal(reservation.PhaseActive))
		})

		It("ignores a return from a cluster that does not hold the agent", func() {
			err := o.ReturnAgent(ctx, &dto.ReturnAgent{Fingerprint: fingerprint("cluster-b"), AgentName: "sol1", Status: dto.ReturnOK})
			Expect(err).NotTo(HaveOccurred())
			Expect(holderOf(o, "sol1")).To(Equal("cluster-a"))
		})
	})

	Context("protocol checks", func() {
		It("rejects a report with a mismatched fingerprint", func() {
			r := report("cluster-a")
			r.ConfigRepoURL = "https://git.example.com/other.git"
			_, err := o.SubmitReport(ctx, r)
			Expect(pool.IsVersionMismatch(err)).To(BeTrue())
		})

		It("rejects a report from an undeclared cluster", func() {
			_, err := o.SubmitReport(ctx, report("cluster-z"))
			Expect(err).To(MatchError(pool.ErrUnknownCluster))
		})

		It("reports agent states from the asking cluster's view", func() {
			submit(ctx, o, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "solaris"}))

			status := func(cluster, agent string) string {
				resp, err := o.AgentStatus(ctx, &dto.AgentStatusRequest{Fingerprint: fingerprint(cluster), AgentName: agent})
				Expect(err).NotTo(HaveOccurred())
				return resp.Status
			}
			Expect(status("cluster-a", "sol1")).To(Equal(dto.AgentBusy))
			Expect(status("cluster-b", "sol1")).To(Equal(dto.AgentFound))
			Expect(status("cluster-a", "lin1")).To(Equal(dto.AgentIdle))
			Expect(status("cluster-a", "ghost")).To(Equal(dto.AgentNotFound))
			Expect(status("cluster-a", "bad name")).To(Equal(dto.AgentInvalid))
		})

		It("records the cluster's own diagnosis when a delivery fails", func() {
			clusters.fail = true
			clusters.diagnosis = "probe addressed to the wrong cluster"
			submit(ctx, o, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "solaris"}))

			Expect(clusters.probeCount()).To(Equal(1))
			resp, err := o.Discover(ctx, &dto.DiscoverRequest{
				Fingerprint: fingerprint("cluster-a"),
				URL:         "https://a.example.com",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Diagnosis).To(ContainSubstring("unreachable"))
			Expect(resp.Diagnosis).To(ContainSubstring("cluster diagnosis: probe addressed to the wrong cluster"))
		})

		It("diagnoses a misconfigured cluster in Discover", func() {
			resp, err := o.Discover(ctx, &dto.DiscoverRequest{
				Fingerprint: fingerprint("cluster-a"),
				URL:         "https://a.example.com/",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Diagnosis).To(Equal("OK"))
			Expect(resp.Agents).To(HaveLen(3))

			resp, err = o.Discover(ctx, &dto.DiscoverRequest{
				Fingerprint: fingerprint("cluster-z"),
				URL:         "https://z.example.com",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Diagnosis).To(ContainSubstring("not declared"))
			Expect(resp.Agents).To(BeEmpty())
		})
	})
})

var _ = Describe("Orchestrator restart", func() {
	It("classifies everything a cluster already holds as demand, not as releases", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		o, _, _ := newTestOrchestrator(makeInventory("v1", map[string][]string{
			"h1": {"linux"}, "h2": {"linux"}, "h3": {"linux"},
		}))
		Expect(o.Reload(ctx)).To(Succeed())

		_, err := o.SubmitReport(ctx, report("cluster-a",
			dto.WorkItem{ID: "1", LabelExpr: "linux", Agent: "h1"},
			dto.WorkItem{ID: "2", LabelExpr: "linux", Agent: "h2"},
			dto.WorkItem{ID: "3", LabelExpr: "linux", Agent: "h3"},
		))
		Expect(err).NotTo(HaveOccurred())

		obs, ok := o.Observe(ctx, "cluster-a")
		Expect(ok).To(BeTrue())
		first := reconcile.Compute("cluster-a", o.Generation(), obs)
		Expect(first.ToCreate).To(HaveLen(3))
		Expect(first.ToRelease.Len()).To(BeZero())

		o.ProcessReport(ctx, "cluster-a")
		for _, agent := range []string{"h1", "h2", "h3"} {
			Expect(holderOf(o, agent)).To(Equal("cluster-a"))
		}

		o.Verifier().Cycle(ctx)
		o.Verifier().Cycle(ctx)
		for _, agent := range []string{"h1", "h2", "h3"} {
			Expect(holderOf(o, agent)).To(Equal("cluster-a"))
		}
	})
})

var _ = Describe("Disposal", func() {
	It("offers a disposed agent to queued demand as soon as the disposal completes", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		gate := &gateReleaser{open: make(chan struct{})}
		o, _, _ := newTestOrchestratorWith(makeInventory("v1", map[string][]string{"sol1": {"solaris"}}), gate)
		Expect(o.Reload(ctx)).To(Succeed())
		go func() { _ = o.disposer.Start(ctx) }()

		submit(ctx, o, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "solaris"}))
		submit(ctx, o, report("cluster-b", dto.WorkItem{ID: "7", LabelExpr: "solaris"}))
		submit(ctx, o, report("cluster-a"))
		Expect(o.ReturnAgent(ctx, &dto.ReturnAgent{
			Fingerprint: fingerprint("cluster-a"), AgentName: "sol1", Status: dto.ReturnFailed,
		})).To(Succeed())

		drainReports(ctx, o)
		Expect(holderOf(o, "sol1")).To(BeEmpty())
		Expect(o.store.Queued("cluster-b")).To(HaveLen(1))

		close(gate.open)
		Eventually(o.reports.Len).WithTimeout(5 * time.Second).Should(Equal(1))
		drainReports(ctx, o)
		Expect(holderOf(o, "sol1")).To(Equal("cluster-b"))
	})
})

var _ = Describe("Orchestrator restart with a live cluster", func() {
	It("hands a restated agent back to its holder instead of lending it elsewhere", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		inv := map[string][]string{"sol1": {"solaris"}}

		before, _, _ := newTestOrchestrator(makeInventory("v1", inv))
		Expect(before.Reload(ctx)).To(Succeed())
		submit(ctx, before, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "solaris"}))
		Expect(holderOf(before, "sol1")).To(Equal("cluster-a"))

		after, _, clusters := newTestOrchestrator(makeInventory("v1", inv))
		Expect(after.Reload(ctx)).To(Succeed())
		submit(ctx, after, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "solaris", Agent: "sol1"}))
		submit(ctx, after, report("cluster-b", dto.WorkItem{ID: "7", LabelExpr: "solaris"}))

		Expect(holderOf(after, "sol1")).To(Equal("cluster-a"))
		Expect(after.store.Queued("cluster-b")).To(HaveLen(1))
		Expect(clusters.deliveries()).To(HaveLen(1))
		Expect(clusters.deliveries()[0].ClusterName).To(Equal("cluster-a"))

		for i := 0; i < 2; i++ {
			submit(ctx, after, report("cluster-a", dto.WorkItem{ID: "1", LabelExpr: "solaris", Agent: "sol1"}))
			after.Verifier().Cycle(ctx)
		}
		Expect(holderOf(after, "sol1")).To(Equal("cluster-a"))
	})
})
