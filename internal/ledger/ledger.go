// Package ledger holds the authoritative agent -> holder mapping.
//
// Every mutation goes through one mutex, so no two commits for the same agent
// can both succeed. The ledger is rebuilt from inventory and incoming reports
// on restart; it is never persisted.
package ledger

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/metrics"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
)

// Agent lease states as reported by StateCounts.
const (
	StateFree      = "free"
	StateReserved  = "reserved"
	StateDisposing = "disposing"
)

// Entry is the lease state of one agent.
type Entry struct {
	Agent         string
	Holder        *pool.ClusterIdentity
	ReservedSince time.Time
	// Disposing agents have been handed to the disposer and stay unassignable
	// until it reports completion.
	Disposing bool
	// Suspect agents were returned as failed.
	Suspect bool
	// Retired agents disappeared from the inventory while held.
	Retired bool
}

// Free reports whether the agent can be committed.
func (e Entry) Free() bool {
	return e.Holder == nil && !e.Disposing && !e.Retired
}

// HolderName returns the holder's cluster name, or "".
func (e Entry) HolderName() string {
	if e.Holder == nil {
		return ""
	}
	return e.Holder.Name()
}

func (e Entry) state() string {
	switch {
	case e.Disposing:
		return StateDisposing
	case e.Holder != nil:
		return StateReserved
	default:
		return StateFree
	}
}

// Candidate is an agent matching a requirement.
type Candidate struct {
	Agent  pool.AgentDefinition
	Free   bool
	Holder string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for ReservedSince.
func WithClock(c clock.PassiveClock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithRand overrides the random source used to shuffle candidates.
func WithRand(r *rand.Rand) Option {
	return func(l *Ledger) { l.rng = r }
}

// Ledger is the LeaseLedger.
type Ledger struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	rng     *rand.Rand
	version string
	defs    map[string]pool.AgentDefinition
	order   []string
	entries map[string]*Entry
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		clock:   clock.RealClock{},
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		defs:    map[string]pool.AgentDefinition{},
		entries: map[string]*Entry{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Refresh replaces the agent definitions with the ones in inv and reshuffles
// candidate order. Holders survive a refresh. Held agents that vanished from
// the inventory are retired and dropped once released.
func (l *Ledger) Refresh(inv *pool.Inventory) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.version = inv.Version
	l.defs = make(map[string]pool.AgentDefinition, len(inv.Agents))
	for name, def := range inv.Agents {
		l.defs[name] = def
		if e, ok := l.entries[name]; ok {
			e.Retired = false
		} else {
			l.entries[name] = &Entry{Agent: name}
		}
	}
	for name, e := range l.entries {
		if _, ok := l.defs[name]; ok {
			continue
		}
		if e.Holder == nil && !e.Disposing {
			delete(l.entries, name)
			continue
		}
		e.Retired = true
	}

	l.order = inv.AgentNames()
	l.rng.Shuffle(len(l.order), func(i, j int) {
		l.order[i], l.order[j] = l.order[j], l.order[i]
	})
}

// Version returns the inventory version of the last refresh.
func (l *Ledger) Version() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Candidates returns agents matching req: free ones first, in shuffled
// order, then ones currently held by some cluster.
func (l *Ledger) Candidates(req pool.Requirement) []Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()

	var free, held []Candidate
	for _, name := range l.order {
		def := l.defs[name]
		if !req.Matches(def) {
			continue
		}
		e := l.entries[name]
		switch {
		case e.Free():
			free = append(free, Candidate{Agent: def, Free: true})
		case e.Holder != nil:
			held = append(held, Candidate{Agent: def, Holder: e.Holder.Name()})
		}
	}
	return append(free, held...)
}

// Commit assigns agent to holder. It fails with a LedgerConflict when the
// agent is held or being disposed.
func (l *Ledger) Commit(agent string, holder pool.ClusterIdentity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[agent]
	if !ok || e.Retired {
		return fmt.Errorf("commit %s: %w", agent, pool.ErrUnknownAgent)
	}
	if e.Holder != nil || e.Disposing {
		metrics.LedgerConflicts.Inc()
		current := e.HolderName()
		if e.Disposing {
			current = "<disposer>"
		}
		return &pool.LedgerConflict{Agent: agent, Holder: current, Requester: holder.Name()}
	}

	h := holder
	e.Holder = &h
	e.ReservedSince = l.clock.Now()
	metrics.LedgerCommits.Inc()
	return nil
}

// Release frees agent if cluster holds it. Releasing a free agent is a no-op,
// as is releasing an agent owned by the disposer or by another cluster. It
// reports whether anything changed.
func (l *Ledger) Release(agent, cluster string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[agent]
	if !ok || e.Holder == nil || e.Disposing || e.Holder.Name() != cluster {
		return false
	}
	e.Holder = nil
	e.ReservedSince = time.Time{}
	if e.Retired {
		delete(l.entries, agent)
	}
	metrics.LedgerReleases.WithLabelValues("returned").Inc()
	return true
}

// ReleaseForDisposal removes cluster's holder-ship of agent and parks the
// agent until CompleteDisposal. Nothing happens when cluster is not the holder.
func (l *Ledger) ReleaseForDisposal(agent, cluster string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[agent]
	if !ok || e.Holder == nil || e.Holder.Name() != cluster {
		return false
	}
	e.Holder = nil
	e.ReservedSince = time.Time{}
	e.Disposing = true
	metrics.LedgerReleases.WithLabelValues("disposed").Inc()
	return true
}

// CompleteDisposal makes a disposed agent assignable again.
func (l *Ledger) CompleteDisposal(agent string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[agent]
	if !ok || !e.Disposing {
		return
	}
	e.Disposing = false
	e.Suspect = false
	if e.Retired {
		delete(l.entries, agent)
	}
}

// MarkSuspect flags agent as returned-failed. The agent stays in inventory.
func (l *Ledger) MarkSuspect(agent string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[agent]
	if !ok {
		return false
	}
	e.Suspect = true
	return true
}

// Lookup returns a copy of agent's entry.
func (l *Ledger) Lookup(agent string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[agent]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Definition returns the current definition of agent.
func (l *Ledger) Definition(agent string) (pool.AgentDefinition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	def, ok := l.defs[agent]
	return def, ok
}

// Definitions returns all agent definitions in lexical order.
func (l *Ledger) Definitions() []pool.AgentDefinition {
	l.mu.Lock()
	defer l.mu.Unlock()

	defs := make([]pool.AgentDefinition, 0, len(l.defs))
	for _, def := range l.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// HeldBy returns the agents cluster currently holds.
func (l *Ledger) HeldBy(cluster string) sets.Set[string] {
	l.mu.Lock()
	defer l.mu.Unlock()

	held := sets.New[string]()
	for name, e := range l.entries {
		if e.Holder != nil && e.Holder.Name() == cluster {
			held.Insert(name)
		}
	}
	return held
}

// Entries returns a copy of every entry, ordered by agent name.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// StateCounts implements metrics.StateSource.
func (l *Ledger) StateCounts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := map[string]int{StateFree: 0, StateReserved: 0, StateDisposing: 0}
	for _, e := range l.entries {
		counts[e.state()]++
	}
	return counts
}
