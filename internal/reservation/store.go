package reservation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
)

// Store keeps every ReservationRequest of the orchestrator. All methods
// return copies.
type Store struct {
	mu    sync.Mutex
	clock clock.PassiveClock
	newID func() string

	byID    map[string]*Request
	byKey   map[Key]string
	byAgent map[string]string
}

// NewStore creates an empty Store. A nil clock means the real clock.
func NewStore(c clock.PassiveClock) *Store {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Store{
		clock:   c,
		newID:   uuid.NewString,
		byID:    map[string]*Request{},
		byKey:   map[Key]string{},
		byAgent: map[string]string{},
	}
}

// Ensure returns the live request for d's key, creating a Queued one when
// none exists. The boolean is true when a request was created.
func (s *Store) Ensure(d Demand) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(d)
}

func (s *Store) ensureLocked(d Demand) (Request, bool) {
	key := d.Key()
	if id, ok := s.byKey[key]; ok {
		r := s.byID[id]
		r.Demand.DisplayName = d.DisplayName
		r.Demand.Priority = d.Priority
		return *r, false
	}

	now := s.clock.Now()
	r := &Request{
		ID:        s.newID(),
		Key:       key,
		Demand:    d,
		Phase:     PhaseQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byID[r.ID] = r
	s.byKey[key] = r.ID
	return *r, true
}

// Sync applies a full snapshot of cluster's demand. Missing requests are
// created; Queued requests whose work item vanished are cancelled. Assigned
// and Active requests are left to the verifier.
func (s *Store) Sync(cluster string, demands []Demand) (created, cancelled []Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[Key]struct{}, len(demands))
	for _, d := range demands {
		d.Cluster = cluster
		present[d.Key()] = struct{}{}
		if r, ok := s.ensureLocked(d); ok {
			created = append(created, r)
		}
	}

	for _, id := range s.sortedIDsLocked() {
		r := s.byID[id]
		if r.Key.Cluster != cluster || r.Phase != PhaseQueued {
			continue
		}
		if _, ok := present[r.Key]; ok {
			continue
		}
		s.finishLocked(r, PhaseCancelled, "work item no longer reported")
		cancelled = append(cancelled, *r)
	}
	return created, cancelled
}

// Assign moves a Queued request to Assigned with agent.
func (s *Store) Assign(id, agent string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.transitionLocked(id, PhaseAssigned)
	if err != nil {
		return Request{}, err
	}
	r.Agent = agent
	s.byAgent[agent] = r.ID
	return *r, nil
}

// Activate marks an Assigned request as confirmed in use.
func (s *Store) Activate(id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.transitionLocked(id, PhaseActive)
	if err != nil {
		return Request{}, err
	}
	return *r, nil
}

// Complete ends a request whose agent was returned OK.
func (s *Store) Complete(id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookupLocked(id)
	if err != nil {
		return Request{}, err
	}
	if !CanTransition(r.Phase, PhaseCompleted) {
		return Request{}, fmt.Errorf("request %s %s -> %s: %w", id, r.Phase, PhaseCompleted, pool.ErrInvalidTransition)
	}
	s.finishLocked(r, PhaseCompleted, "")
	return *r, nil
}

// Cancel ends a request for reason.
func (s *Store) Cancel(id, reason string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookupLocked(id)
	if err != nil {
		return Request{}, err
	}
	if !CanTransition(r.Phase, PhaseCancelled) {
		return Request{}, fmt.Errorf("request %s %s -> %s: %w", id, r.Phase, PhaseCancelled, pool.ErrInvalidTransition)
	}
	s.finishLocked(r, PhaseCancelled, reason)
	return *r, nil
}

// Get returns the request with id.
func (s *Store) Get(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// ByAgent returns the live request holding agent.
func (s *Store) ByAgent(agent string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAgent[agent]
	if !ok {
		return Request{}, false
	}
	return *s.byID[id], true
}

// ByKey returns the live request for key.
func (s *Store) ByKey(key Key) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[key]
	if !ok {
		return Request{}, false
	}
	return *s.byID[id], true
}

// Queued returns cluster's Queued requests, highest priority first, then
// oldest first.
func (s *Store) Queued(cluster string) []Request {
	out := s.filter(func(r *Request) bool {
		return r.Key.Cluster == cluster && r.Phase == PhaseQueued
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Demand.Priority != out[j].Demand.Priority {
			return out[i].Demand.Priority > out[j].Demand.Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Assigned returns cluster's requests whose delivery is not yet confirmed.
func (s *Store) Assigned(cluster string) []Request {
	return s.filter(func(r *Request) bool {
		return r.Key.Cluster == cluster && r.Phase == PhaseAssigned
	})
}

// Live returns cluster's non-terminal requests.
func (s *Store) Live(cluster string) []Request {
	return s.filter(func(r *Request) bool {
		return r.Key.Cluster == cluster && !r.Phase.Terminal()
	})
}

// All returns every request, ordered by creation.
func (s *Store) All() []Request {
	return s.filter(func(*Request) bool { return true })
}

// Prune forgets terminal requests finished before cutoff and returns how
// many were dropped.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.byID {
		if r.Phase.Terminal() && r.FinishedAt.Before(cutoff) {
			delete(s.byID, id)
			n++
		}
	}
	return n
}

func (s *Store) filter(keep func(*Request) bool) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, id := range s.sortedIDsLocked() {
		if r := s.byID[id]; keep(r) {
			out = append(out, *r)
		}
	}
	return out
}

func (s *Store) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.byID[ids[i]], s.byID[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ids
}

func (s *Store) lookupLocked(id string) (*Request, error) {
	r, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("request %s not found", id)
	}
	return r, nil
}

func (s *Store) transitionLocked(id string, to Phase) (*Request, error) {
	r, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Phase, to) {
		return nil, fmt.Errorf("request %s %s -> %s: %w", id, r.Phase, to, pool.ErrInvalidTransition)
	}
	r.Phase = to
	r.UpdatedAt = s.clock.Now()
	return r, nil
}

// finishLocked moves r to a terminal phase and drops it from the live indexes.
func (s *Store) finishLocked(r *Request, to Phase, reason string) {
	now := s.clock.Now()
	r.Phase = to
	r.Reason = reason
	r.UpdatedAt = now
	r.FinishedAt = now
	if s.byKey[r.Key] == r.ID {
		delete(s.byKey, r.Key)
	}
	if r.Agent != "" && s.byAgent[r.Agent] == r.ID {
		delete(s.byAgent, r.Agent)
	}
}
