// Package resource is the bookkeeping layer for exclusive and shared
// physical resources: optical modes, memory buffers, detectors. It allocates
// and releases, nothing else; scheduling decisions live in the planner.
package resource

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vk/photongrid/internal/qgraph"
)

// Spec declares one physical resource. Exclusive resources admit a single
// holder regardless of capacity; shared ones admit up to Capacity units.
type Spec struct {
	ID        string
	Kind      string
	Exclusive bool
	Capacity  int
}

type entry struct {
	spec  Spec
	inUse int
	// holders maps runID -> units held, so an aborted run can be swept.
	holders map[string]int
}

// Pool tracks live allocations. All methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewPool builds a pool from resource specs. Duplicate ids are an error.
func NewPool(specs []Spec) (*Pool, error) {
	p := &Pool{entries: make(map[string]*entry, len(specs))}
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("resource id must not be empty")
		}
		if _, ok := p.entries[s.ID]; ok {
			return nil, fmt.Errorf("duplicate resource id %q", s.ID)
		}
		if s.Capacity <= 0 {
			s.Capacity = 1
		}
		p.entries[s.ID] = &entry{spec: s, holders: make(map[string]int)}
	}
	return p, nil
}

// Spec returns the declaration for a resource id.
func (p *Pool) Spec(id string) (Spec, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return Spec{}, false
	}
	return e.spec, true
}

// Capacity returns the declared capacity for a resource id, or 0 if unknown.
func (p *Pool) Capacity(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return e.spec.Capacity
	}
	return 0
}

// IDs returns all resource ids sorted lexicographically.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for id := range p.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Lease is a set of allocations held by one run for the duration of a phase.
type Lease struct {
	pool     *Pool
	runID    string
	held     map[string]int
	released bool
	mu       sync.Mutex
}

// Acquire atomically allocates every need or nothing. The lease is scoped to
// a phase and must be released at phase completion.
func (p *Pool) Acquire(runID string, needs []qgraph.ResourceNeed) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Merge duplicate needs before checking, so one node asking twice for
	// the same buffer is judged on the summed demand.
	merged := make(map[string]int)
	for _, n := range needs {
		units := n.Units
		if units <= 0 {
			units = 1
		}
		merged[n.Resource] += units
	}

	for id, units := range merged {
		e, ok := p.entries[id]
		if !ok {
			return nil, fmt.Errorf("unknown resource %q", id)
		}
		if e.spec.Exclusive {
			if e.inUse > 0 {
				return nil, fmt.Errorf("exclusive resource %q already held", id)
			}
			continue
		}
		if e.inUse+units > e.spec.Capacity {
			return nil, fmt.Errorf("resource %q over capacity: %d in use, %d requested, capacity %d",
				id, e.inUse, units, e.spec.Capacity)
		}
	}

	for id, units := range merged {
		e := p.entries[id]
		e.inUse += units
		e.holders[runID] += units
	}
	return &Lease{pool: p, runID: runID, held: merged}, nil
}

// Release returns every held unit to the pool. Idempotent.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true

	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	for id, units := range l.held {
		e, ok := l.pool.entries[id]
		if !ok {
			continue
		}
		e.inUse -= units
		e.holders[l.runID] -= units
		if e.holders[l.runID] <= 0 {
			delete(e.holders, l.runID)
		}
	}
}

// ReleaseRun sweeps every allocation still held by a run. Abort paths call
// this so that no lock leaks past the run's lifetime.
func (p *Pool) ReleaseRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if units, ok := e.holders[runID]; ok {
			e.inUse -= units
			delete(e.holders, runID)
		}
	}
}

// InUse reports the units currently allocated for a resource id.
func (p *Pool) InUse(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return e.inUse
	}
	return 0
}

// Availability is a planner-side scratch copy of the pool. It is not safe
// for concurrent use and never touches live allocations.
type Availability struct {
	specs map[string]Spec
	inUse map[string]int
}

// Snapshot captures current capacities for hypothetical planning.
func (p *Pool) Snapshot() *Availability {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := &Availability{
		specs: make(map[string]Spec, len(p.entries)),
		inUse: make(map[string]int, len(p.entries)),
	}
	for id, e := range p.entries {
		a.specs[id] = e.spec
		a.inUse[id] = 0
	}
	return a
}

// CanAlloc reports whether the needs would fit given current scratch usage.
func (a *Availability) CanAlloc(needs []qgraph.ResourceNeed) error {
	merged := mergeNeeds(needs)
	for id, units := range merged {
		s, ok := a.specs[id]
		if !ok {
			return fmt.Errorf("unknown resource %q", id)
		}
		if s.Exclusive && a.inUse[id] > 0 {
			return fmt.Errorf("exclusive resource %q already assigned", id)
		}
		if !s.Exclusive && a.inUse[id]+units > s.Capacity {
			return fmt.Errorf("resource %q over capacity", id)
		}
	}
	return nil
}

// Alloc commits the needs into the scratch usage.
func (a *Availability) Alloc(needs []qgraph.ResourceNeed) {
	for id, units := range mergeNeeds(needs) {
		a.inUse[id] += units
	}
}

// Reset clears the scratch usage, typically at a phase boundary.
func (a *Availability) Reset() {
	for id := range a.inUse {
		a.inUse[id] = 0
	}
}

// Fits reports whether the needs could ever be satisfied by an empty pool.
func (a *Availability) Fits(needs []qgraph.ResourceNeed) error {
	for id, units := range mergeNeeds(needs) {
		s, ok := a.specs[id]
		if !ok {
			return fmt.Errorf("unknown resource %q", id)
		}
		if !s.Exclusive && units > s.Capacity {
			return fmt.Errorf("resource %q demand %d exceeds capacity %d", id, units, s.Capacity)
		}
	}
	return nil
}

func mergeNeeds(needs []qgraph.ResourceNeed) map[string]int {
	merged := make(map[string]int, len(needs))
	for _, n := range needs {
		units := n.Units
		if units <= 0 {
			units = 1
		}
		merged[n.Resource] += units
	}
	return merged
}
