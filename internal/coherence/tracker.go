// Package coherence owns the set of active coherence windows. It answers two
// questions for the engine and planner: is this operation still valid, and
// how much budget remains. Windows move Open -> Expired exactly once.
package coherence

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vk/photongrid/internal/qgraph"
)

// State is the per-window state machine. Expired is terminal.
type State int

const (
	StateOpen State = iota
	StateExpired
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "expired"
}

// Window is one coherence interval with its decay model. All times are
// offsets on the run's logical timeline.
type Window struct {
	ID                string
	Start             time.Duration
	Deadline          time.Duration
	Timescale         time.Duration
	Model             qgraph.DecayModel
	FidelityThreshold float64

	expired bool
}

// ProjectedFidelity evaluates the decay model at the given instant. Before
// Start the fidelity is 1.
func (w *Window) ProjectedFidelity(at time.Duration) float64 {
	if at <= w.Start {
		return 1.0
	}
	elapsed := float64(at - w.Start)
	tau := float64(w.Timescale)
	if tau <= 0 {
		tau = float64(w.Deadline - w.Start)
	}
	if tau <= 0 {
		return 0
	}
	switch w.Model {
	case qgraph.DecayGaussian:
		r := elapsed / tau
		return math.Exp(-r * r)
	default:
		return math.Exp(-elapsed / tau)
	}
}

// Tracker owns all windows of one run. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	windows map[string]*Window
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{windows: make(map[string]*Window)}
}

// FromGraph opens every window the graph declares.
func FromGraph(g *qgraph.Graph) *Tracker {
	t := NewTracker()
	for _, spec := range g.Windows() {
		t.Open(spec)
	}
	return t
}

// Open creates a window from its spec. Re-opening an id replaces nothing:
// the first declaration wins.
func (t *Tracker) Open(spec qgraph.WindowSpec) *Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.windows[spec.ID]; ok {
		return w
	}
	w := &Window{
		ID:                spec.ID,
		Start:             spec.Start,
		Deadline:          spec.Deadline(),
		Timescale:         spec.Timescale,
		Model:             spec.Model,
		FidelityThreshold: spec.FidelityThreshold,
	}
	t.windows[spec.ID] = w
	return w
}

// State evaluates a window at the given instant. A window that has ever been
// observed expired stays expired.
func (t *Tracker) State(id string, now time.Duration) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[id]
	if !ok {
		return StateExpired, fmt.Errorf("unknown coherence window %q", id)
	}
	return t.stateLocked(w, now), nil
}

func (t *Tracker) stateLocked(w *Window, now time.Duration) State {
	if w.expired {
		return StateExpired
	}
	if now < w.Start || now > w.Deadline {
		w.expired = true
		return StateExpired
	}
	if w.ProjectedFidelity(now) < w.FidelityThreshold {
		w.expired = true
		return StateExpired
	}
	return StateOpen
}

// Remaining returns the budget left in the window at the given instant.
// Expired windows have zero budget.
func (t *Tracker) Remaining(id string, now time.Duration) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[id]
	if !ok {
		return 0, fmt.Errorf("unknown coherence window %q", id)
	}
	if t.stateLocked(w, now) == StateExpired {
		return 0, nil
	}
	return w.Deadline - now, nil
}

// Extend pushes an open window's deadline out. Extending an expired window
// is an error: Expired is terminal.
func (t *Tracker) Extend(id string, by time.Duration, now time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[id]
	if !ok {
		return fmt.Errorf("unknown coherence window %q", id)
	}
	if t.stateLocked(w, now) == StateExpired {
		return fmt.Errorf("coherence window %q already expired", id)
	}
	w.Deadline += by
	return nil
}

// Expire forces a window into its terminal state, e.g. after a full closure.
func (t *Tracker) Expire(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.windows[id]; ok {
		w.expired = true
	}
}

// Window returns a copy of the window, for reporting.
func (t *Tracker) Window(id string) (Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[id]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// IDs returns all window ids sorted lexicographically.
func (t *Tracker) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.windows))
	for id := range t.windows {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Barrier forces a set of windows into phase alignment before a synchronous
// operation: every window's interval becomes the intersection
// [max(starts), min(deadlines)]. It fails if any window is already expired
// or if the intersection is empty.
func (t *Tracker) Barrier(now time.Duration, ids ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	var start, deadline time.Duration
	for i, id := range ids {
		w, ok := t.windows[id]
		if !ok {
			return fmt.Errorf("unknown coherence window %q", id)
		}
		if t.stateLocked(w, now) == StateExpired {
			return fmt.Errorf("coherence window %q expired before barrier", id)
		}
		if i == 0 {
			start, deadline = w.Start, w.Deadline
			continue
		}
		if w.Start > start {
			start = w.Start
		}
		if w.Deadline < deadline {
			deadline = w.Deadline
		}
	}
	if start >= deadline {
		return fmt.Errorf("barrier over %v yields an empty window", ids)
	}
	for _, id := range ids {
		w := t.windows[id]
		w.Start = start
		w.Deadline = deadline
	}
	return nil
}
