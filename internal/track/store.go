package track

import (
	"sort"
	"sync"
	"time"

	"github.com/quantrun/profittaker/internal/broker"
)

// State is the lifecycle of a tracked ticker as seen by the liveness
// monitor: watching until trailing arms, trailing until the position is
// closed, then a terminal exited state.
type State int

const (
	Watching State = iota
	Trailing
	Exited
	ForceExited
)

func (s State) String() string {
	switch s {
	case Watching:
		return "WATCHING"
	case Trailing:
		return "TRAILING"
	case Exited:
		return "EXITED"
	case ForceExited:
		return "FORCE_EXITED"
	default:
		return "UNKNOWN"
	}
}

// TrailState is the armed trailing-stop state for one ticker. While
// Active, PeakPrice and StopPrice only ever move up, and StopPrice never
// drops below the position's entry price.
type TrailState struct {
	Active     bool
	PeakPrice  float64
	StopPrice  float64
	TrailWidth float64
	ArmedAt    time.Time
}

// Tracked is the full per-ticker record: the broker position, rolling
// statistics, trailing state, and bookkeeping read by the monitor.
type Tracked struct {
	Position broker.Position
	Tracker  *Tracker
	Trail    TrailState
	State    State

	// LastUpdate is refreshed on every accepted bar from either source;
	// the heartbeat derives staleness from it.
	LastUpdate time.Time

	// ExitPending is set when an exit signal has been handed to the
	// execution coordinator and cleared if that attempt fails, so a
	// transient order failure re-arms rather than resubmits.
	ExitPending bool
}

// GainPct returns the unrealized gain fraction at the given price.
func (t *Tracked) GainPct(price float64) float64 {
	if t.Position.EntryPrice <= 0 {
		return 0
	}
	return (price - t.Position.EntryPrice) / t.Position.EntryPrice
}

// Store is the shared per-ticker state table. All mutation goes through
// Apply under the write lock, which also gives the stop engine its
// per-ticker mutual exclusion; the monitor reads copies via Snapshot.
type Store struct {
	mu sync.RWMutex
	m  map[string]*Tracked
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{m: make(map[string]*Tracked)}
}

// Seed registers positions loaded at session start, one tracker each.
func (s *Store) Seed(positions []broker.Position, capacity, lookback int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range positions {
		s.m[p.Symbol] = &Tracked{
			Position:   p,
			Tracker:    NewTracker(capacity, lookback),
			State:      Watching,
			LastUpdate: now,
		}
	}
}

// Apply runs fn against the ticker's record under the write lock.
// It returns false when the ticker is not tracked.
func (s *Store) Apply(symbol string, fn func(*Tracked)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.m[symbol]
	if !ok {
		return false
	}
	fn(tr)
	return true
}

// Remove drops a ticker from tracking after its position is closed.
func (s *Store) Remove(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, symbol)
}

// Len returns the number of tracked tickers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Symbols returns the tracked symbols in sorted order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for sym := range s.m {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// View is a read-only copy of a ticker's record for reporting.
type View struct {
	Symbol     string
	Position   broker.Position
	Trail      TrailState
	State      State
	LastUpdate time.Time
	LastPrice  float64
	HasPrice   bool
	Samples    int
}

// Snapshot copies the observable state of every tracked ticker, sorted
// by symbol. It never exposes the live Tracker.
func (s *Store) Snapshot() []View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]View, 0, len(s.m))
	for sym, tr := range s.m {
		v := View{
			Symbol:     sym,
			Position:   tr.Position,
			Trail:      tr.Trail,
			State:      tr.State,
			LastUpdate: tr.LastUpdate,
			Samples:    tr.Tracker.Len(),
		}
		v.LastPrice, v.HasPrice = tr.Tracker.LastPrice()
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Symbol < views[j].Symbol })
	return views
}
