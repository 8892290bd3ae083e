// Package behavior scores recent interaction signals per resource to guess
// which conversation the user is likely to open next.
package behavior

import (
	"cmp"
	"container/list"
	"math"
	"slices"
	"sync"
	"time"
)

// Kind is an interaction type.
type Kind string

const (
	KindOpen          Kind = "open"
	KindHover         Kind = "hover"
	KindScrollVisible Kind = "scroll-visible"
)

var weights = map[Kind]float64{
	KindOpen:          3.0,
	KindHover:         1.0,
	KindScrollVisible: 0.5,
}

const (
	DefaultHalfLife     = 5 * time.Minute
	DefaultMaxResources = 256

	signalsPerResource = 32
	// Signals older than this many half-lives contribute less than 0.4%.
	maxHalfLives = 8
)

// Signal is one recorded interaction.
type Signal struct {
	Kind Kind
	At   time.Time
}

type resource struct {
	id      string
	signals []Signal
}

// Tracker keeps a bounded in-memory history of signals. Resources are
// evicted least recently touched first.
type Tracker struct {
	halfLife time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHalfLife sets the decay half-life.
func WithHalfLife(d time.Duration) Option {
	return func(t *Tracker) { t.halfLife = d }
}

// WithCapacity bounds the number of tracked resources.
func WithCapacity(n int) Option {
	return func(t *Tracker) { t.capacity = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		halfLife: DefaultHalfLife,
		capacity: DefaultMaxResources,
		now:      time.Now,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.halfLife <= 0 {
		t.halfLife = DefaultHalfLife
	}
	if t.capacity <= 0 {
		t.capacity = DefaultMaxResources
	}
	return t
}

// Record adds a signal for id. Unknown kinds are ignored.
func (t *Tracker) Record(id string, kind Kind) {
	if _, ok := weights[kind]; !ok || id == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var r *resource
	if elem, ok := t.entries[id]; ok {
		r = elem.Value.(*resource)
		t.order.MoveToFront(elem)
	} else {
		r = &resource{id: id}
		t.entries[id] = t.order.PushFront(r)
	}
	r.signals = append(r.signals, Signal{Kind: kind, At: now})
	if over := len(r.signals) - signalsPerResource; over > 0 {
		r.signals = slices.Delete(r.signals, 0, over)
	}

	for t.order.Len() > t.capacity {
		last := t.order.Back()
		t.order.Remove(last)
		delete(t.entries, last.Value.(*resource).id)
	}
}

// Score returns the decayed weight of every signal recorded for id.
func (t *Tracker) Score(id string) float64 {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	elem, ok := t.entries[id]
	if !ok {
		return 0
	}
	return t.scoreLocked(elem.Value.(*resource), now)
}

func (t *Tracker) scoreLocked(r *resource, now time.Time) float64 {
	horizon := now.Add(-maxHalfLives * t.halfLife)
	// Signals are appended in time order, so expired ones form a prefix.
	cut := 0
	for cut < len(r.signals) && r.signals[cut].At.Before(horizon) {
		cut++
	}
	r.signals = r.signals[cut:]

	var score float64
	for _, s := range r.signals {
		age := now.Sub(s.At)
		if age < 0 {
			age = 0
		}
		score += weights[s.Kind] * math.Pow(0.5, float64(age)/float64(t.halfLife))
	}
	return score
}

type scored struct {
	id    string
	score float64
}

// Predict returns up to n resource ids ranked by score, highest first.
// exclude is never returned. Resources whose signals all expired are skipped.
func (t *Tracker) Predict(exclude string, n int) []string {
	if n <= 0 {
		return nil
	}
	now := t.now()

	t.mu.Lock()
	ranked := make([]scored, 0, len(t.entries))
	for id, elem := range t.entries {
		if id == exclude {
			continue
		}
		if s := t.scoreLocked(elem.Value.(*resource), now); s > 0 {
			ranked = append(ranked, scored{id: id, score: s})
		}
	}
	t.mu.Unlock()

	slices.SortFunc(ranked, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	ids := make([]string, len(ranked))
	for i, s := range ranked {
		ids[i] = s.id
	}
	return ids
}

// Len returns the number of tracked resources.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
