package suggest

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/andresmejia3/moodsync/internal/types"
)

// DefaultInterval is how long a live suggestion stays on screen for an
// unchanged emotion.
const DefaultInterval = 30 * time.Second

// Suggestion is one drawn piece of content.
type Suggestion struct {
	Emotion types.Emotion `json:"emotion"`
	Type    string        `json:"type"`
	Title   string        `json:"title"`
	Text    string        `json:"content"`
}

// Empty reports whether nothing has been drawn yet.
func (s Suggestion) Empty() bool { return s.Text == "" }

// Selector debounces live suggestions. It redraws when the emotion changes or
// when more than Interval has passed since the last draw. A Selector belongs to
// one viewer; it is not safe for concurrent use.
type Selector struct {
	Interval time.Duration
	Now      func() time.Time

	lib      Library
	rng      *rand.Rand
	last     types.Emotion
	lastDraw time.Time
	current  Suggestion
}

// NewSelector returns a Selector over lib. A nil rng gets a randomly seeded one.
func NewSelector(lib Library, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Selector{
		Interval: DefaultInterval,
		Now:      time.Now,
		lib:      lib,
		rng:      rng,
	}
}

// Next returns the suggestion to show for emotion, drawing a fresh one if due.
func (s *Selector) Next(emotion types.Emotion) Suggestion {
	now := s.Now()
	if emotion != s.last || s.lastDraw.IsZero() || now.Sub(s.lastDraw) > s.Interval {
		s.current = s.draw(emotion)
		s.lastDraw = now
	}
	s.last = emotion
	return s.current
}

// ForceRefresh makes the next call to Next draw regardless of elapsed time.
func (s *Selector) ForceRefresh() {
	s.lastDraw = time.Time{}
}

func (s *Selector) draw(emotion types.Emotion) Suggestion {
	resolved, p := s.lib.pools(emotion)
	kind := LiveTypes[s.rng.IntN(len(LiveTypes))]
	items := p.Live[kind]
	if len(items) == 0 {
		// Incomplete pool for this emotion: fall back to Neutral content
		resolved, p = types.Neutral, s.lib[types.Neutral]
		items = p.Live[kind]
	}
	return Suggestion{
		Emotion: resolved,
		Type:    kind,
		Title:   Title(kind),
		Text:    items[s.rng.IntN(len(items))],
	}
}

// Sessions keeps one Selector per viewer so concurrent clients never share
// suggestion state.
type Sessions struct {
	mu       sync.Mutex
	lib      Library
	entries  map[string]*sessionEntry
	interval time.Duration
	now      func() time.Time
}

type sessionEntry struct {
	mu       sync.Mutex
	sel      *Selector
	lastSeen time.Time
}

// NewSessions returns an empty registry. interval <= 0 uses DefaultInterval.
func NewSessions(lib Library, interval time.Duration) *Sessions {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sessions{
		lib:      lib,
		entries:  make(map[string]*sessionEntry),
		interval: interval,
		now:      time.Now,
	}
}

func (r *Sessions) entry(id string) *sessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		sel := NewSelector(r.lib, nil)
		sel.Interval = r.interval
		sel.Now = r.now
		e = &sessionEntry{sel: sel}
		r.entries[id] = e
	}
	e.lastSeen = r.now()
	return e
}

// Next advances the selector of session id.
func (r *Sessions) Next(id string, emotion types.Emotion) Suggestion {
	e := r.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sel.Next(emotion)
}

// ForceRefresh forces a redraw on the next call for session id.
func (r *Sessions) ForceRefresh(id string) {
	e := r.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sel.ForceRefresh()
}

// Drop forgets a session.
func (r *Sessions) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of live sessions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep drops sessions idle for longer than maxIdle and returns how many went.
func (r *Sessions) Sweep(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxIdle)
	n := 0
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}
