package suggest

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/andresmejia3/moodsync/internal/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// countingLibrary gives every emotion large pools of numbered items so every
// fresh draw is observable.
func countingLibrary() Library {
	lib := Library{}
	for _, e := range types.Labels {
		live := map[string][]string{}
		for _, kind := range LiveTypes {
			items := make([]string, 1000)
			for i := range items {
				items[i] = fmt.Sprintf("%s-%s-%d", e, kind, i)
			}
			live[kind] = items
		}
		lib[e] = Pools{Live: live}
	}
	return lib
}

func newTestSelector(lib Library) (*Selector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewSelector(lib, rand.New(rand.NewPCG(1, 2)))
	s.Now = clock.Now
	return s, clock
}

func TestDefaultLibrary(t *testing.T) {
	lib := DefaultLibrary()
	for _, e := range types.Labels {
		p, ok := lib[e]
		if !ok {
			t.Fatalf("no content for %s", e)
		}
		for _, kind := range LiveTypes {
			if len(p.Live[kind]) == 0 {
				t.Errorf("%s has no %s", e, kind)
			}
		}
		if len(p.JournalQuotes) == 0 {
			t.Errorf("%s has no journal quotes", e)
		}
	}
}

func TestParseLibraryRequiresNeutral(t *testing.T) {
	if _, err := ParseLibrary([]byte("Happy:\n  live:\n    quotes: [\"hi\"]\n")); err == nil {
		t.Error("expected an error for content without a Neutral pool")
	}
	if _, err := ParseLibrary([]byte("::not yaml")); err == nil {
		t.Error("expected a parse error")
	}
}

func TestSelectorDebounce(t *testing.T) {
	s, clock := newTestSelector(countingLibrary())

	first := s.Next(types.Happy)
	if first.Empty() {
		t.Fatal("first call must draw a suggestion")
	}

	clock.Advance(time.Second)
	if again := s.Next(types.Happy); again != first {
		t.Errorf("same emotion within the interval changed suggestion: %v -> %v", first, again)
	}

	// Exactly at the interval is not yet due
	clock.Advance(29 * time.Second)
	if again := s.Next(types.Happy); again != first {
		t.Errorf("suggestion redrawn at exactly 30s: %v -> %v", first, again)
	}

	clock.Advance(31 * time.Second)
	fresh := s.Next(types.Happy)
	if fresh == first {
		t.Errorf("expected a fresh draw after 31s, got the same %v", fresh)
	}
	if fresh.Emotion != types.Happy {
		t.Errorf("fresh draw for %s", fresh.Emotion)
	}
}

func TestSelectorEmotionChangeRedraws(t *testing.T) {
	s, _ := newTestSelector(countingLibrary())

	happy := s.Next(types.Happy)
	sad := s.Next(types.Sad)
	if sad.Emotion != types.Sad {
		t.Fatalf("expected a Sad suggestion, got %v", sad)
	}
	if sad == happy {
		t.Error("emotion change must redraw")
	}
	back := s.Next(types.Happy)
	if back.Emotion != types.Happy {
		t.Errorf("switching back must redraw for Happy, got %v", back)
	}
}

func TestSelectorForceRefresh(t *testing.T) {
	s, clock := newTestSelector(countingLibrary())

	first := s.Next(types.Fear)
	clock.Advance(time.Second)
	s.ForceRefresh()
	if got := s.Next(types.Fear); got == first {
		t.Error("force refresh should draw a new suggestion")
	}
}

func TestSelectorUnknownEmotionUsesNeutral(t *testing.T) {
	s, _ := newTestSelector(DefaultLibrary())
	got := s.Next(types.Emotion("Bored"))
	if got.Emotion != types.Neutral {
		t.Errorf("unknown label resolved to %s, want Neutral", got.Emotion)
	}
	neutral := DefaultLibrary()[types.Neutral].Live[got.Type]
	if !slices.Contains(neutral, got.Text) {
		t.Errorf("%q is not in the Neutral %s pool", got.Text, got.Type)
	}
	if got.Title != Title(got.Type) {
		t.Errorf("Title = %q", got.Title)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewSessions(countingLibrary(), 0)
	r.now = clock.Now

	a := r.Next("a", types.Happy)
	b := r.Next("b", types.Sad)
	if a.Emotion != types.Happy || b.Emotion != types.Sad {
		t.Fatalf("sessions bled into each other: %v %v", a, b)
	}
	if again := r.Next("a", types.Happy); again != a {
		t.Error("session a should keep its suggestion")
	}

	r.ForceRefresh("a")
	if again := r.Next("a", types.Happy); again == a {
		t.Error("force refresh on session a should redraw")
	}

	clock.Advance(10 * time.Minute)
	r.Next("b", types.Sad)
	if n := r.Sweep(5 * time.Minute); n != 1 {
		t.Errorf("Sweep() removed %d sessions, want 1", n)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	r.Drop("b")
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Drop, want 0", r.Len())
	}
}

func TestJournal(t *testing.T) {
	j := NewJournal(DefaultLibrary(), rand.New(rand.NewPCG(3, 4)))

	got := j.Suggestions(types.Sad)
	var kinds []string
	for _, s := range got {
		kinds = append(kinds, s.Type)
		if s.Emotion != types.Sad || s.Content == "" {
			t.Errorf("bad suggestion %+v", s)
		}
	}
	if want := []string{"activities", "wellness", "social"}; !slices.Equal(kinds, want) {
		t.Errorf("categories = %v, want %v", kinds, want)
	}

	if q := j.Quote(types.Emotion("Confused")); !slices.Contains(DefaultLibrary()[types.Neutral].JournalQuotes, q) {
		t.Errorf("unknown emotion quote %q should come from Neutral", q)
	}
}
