package suggest

import (
	"math/rand/v2"
	"sync"

	"github.com/andresmejia3/moodsync/internal/types"
)

// JournalSuggestion is one category's pick after a mood is logged.
type JournalSuggestion struct {
	Type    string        `json:"type"`
	Content string        `json:"content"`
	Emotion types.Emotion `json:"emotion"`
}

// Journal draws the per-category suggestions and closing quote shown after a
// journal entry. It is safe for concurrent use.
type Journal struct {
	lib Library
	mu  sync.Mutex
	rng *rand.Rand
}

// NewJournal returns a Journal over lib. A nil rng gets a randomly seeded one.
func NewJournal(lib Library, rng *rand.Rand) *Journal {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Journal{lib: lib, rng: rng}
}

// Suggestions returns one random item from every category the emotion has.
func (j *Journal) Suggestions(emotion types.Emotion) []JournalSuggestion {
	resolved, p := j.lib.pools(emotion)

	j.mu.Lock()
	defer j.mu.Unlock()

	var out []JournalSuggestion
	for _, kind := range journalOrder {
		items := p.Journal[kind]
		if len(items) == 0 {
			continue
		}
		out = append(out, JournalSuggestion{
			Type:    kind,
			Content: items[j.rng.IntN(len(items))],
			Emotion: resolved,
		})
	}
	return out
}

// Quote returns a random closing quote for emotion.
func (j *Journal) Quote(emotion types.Emotion) string {
	_, p := j.lib.pools(emotion)
	if len(p.JournalQuotes) == 0 {
		_, p = j.lib.pools(types.Neutral)
	}
	if len(p.JournalQuotes) == 0 {
		return ""
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return p.JournalQuotes[j.rng.IntN(len(p.JournalQuotes))]
}
