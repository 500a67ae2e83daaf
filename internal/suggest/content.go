// Package suggest picks motivational content for a detected emotion.
package suggest

import (
	_ "embed"
	"fmt"

	"github.com/andresmejia3/moodsync/internal/types"
	"gopkg.in/yaml.v3"
)

//go:embed content.yaml
var defaultContent []byte

// Live suggestion categories, drawn uniformly.
const (
	TypeQuote    = "quotes"
	TypeActivity = "activities"
	TypeTask     = "tasks"
)

// LiveTypes is the set a live suggestion category is drawn from.
var LiveTypes = []string{TypeQuote, TypeActivity, TypeTask}

// journalOrder fixes the order journal categories are presented in.
var journalOrder = []string{"activities", "wellness", "productivity", "social"}

var titles = map[string]string{
	TypeQuote:    "Motivational Quote",
	TypeActivity: "Suggested Activity",
	TypeTask:     "Helpful Task",
}

// Title is the panel heading for a live suggestion category.
func Title(kind string) string {
	if t, ok := titles[kind]; ok {
		return t
	}
	return "Suggestion"
}

// Pools holds every piece of content for one emotion.
type Pools struct {
	Live          map[string][]string `yaml:"live"`
	Journal       map[string][]string `yaml:"journal"`
	JournalQuotes []string            `yaml:"journal_quotes"`
}

// Library maps each emotion to its content.
type Library map[types.Emotion]Pools

// ParseLibrary decodes YAML content and checks that the Neutral fallback can
// serve every live category.
func ParseLibrary(data []byte) (Library, error) {
	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("parsing suggestion content: %w", err)
	}
	neutral, ok := lib[types.Neutral]
	if !ok {
		return nil, fmt.Errorf("suggestion content has no %s pool", types.Neutral)
	}
	for _, kind := range LiveTypes {
		if len(neutral.Live[kind]) == 0 {
			return nil, fmt.Errorf("suggestion content: %s pool has no %s", types.Neutral, kind)
		}
	}
	return lib, nil
}

// DefaultLibrary returns the embedded content. It panics only if the embedded
// file is broken, which the package tests guard against.
func DefaultLibrary() Library {
	lib, err := ParseLibrary(defaultContent)
	if err != nil {
		panic(err)
	}
	return lib
}

// pools returns the content for e, falling back to Neutral for unknown labels.
func (l Library) pools(e types.Emotion) (types.Emotion, Pools) {
	if p, ok := l[e]; ok {
		return e, p
	}
	return types.Neutral, l[types.Neutral]
}
