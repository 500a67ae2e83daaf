package vision

import (
	"image"

	"github.com/andresmejia3/moodsync/internal/types"
)

// Tier is one detector pass in the fallback chain.
type Tier struct {
	Name    string
	Cascade Cascade
	Params  DetectParams
	// Mirrored also scans the horizontally flipped frame. Profile cascades are
	// trained on one side of the face only.
	Mirrored bool
}

// Locator runs its tiers in order and stops at the first one that finds anything.
type Locator struct {
	Tiers []Tier
}

// DefaultTiers builds the standard chain: strict frontal, relaxed frontal for
// small or distant faces, then profile for turned heads. A nil cascade leaves
// its tiers out.
func DefaultTiers(frontal, profile Cascade) []Tier {
	var tiers []Tier
	if frontal != nil {
		tiers = append(tiers,
			Tier{
				Name:    "frontal",
				Cascade: frontal,
				Params:  DetectParams{ScaleFactor: 1.1, MinNeighbors: 5, MinSize: 30, MaxSize: 300},
			},
			Tier{
				Name:    "frontal-relaxed",
				Cascade: frontal,
				Params:  DetectParams{ScaleFactor: 1.05, MinNeighbors: 3, MinSize: 20, MaxSize: 400},
			},
		)
	}
	if profile != nil {
		tiers = append(tiers, Tier{
			Name:     "profile",
			Cascade:  profile,
			Params:   DetectParams{ScaleFactor: 1.1, MinNeighbors: 5, MinSize: 30},
			Mirrored: true,
		})
	}
	return tiers
}

// NewLocator returns a locator over DefaultTiers.
func NewLocator(frontal, profile Cascade) *Locator {
	return &Locator{Tiers: DefaultTiers(frontal, profile)}
}

// Available reports whether at least one tier can run.
func (l *Locator) Available() bool {
	if l == nil {
		return false
	}
	for _, t := range l.Tiers {
		if t.Cascade != nil {
			return true
		}
	}
	return false
}

// Locate returns the faces found by the first productive tier along with its
// name. An empty, non-nil slice means no face is present.
func (l *Locator) Locate(gray *image.Gray) ([]types.FaceBox, string) {
	if l == nil {
		return []types.FaceBox{}, ""
	}
	for _, t := range l.Tiers {
		if t.Cascade == nil {
			continue
		}
		faces := t.Cascade.Detect(gray, t.Params)
		if t.Mirrored && len(faces) == 0 {
			w := gray.Bounds().Dx()
			for _, f := range t.Cascade.Detect(Mirror(gray), t.Params) {
				f.X = w - f.X - f.Width
				faces = append(faces, f)
			}
		}
		if len(faces) > 0 {
			return faces, t.Name
		}
	}
	return []types.FaceBox{}, ""
}
