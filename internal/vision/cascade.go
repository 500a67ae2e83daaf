package vision

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"os"

	"github.com/andresmejia3/moodsync/internal/types"
	pigo "github.com/esimov/pigo/core"
)

// DetectParams mirrors the knobs of a multi-scale cascade scan.
type DetectParams struct {
	ScaleFactor  float64
	MinNeighbors int
	MinSize      int
	MaxSize      int // 0 means bounded only by the frame
}

// Cascade finds candidate faces in a prepared grayscale frame.
type Cascade interface {
	Detect(gray *image.Gray, p DetectParams) []types.FaceBox
}

// PigoCascade runs a pigo binary cascade and groups its raw hits the way a Haar
// detector groups neighbours.
type PigoCascade struct {
	classifier  *pigo.Pigo
	ShiftFactor float64
	Angle       float64 // in-plane rotation, 0.0 to 1.0 of a full turn
	GroupEps    float64
}

// LoadPigoCascade reads and unpacks a cascade file from disk.
func LoadPigoCascade(path string) (*PigoCascade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cascade %s: %w", path, err)
	}
	return NewPigoCascade(data)
}

// ErrInvalidCascade is returned for data that is not a pigo binary cascade.
// OpenCV Haar XML files are not accepted.
var ErrInvalidCascade = errors.New("not a pigo cascade")

// maxTreeDepth bounds the header value; shipped cascades use 6.
const maxTreeDepth = 16

// checkCascade validates the header against the payload length. A pigo
// cascade is 8 reserved bytes, tree depth and tree count as little-endian
// uint32, then 8*2^depth bytes per tree.
func checkCascade(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidCascade, len(data))
	}
	depth := binary.LittleEndian.Uint32(data[8:])
	trees := binary.LittleEndian.Uint32(data[12:])
	if depth == 0 || depth > maxTreeDepth || trees == 0 {
		return fmt.Errorf("%w: tree depth %d, %d trees", ErrInvalidCascade, depth, trees)
	}
	want := 16 + uint64(trees)*(8<<depth)
	if uint64(len(data)) != want {
		return fmt.Errorf("%w: expected %d bytes for %d trees of depth %d, got %d", ErrInvalidCascade, want, trees, depth, len(data))
	}
	return nil
}

// NewPigoCascade unpacks an in-memory cascade.
func NewPigoCascade(data []byte) (pc *PigoCascade, err error) {
	if err := checkCascade(data); err != nil {
		return nil, err
	}
	// Unpack indexes the buffer without bounds checks of its own
	defer func() {
		if r := recover(); r != nil {
			pc, err = nil, fmt.Errorf("%w: %v", ErrInvalidCascade, r)
		}
	}()
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpacking cascade: %w", err)
	}
	return &PigoCascade{
		classifier:  classifier,
		ShiftFactor: 0.1,
		GroupEps:    DefaultGroupEps,
	}, nil
}

// Detect scans every scale between MinSize and MaxSize and returns grouped boxes.
func (c *PigoCascade) Detect(gray *image.Gray, p DetectParams) []types.FaceBox {
	b := gray.Bounds()
	if b.Min != (image.Point{}) {
		gray = ToGray(gray)
		b = gray.Bounds()
	}
	cols, rows := b.Dx(), b.Dy()

	maxSize := p.MaxSize
	if limit := min(cols, rows); maxSize <= 0 || maxSize > limit {
		maxSize = limit
	}
	if p.MinSize > maxSize {
		return []types.FaceBox{}
	}

	params := pigo.CascadeParams{
		MinSize:     p.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: c.ShiftFactor,
		ScaleFactor: p.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: gray.Pix,
			Rows:   rows,
			Cols:   cols,
			Dim:    gray.Stride,
		},
	}

	dets := c.classifier.RunCascade(params, c.Angle)
	raw := make([]types.FaceBox, 0, len(dets))
	for _, d := range dets {
		// pigo reports the centre and side length of a square window
		raw = append(raw, types.FaceBox{
			X:      d.Col - d.Scale/2,
			Y:      d.Row - d.Scale/2,
			Width:  d.Scale,
			Height: d.Scale,
		})
	}
	return GroupBoxes(raw, p.MinNeighbors, c.GroupEps)
}

// DefaultGroupEps is the relative tolerance two windows may differ by and still
// count as the same face.
const DefaultGroupEps = 0.2

// GroupBoxes clusters overlapping candidate windows, averages each cluster and
// keeps those with more than minNeighbors members. Clusters nested inside a
// stronger cluster are dropped. minNeighbors <= 0 returns the input unchanged.
func GroupBoxes(raw []types.FaceBox, minNeighbors int, eps float64) []types.FaceBox {
	if minNeighbors <= 0 || len(raw) == 0 {
		out := make([]types.FaceBox, len(raw))
		copy(out, raw)
		return out
	}

	labels, nclasses := partition(raw, eps)

	type cluster struct {
		sx, sy, sw, sh int
		n              int
	}
	clusters := make([]cluster, nclasses)
	for i, r := range raw {
		c := &clusters[labels[i]]
		c.sx += r.X
		c.sy += r.Y
		c.sw += r.Width
		c.sh += r.Height
		c.n++
	}

	avg := make([]types.FaceBox, nclasses)
	for i, c := range clusters {
		s := 1.0 / float64(c.n)
		avg[i] = types.FaceBox{
			X:      int(math.Round(float64(c.sx) * s)),
			Y:      int(math.Round(float64(c.sy) * s)),
			Width:  int(math.Round(float64(c.sw) * s)),
			Height: int(math.Round(float64(c.sh) * s)),
		}
	}

	out := []types.FaceBox{}
	for i, r1 := range avg {
		n1 := clusters[i].n
		if n1 <= minNeighbors {
			continue
		}
		nested := false
		for j, r2 := range avg {
			n2 := clusters[j].n
			if i == j || n2 <= minNeighbors {
				continue
			}
			dx := int(math.Round(float64(r2.Width) * eps))
			dy := int(math.Round(float64(r2.Height) * eps))
			if r1.X >= r2.X-dx && r1.Y >= r2.Y-dy &&
				r1.X+r1.Width <= r2.X+r2.Width+dx &&
				r1.Y+r1.Height <= r2.Y+r2.Height+dy &&
				(n2 > max(3, n1) || n1 < 3) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, r1)
		}
	}
	return out
}

// similar reports whether two windows differ by at most eps of their mean size on every edge.
func similar(a, b types.FaceBox, eps float64) bool {
	delta := eps * float64(min(a.Width, b.Width)+min(a.Height, b.Height)) * 0.5
	return math.Abs(float64(a.X-b.X)) <= delta &&
		math.Abs(float64(a.Y-b.Y)) <= delta &&
		math.Abs(float64(a.X+a.Width-b.X-b.Width)) <= delta &&
		math.Abs(float64(a.Y+a.Height-b.Y-b.Height)) <= delta
}

// partition assigns equivalence classes under the transitive closure of similar.
// Class numbers follow first appearance so output order is deterministic.
func partition(boxes []types.FaceBox, eps float64) ([]int, int) {
	parent := make([]int, len(boxes))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	for i := range boxes {
		for j := i + 1; j < len(boxes); j++ {
			if similar(boxes[i], boxes[j], eps) {
				ri, rj := find(i), find(j)
				if ri != rj {
					if ri < rj {
						parent[rj] = ri
					} else {
						parent[ri] = rj
					}
				}
			}
		}
	}

	labels := make([]int, len(boxes))
	ids := make(map[int]int)
	for i := range boxes {
		root := find(i)
		id, ok := ids[root]
		if !ok {
			id = len(ids)
			ids[root] = id
		}
		labels[i] = id
	}
	return labels, len(ids)
}
