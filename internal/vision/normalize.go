package vision

import (
	"image"
	"math"

	"github.com/andresmejia3/moodsync/internal/types"
	"golang.org/x/image/draw"
)

const (
	// FaceSize is the square input resolution of the classifier.
	FaceSize = 48
	// Padding is added on every side of a detected box before cropping.
	Padding = 10
)

// TensorShape is batch, height, width, channels.
var TensorShape = [4]int{1, FaceSize, FaceSize, 1}

// Tensor is a model-ready face: FaceSize*FaceSize float32 values in [0,1],
// row-major.
type Tensor struct {
	Data  []float32
	Shape [4]int
}

// PadBox grows a box by pad on every side and clips it to bounds.
func PadBox(box types.FaceBox, pad int, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(box.X-pad, box.Y-pad, box.X+box.Width+pad, box.Y+box.Height+pad)
	return r.Intersect(bounds)
}

// EqualizeHist spreads the intensity histogram over the full 0-255 range.
// A single-valued image is returned unchanged.
func EqualizeHist(src *image.Gray) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	total := b.Dx() * b.Dy()
	if total == 0 {
		return dst
	}

	var hist [256]int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := src.Pix[src.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			hist[row[x]]++
		}
	}

	lo := 0
	for hist[lo] == 0 {
		lo++
	}

	var lut [256]uint8
	if hist[lo] == total {
		for i := range lut {
			lut[i] = uint8(i)
		}
	} else {
		scale := 255.0 / float64(total-hist[lo])
		sum := 0
		for i := lo + 1; i < 256; i++ {
			sum += hist[i]
			lut[i] = uint8(min(255, math.Round(float64(sum)*scale)))
		}
	}

	for y := 0; y < b.Dy(); y++ {
		srow := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
		drow := dst.Pix[y*dst.Stride:]
		for x := 0; x < b.Dx(); x++ {
			drow[x] = lut[srow[x]]
		}
	}
	return dst
}

// Normalize crops the padded face region, equalizes it, resizes it to
// FaceSize x FaceSize and rescales to [0,1]. ok is false when the clipped
// region is empty and the face must be skipped.
func Normalize(gray *image.Gray, box types.FaceBox) (Tensor, bool) {
	return NormalizePadded(gray, box, Padding)
}

// NormalizePadded is Normalize with an explicit padding.
func NormalizePadded(gray *image.Gray, box types.FaceBox, pad int) (Tensor, bool) {
	region := PadBox(box, pad, gray.Bounds())
	if region.Empty() {
		return Tensor{}, false
	}

	face := EqualizeHist(gray.SubImage(region).(*image.Gray))

	scaled := image.NewGray(image.Rect(0, 0, FaceSize, FaceSize))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), face, face.Bounds(), draw.Src, nil)

	t := Tensor{
		Data:  make([]float32, FaceSize*FaceSize),
		Shape: TensorShape,
	}
	for y := 0; y < FaceSize; y++ {
		for x := 0; x < FaceSize; x++ {
			t.Data[y*FaceSize+x] = float32(scaled.Pix[y*scaled.Stride+x]) / 255.0
		}
	}
	return t, true
}
