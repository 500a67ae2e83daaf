// Package vision turns raw frames into face boxes and model-ready tensors.
package vision

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrMalformedInput is returned when a payload cannot be decoded into an image.
var ErrMalformedInput = errors.New("malformed image input")

// DecodeBase64Image decodes an uploaded image, accepting an optional
// "data:image/...;base64," prefix.
func DecodeBase64Image(s string) (image.Image, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		i := strings.IndexByte(s, ',')
		if i < 0 {
			return nil, fmt.Errorf("%w: data URL without payload", ErrMalformedInput)
		}
		s = s[i+1:]
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedInput)
	}

	// Browsers occasionally strip padding
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
	}
	return DecodeImage(bytes.NewReader(raw))
}

// DecodeImage decodes a JPEG, PNG, GIF or WebP stream.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return img, nil
}

// ToGray converts any image to 8-bit luma with its origin moved to (0,0).
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			copy(gray.Pix[y*gray.Stride:y*gray.Stride+b.Dx()], g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return gray
	}
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// ToRGBA copies any image into an RGBA canvas with its origin at (0,0).
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Mirror flips a frame horizontally.
func Mirror(src *image.Gray) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		srow := src.Pix[y*src.Stride : y*src.Stride+w]
		drow := dst.Pix[y*dst.Stride : y*dst.Stride+w]
		for x := 0; x < w; x++ {
			drow[w-1-x] = srow[x]
		}
	}
	return dst
}

// MirrorRGBA flips a colour frame horizontally. Used for display and screenshots
// so annotations line up with the mirrored detection frame.
func MirrorRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(b.Dx()-1-x, y, color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return dst
}

// gaussian5 is the 5-tap kernel a zero sigma resolves to, scaled by 16.
var gaussian5 = [5]int{1, 4, 6, 4, 1}

// GaussianBlur5 applies a separable 5x5 Gaussian blur with reflect-101 borders.
func GaussianBlur5(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return dst
	}

	// Horizontal pass keeps 16x precision, vertical pass divides by 256.
	tmp := make([]int, w*h)
	for y := 0; y < h; y++ {
		row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			sum := 0
			for k := -2; k <= 2; k++ {
				sum += gaussian5[k+2] * int(row[reflect101(x+k, w)])
			}
			tmp[y*w+x] = sum
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0
			for k := -2; k <= 2; k++ {
				sum += gaussian5[k+2] * tmp[reflect101(y+k, h)*w+x]
			}
			dst.Pix[y*dst.Stride+x] = uint8((sum + 128) >> 8)
		}
	}
	return dst
}

// reflect101 maps an out-of-range index back into [0,n) without repeating the edge.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

// PrepareFrame produces the grayscale, optionally mirrored, blurred frame every
// locator tier expects.
func PrepareFrame(img image.Image, mirror bool) *image.Gray {
	gray := ToGray(img)
	if mirror {
		gray = Mirror(gray)
	}
	return GaussianBlur5(gray)
}
