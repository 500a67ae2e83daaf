package utils

import (
	"bufio"
	"bytes"
	"image"
	"image/color"
	"math"
	"os"
	"slices"
	"strings"
	"testing"
)

func TestLogBuffer(t *testing.T) {
	b := NewLogBuffer(16)
	b.Write([]byte("loading model\n"))
	if b.String() != "loading model\n" || b.LastLine() != "loading model" {
		t.Fatalf("String() = %q, LastLine() = %q", b.String(), b.LastLine())
	}

	b.Write([]byte("ModuleNotFoundError\n\n"))
	if b.Len() != 16 {
		t.Errorf("Len() = %d, want the 16 byte cap", b.Len())
	}
	if got := b.String(); !strings.HasPrefix(got, "[earlier output discarded]") || !strings.HasSuffix(got, "NotFoundError\n\n") {
		t.Errorf("String() = %q", got)
	}
	if got := b.LastLine(); got != "eNotFoundError" {
		t.Errorf("LastLine() = %q", got)
	}

	if NewLogBuffer(8).LastLine() != "" {
		t.Error("empty buffer should have no last line")
	}
}

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	// Use bufio.Scanner with our custom Split function
	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	// Verify the extracted token is exactly the JPEG
	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Scan() again should return false (EOF) because the trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestGenerateVideoID(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "video_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateVideoID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateVideoID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateVideoID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "25", want: 25},
		{in: "30000/1001", want: 29.97002997},
		{in: "0/0", wantErr: true},
		{in: "N/A", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseFrameRate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFrameRate(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && math.Abs(got-tt.want) > 1e-6 {
			t.Errorf("ParseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDrawBox(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	red := color.RGBA{R: 255, A: 255}

	// Partly outside the image: must clip, not panic
	DrawBox(img, image.Rect(2, 2, 20, 8), red, 1)

	if img.RGBAAt(2, 2) != red || img.RGBAAt(9, 5) != red || img.RGBAAt(5, 7) != red {
		t.Error("outline pixels not painted")
	}
	if img.RGBAAt(5, 5) != (color.RGBA{}) {
		t.Error("interior must stay untouched")
	}

	DrawBox(img, image.Rect(50, 50, 60, 60), red, 2) // fully outside
}

func TestWrapText(t *testing.T) {
	got := WrapText("Take a short walk outside and breathe", 12)
	want := []string{"Take a short", "walk outside", "and breathe"}
	if !slices.Equal(got, want) {
		t.Errorf("WrapText() = %q, want %q", got, want)
	}

	if got := WrapText("supercalifragilistic ok", 5); !slices.Equal(got, []string{"supercalifragilistic", "ok"}) {
		t.Errorf("long word: %q", got)
	}
	if got := WrapText("   ", 10); got != nil {
		t.Errorf("blank input: %q", got)
	}
}

func TestDrawLabel(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 60, 20))
	DrawLabel(img, 2, 2, "Happy", color.RGBA{G: 255, A: 255})

	painted := 0
	for i := 1; i < len(img.Pix); i += 4 {
		if img.Pix[i] > 0 {
			painted++
		}
	}
	if painted == 0 {
		t.Error("no glyph pixels drawn")
	}
	if w := TextWidth("Happy"); w != 35 {
		t.Errorf("TextWidth() = %d, want 35", w)
	}
}
