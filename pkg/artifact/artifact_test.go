package artifact

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
)

func testImage(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	imaging.Encode(&buf, img, imaging.PNG)
	return buf.Bytes()
}

func TestThumbnailResizesWideImages(t *testing.T) {
	data, err := Thumbnail(testImage(400, 200), 200)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if img.Bounds().Dx() != 200 {
		t.Fatalf("thumbnail width = %d, want 200", img.Bounds().Dx())
	}
}

func TestThumbnailKeepsSmallImages(t *testing.T) {
	data, err := Thumbnail(testImage(100, 100), 200)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if img.Bounds().Dx() != 100 {
		t.Fatalf("thumbnail width = %d, want 100", img.Bounds().Dx())
	}
}

func TestThumbnailRejectsGarbage(t *testing.T) {
	if _, err := Thumbnail([]byte("not an image"), 200); err == nil {
		t.Fatal("expected error for non-image data")
	}
}

func TestObjectNameDeterministic(t *testing.T) {
	a := objectName("msg123:generate", "image/png")
	b := objectName("msg123:generate", "image/png")
	if a != b {
		t.Fatalf("object name not deterministic: %q vs %q", a, b)
	}
	if a != "artifacts/msg123_generate.png" {
		t.Fatalf("unexpected object name: %q", a)
	}
}
