package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
)

// testImage builds a w×h gradient so resized output stays decodable.
func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 11), B: 128, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func decodeDims(t *testing.T, data []byte) (int, int, string) {
	t.Helper()
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), format
}

func TestTransformResizeWidthOnly(t *testing.T) {
	src := encodePNG(t, testImage(100, 50))

	out, format, err := Transform(bytes.NewReader(src), Options{Width: 50})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if format != "png" {
		t.Errorf("format = %q, want png", format)
	}
	w, h, outFormat := decodeDims(t, out)
	if outFormat != "png" {
		t.Errorf("decoded format = %q, want png", outFormat)
	}
	if w != 50 || h != 25 {
		t.Errorf("dimensions = %dx%d, want 50x25", w, h)
	}
}

func TestTransformResizeHeightOnly(t *testing.T) {
	src := encodePNG(t, testImage(100, 50))

	out, _, err := Transform(bytes.NewReader(src), Options{Height: 25})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	w, h, _ := decodeDims(t, out)
	if w != 50 || h != 25 {
		t.Errorf("dimensions = %dx%d, want 50x25", w, h)
	}
}

func TestTransformExactDimensions(t *testing.T) {
	src := encodePNG(t, testImage(100, 50))

	out, _, err := Transform(bytes.NewReader(src), Options{Width: 30, Height: 40})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	w, h, _ := decodeDims(t, out)
	if w != 30 || h != 40 {
		t.Errorf("dimensions = %dx%d, want 30x40", w, h)
	}
}

func TestTransformFormatConversion(t *testing.T) {
	src := encodePNG(t, testImage(16, 16))

	out, format, err := Transform(bytes.NewReader(src), Options{Format: "jpeg", Quality: 90})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("format = %q, want jpeg", format)
	}
	_, _, outFormat := decodeDims(t, out)
	if outFormat != "jpeg" {
		t.Errorf("decoded format = %q, want jpeg", outFormat)
	}
}

func TestTransformJpgAlias(t *testing.T) {
	src := encodePNG(t, testImage(16, 16))

	out, format, err := Transform(bytes.NewReader(src), Options{Format: "jpg"})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("format = %q, want jpeg", format)
	}
	_, _, outFormat := decodeDims(t, out)
	if outFormat != "jpeg" {
		t.Errorf("decoded format = %q, want jpeg", outFormat)
	}
}

func TestTransformNoParamsReEncodesSource(t *testing.T) {
	src := encodePNG(t, testImage(10, 10))

	out, format, err := Transform(bytes.NewReader(src), Options{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if format != "png" {
		t.Errorf("format = %q, want png", format)
	}
	w, h, _ := decodeDims(t, out)
	if w != 10 || h != 10 {
		t.Errorf("dimensions = %dx%d, want 10x10", w, h)
	}
}

func TestTransformRejectsNonImage(t *testing.T) {
	_, _, err := Transform(strings.NewReader("not an image at all"), Options{})
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("err = %v, want ErrUnsupportedSource", err)
	}
}

func TestTransformRejectsWebpTarget(t *testing.T) {
	src := encodePNG(t, testImage(8, 8))

	_, _, err := Transform(bytes.NewReader(src), Options{Format: "webp"})
	if !errors.Is(err, ErrUnsupportedTarget) {
		t.Errorf("err = %v, want ErrUnsupportedTarget", err)
	}
}

func TestTransformRejectsUnknownTarget(t *testing.T) {
	src := encodePNG(t, testImage(8, 8))

	_, _, err := Transform(bytes.NewReader(src), Options{Format: "tiff"})
	if !errors.Is(err, ErrUnsupportedTarget) {
		t.Errorf("err = %v, want ErrUnsupportedTarget", err)
	}
}

func TestCacheKey(t *testing.T) {
	base := CacheKey("obj-1", Options{Width: 100, Format: "jpeg", Quality: 80})

	if len(base) != 32 {
		t.Errorf("key length = %d, want 32 hex chars", len(base))
	}
	if again := CacheKey("obj-1", Options{Width: 100, Format: "jpeg", Quality: 80}); again != base {
		t.Error("identical options should produce identical keys")
	}
	if CacheKey("obj-2", Options{Width: 100, Format: "jpeg", Quality: 80}) == base {
		t.Error("different objects should produce different keys")
	}
	if CacheKey("obj-1", Options{Width: 200, Format: "jpeg", Quality: 80}) == base {
		t.Error("different widths should produce different keys")
	}
	if CacheKey("obj-1", Options{Width: 100, Format: "jpg", Quality: 80}) != base {
		t.Error("jpg alias should normalize to the jpeg key")
	}
	if CacheKey("obj-1", Options{Width: 100, Format: "jpeg", Quality: 400}) !=
		CacheKey("obj-1", Options{Width: 100, Format: "jpeg", Quality: 100}) {
		t.Error("quality should clamp to 100 before hashing")
	}
}

func TestTransformableSource(t *testing.T) {
	allowed := []string{"image/png", "image/jpeg", "image/gif", "image/webp", "image/svg+xml"}
	for _, m := range allowed {
		if !TransformableSource(m) {
			t.Errorf("TransformableSource(%q) = false, want true", m)
		}
	}
	denied := []string{"text/plain", "application/pdf", "image/tiff", "video/mp4", ""}
	for _, m := range denied {
		if TransformableSource(m) {
			t.Errorf("TransformableSource(%q) = true, want false", m)
		}
	}
}

func TestApplyOrientationPixels(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}

	// 2x1 source: red on the left, blue on the right.
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, red)
	src.SetNRGBA(1, 0, blue)

	t.Run("rotate 90 cw", func(t *testing.T) {
		out := applyOrientation(src, 6).(*image.NRGBA)
		if got := out.Bounds(); got.Dx() != 1 || got.Dy() != 2 {
			t.Fatalf("bounds = %v, want 1x2", got)
		}
		if out.NRGBAAt(0, 0) != red || out.NRGBAAt(0, 1) != blue {
			t.Errorf("rotate90: got top=%v bottom=%v, want red/blue", out.NRGBAAt(0, 0), out.NRGBAAt(0, 1))
		}
	})

	t.Run("rotate 270 cw", func(t *testing.T) {
		out := applyOrientation(src, 8).(*image.NRGBA)
		if out.NRGBAAt(0, 0) != blue || out.NRGBAAt(0, 1) != red {
			t.Errorf("rotate270: got top=%v bottom=%v, want blue/red", out.NRGBAAt(0, 0), out.NRGBAAt(0, 1))
		}
	})

	t.Run("rotate 180", func(t *testing.T) {
		out := applyOrientation(src, 3).(*image.NRGBA)
		if out.NRGBAAt(0, 0) != blue || out.NRGBAAt(1, 0) != red {
			t.Errorf("rotate180: got left=%v right=%v, want blue/red", out.NRGBAAt(0, 0), out.NRGBAAt(1, 0))
		}
	})

	t.Run("flip horizontal", func(t *testing.T) {
		out := applyOrientation(src, 2).(*image.NRGBA)
		if out.NRGBAAt(0, 0) != blue || out.NRGBAAt(1, 0) != red {
			t.Errorf("flipH: got left=%v right=%v, want blue/red", out.NRGBAAt(0, 0), out.NRGBAAt(1, 0))
		}
	})

	t.Run("normal is untouched", func(t *testing.T) {
		out := applyOrientation(src, 1)
		if out != image.Image(src) {
			t.Error("orientation 1 should return the source image unchanged")
		}
	})
}
