// Package imaging implements the decode/resize/encode pipeline behind the
// image transform endpoint.
package imaging

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // registers the webp decoder
)

// DefaultQuality is the encode quality used when the request omits one.
const DefaultQuality = 85

var (
	// ErrUnsupportedSource is returned when the payload does not decode as a
	// supported raster format.
	ErrUnsupportedSource = errors.New("imaging: unsupported source format")

	// ErrUnsupportedTarget is returned for target formats with no encoder
	// (webp and anything unrecognized).
	ErrUnsupportedTarget = errors.New("imaging: unsupported target format")
)

// Options describes one transform request. Zero Width/Height preserve the
// source dimension; an empty Format re-encodes to the source codec.
type Options struct {
	Width   int
	Height  int
	Format  string
	Quality int
}

// Normalize clamps quality into 1..100 (defaulting when unset), lowercases
// the target format, and maps the jpg alias to jpeg.
func (o Options) Normalize() Options {
	if o.Quality == 0 {
		o.Quality = DefaultQuality
	}
	if o.Quality < 1 {
		o.Quality = 1
	}
	if o.Quality > 100 {
		o.Quality = 100
	}
	if o.Width < 0 {
		o.Width = 0
	}
	if o.Height < 0 {
		o.Height = 0
	}
	o.Format = strings.ToLower(o.Format)
	if o.Format == "jpg" {
		o.Format = "jpeg"
	}
	return o
}

// CacheKey derives the cache fingerprint for one (object, options) pair.
// Callers prepend the keyspace prefix.
func CacheKey(objectID string, o Options) string {
	o = o.Normalize()
	w := "auto"
	if o.Width > 0 {
		w = strconv.Itoa(o.Width)
	}
	h := "auto"
	if o.Height > 0 {
		h = strconv.Itoa(o.Height)
	}
	f := "orig"
	if o.Format != "" {
		f = o.Format
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s:w%s:h%s:f%s:q%d", objectID, w, h, f, o.Quality)))
	return hex.EncodeToString(sum[:])
}

// TransformableSource reports whether a stored mime type is accepted by the
// transform endpoint. SVG is accepted but passed through unmodified.
func TransformableSource(mimeType string) bool {
	switch mimeType {
	case "image/png", "image/jpeg", "image/gif", "image/webp", "image/svg+xml":
		return true
	}
	return false
}

// MimeType returns the content type for an encoded format name.
func MimeType(format string) string {
	return "image/" + format
}

// Transform decodes the source image, applies EXIF orientation, resizes, and
// re-encodes. It returns the encoded bytes and the output format name.
func Transform(src io.Reader, o Options) ([]byte, string, error) {
	o = o.Normalize()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, "", fmt.Errorf("read source: %w", err)
	}

	img, srcFormat, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", ErrUnsupportedSource
	}

	// Camera JPEGs encode their rotation as EXIF metadata rather than
	// rotated pixels.
	if srcFormat == "jpeg" {
		img = applyOrientation(img, Orientation(data))
	}

	if o.Width > 0 || o.Height > 0 {
		img = resize(img, o.Width, o.Height)
	}

	target := o.Format
	if target == "" {
		target = srcFormat
	}
	// There is no webp encoder; unspecified webp targets fall back to png.
	if target == "webp" {
		if o.Format == "" {
			target = "png"
		} else {
			return nil, "", ErrUnsupportedTarget
		}
	}

	encoded, err := encode(img, target, o.Quality)
	if err != nil {
		return nil, "", err
	}
	return encoded, target, nil
}

// resize scales img to the requested dimensions. A single provided dimension
// preserves the aspect ratio.
func resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	if srcW == 0 || srcH == 0 {
		return img
	}

	switch {
	case width > 0 && height > 0:
		// Both fixed; callers own the aspect ratio.
	case width > 0:
		height = srcH * width / srcW
	case height > 0:
		width = srcW * height / srcH
	}
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	if width == srcW && height == srcH {
		return img
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// encode serializes img in the target format. Quality applies to jpeg only.
func encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case "gif":
		if err := gif.Encode(&buf, img, &gif.Options{NumColors: 256}); err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
	default:
		return nil, ErrUnsupportedTarget
	}
	return buf.Bytes(), nil
}

// applyOrientation bakes an EXIF orientation (1..8) into the pixel data.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return flipH(img)
	case 3:
		return rotate180(img)
	case 4:
		return flipV(img)
	case 5:
		return transpose(img)
	case 6:
		return rotate90(img)
	case 7:
		return transverse(img)
	case 8:
		return rotate270(img)
	default:
		return img
	}
}

// remap builds a w×h destination and fills it pixel-by-pixel from src
// through the coordinate mapping fn(dstX, dstY) = (srcX, srcY).
func remap(src image.Image, w, h int, fn func(x, y int) (int, int)) image.Image {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := fn(x, y)
			dst.Set(x, y, src.At(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return dst
}

func flipH(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	return remap(src, w, h, func(x, y int) (int, int) { return w - 1 - x, y })
}

func flipV(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	return remap(src, w, h, func(x, y int) (int, int) { return x, h - 1 - y })
}

func rotate90(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	// 90 degrees clockwise: destination is h×w.
	return remap(src, h, w, func(x, y int) (int, int) { return y, h - 1 - x })
}

func rotate180(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	return remap(src, w, h, func(x, y int) (int, int) { return w - 1 - x, h - 1 - y })
}

func rotate270(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	// 270 degrees clockwise: destination is h×w.
	return remap(src, h, w, func(x, y int) (int, int) { return w - 1 - y, x })
}

// transpose mirrors across the top-left to bottom-right diagonal.
func transpose(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	return remap(src, h, w, func(x, y int) (int, int) { return y, x })
}

// transverse mirrors across the bottom-left to top-right diagonal.
func transverse(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	return remap(src, h, w, func(x, y int) (int, int) { return w - 1 - y, h - 1 - x })
}
