package imageprocessor

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 92

// Frame is a decoded photo, re-encoded as baseline JPEG in RGB.
type Frame struct {
	JPEG   []byte
	Width  int
	Height int
	Format string // source format reported by image.Decode
}

// Decoder decodes base64 photos. Images whose longer edge exceeds MaxEdge
// are downscaled before re-encoding; zero disables resizing.
type Decoder struct {
	MaxEdge int
}

// StripDataURL removes a "data:image/...;base64," prefix, i.e. everything up
// to and including the first comma.
func StripDataURL(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}

// DecodeBase64 decodes a raw or data-URL base64 photo into a Frame.
func (d Decoder) DecodeBase64(payload string) (*Frame, error) {
	raw, err := decodeBase64(strings.TrimSpace(StripDataURL(payload)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return d.Decode(raw)
}

// Decode normalizes encoded image bytes into a Frame.
func (d Decoder) Decode(raw []byte) (*Frame, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	rgb := toRGB(img, d.MaxEdge)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	b := rgb.Bounds()
	return &Frame{JPEG: buf.Bytes(), Width: b.Dx(), Height: b.Dy(), Format: format}, nil
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty payload")
	}
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	// Browsers and mobile clients sometimes drop the padding.
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// toRGB flattens img onto an opaque white RGBA canvas, scaling it down so its
// longer edge is at most maxEdge.
func toRGB(img image.Image, maxEdge int) *image.RGBA {
	src := img.Bounds()
	w, h := src.Dx(), src.Dy()
	if maxEdge > 0 && (w > maxEdge || h > maxEdge) {
		if w >= h {
			h = max(1, h*maxEdge/w)
			w = maxEdge
		} else {
			w = max(1, w*maxEdge/h)
			h = maxEdge
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	if w == src.Dx() && h == src.Dy() {
		draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)
	}
	return dst
}
