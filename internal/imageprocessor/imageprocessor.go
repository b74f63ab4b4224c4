// Package imageprocessor turns submitted photos into face embeddings. It
// decodes base64 payloads into normalized JPEG frames and defines the Encoder
// contract implemented by the face embedding backend.
package imageprocessor

import (
	"context"
	"errors"

	"github.com/example/face-attendance/internal/gallery"
)

var (
	// ErrInvalidImage is returned for payloads that are not decodable images.
	ErrInvalidImage = errors.New("invalid image format")
	// ErrNoFace is returned when the frame contains no detectable face.
	ErrNoFace = errors.New("no face detected in image")
	// ErrMultipleFaces is returned when more than one face is visible.
	ErrMultipleFaces = errors.New("multiple faces detected, please ensure only one face is visible")
)

// Encoder produces the embedding of the single face visible in a JPEG frame.
// Implementations return ErrNoFace or ErrMultipleFaces when the frame does not
// contain exactly one face.
type Encoder interface {
	Encode(ctx context.Context, jpeg []byte) (gallery.Embedding, error)
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(ctx context.Context, jpeg []byte) (gallery.Embedding, error)

// Encode calls f.
func (f EncoderFunc) Encode(ctx context.Context, jpeg []byte) (gallery.Embedding, error) {
	return f(ctx, jpeg)
}
