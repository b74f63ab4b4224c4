// Package facecodec computes 128-dimensional dlib face descriptors with
// go-face. It requires the dlib models shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat and, for the CNN detector,
// mmod_human_face_detector.dat in the models directory.
package facecodec

import (
	"context"
	"errors"
	"fmt"
	"sync"

	face "github.com/Kagami/go-face"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/imageprocessor"
	"github.com/example/face-attendance/internal/logging"
)

// Detector selects the dlib face detector.
type Detector string

const (
	// DetectorHOG is the fast histogram-of-gradients detector.
	DetectorHOG Detector = "hog"
	// DetectorCNN is the slower CNN detector, more accurate on rotated or small faces.
	DetectorCNN Detector = "cnn"
)

// Codec implements imageprocessor.Encoder on top of a dlib recognizer.
type Codec struct {
	mu       sync.Mutex // the dlib recognizer is not safe for concurrent use
	rec      *face.Recognizer
	detector Detector
	logger   *zap.Logger
}

// New loads the dlib models from modelsDir.
func New(modelsDir string, detector Detector, logger *zap.Logger) (*Codec, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, logging.NewOperationError("facecodec.load_models", "", fmt.Errorf("load models from %s: %w", modelsDir, err))
	}
	if detector == "" {
		detector = DetectorHOG
	}
	return &Codec{rec: rec, detector: detector, logger: logger.Named("facecodec")}, nil
}

// Encode returns the descriptor of the single face in the JPEG frame.
func (c *Codec) Encode(ctx context.Context, jpeg []byte) (gallery.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	var (
		faces []face.Face
		err   error
	)
	if c.detector == DetectorCNN {
		faces, err = c.rec.RecognizeCNN(jpeg)
	} else {
		faces, err = c.rec.Recognize(jpeg)
	}
	c.mu.Unlock()

	if err != nil {
		var loadErr face.ImageLoadError
		if errors.As(err, &loadErr) {
			return nil, fmt.Errorf("%w: %v", imageprocessor.ErrInvalidImage, err)
		}
		return nil, logging.NewOperationError("facecodec.recognize", "", err)
	}
	c.logger.Debug("faces detected", zap.Int("count", len(faces)), zap.String("detector", string(c.detector)))

	switch len(faces) {
	case 0:
		return nil, imageprocessor.ErrNoFace
	case 1:
		return descriptorToEmbedding(faces[0].Descriptor), nil
	default:
		return nil, imageprocessor.ErrMultipleFaces
	}
}

// Close releases the dlib models.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec != nil {
		c.rec.Close()
		c.rec = nil
	}
}

func descriptorToEmbedding(d face.Descriptor) gallery.Embedding {
	emb := make(gallery.Embedding, len(d))
	for i, v := range d {
		emb[i] = float64(v)
	}
	return emb
}
