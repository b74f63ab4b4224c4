package facecodec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	face "github.com/Kagami/go-face"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/imageprocessor"
)

func TestDescriptorToEmbedding(t *testing.T) {
	var d face.Descriptor
	d[0] = 0.25
	d[127] = -1.5

	emb := descriptorToEmbedding(d)
	if len(emb) != 128 {
		t.Fatalf("expected 128 values, got %d", len(emb))
	}
	if emb[0] != 0.25 || emb[127] != -1.5 {
		t.Fatalf("unexpected values: %v %v", emb[0], emb[127])
	}
}

// TestEncodeWithModels runs only when FACE_MODELS_DIR points at the dlib
// models and FACE_TEST_IMAGE at a JPEG with one face.
func TestEncodeWithModels(t *testing.T) {
	modelsDir := os.Getenv("FACE_MODELS_DIR")
	imagePath := os.Getenv("FACE_TEST_IMAGE")
	if modelsDir == "" || imagePath == "" {
		t.Skip("FACE_MODELS_DIR and FACE_TEST_IMAGE not set")
	}
	if _, err := os.Stat(filepath.Join(modelsDir, "dlib_face_recognition_resnet_model_v1.dat")); err != nil {
		t.Skipf("models not available: %v", err)
	}

	codec, err := New(modelsDir, DetectorHOG, zap.NewNop())
	if err != nil {
		t.Fatalf("load models: %v", err)
	}
	defer codec.Close()

	data, err := os.ReadFile(imagePath)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	emb, err := codec.Encode(context.Background(), data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(emb) != 128 {
		t.Fatalf("expected 128-d embedding, got %d", len(emb))
	}

	_, err = codec.Encode(context.Background(), []byte("not a jpeg"))
	if !errors.Is(err, imageprocessor.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}
