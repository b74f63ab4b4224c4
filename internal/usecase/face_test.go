package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/imageprocessor"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/repository"
)

type stubEncoder struct {
	queue []gallery.Embedding
	err   error
	calls int
}

func (s *stubEncoder) Encode(ctx context.Context, jpeg []byte) (gallery.Embedding, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.queue) == 0 {
		return nil, imageprocessor.ErrNoFace
	}
	emb := s.queue[0]
	s.queue = s.queue[1:]
	return emb, nil
}

type stubCache struct {
	values  map[string]string
	setErrs []error
	getErrs []error
	setKeys []string
	getKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: make(map[string]string)}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	v, ok := s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

type stubEvents struct {
	saved   []*repository.FaceEvent
	saveErr error
	agg     *repository.RecognitionAggregation
	aggErr  error
}

func (s *stubEvents) SaveEvent(ctx context.Context, event *repository.FaceEvent) error {
	s.saved = append(s.saved, event)
	return s.saveErr
}

func (s *stubEvents) AggregateRecognitions(ctx context.Context) (*repository.RecognitionAggregation, error) {
	return s.agg, s.aggErr
}

type stubProbe struct {
	usage HostUsage
	err   error
	path  string
}

func (s *stubProbe) Usage(ctx context.Context, diskPath string) (HostUsage, error) {
	s.path = diskPath
	return s.usage, s.err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func testPhoto(t *testing.T, shade uint8) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.Set(0, 0, color.RGBA{R: shade, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode photo: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func emb(values ...float64) gallery.Embedding {
	e := make(gallery.Embedding, 128)
	copy(e, values)
	return e
}

func newTestUseCase(t *testing.T, enc imageprocessor.Encoder, opts ...Option) (*FaceUseCase, *gallery.Gallery) {
	t.Helper()
	g, err := gallery.Open(t.TempDir(), 0.6, zap.NewNop())
	if err != nil {
		t.Fatalf("open gallery: %v", err)
	}
	uc := NewFaceUseCase(g, imageprocessor.Decoder{}, enc, zap.NewNop(), opts...)
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc, g
}

func TestRegisterFaceStoresEmbedding(t *testing.T) {
	events := &stubEvents{}
	enc := &stubEncoder{queue: []gallery.Embedding{emb(0.1)}}
	uc, g := newTestUseCase(t, enc, WithEventLog(events))

	rec, err := uc.RegisterFace(context.Background(), "req-1", "7", testPhoto(t, 10))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if rec.UserID != "7" || g.Len() != 1 {
		t.Fatalf("unexpected record %+v, gallery size %d", rec, g.Len())
	}
	if len(events.saved) != 1 || !events.saved[0].Success || events.saved[0].Action != repository.ActionRegister {
		t.Fatalf("expected one successful register event, got %+v", events.saved)
	}
	if events.saved[0].RequestID != "req-1" {
		t.Fatalf("unexpected request id %q", events.saved[0].RequestID)
	}
}

func TestRegisterFaceRejectsInvalidImage(t *testing.T) {
	enc := &stubEncoder{queue: []gallery.Embedding{emb(0.1)}}
	uc, g := newTestUseCase(t, enc)

	_, err := uc.RegisterFace(context.Background(), "req-2", "7", "data:image/png;base64,bm90IGFuIGltYWdl")
	if !errors.Is(err, imageprocessor.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if enc.calls != 0 {
		t.Fatalf("encoder should not run for undecodable photos")
	}
	if g.Len() != 0 {
		t.Fatalf("nothing should be stored")
	}
}

func TestRegisterFaceRejectsInvalidUserID(t *testing.T) {
	enc := &stubEncoder{queue: []gallery.Embedding{emb(0.1)}}
	uc, _ := newTestUseCase(t, enc)

	_, err := uc.RegisterFace(context.Background(), "req-3", "../7", testPhoto(t, 10))
	if !errors.Is(err, gallery.ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if enc.calls != 0 {
		t.Fatalf("encoder should not run for invalid ids")
	}
}

func TestRegisterFacePropagatesDetectionErrors(t *testing.T) {
	events := &stubEvents{}
	uc, g := newTestUseCase(t, &stubEncoder{err: imageprocessor.ErrMultipleFaces}, WithEventLog(events))

	_, err := uc.RegisterFace(context.Background(), "req-4", "7", testPhoto(t, 10))
	if !errors.Is(err, imageprocessor.ErrMultipleFaces) {
		t.Fatalf("expected ErrMultipleFaces, got %v", err)
	}
	if g.Len() != 0 {
		t.Fatalf("nothing should be stored")
	}
	if len(events.saved) != 1 || events.saved[0].Success {
		t.Fatalf("expected one failed event, got %+v", events.saved)
	}
}

func TestRegisterFaceIgnoresEventLogFailure(t *testing.T) {
	events := &stubEvents{saveErr: errors.New("db down")}
	uc, _ := newTestUseCase(t, &stubEncoder{queue: []gallery.Embedding{emb(0.1)}}, WithEventLog(events))

	if _, err := uc.RegisterFace(context.Background(), "req-5", "7", testPhoto(t, 10)); err != nil {
		t.Fatalf("event log failures must not fail registration: %v", err)
	}
}

func TestRecognizeFaceEmptyGallerySkipsEncoding(t *testing.T) {
	enc := &stubEncoder{queue: []gallery.Embedding{emb(0.1)}}
	uc, _ := newTestUseCase(t, enc)

	_, err := uc.RecognizeFace(context.Background(), "req-6", testPhoto(t, 10))
	if !errors.Is(err, gallery.ErrEmptyGallery) {
		t.Fatalf("expected ErrEmptyGallery, got %v", err)
	}
	if enc.calls != 0 {
		t.Fatalf("expected no encoder call, got %d", enc.calls)
	}
}

func TestRecognizeFaceRejectsInvalidImageOnEmptyGallery(t *testing.T) {
	enc := &stubEncoder{}
	uc, _ := newTestUseCase(t, enc)

	_, err := uc.RecognizeFace(context.Background(), "req-6b", "@@@@")
	if !errors.Is(err, imageprocessor.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if enc.calls != 0 {
		t.Fatalf("expected no encoder call, got %d", enc.calls)
	}
}

func TestRecognizeFaceMatchesRegisteredUser(t *testing.T) {
	events := &stubEvents{}
	enc := &stubEncoder{queue: []gallery.Embedding{emb(), emb(0.4)}}
	uc, _ := newTestUseCase(t, enc, WithEventLog(events))

	if _, err := uc.RegisterFace(context.Background(), "req-7", "7", testPhoto(t, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	match, err := uc.RecognizeFace(context.Background(), "req-8", testPhoto(t, 20))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if match.UserID != "7" {
		t.Fatalf("expected user 7, got %q", match.UserID)
	}
	last := events.saved[len(events.saved)-1]
	if last.Action != repository.ActionRecognize || last.UserID != "7" || !last.Success {
		t.Fatalf("unexpected recognize event %+v", last)
	}
}

func TestRecognizeFaceNoMatch(t *testing.T) {
	enc := &stubEncoder{queue: []gallery.Embedding{emb(), emb(5)}}
	uc, _ := newTestUseCase(t, enc)

	if _, err := uc.RegisterFace(context.Background(), "req-9", "7", testPhoto(t, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := uc.RecognizeFace(context.Background(), "req-10", testPhoto(t, 20))
	if !errors.Is(err, gallery.ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestRecognizeFaceServesRepeatedPhotoFromCache(t *testing.T) {
	cache := newStubCache()
	enc := &stubEncoder{queue: []gallery.Embedding{emb(), emb(0.1), emb(3), emb(0.1)}}
	uc, _ := newTestUseCase(t, enc, WithCache(cache, time.Minute))
	ctx := context.Background()
	photo := testPhoto(t, 20)

	if _, err := uc.RegisterFace(ctx, "r1", "7", testPhoto(t, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	first, err := uc.RecognizeFace(ctx, "r2", photo)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	second, err := uc.RecognizeFace(ctx, "r3", photo)
	if err != nil {
		t.Fatalf("recognize cached: %v", err)
	}
	if enc.calls != 2 {
		t.Fatalf("expected cached second recognition, encoder calls = %d", enc.calls)
	}
	if first != second {
		t.Fatalf("cached match differs: %+v vs %+v", first, second)
	}

	// A new registration changes the gallery version and bypasses old entries.
	if _, err := uc.RegisterFace(ctx, "r4", "9", testPhoto(t, 30)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := uc.RecognizeFace(ctx, "r5", photo); err != nil {
		t.Fatalf("recognize after mutation: %v", err)
	}
	if enc.calls != 4 {
		t.Fatalf("expected cache bypass after mutation, encoder calls = %d", enc.calls)
	}
}

func TestRecognizeFaceRetriesTransientCacheErrors(t *testing.T) {
	cache := newStubCache()
	cache.getErrs = []error{transientRedisError{}}
	cache.setErrs = []error{transientRedisError{}}
	enc := &stubEncoder{queue: []gallery.Embedding{emb(), emb(0.1)}}
	uc, _ := newTestUseCase(t, enc, WithCache(cache, time.Minute))
	ctx := context.Background()

	if _, err := uc.RegisterFace(ctx, "r1", "7", testPhoto(t, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := uc.RecognizeFace(ctx, "r2", testPhoto(t, 20)); err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if len(cache.getKeys) != 2 || cache.getKeys[0] != cache.getKeys[1] {
		t.Fatalf("expected get retry on the same key, got %v", cache.getKeys)
	}
	if len(cache.setKeys) != 2 || len(cache.values) != 1 {
		t.Fatalf("expected set retry to store the match, keys %v values %d", cache.setKeys, len(cache.values))
	}
}

func TestRecognizeFaceIgnoresCacheFailure(t *testing.T) {
	cache := newStubCache()
	cache.getErrs = []error{errors.New("connection refused")}
	cache.setErrs = []error{errors.New("connection refused")}
	enc := &stubEncoder{queue: []gallery.Embedding{emb(), emb(0.1)}}
	uc, _ := newTestUseCase(t, enc, WithCache(cache, time.Minute))

	if _, err := uc.RegisterFace(context.Background(), "r1", "7", testPhoto(t, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	match, err := uc.RecognizeFace(context.Background(), "r2", testPhoto(t, 20))
	if err != nil {
		t.Fatalf("cache failures must not fail recognition: %v", err)
	}
	if match.UserID != "7" {
		t.Fatalf("unexpected match %+v", match)
	}
}

func TestDeleteFace(t *testing.T) {
	events := &stubEvents{}
	uc, g := newTestUseCase(t, &stubEncoder{queue: []gallery.Embedding{emb()}}, WithEventLog(events))
	ctx := context.Background()

	if _, err := uc.RegisterFace(ctx, "r1", "7", testPhoto(t, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := uc.DeleteFace(ctx, "r2", "7"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if g.Len() != 0 {
		t.Fatalf("expected empty gallery")
	}
	err := uc.DeleteFace(ctx, "r3", "7")
	if !errors.Is(err, gallery.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var opErr *logging.OperationError
	if errors.As(err, &opErr) {
		t.Fatalf("not found is an expected outcome, not an operation error")
	}
	if len(events.saved) != 3 || events.saved[2].Success {
		t.Fatalf("unexpected events %+v", events.saved)
	}
}
