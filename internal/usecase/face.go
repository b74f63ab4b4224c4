package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/imageprocessor"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/repository"
)

// EventLog defines the persistence operations needed by the use case.
type EventLog interface {
	SaveEvent(ctx context.Context, event *repository.FaceEvent) error
	AggregateRecognitions(ctx context.Context) (*repository.RecognitionAggregation, error)
}

// FaceUseCase encapsulates the register / recognize / status / delete flows.
type FaceUseCase struct {
	gallery        *gallery.Gallery
	decoder        imageprocessor.Decoder
	encoder        imageprocessor.Encoder
	cache          Cache
	cacheTTL       time.Duration
	events         EventLog
	host           HostProbe
	logger         *zap.Logger
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customizes a FaceUseCase.
type Option func(*FaceUseCase)

// WithCache enables the recognition cache.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(uc *FaceUseCase) {
		uc.cache = cache
		uc.cacheTTL = ttl
	}
}

// WithEventLog records every register, recognize and delete outcome.
func WithEventLog(events EventLog) Option {
	return func(uc *FaceUseCase) { uc.events = events }
}

// WithHostProbe replaces the gopsutil based host probe.
func WithHostProbe(probe HostProbe) Option {
	return func(uc *FaceUseCase) { uc.host = probe }
}

// WithClock overrides the time source used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(uc *FaceUseCase) { uc.now = now }
}

type cachedMatch struct {
	UserID     string  `json:"user_id"`
	Confidence float64 `json:"confidence"`
	Distance   float64 `json:"distance"`
}

// NewFaceUseCase constructs a new use case instance.
func NewFaceUseCase(g *gallery.Gallery, decoder imageprocessor.Decoder, encoder imageprocessor.Encoder, logger *zap.Logger, opts ...Option) *FaceUseCase {
	uc := &FaceUseCase{
		gallery:        g,
		decoder:        decoder,
		encoder:        encoder,
		host:           SystemProbe{},
		logger:         logger.Named("face_usecase"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Now returns the use case clock reading.
func (uc *FaceUseCase) Now() time.Time { return uc.now() }

// RegisteredFaces returns the gallery size.
func (uc *FaceUseCase) RegisteredFaces() int { return uc.gallery.Len() }

// Tolerance returns the configured recognition tolerance.
func (uc *FaceUseCase) Tolerance() float64 { return uc.gallery.Tolerance() }

// DataDir returns the embedding storage directory.
func (uc *FaceUseCase) DataDir() string { return uc.gallery.Dir() }

// RegisterFace decodes the photo, extracts the single face embedding and
// stores it for userID.
func (uc *FaceUseCase) RegisterFace(ctx context.Context, requestID, userID, photo string) (gallery.Record, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.register_face", requestID)

	if err := gallery.ValidateUserID(userID); err != nil {
		return gallery.Record{}, err
	}
	emb, err := uc.embed(ctx, photo)
	if err != nil {
		opLogger.Info("face registration rejected", zap.String("user_id", userID), zap.Error(err))
		uc.recordEvent(ctx, requestID, repository.ActionRegister, userID, false, 0, err.Error())
		return gallery.Record{}, err
	}

	rec, err := uc.gallery.Register(userID, emb)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.register_face", requestID, err)
		opLogger.Error("failed to register face", zap.String("user_id", userID), zap.Error(wrapped))
		uc.recordEvent(ctx, requestID, repository.ActionRegister, userID, false, 0, err.Error())
		return gallery.Record{}, wrapped
	}

	uc.recordEvent(ctx, requestID, repository.ActionRegister, userID, true, 0, "face registered successfully")
	return rec, nil
}

// RecognizeFace finds the registered user closest to the face in the photo.
func (uc *FaceUseCase) RecognizeFace(ctx context.Context, requestID, photo string) (gallery.Match, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.recognize_face", requestID)

	// A malformed photo is rejected before the gallery is consulted.
	frame, err := uc.decoder.DecodeBase64(photo)
	if err != nil {
		opLogger.Info("face recognition rejected", zap.Error(err))
		uc.recordEvent(ctx, requestID, repository.ActionRecognize, "", false, 0, err.Error())
		return gallery.Match{}, err
	}

	if uc.gallery.Len() == 0 {
		uc.recordEvent(ctx, requestID, repository.ActionRecognize, "", false, 0, gallery.ErrEmptyGallery.Error())
		return gallery.Match{}, gallery.ErrEmptyGallery
	}

	version := uc.gallery.Version()
	cacheKey := recognitionCacheKey(version, photoDigest(photo))
	if match, ok := uc.cachedMatch(ctx, requestID, cacheKey); ok {
		opLogger.Debug("recognition served from cache", zap.String("user_id", match.UserID))
		uc.recordEvent(ctx, requestID, repository.ActionRecognize, match.UserID, true, match.Confidence, "face recognized (cached)")
		return match, nil
	}

	emb, err := uc.encoder.Encode(ctx, frame.JPEG)
	if err != nil {
		opLogger.Info("face recognition rejected", zap.Error(err))
		uc.recordEvent(ctx, requestID, repository.ActionRecognize, "", false, 0, err.Error())
		return gallery.Match{}, err
	}

	match, err := uc.gallery.Recognize(emb)
	if err != nil {
		uc.recordEvent(ctx, requestID, repository.ActionRecognize, "", false, 0, err.Error())
		return gallery.Match{}, err
	}

	opLogger.Info("face recognized", zap.String("user_id", match.UserID), zap.Float64("confidence", match.Confidence))
	uc.storeMatch(ctx, requestID, cacheKey, match)
	uc.recordEvent(ctx, requestID, repository.ActionRecognize, match.UserID, true, match.Confidence, "face recognized successfully")
	return match, nil
}

// Status reports the registration state of userID.
func (uc *FaceUseCase) Status(ctx context.Context, userID string) (gallery.Status, error) {
	return uc.gallery.Status(userID)
}

// DeleteFace removes all face data of userID.
func (uc *FaceUseCase) DeleteFace(ctx context.Context, requestID, userID string) error {
	err := uc.gallery.Delete(userID)
	switch {
	case err == nil:
		uc.recordEvent(ctx, requestID, repository.ActionDelete, userID, true, 0, "face data deleted")
	case errors.Is(err, gallery.ErrNotFound), errors.Is(err, gallery.ErrInvalidUserID):
		uc.recordEvent(ctx, requestID, repository.ActionDelete, userID, false, 0, err.Error())
	default:
		err = logging.NewOperationError("usecase.delete_face", requestID, err)
		uc.recordEvent(ctx, requestID, repository.ActionDelete, userID, false, 0, err.Error())
	}
	return err
}

// ListFaces returns every registered user.
func (uc *FaceUseCase) ListFaces(ctx context.Context) []gallery.Record {
	return uc.gallery.List()
}

func (uc *FaceUseCase) embed(ctx context.Context, photo string) (gallery.Embedding, error) {
	frame, err := uc.decoder.DecodeBase64(photo)
	if err != nil {
		return nil, err
	}
	return uc.encoder.Encode(ctx, frame.JPEG)
}

func (uc *FaceUseCase) cachedMatch(ctx context.Context, requestID, key string) (gallery.Match, bool) {
	if uc.cache == nil {
		return gallery.Match{}, false
	}
	var value string
	err := uc.withRedisRetry(ctx, requestID, "cache.get.recognition", func() error {
		v, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			logging.WithOperation(uc.logger, "usecase.recognize_face", requestID).Warn("failed to read recognition cache", zap.Error(err))
		}
		return gallery.Match{}, false
	}

	var payload cachedMatch
	if err := json.Unmarshal([]byte(value), &payload); err != nil || payload.UserID == "" {
		logging.WithOperation(uc.logger, "usecase.recognize_face", requestID).Warn("failed to decode cached recognition", zap.Error(err))
		return gallery.Match{}, false
	}
	return gallery.Match{UserID: payload.UserID, Confidence: payload.Confidence, Distance: payload.Distance}, true
}

func (uc *FaceUseCase) storeMatch(ctx context.Context, requestID, key string, match gallery.Match) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(cachedMatch{UserID: match.UserID, Confidence: match.Confidence, Distance: match.Distance})
	if err != nil {
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.recognition", func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.recognize_face", requestID).Warn("failed to cache recognition", zap.Error(err))
	}
}

// recordEvent writes to the event log when one is configured. Failures are
// logged and never fail the request.
func (uc *FaceUseCase) recordEvent(ctx context.Context, requestID, action, userID string, success bool, confidence float64, message string) {
	if uc.events == nil {
		return
	}
	event := &repository.FaceEvent{
		RequestID:  requestID,
		Action:     action,
		UserID:     userID,
		Success:    success,
		Confidence: confidence,
		Message:    message,
		CreatedAt:  uc.now().UTC(),
	}
	if err := uc.events.SaveEvent(ctx, event); err != nil {
		logging.WithOperation(uc.logger, "usecase.record_event", requestID).Warn("failed to record face event", zap.String("action", action), zap.Error(err))
	}
}

func (uc *FaceUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < max(1, uc.retryAttempts); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrCacheMiss) {
			return err
		}
		if !logging.IsTransient(err) {
			break
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func photoDigest(photo string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(imageprocessor.StripDataURL(photo))))
	return hex.EncodeToString(sum[:])
}
