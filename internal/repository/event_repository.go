package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-attendance/internal/logging"
)

// Event actions recorded in the log.
const (
	ActionRegister  = "register"
	ActionRecognize = "recognize"
	ActionDelete    = "delete"
)

// FaceEvent is one register/recognize/delete outcome, kept as an attendance audit trail.
type FaceEvent struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;index;size:64"`
	Action     string    `gorm:"column:action;index;size:16"`
	UserID     string    `gorm:"column:user_id;index;size:128"`
	Success    bool      `gorm:"column:success"`
	Confidence float64   `gorm:"column:confidence"`
	Message    string    `gorm:"column:message;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (FaceEvent) TableName() string {
	return "face_events"
}

// RecognitionAggregation summarizes recognize events.
type RecognitionAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	AverageConfidence float64
}

// EventRepository persists face events with retries on transient failures.
type EventRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewEventRepository creates a new repository instance.
func NewEventRepository(db *gorm.DB, logger *zap.Logger) *EventRepository {
	return &EventRepository{
		db:             db,
		logger:         logger.Named("event_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *EventRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&FaceEvent{})
	})
}

// SaveEvent persists a face event.
func (r *EventRepository) SaveEvent(ctx context.Context, event *FaceEvent) error {
	return r.executeWithRetry(ctx, "repository.save_event", event.RequestID, func() error {
		return r.db.WithContext(ctx).Create(event).Error
	})
}

// AggregateRecognitions computes recognize totals, successes and the mean confidence of matches.
func (r *EventRepository) AggregateRecognitions(ctx context.Context) (*RecognitionAggregation, error) {
	var agg RecognitionAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_recognitions", "", func() error {
		return r.db.WithContext(ctx).
			Model(&FaceEvent{}).
			Where("action = ?", ActionRecognize).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(AVG(CASE WHEN success THEN confidence END), 0) AS average_confidence`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *EventRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	backoff := r.initialBackoff

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !logging.IsTransient(err) || attempt == attempts-1 {
			break
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}

	opLogger.Error("database operation failed", zap.Error(err))
	return logging.NewOperationError(operation, requestID, err)
}
