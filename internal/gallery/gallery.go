// Package gallery keeps the registered face embeddings in memory, mirrors them
// to one embedding file and one metadata file per user, and answers
// nearest-neighbour queries with a linear scan.
package gallery

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/logging"
)

var (
	// ErrNotFound is returned when a user has no stored face data.
	ErrNotFound = errors.New("no face data found for user")
	// ErrEmptyGallery is returned by Recognize when nothing is registered.
	ErrEmptyGallery = errors.New("no registered faces found")
	// ErrNoMatch is returned by Recognize when no stored face is within tolerance.
	ErrNoMatch = errors.New("face not recognized")
	// ErrInvalidEmbedding rejects empty, non-finite or wrongly sized vectors.
	ErrInvalidEmbedding = errors.New("invalid face embedding")
	// ErrInvalidUserID rejects ids that cannot be used as file names.
	ErrInvalidUserID = errors.New("invalid user id")
)

// Match is the outcome of a successful recognition.
type Match struct {
	UserID     string
	Distance   float64
	Confidence float64
}

// Record describes one registered user.
type Record struct {
	UserID        string
	RegisteredAt  time.Time
	EncodingCount int
	Dimension     int
}

// Status is the registration state reported for a user id.
type Status struct {
	Registered    bool
	LastUpdated   *time.Time
	EncodingCount int
}

// Gallery is the in-memory embedding map plus its file-backed storage.
type Gallery struct {
	store     *fileStore
	tolerance float64
	logger    *zap.Logger
	now       func() time.Time

	userLocks *keyedMutex

	mu      sync.RWMutex
	faces   map[string]Embedding
	dim     int
	version uint64
}

// Option customizes a Gallery.
type Option func(*Gallery)

// WithClock overrides the time source used for registration timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gallery) { g.now = now }
}

// New creates a gallery rooted at dir. Call Load to populate it.
func New(dir string, tolerance float64, logger *zap.Logger, opts ...Option) *Gallery {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gallery{
		store:     &fileStore{dir: dir},
		tolerance: tolerance,
		logger:    logger.Named("gallery"),
		now:       time.Now,
		userLocks: newKeyedMutex(),
		faces:     make(map[string]Embedding),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open creates the gallery and loads it from disk.
func Open(dir string, tolerance float64, logger *zap.Logger, opts ...Option) (*Gallery, error) {
	g := New(dir, tolerance, logger, opts...)
	if err := g.Load(); err != nil {
		return nil, err
	}
	return g, nil
}

// Load replaces the in-memory map with every readable embedding file in the
// storage directory. Unreadable files are logged and skipped. Only failing to
// create or list the directory is an error.
func (g *Gallery) Load() error {
	if err := g.store.ensureDir(); err != nil {
		return logging.NewOperationError("gallery.load", "", err)
	}
	ids, err := g.store.embeddingFiles()
	if err != nil {
		return logging.NewOperationError("gallery.load", "", err)
	}
	sort.Slice(ids, func(i, j int) bool { return lessUserID(ids[i], ids[j]) })

	faces := make(map[string]Embedding, len(ids))
	dim := 0
	for _, id := range ids {
		emb, err := g.store.readEmbedding(id)
		if err != nil {
			g.logger.Error("skipping unreadable face encoding", zap.String("user_id", id), zap.Error(err))
			continue
		}
		if dim == 0 {
			dim = len(emb)
		} else if len(emb) != dim {
			g.logger.Warn("face encoding dimension differs from gallery",
				zap.String("user_id", id), zap.Int("dimension", len(emb)), zap.Int("expected", dim))
		}
		faces[id] = emb
		g.logger.Debug("loaded face encoding", zap.String("user_id", id))
	}

	g.mu.Lock()
	g.faces = faces
	g.dim = dim
	g.version++
	g.mu.Unlock()

	g.logger.Info("loaded face encodings", zap.Int("count", len(faces)), zap.String("dir", g.store.dir))
	return nil
}

// Register stores emb as the only face of userID, replacing any earlier one.
func (g *Gallery) Register(userID string, emb Embedding) (Record, error) {
	if err := ValidateUserID(userID); err != nil {
		return Record{}, err
	}
	if !emb.valid() {
		return Record{}, ErrInvalidEmbedding
	}

	unlock := g.userLocks.Lock(userID)
	defer unlock()

	g.mu.RLock()
	previous, existed := g.faces[userID]
	dim, count := g.dim, len(g.faces)
	g.mu.RUnlock()

	soleRecord := existed && count == 1
	if dim != 0 && len(emb) != dim && !soleRecord {
		return Record{}, fmt.Errorf("%w: dimension %d, gallery uses %d", ErrInvalidEmbedding, len(emb), dim)
	}

	registeredAt := g.now().UTC()
	stored := emb.clone()
	meta := metadata{
		UserID:        UserID(userID),
		RegisteredAt:  registeredAt.Format(time.RFC3339Nano),
		EncodingShape: []int{len(stored)},
		EncodingCount: 1,
	}
	if err := g.store.save(userID, stored, previous, meta); err != nil {
		g.logger.Error("failed to persist face encoding", zap.String("user_id", userID), zap.Error(err))
		return Record{}, logging.NewOperationError("gallery.register", "", err)
	}

	g.mu.Lock()
	g.faces[userID] = stored
	if g.dim == 0 || len(g.faces) == 1 {
		g.dim = len(stored)
	}
	g.version++
	g.mu.Unlock()

	g.logger.Info("face registered", zap.String("user_id", userID), zap.Bool("replaced", existed))
	return Record{
		UserID:        userID,
		RegisteredAt:  registeredAt,
		EncodingCount: 1,
		Dimension:     len(stored),
	}, nil
}

// Recognize returns the stored user closest to emb whose distance is within
// the tolerance. Equidistant candidates resolve to the lowest user id.
func (g *Gallery) Recognize(emb Embedding) (Match, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.faces) == 0 {
		return Match{}, ErrEmptyGallery
	}
	if !emb.valid() {
		return Match{}, ErrInvalidEmbedding
	}

	var (
		bestID   string
		bestDist = math.Inf(1)
		closest  = math.Inf(1)
	)
	for id, known := range g.faces {
		d, ok := EuclideanDistance(known, emb)
		if !ok {
			continue
		}
		closest = math.Min(closest, d)
		if d > g.tolerance {
			continue
		}
		if d < bestDist || (d == bestDist && lessUserID(id, bestID)) {
			bestID, bestDist = id, d
		}
	}

	if bestID == "" {
		g.logger.Debug("no face within tolerance", zap.Float64("closest_distance", closest), zap.Float64("tolerance", g.tolerance))
		return Match{}, ErrNoMatch
	}
	return Match{UserID: bestID, Distance: bestDist, Confidence: 1 - bestDist}, nil
}

// Status reports whether userID is registered and when it was last updated.
func (g *Gallery) Status(userID string) (Status, error) {
	if err := ValidateUserID(userID); err != nil {
		return Status{}, err
	}
	g.mu.RLock()
	_, ok := g.faces[userID]
	g.mu.RUnlock()
	if !ok {
		return Status{}, nil
	}

	status := Status{Registered: true, EncodingCount: 1}
	meta, err := g.store.readMeta(userID)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			g.logger.Error("failed to read face metadata", zap.String("user_id", userID), zap.Error(err))
		}
		return status, nil
	}
	if t, ok := meta.registeredAt(); ok {
		status.LastUpdated = &t
	}
	if meta.EncodingCount > 0 {
		status.EncodingCount = meta.EncodingCount
	}
	return status, nil
}

// Delete removes the user's embedding and metadata files and the in-memory
// entry. Each file is removed independently; ErrNotFound is returned only when
// neither file existed. The in-memory entry survives when the embedding file
// could not be removed, so memory keeps matching what Load would see.
func (g *Gallery) Delete(userID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}

	unlock := g.userLocks.Lock(userID)
	defer unlock()

	removed, embeddingGone, err := g.store.remove(userID)

	g.mu.Lock()
	_, inMemory := g.faces[userID]
	if embeddingGone {
		delete(g.faces, userID)
		if len(g.faces) == 0 {
			g.dim = 0
		}
	}
	if (inMemory && embeddingGone) || removed > 0 {
		g.version++
	}
	g.mu.Unlock()

	if err != nil {
		g.logger.Error("failed to delete face data", zap.String("user_id", userID), zap.Error(err))
		return logging.NewOperationError("gallery.delete", "", err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	g.logger.Info("face data deleted", zap.String("user_id", userID), zap.Int("files", removed))
	return nil
}

// List returns every registered user ordered by id.
func (g *Gallery) List() []Record {
	g.mu.RLock()
	records := make([]Record, 0, len(g.faces))
	for id, emb := range g.faces {
		records = append(records, Record{UserID: id, EncodingCount: 1, Dimension: len(emb)})
	}
	g.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return lessUserID(records[i].UserID, records[j].UserID) })
	for i := range records {
		meta, err := g.store.readMeta(records[i].UserID)
		if err != nil {
			continue
		}
		if t, ok := meta.registeredAt(); ok {
			records[i].RegisteredAt = t
		}
		if meta.EncodingCount > 0 {
			records[i].EncodingCount = meta.EncodingCount
		}
	}
	return records
}

// Len returns the number of registered users.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.faces)
}

// Version changes whenever the set of stored embeddings changes.
func (g *Gallery) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Tolerance returns the maximum accepted match distance.
func (g *Gallery) Tolerance() float64 { return g.tolerance }

// Dir returns the storage directory.
func (g *Gallery) Dir() string { return g.store.dir }

// UsageBytes returns the total size of the storage directory.
func (g *Gallery) UsageBytes() (int64, error) { return g.store.usageBytes() }
