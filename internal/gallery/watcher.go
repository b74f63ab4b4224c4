package gallery

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultWatchDebounce = 300 * time.Millisecond

// Watch keeps the in-memory map in sync with embedding files that other
// processes add, replace or remove in the storage directory. It blocks until
// ctx is cancelled. Events are debounced per file; once a file settles it is
// reloaded if present and dropped from memory otherwise.
func (g *Gallery) Watch(ctx context.Context) error {
	return g.watch(ctx, defaultWatchDebounce, nil)
}

func (g *Gallery) watch(ctx context.Context, debounce time.Duration, ready chan<- struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(g.store.dir); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			id, ok := userIDFromFile(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			mu.Lock()
			if t, exists := pending[id]; exists {
				t.Stop()
			}
			pending[id] = time.AfterFunc(debounce, func() {
				mu.Lock()
				delete(pending, id)
				mu.Unlock()
				g.syncFromDisk(id)
			})
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			g.logger.Warn("storage watcher error", zap.Error(err))
		}
	}
}

// syncFromDisk reloads a single user's embedding file into memory.
func (g *Gallery) syncFromDisk(userID string) {
	unlock := g.userLocks.Lock(userID)
	defer unlock()

	emb, err := g.store.readEmbedding(userID)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		g.mu.Lock()
		if _, ok := g.faces[userID]; ok {
			delete(g.faces, userID)
			if len(g.faces) == 0 {
				g.dim = 0
			}
			g.version++
			g.logger.Info("face encoding removed externally", zap.String("user_id", userID))
		}
		g.mu.Unlock()
	case err != nil:
		g.logger.Warn("skipping unreadable face encoding", zap.String("user_id", userID), zap.Error(err))
	default:
		g.mu.Lock()
		current, ok := g.faces[userID]
		if !ok || !equalEmbedding(current, emb) {
			g.faces[userID] = emb
			if g.dim == 0 {
				g.dim = len(emb)
			}
			g.version++
			g.logger.Info("face encoding reloaded", zap.String("user_id", userID))
		}
		g.mu.Unlock()
	}
}

func equalEmbedding(a, b Embedding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
