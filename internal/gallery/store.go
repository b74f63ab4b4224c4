package gallery

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sbinet/npyio"
)

const (
	embeddingExt = ".npy"
	metaSuffix   = "_meta.json"
)

// metadata is the per-user JSON record stored next to the embedding file.
type metadata struct {
	UserID        UserID `json:"user_id"`
	RegisteredAt  string `json:"registered_at"`
	EncodingShape []int  `json:"encoding_shape"`
	EncodingCount int    `json:"encoding_count"`
}

// registeredAt parses the timestamp. Records written by the Python service
// carry no zone offset and are read as local time.
func (m metadata) registeredAt() (time.Time, bool) {
	if m.RegisteredAt == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, m.RegisteredAt); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", m.RegisteredAt, time.Local); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// fileStore owns the on-disk layout: <dir>/<id>.npy and <dir>/<id>_meta.json.
type fileStore struct {
	dir string
}

func (s *fileStore) embeddingPath(userID string) string {
	return filepath.Join(s.dir, userID+embeddingExt)
}

func (s *fileStore) metaPath(userID string) string {
	return filepath.Join(s.dir, userID+metaSuffix)
}

// userIDFromFile maps a directory entry to its user id. Hidden files (our
// temp files) and anything that is not an embedding are ignored.
func userIDFromFile(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, embeddingExt) {
		return "", false
	}
	id := strings.TrimSuffix(name, embeddingExt)
	if ValidateUserID(id) != nil {
		return "", false
	}
	return id, true
}

func (s *fileStore) ensureDir() error {
	return os.MkdirAll(s.dir, 0o755)
}

// embeddingFiles lists user ids with an embedding file, in directory order.
func (s *fileStore) embeddingFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := userIDFromFile(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fileStore) readEmbedding(userID string) (Embedding, error) {
	f, err := os.Open(s.embeddingPath(userID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var values []float64
	if err := npyio.Read(bufio.NewReader(f), &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(f.Name()), err)
	}
	emb := Embedding(values)
	if !emb.valid() {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(f.Name()), ErrInvalidEmbedding)
	}
	return emb, nil
}

func (s *fileStore) readMeta(userID string) (metadata, error) {
	var meta metadata
	data, err := os.ReadFile(s.metaPath(userID))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode %s: %w", filepath.Base(s.metaPath(userID)), err)
	}
	return meta, nil
}

// save writes the embedding and metadata through temp files and renames them
// into place. If the metadata cannot be installed, the embedding file is
// restored to previous (or removed when there was none) so a failed call
// leaves no new state behind.
func (s *fileStore) save(userID string, emb, previous Embedding, meta metadata) error {
	embTmp, err := s.writeTemp(userID+embeddingExt, func(w io.Writer) error {
		return npyio.Write(w, []float64(emb))
	})
	if err != nil {
		return fmt.Errorf("write embedding: %w", err)
	}
	metaTmp, err := s.writeTemp(userID+metaSuffix, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(meta)
	})
	if err != nil {
		os.Remove(embTmp)
		return fmt.Errorf("write metadata: %w", err)
	}

	if err := os.Rename(embTmp, s.embeddingPath(userID)); err != nil {
		os.Remove(embTmp)
		os.Remove(metaTmp)
		return fmt.Errorf("install embedding: %w", err)
	}
	if err := os.Rename(metaTmp, s.metaPath(userID)); err != nil {
		os.Remove(metaTmp)
		if rbErr := s.rollbackEmbedding(userID, previous); rbErr != nil {
			return errors.Join(fmt.Errorf("install metadata: %w", err), fmt.Errorf("rollback embedding: %w", rbErr))
		}
		return fmt.Errorf("install metadata: %w", err)
	}
	return nil
}

func (s *fileStore) rollbackEmbedding(userID string, previous Embedding) error {
	if previous == nil {
		err := os.Remove(s.embeddingPath(userID))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	tmp, err := s.writeTemp(userID+embeddingExt, func(w io.Writer) error {
		return npyio.Write(w, []float64(previous))
	})
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.embeddingPath(userID)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) writeTemp(name string, write func(io.Writer) error) (string, error) {
	f, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// remove deletes both files independently and reports how many existed.
// embeddingGone is false only when the embedding file could not be removed.
func (s *fileStore) remove(userID string) (removed int, embeddingGone bool, err error) {
	embeddingGone = true
	var errs []error
	for i, path := range []string{s.embeddingPath(userID), s.metaPath(userID)} {
		err := os.Remove(path)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, fs.ErrNotExist):
		default:
			if i == 0 {
				embeddingGone = false
			}
			errs = append(errs, err)
		}
	}
	return removed, embeddingGone, errors.Join(errs...)
}

// usageBytes sums the size of regular files in the storage directory.
func (s *fileStore) usageBytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
