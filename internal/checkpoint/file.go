package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/google/uuid"
)

const (
	metaFile     = "checkpoint.json"
	outcomesFile = "outcomes.json"
)

// FileStore keeps each checkpoint in its own directory under dir.
type FileStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir, logger: orDefault(logger), now: time.Now}, nil
}

func (s *FileStore) path(id, name string) string {
	return filepath.Join(s.dir, id, name)
}

// Save implements core.CheckpointStore.
func (s *FileStore) Save(ctx context.Context, cp *core.Checkpoint, partial bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *core.Checkpoint
	if cp.ID != "" {
		var err error
		if prev, err = s.readMeta(cp.ID); err != nil {
			return "", err
		}
	}

	rec := merge(prev, cp, partial, s.now().UTC())
	if prev == nil {
		if err := os.MkdirAll(filepath.Join(s.dir, rec.ID), 0o755); err != nil {
			return "", fmt.Errorf("create checkpoint %s: %w", rec.ID, err)
		}
	}

	// Outcomes first so a crash between the writes never leaves counts
	// ahead of the entries they summarize.
	if !partial {
		entries, err := encodeOutcomes(rec.Outcomes)
		if err != nil {
			return "", err
		}
		raw := make(map[string]json.RawMessage, len(entries))
		for k, v := range entries {
			raw[k] = v
		}
		if err := writeJSONAtomic(s.path(rec.ID, outcomesFile), raw); err != nil {
			return "", err
		}
	}
	if err := writeJSONAtomic(s.path(rec.ID, metaFile), rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Load implements core.CheckpointStore.
func (s *FileStore) Load(ctx context.Context, id string) (*core.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.readMeta(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(id, outcomesFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cp, nil
	case err != nil:
		return nil, fmt.Errorf("read outcomes %s: %w", id, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("outcomes file unreadable, resuming without outcomes", "checkpoint_id", id, "error", err)
		return cp, nil
	}
	entries := make(map[string][]byte, len(raw))
	for k, v := range raw {
		entries[k] = v
	}
	cp.Outcomes = decodeOutcomes(s.logger, id, entries)
	return cp, nil
}

// List implements core.CheckpointStore. Directories without a readable
// checkpoint.json are skipped.
func (s *FileStore) List(ctx context.Context) ([]core.CheckpointSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	out := make([]core.CheckpointSummary, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cp, err := s.readMeta(e.Name())
		if err != nil {
			s.logger.Warn("skipping checkpoint", "dir", e.Name(), "error", err)
			continue
		}
		out = append(out, cp.Summary())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Delete removes a checkpoint and its outcomes.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMeta(id); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.dir, id)); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) readMeta(id string) (*core.Checkpoint, error) {
	// Ids double as directory names.
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound(id)
	}

	data, err := os.ReadFile(s.path(id, metaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
	}

	var cp core.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	cp.ID = id
	return &cp, nil
}

// writeJSONAtomic writes v to a temp file next to path and renames it into
// place.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
