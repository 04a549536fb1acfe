package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
)

const (
	threadFile    = "thread.json"
	artifactsFile = "artifacts.json"
	// ArtifactsDir is the per-thread directory tools write into.
	ArtifactsDir = "artifacts"
)

// FileStore keeps each thread in data_dir/threads/<id>/.
type FileStore struct {
	root   string
	logger *logging.Logger
}

// NewFileStore creates dataDir/threads if needed.
func NewFileStore(dataDir string, logger *logging.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	root := filepath.Join(dataDir, "threads")
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", root, err)
	}
	if err := loadSchemas(); err != nil {
		return nil, err
	}
	return &FileStore{root: root, logger: logger.Named("store")}, nil
}

// ThreadDir returns the directory holding a thread's snapshots.
func (s *FileStore) ThreadDir(id string) string { return filepath.Join(s.root, id) }

// ArtifactDir returns the directory tools write a thread's files into,
// creating it if needed.
func (s *FileStore) ArtifactDir(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	dir := filepath.Join(s.ThreadDir(id), ArtifactsDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *FileStore) LoadThread(_ context.Context, id string) (session.ThreadState, error) {
	if err := checkID(id); err != nil {
		return session.ThreadState{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.ThreadDir(id), threadFile))
	if errors.Is(err, os.ErrNotExist) {
		return session.ThreadState{}, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return session.ThreadState{}, err
	}
	return decodeThread(id, data)
}

func (s *FileStore) SaveThread(_ context.Context, st session.ThreadState) error {
	if err := checkID(st.ID); err != nil {
		return err
	}
	data, err := encodeThread(st)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.ThreadDir(st.ID), threadFile), data)
}

// LoadArtifacts returns nil for a thread without a snapshot.
func (s *FileStore) LoadArtifacts(_ context.Context, id string) ([]artifacts.Record, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.ThreadDir(id), artifactsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeArtifacts(id, data)
}

func (s *FileStore) SaveArtifacts(_ context.Context, id string, recs []artifacts.Record) error {
	if err := checkID(id); err != nil {
		return err
	}
	data, err := encodeArtifacts(id, recs)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.ThreadDir(id), artifactsFile), data)
}

// ThreadIDs lists every thread directory, sorted.
func (s *FileStore) ThreadIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && checkID(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListThreads skips threads whose snapshot is missing. Threads with a
// corrupt snapshot are listed with Corrupt set so they can still be deleted.
func (s *FileStore) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	ids, err := s.ThreadIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ThreadSummary, 0, len(ids))
	for _, id := range ids {
		st, err := s.LoadThread(ctx, id)
		switch {
		case err == nil:
			out = append(out, summarize(st))
		case errors.Is(err, ErrThreadNotFound):
		case errors.Is(err, faults.ErrSnapshotCorrupt):
			s.logger.Warn(ctx, "corrupt thread snapshot", zap.String("thread_id", id), zap.Error(err))
			sum := ThreadSummary{ID: id, Corrupt: true}
			if fi, err := os.Stat(filepath.Join(s.ThreadDir(id), threadFile)); err == nil {
				sum.UpdatedAt = fi.ModTime()
			}
			out = append(out, sum)
		default:
			return nil, err
		}
	}
	sortSummaries(out)
	return out, nil
}

// DeleteThread removes the thread directory, including any files left in
// its artifacts directory.
func (s *FileStore) DeleteThread(_ context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	dir := s.ThreadDir(id)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return os.RemoveAll(dir)
}

func (s *FileStore) Close() error { return nil }

// writeAtomic replaces path with data via a synced temp file and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
