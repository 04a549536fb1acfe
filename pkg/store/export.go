package store

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
)

// ExportThread writes a zip of the thread's snapshots and artifact files
// to w.
func (s *FileStore) ExportThread(ctx context.Context, id string, w io.Writer) error {
	return Export(ctx, s, s, id, w)
}

// Export writes a zip of one thread: the snapshots as p stores them and the
// files under the thread's artifacts directory in files. Entries are rooted
// at <id>/.
func Export(ctx context.Context, p Persistence, files *FileStore, id string, w io.Writer) error {
	if err := checkID(id); err != nil {
		return err
	}
	st, err := p.LoadThread(ctx, id)
	if err != nil {
		return err
	}
	recs, err := p.LoadArtifacts(ctx, id)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	if err := exportFiles(ctx, zw, id, st, recs, files); err != nil {
		_ = zw.Close()
		return fmt.Errorf("store: export %s: %w", id, err)
	}
	return zw.Close()
}

// Snapshots returns the thread's snapshots encoded as they are persisted,
// keyed by file name. The artifacts snapshot is included even when the thread
// has none.
func Snapshots(ctx context.Context, p Persistence, id string) (map[string][]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	st, err := p.LoadThread(ctx, id)
	if err != nil {
		return nil, err
	}
	recs, err := p.LoadArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	thread, err := encodeThread(st)
	if err != nil {
		return nil, err
	}
	arts, err := encodeArtifacts(id, recs)
	if err != nil {
		return nil, err
	}
	return map[string][]byte{threadFile: thread, artifactsFile: arts}, nil
}

func exportFiles(ctx context.Context, zw *zip.Writer, id string, st session.ThreadState, recs []artifacts.Record, files *FileStore) error {
	data, err := encodeThread(st)
	if err != nil {
		return err
	}
	if err := writeEntry(zw, id+"/"+threadFile, data); err != nil {
		return err
	}
	if recs != nil {
		data, err := encodeArtifacts(id, recs)
		if err != nil {
			return err
		}
		if err := writeEntry(zw, id+"/"+artifactsFile, data); err != nil {
			return err
		}
	}

	dir := filepath.Join(files.ThreadDir(id), ArtifactsDir)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(files.ThreadDir(id), path)
		if err != nil {
			return err
		}
		f, err := zw.Create(filepath.ToSlash(filepath.Join(id, rel)))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		_, err = io.Copy(f, src)
		return err
	})
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}
