// Package artifacts tracks the files tools produce, per conversation thread.
//
// The Registry is append-only per thread: records are removed only through
// Delete, which also removes the backing file. Every mutation rewrites the
// thread's snapshot through a Persister; writes for one thread are
// serialized, different threads proceed in parallel.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sahan-penakalapati/hedwig/pkg/audit"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
)

const (
	DefaultDuplicateWindow = 30 * time.Second
	DefaultMaxSize         = 50 * 1024 * 1024
)

// DefaultAutoOpenTypes are opened automatically when produced.
func DefaultAutoOpenTypes() []Type {
	return []Type{TypePDF, TypeCode, TypeMarkdown}
}

// AutoOpenFunc reports whether auto-open is enabled for a thread.
type AutoOpenFunc func(ctx context.Context, threadID string) bool

type thread struct {
	// mu serializes mutations and snapshot writes of one thread.
	mu      sync.Mutex
	records []Record
	dirty   bool
}

// Registry records and persists artifacts.
type Registry struct {
	persist   Persister
	logger    *logging.Logger
	trail     audit.Trail
	clock     func() time.Time
	newID     func() string
	autoOpen  map[Type]bool
	dupWindow time.Duration
	maxSize   int64
	threadOK  AutoOpenFunc
	loadLimit int

	mu      sync.RWMutex
	threads map[string]*thread
	index   map[string]string // record id -> thread id
}

// Option customizes a Registry.
type Option func(*Registry)

func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithAuditTrail records deletions on trail.
func WithAuditTrail(t audit.Trail) Option {
	return func(r *Registry) { r.trail = t }
}

func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

func WithAutoOpenTypes(types ...Type) Option {
	return func(r *Registry) {
		r.autoOpen = make(map[Type]bool, len(types))
		for _, t := range types {
			r.autoOpen[t] = true
		}
	}
}

func WithDuplicateWindow(d time.Duration) Option {
	return func(r *Registry) { r.dupWindow = d }
}

// WithMaxSize sets the size above which artifacts are recorded but never
// auto-opened.
func WithMaxSize(n int64) Option {
	return func(r *Registry) { r.maxSize = n }
}

// WithThreadAutoOpen consults fn for the per-thread auto-open setting.
func WithThreadAutoOpen(fn AutoOpenFunc) Option {
	return func(r *Registry) { r.threadOK = fn }
}

func NewRegistry(p Persister, opts ...Option) *Registry {
	r := &Registry{
		persist:   p,
		logger:    logging.Nop(),
		clock:     time.Now,
		newID:     func() string { return uuid.NewString() },
		dupWindow: DefaultDuplicateWindow,
		maxSize:   DefaultMaxSize,
		threadOK:  func(context.Context, string) bool { return true },
		loadLimit: 4,
		threads:   make(map[string]*thread),
		index:     make(map[string]string),
	}
	WithAutoOpenTypes(DefaultAutoOpenTypes()...)(r)
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("artifacts")
	return r
}

func (r *Registry) thread(threadID string, create bool) *thread {
	r.mu.RLock()
	th, ok := r.threads[threadID]
	r.mu.RUnlock()
	if ok || !create {
		return th
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if th, ok = r.threads[threadID]; !ok {
		th = &thread{}
		r.threads[threadID] = th
	}
	return th
}

// Record registers a file produced by tool in threadID. The record is kept
// in memory even when the snapshot write fails; the error is returned and a
// later Flush retries the write.
func (r *Registry) Record(ctx context.Context, threadID, tool string, d Draft) (Record, error) {
	if threadID == "" {
		return Record{}, errors.New("artifacts: empty thread id")
	}
	if d.Path == "" {
		return Record{}, errors.New("artifacts: empty path")
	}
	path, err := filepath.Abs(d.Path)
	if err != nil {
		return Record{}, fmt.Errorf("artifacts: resolve %s: %w", d.Path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Record{}, fmt.Errorf("artifacts: %w", err)
	}

	typ := d.Type
	if !typ.Valid() {
		typ = TypeFromPath(path)
	}

	now := r.clock().UTC()
	rec := Record{
		ID:          r.newID(),
		ThreadID:    threadID,
		Path:        path,
		Type:        typ,
		Tool:        tool,
		CreatedAt:   now,
		Name:        d.Name,
		Description: d.Description,
		SizeBytes:   info.Size(),
	}
	if rec.Name == "" {
		rec.Name = filepath.Base(path)
	}

	th := r.thread(threadID, true)
	th.mu.Lock()
	defer th.mu.Unlock()

	rec.AutoOpen = r.autoOpen[typ] && r.threadOK(ctx, threadID) && !r.recentlySeen(th, path, now)
	if rec.SizeBytes > r.maxSize {
		rec.AutoOpen = false
		r.logger.Warn(ctx, "artifact exceeds size limit, not auto-opening",
			zap.String("path", path),
			zap.Int64("size_bytes", rec.SizeBytes),
			zap.Int64("limit", r.maxSize),
		)
	}

	th.records = append(th.records, rec)
	r.mu.Lock()
	r.index[rec.ID] = threadID
	r.mu.Unlock()

	if err := r.save(ctx, threadID, th); err != nil {
		return rec, err
	}
	r.logger.Debug(ctx, "artifact recorded",
		zap.String("id", rec.ID),
		zap.String("path", path),
		zap.String("type", string(typ)),
		zap.Bool("auto_open", rec.AutoOpen),
	)
	return rec, nil
}

func (r *Registry) recentlySeen(th *thread, path string, now time.Time) bool {
	if r.dupWindow <= 0 {
		return false
	}
	for i := len(th.records) - 1; i >= 0; i-- {
		prev := th.records[i]
		if prev.Path == path && now.Sub(prev.CreatedAt) < r.dupWindow {
			return true
		}
	}
	return false
}

// save writes the snapshot of th. Caller holds th.mu.
func (r *Registry) save(ctx context.Context, threadID string, th *thread) error {
	snap := append([]Record(nil), th.records...)
	if err := r.persist.SaveArtifacts(ctx, threadID, snap); err != nil {
		th.dirty = true
		r.logger.Error(ctx, "artifact snapshot write failed", zap.String("thread_id", threadID), zap.Error(err))
		return fmt.Errorf("artifacts: save thread %s: %w", threadID, err)
	}
	th.dirty = false
	return nil
}

// List returns the thread's records in creation order.
func (r *Registry) List(threadID string) []Record {
	th := r.thread(threadID, false)
	if th == nil {
		return nil
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	return append([]Record(nil), th.records...)
}

// Get looks a record up by id.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	threadID, ok := r.index[id]
	r.mu.RUnlock()
	if !ok {
		return Record{}, faults.New(faults.KindArtifactNotFound, "artifacts.get", id, nil)
	}
	for _, rec := range r.List(threadID) {
		if rec.ID == id {
			return rec, nil
		}
	}
	return Record{}, faults.New(faults.KindArtifactNotFound, "artifacts.get", id, nil)
}

// Delete removes the backing file, then the record, then rewrites the
// snapshot. A backing file that is already gone is not an error.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.RLock()
	threadID, ok := r.index[id]
	r.mu.RUnlock()
	if !ok {
		return faults.New(faults.KindArtifactNotFound, "artifacts.delete", id, nil)
	}
	th := r.thread(threadID, false)
	if th == nil {
		return faults.New(faults.KindArtifactNotFound, "artifacts.delete", id, nil)
	}

	th.mu.Lock()
	defer th.mu.Unlock()

	pos := -1
	for i, rec := range th.records {
		if rec.ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return faults.New(faults.KindArtifactNotFound, "artifacts.delete", id, nil)
	}
	rec := th.records[pos]

	if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("artifacts: remove %s: %w", rec.Path, err)
	}

	th.records = append(th.records[:pos:pos], th.records[pos+1:]...)
	r.mu.Lock()
	delete(r.index, id)
	r.mu.Unlock()

	if r.trail != nil {
		if err := r.trail.Append(ctx, audit.Entry{
			Event:     audit.EventArtifactDeleted,
			ThreadID:  threadID,
			Tool:      rec.Tool,
			Rationale: rec.Path,
		}); err != nil {
			r.logger.Warn(ctx, "audit append failed", zap.String("artifact", id), zap.Error(err))
		}
	}
	return r.save(ctx, threadID, th)
}

// Forget drops an emptied thread from memory. It fails if the thread still
// has records.
func (r *Registry) Forget(threadID string) error {
	th := r.thread(threadID, false)
	if th == nil {
		return nil
	}
	th.mu.Lock()
	n := len(th.records)
	th.mu.Unlock()
	if n > 0 {
		return fmt.Errorf("artifacts: thread %s still has %d artifacts", threadID, n)
	}
	r.mu.Lock()
	delete(r.threads, threadID)
	r.mu.Unlock()
	return nil
}

// Flush rewrites the thread's snapshot if a previous write failed.
func (r *Registry) Flush(ctx context.Context, threadID string) error {
	th := r.thread(threadID, false)
	if th == nil {
		return nil
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	if !th.dirty {
		return nil
	}
	return r.save(ctx, threadID, th)
}

// FlushAll flushes every thread and joins the errors.
func (r *Registry) FlushAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.Threads() {
		if err := r.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Threads returns the ids of threads known to the registry.
func (r *Registry) Threads() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.threads))
	for id := range r.threads {
		ids = append(ids, id)
	}
	return ids
}

// RecoveryReport summarizes Recover.
type RecoveryReport struct {
	Threads int
	Records int
	// Corrupt lists threads whose snapshot failed validation and was
	// treated as empty.
	Corrupt []string
	// Failed lists threads whose snapshot could not be read at all.
	Failed map[string]error
}

// Recover loads every persisted thread snapshot. Unreadable or corrupt
// snapshots are logged and treated as empty; only failing to enumerate
// threads is an error.
func (r *Registry) Recover(ctx context.Context) (RecoveryReport, error) {
	ids, err := r.persist.ThreadIDs(ctx)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("artifacts: list threads: %w", err)
	}

	loaded := make([][]Record, len(ids))
	errs := make([]error, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.loadLimit)
	for i, id := range ids {
		g.Go(func() error {
			loaded[i], errs[i] = r.persist.LoadArtifacts(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	rep := RecoveryReport{Failed: map[string]error{}}
	for i, id := range ids {
		recs := loaded[i]
		if err := errs[i]; err != nil {
			if errors.Is(err, faults.ErrSnapshotCorrupt) {
				rep.Corrupt = append(rep.Corrupt, id)
				r.logger.Warn(ctx, "corrupt artifact snapshot, treating thread as empty",
					zap.String("thread_id", id), zap.Error(err))
			} else {
				rep.Failed[id] = err
				r.logger.Warn(ctx, "artifact snapshot unreadable, treating thread as empty",
					zap.String("thread_id", id), zap.Error(err))
			}
			recs = nil
		}

		th := r.thread(id, true)
		th.mu.Lock()
		th.records = append([]Record(nil), recs...)
		th.dirty = false
		th.mu.Unlock()

		r.mu.Lock()
		for _, rec := range recs {
			r.index[rec.ID] = id
		}
		r.mu.Unlock()

		rep.Threads++
		rep.Records += len(recs)
	}
	r.logger.Info(ctx, "artifact registry recovered",
		zap.Int("threads", rep.Threads),
		zap.Int("records", rep.Records),
		zap.Int("corrupt", len(rep.Corrupt)),
	)
	return rep, nil
}
