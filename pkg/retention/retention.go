// Package retention deletes whole threads: their artifact files, artifact
// records, thread snapshot and cached session, in that order.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/audit"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/store"
)

// DefaultKeepDays is how long an idle thread is kept.
const DefaultKeepDays = 30

// ErrThreadBusy is returned when a thread still has queued or running tasks.
var ErrThreadBusy = errors.New("retention: thread has active tasks")

// Threads is the persistence view the cleaner needs.
type Threads interface {
	ListThreads(ctx context.Context) ([]store.ThreadSummary, error)
	DeleteThread(ctx context.Context, id string) error
}

// Artifacts is the registry view the cleaner needs.
type Artifacts interface {
	List(threadID string) []artifacts.Record
	Delete(ctx context.Context, id string) error
	Forget(threadID string) error
}

// Evicter drops cached sessions.
type Evicter interface {
	Evict(id string)
}

// Report summarises one cleanup pass.
type Report struct {
	Cutoff  time.Time
	Scanned int
	Deleted []string
	Skipped []string
	Failed  map[string]error
}

type Cleaner struct {
	threads   Threads
	artifacts Artifacts
	sessions  Evicter
	busy      func(threadID string) bool
	trail     audit.Trail
	logger    *logging.Logger
	clock     func() time.Time
}

type Option func(*Cleaner)

func WithLogger(l *logging.Logger) Option {
	return func(c *Cleaner) { c.logger = l.Named("retention") }
}

func WithClock(clock func() time.Time) Option {
	return func(c *Cleaner) { c.clock = clock }
}

// WithAuditTrail records every deleted thread.
func WithAuditTrail(t audit.Trail) Option {
	return func(c *Cleaner) { c.trail = t }
}

// WithBusy reports threads that must not be deleted right now.
func WithBusy(fn func(threadID string) bool) Option {
	return func(c *Cleaner) { c.busy = fn }
}

func New(threads Threads, arts Artifacts, sessions Evicter, opts ...Option) *Cleaner {
	c := &Cleaner{
		threads:   threads,
		artifacts: arts,
		sessions:  sessions,
		busy:      func(string) bool { return false },
		logger:    logging.Nop(),
		clock:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// DeleteThread removes one thread and everything it produced. Artifact
// files that are already gone are not an error.
func (c *Cleaner) DeleteThread(ctx context.Context, id string) error {
	if c.busy(id) {
		return fmt.Errorf("%w: %s", ErrThreadBusy, id)
	}
	recs := c.artifacts.List(id)
	for _, r := range recs {
		if err := c.artifacts.Delete(ctx, r.ID); err != nil && !errors.Is(err, faults.ErrArtifactNotFound) {
			return fmt.Errorf("delete artifact %s of thread %s: %w", r.ID, id, err)
		}
	}
	if err := c.artifacts.Forget(id); err != nil {
		return err
	}
	if err := c.threads.DeleteThread(ctx, id); err != nil {
		return err
	}
	c.sessions.Evict(id)

	if c.trail != nil {
		if err := c.trail.Append(ctx, audit.Entry{
			Event:     audit.EventThreadDeleted,
			ThreadID:  id,
			Rationale: fmt.Sprintf("%d artifacts removed", len(recs)),
		}); err != nil {
			c.logger.Warn(ctx, "audit append failed", zap.String("thread_id", id), zap.Error(err))
		}
	}
	c.logger.Info(ctx, "thread deleted", zap.String("thread_id", id), zap.Int("artifacts", len(recs)))
	return nil
}

// Cleanup deletes threads not updated within keepDays. keepDays <= 0
// disables cleanup. A failure on one thread does not stop the pass.
func (c *Cleaner) Cleanup(ctx context.Context, keepDays int) (Report, error) {
	rep := Report{Failed: map[string]error{}}
	if keepDays <= 0 {
		return rep, nil
	}
	rep.Cutoff = c.clock().AddDate(0, 0, -keepDays)

	list, err := c.threads.ListThreads(ctx)
	if err != nil {
		return rep, fmt.Errorf("list threads: %w", err)
	}
	for _, th := range list {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		if !th.UpdatedAt.Before(rep.Cutoff) {
			continue
		}
		switch err := c.DeleteThread(ctx, th.ID); {
		case err == nil:
			rep.Deleted = append(rep.Deleted, th.ID)
		case errors.Is(err, ErrThreadBusy):
			rep.Skipped = append(rep.Skipped, th.ID)
		default:
			rep.Failed[th.ID] = err
			c.logger.Warn(ctx, "thread cleanup failed", zap.String("thread_id", th.ID), zap.Error(err))
		}
	}
	if len(rep.Deleted) > 0 {
		c.logger.Info(ctx, "cleaned up old threads", zap.Int("deleted", len(rep.Deleted)), zap.Time("cutoff", rep.Cutoff))
	}
	return rep, nil
}
