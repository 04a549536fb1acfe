package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sahan-penakalapati/hedwig/pkg/agent"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
)

const (
	DefaultWorkers = 3
	MaxWorkers     = 16
	// DefaultRetention is how long finished tasks stay queryable.
	DefaultRetention = 15 * time.Minute
)

var (
	ErrPoolClosed   = errors.New("dispatch: pool closed")
	ErrTaskNotFound = errors.New("dispatch: task not found")
)

// ClampWorkers bounds n to 1..MaxWorkers, using the default for n <= 0.
func ClampWorkers(n int) int {
	switch {
	case n <= 0:
		return DefaultWorkers
	case n > MaxWorkers:
		return MaxWorkers
	}
	return n
}

// lane is the FIFO queue of one thread. At most one goroutine drains it.
// A job receives the values of the context that started the lane.
type lane struct {
	queue []func(vals context.Context)
}

// Pool runs tasks on a bounded number of workers. Tasks of one thread run
// one at a time in submission order; different threads run in parallel up
// to the worker bound. A task holds its worker from start to finish.
type Pool struct {
	d         *Dispatcher
	workers   int
	sem       *semaphore.Weighted
	retention time.Duration

	base   context.Context
	stop   context.CancelFunc
	group  errgroup.Group
	closed bool

	mu       sync.Mutex
	lanes    map[string]*lane
	tasks    map[string]*Task
	finished map[string]time.Time
}

type PoolOption func(*Pool)

func WithWorkers(n int) PoolOption {
	return func(p *Pool) { p.workers = ClampWorkers(n) }
}

// WithRetention sets how long finished tasks remain queryable.
func WithRetention(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.retention = d
		}
	}
}

func NewPool(d *Dispatcher, opts ...PoolOption) *Pool {
	p := &Pool{
		d:         d,
		workers:   DefaultWorkers,
		retention: DefaultRetention,
		lanes:     make(map[string]*lane),
		tasks:     make(map[string]*Task),
		finished:  make(map[string]time.Time),
	}
	for _, o := range opts {
		o(p)
	}
	p.sem = semaphore.NewWeighted(int64(p.workers))
	p.base, p.stop = context.WithCancel(context.Background())
	return p
}

// Workers returns the worker bound.
func (p *Pool) Workers() int { return p.workers }

// Submit queues a prompt for threadID and returns the task in RECEIVED.
// Values carried by ctx (trace, logging fields) flow into the task; its
// cancellation does not. Use Cancel to stop a task.
func (p *Pool) Submit(ctx context.Context, threadID, prompt string) (*Task, error) {
	if threadID == "" {
		return nil, fmt.Errorf("dispatch: empty thread id")
	}
	t := p.d.NewTask(threadID, prompt)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	p.pruneLocked()
	p.tasks[t.ID] = t
	p.enqueueLocked(ctx, threadID, func(vals context.Context) {
		p.runOne(vals, t)
		p.mu.Lock()
		p.finished[t.ID] = p.d.clock()
		p.mu.Unlock()
	})
	p.d.logger.Debug(ctx, "task queued", zap.String("task_id", t.ID), zap.String("thread_id", threadID))
	return t, nil
}

// Do runs fn in threadID's lane, after the tasks already queued for the
// thread and before any submitted later, and waits for it. fn runs under
// ctx and does not take a worker. If ctx ends while fn is still queued, fn
// is skipped.
func (p *Pool) Do(ctx context.Context, threadID string, fn func(context.Context) error) error {
	if threadID == "" {
		return fmt.Errorf("dispatch: empty thread id")
	}
	done := make(chan error, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.enqueueLocked(ctx, threadID, func(context.Context) {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	})
	p.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) enqueueLocked(ctx context.Context, threadID string, job func(context.Context)) {
	ln, running := p.lanes[threadID]
	if !running {
		ln = &lane{}
		p.lanes[threadID] = ln
	}
	ln.queue = append(ln.queue, job)
	if !running {
		vals := context.WithoutCancel(ctx)
		p.group.Go(func() error {
			p.drain(vals, threadID)
			return nil
		})
	}
}

// drain runs the lane's jobs in order and retires the lane when empty.
func (p *Pool) drain(vals context.Context, threadID string) {
	for {
		p.mu.Lock()
		ln := p.lanes[threadID]
		if len(ln.queue) == 0 {
			delete(p.lanes, threadID)
			p.mu.Unlock()
			return
		}
		job := ln.queue[0]
		ln.queue = ln.queue[1:]
		p.mu.Unlock()

		job(vals)
	}
}

func (p *Pool) runOne(vals context.Context, t *Task) {
	ctx, cancel := context.WithCancel(p.base)
	defer cancel()
	ctx = mergeValues(ctx, vals)
	t.bind(cancel)

	if !t.isCancelled() {
		if err := p.sem.Acquire(ctx, 1); err == nil {
			defer p.sem.Release(1)
		}
	}

	ctx, end := p.d.metrics.TrackTask(ctx, t.ID, t.ThreadID)
	var err error
	defer func() { end(err) }()
	defer func() {
		if r := recover(); r != nil {
			p.d.logger.Error(ctx, "task panicked",
				zap.String("task_id", t.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = faults.Newf(faults.KindToolFault, "dispatch.run", t.ID, "panic: %v", r)
			if !t.State().Terminal() {
				_ = t.finish(agent.Output{}, err, p.d.clock())
			}
		}
	}()
	err = p.d.Run(ctx, t)
}

// Get returns a known task.
func (p *Pool) Get(taskID string) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	return t, ok
}

// Tasks returns every retained task.
func (p *Pool) Tasks() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, t)
	}
	return out
}

// Pending returns the number of queued and running tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.tasks {
		if !t.State().Terminal() {
			n++
		}
	}
	return n
}

// Busy reports whether threadID has a queued or running task.
func (p *Pool) Busy(threadID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		if t.ThreadID == threadID && !t.State().Terminal() {
			return true
		}
	}
	return false
}

// Cancel stops a queued or running task. A queued task fails with
// TaskCancelled when its turn comes, without taking a worker.
func (p *Pool) Cancel(taskID string) error {
	t, ok := p.Get(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	if !t.requestCancel() {
		return fmt.Errorf("dispatch: task %s already %s", taskID, t.State())
	}
	return nil
}

// Wait blocks until the task finishes or ctx ends.
func (p *Pool) Wait(ctx context.Context, taskID string) (agent.Output, error) {
	t, ok := p.Get(taskID)
	if !ok {
		return agent.Output{}, ErrTaskNotFound
	}
	return t.Wait(ctx)
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, the remaining tasks are cancelled and Close still waits for
// them to unwind.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.stop()
		return nil
	case <-ctx.Done():
		for _, t := range p.Tasks() {
			t.requestCancel()
		}
		p.stop()
		<-done
		return ctx.Err()
	}
}

// pruneLocked forgets finished tasks older than the retention window.
func (p *Pool) pruneLocked() {
	cutoff := p.d.clock().Add(-p.retention)
	for id, at := range p.finished {
		if at.Before(cutoff) {
			delete(p.finished, id)
			delete(p.tasks, id)
		}
	}
}

// valueCtx takes values from one context and cancellation from another.
type valueCtx struct {
	context.Context
	vals context.Context
}

func (c valueCtx) Value(key any) any {
	if v := c.Context.Value(key); v != nil {
		return v
	}
	return c.vals.Value(key)
}

func mergeValues(ctx, vals context.Context) context.Context {
	return valueCtx{Context: ctx, vals: vals}
}
