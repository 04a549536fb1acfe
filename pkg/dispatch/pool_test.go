package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sahan-penakalapati/hedwig/pkg/agent"
	"github.com/sahan-penakalapati/hedwig/pkg/escalation"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
)

// tracker records per-thread overlap and execution order.
type tracker struct {
	mu      sync.Mutex
	running map[string]int
	order   map[string][]string
	overlap bool
	active  atomic.Int32
	peak    atomic.Int32
}

func newTracker() *tracker {
	return &tracker{running: map[string]int{}, order: map[string][]string{}}
}

func (tr *tracker) specialist(hold time.Duration) *funcSpecialist {
	return &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: func(ctx context.Context, task agent.Task, _ agent.ToolCallFn) (agent.Output, error) {
		tr.mu.Lock()
		tr.running[task.ThreadID]++
		if tr.running[task.ThreadID] > 1 {
			tr.overlap = true
		}
		tr.order[task.ThreadID] = append(tr.order[task.ThreadID], task.Prompt)
		tr.mu.Unlock()

		n := tr.active.Add(1)
		for {
			p := tr.peak.Load()
			if n <= p || tr.peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer tr.active.Add(-1)

		select {
		case <-time.After(hold):
		case <-ctx.Done():
		}

		tr.mu.Lock()
		tr.running[task.ThreadID]--
		tr.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return agent.Output{}, err
		}
		return agent.Output{Text: task.Prompt}, nil
	}}
}

func TestClampWorkers(t *testing.T) {
	assert.Equal(t, DefaultWorkers, ClampWorkers(0))
	assert.Equal(t, DefaultWorkers, ClampWorkers(-2))
	assert.Equal(t, 1, ClampWorkers(1))
	assert.Equal(t, MaxWorkers, ClampWorkers(99))
}

func TestPool_PerThreadFIFOWithoutOverlap(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr := newTracker()
	h := newHarness(t, harnessOpts{answer: escalation.Approve, specialists: []agent.Specialist{tr.specialist(5 * time.Millisecond)}})
	p := NewPool(h.d, WithWorkers(3))

	threads := []string{h.thread(t), h.thread(t), h.thread(t)}
	var tasks []*Task
	for i := 0; i < 5; i++ {
		for _, th := range threads {
			task, err := p.Submit(context.Background(), th, fmt.Sprintf("step %d", i))
			require.NoError(t, err)
			tasks = append(tasks, task)
		}
	}
	require.NoError(t, p.Close(context.Background()))

	for _, task := range tasks {
		assert.Equal(t, StateCompleted, task.State())
	}
	assert.False(t, tr.overlap, "tasks of one thread overlapped")
	for _, th := range threads {
		assert.Equal(t, []string{"step 0", "step 1", "step 2", "step 3", "step 4"}, tr.order[th])
	}
	assert.LessOrEqual(t, tr.peak.Load(), int32(3))
}

func TestPool_WorkerBound(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr := newTracker()
	h := newHarness(t, harnessOpts{answer: escalation.Approve, specialists: []agent.Specialist{tr.specialist(20 * time.Millisecond)}})
	p := NewPool(h.d, WithWorkers(2))

	for i := 0; i < 6; i++ {
		_, err := p.Submit(context.Background(), h.thread(t), "work")
		require.NoError(t, err)
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(2), tr.peak.Load())
	assert.Equal(t, 0, p.Pending())
}

func TestPool_CancelRunningTask(t *testing.T) {
	defer goleak.VerifyNone(t)
	started := make(chan struct{})
	sp := &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: func(ctx context.Context, _ agent.Task, call agent.ToolCallFn) (agent.Output, error) {
		if _, err := call(ctx, "note_writer", map[string]any{"name": "partial.md"}); err != nil {
			return agent.Output{}, err
		}
		close(started)
		<-ctx.Done()
		return agent.Output{}, ctx.Err()
	}}
	h := newHarness(t, harnessOpts{answer: escalation.Approve, specialists: []agent.Specialist{sp}})
	p := NewPool(h.d)
	thread := h.thread(t)

	task, err := p.Submit(context.Background(), thread, "long job")
	require.NoError(t, err)
	<-started
	require.NoError(t, p.Cancel(task.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = p.Wait(ctx, task.ID)
	assert.ErrorIs(t, err, faults.ErrTaskCancelled)
	assert.Equal(t, StateFailed, task.State())

	// The artifact produced before cancellation survives.
	require.Len(t, h.arts.List(thread), 1)
	assert.Error(t, p.Cancel(task.ID), "already finished")
	require.NoError(t, p.Close(context.Background()))
}

func TestPool_CancelQueuedTaskSkipsWorker(t *testing.T) {
	defer goleak.VerifyNone(t)
	release := make(chan struct{})
	var ran atomic.Int32
	sp := &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: func(ctx context.Context, task agent.Task, _ agent.ToolCallFn) (agent.Output, error) {
		ran.Add(1)
		if task.Prompt == "first" {
			<-release
		}
		return agent.Output{Text: task.Prompt}, nil
	}}
	h := newHarness(t, harnessOpts{answer: escalation.Approve, specialists: []agent.Specialist{sp}})
	p := NewPool(h.d, WithWorkers(1))
	thread := h.thread(t)

	first, err := p.Submit(context.Background(), thread, "first")
	require.NoError(t, err)
	second, err := p.Submit(context.Background(), thread, "second")
	require.NoError(t, err)
	require.NoError(t, p.Cancel(second.ID))
	close(release)

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, StateCompleted, first.State())
	assert.Equal(t, StateFailed, second.State())
	assert.Equal(t, []State{StateReceived, StateFailed}, states(second))
	assert.Equal(t, int32(1), ran.Load())
}

func TestPool_CloseRejectsAndCancelsOnDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)
	sp := &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: func(ctx context.Context, _ agent.Task, _ agent.ToolCallFn) (agent.Output, error) {
		<-ctx.Done()
		return agent.Output{}, ctx.Err()
	}}
	h := newHarness(t, harnessOpts{answer: escalation.Approve, specialists: []agent.Specialist{sp}})
	p := NewPool(h.d)
	task, err := p.Submit(context.Background(), h.thread(t), "forever")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateFailed, task.State())

	_, err = p.Submit(context.Background(), h.thread(t), "late")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_PanicFailsTask(t *testing.T) {
	defer goleak.VerifyNone(t)
	sp := &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: func(context.Context, agent.Task, agent.ToolCallFn) (agent.Output, error) {
		panic("boom")
	}}
	h := newHarness(t, harnessOpts{answer: escalation.Approve, specialists: []agent.Specialist{sp}})
	p := NewPool(h.d)
	task, err := p.Submit(context.Background(), h.thread(t), "explode")
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))

	_, err = task.Result()
	assert.ErrorIs(t, err, faults.ErrToolFault)
	assert.Equal(t, StateFailed, task.State())
}

func TestPool_RetentionPrunesFinishedTasks(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, harnessOpts{answer: escalation.Approve})
	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	h.d.clock = func() time.Time { return time.Unix(0, now.Load()) }
	p := NewPool(h.d, WithRetention(time.Minute))
	thread := h.thread(t)

	old, err := p.Submit(context.Background(), thread, "old")
	require.NoError(t, err)
	_, err = p.Wait(context.Background(), old.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		_, ok := p.finished[old.ID]
		return ok
	}, time.Second, time.Millisecond)

	now.Add(int64(2 * time.Minute))
	fresh, err := p.Submit(context.Background(), thread, "fresh")
	require.NoError(t, err)

	_, ok := p.Get(old.ID)
	assert.False(t, ok)
	_, ok = p.Get(fresh.ID)
	assert.True(t, ok)
	require.NoError(t, p.Close(context.Background()))

	_, err = p.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestPool_Busy(t *testing.T) {
	defer goleak.VerifyNone(t)
	release := make(chan struct{})
	sp := &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: func(ctx context.Context, task agent.Task, _ agent.ToolCallFn) (agent.Output, error) {
		<-release
		return agent.Output{Text: task.Prompt}, nil
	}}
	h := newHarness(t, harnessOpts{answer: escalation.Approve, specialists: []agent.Specialist{sp}})
	p := NewPool(h.d)
	busy, idle := h.thread(t), h.thread(t)

	task, err := p.Submit(context.Background(), busy, "hold")
	require.NoError(t, err)
	assert.True(t, p.Busy(busy))
	assert.False(t, p.Busy(idle))

	close(release)
	_, err = p.Wait(context.Background(), task.ID)
	require.NoError(t, err)
	assert.False(t, p.Busy(busy))
	require.NoError(t, p.Close(context.Background()))
}

func TestPool_DoWaitsForQueuedTasks(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr := newTracker()
	h := newHarness(t, harnessOpts{answer: escalation.Approve, specialists: []agent.Specialist{tr.specialist(20 * time.Millisecond)}})
	p := NewPool(h.d)
	th := h.thread(t)

	first, err := p.Submit(context.Background(), th, "first")
	require.NoError(t, err)
	var sawState State
	err = p.Do(context.Background(), th, func(context.Context) error {
		sawState = first.State()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, sawState)

	boom := fmt.Errorf("boom")
	assert.ErrorIs(t, p.Do(context.Background(), th, func(context.Context) error { return boom }), boom)
	require.NoError(t, p.Close(context.Background()))

	assert.ErrorIs(t, p.Do(context.Background(), th, func(context.Context) error { return nil }), ErrPoolClosed)
	assert.Error(t, p.Do(context.Background(), "", func(context.Context) error { return nil }))
}

func TestPool_DoSkippedWhenCallerGivesUp(t *testing.T) {
	defer goleak.VerifyNone(t)
	release := make(chan struct{})
	sp := &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: func(ctx context.Context, task agent.Task, _ agent.ToolCallFn) (agent.Output, error) {
		<-release
		return agent.Output{Text: task.Prompt}, nil
	}}
	h := newHarness(t, harnessOpts{answer: escalation.Approve, specialists: []agent.Specialist{sp}})
	p := NewPool(h.d)
	th := h.thread(t)

	_, err := p.Submit(context.Background(), th, "hold")
	require.NoError(t, err)

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Do(ctx, th, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Close(context.Background()))
	assert.False(t, ran.Load())
}
