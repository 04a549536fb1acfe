package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sahan-penakalapati/hedwig/pkg/agent"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
)

// State is a task lifecycle state.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateRouted    State = "ROUTED"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

var transitions = map[State][]State{
	StateReceived:  {StateRouted, StateFailed},
	StateRouted:    {StateExecuting, StateFailed},
	StateExecuting: {StateCompleted, StateFailed},
}

// CanTransition checks a lifecycle move.
func CanTransition(from, to State) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("dispatch: illegal transition %s -> %s", from, to)
}

// Transition is one recorded state change.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Task is one submitted request and its lifecycle. Fields are read through
// accessors; the pool and dispatcher mutate it.
type Task struct {
	ID        string
	ThreadID  string
	Prompt    string
	Submitted time.Time

	mu         sync.Mutex
	state      State
	history    []Transition
	specialist string
	output     agent.Output
	err        error
	cancel     context.CancelFunc
	cancelled  bool
	done       chan struct{}
}

func newTask(threadID, prompt string, now time.Time) *Task {
	return &Task{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Prompt:    prompt,
		Submitted: now,
		state:     StateReceived,
		history:   []Transition{{State: StateReceived, At: now}},
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// History returns the recorded transitions, oldest first.
func (t *Task) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transition(nil), t.history...)
}

// Specialist is the name of the specialist the task was routed to.
func (t *Task) Specialist() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.specialist
}

// Result returns the output and error once the task is terminal.
func (t *Task) Result() (agent.Output, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output, t.err
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) (agent.Output, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return agent.Output{}, ctx.Err()
	}
}

func (t *Task) moveTo(to State, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := CanTransition(t.state, to); err != nil {
		return err
	}
	t.state = to
	t.history = append(t.history, Transition{State: to, At: now})
	return nil
}

func (t *Task) setSpecialist(name string) {
	t.mu.Lock()
	t.specialist = name
	t.mu.Unlock()
}

// finish moves the task to COMPLETED or FAILED, stores the result and wakes
// waiters. A second call is an illegal transition.
func (t *Task) finish(out agent.Output, err error, now time.Time) error {
	to := StateCompleted
	if err != nil {
		to = StateFailed
	}
	t.mu.Lock()
	if cerr := CanTransition(t.state, to); cerr != nil {
		t.mu.Unlock()
		return cerr
	}
	t.state = to
	t.history = append(t.history, Transition{State: to, At: now})
	t.output, t.err = out, err
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
	close(t.done)
	return nil
}

// bind records the cancel func of the running task. If the task was
// cancelled before it started, cancel fires immediately.
func (t *Task) bind(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
	if t.cancelled {
		cancel()
	}
}

// requestCancel marks the task cancelled and stops it if running. It
// reports whether the task was still live.
func (t *Task) requestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
	return true
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func cancelledErr(taskID string, cause error) error {
	return faults.New(faults.KindTaskCancelled, "dispatch.run", taskID, cause)
}
