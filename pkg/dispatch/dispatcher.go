// Package dispatch routes tasks to specialists and runs them.
//
// The Dispatcher drives one task through RECEIVED, ROUTED, EXECUTING and a
// terminal state. Specialists never see the gateway, invoker or registries
// directly: each gets a ToolCallFn bound to the task that authorizes,
// executes with retries, and records produced files. The Pool schedules
// tasks on a bounded set of workers with per-thread FIFO ordering.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/agent"
	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/gateway"
	"github.com/sahan-penakalapati/hedwig/pkg/invoker"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/observability"
	"github.com/sahan-penakalapati/hedwig/pkg/retry"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
	"github.com/sahan-penakalapati/hedwig/pkg/tooling"
)

// Authorizer decides whether a tool call may run.
type Authorizer interface {
	Authorize(ctx context.Context, req gateway.Request) (gateway.Decision, error)
}

// Executor runs an authorized tool call.
type Executor interface {
	Execute(ctx context.Context, desc tooling.Descriptor, args map[string]any) invoker.Outcome
}

// Catalog resolves tool descriptors.
type Catalog interface {
	Get(name string) (tooling.Descriptor, error)
}

// Recorder tracks produced files per thread.
type Recorder interface {
	Record(ctx context.Context, threadID, tool string, d artifacts.Draft) (artifacts.Record, error)
	List(threadID string) []artifacts.Record
	Flush(ctx context.Context, threadID string) error
}

// Sessions opens and saves threads.
type Sessions interface {
	Open(ctx context.Context, id string) (*session.Session, error)
	Save(ctx context.Context, s *session.Session) error
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Router    *Router
	Gateway   Authorizer
	Invoker   Executor
	Catalog   Catalog
	Artifacts Recorder
	Sessions  Sessions
}

// Dispatcher runs tasks.
type Dispatcher struct {
	Deps
	retry   retry.Policy
	metrics *observability.Provider
	logger  *logging.Logger
	clock   func() time.Time
	// historyWindow is how many prior thread messages a task sees.
	historyWindow int
}

type Option func(*Dispatcher)

// WithRetry sets the policy for transient tool failures.
func WithRetry(p retry.Policy) Option {
	return func(d *Dispatcher) { d.retry = p }
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithMetrics(p *observability.Provider) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.metrics = p
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

func New(deps Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		Deps:          deps,
		retry:         retry.DefaultPolicy(),
		metrics:       observability.Nop(),
		logger:        logging.Nop(),
		clock:         time.Now,
		historyWindow: 20,
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.Named("dispatch")
	return d
}

// NewTask creates a task in RECEIVED.
func (d *Dispatcher) NewTask(threadID, prompt string) *Task {
	t := newTask(threadID, prompt, d.clock())
	d.metrics.RecordTaskState(context.Background(), string(StateReceived))
	return t
}

// Run drives t to a terminal state and returns its error. Illegal lifecycle
// transitions are returned as errors without running the specialist.
func (d *Dispatcher) Run(ctx context.Context, t *Task) error {
	ctx = logging.WithTask(logging.WithThread(ctx, t.ThreadID), t.ID)

	if err := ctx.Err(); err != nil {
		return d.finish(ctx, t, nil, agent.Output{}, cancelledErr(t.ID, err))
	}

	sess, err := d.Sessions.Open(ctx, t.ThreadID)
	if err != nil {
		return d.finish(ctx, t, nil, agent.Output{}, fmt.Errorf("dispatch: open thread: %w", err))
	}
	history := sess.History(d.historyWindow)
	sess.Append(session.RoleUser, t.Prompt, map[string]string{"task_id": t.ID})

	task := agent.Task{
		ID:        t.ID,
		ThreadID:  t.ThreadID,
		Prompt:    t.Prompt,
		History:   history,
		Artifacts: d.Artifacts.List(t.ThreadID),
	}

	var excluded []string
	for {
		sp, dec := d.Router.Route(t.Prompt, history, excluded...)
		name := sp.Capabilities().Name
		if len(excluded) == 0 {
			if err := d.move(ctx, t, StateRouted); err != nil {
				return err
			}
			if err := d.move(ctx, t, StateExecuting); err != nil {
				return err
			}
		}
		t.setSpecialist(name)
		d.logger.Info(ctx, "task routed",
			zap.String("specialist", name),
			zap.Int("score", dec.Score),
			zap.Int("attempt", dec.Attempt),
			zap.Bool("fallback", dec.Fallback),
		)

		sctx := logging.WithSpecialist(ctx, name)
		out, herr := sp.Handle(sctx, task, d.bind(sess, name))
		if errors.Is(herr, agent.ErrDeclined) && len(excluded)+1 < len(d.Router.specialists) {
			d.logger.Info(sctx, "specialist declined, rerouting")
			excluded = append(excluded, name)
			continue
		}
		if herr != nil && ctx.Err() != nil {
			herr = cancelledErr(t.ID, errors.Join(ctx.Err(), herr))
		}
		return d.finish(ctx, t, sess, out, herr)
	}
}

func (d *Dispatcher) move(ctx context.Context, t *Task, to State) error {
	if err := t.moveTo(to, d.clock()); err != nil {
		d.logger.Error(ctx, "task lifecycle violated", zap.String("to", string(to)), zap.Error(err))
		return err
	}
	d.metrics.RecordTaskState(ctx, string(to))
	return nil
}

// finish records the outcome on the thread, flushes artifacts and closes
// the task.
func (d *Dispatcher) finish(ctx context.Context, t *Task, sess *session.Session, out agent.Output, err error) error {
	// Detached: a cancelled task still persists what it produced.
	wctx := context.WithoutCancel(ctx)
	if ferr := d.Artifacts.Flush(wctx, t.ThreadID); ferr != nil {
		d.logger.Warn(wctx, "artifact flush failed", zap.Error(ferr))
	}
	if sess != nil {
		if err != nil {
			sess.Append(session.RoleSystem, fmt.Sprintf("Task failed (%s): %v", faults.KindOf(err), err),
				map[string]string{"task_id": t.ID, "kind": string(faults.KindOf(err))})
		} else {
			meta := map[string]string{"task_id": t.ID, "specialist": out.Specialist}
			sess.Append(session.RoleAssistant, out.Text, meta)
		}
		if serr := d.Sessions.Save(wctx, sess); serr != nil {
			d.logger.Error(wctx, "thread save failed", zap.Error(serr))
		}
	}

	if cerr := t.finish(out, err, d.clock()); cerr != nil {
		d.logger.Error(wctx, "task lifecycle violated", zap.Error(cerr))
		return cerr
	}
	state := t.State()
	d.metrics.RecordTaskState(wctx, string(state))
	if err != nil {
		d.logger.Warn(wctx, "task failed", zap.String("kind", string(faults.KindOf(err))), zap.Error(err))
	} else {
		d.logger.Info(wctx, "task completed",
			zap.Int("iterations", out.Iterations),
			zap.Int("artifacts", len(out.ArtifactIDs)),
			zap.Int("failed_steps", len(out.FailedSteps())),
		)
	}
	return err
}

// bind returns the mediated tool call function for one task.
func (d *Dispatcher) bind(sess *session.Session, specialist string) agent.ToolCallFn {
	threadID := sess.ID()
	return func(ctx context.Context, name string, args map[string]any) (agent.ToolResult, error) {
		dec, err := d.Gateway.Authorize(ctx, gateway.Request{
			Tool:       name,
			Args:       args,
			ThreadID:   threadID,
			Specialist: specialist,
		})
		if err != nil {
			if faults.KindOf(err) == faults.KindUnknownTool {
				return agent.ToolResult{}, err
			}
			return agent.ToolResult{}, errors.Join(dec.Err(name), err)
		}
		if !dec.Permitted() {
			return agent.ToolResult{}, dec.Err(name)
		}

		desc, err := d.Catalog.Get(name)
		if err != nil {
			return agent.ToolResult{}, err
		}

		var out invoker.Outcome
		err = retry.Do(ctx, d.retry, threadID+":"+name, func(ctx context.Context, _ int) error {
			out = d.Invoker.Execute(ctx, desc, args)
			if out.Success {
				return nil
			}
			return out.Err
		}, func(attempt int, err error, delay time.Duration) {
			d.logger.Warn(ctx, "tool call failed, retrying",
				zap.String("tool", name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
		})
		if err != nil {
			return agent.ToolResult{}, err
		}

		res := agent.ToolResult{Text: out.Text, Warning: dec.Verdict == gateway.AllowedWithWarning}
		for _, draft := range out.Drafts {
			rec, rerr := d.Artifacts.Record(ctx, threadID, name, draft)
			if rec.ID == "" {
				d.logger.Warn(ctx, "produced file not recorded", zap.String("tool", name), zap.String("path", draft.Path), zap.Error(rerr))
				continue
			}
			if rerr != nil {
				d.logger.Warn(ctx, "artifact recorded but not persisted", zap.String("artifact_id", rec.ID), zap.Error(rerr))
			}
			res.Artifacts = append(res.Artifacts, rec)
			sess.AttachArtifacts(rec.ID)
		}
		return res, nil
	}
}
