package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahan-penakalapati/hedwig/pkg/agent"
	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/audit"
	"github.com/sahan-penakalapati/hedwig/pkg/escalation"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/gateway"
	"github.com/sahan-penakalapati/hedwig/pkg/invoker"
	"github.com/sahan-penakalapati/hedwig/pkg/llm"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/retry"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
	"github.com/sahan-penakalapati/hedwig/pkg/store"
	"github.com/sahan-penakalapati/hedwig/pkg/tooling"
)

// funcSpecialist is a specialist driven by a test function.
type funcSpecialist struct {
	caps agent.Capabilities
	fn   func(ctx context.Context, task agent.Task, call agent.ToolCallFn) (agent.Output, error)
}

func (f *funcSpecialist) Capabilities() agent.Capabilities { return f.caps }

func (f *funcSpecialist) Handle(ctx context.Context, task agent.Task, call agent.ToolCallFn) (agent.Output, error) {
	out, err := f.fn(ctx, task, call)
	out.Specialist = f.caps.Name
	return out, err
}

func answer(text string) func(context.Context, agent.Task, agent.ToolCallFn) (agent.Output, error) {
	return func(context.Context, agent.Task, agent.ToolCallFn) (agent.Output, error) {
		return agent.Output{Text: text}, nil
	}
}

type harness struct {
	dir      string
	tools    *tooling.Registry
	trail    *audit.MemoryTrail
	arts     *artifacts.Registry
	sessions *session.Manager
	d        *Dispatcher
	calls    map[string]*atomic.Int32
}

type harnessOpts struct {
	answer      escalation.Answer
	specialists []agent.Specialist
	failures    int // flaky tool fails this many times before succeeding
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir(), calls: map[string]*atomic.Int32{}}
	h.tools = tooling.NewRegistry()

	reg := func(name string, tier risk.Tier, fn func(ctx context.Context, args map[string]any) (tooling.Result, error)) {
		n := &atomic.Int32{}
		h.calls[name] = n
		require.NoError(t, h.tools.Register(tooling.Func{
			Desc: tooling.Descriptor{Name: name, Version: "1.0.0", Tier: tier, Domain: risk.DomainOther, Summary: name},
			Fn: func(ctx context.Context, args map[string]any) (tooling.Result, error) {
				n.Add(1)
				return fn(ctx, args)
			},
		}))
	}
	reg("note_writer", risk.Write, func(_ context.Context, args map[string]any) (tooling.Result, error) {
		name, _ := args["name"].(string)
		path := filepath.Join(h.dir, name)
		if err := os.WriteFile(path, []byte("note"), 0o600); err != nil {
			return tooling.Result{}, err
		}
		return tooling.Result{Text: "wrote " + name, Files: []artifacts.Draft{{Path: path, Type: artifacts.TypeMarkdown}}}, nil
	})
	reg("lookup", risk.ReadOnly, func(context.Context, map[string]any) (tooling.Result, error) {
		return tooling.Result{Text: "found"}, nil
	})
	var flaky atomic.Int32
	reg("flaky", risk.ReadOnly, func(context.Context, map[string]any) (tooling.Result, error) {
		if int(flaky.Add(1)) <= o.failures {
			return tooling.Result{}, errors.New("service temporarily unavailable")
		}
		return tooling.Result{Text: "eventually"}, nil
	})
	h.tools.Seal()

	policy, err := risk.NewPolicy(risk.DefaultRuleSet(), risk.WithAllowedRoots(h.dir))
	require.NoError(t, err)
	h.trail = audit.NewMemoryTrail()
	gw := gateway.New(h.tools, policy, escalation.StaticChannel{Answer: o.answer}, h.trail)

	fs, err := store.NewFileStore(filepath.Join(h.dir, "data"), logging.Nop())
	require.NoError(t, err)
	h.sessions = session.NewManager(fs, logging.Nop())
	h.arts = artifacts.NewRegistry(fs, artifacts.WithThreadAutoOpen(h.sessions.AutoOpen))

	specs := o.specialists
	if len(specs) == 0 {
		specs = []agent.Specialist{&funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: answer("ok")}}
	}
	h.d = New(Deps{
		Router:    NewRouter(specs),
		Gateway:   gw,
		Invoker:   invoker.New(h.tools),
		Catalog:   h.tools,
		Artifacts: h.arts,
		Sessions:  h.sessions,
	}, WithRetry(retry.Policy{MaxRetries: 2, Base: time.Millisecond, Max: 2 * time.Millisecond}))
	return h
}

func (h *harness) thread(t *testing.T) string {
	t.Helper()
	s, err := h.sessions.Create(context.Background())
	require.NoError(t, err)
	return s.ID()
}

func states(t *Task) []State {
	var out []State
	for _, tr := range t.History() {
		out = append(out, tr.State)
	}
	return out
}

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{StateReceived, StateRouted}, {StateRouted, StateExecuting},
		{StateExecuting, StateCompleted}, {StateExecuting, StateFailed},
		{StateReceived, StateFailed}, {StateRouted, StateFailed},
	}
	for _, tc := range legal {
		assert.NoError(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
	illegal := [][2]State{
		{StateReceived, StateExecuting}, {StateReceived, StateCompleted},
		{StateCompleted, StateFailed}, {StateFailed, StateExecuting}, {StateExecuting, StateRouted},
	}
	for _, tc := range illegal {
		assert.Error(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
}

func TestRun_ReasonerProducesArtifacts(t *testing.T) {
	script := &llm.Script{Responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "note_writer", Arguments: map[string]any{"name": "plan.md"}}}},
		{Content: "Wrote plan.md"},
	}}
	h := newHarness(t, harnessOpts{
		answer: escalation.Approve,
		specialists: []agent.Specialist{
			agent.NewReasoner(agent.GeneralProfile(), script, nil),
		},
	})
	thread := h.thread(t)
	task := h.d.NewTask(thread, "write a plan document")

	require.NoError(t, h.d.Run(context.Background(), task))
	assert.Equal(t, StateCompleted, task.State())
	assert.Equal(t, []State{StateReceived, StateRouted, StateExecuting, StateCompleted}, states(task))
	assert.Equal(t, agent.General, task.Specialist())

	out, err := task.Result()
	require.NoError(t, err)
	assert.Equal(t, "Wrote plan.md", out.Text)
	require.Len(t, out.ArtifactIDs, 1)

	recs := h.arts.List(thread)
	require.Len(t, recs, 1)
	assert.Equal(t, out.ArtifactIDs[0], recs[0].ID)
	assert.Equal(t, "note_writer", recs[0].Tool)

	s, err := h.sessions.Open(context.Background(), thread)
	require.NoError(t, err)
	st := s.State()
	assert.Equal(t, []string{recs[0].ID}, st.ArtifactIDs)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, session.RoleUser, st.Messages[0].Role)
	assert.Equal(t, session.RoleAssistant, st.Messages[1].Role)
	assert.Equal(t, "write a plan document", st.Title)

	// One audited decision for the WRITE call.
	assert.Equal(t, 1, h.trail.Len())
}

func TestRun_DeniedCallIsNotRetried(t *testing.T) {
	var got error
	sp := &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: func(ctx context.Context, _ agent.Task, call agent.ToolCallFn) (agent.Output, error) {
		_, got = call(ctx, "note_writer", map[string]any{"name": "x.md"})
		return agent.Output{Text: "gave up"}, nil
	}}
	h := newHarness(t, harnessOpts{answer: escalation.Deny, specialists: []agent.Specialist{sp}})
	task := h.d.NewTask(h.thread(t), "write")

	require.NoError(t, h.d.Run(context.Background(), task))
	assert.ErrorIs(t, got, faults.ErrAuthorizationDenied)
	assert.Equal(t, int32(0), h.calls["note_writer"].Load())
	assert.Equal(t, StateCompleted, task.State())
}

func TestRun_UnknownToolIsTerminal(t *testing.T) {
	var got error
	sp := &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: func(ctx context.Context, _ agent.Task, call agent.ToolCallFn) (agent.Output, error) {
		_, got = call(ctx, "teleport", nil)
		return agent.Output{}, nil
	}}
	h := newHarness(t, harnessOpts{answer: escalation.Approve, specialists: []agent.Specialist{sp}})
	require.NoError(t, h.d.Run(context.Background(), h.d.NewTask(h.thread(t), "go")))
	assert.ErrorIs(t, got, faults.ErrUnknownTool)
}

func TestRun_RetriesTransientToolFaults(t *testing.T) {
	var res agent.ToolResult
	sp := &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: func(ctx context.Context, _ agent.Task, call agent.ToolCallFn) (agent.Output, error) {
		var err error
		res, err = call(ctx, "flaky", nil)
		return agent.Output{Text: res.Text}, err
	}}
	h := newHarness(t, harnessOpts{answer: escalation.Approve, failures: 2, specialists: []agent.Specialist{sp}})
	task := h.d.NewTask(h.thread(t), "try")

	require.NoError(t, h.d.Run(context.Background(), task))
	assert.Equal(t, "eventually", res.Text)
	assert.Equal(t, int32(3), h.calls["flaky"].Load())
}

func TestRun_ExhaustedRetriesFailTask(t *testing.T) {
	sp := &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: func(ctx context.Context, _ agent.Task, call agent.ToolCallFn) (agent.Output, error) {
		_, err := call(ctx, "flaky", nil)
		return agent.Output{}, err
	}}
	h := newHarness(t, harnessOpts{answer: escalation.Approve, failures: 100, specialists: []agent.Specialist{sp}})
	thread := h.thread(t)
	task := h.d.NewTask(thread, "try")

	err := h.d.Run(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, StateFailed, task.State())
	assert.Equal(t, faults.KindToolFault, faults.KindOf(err))
	assert.Equal(t, 3, faults.AttemptOf(err))
	assert.Equal(t, int32(3), h.calls["flaky"].Load())

	s, err := h.sessions.Open(context.Background(), thread)
	require.NoError(t, err)
	last := s.History(1)[0]
	assert.Equal(t, session.RoleSystem, last.Role)
	assert.Equal(t, string(faults.KindToolFault), last.Metadata["kind"])
}

func TestRun_TwiceIsIllegal(t *testing.T) {
	h := newHarness(t, harnessOpts{answer: escalation.Approve})
	task := h.d.NewTask(h.thread(t), "hello")
	require.NoError(t, h.d.Run(context.Background(), task))
	assert.Error(t, h.d.Run(context.Background(), task))
	assert.Equal(t, StateCompleted, task.State())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, harnessOpts{answer: escalation.Approve})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := h.d.NewTask(h.thread(t), "hello")
	err := h.d.Run(ctx, task)
	assert.ErrorIs(t, err, faults.ErrTaskCancelled)
	assert.Equal(t, []State{StateReceived, StateFailed}, states(task))
}

func TestRun_DeclinedTaskIsRerouted(t *testing.T) {
	swe := &funcSpecialist{
		caps: agent.Capabilities{Name: agent.SWE, Tags: []string{"code_generation"}},
		fn: func(context.Context, agent.Task, agent.ToolCallFn) (agent.Output, error) {
			return agent.Output{}, agent.ErrDeclined
		},
	}
	general := &funcSpecialist{caps: agent.Capabilities{Name: agent.General}, fn: answer("handled")}
	h := newHarness(t, harnessOpts{answer: escalation.Approve, specialists: []agent.Specialist{swe, general}})
	task := h.d.NewTask(h.thread(t), "write some code")

	require.NoError(t, h.d.Run(context.Background(), task))
	out, _ := task.Result()
	assert.Equal(t, "handled", out.Text)
	assert.Equal(t, agent.General, task.Specialist())

	hist := h.d.Router.History()
	require.Len(t, hist, 2)
	assert.Equal(t, agent.SWE, hist[0].Specialist)
	assert.Equal(t, 2, hist[1].Attempt)
	assert.Equal(t, []string{agent.SWE}, hist[1].Excluded)
}

func TestRun_MissingThreadFails(t *testing.T) {
	h := newHarness(t, harnessOpts{answer: escalation.Approve})
	task := h.d.NewTask("does-not-exist", "hello")
	err := h.d.Run(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrThreadNotFound)
	assert.Equal(t, StateFailed, task.State())
}
