package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/llm"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/retry"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
	"github.com/sahan-penakalapati/hedwig/pkg/tooling"
)

const (
	DefaultMaxIterations = 10
	historyWindow        = 10
	historyClip          = 200
)

// ToolLister exposes the tools a specialist may offer to the model.
type ToolLister interface {
	List() []tooling.Descriptor
}

// Profile configures a Reasoner for one domain.
type Profile struct {
	Capabilities Capabilities
	SystemPrompt string
	// Tools limits the offered tools. Empty offers all.
	Tools []string
}

// Reasoner is a Specialist that loops over a completion model, running the
// tool calls it asks for until it answers without one.
type Reasoner struct {
	profile  Profile
	client   llm.Client
	tools    ToolLister
	maxIter  int
	retry    retry.Policy
	sampling *llm.SamplingOptions
	logger   *logging.Logger
}

type Option func(*Reasoner)

func WithMaxIterations(n int) Option {
	return func(r *Reasoner) {
		if n > 0 {
			r.maxIter = n
		}
	}
}

// WithRetry sets the policy for transient model faults.
func WithRetry(p retry.Policy) Option {
	return func(r *Reasoner) { r.retry = p }
}

func WithSampling(s *llm.SamplingOptions) Option {
	return func(r *Reasoner) { r.sampling = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Reasoner) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewReasoner(p Profile, client llm.Client, tools ToolLister, opts ...Option) *Reasoner {
	r := &Reasoner{
		profile: p,
		client:  client,
		tools:   tools,
		maxIter: DefaultMaxIterations,
		retry:   retry.DefaultPolicy(),
		logger:  logging.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.Named("agent." + p.Capabilities.Name)
	return r
}

func (r *Reasoner) Capabilities() Capabilities { return r.profile.Capabilities }

// Handle runs the reasoning loop. Authorization denials, unknown tools and
// permanent tool faults are fed back to the model as failed steps. Transient
// faults that outlive their retries, cancellation and model failures end the
// task with an error.
func (r *Reasoner) Handle(ctx context.Context, task Task, call ToolCallFn) (Output, error) {
	out := Output{Specialist: r.profile.Capabilities.Name, ArtifactIDs: []string{}}
	if strings.TrimSpace(task.Prompt) == "" {
		return out, faults.Newf(faults.KindToolFault, "agent.handle", r.profile.Capabilities.Name, "empty task prompt")
	}
	defs := r.definitions()
	msgs := r.messages(task)

	for i := 1; i <= r.maxIter; i++ {
		out.Iterations = i
		resp, err := r.chat(ctx, msgs, defs)
		if err != nil {
			return out, err
		}
		if len(resp.ToolCalls) == 0 {
			out.Text = resp.Content
			return out, nil
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			step := Step{Iteration: i, Tool: tc.Name}
			res, err := call(ctx, tc.Name, tc.Arguments)
			if err != nil {
				step.Kind = faults.KindOf(err)
				step.Attempt = faults.AttemptOf(err)
				step.Error = err.Error()
				out.Steps = append(out.Steps, step)
				if fatal(ctx, err) {
					return out, err
				}
				r.logger.Info(ctx, "tool call failed", zap.String("tool", tc.Name), zap.String("kind", string(step.Kind)), zap.Error(err))
				msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: "Error: " + err.Error()})
				continue
			}
			step.OK = true
			for _, rec := range res.Artifacts {
				step.ArtifactIDs = append(step.ArtifactIDs, rec.ID)
				out.ArtifactIDs = append(out.ArtifactIDs, rec.ID)
			}
			out.Steps = append(out.Steps, step)
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: toolFeedback(res)})
		}
	}
	r.logger.Warn(ctx, "reached max iterations", zap.Int("max_iterations", r.maxIter))
	out.Text = fmt.Sprintf("Task partially completed. Reached maximum iteration limit (%d).", r.maxIter)
	return out, nil
}

func (r *Reasoner) chat(ctx context.Context, msgs []llm.Message, defs []llm.ToolDefinition) (*llm.Response, error) {
	var resp *llm.Response
	err := retry.Do(ctx, r.retry, "model:"+r.profile.Capabilities.Name, func(ctx context.Context, _ int) error {
		var err error
		resp, err = r.client.Chat(ctx, msgs, defs, r.sampling)
		if err != nil && ctx.Err() == nil && faults.KindOf(err) == faults.KindToolFault {
			err = faults.New(faults.KindModelFault, "llm.chat", r.profile.Capabilities.Name, err)
		}
		return err
	}, func(attempt int, err error, delay time.Duration) {
		r.logger.Warn(ctx, "model call failed, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// fatal reports whether a tool call error ends the task.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, faults.ErrTaskCancelled) {
		return true
	}
	return faults.IsRetryable(err)
}

func (r *Reasoner) definitions() []llm.ToolDefinition {
	if r.tools == nil {
		return nil
	}
	allowed := map[string]bool{}
	for _, n := range r.profile.Tools {
		allowed[n] = true
	}
	var defs []llm.ToolDefinition
	for _, d := range r.tools.List() {
		if len(allowed) > 0 && !allowed[d.Name] {
			continue
		}
		def := llm.ToolDefinition{Name: d.Name, Description: fmt.Sprintf("%s (risk: %s)", d.Summary, d.Tier)}
		if len(d.ArgSchema) > 0 {
			def.Parameters = schemaMap(d.ArgSchema)
		}
		defs = append(defs, def)
	}
	return defs
}

func (r *Reasoner) messages(task Task) []llm.Message {
	sys := r.profile.SystemPrompt
	if sys == "" {
		sys = "You are " + r.profile.Capabilities.Name + ". " + r.profile.Capabilities.Purpose
	}
	if len(task.Artifacts) > 0 {
		sys += "\n\n" + artifacts.Summary(task.Artifacts)
	}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: sys}}
	hist := task.History
	if len(hist) > historyWindow {
		hist = hist[len(hist)-historyWindow:]
	}
	for _, m := range hist {
		role := llm.RoleUser
		switch m.Role {
		case session.RoleAssistant:
			role = llm.RoleAssistant
		case session.RoleSystem, session.RoleTool:
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: clip(m.Content, historyClip)})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: task.Prompt})
}

func toolFeedback(res ToolResult) string {
	var b strings.Builder
	b.WriteString(res.Text)
	if res.Warning {
		b.WriteString("\n(ran with destructive-risk approval)")
	}
	for _, rec := range res.Artifacts {
		fmt.Fprintf(&b, "\nCreated artifact %s (%s) at %s", rec.DisplayName(), rec.Type, rec.Path)
	}
	return b.String()
}

func schemaMap(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
