package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/agent"
	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/dispatch"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
)

// Reply is the answer to one prompt.
type Reply struct {
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
	// Command is set when the prompt was answered without a specialist.
	Command string       `json:"command,omitempty"`
	Output  agent.Output `json:"output"`
	// Artifacts are the records produced while answering.
	Artifacts []artifacts.Record `json:"artifacts,omitempty"`
	// Opened is the artifact handed to the opener, if any.
	Opened *artifacts.Record `json:"opened,omitempty"`
}

// Submit queues prompt on threadID, creating the thread when threadID is
// empty.
func (a *App) Submit(ctx context.Context, threadID, prompt string) (*dispatch.Task, error) {
	s, err := a.sessions.OpenOrCreate(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return a.pool.Submit(ctx, s.ID(), prompt)
}

// Wait blocks until the task finishes or ctx ends.
func (a *App) Wait(ctx context.Context, taskID string) (agent.Output, error) {
	return a.pool.Wait(ctx, taskID)
}

// Cancel stops a queued or running task.
func (a *App) Cancel(taskID string) error { return a.pool.Cancel(taskID) }

// Ask answers prompt on threadID. Built-in commands are answered directly;
// anything else runs as a task. New artifacts are offered to the opener.
func (a *App) Ask(ctx context.Context, threadID, prompt string) (Reply, error) {
	s, err := a.sessions.OpenOrCreate(ctx, threadID)
	if err != nil {
		return Reply{}, err
	}
	if name, ok := matchCommand(prompt); ok {
		return a.runCommand(ctx, s, name, prompt)
	}

	task, err := a.pool.Submit(ctx, s.ID(), prompt)
	if err != nil {
		return Reply{ThreadID: s.ID()}, err
	}
	out, err := task.Wait(ctx)
	reply := Reply{ThreadID: s.ID(), Text: out.Text, Output: out}
	for _, id := range out.ArtifactIDs {
		if r, getErr := a.artifacts.Get(id); getErr == nil {
			reply.Artifacts = append(reply.Artifacts, r)
		}
	}
	if err != nil {
		return reply, err
	}
	reply.Opened = a.autoOpen(ctx, reply.Artifacts)
	return reply, nil
}

func (a *App) autoOpen(ctx context.Context, batch []artifacts.Record) *artifacts.Record {
	if a.opener == nil {
		return nil
	}
	r, ok := artifacts.SelectForOpen(batch)
	if !ok {
		return nil
	}
	if err := a.opener.Open(ctx, r); err != nil {
		a.logger.Warn(ctx, "auto-open failed", zap.String("artifact_id", r.ID), zap.String("path", r.Path), zap.Error(err))
		return nil
	}
	return &r
}

const (
	cmdListArtifacts = "list_artifacts"
	cmdStatus        = "status"
	cmdHelp          = "help"
)

var commands = map[string]string{
	"list artifacts": cmdListArtifacts,
	"show artifacts": cmdListArtifacts,
	"what artifacts": cmdListArtifacts,
	"list files":     cmdListArtifacts,
	"show files":     cmdListArtifacts,
	"status":         cmdStatus,
	"stats":          cmdStatus,
	"help":           cmdHelp,
}

// matchCommand recognises a whole prompt that is a built-in command.
func matchCommand(prompt string) (string, bool) {
	key := strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
	key = strings.TrimRight(key, "?!.")
	name, ok := commands[key]
	return name, ok
}

// runCommand answers a built-in command in the thread's lane, so it is
// recorded after any prompt still running on the thread.
func (a *App) runCommand(ctx context.Context, s *session.Session, name, prompt string) (Reply, error) {
	var text string
	err := a.pool.Do(ctx, s.ID(), func(ctx context.Context) error {
		switch name {
		case cmdListArtifacts:
			text = artifacts.Summary(a.artifacts.List(s.ID()))
		case cmdStatus:
			text = a.status(s)
		default:
			text = a.help()
		}
		s.Append(session.RoleUser, prompt, map[string]string{"command": name})
		s.Append(session.RoleAssistant, text, map[string]string{"command": name})
		return a.sessions.Save(ctx, s)
	})
	if err != nil {
		return Reply{ThreadID: s.ID()}, err
	}
	return Reply{ThreadID: s.ID(), Text: text, Command: name}, nil
}

func (a *App) status(s *session.Session) string {
	st := s.State()
	denials := a.gateway.Stats()
	routing := a.router.Stats()

	var b strings.Builder
	b.WriteString("=== Hedwig Status ===\n")
	fmt.Fprintf(&b, "Thread: %s\n", st.ID)
	fmt.Fprintf(&b, "Messages: %d\n", len(st.Messages))
	fmt.Fprintf(&b, "Artifacts: %d\n", len(a.artifacts.List(st.ID)))
	fmt.Fprintf(&b, "Active tasks: %d of %d workers\n", a.pool.Pending(), a.pool.Workers())
	fmt.Fprintf(&b, "Tools: %d\n", len(a.tools.List()))
	fmt.Fprintf(&b, "Tasks routed: %d (fallbacks %d)\n", routing.Total, routing.Fallbacks)
	fmt.Fprintf(&b, "Tool calls denied: %d\n", denials.Total)
	if len(denials.ByTool) > 0 {
		tools := make([]string, 0, len(denials.ByTool))
		for t := range denials.ByTool {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		for _, t := range tools {
			fmt.Fprintf(&b, "  - %s: %d\n", t, denials.ByTool[t])
		}
	}
	fmt.Fprintf(&b, "Data directory: %s", a.cfg.DataDir)
	return b.String()
}

func (a *App) help() string {
	var b strings.Builder
	b.WriteString("=== Hedwig ===\n\n")
	b.WriteString("Describe what you need in plain language. Specialists:\n")
	for _, sp := range a.router.Specialists() {
		caps := sp.Capabilities()
		fmt.Fprintf(&b, "  - %s: %s\n", caps.Name, caps.Purpose)
	}
	b.WriteString("\nTools:\n")
	for _, d := range a.tools.List() {
		fmt.Fprintf(&b, "  - %s (%s): %s\n", d.Name, d.Tier, d.Summary)
	}
	b.WriteString("\nCommands:\n")
	b.WriteString("  - list artifacts: show the files produced in this thread\n")
	b.WriteString("  - status: show thread and system status\n")
	b.WriteString("  - help: show this message")
	return b.String()
}
