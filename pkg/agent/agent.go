// Package agent defines the specialist contract and the built-in
// specialists. Specialists only reach tools through the ToolCallFn they are
// handed, which mediates every call.
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
)

// Capabilities describe a specialist for routing.
type Capabilities struct {
	Name     string   `json:"name"`
	Purpose  string   `json:"purpose"`
	Tags     []string `json:"tags"`
	Examples []string `json:"examples"`
}

// Summary renders the description for prompts and the CLI.
func (c Capabilities) Summary() string {
	var b strings.Builder
	b.WriteString("Agent: " + c.Name + "\nPurpose: " + c.Purpose)
	if len(c.Tags) > 0 {
		b.WriteString("\nCapabilities: " + strings.Join(c.Tags, ", "))
	}
	if len(c.Examples) > 0 {
		b.WriteString("\nExample tasks:")
		for _, e := range c.Examples {
			b.WriteString("\n  - " + e)
		}
	}
	return b.String()
}

// Task is the unit of work handed to a specialist.
type Task struct {
	ID       string
	ThreadID string
	Prompt   string
	// History holds the thread's messages before Prompt.
	History []session.Message
	// Artifacts are the thread's existing artifacts.
	Artifacts []artifacts.Record
}

// ToolResult is what a mediated tool call returns to a specialist.
type ToolResult struct {
	Text      string
	Artifacts []artifacts.Record
	// Warning is set when the call ran under an explicit destructive-risk
	// approval.
	Warning bool
}

// ToolCallFn runs one tool call through authorization, execution and
// artifact registration.
type ToolCallFn func(ctx context.Context, name string, args map[string]any) (ToolResult, error)

// Step records one tool call made while handling a task.
type Step struct {
	Iteration   int         `json:"iteration"`
	Tool        string      `json:"tool"`
	OK          bool        `json:"ok"`
	Kind        faults.Kind `json:"kind,omitempty"`
	Attempt     int         `json:"attempt,omitempty"`
	Error       string      `json:"error,omitempty"`
	ArtifactIDs []string    `json:"artifact_ids,omitempty"`
}

// Output is a specialist's answer.
type Output struct {
	Text        string   `json:"text"`
	ArtifactIDs []string `json:"artifact_ids"`
	Steps       []Step   `json:"steps,omitempty"`
	Iterations  int      `json:"iterations"`
	Specialist  string   `json:"specialist"`
}

// FailedSteps returns the steps that did not succeed.
func (o Output) FailedSteps() []Step {
	var out []Step
	for _, s := range o.Steps {
		if !s.OK {
			out = append(out, s)
		}
	}
	return out
}

// ErrDeclined is returned by Handle when a specialist refuses a task it was
// routed to. The dispatcher then routes again without it.
var ErrDeclined = errors.New("agent: task declined")

// Specialist handles tasks of one domain.
type Specialist interface {
	Capabilities() Capabilities
	Handle(ctx context.Context, task Task, call ToolCallFn) (Output, error)
}
