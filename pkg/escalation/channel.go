// Package escalation carries confirmation prompts for risky tool calls to a
// human and brings back an answer.
//
// Channel is the contract the security gateway depends on. Broker is the
// in-process implementation used by asynchronous front ends; TerminalChannel
// prompts on a terminal; StaticChannel and Unavailable serve batch runs and
// tests.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sahan-penakalapati/hedwig/pkg/risk"
)

// Answer is the outcome of a confirmation request.
type Answer int

const (
	TimedOut Answer = iota
	Approve
	Deny
)

func (a Answer) String() string {
	switch a {
	case Approve:
		return "approve"
	case Deny:
		return "deny"
	default:
		return "timed_out"
	}
}

// ErrUnavailable is returned by channels that cannot reach a human.
var ErrUnavailable = errors.New("confirmation channel unavailable")

// Prompt is what the human is asked to decide on.
type Prompt struct {
	Tool        string    `json:"tool"`
	ArgsSummary string    `json:"args_summary"`
	Tier        risk.Tier `json:"tier"`
	Rationale   string    `json:"rationale"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Specialist  string    `json:"specialist,omitempty"`
}

// Channel asks a human to approve or deny a tool call.
//
// RequestConfirmation blocks until an answer arrives, timeout elapses or ctx
// is done. Implementations return TimedOut on expiry and a non-nil error when
// no answer could be obtained at all.
type Channel interface {
	RequestConfirmation(ctx context.Context, p Prompt, timeout time.Duration) (Answer, error)
}

// StaticChannel answers every prompt the same way.
type StaticChannel struct {
	Answer Answer
	// Delay simulates a slow human.
	Delay time.Duration
}

func (s StaticChannel) RequestConfirmation(ctx context.Context, _ Prompt, timeout time.Duration) (Answer, error) {
	if s.Delay <= 0 {
		return s.Answer, nil
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	expire := time.NewTimer(timeout)
	defer expire.Stop()
	select {
	case <-t.C:
		return s.Answer, nil
	case <-expire.C:
		return TimedOut, nil
	case <-ctx.Done():
		return TimedOut, ctx.Err()
	}
}

// Unavailable is a channel with nobody on the other end.
type Unavailable struct{}

func (Unavailable) RequestConfirmation(context.Context, Prompt, time.Duration) (Answer, error) {
	return TimedOut, ErrUnavailable
}

const maxArgsSummary = 100

// SummarizeArgs renders args as "k=v, ..." in key order, truncated to 100
// characters.
func SummarizeArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	s := strings.Join(parts, ", ")
	if r := []rune(s); len(r) > maxArgsSummary {
		s = string(r[:maxArgsSummary-3]) + "..."
	}
	return s
}

// Message renders the prompt as text for terminals and dialogs.
func Message(p Prompt) string {
	header := "EXECUTION CONFIRMATION REQUIRED"
	warning := "This operation will modify files or execute code or system commands."
	if p.Tier == risk.Destructive {
		header = "DESTRUCTIVE OPERATION WARNING"
		warning = "This operation could cause permanent damage to your system."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", header)
	fmt.Fprintf(&b, "Tool: %s\n", p.Tool)
	fmt.Fprintf(&b, "Risk Level: %s\n", p.Tier)
	fmt.Fprintf(&b, "Arguments: %s\n", p.ArgsSummary)
	if p.Rationale != "" {
		fmt.Fprintf(&b, "Reason: %s\n", p.Rationale)
	}
	fmt.Fprintf(&b, "\n%s\n\nDo you want to proceed with this operation?", warning)
	return b.String()
}
