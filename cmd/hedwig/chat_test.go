package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sahan-penakalapati/hedwig/pkg/app"
	"github.com/sahan-penakalapati/hedwig/pkg/escalation"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
)

// confirmingAsker asks for one confirmation per prompt and echoes the answer.
type confirmingAsker struct {
	broker *escalation.Broker
	seen   chan string
}

func (f confirmingAsker) Ask(ctx context.Context, threadID, prompt string) (app.Reply, error) {
	f.seen <- threadID
	ans, err := f.broker.RequestConfirmation(ctx, escalation.Prompt{
		Tool: "bash", ArgsSummary: "command=rm -rf build", Tier: risk.Destructive, Rationale: "destructive shell operation",
	}, 5*time.Second)
	if err != nil {
		return app.Reply{}, err
	}
	return app.Reply{ThreadID: threadID, Text: "answer " + ans.String()}, nil
}

func (confirmingAsker) NewThread(context.Context) (string, error) { return "t2", nil }

func newChatSession(input string, out *bytes.Buffer) (*chatSession, confirmingAsker) {
	pending := make(chan escalation.Intent, 4)
	broker := escalation.NewBroker().OnPending(func(i escalation.Intent) { pending <- i })
	asker := confirmingAsker{broker: broker, seen: make(chan string, 4)}
	return &chatSession{
		out:      out,
		app:      asker,
		broker:   broker,
		pending:  pending,
		lines:    readLines(strings.NewReader(input)),
		threadID: "t1",
	}, asker
}

func TestChatSession_ApprovesWhilePromptRuns(t *testing.T) {
	var out bytes.Buffer
	s, asker := newChatSession("clean up\ny\n", &out)

	if err := s.loop(context.Background()); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if got := <-asker.seen; got != "t1" {
		t.Errorf("thread = %q, want t1", got)
	}
	for _, want := range []string{"DESTRUCTIVE OPERATION WARNING", "[y/N]", "approved sha256:", "answer approve"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if n := len(s.broker.Pending()); n != 0 {
		t.Errorf("pending intents = %d, want 0", n)
	}
}

func TestChatSession_ClosedInputDenies(t *testing.T) {
	var out bytes.Buffer
	s, _ := newChatSession("clean up\n", &out)

	if err := s.loop(context.Background()); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if !strings.Contains(out.String(), "answer deny") {
		t.Errorf("output = %q, want a denial", out.String())
	}
}

func TestChatSession_NewThread(t *testing.T) {
	var out bytes.Buffer
	s, asker := newChatSession("/new\nhello\nn\nexit\n", &out)

	if err := s.loop(context.Background()); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if got := <-asker.seen; got != "t2" {
		t.Errorf("thread = %q, want t2", got)
	}
	if !strings.Contains(out.String(), "new thread t2") || !strings.Contains(out.String(), "answer deny") {
		t.Errorf("output:\n%s", out.String())
	}
}
