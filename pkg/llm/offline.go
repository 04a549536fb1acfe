package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// OfflineClient answers without a model. It never calls tools, so a task
// run offline completes in one iteration.
type OfflineClient struct{}

func (OfflineClient) Chat(ctx context.Context, msgs []Message, _ []ToolDefinition, _ *SamplingOptions) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var last string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			last = msgs[i].Content
			break
		}
	}
	if utf8.RuneCountInString(last) > 200 {
		last = string([]rune(last)[:197]) + "..."
	}
	return &Response{Content: fmt.Sprintf(
		"Offline mode: no completion model is configured, so no tools were run.\nRequest: %s",
		strings.TrimSpace(last))}, nil
}

// Script replays canned responses in order; once exhausted it repeats the
// last one. Errors in Errs are returned in place of the response at the
// same index.
type Script struct {
	mu        sync.Mutex
	Responses []Response
	Errs      []error
	calls     int
	seen      [][]Message
}

func (s *Script) Chat(ctx context.Context, msgs []Message, _ []ToolDefinition, _ *SamplingOptions) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.seen = append(s.seen, append([]Message(nil), msgs...))
	if i < len(s.Errs) && s.Errs[i] != nil {
		return nil, s.Errs[i]
	}
	if len(s.Responses) == 0 {
		return &Response{}, nil
	}
	if i >= len(s.Responses) {
		i = len(s.Responses) - 1
	}
	r := s.Responses[i]
	return &r, nil
}

// Calls returns the number of Chat calls.
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Seen returns the messages of the nth call.
func (s *Script) Seen(n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n >= len(s.seen) {
		return nil
	}
	return s.seen[n]
}
