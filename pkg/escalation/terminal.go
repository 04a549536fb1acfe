package escalation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// TerminalChannel prompts on out and reads y/N answers from in.
// Prompts are serialised; concurrent requests wait their turn.
type TerminalChannel struct {
	in  io.Reader
	out io.Writer

	turn  sync.Mutex
	once  sync.Once
	lines chan string
}

// NewTerminalChannel creates a terminal channel.
func NewTerminalChannel(in io.Reader, out io.Writer) *TerminalChannel {
	return &TerminalChannel{in: in, out: out}
}

// The reader goroutine lives for the process; a blocked terminal read cannot
// be interrupted portably.
func (c *TerminalChannel) start() {
	c.lines = make(chan string)
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()
}

func (c *TerminalChannel) RequestConfirmation(ctx context.Context, p Prompt, timeout time.Duration) (Answer, error) {
	c.once.Do(c.start)

	c.turn.Lock()
	defer c.turn.Unlock()

	fmt.Fprintf(c.out, "\n%s\n[y/N] (auto-deny in %s): ", Message(p), timeout.Round(time.Second))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line, ok := <-c.lines:
		if !ok {
			return TimedOut, ErrUnavailable
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return Approve, nil
		default:
			return Deny, nil
		}
	case <-timer.C:
		fmt.Fprintln(c.out, "\nno answer, denied")
		return TimedOut, nil
	case <-ctx.Done():
		return TimedOut, ctx.Err()
	}
}
