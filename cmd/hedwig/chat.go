package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sahan-penakalapati/hedwig/pkg/app"
	"github.com/sahan-penakalapati/hedwig/pkg/escalation"
)

const terminalUser = "terminal"

func (c *cli) chatCommand() *cobra.Command {
	var thread string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runChat(cmd, thread)
		},
	}
	cmd.Flags().StringVar(&thread, "thread", "", "resume an existing thread")
	return cmd
}

// runChat reads prompts line by line. Confirmations go through a broker so
// the prompt loop keeps reading while a prompt is being answered.
func (c *cli) runChat(cmd *cobra.Command, threadID string) error {
	pending := make(chan escalation.Intent, 16)
	broker := escalation.NewBroker().OnPending(func(i escalation.Intent) {
		select {
		case pending <- i:
		default:
			// never shown, so it expires and is denied
		}
	})
	return c.withApp(cmd, func(a *app.App) error {
		ctx := cmd.Context()
		if threadID == "" {
			id, err := a.NewThread(ctx)
			if err != nil {
				return err
			}
			threadID = id
		} else if _, err := a.Thread(ctx, threadID); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(c.stdout, "%sHedwig%s  thread %s\n", colorBold, colorReset, threadID)
		_, _ = fmt.Fprintf(c.stdout, "%sType 'help' for commands, '/new' for a fresh thread, 'exit' to quit.%s\n", colorGray, colorReset)

		s := &chatSession{
			out:      c.stdout,
			app:      a,
			broker:   broker,
			pending:  pending,
			lines:    readLines(c.stdin),
			reloaded: a.RulesReloaded(),
			threadID: threadID,
		}
		return s.loop(ctx)
	}, app.WithChannel(broker))
}

type asker interface {
	Ask(ctx context.Context, threadID, prompt string) (app.Reply, error)
	NewThread(ctx context.Context) (string, error)
}

type askResult struct {
	reply app.Reply
	err   error
}

// chatSession is the state of one interactive loop.
type chatSession struct {
	out      io.Writer
	app      asker
	broker   *escalation.Broker
	pending  <-chan escalation.Intent
	lines    <-chan string
	reloaded <-chan string
	threadID string

	// asking holds intents awaiting an answer; the first is on screen.
	asking []escalation.Intent
}

// readLines feeds input lines to the returned channel and closes it at EOF.
// The goroutine lives for the process; a blocked terminal read cannot be
// interrupted portably.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

func (s *chatSession) loop(ctx context.Context) error {
	var done chan askResult
	for {
		if done == nil {
			if s.lines == nil {
				_, _ = fmt.Fprintln(s.out)
				return nil
			}
			drainReloads(s.out, s.reloaded)
			_, _ = fmt.Fprintf(s.out, "\n%syou>%s ", colorCyan, colorReset)
		}

		// While a prompt runs, input is only read to answer a confirmation.
		var in <-chan string
		if done == nil || len(s.asking) > 0 {
			in = s.lines
		}

		select {
		case <-ctx.Done():
			if done != nil {
				<-done
			}
			return nil

		case r := <-done:
			done = nil
			s.asking = nil
			if r.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				_, _ = fmt.Fprintf(s.out, "%sfailed:%s %v\n", colorRed, colorReset, r.err)
				continue
			}
			printReply(s.out, r.reply)

		case i := <-s.pending:
			if s.lines == nil {
				_, _ = s.broker.Deny(ctx, i.IntentID, terminalUser, "input closed")
				continue
			}
			s.asking = append(s.asking, i)
			if len(s.asking) == 1 {
				s.show(i)
			}

		case line, ok := <-in:
			if !ok {
				s.lines = nil
				for _, i := range s.asking {
					_, _ = s.broker.Deny(ctx, i.IntentID, terminalUser, "input closed")
				}
				s.asking = nil
				continue
			}
			if done != nil {
				s.answer(ctx, line)
				continue
			}

			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "exit", "quit", "/exit", "/quit":
				return nil
			case "/new":
				id, err := s.app.NewThread(ctx)
				if err != nil {
					return err
				}
				s.threadID = id
				_, _ = fmt.Fprintf(s.out, "%snew thread %s%s\n", colorGray, s.threadID, colorReset)
				continue
			}
			done = s.ask(ctx, line)
		}
	}
}

func (s *chatSession) ask(ctx context.Context, prompt string) chan askResult {
	done := make(chan askResult, 1)
	threadID := s.threadID
	go func() {
		reply, err := s.app.Ask(ctx, threadID, prompt)
		done <- askResult{reply, err}
	}()
	return done
}

func (s *chatSession) show(i escalation.Intent) {
	wait := time.Until(i.ExpiresAt).Round(time.Second)
	_, _ = fmt.Fprintf(s.out, "\n%s\n[y/N] (auto-deny in %s): ", escalation.Message(i.Prompt), wait)
}

// answer resolves the intent on screen with line and shows the next one.
func (s *chatSession) answer(ctx context.Context, line string) {
	i := s.asking[0]
	s.asking = s.asking[1:]

	var (
		receipt *escalation.Receipt
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		receipt, err = s.broker.Approve(ctx, i.IntentID, terminalUser)
	default:
		receipt, err = s.broker.Deny(ctx, i.IntentID, terminalUser, "declined at terminal")
	}
	switch {
	case err != nil:
		_, _ = fmt.Fprintf(s.out, "%sconfirmation no longer pending, denied%s\n", colorYellow, colorReset)
	case receipt.Outcome == escalation.StatusTimedOut:
		_, _ = fmt.Fprintf(s.out, "%stoo late, denied%s\n", colorYellow, colorReset)
	default:
		_, _ = fmt.Fprintf(s.out, "%s%s %s%s\n", colorGray, strings.ToLower(string(receipt.Outcome)), receipt.ContentHash, colorReset)
	}

	if len(s.asking) > 0 {
		s.show(s.asking[0])
	}
}

func drainReloads(w io.Writer, ch <-chan string) {
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "%srisk rules reloaded (%s)%s\n", colorYellow, v, colorReset)
		default:
			return
		}
	}
}

func printReply(w io.Writer, r app.Reply) {
	_, _ = fmt.Fprintf(w, "%shedwig>%s %s\n", colorGreen, colorReset, r.Text)
	for _, s := range r.Output.FailedSteps() {
		_, _ = fmt.Fprintf(w, "  %s! %s: %s%s\n", colorYellow, s.Tool, s.Error, colorReset)
	}
	for _, rec := range r.Artifacts {
		_, _ = fmt.Fprintf(w, "  %s+ %s%s (%s) %s\n", colorCyan, rec.DisplayName(), colorReset, rec.Type, rec.Path)
	}
	if r.Opened != nil {
		_, _ = fmt.Fprintf(w, "  %sopened %s%s\n", colorGray, r.Opened.DisplayName(), colorReset)
	}
}
