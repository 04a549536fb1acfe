// Package gateway is the single authorization point for tool calls.
//
// Authorize resolves the tool, lets the risk policy compute the effective
// tier and, for anything above READ_ONLY, asks a human through an
// escalation.Channel. Every outcome is appended to the audit trail before it
// is returned. Any failure along the way denies.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/audit"
	"github.com/sahan-penakalapati/hedwig/pkg/escalation"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/observability"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
	"github.com/sahan-penakalapati/hedwig/pkg/tooling"
)

// DefaultConfirmationTimeout bounds how long a prompt waits for a human.
const DefaultConfirmationTimeout = 10 * time.Second

// Verdict is the gateway's answer to a request.
type Verdict string

const (
	Allowed            Verdict = "ALLOWED"
	Denied             Verdict = "DENIED"
	AllowedWithWarning Verdict = "ALLOWED_WITH_WARNING"
)

// Request is one proposed tool call.
type Request struct {
	Tool       string
	Args       map[string]any
	ThreadID   string
	Specialist string
}

// Decision is the outcome of Authorize.
type Decision struct {
	Verdict       Verdict
	StaticTier    risk.Tier
	EffectiveTier risk.Tier
	Rationale     string
	// Answer is meaningful only when Prompted is set.
	Answer    escalation.Answer
	Prompted  bool
	Escalated bool
	// Reason is set on denials, see the Reason constants.
	Reason string
}

// Permitted reports whether the call may proceed.
func (d Decision) Permitted() bool {
	return d.Verdict == Allowed || d.Verdict == AllowedWithWarning
}

// Err returns an AuthorizationDenied error carrying the rationale, or nil
// when the call is permitted.
func (d Decision) Err(tool string) error {
	if d.Permitted() {
		return nil
	}
	return &faults.Error{
		Kind:    faults.KindAuthorizationDenied,
		Op:      "gateway.authorize",
		Subject: tool,
		Code:    d.Reason,
		Err:     errors.New(d.Rationale),
	}
}

// Catalog resolves tool descriptors.
type Catalog interface {
	Get(name string) (tooling.Descriptor, error)
}

// Assessor computes effective risk tiers.
type Assessor interface {
	Assess(s risk.Subject, args map[string]any) risk.Assessment
}

// Workspace maps a thread to the directory its relative path arguments
// resolve in.
type Workspace interface {
	ArtifactDir(threadID string) (string, error)
}

// Clock provides time for audit entries and denial records.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Gateway mediates every tool call.
type Gateway struct {
	catalog Catalog
	policy  Assessor
	work    Workspace
	channel escalation.Channel
	trail   audit.Trail
	timeout time.Duration
	denials *DenialLog
	metrics *observability.Provider
	logger  *logging.Logger
	clock   Clock
}

// Option customizes a Gateway.
type Option func(*Gateway)

func WithConfirmationTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func WithMetrics(p *observability.Provider) Option {
	return func(g *Gateway) { g.metrics = p }
}

// WithWorkspace resolves relative path arguments against the calling
// thread's artifacts directory.
func WithWorkspace(w Workspace) Option {
	return func(g *Gateway) { g.work = w }
}

func WithClock(c Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

func WithDenialHistory(n int) Option {
	return func(g *Gateway) { g.denials = NewDenialLog(n) }
}

// New builds a gateway. A nil channel denies every call that needs a prompt.
func New(catalog Catalog, policy Assessor, channel escalation.Channel, trail audit.Trail, opts ...Option) *Gateway {
	g := &Gateway{
		catalog: catalog,
		policy:  policy,
		channel: channel,
		trail:   trail,
		timeout: DefaultConfirmationTimeout,
		denials: NewDenialLog(DefaultDenialHistory),
		metrics: observability.Nop(),
		logger:  logging.Nop(),
		clock:   wallClock{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("gateway")
	return g
}

// Authorize decides whether req may run. The returned error is non-nil only
// for an unknown tool or a failed audit append; in both cases the decision
// is DENIED.
func (g *Gateway) Authorize(ctx context.Context, req Request) (Decision, error) {
	summary := escalation.SummarizeArgs(req.Args)

	desc, err := g.catalog.Get(req.Tool)
	if err != nil {
		d := Decision{Verdict: Denied, Rationale: "unknown tool " + req.Tool}
		if aerr := g.trail.Append(ctx, audit.Entry{
			Time:        g.clock.Now(),
			Event:       audit.EventLookupFailed,
			ThreadID:    req.ThreadID,
			Specialist:  req.Specialist,
			Tool:        req.Tool,
			ArgsSummary: summary,
			Verdict:     string(Denied),
			Rationale:   d.Rationale,
		}); aerr != nil {
			g.logger.Error(ctx, "audit append failed", zap.String("tool", req.Tool), zap.Error(aerr))
		}
		g.logger.Warn(ctx, "unknown tool requested", zap.String("tool", req.Tool))
		return d, err
	}

	subject := desc.Subject()
	if g.work != nil && req.ThreadID != "" {
		if dir, err := g.work.ArtifactDir(req.ThreadID); err == nil {
			subject.BaseDir = dir
		} else {
			g.logger.Warn(ctx, "artifacts dir unavailable for risk assessment", zap.String("thread_id", req.ThreadID), zap.Error(err))
		}
	}
	a := g.policy.Assess(subject, req.Args)
	d := Decision{
		StaticTier:    a.Static,
		EffectiveTier: a.Effective,
		Rationale:     a.Rationale,
		Escalated:     a.Escalated(),
	}

	if a.Effective == risk.ReadOnly {
		d.Verdict = Allowed
	} else {
		g.confirm(ctx, req, summary, &d)
	}

	if err := g.trail.Append(ctx, audit.Entry{
		Time:          g.clock.Now(),
		Event:         audit.EventDecision,
		ThreadID:      req.ThreadID,
		Specialist:    req.Specialist,
		Tool:          req.Tool,
		ArgsSummary:   summary,
		StaticTier:    d.StaticTier.String(),
		EffectiveTier: d.EffectiveTier.String(),
		Verdict:       string(d.Verdict),
		Rationale:     d.Rationale,
		Answer:        answerField(d),
	}); err != nil {
		g.logger.Error(ctx, "audit append failed, denying", zap.String("tool", req.Tool), zap.Error(err))
		d.Verdict = Denied
		d.Reason = ReasonAuditFailure
		d.Rationale += "; audit trail unavailable"
		g.recordDenial(req, summary, d)
		g.metrics.RecordDecision(ctx, string(d.Verdict), d.EffectiveTier.String())
		return d, fmt.Errorf("gateway: audit append: %w", err)
	}

	if !d.Permitted() {
		g.recordDenial(req, summary, d)
	}
	g.metrics.RecordDecision(ctx, string(d.Verdict), d.EffectiveTier.String())
	g.logger.Debug(ctx, "tool call authorized",
		zap.String("tool", req.Tool),
		zap.Stringer("tier", d.EffectiveTier),
		zap.String("verdict", string(d.Verdict)),
	)
	return d, nil
}

func (g *Gateway) confirm(ctx context.Context, req Request, summary string, d *Decision) {
	d.Verdict = Denied
	if g.channel == nil {
		d.Reason = ReasonNoChannel
		d.Rationale += "; no confirmation channel"
		return
	}
	if err := ctx.Err(); err != nil {
		d.Reason = ReasonCancelled
		d.Rationale += "; cancelled before confirmation"
		return
	}

	d.Prompted = true
	r, late := g.ask(ctx, escalation.Prompt{
		Tool:        req.Tool,
		ArgsSummary: summary,
		Tier:        d.EffectiveTier,
		Rationale:   d.Rationale,
		ThreadID:    req.ThreadID,
		Specialist:  req.Specialist,
	})
	answer, err := r.answer, r.err
	d.Answer = answer
	if late {
		d.Answer = escalation.TimedOut
		d.Reason = ReasonTimedOut
		d.Rationale += fmt.Sprintf("; no answer within %s", g.timeout)
		g.logger.Warn(ctx, "confirmation deadline passed", zap.String("tool", req.Tool), zap.Duration("timeout", g.timeout))
		return
	}

	switch {
	case err != nil && ctx.Err() != nil:
		d.Answer = escalation.TimedOut
		d.Reason = ReasonCancelled
		d.Rationale += "; cancelled during confirmation"
	case err != nil:
		d.Answer = escalation.TimedOut
		d.Reason = ReasonChannelError
		d.Rationale += "; confirmation failed: " + err.Error()
		g.logger.Warn(ctx, "confirmation channel error", zap.String("tool", req.Tool), zap.Error(err))
	case answer == escalation.Approve:
		d.Verdict = Allowed
		if d.EffectiveTier == risk.Destructive {
			d.Verdict = AllowedWithWarning
		}
	case answer == escalation.Deny:
		d.Reason = ReasonUserDenied
		d.Rationale += "; denied by user"
	default:
		d.Reason = ReasonTimedOut
		d.Rationale += fmt.Sprintf("; no answer within %s", g.timeout)
	}
}

type reply struct {
	answer escalation.Answer
	err    error
}

// ask runs the prompt under the gateway's own deadline. late is set when
// the deadline passed before the channel answered, whatever it answered.
func (g *Gateway) ask(ctx context.Context, p escalation.Prompt) (reply, bool) {
	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan reply, 1)
	go func() {
		a, err := g.channel.RequestConfirmation(tctx, p, g.timeout)
		done <- reply{a, err}
	}()

	select {
	case r := <-done:
		if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return reply{answer: escalation.TimedOut}, true
		}
		return r, false
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return reply{escalation.TimedOut, err}, false
		}
		return reply{answer: escalation.TimedOut}, true
	}
}

func (g *Gateway) recordDenial(req Request, summary string, d Decision) {
	g.denials.Add(Denial{
		Time:        g.clock.Now(),
		Tool:        req.Tool,
		Tier:        d.EffectiveTier.String(),
		Reason:      d.Reason,
		ArgsSummary: summary,
		ThreadID:    req.ThreadID,
		Specialist:  req.Specialist,
	})
}

func answerField(d Decision) string {
	if !d.Prompted {
		return ""
	}
	return d.Answer.String()
}

// Denials returns the remembered denials, oldest first.
func (g *Gateway) Denials() []Denial { return g.denials.History() }

// Stats aggregates the remembered denials.
func (g *Gateway) Stats() DenialStats { return g.denials.Stats() }
