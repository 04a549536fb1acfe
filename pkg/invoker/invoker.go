// Package invoker runs authorized tool calls inside a deterministic
// envelope: argument validation, a per-tool rate limit, a wall-clock timeout
// and panic containment. Every failure comes back as a classified Outcome;
// nothing propagates.
package invoker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/observability"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
	"github.com/sahan-penakalapati/hedwig/pkg/tooling"
)

// CodeInvalidArguments marks schema validation failures.
const CodeInvalidArguments = "invalid_arguments"

// DefaultTimeouts is the per-tier wall-clock budget.
func DefaultTimeouts() map[risk.Tier]time.Duration {
	return map[risk.Tier]time.Duration{
		risk.ReadOnly:    30 * time.Second,
		risk.Write:       60 * time.Second,
		risk.Execute:     5 * time.Minute,
		risk.Destructive: 5 * time.Minute,
	}
}

// Outcome is the structured result of one invocation.
type Outcome struct {
	Tool     string
	Success  bool
	Text     string
	Drafts   []artifacts.Draft
	Kind     faults.Kind
	Err      error
	Duration time.Duration
	// InputHash is the sha256 of the canonical JSON arguments.
	InputHash string
	StartedAt time.Time
}

// Resolver finds the implementation and argument validator of a tool.
type Resolver interface {
	Tool(name string) (tooling.Tool, error)
	Validator(name string) (*tooling.ArgValidator, error)
}

// Invoker executes tools.
type Invoker struct {
	tools    Resolver
	timeouts map[risk.Tier]time.Duration
	metrics  *observability.Provider
	logger   *logging.Logger
	clock    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option customizes an Invoker.
type Option func(*Invoker)

// WithTimeouts overrides entries of the per-tier table.
func WithTimeouts(t map[risk.Tier]time.Duration) Option {
	return func(iv *Invoker) {
		for tier, d := range t {
			if d > 0 {
				iv.timeouts[tier] = d
			}
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(iv *Invoker) { iv.logger = l }
}

func WithMetrics(p *observability.Provider) Option {
	return func(iv *Invoker) { iv.metrics = p }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(iv *Invoker) { iv.clock = clock }
}

func New(tools Resolver, opts ...Option) *Invoker {
	iv := &Invoker{
		tools:    tools,
		timeouts: DefaultTimeouts(),
		metrics:  observability.Nop(),
		logger:   logging.Nop(),
		clock:    time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(iv)
	}
	iv.logger = iv.logger.Named("invoker")
	return iv
}

// Timeout returns the wall-clock budget for desc.
func (iv *Invoker) Timeout(desc tooling.Descriptor) time.Duration {
	if desc.Timeout > 0 {
		return desc.Timeout
	}
	if d, ok := iv.timeouts[desc.Tier]; ok {
		return d
	}
	return iv.timeouts[risk.Destructive]
}

type result struct {
	res tooling.Result
	err error
}

// Execute runs the tool described by desc with args. It never panics and
// never returns an error; failures are reported in the Outcome.
func (iv *Invoker) Execute(ctx context.Context, desc tooling.Descriptor, args map[string]any) Outcome {
	start := iv.clock()
	out := Outcome{Tool: desc.Name, StartedAt: start, InputHash: inputHash(args)}
	defer func() {
		out.Duration = iv.clock().Sub(start)
		iv.metrics.RecordTool(ctx, desc.Name, string(out.Kind), out.Duration)
		if out.Success {
			iv.logger.Debug(ctx, "tool succeeded", zap.String("tool", desc.Name), zap.Duration("duration", out.Duration))
		} else {
			iv.logger.Warn(ctx, "tool failed",
				zap.String("tool", desc.Name),
				zap.String("kind", string(out.Kind)),
				zap.Error(out.Err),
			)
		}
	}()

	if err := ctx.Err(); err != nil {
		return iv.fail(out, faults.New(faults.KindTaskCancelled, "invoke", desc.Name, err))
	}

	tool, err := iv.tools.Tool(desc.Name)
	if err != nil {
		return iv.fail(out, err)
	}

	v, err := iv.tools.Validator(desc.Name)
	if err != nil {
		return iv.fail(out, err)
	}
	if err := v.Validate(args); err != nil {
		return iv.fail(out, &faults.Error{
			Kind: faults.KindToolFault, Op: "invoke", Subject: desc.Name,
			Code: CodeInvalidArguments, Permanent: true, Err: err,
		})
	}

	timeout := iv.Timeout(desc)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if lim := iv.limiter(desc); lim != nil {
		if err := lim.Wait(runCtx); err != nil {
			return iv.fail(out, iv.contextFault(ctx, desc.Name, timeout, fmt.Errorf("rate limit wait: %w", err)))
		}
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				iv.logger.Error(ctx, "tool panicked",
					zap.String("tool", desc.Name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := tool.Invoke(runCtx, args)
		done <- result{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if runCtx.Err() != nil {
				return iv.fail(out, iv.contextFault(ctx, desc.Name, timeout, r.err))
			}
			return iv.fail(out, faults.ClassifyToolError(desc.Name, r.err))
		}
		out.Success = true
		out.Text = r.res.Text
		out.Drafts = r.res.Files
		return out
	case <-runCtx.Done():
		return iv.fail(out, iv.contextFault(ctx, desc.Name, timeout, runCtx.Err()))
	}
}

// contextFault tells cancellation of the caller apart from expiry of the
// invocation budget.
func (iv *Invoker) contextFault(parent context.Context, tool string, timeout time.Duration, err error) *faults.Error {
	if errors.Is(parent.Err(), context.Canceled) {
		return faults.New(faults.KindTaskCancelled, "invoke", tool, parent.Err())
	}
	return &faults.Error{
		Kind: faults.KindToolTimeout, Op: "invoke", Subject: tool,
		Code: string(faults.CatTimeout), Err: fmt.Errorf("exceeded %s: %w", timeout, err),
	}
}

func (iv *Invoker) fail(out Outcome, err error) Outcome {
	out.Success = false
	out.Kind = faults.KindOf(err)
	out.Err = err
	return out
}

func (iv *Invoker) limiter(desc tooling.Descriptor) *rate.Limiter {
	if desc.RateLimitRPS <= 0 {
		return nil
	}
	iv.mu.Lock()
	defer iv.mu.Unlock()
	lim, ok := iv.limiters[desc.Name]
	if !ok {
		burst := int(desc.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(desc.RateLimitRPS), burst)
		iv.limiters[desc.Name] = lim
	}
	return lim
}

func inputHash(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	if canon, err := jcs.Transform(raw); err == nil {
		raw = canon
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}
