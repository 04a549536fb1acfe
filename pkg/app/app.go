// Package app assembles Hedwig from its configuration: persistence, audit
// trail, risk policy, tools, gateway, invoker, artifact registry,
// specialists, dispatcher and worker pool.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/agent"
	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/audit"
	"github.com/sahan-penakalapati/hedwig/pkg/config"
	"github.com/sahan-penakalapati/hedwig/pkg/dispatch"
	"github.com/sahan-penakalapati/hedwig/pkg/escalation"
	"github.com/sahan-penakalapati/hedwig/pkg/gateway"
	"github.com/sahan-penakalapati/hedwig/pkg/invoker"
	"github.com/sahan-penakalapati/hedwig/pkg/llm"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/observability"
	"github.com/sahan-penakalapati/hedwig/pkg/retention"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
	"github.com/sahan-penakalapati/hedwig/pkg/store"
	"github.com/sahan-penakalapati/hedwig/pkg/tooling"
	"github.com/sahan-penakalapati/hedwig/pkg/tools"
)

// App is a running Hedwig instance.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	telemetry  *observability.Provider
	files      *store.FileStore
	persist    store.Persistence
	trail      audit.Trail
	policy     *risk.Policy
	watcher    *risk.Watcher
	tools      *tooling.Registry
	gateway    *gateway.Gateway
	invoker    *invoker.Invoker
	artifacts  *artifacts.Registry
	sessions   *session.Manager
	router     *dispatch.Router
	dispatcher *dispatch.Dispatcher
	pool       *dispatch.Pool
	cleaner    *retention.Cleaner
	opener     artifacts.Opener

	closers []func(context.Context) error
}

type options struct {
	logger  *logging.Logger
	channel escalation.Channel
	client  llm.Client
	trail   audit.Trail
	opener  artifacts.Opener
	reader  observability.Option
}

type Option func(*options)

// WithLogger replaces the logger built from the log section.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithChannel sets where confirmation prompts go. Without one, every call
// that needs confirmation is denied.
func WithChannel(c escalation.Channel) Option {
	return func(o *options) { o.channel = c }
}

// WithLLM replaces the completion client chosen by the llm section.
func WithLLM(c llm.Client) Option {
	return func(o *options) { o.client = c }
}

// WithAuditTrail replaces the configured audit backend.
func WithAuditTrail(t audit.Trail) Option {
	return func(o *options) { o.trail = t }
}

// WithOpener replaces the desktop opener used for auto-open.
func WithOpener(op artifacts.Opener) Option {
	return func(o *options) { o.opener = op }
}

// WithTelemetryOption passes an option through to the otel provider.
func WithTelemetryOption(opt observability.Option) Option {
	return func(o *options) { o.reader = opt }
}

// New builds and starts an App. On error everything built so far is
// released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{channel: escalation.Unavailable{}, opener: artifacts.SystemOpener{}}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, opener: o.opener}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if a.logger = o.logger; a.logger == nil {
		if a.logger, err = logging.New(&cfg.Log); err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return a.logger.Sync() })
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	telemetryOpts := []observability.Option{observability.WithLogger(a.logger)}
	if o.reader != nil {
		telemetryOpts = append(telemetryOpts, o.reader)
	}
	if a.telemetry, err = observability.New(ctx, cfg.ObservabilityConfig(), telemetryOpts...); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)

	if err := a.openStorage(ctx, o.trail); err != nil {
		return nil, err
	}
	if err := a.buildPolicy(ctx); err != nil {
		return nil, err
	}

	a.sessions = session.NewManager(a.persist, a.logger)
	a.artifacts = artifacts.NewRegistry(a.persist,
		artifacts.WithLogger(a.logger),
		artifacts.WithAuditTrail(a.trail),
		artifacts.WithAutoOpenTypes(cfg.AutoOpenTypes()...),
		artifacts.WithDuplicateWindow(cfg.Artifacts.DuplicateWindow.Duration()),
		artifacts.WithMaxSize(cfg.Artifacts.MaxArtifactSize),
		artifacts.WithThreadAutoOpen(func(ctx context.Context, threadID string) bool {
			return cfg.Artifacts.AutoOpenEnabled && a.sessions.AutoOpen(ctx, threadID)
		}),
	)
	if _, err := a.artifacts.Recover(ctx); err != nil {
		return nil, err
	}

	a.tools = tooling.NewRegistry()
	if err := tools.Register(a.tools, tools.Env{
		Workspace: a.files,
		Artifacts: a.artifacts,
		Logger:    a.logger,
		Config: tools.Config{
			Shell:         cfg.Tools.Shell,
			Python:        cfg.Tools.PythonBinary,
			BashTimeout:   cfg.Tools.BashTimeout.Duration(),
			PythonTimeout: cfg.Tools.PythonTimeout.Duration(),
		},
	}); err != nil {
		return nil, err
	}
	a.tools.Seal()

	a.gateway = gateway.New(a.tools, a.policy, o.channel, a.trail,
		gateway.WithConfirmationTimeout(cfg.Security.ConfirmationTimeout.Duration()),
		gateway.WithLogger(a.logger),
		gateway.WithMetrics(a.telemetry),
		gateway.WithWorkspace(a.files),
	)
	a.invoker = invoker.New(a.tools,
		invoker.WithTimeouts(cfg.Timeouts()),
		invoker.WithLogger(a.logger),
		invoker.WithMetrics(a.telemetry),
	)

	client := o.client
	if client == nil {
		if client, err = newLLM(ctx, cfg.LLM, a.logger); err != nil {
			return nil, err
		}
	}
	specialists := agent.Builtins(client, a.tools,
		agent.WithMaxIterations(cfg.Dispatch.MaxIterations),
		agent.WithRetry(cfg.RetryPolicy()),
		agent.WithLogger(a.logger),
	)
	a.router = dispatch.NewRouter(specialists)
	deps := dispatch.Deps{
		Router:    a.router,
		Gateway:   a.gateway,
		Invoker:   a.invoker,
		Catalog:   a.tools,
		Artifacts: a.artifacts,
		Sessions:  a.sessions,
	}
	a.dispatcher = dispatch.New(deps,
		dispatch.WithRetry(cfg.RetryPolicy()),
		dispatch.WithLogger(a.logger),
		dispatch.WithMetrics(a.telemetry),
	)
	a.pool = dispatch.NewPool(a.dispatcher, dispatch.WithWorkers(cfg.Dispatch.Workers))

	a.cleaner = retention.New(a.persist, a.artifacts, a.sessions,
		retention.WithLogger(a.logger),
		retention.WithAuditTrail(a.trail),
		retention.WithBusy(a.pool.Busy),
	)

	a.logger.Info(ctx, "hedwig started",
		zap.String("data_dir", cfg.DataDir),
		zap.String("store", cfg.Store.Backend),
		zap.String("audit", cfg.Audit.Backend),
		zap.String("llm", cfg.LLM.Provider),
		zap.Int("workers", a.pool.Workers()),
		zap.Int("tools", len(a.tools.List())),
	)
	return a, nil
}

// threadStore keeps snapshots in SQLite and artifact files under the data
// directory, so deleting a thread removes both.
type threadStore struct {
	store.Persistence
	files *store.FileStore
}

func (s threadStore) DeleteThread(ctx context.Context, id string) error {
	if err := s.Persistence.DeleteThread(ctx, id); err != nil {
		return err
	}
	if err := s.files.DeleteThread(ctx, id); err != nil && !errors.Is(err, store.ErrThreadNotFound) {
		return err
	}
	return nil
}

func (a *App) openStorage(ctx context.Context, trail audit.Trail) error {
	files, err := store.NewFileStore(a.cfg.DataDir, a.logger)
	if err != nil {
		return err
	}
	a.files = files
	a.persist = files

	needDB := a.cfg.Store.Backend == config.StoreSQLite || (trail == nil && a.cfg.Audit.Backend == config.AuditSQLite)
	if needDB {
		db, err := store.OpenDB(ctx, a.cfg.DatabasePath())
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })

		if a.cfg.Store.Backend == config.StoreSQLite {
			sq, err := store.NewSQLiteStore(ctx, db)
			if err != nil {
				return err
			}
			a.persist = threadStore{Persistence: sq, files: files}
		}
		if trail == nil && a.cfg.Audit.Backend == config.AuditSQLite {
			if trail, err = audit.NewSQLiteTrail(ctx, db); err != nil {
				return err
			}
		}
	}
	if trail == nil {
		jt, err := audit.OpenJSONL(a.cfg.AuditPath())
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return jt.Close() })
		trail = jt
	}
	a.trail = trail
	return nil
}

func (a *App) buildPolicy(ctx context.Context) error {
	rs := risk.DefaultRuleSet()
	if path := a.cfg.Security.RulesFile; path != "" {
		loaded, err := risk.LoadRuleSet(path)
		if err != nil {
			return fmt.Errorf("rules: %w", err)
		}
		rs = loaded
	}
	roots := append([]string{a.cfg.ThreadsDir()}, a.cfg.Security.AllowedRoots...)
	policy, err := risk.NewPolicy(rs, risk.WithAllowedRoots(roots...))
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	a.policy = policy

	if a.cfg.Security.RulesFile != "" && a.cfg.Security.WatchRules {
		w, err := risk.Watch(ctx, policy, a.cfg.Security.RulesFile, a.logger)
		if err != nil {
			return err
		}
		a.watcher = w
		a.closers = append(a.closers, func(context.Context) error { return w.Close() })
	}
	return nil
}

// newLLM picks the completion backend. Without an API key the offline
// client answers instead.
func newLLM(ctx context.Context, c config.LLMConfig, logger *logging.Logger) (llm.Client, error) {
	if c.Provider == config.LLMOffline {
		return llm.OfflineClient{}, nil
	}
	key := c.APIKey()
	if key == "" {
		logger.Warn(ctx, "no API key configured, running offline", zap.String("api_key_env", c.APIKeyEnv))
		return llm.OfflineClient{}, nil
	}
	if c.Provider == config.LLMLangChain {
		return llm.NewLangChainOpenAI(key, c.Model, c.BaseURL)
	}
	var opts []llm.OpenAIOption
	if c.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(c.BaseURL))
	}
	return llm.NewOpenAIClient(key, c.Model, opts...), nil
}

// Close drains the pool, flushes artifact snapshots and releases resources
// in reverse order of acquisition. It returns the first error.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Close(ctx))
	}
	if a.artifacts != nil {
		errs = append(errs, a.artifacts.FlushAll(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config { return a.cfg }

func (a *App) Logger() *logging.Logger { return a.logger }

// Tools lists the registered tool descriptors.
func (a *App) Tools() []tooling.Descriptor { return a.tools.List() }

// Gateway exposes denial history and statistics.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// Router exposes routing history and statistics.
func (a *App) Router() *dispatch.Router { return a.router }

// RulesReloaded delivers rule set versions applied by the watcher, or nil
// when rules are not watched.
func (a *App) RulesReloaded() <-chan string {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.Reloaded()
}

// NewThread creates an empty thread.
func (a *App) NewThread(ctx context.Context) (string, error) {
	s, err := a.sessions.Create(ctx)
	if err != nil {
		return "", err
	}
	return s.ID(), nil
}

// Thread returns a snapshot of one thread.
func (a *App) Thread(ctx context.Context, id string) (session.ThreadState, error) {
	s, err := a.sessions.Open(ctx, id)
	if err != nil {
		return session.ThreadState{}, err
	}
	return s.State(), nil
}

// Threads lists threads, most recently updated first.
func (a *App) Threads(ctx context.Context) ([]store.ThreadSummary, error) {
	return a.persist.ListThreads(ctx)
}

// DeleteThread removes a thread and its artifacts.
func (a *App) DeleteThread(ctx context.Context, id string) error {
	return a.cleaner.DeleteThread(ctx, id)
}

// Cleanup removes threads idle for more than keepDays.
func (a *App) Cleanup(ctx context.Context, keepDays int) (retention.Report, error) {
	return a.cleaner.Cleanup(ctx, keepDays)
}

// ExportThread writes a zip of the thread's snapshots and artifact files
// to w.
func (a *App) ExportThread(ctx context.Context, id string, w io.Writer) error {
	return store.Export(ctx, a.persist, a.files, id, w)
}

// ExportAudit writes an evidence pack for one thread to w: its audit
// entries plus the thread snapshots, fingerprinted in the manifest. It
// returns the hex sha256 of the pack.
func (a *App) ExportAudit(ctx context.Context, threadID string, w io.Writer) (string, error) {
	r, ok := a.Audit()
	if !ok {
		return "", fmt.Errorf("audit backend %q cannot be read back", a.cfg.Audit.Backend)
	}
	snaps, err := store.Snapshots(ctx, a.persist, threadID)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(snaps))
	for name := range snaps {
		names = append(names, name)
	}
	sort.Strings(names)
	attach := make([]audit.Attachment, 0, len(names))
	for _, name := range names {
		attach = append(attach, audit.Attachment{Name: name, Data: snaps[name]})
	}

	pack, sum, err := audit.NewExporter(r).GeneratePack(ctx, audit.Filter{ThreadID: threadID}, attach...)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(pack); err != nil {
		return "", fmt.Errorf("app: write audit pack: %w", err)
	}
	return sum, nil
}

// Artifacts lists a thread's artifacts in creation order.
func (a *App) Artifacts(threadID string) []artifacts.Record { return a.artifacts.List(threadID) }

// Artifact looks one artifact up by id.
func (a *App) Artifact(id string) (artifacts.Record, error) { return a.artifacts.Get(id) }

// DeleteArtifact removes the record and its file.
func (a *App) DeleteArtifact(ctx context.Context, id string) error { return a.artifacts.Delete(ctx, id) }

// OpenArtifact hands an artifact to the desktop opener.
func (a *App) OpenArtifact(ctx context.Context, id string) error {
	r, err := a.artifacts.Get(id)
	if err != nil {
		return err
	}
	return a.opener.Open(ctx, r)
}

// Audit returns the trail as a Reader when the backend supports reading.
func (a *App) Audit() (audit.Reader, bool) {
	r, ok := a.trail.(audit.Reader)
	return r, ok
}
