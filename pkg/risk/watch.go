package risk

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/logging"
)

// Watcher reloads a rules file into a Policy whenever the file changes.
// A file that fails to load or compile leaves the previous rules active.
type Watcher struct {
	policy *Policy
	path   string
	log    *logging.Logger
	fsw    *fsnotify.Watcher

	reloaded chan string
	done     chan struct{}
	once     sync.Once
}

// Watch starts watching path. The directory is watched rather than the file
// so that editors which replace the file on save are followed.
func Watch(ctx context.Context, policy *Policy, path string, log *logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Nop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("rules path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rules watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		policy:   policy,
		path:     abs,
		log:      log.Named("risk.watch"),
		fsw:      fsw,
		reloaded: make(chan string, 1),
		done:     make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

// Reloaded delivers the version of each successfully applied rule set.
// Deliveries are dropped if nobody is reading.
func (w *Watcher) Reloaded() <-chan string { return w.reloaded }

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn(ctx, "rules watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	rs, err := LoadRuleSet(w.path)
	if err == nil {
		err = w.policy.Swap(rs)
	}
	if err != nil {
		w.log.Warn(ctx, "rules reload rejected, keeping previous rules",
			zap.String("path", w.path), zap.String("active_version", w.policy.Version()), zap.Error(err))
		return
	}
	w.log.Info(ctx, "risk rules reloaded", zap.String("path", w.path), zap.String("version", rs.Version))
	select {
	case w.reloaded <- rs.Version:
	default:
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.fsw.Close()
		<-w.done
	})
	return err
}
