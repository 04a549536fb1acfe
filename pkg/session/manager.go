package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/logging"
)

// Store persists thread state.
type Store interface {
	LoadThread(ctx context.Context, id string) (ThreadState, error)
	SaveThread(ctx context.Context, st ThreadState) error
}

// Manager caches live sessions and writes them through to a Store.
type Manager struct {
	store  Store
	logger *logging.Logger
	clock  func() time.Time

	mu   sync.Mutex
	live map[string]*Session
	// saveMu serializes writes of one thread.
	saveMu map[string]*sync.Mutex
}

func NewManager(store Store, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		store:  store,
		logger: logger.Named("session"),
		clock:  time.Now,
		live:   make(map[string]*Session),
		saveMu: make(map[string]*sync.Mutex),
	}
}

// Create starts and persists a new thread.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	s := New(NewThreadState(m.clock()))
	if err := m.Save(ctx, s); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.live[s.ID()] = s
	m.mu.Unlock()
	m.logger.Info(ctx, "thread created", zap.String("thread_id", s.ID()))
	return s, nil
}

// Open returns the live session for id, loading it on first use.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.live[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	st, err := m.store.LoadThread(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.live[id]; ok {
		return s, nil
	}
	s := New(st)
	m.live[id] = s
	return s, nil
}

// OpenOrCreate opens id, or creates a new thread when id is empty.
func (m *Manager) OpenOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return m.Create(ctx)
	}
	return m.Open(ctx, id)
}

// Save writes the session's current state.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	mu := m.threadLock(s.ID())
	mu.Lock()
	defer mu.Unlock()
	if err := m.store.SaveThread(ctx, s.State()); err != nil {
		return fmt.Errorf("session: save %s: %w", s.ID(), err)
	}
	return nil
}

// Evict drops a live session, e.g. after its thread was deleted.
func (m *Manager) Evict(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, id)
	delete(m.saveMu, id)
}

// AutoOpen reports the thread's auto-open setting. Unknown threads default
// to enabled.
func (m *Manager) AutoOpen(ctx context.Context, id string) bool {
	s, err := m.Open(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrThreadNotFound) {
			m.logger.Warn(ctx, "thread settings unavailable", zap.String("thread_id", id), zap.Error(err))
		}
		return true
	}
	return s.AutoOpen()
}

func (m *Manager) threadLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.saveMu[id]
	if !ok {
		mu = &sync.Mutex{}
		m.saveMu[id] = mu
	}
	return mu
}
