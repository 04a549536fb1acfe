// Package session holds conversation threads: their messages, the ids of the
// artifacts produced in them and their per-thread settings.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrThreadNotFound is returned when a thread id is unknown to a store.
var ErrThreadNotFound = errors.New("thread not found")

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

const maxTitle = 50

// Message is one turn of a conversation.
type Message struct {
	ID       string            `json:"message_id"`
	Role     Role              `json:"role"`
	Content  string            `json:"content"`
	Time     time.Time         `json:"timestamp"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Settings are per-thread preferences.
type Settings struct {
	AutoOpen bool `json:"auto_open"`
}

// ThreadState is the persisted form of a thread.
type ThreadState struct {
	ID          string    `json:"thread_id"`
	Title       string    `json:"title,omitempty"`
	Messages    []Message `json:"messages"`
	ArtifactIDs []string  `json:"artifact_ids"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Settings    Settings  `json:"settings"`
}

// NewThreadState returns an empty thread with a fresh id.
func NewThreadState(now time.Time) ThreadState {
	now = now.UTC()
	return ThreadState{
		ID:          uuid.NewString(),
		Messages:    []Message{},
		ArtifactIDs: []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
		Settings:    Settings{AutoOpen: true},
	}
}

// Clone returns a deep copy.
func (s ThreadState) Clone() ThreadState {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.Metadata != nil {
			md := make(map[string]string, len(m.Metadata))
			for k, v := range m.Metadata {
				md[k] = v
			}
			m.Metadata = md
		}
		out.Messages[i] = m
	}
	out.ArtifactIDs = append([]string{}, s.ArtifactIDs...)
	return out
}

// LastMessage returns the newest message content, or "".
func (s ThreadState) LastMessage() string {
	if len(s.Messages) == 0 {
		return ""
	}
	return s.Messages[len(s.Messages)-1].Content
}

// Session is a live, concurrency-safe thread.
type Session struct {
	mu    sync.RWMutex
	state ThreadState
	clock func() time.Time
}

// New wraps st. The state is copied.
func New(st ThreadState) *Session {
	return &Session{state: st.Clone(), clock: time.Now}
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ID
}

// Append adds a message. The first user message names an untitled thread.
func (s *Session) Append(role Role, content string, metadata map[string]string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	m := Message{ID: uuid.NewString(), Role: role, Content: content, Time: now, Metadata: metadata}
	s.state.Messages = append(s.state.Messages, m)
	if s.state.Title == "" && role == RoleUser {
		s.state.Title = titleFrom(content)
	}
	s.state.UpdatedAt = now
	return m
}

// AttachArtifacts links artifact ids to the thread, skipping known ones.
func (s *Session) AttachArtifacts(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.state.ArtifactIDs))
	for _, id := range s.state.ArtifactIDs {
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			s.state.ArtifactIDs = append(s.state.ArtifactIDs, id)
			seen[id] = true
		}
	}
	s.state.UpdatedAt = s.clock().UTC()
}

// DetachArtifact unlinks a deleted artifact.
func (s *Session) DetachArtifact(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.state.ArtifactIDs {
		if x == id {
			s.state.ArtifactIDs = append(s.state.ArtifactIDs[:i], s.state.ArtifactIDs[i+1:]...)
			return
		}
	}
}

func (s *Session) AutoOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Settings.AutoOpen
}

func (s *Session) SetAutoOpen(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Settings.AutoOpen = on
	s.state.UpdatedAt = s.clock().UTC()
}

// History returns up to the last n messages, all when n <= 0.
func (s *Session) History(n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.state.Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]Message(nil), msgs...)
}

// State returns a deep copy of the thread.
func (s *Session) State() ThreadState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

func titleFrom(content string) string {
	t := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(t) <= maxTitle {
		return t
	}
	r := []rune(t)
	return string(r[:maxTitle-3]) + "..."
}
