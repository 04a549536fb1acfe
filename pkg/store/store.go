// Package store persists thread state and artifact snapshots. Every write
// replaces one snapshot atomically, and every read validates the snapshot
// against an embedded JSON Schema before decoding it.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
)

// ErrThreadNotFound is returned for unknown thread ids.
var ErrThreadNotFound = session.ErrThreadNotFound

const lastMessageLen = 100

// Persistence is implemented by every backend.
type Persistence interface {
	session.Store
	artifacts.Persister
	ListThreads(ctx context.Context) ([]ThreadSummary, error)
	DeleteThread(ctx context.Context, id string) error
	Close() error
}

// ThreadSummary is the listing form of a thread.
type ThreadSummary struct {
	ID           string    `json:"thread_id"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	LastMessage  string    `json:"last_message"`
	// Corrupt marks a thread whose snapshot cannot be read. UpdatedAt is
	// then the snapshot file's modification time.
	Corrupt bool `json:"corrupt,omitempty"`
}

func summarize(st session.ThreadState) ThreadSummary {
	return ThreadSummary{
		ID:           st.ID,
		Title:        st.Title,
		CreatedAt:    st.CreatedAt,
		UpdatedAt:    st.UpdatedAt,
		MessageCount: len(st.Messages),
		LastMessage:  truncate(st.LastMessage(), lastMessageLen),
	}
}

// sortSummaries orders by most recently updated first.
func sortSummaries(s []ThreadSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].UpdatedAt.Equal(s[j].UpdatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].UpdatedAt.After(s[j].UpdatedAt)
	})
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

// checkID rejects ids that could escape the data directory.
func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("store: invalid thread id %q", id)
	}
	return nil
}
