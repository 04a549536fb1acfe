// Package audit keeps an append-only, hash-chained record of every gateway
// decision and every tool outcome.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Genesis is the previous-hash value of the first entry in a chain.
const Genesis = "genesis"

var (
	ErrChainBroken = errors.New("audit: hash chain is broken")
	ErrClosed      = errors.New("audit: trail closed")
)

// Event is the category of an entry.
type Event string

const (
	EventDecision        Event = "decision"
	EventLookupFailed    Event = "lookup_failed"
	EventToolOutcome     Event = "tool_outcome"
	EventArtifactDeleted Event = "artifact_deleted"
	EventThreadDeleted   Event = "thread_deleted"
)

// Entry is one immutable audit record. Seq, Time, PrevHash and Hash are
// assigned by the trail on append.
type Entry struct {
	Seq           uint64    `json:"seq"`
	Time          time.Time `json:"time"`
	Event         Event     `json:"event"`
	ThreadID      string    `json:"thread_id,omitempty"`
	Specialist    string    `json:"specialist,omitempty"`
	Tool          string    `json:"tool,omitempty"`
	ArgsSummary   string    `json:"args_summary,omitempty"`
	StaticTier    string    `json:"static_tier,omitempty"`
	EffectiveTier string    `json:"effective_tier,omitempty"`
	Verdict       string    `json:"verdict,omitempty"`
	Rationale     string    `json:"rationale,omitempty"`
	Answer        string    `json:"answer,omitempty"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash,omitempty"`
}

// Trail accepts entries. Appends are serialized by the implementation.
type Trail interface {
	Append(ctx context.Context, e Entry) error
}

// Filter narrows Entries. Zero values match everything.
type Filter struct {
	ThreadID string
	Tool     string
	Event    Event
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (f Filter) match(e Entry) bool {
	if f.ThreadID != "" && e.ThreadID != f.ThreadID {
		return false
	}
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Time.After(f.Until) {
		return false
	}
	return true
}

// Reader is implemented by trails that can be read back and verified.
type Reader interface {
	Entries(ctx context.Context, f Filter) ([]Entry, error)
	// Verify walks the whole chain and returns the number of entries checked.
	Verify(ctx context.Context) (int, error)
	Head() string
}

// ComputeHash returns the chained hash of e: sha256 over prevHash followed by
// the canonical JSON of e without its Hash field.
func ComputeHash(e Entry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry %d: %w", e.Seq, err)
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(canon)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain checks sequence continuity, back links and hashes of entries
// given in append order.
func VerifyChain(entries []Entry) error {
	prev := Genesis
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			return fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, i+1, e.Seq)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d links to %q, expected %q", ErrChainBroken, e.Seq, e.PrevHash, prev)
		}
		want, err := ComputeHash(e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.Hash
	}
	return nil
}

// chain assigns sequence numbers and hashes. Callers hold their own lock and
// call commit only after the entry is durably written.
type chain struct {
	seq  uint64
	head string
	now  func() time.Time
}

func newChain() chain {
	return chain{head: Genesis, now: time.Now}
}

func (c *chain) seal(e Entry) (Entry, error) {
	e.Seq = c.seq + 1
	e.PrevHash = c.head
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	e.Time = e.Time.UTC()
	h, err := ComputeHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = h
	return e, nil
}

func (c *chain) commit(e Entry) {
	c.seq = e.Seq
	c.head = e.Hash
}
