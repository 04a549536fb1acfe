package escalation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusDenied    Status = "DENIED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// Intent is one outstanding confirmation request.
type Intent struct {
	IntentID  string    `json:"intent_id"`
	Prompt    Prompt    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    Status    `json:"status"`

	decided chan struct{}
}

// Receipt records how an intent was resolved.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	IntentID    string    `json:"intent_id"`
	Outcome     Status    `json:"outcome"`
	ResolvedAt  time.Time `json:"resolved_at"`
	DurationMs  int64     `json:"duration_ms"`
	ApprovedBy  string    `json:"approved_by,omitempty"`
	DeniedBy    string    `json:"denied_by,omitempty"`
	DenyReason  string    `json:"deny_reason,omitempty"`
	ContentHash string    `json:"content_hash"`
}

// Broker is a Channel whose answers arrive through Approve and Deny calls,
// typically from a UI that polls Pending or subscribes with OnPending.
// An intent stays in the broker until its RequestConfirmation call returns.
type Broker struct {
	mu        sync.Mutex
	intents   map[string]*Intent
	clock     func() time.Time
	onPending func(Intent)
}

// NewBroker creates a new broker.
func NewBroker() *Broker {
	return &Broker{
		intents: make(map[string]*Intent),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Broker) WithClock(clock func() time.Time) *Broker {
	b.clock = clock
	return b
}

// OnPending registers a callback invoked (outside the lock) for each new
// intent. It runs on the requesting goroutine and must not block.
func (b *Broker) OnPending(fn func(Intent)) *Broker {
	b.onPending = fn
	return b
}

// RequestConfirmation implements Channel.
func (b *Broker) RequestConfirmation(ctx context.Context, p Prompt, timeout time.Duration) (Answer, error) {
	intent := b.createIntent(p, timeout)
	defer b.forget(intent.IntentID)
	if b.onPending != nil {
		b.onPending(intent.snapshot())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-intent.decided:
	case <-timer.C:
		_, _ = b.resolve(intent.IntentID, StatusTimedOut, "", "")
	case <-ctx.Done():
		_, _ = b.resolve(intent.IntentID, StatusCancelled, "", "")
	}

	b.mu.Lock()
	status := intent.Status
	b.mu.Unlock()

	switch status {
	case StatusApproved:
		return Approve, nil
	case StatusDenied:
		return Deny, nil
	case StatusCancelled:
		return TimedOut, ctx.Err()
	default:
		return TimedOut, nil
	}
}

func (b *Broker) createIntent(p Prompt, timeout time.Duration) *Intent {
	now := b.clock()
	intent := &Intent{
		IntentID:  uuid.New().String(),
		Prompt:    p,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		Status:    StatusPending,
		decided:   make(chan struct{}),
	}
	b.mu.Lock()
	b.intents[intent.IntentID] = intent
	b.mu.Unlock()
	return intent
}

func (b *Broker) forget(intentID string) {
	b.mu.Lock()
	delete(b.intents, intentID)
	b.mu.Unlock()
}

func (i *Intent) snapshot() Intent {
	return Intent{
		IntentID:  i.IntentID,
		Prompt:    i.Prompt,
		CreatedAt: i.CreatedAt,
		ExpiresAt: i.ExpiresAt,
		Status:    i.Status,
	}
}

// Approve approves a pending intent. Approving after expiry resolves it as
// timed out instead.
func (b *Broker) Approve(ctx context.Context, intentID, approverID string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.resolve(intentID, StatusApproved, approverID, "")
}

// Deny denies a pending intent.
func (b *Broker) Deny(ctx context.Context, intentID, denierID, reason string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.resolve(intentID, StatusDenied, denierID, reason)
}

func (b *Broker) resolve(intentID string, status Status, who, reason string) (*Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	intent, ok := b.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("confirmation intent %q not found", intentID)
	}
	if intent.Status != StatusPending {
		return nil, fmt.Errorf("confirmation intent %q is not PENDING (status=%s)", intentID, intent.Status)
	}

	now := b.clock()
	if status == StatusApproved && now.After(intent.ExpiresAt) {
		status = StatusTimedOut
	}
	intent.Status = status
	close(intent.decided)

	receipt := b.createReceipt(intent, now)
	switch status {
	case StatusApproved:
		receipt.ApprovedBy = who
	case StatusDenied:
		receipt.DeniedBy = who
		receipt.DenyReason = reason
	}
	return receipt, nil
}

// Pending returns pending intents, oldest first.
func (b *Broker) Pending() []Intent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Intent, 0, len(b.intents))
	for _, intent := range b.intents {
		if intent.Status == StatusPending {
			out = append(out, intent.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Broker) createReceipt(intent *Intent, resolvedAt time.Time) *Receipt {
	receipt := &Receipt{
		ReceiptID:  uuid.New().String(),
		IntentID:   intent.IntentID,
		Outcome:    intent.Status,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(intent.CreatedAt).Milliseconds(),
	}

	hashable := struct {
		IntentID string `json:"intent_id"`
		Tool     string `json:"tool"`
		Outcome  Status `json:"outcome"`
	}{
		IntentID: intent.IntentID,
		Tool:     intent.Prompt.Tool,
		Outcome:  intent.Status,
	}
	data, _ := json.Marshal(hashable)
	h := sha256.Sum256(data)
	receipt.ContentHash = "sha256:" + hex.EncodeToString(h[:])

	return receipt
}
