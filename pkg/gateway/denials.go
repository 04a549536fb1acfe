package gateway

import (
	"sync"
	"time"
)

// DefaultDenialHistory bounds the number of remembered denials.
const DefaultDenialHistory = 100

// Denial reasons.
const (
	ReasonUserDenied   = "user_denied"
	ReasonTimedOut     = "timed_out"
	ReasonNoChannel    = "no_channel"
	ReasonChannelError = "channel_error"
	ReasonCancelled    = "cancelled"
	ReasonAuditFailure = "audit_failure"
)

// Denial is one remembered denied call.
type Denial struct {
	Time        time.Time `json:"time"`
	Tool        string    `json:"tool"`
	Tier        string    `json:"tier"`
	Reason      string    `json:"reason"`
	ArgsSummary string    `json:"args_summary"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Specialist  string    `json:"specialist,omitempty"`
}

// DenialStats aggregates the remembered denials.
type DenialStats struct {
	Total    int            `json:"total_denials"`
	ByTool   map[string]int `json:"denials_by_tool"`
	ByTier   map[string]int `json:"denials_by_risk"`
	ByReason map[string]int `json:"denials_by_reason"`
}

// DenialLog is a fixed-size ring of the most recent denials.
type DenialLog struct {
	mu    sync.Mutex
	buf   []Denial
	next  int
	count int
}

func NewDenialLog(capacity int) *DenialLog {
	if capacity <= 0 {
		capacity = DefaultDenialHistory
	}
	return &DenialLog{buf: make([]Denial, capacity)}
}

func (l *DenialLog) Add(d Denial) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = d
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// History returns the remembered denials, oldest first.
func (l *DenialLog) History() []Denial {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Denial, 0, l.count)
	start := (l.next - l.count + len(l.buf)) % len(l.buf)
	for i := 0; i < l.count; i++ {
		out = append(out, l.buf[(start+i)%len(l.buf)])
	}
	return out
}

func (l *DenialLog) Stats() DenialStats {
	s := DenialStats{
		ByTool:   map[string]int{},
		ByTier:   map[string]int{},
		ByReason: map[string]int{},
	}
	for _, d := range l.History() {
		s.Total++
		s.ByTool[d.Tool]++
		s.ByTier[d.Tier]++
		s.ByReason[d.Reason]++
	}
	return s
}
