package dispatch

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sahan-penakalapati/hedwig/pkg/agent"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
)

const (
	// DefaultRoutingHistory bounds the remembered routing decisions.
	DefaultRoutingHistory = 100
	contextMessages       = 3
	promptClip            = 200
)

// Tagger derives intent tags from a prompt. Tags are compared with the
// capability tags of the specialists.
type Tagger interface {
	Tags(prompt string) []string
}

// TaggerFunc adapts a function to Tagger.
type TaggerFunc func(prompt string) []string

func (f TaggerFunc) Tags(prompt string) []string { return f(prompt) }

// KeywordTagger maps normalized words to capability tags.
type KeywordTagger map[string][]string

// DefaultKeywords covers the built-in specialists.
func DefaultKeywords() KeywordTagger {
	kt := KeywordTagger{}
	add := func(tags []string, words ...string) {
		for _, w := range words {
			kt[w] = append(kt[w], tags...)
		}
	}
	add([]string{"code_generation"}, "code", "script", "scripts", "program", "function", "functions", "class", "classes", "implement")
	add([]string{"debugging"}, "bug", "bugs", "debug", "fix", "error", "traceback")
	add([]string{"refactoring"}, "refactor", "refactoring", "cleanup")
	add([]string{"testing"}, "test", "tests", "unittest", "pytest")
	add([]string{"script_execution"}, "run", "execute", "bash", "python")
	add([]string{"web_research", "information_gathering"}, "research", "search", "find", "investigate", "study", "gather")
	add([]string{"data_analysis"}, "analyze", "analyse", "analysis", "compare", "statistics")
	add([]string{"report_generation"}, "report", "whitepaper")
	add([]string{"content_summarization"}, "summarize", "summarise", "summary")
	add([]string{"fact_checking", "source_verification"}, "verify", "fact", "facts", "sources")
	add([]string{"file_operations", "document_management"}, "file", "files", "document", "documents", "folder", "directory")
	add([]string{"artifact_management"}, "artifact", "artifacts")
	add([]string{"information_organization"}, "organize", "organise", "sort", "list")
	add([]string{"task_automation"}, "automate", "automation", "schedule")
	return kt
}

var folder = cases.Fold()

// Normalize applies NFKC and case folding and splits s into words.
func Normalize(s string) []string {
	s = folder.String(norm.NFKC.String(s))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (k KeywordTagger) Tags(prompt string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range Normalize(prompt) {
		for _, tag := range k[w] {
			if !seen[tag] {
				seen[tag] = true
				out = append(out, tag)
			}
		}
	}
	return out
}

// Decision records one routing choice.
type Decision struct {
	Time       time.Time `json:"time"`
	Prompt     string    `json:"prompt"`
	Specialist string    `json:"specialist"`
	Score      int       `json:"score"`
	Tags       []string  `json:"tags,omitempty"`
	Excluded   []string  `json:"excluded,omitempty"`
	// Attempt is 1 for the first routing of a task, higher on reroutes.
	Attempt  int  `json:"attempt"`
	Fallback bool `json:"fallback"`
}

// RoutingStats aggregates the remembered decisions.
type RoutingStats struct {
	Total          int            `json:"total_routings"`
	BySpecialist   map[string]int `json:"specialists_used"`
	RetryRate      float64        `json:"retry_rate"`
	AverageAttempt float64        `json:"average_routing_attempt"`
	Fallbacks      int            `json:"fallbacks"`
	Available      []string       `json:"available_specialists"`
}

// Router selects the specialist for a task. Routing is total: every prompt
// maps to some specialist.
type Router struct {
	specialists []agent.Specialist
	fallback    string
	tagger      Tagger
	clock       func() time.Time

	mu      sync.Mutex
	history []Decision
	limit   int
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithTagger replaces the keyword heuristic.
func WithTagger(t Tagger) RouterOption {
	return func(r *Router) { r.tagger = t }
}

// WithFallback names the specialist used when nothing scores.
func WithFallback(name string) RouterOption {
	return func(r *Router) { r.fallback = name }
}

func WithRoutingHistory(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.limit = n
		}
	}
}

func withRouterClock(clock func() time.Time) RouterOption {
	return func(r *Router) { r.clock = clock }
}

// NewRouter builds a router over specialists in declaration order, which
// breaks score ties. At least one specialist is required.
func NewRouter(specialists []agent.Specialist, opts ...RouterOption) *Router {
	if len(specialists) == 0 {
		panic("dispatch: router needs at least one specialist")
	}
	r := &Router{
		specialists: specialists,
		fallback:    agent.General,
		tagger:      DefaultKeywords(),
		clock:       time.Now,
		limit:       DefaultRoutingHistory,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Specialists returns the registered specialists in declaration order.
func (r *Router) Specialists() []agent.Specialist {
	return append([]agent.Specialist(nil), r.specialists...)
}

// Lookup finds a specialist by name.
func (r *Router) Lookup(name string) (agent.Specialist, bool) {
	for _, s := range r.specialists {
		if s.Capabilities().Name == name {
			return s, true
		}
	}
	return nil, false
}

// Route scores every non-excluded specialist by the overlap between the
// prompt's intent tags and its capability tags. When the prompt yields no
// tags the last few history messages are tagged instead. Ties go to the
// earlier declared specialist; a zero score goes to the fallback. If every
// specialist is excluded the fallback is returned regardless.
func (r *Router) Route(prompt string, history []session.Message, excluded ...string) (agent.Specialist, Decision) {
	tags := r.tagger.Tags(prompt)
	if len(tags) == 0 {
		tags = r.contextTags(history)
	}
	ex := map[string]bool{}
	for _, n := range excluded {
		ex[n] = true
	}

	var best agent.Specialist
	bestScore := 0
	for _, s := range r.specialists {
		caps := s.Capabilities()
		if ex[caps.Name] {
			continue
		}
		if sc := score(tags, caps.Tags); sc > bestScore {
			best, bestScore = s, sc
		}
	}

	d := Decision{
		Time:     r.clock(),
		Prompt:   clipRunes(prompt, promptClip),
		Score:    bestScore,
		Tags:     tags,
		Excluded: append([]string(nil), excluded...),
		Attempt:  len(excluded) + 1,
	}
	if best == nil {
		best = r.fallbackFor(ex)
		d.Fallback = true
	}
	d.Specialist = best.Capabilities().Name
	r.remember(d)
	return best, d
}

func (r *Router) contextTags(history []session.Message) []string {
	if len(history) > contextMessages {
		history = history[len(history)-contextMessages:]
	}
	var b strings.Builder
	for _, m := range history {
		if m.Role == session.RoleUser {
			b.WriteString(m.Content)
			b.WriteByte(' ')
		}
	}
	return r.tagger.Tags(b.String())
}

func (r *Router) fallbackFor(ex map[string]bool) agent.Specialist {
	if s, ok := r.Lookup(r.fallback); ok && !ex[r.fallback] {
		return s
	}
	for _, s := range r.specialists {
		if !ex[s.Capabilities().Name] {
			return s
		}
	}
	if s, ok := r.Lookup(r.fallback); ok {
		return s
	}
	return r.specialists[len(r.specialists)-1]
}

func score(intent, caps []string) int {
	set := make(map[string]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	n := 0
	for _, t := range intent {
		if set[t] {
			n++
		}
	}
	return n
}

func (r *Router) remember(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, d)
	if over := len(r.history) - r.limit; over > 0 {
		r.history = append([]Decision(nil), r.history[over:]...)
	}
}

// History returns the remembered decisions, oldest first.
func (r *Router) History() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Decision(nil), r.history...)
}

// ClearHistory forgets every decision.
func (r *Router) ClearHistory() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
}

// Stats aggregates the remembered decisions.
func (r *Router) Stats() RoutingStats {
	st := RoutingStats{BySpecialist: map[string]int{}}
	for _, s := range r.specialists {
		st.Available = append(st.Available, s.Capabilities().Name)
	}
	hist := r.History()
	if len(hist) == 0 {
		return st
	}
	retries, attempts := 0, 0
	for _, d := range hist {
		st.Total++
		st.BySpecialist[d.Specialist]++
		attempts += d.Attempt
		if d.Attempt > 1 {
			retries++
		}
		if d.Fallback {
			st.Fallbacks++
		}
	}
	st.RetryRate = float64(retries) / float64(st.Total)
	st.AverageAttempt = float64(attempts) / float64(st.Total)
	return st
}

// TopSpecialists returns specialist names by usage, most used first.
func (st RoutingStats) TopSpecialists() []string {
	names := make([]string, 0, len(st.BySpecialist))
	for n := range st.BySpecialist {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if st.BySpecialist[names[i]] != st.BySpecialist[names[j]] {
			return st.BySpecialist[names[i]] > st.BySpecialist[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
