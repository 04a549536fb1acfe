package risk

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
)

// Assessment is the full result of classifying one call.
type Assessment struct {
	Static    Tier
	Effective Tier
	Rationale string
	// Fired lists the ids of rules that escalated the call.
	Fired []string
	// Uninterpretable is set when some argument the active rules inspect was
	// missing or could not be read. The call is then held at its static tier.
	Uninterpretable bool
	RulesVersion    string
}

// Escalated reports whether the effective tier is above the static tier.
func (a Assessment) Escalated() bool { return a.Effective > a.Static }

// Policy classifies calls against a swappable RuleSet. It is safe for
// concurrent use and Classify never fails.
type Policy struct {
	env   *celEnv
	set   atomic.Pointer[compiled]
	roots []string
}

// Option configures a Policy.
type Option func(*Policy)

// WithAllowedRoots sets the directories file-domain writes may target
// without escalation.
func WithAllowedRoots(roots ...string) Option {
	return func(p *Policy) {
		for _, r := range roots {
			if r == "" {
				continue
			}
			if resolved, err := resolvePath(r); err == nil {
				p.roots = append(p.roots, resolved)
			}
		}
	}
}

// NewPolicy compiles rs and returns a ready policy.
func NewPolicy(rs RuleSet, opts ...Option) (*Policy, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	p := &Policy{env: env}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Swap(rs); err != nil {
		return nil, err
	}
	return p, nil
}

// Swap replaces the active rule set. On error the previous set stays active.
func (p *Policy) Swap(rs RuleSet) error {
	c, err := compile(rs, p.env)
	if err != nil {
		return err
	}
	p.set.Store(c)
	return nil
}

// Version returns the active rule set version.
func (p *Policy) Version() string {
	return p.set.Load().version
}

// Classify returns the effective tier and a human-readable rationale.
func (p *Policy) Classify(s Subject, args map[string]any) (Tier, string) {
	a := p.Assess(s, args)
	return a.Effective, a.Rationale
}

// Assess evaluates every applicable rule and combines the results.
func (p *Policy) Assess(s Subject, args map[string]any) Assessment {
	set := p.set.Load()
	a := Assessment{Static: s.Tier, Effective: s.Tier, RulesVersion: set.version}

	var reasons, doubts []string
	for i := range set.rules {
		r := &set.rules[i]
		if !r.appliesTo(s) {
			continue
		}
		fired, doubt := p.evalRule(r, s, args)
		if doubt != "" && !slices.Contains(doubts, doubt) {
			doubts = append(doubts, doubt)
		}
		if !fired {
			continue
		}
		a.Fired = append(a.Fired, r.ID)
		if r.Tier > a.Effective {
			a.Effective = r.Tier
		}
		reasons = append(reasons, fmt.Sprintf("%s (%s)", r.Reason, r.ID))
	}

	a.Uninterpretable = len(doubts) > 0
	a.Rationale = rationale(a, reasons, doubts)
	return a
}

func (p *Policy) evalRule(r *compiledRule, s Subject, args map[string]any) (bool, string) {
	switch r.Kind {
	case KindRegex:
		return evalRegex(r, s, args)
	case KindPath:
		return p.evalPath(r, s, args)
	case KindCEL:
		fired, err := r.program.eval(s, args)
		if err != nil {
			return false, fmt.Sprintf("rule %s not evaluable: %v", r.ID, err)
		}
		return fired, ""
	}
	return false, ""
}

func evalRegex(r *compiledRule, s Subject, args map[string]any) (bool, string) {
	keys := r.Keys
	if len(keys) == 0 {
		keys = defaultTextKeys(s.Domain)
	}
	var doubt string
	for _, key := range keys {
		text, ok := args[key].(string)
		if !ok {
			doubt = fmt.Sprintf("argument %q missing or not text", key)
			continue
		}
		for _, re := range r.regexps {
			if re.MatchString(text) {
				return true, ""
			}
		}
	}
	return false, doubt
}

func defaultTextKeys(d Domain) []string {
	switch d {
	case DomainShell:
		return []string{"command"}
	case DomainCode:
		return []string{"code"}
	case DomainDocument:
		return []string{"content"}
	}
	return nil
}

func (p *Policy) evalPath(r *compiledRule, s Subject, args map[string]any) (bool, string) {
	paths, doubt := pathArgs(r.Keys, args)
	for _, raw := range paths {
		if !filepath.IsAbs(raw) && raw != "~" && !strings.HasPrefix(raw, "~/") {
			if s.BaseDir == "" && filepath.IsLocal(raw) {
				// The tools confine local names to the artifacts directory.
				continue
			}
			if s.BaseDir != "" {
				raw = filepath.Join(s.BaseDir, raw)
			}
		}
		resolved, err := resolvePath(raw)
		if err != nil {
			doubt = fmt.Sprintf("path %q not resolvable", raw)
			continue
		}
		switch r.Scope {
		case ScopeOutsideRoots:
			if !withinAny(p.roots, resolved) {
				return true, ""
			}
		case ScopeSystemDirs:
			if withinAny(r.dirs, resolved) {
				return true, ""
			}
		}
	}
	return false, doubt
}

// pathArgs collects the values of path-like arguments in key order. Keys
// are alternatives: an absent key names no target and is skipped, a present
// key that is not a non-empty string is a doubt. Without declared keys every
// argument whose name contains "path" or "file" is inspected.
func pathArgs(keys []string, args map[string]any) ([]string, string) {
	if len(keys) == 0 {
		for k := range args {
			lk := strings.ToLower(k)
			if strings.Contains(lk, "path") || strings.Contains(lk, "file") {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
	}
	var out []string
	var doubt string
	for _, k := range keys {
		raw, present := args[k]
		if !present {
			continue
		}
		v, ok := raw.(string)
		if !ok || strings.TrimSpace(v) == "" {
			doubt = fmt.Sprintf("argument %q is not a path", k)
			continue
		}
		out = append(out, v)
	}
	return out, doubt
}

// resolvePath makes p absolute, expands a leading ~ and resolves symlinks on
// the longest existing prefix.
func resolvePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains NUL")
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	existing, rest := abs, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
	linked, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return abs, nil //nolint:nilerr // unreadable prefix, fall back to lexical path
	}
	return filepath.Join(linked, rest), nil
}

func withinAny(dirs []string, p string) bool {
	for _, d := range dirs {
		if within(d, p) {
			return true
		}
	}
	return false
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func rationale(a Assessment, reasons, doubts []string) string {
	var b strings.Builder
	if a.Escalated() {
		fmt.Fprintf(&b, "escalated %s -> %s: %s", a.Static, a.Effective, strings.Join(reasons, "; "))
	} else {
		fmt.Fprintf(&b, "static tier %s", a.Static)
		if len(reasons) > 0 {
			fmt.Fprintf(&b, " (matched %s)", strings.Join(reasons, "; "))
		}
	}
	if len(doubts) > 0 {
		fmt.Fprintf(&b, "; arguments not fully interpretable, held at %s ceiling: %s",
			a.Effective, strings.Join(doubts, "; "))
	}
	return b.String()
}
