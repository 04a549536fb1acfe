package risk

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

//go:embed rules/default.yaml
var defaultRules []byte

// RuleKind selects how a rule inspects a call.
type RuleKind string

const (
	KindRegex RuleKind = "regex"
	KindCEL   RuleKind = "cel"
	KindPath  RuleKind = "path"
)

// PathScope selects what a path rule checks.
type PathScope string

const (
	ScopeOutsideRoots PathScope = "outside_roots"
	ScopeSystemDirs   PathScope = "system_dirs"
)

// Rule is one escalation predicate as written in a rules file.
type Rule struct {
	ID     string   `yaml:"id"`
	Kind   RuleKind `yaml:"kind"`
	Tier   Tier     `yaml:"tier"`
	Reason string   `yaml:"reason"`
	// Domains restricts the rule to tools of these argument domains. Empty
	// means every domain.
	Domains []Domain `yaml:"domains,omitempty"`
	// Tools restricts the rule to named tools. Empty means every tool.
	Tools []string `yaml:"tools,omitempty"`

	// regex
	Keys     []string `yaml:"keys,omitempty"`
	Patterns []string `yaml:"patterns,omitempty"`

	// cel
	Expr string `yaml:"expr,omitempty"`

	// path
	Scope       PathScope `yaml:"scope,omitempty"`
	Dirs        []string  `yaml:"dirs,omitempty"`
	AppliesFrom *Tier     `yaml:"applies_from,omitempty"`
}

// RuleSet is a versioned, replaceable collection of predicates.
type RuleSet struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// DefaultRuleSet returns the embedded rules.
func DefaultRuleSet() RuleSet {
	rs, err := ParseRuleSet(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("risk: embedded rules invalid: %v", err))
	}
	return rs
}

// LoadRuleSet reads and validates a YAML rules file.
func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied rules path
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	rs, err := ParseRuleSet(data)
	if err != nil {
		return RuleSet{}, fmt.Errorf("rules %s: %w", path, err)
	}
	return rs, nil
}

// ParseRuleSet decodes and validates YAML rules.
func ParseRuleSet(data []byte) (RuleSet, error) {
	var rs RuleSet
	dec := yaml.NewDecoder(bytesReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil {
		return RuleSet{}, fmt.Errorf("decode rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// Validate checks structure without compiling expressions.
func (rs RuleSet) Validate() error {
	if rs.Version == "" {
		return fmt.Errorf("rules: version is required")
	}
	if _, err := semver.NewVersion(rs.Version); err != nil {
		return fmt.Errorf("rules: version %q: %w", rs.Version, err)
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		if r.ID == "" {
			return fmt.Errorf("rules[%d]: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rules[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if !r.Tier.Valid() {
			return fmt.Errorf("rule %s: invalid tier", r.ID)
		}
		switch r.Kind {
		case KindRegex:
			if len(r.Patterns) == 0 {
				return fmt.Errorf("rule %s: regex rule needs patterns", r.ID)
			}
		case KindCEL:
			if r.Expr == "" {
				return fmt.Errorf("rule %s: cel rule needs expr", r.ID)
			}
		case KindPath:
			switch r.Scope {
			case ScopeOutsideRoots:
			case ScopeSystemDirs:
				if len(r.Dirs) == 0 {
					return fmt.Errorf("rule %s: system_dirs scope needs dirs", r.ID)
				}
			default:
				return fmt.Errorf("rule %s: unknown path scope %q", r.ID, r.Scope)
			}
		default:
			return fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
		}
	}
	return nil
}

// compiled is the immutable, ready-to-evaluate form of a RuleSet.
type compiled struct {
	version string
	rules   []compiledRule
}

type compiledRule struct {
	Rule
	regexps []*regexp.Regexp
	program *celPredicate
	dirs    []string
}

func (r *compiledRule) appliesTo(s Subject) bool {
	if len(r.Domains) > 0 && !containsDomain(r.Domains, s.Domain) {
		return false
	}
	if len(r.Tools) > 0 && !containsString(r.Tools, s.Tool) {
		return false
	}
	if r.AppliesFrom != nil && s.Tier < *r.AppliesFrom {
		return false
	}
	return true
}

func compile(rs RuleSet, env *celEnv) (*compiled, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	out := &compiled{version: rs.Version, rules: make([]compiledRule, 0, len(rs.Rules))}
	for _, r := range rs.Rules {
		cr := compiledRule{Rule: r}
		switch r.Kind {
		case KindRegex:
			for _, p := range r.Patterns {
				re, err := regexp.Compile("(?i)" + p)
				if err != nil {
					return nil, fmt.Errorf("rule %s: pattern %q: %w", r.ID, p, err)
				}
				cr.regexps = append(cr.regexps, re)
			}
		case KindCEL:
			prg, err := env.compile(r.Expr)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
			cr.program = prg
		case KindPath:
			for _, d := range r.Dirs {
				cr.dirs = append(cr.dirs, filepath.Clean(d))
				if resolved, err := resolvePath(d); err == nil && resolved != filepath.Clean(d) {
					cr.dirs = append(cr.dirs, resolved)
				}
			}
		}
		out.rules = append(out.rules, cr)
	}
	return out, nil
}

func containsDomain(list []Domain, d Domain) bool {
	for _, v := range list {
		if v == d {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
