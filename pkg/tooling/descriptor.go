// Package tooling holds tool descriptors and the registry that maps tool
// names to descriptors and implementations.
package tooling

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Descriptor is the immutable description of a tool.
type Descriptor struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Tier    risk.Tier   `json:"tier"`
	Domain  risk.Domain `json:"domain"`
	Summary string      `json:"summary"`
	// ArgSchema is a JSON Schema (draft 2020-12) for the argument object.
	ArgSchema json.RawMessage `json:"arg_schema,omitempty"`
	// Timeout overrides the invoker's per-tier timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RateLimitRPS throttles invocations when positive.
	RateLimitRPS float64           `json:"rate_limit_rps,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Subject is the view of the descriptor the risk policy consumes.
func (d Descriptor) Subject() risk.Subject {
	return risk.Subject{Tool: d.Name, Domain: d.Domain, Tier: d.Tier}
}

// Validate checks if the descriptor is well formed.
func (d Descriptor) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("name %q must match %s", d.Name, namePattern)
	}
	if d.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("version %q: %w", d.Version, err)
	}
	if !d.Tier.Valid() {
		return fmt.Errorf("invalid tier %d", int(d.Tier))
	}
	switch d.Domain {
	case risk.DomainShell, risk.DomainFile, risk.DomainCode, risk.DomainDocument, risk.DomainOther:
	default:
		return fmt.Errorf("unknown domain %q", d.Domain)
	}
	if d.Summary == "" {
		return fmt.Errorf("summary is required")
	}
	if d.Timeout < 0 || d.RateLimitRPS < 0 {
		return fmt.Errorf("timeout and rate limit must not be negative")
	}
	return nil
}

// Fingerprint is the hex SHA-256 of the descriptor's RFC 8785 canonical
// JSON. Two descriptors with equal fingerprints describe the same binding.
func (d Descriptor) Fingerprint() string {
	raw, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Result is what a tool implementation returns on success.
type Result struct {
	Text  string
	Files []artifacts.Draft
}

// Tool is an invocable tool implementation.
//
// Implementations should return errors rather than panic; the invoker
// converts both into failed outcomes.
type Tool interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, args map[string]any) (Result, error)
}

// Func adapts a function to Tool.
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, args map[string]any) (Result, error)
}

func (f Func) Descriptor() Descriptor { return f.Desc }

func (f Func) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	return f.Fn(ctx, args)
}
