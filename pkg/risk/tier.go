// Package risk classifies tool calls into ordered risk tiers.
//
// A Policy starts from the static tier a tool declares and raises it when a
// predicate from the active RuleSet fires on the call's arguments. The result
// is never lower than the static tier.
package risk

import (
	"fmt"
	"strings"
)

// Tier is an ordered classification of how consequential a tool call may be.
type Tier int

const (
	ReadOnly Tier = iota
	Write
	Execute
	Destructive
)

var tierNames = [...]string{"READ_ONLY", "WRITE", "EXECUTE", "DESTRUCTIVE"}

func (t Tier) String() string {
	if t < ReadOnly || t > Destructive {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// Valid reports whether t is one of the four declared tiers.
func (t Tier) Valid() bool {
	return t >= ReadOnly && t <= Destructive
}

// AtLeast reports whether t is at or above other.
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

// Max returns the higher of two tiers.
func Max(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}

// ParseTier parses the canonical upper-case name; lower case and hyphens are accepted.
func ParseTier(s string) (Tier, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for i, name := range tierNames {
		if name == norm {
			return Tier(i), nil
		}
	}
	return ReadOnly, fmt.Errorf("unknown risk tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid risk tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Domain names the kind of argument content a tool accepts, which decides
// which predicates inspect it.
type Domain string

const (
	DomainShell    Domain = "shell"
	DomainFile     Domain = "file"
	DomainCode     Domain = "code"
	DomainDocument Domain = "document"
	DomainOther    Domain = "other"
)

// Subject is what the policy needs to know about a tool.
type Subject struct {
	Tool   string
	Domain Domain
	Tier   Tier
	// BaseDir is where relative path arguments resolve, normally the
	// calling thread's artifacts directory. When empty, local relative
	// names are taken to stay inside the artifacts directory.
	BaseDir string
}
