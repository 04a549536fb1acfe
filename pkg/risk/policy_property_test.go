//go:build property
// +build property

package risk

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_EscalationIsMonotonic checks effective >= static for
// arbitrary tools, domains and argument text.
func TestProperty_EscalationIsMonotonic(t *testing.T) {
	p, err := NewPolicy(DefaultRuleSet(), WithAllowedRoots(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	domains := []Domain{DomainShell, DomainFile, DomainCode, DomainDocument, DomainOther}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("effective tier never below static tier", prop.ForAll(
		func(tier int, domainIdx int, text string, key string) bool {
			s := Subject{Tool: "t", Domain: domains[domainIdx], Tier: Tier(tier)}
			args := map[string]any{key: text, "command": text, "code": text, "file_path": text}
			a := p.Assess(s, args)
			return a.Effective >= a.Static && a.Static == s.Tier && a.Effective.Valid()
		},
		gen.IntRange(int(ReadOnly), int(Destructive)),
		gen.IntRange(0, len(domains)-1),
		gen.AnyString(),
		gen.AlphaString(),
	))

	properties.Property("destructive pattern always reaches DESTRUCTIVE", prop.ForAll(
		func(tier int, prefix string) bool {
			s := Subject{Tool: "bash", Domain: DomainShell, Tier: Tier(tier)}
			eff, _ := p.Classify(s, map[string]any{"command": prefix + " ; rm -rf build"})
			return eff == Destructive
		},
		gen.IntRange(int(ReadOnly), int(Destructive)),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
