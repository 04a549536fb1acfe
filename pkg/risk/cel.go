package risk

import (
	"bytes"
	"fmt"
	"io"

	"github.com/google/cel-go/cel"
)

// celEnv exposes tool, domain, tier and args to rule expressions.
type celEnv struct {
	env *cel.Env
}

func newCELEnv() (*celEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("domain", cel.StringType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &celEnv{env: env}, nil
}

type celPredicate struct {
	prg cel.Program
}

func (e *celEnv) compile(expr string) (*celPredicate, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return &celPredicate{prg: prg}, nil
}

func (p *celPredicate) eval(s Subject, args map[string]any) (bool, error) {
	if args == nil {
		args = map[string]any{}
	}
	out, _, err := p.prg.Eval(map[string]any{
		"tool":   s.Tool,
		"domain": string(s.Domain),
		"tier":   s.Tier.String(),
		"args":   args,
	})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	fired, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not boolean")
	}
	return fired, nil
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }
