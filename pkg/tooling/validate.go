package tooling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ArgValidator checks call arguments against a tool's JSON Schema.
// A nil validator accepts everything.
type ArgValidator struct {
	schema *jsonschema.Schema
}

// NewArgValidator compiles schema. An empty schema yields a nil validator.
func NewArgValidator(tool string, schema json.RawMessage) (*ArgValidator, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://hedwig.schemas.local/tools/%s.args.schema.json", tool)
	if err := c.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("tool %s: schema load failed: %w", tool, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: schema compile failed: %w", tool, err)
	}
	return &ArgValidator{schema: compiled}, nil
}

// Validate checks args. Values are normalised through JSON first so Go
// numeric and slice types validate the same way decoded model output does.
func (v *ArgValidator) Validate(args map[string]any) error {
	if v == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments not serialisable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("arguments not serialisable: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
