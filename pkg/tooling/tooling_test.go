package tooling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
)

func testTool(name string, tier risk.Tier) Tool {
	return Func{
		Desc: Descriptor{
			Name:    name,
			Version: "1.0.0",
			Tier:    tier,
			Domain:  risk.DomainShell,
			Summary: "test tool " + name,
			ArgSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"command": {"type": "string", "minLength": 1}},
				"required": ["command"],
				"additionalProperties": false
			}`),
		},
		Fn: func(ctx context.Context, args map[string]any) (Result, error) {
			return Result{Text: "ok"}, nil
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testTool("bash", risk.Execute)))
	require.NoError(t, r.Register(testTool("echo", risk.ReadOnly)))
	r.Seal()

	d, err := r.Get("bash")
	require.NoError(t, err)
	assert.Equal(t, risk.Execute, d.Tier)

	names := []string{}
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"bash", "echo"}, names, "List keeps registration order")
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry()
	r.Seal()

	_, err := r.Get("nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrUnknownTool)

	_, err = r.Tool("nonexistent")
	assert.ErrorIs(t, err, faults.ErrUnknownTool)
}

func TestRegistry_DuplicateTool(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testTool("bash", risk.Execute)))

	err := r.Register(testTool("bash", risk.ReadOnly))
	assert.ErrorIs(t, err, faults.ErrDuplicateTool)

	d, _ := r.Get("bash")
	assert.Equal(t, risk.Execute, d.Tier, "first registration wins")
}

func TestRegistry_SealedRejectsRegistration(t *testing.T) {
	r := NewRegistry()
	r.Seal()
	assert.ErrorIs(t, r.Register(testTool("late", risk.Write)), ErrRegistrySealed)
	assert.True(t, r.Sealed())
}

func TestRegistry_ConcurrentReadsAfterSeal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testTool("bash", risk.Execute)))
	r.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := r.Get("bash")
				assert.NoError(t, err)
				_ = r.List()
			}
		}()
	}
	wg.Wait()
}

func TestDescriptor_Validate(t *testing.T) {
	valid := testTool("ok_tool", risk.Write).Descriptor()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Descriptor)
	}{
		{"bad name", func(d *Descriptor) { d.Name = "Bad Name" }},
		{"missing version", func(d *Descriptor) { d.Version = "" }},
		{"non-semver version", func(d *Descriptor) { d.Version = "latest" }},
		{"invalid tier", func(d *Descriptor) { d.Tier = risk.Tier(7) }},
		{"unknown domain", func(d *Descriptor) { d.Domain = "quantum" }},
		{"missing summary", func(d *Descriptor) { d.Summary = "" }},
		{"negative timeout", func(d *Descriptor) { d.Timeout = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestRegistry_RejectsBadSchema(t *testing.T) {
	bad := testTool("bad", risk.Write).(Func)
	bad.Desc.ArgSchema = json.RawMessage(`{"type": 12}`)
	assert.Error(t, NewRegistry().Register(bad))
}

func TestDescriptor_Fingerprint(t *testing.T) {
	t.Run("Same descriptor produces same fingerprint", func(t *testing.T) {
		a := testTool("bash", risk.Execute).Descriptor()
		b := testTool("bash", risk.Execute).Descriptor()
		assert.Equal(t, a.Fingerprint(), b.Fingerprint())
		assert.Len(t, a.Fingerprint(), 64)
	})

	t.Run("Schema whitespace does not affect fingerprint", func(t *testing.T) {
		a := testTool("bash", risk.Execute).Descriptor()
		b := a
		b.ArgSchema = json.RawMessage(`{"additionalProperties":false,"required":["command"],"properties":{"command":{"minLength":1,"type":"string"}},"type":"object"}`)
		assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("Different tier produces different fingerprint", func(t *testing.T) {
		a := testTool("bash", risk.Execute).Descriptor()
		b := testTool("bash", risk.Destructive).Descriptor()
		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	})
}

func TestArgValidator(t *testing.T) {
	v, err := NewArgValidator("bash", testTool("bash", risk.Execute).Descriptor().ArgSchema)
	require.NoError(t, err)

	assert.NoError(t, v.Validate(map[string]any{"command": "ls"}))
	assert.Error(t, v.Validate(map[string]any{"command": ""}))
	assert.Error(t, v.Validate(map[string]any{"command": 3}))
	assert.Error(t, v.Validate(map[string]any{"command": "ls", "extra": true}))
	assert.Error(t, v.Validate(nil))

	var none *ArgValidator
	assert.NoError(t, none.Validate(map[string]any{"anything": 1}))

	empty, err := NewArgValidator("free", nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
