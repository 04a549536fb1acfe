package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestContextFieldsAttached(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithTask(WithThread(context.Background(), "t-1"), "task-9")
	ctx = WithSpecialist(ctx, "swe")

	tl.Info(ctx, "routed", zap.String("tool", "bash"))

	entries := tl.FilterMessage("routed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "t-1", fields["thread_id"])
	assert.Equal(t, "task-9", fields["task_id"])
	assert.Equal(t, "swe", fields["specialist"])
	assert.Equal(t, "bash", fields["tool"])
}

func TestAssertLogged(t *testing.T) {
	tl := NewTestLogger()
	tl.Warn(context.Background(), "snapshot corrupt, starting empty")

	tl.AssertLogged(t, zapcore.WarnLevel, "snapshot corrupt")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "snapshot corrupt")
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hedwig.log")
	l, err := New(&Config{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	l.Debug(context.Background(), "hello")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{Format: "xml"}).Validate())
	assert.NoError(t, NewDefaultConfig().Validate())
}
