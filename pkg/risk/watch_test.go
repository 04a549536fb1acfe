package risk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"github.com/sahan-penakalapati/hedwig/pkg/logging"
)

const customRules = `version: 1.1.0
rules:
  - id: no-git-push
    kind: regex
    domains: [shell]
    tier: DESTRUCTIVE
    reason: publishes commits
    patterns: ['\bgit\s+push\b']
`

func TestWatcherReloadsRules(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, defaultRules, 0o600))

	rs, err := LoadRuleSet(path)
	require.NoError(t, err)
	p, err := NewPolicy(rs)
	require.NoError(t, err)

	tl := logging.NewTestLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := Watch(ctx, p, path, tl.Logger)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	require.NoError(t, os.WriteFile(path, []byte(customRules), 0o600))

	select {
	case v := <-w.Reloaded():
		assert.Equal(t, "1.1.0", v)
	case <-time.After(5 * time.Second):
		t.Fatal("rules were not reloaded")
	}

	tier, _ := p.Classify(bash, map[string]any{"command": "git push origin main"})
	assert.Equal(t, Destructive, tier)

	require.NoError(t, os.WriteFile(path, []byte("version: [broken"), 0o600))
	assert.Eventually(t, func() bool {
		for _, e := range tl.FilterMessage("rules reload rejected").All() {
			if e.Level == zapcore.WarnLevel {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "1.1.0", p.Version())
}
