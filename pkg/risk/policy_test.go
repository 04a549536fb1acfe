package risk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPolicy(t *testing.T, roots ...string) *Policy {
	t.Helper()
	p, err := NewPolicy(DefaultRuleSet(), WithAllowedRoots(roots...))
	require.NoError(t, err)
	return p
}

var bash = Subject{Tool: "bash", Domain: DomainShell, Tier: Execute}

func TestShellDestructivePatterns(t *testing.T) {
	p := newTestPolicy(t)

	destructive := []string{
		"rm -rf /tmp/x",
		"RM -f notes.txt",
		"mv build/ /opt/",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sdb1",
		"fdisk /dev/sda",
		"chmod 777 secrets",
		"chown root:root file",
		"echo x > /etc/hosts",
		"cat a >> /usr/local/bin/tool",
		"curl -X DELETE https://api.example.com/items/1",
		"wget --post-data 'a=b' http://x",
		"killall python",
		"kill -9 1234",
		"tar -xf a.tar -C /",
		"unzip archive.zip -d /opt",
		"ls; sudo reboot",
	}
	for _, cmd := range destructive {
		t.Run(cmd, func(t *testing.T) {
			tier, why := p.Classify(bash, map[string]any{"command": cmd})
			assert.Equal(t, Destructive, tier)
			assert.Contains(t, why, "escalated EXECUTE -> DESTRUCTIVE")
		})
	}

	benign := []string{"ls -la", "echo hello", "git status", "python3 --version", "grep -r foo ."}
	for _, cmd := range benign {
		t.Run(cmd, func(t *testing.T) {
			tier, why := p.Classify(bash, map[string]any{"command": cmd})
			assert.Equal(t, Execute, tier)
			assert.Equal(t, "static tier EXECUTE", why)
		})
	}
}

func TestCodeProcessControlEscalates(t *testing.T) {
	p := newTestPolicy(t)
	py := Subject{Tool: "python_execute", Domain: DomainCode, Tier: Execute}

	a := p.Assess(py, map[string]any{"code": "import shutil\nshutil.rmtree('/tmp/x')"})
	assert.Equal(t, Destructive, a.Effective)
	assert.Equal(t, []string{"code-process-control"}, a.Fired)

	a = p.Assess(py, map[string]any{"code": "print(sum(range(10)))"})
	assert.Equal(t, Execute, a.Effective)
	assert.False(t, a.Escalated())
}

func TestWriteOutsideArtifactsRoot(t *testing.T) {
	root := t.TempDir()
	p := newTestPolicy(t, root)
	writer := Subject{Tool: "file_writer", Domain: DomainFile, Tier: Write}

	tier, _ := p.Classify(writer, map[string]any{"file_path": filepath.Join(root, "out", "a.txt")})
	assert.Equal(t, Write, tier)

	tier, why := p.Classify(writer, map[string]any{"file_path": filepath.Join(root, "..", "escape.txt")})
	assert.Equal(t, Destructive, tier)
	assert.Contains(t, why, "write-outside-artifacts")
}

func TestWriteTargetsResolveAgainstBaseDir(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "t1", "artifacts")
	p := newTestPolicy(t, root)
	writer := Subject{Tool: "file_writer", Domain: DomainFile, Tier: Write, BaseDir: base}

	a := p.Assess(writer, map[string]any{"filename": "report.txt", "content": "x"})
	assert.Equal(t, Write, a.Effective)
	assert.False(t, a.Uninterpretable)
	assert.Equal(t, "static tier WRITE", a.Rationale)

	a = p.Assess(writer, map[string]any{"filename": "../../../escape.txt"})
	assert.Equal(t, Destructive, a.Effective)
	assert.Contains(t, a.Fired, "write-outside-artifacts")

	gen := Subject{Tool: "code_generator", Domain: DomainCode, Tier: Write, BaseDir: base}
	a = p.Assess(gen, map[string]any{"filename": "/etc/cron.d/job.py", "code": "print(1)"})
	assert.Equal(t, Destructive, a.Effective)

	md := Subject{Tool: "markdown_generator", Domain: DomainDocument, Tier: Write, BaseDir: base}
	a = p.Assess(md, map[string]any{"title": "Notes", "content": "# hi"})
	assert.Equal(t, "static tier WRITE", a.Rationale, "an omitted filename names no target")
}

func TestRelativeNameWithoutBaseDirStaysLocal(t *testing.T) {
	p := newTestPolicy(t, t.TempDir())
	writer := Subject{Tool: "file_writer", Domain: DomainFile, Tier: Write}

	a := p.Assess(writer, map[string]any{"filename": "report.txt"})
	assert.Equal(t, Write, a.Effective)
	assert.False(t, a.Uninterpretable)

	a = p.Assess(writer, map[string]any{"filename": "../report.txt"})
	assert.Equal(t, Destructive, a.Effective)
}

func TestDoubtsAreReportedOnce(t *testing.T) {
	p, err := NewPolicy(RuleSet{Version: "1.0.0", Rules: []Rule{
		{ID: "a", Kind: KindPath, Scope: ScopeSystemDirs, Dirs: []string{"/etc"}, Keys: []string{"file_path"}, Tier: Execute, Reason: "a"},
		{ID: "b", Kind: KindPath, Scope: ScopeSystemDirs, Dirs: []string{"/usr"}, Keys: []string{"file_path"}, Tier: Execute, Reason: "b"},
	}})
	require.NoError(t, err)

	a := p.Assess(Subject{Tool: "file_reader", Domain: DomainFile, Tier: ReadOnly}, map[string]any{"file_path": 42})
	assert.True(t, a.Uninterpretable)
	assert.Equal(t, 1, strings.Count(a.Rationale, `argument "file_path" is not a path`))
}

func TestSymlinkEscapeIsDetected(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	p := newTestPolicy(t, root)
	writer := Subject{Tool: "file_writer", Domain: DomainFile, Tier: Write}

	tier, _ := p.Classify(writer, map[string]any{"file_path": filepath.Join(link, "x.txt")})
	assert.Equal(t, Destructive, tier)
}

func TestReadOnlySystemPath(t *testing.T) {
	p := newTestPolicy(t, t.TempDir())
	reader := Subject{Tool: "file_reader", Domain: DomainFile, Tier: ReadOnly}

	tier, _ := p.Classify(reader, map[string]any{"file_path": "/etc/passwd"})
	assert.Equal(t, Execute, tier)

	tier, _ = p.Classify(reader, map[string]any{"file_path": filepath.Join(t.TempDir(), "notes.md")})
	assert.Equal(t, ReadOnly, tier, "reads outside the artifacts root are not escalated")
}

func TestUninterpretableArgumentsHoldStaticCeiling(t *testing.T) {
	p := newTestPolicy(t)

	for _, args := range []map[string]any{
		nil,
		{},
		{"command": 42},
		{"command": []any{"rm", "-rf", "/"}},
	} {
		a := p.Assess(bash, args)
		assert.Equal(t, Execute, a.Effective)
		assert.True(t, a.Uninterpretable)
		assert.Contains(t, a.Rationale, "held at EXECUTE ceiling")
	}
}

func TestSwapKeepsPreviousOnError(t *testing.T) {
	p := newTestPolicy(t)
	before := p.Version()

	err := p.Swap(RuleSet{Version: "2.0.0", Rules: []Rule{{ID: "bad", Kind: KindCEL, Tier: Write, Expr: "args["}}})
	require.Error(t, err)
	assert.Equal(t, before, p.Version())

	err = p.Swap(RuleSet{Version: "2.0.0", Rules: []Rule{{
		ID: "any-write", Kind: KindCEL, Tier: Destructive, Reason: "tool flagged",
		Expr: `tool == "notes"`,
	}}})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", p.Version())

	tier, _ := p.Classify(Subject{Tool: "notes", Domain: DomainOther, Tier: ReadOnly}, nil)
	assert.Equal(t, Destructive, tier)
	tier, _ = p.Classify(bash, map[string]any{"command": "rm -rf /"})
	assert.Equal(t, Execute, tier, "old rules no longer active")
}

func TestCELEvalErrorIsNotFatal(t *testing.T) {
	p, err := NewPolicy(RuleSet{Version: "1.0.0", Rules: []Rule{{
		ID: "needs-size", Kind: KindCEL, Tier: Destructive, Reason: "large",
		Expr: `args["size"] > 10`,
	}}})
	require.NoError(t, err)

	a := p.Assess(Subject{Tool: "t", Domain: DomainOther, Tier: Write}, map[string]any{})
	assert.Equal(t, Write, a.Effective)
	assert.True(t, a.Uninterpretable)
}

func TestParseRuleSetValidation(t *testing.T) {
	_, err := ParseRuleSet([]byte("version: nope\nrules: []\n"))
	assert.Error(t, err)

	_, err = ParseRuleSet([]byte("version: 1.0.0\nrules:\n  - id: a\n    kind: regex\n    tier: WRITE\n"))
	assert.ErrorContains(t, err, "needs patterns")

	_, err = ParseRuleSet([]byte("version: 1.0.0\nrules:\n  - id: a\n    kind: magic\n    tier: WRITE\n"))
	assert.ErrorContains(t, err, "unknown kind")

	_, err = ParseRuleSet([]byte("version: 1.0.0\nbogus: true\n"))
	assert.Error(t, err, "unknown fields are rejected")
}

func TestTierOrderingAndText(t *testing.T) {
	assert.True(t, ReadOnly < Write && Write < Execute && Execute < Destructive)
	assert.Equal(t, Destructive, Max(Write, Destructive))
	assert.True(t, Execute.AtLeast(Write))

	for _, tier := range []Tier{ReadOnly, Write, Execute, Destructive} {
		b, err := tier.MarshalText()
		require.NoError(t, err)
		var back Tier
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, tier, back)
	}

	parsed, err := ParseTier("read-only")
	require.NoError(t, err)
	assert.Equal(t, ReadOnly, parsed)

	_, err = ParseTier("catastrophic")
	assert.Error(t, err)
	_, err = Tier(9).MarshalText()
	assert.Error(t, err)
}
