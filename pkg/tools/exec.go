package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
	"github.com/sahan-penakalapati/hedwig/pkg/tooling"
)

const (
	defaultExecTimeout = 30 * time.Second
	previewLimit       = 200
)

// CodeNonZeroExit marks a command that ran and exited unsuccessfully.
const CodeNonZeroExit = "NONZERO_EXIT"

type execResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
	TimedOut bool
}

func (r execResult) combined() string {
	out := r.Stdout
	if r.Stderr != "" {
		if out != "" {
			out += "\n--- STDERR ---\n"
		}
		out += r.Stderr
	}
	return out
}

// run executes argv in dir with extra environment variables, bounded by
// timeout. Start failures are returned as errors; a process that ran and
// failed is reported through the result.
func run(parent context.Context, dir string, argv []string, env map[string]string, timeout time.Duration) (execResult, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := execResult{Stdout: stdout.String(), Stderr: stderr.String(), Elapsed: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case parent.Err() != nil:
		return res, parent.Err()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, err
	}
	return res, nil
}

// execTimeout picks the per-call timeout, capped by the configured one.
func execTimeout(args map[string]any, configured time.Duration) time.Duration {
	d := defaultExecTimeout
	if secs := argInt(args, "timeout", 0); secs > 0 {
		d = time.Duration(secs) * time.Second
	}
	if configured > 0 && d > configured {
		d = configured
	}
	return d
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLimit {
		return s
	}
	return string(r[:previewLimit]) + "..."
}

// saveOutput writes the report of a successful run next to the thread's
// artifacts.
func saveOutput(dir, prefix, title, command string, res execResult, now time.Time) (artifacts.Draft, error) {
	name := fmt.Sprintf("%s_%s.txt", prefix, now.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	var b strings.Builder
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", 50) + "\n")
	fmt.Fprintf(&b, "Executed: %s\n", now.Format("2006-01-02 15:04:05"))
	if command != "" {
		fmt.Fprintf(&b, "Command: %s\n", command)
	}
	fmt.Fprintf(&b, "Success: %t\nReturn Code: %d\nExecution Time: %.2f seconds\n\nOutput:\n%s\n%s",
		res.ExitCode == 0 && !res.TimedOut, res.ExitCode, res.Elapsed.Seconds(), strings.Repeat("-", 20), res.combined())
	if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
		return artifacts.Draft{}, err
	}
	return artifacts.Draft{Path: path, Type: artifacts.TypeText, Name: name}, nil
}

// failure reports a run that timed out or exited non-zero as a permanent
// fault, or nil when the run succeeded.
func failure(tool string, res execResult, timeout time.Duration) error {
	if res.TimedOut {
		return &faults.Error{
			Kind: faults.KindToolTimeout, Op: "invoke", Subject: tool, Code: string(faults.CatTimeout), Permanent: true,
			Err: fmt.Errorf("timed out after %s", timeout),
		}
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return &faults.Error{
			Kind: faults.KindToolFault, Op: "invoke", Subject: tool, Code: CodeNonZeroExit, Permanent: true,
			Err: fmt.Errorf("exit status %d: %s", res.ExitCode, preview(msg)),
		}
	}
	return nil
}

func succeeded(ok string, res execResult, files []artifacts.Draft) tooling.Result {
	text := ok
	if out := res.combined(); out != "" {
		text += ". Output: " + preview(out)
	}
	return tooling.Result{Text: text, Files: files}
}

type bash struct{ env Env }

func newBash(env Env) tooling.Tool { return bash{env: env} }

func (t bash) Descriptor() tooling.Descriptor {
	d := descriptor(Bash, risk.Execute, risk.DomainShell,
		"Runs a shell command in the thread's artifacts directory and returns its output.")
	d.Timeout = t.env.Config.BashTimeout
	return d
}

func (t bash) Invoke(ctx context.Context, args map[string]any) (tooling.Result, error) {
	_, dir, err := t.env.threadDir(ctx, Bash)
	if err != nil {
		return tooling.Result{}, err
	}
	command := argString(args, "command")
	timeout := execTimeout(args, t.env.Config.BashTimeout)

	res, err := run(ctx, dir, []string{t.env.Config.Shell, "-c", command}, argStringMap(args, "environment_vars"), timeout)
	if err != nil {
		return tooling.Result{}, fmt.Errorf("failed to execute command: %w", err)
	}
	t.env.logger().Debug(ctx, "command finished",
		zap.Int("exit_code", res.ExitCode), zap.Duration("elapsed", res.Elapsed), zap.Bool("timed_out", res.TimedOut))
	if err := failure(Bash, res, timeout); err != nil {
		return tooling.Result{}, err
	}

	var files []artifacts.Draft
	if argBool(args, "save_output", false) && res.combined() != "" {
		d, err := saveOutput(dir, "bash_output", "Bash Command Execution Output", command, res, t.env.now())
		if err != nil {
			t.env.logger().Warn(ctx, "saving command output failed", zap.Error(err))
		} else {
			d.Description = "Bash command output: " + clip(command, 50)
			files = append(files, d)
		}
	}
	return succeeded("Command executed successfully: "+command, res, files), nil
}

type pythonExecute struct{ env Env }

func newPythonExecute(env Env) tooling.Tool { return pythonExecute{env: env} }

func (t pythonExecute) Descriptor() tooling.Descriptor {
	d := descriptor(PythonExecute, risk.Execute, risk.DomainCode,
		"Runs a Python snippet in the thread's artifacts directory and returns its output.")
	d.Timeout = t.env.Config.PythonTimeout
	return d
}

func (t pythonExecute) Invoke(ctx context.Context, args map[string]any) (tooling.Result, error) {
	_, dir, err := t.env.threadDir(ctx, PythonExecute)
	if err != nil {
		return tooling.Result{}, err
	}
	f, err := os.CreateTemp(dir, ".snippet-*.py")
	if err != nil {
		return tooling.Result{}, err
	}
	script := f.Name()
	defer os.Remove(script)
	if _, err := f.WriteString(argString(args, "code")); err != nil {
		_ = f.Close()
		return tooling.Result{}, err
	}
	if err := f.Close(); err != nil {
		return tooling.Result{}, err
	}

	timeout := execTimeout(args, t.env.Config.PythonTimeout)
	res, err := run(ctx, dir, []string{t.env.Config.Python, script}, argStringMap(args, "environment_vars"), timeout)
	if err != nil {
		return tooling.Result{}, fmt.Errorf("failed to execute Python code: %w", err)
	}
	if err := failure(PythonExecute, res, timeout); err != nil {
		return tooling.Result{}, err
	}

	var files []artifacts.Draft
	if argBool(args, "save_output", false) && res.combined() != "" {
		now := t.env.now()
		d, err := saveOutput(dir, "python_output", "Python Code Execution Output", "", res, now)
		if err != nil {
			t.env.logger().Warn(ctx, "saving python output failed", zap.Error(err))
		} else {
			d.Description = "Python execution output from " + now.Format("20060102_150405")
			files = append(files, d)
		}
	}
	return succeeded("Python code executed successfully", res, files), nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
