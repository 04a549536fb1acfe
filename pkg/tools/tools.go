// Package tools implements Hedwig's built-in tools.
//
// Every tool works inside the artifacts directory of the thread carried by
// the invocation context (see logging.WithThread) and reports the files it
// produced as drafts; recording them is the dispatcher's job.
package tools

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
	"github.com/sahan-penakalapati/hedwig/pkg/tooling"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	FileReader        = "file_reader"
	ListArtifacts     = "list_artifacts"
	FileWriter        = "file_writer"
	MarkdownGenerator = "markdown_generator"
	CodeGenerator     = "code_generator"
	Bash              = "bash"
	PythonExecute     = "python_execute"

	version       = "1.0.0"
	defaultAuthor = "Hedwig AI Assistant"
)

// Workspace resolves a thread's artifacts directory.
type Workspace interface {
	ArtifactDir(threadID string) (string, error)
}

// Lister returns a thread's recorded artifacts.
type Lister interface {
	List(threadID string) []artifacts.Record
}

// Config tunes the built-ins. Zero values select defaults.
type Config struct {
	Shell         string
	Python        string
	BashTimeout   time.Duration
	PythonTimeout time.Duration
	// Checkers overrides the syntax checker per language. A nil command
	// disables checking for that language.
	Checkers map[string][]string
}

func (c Config) withDefaults() Config {
	if c.Shell == "" {
		c.Shell = "/bin/bash"
	}
	if c.Python == "" {
		c.Python = "python3"
	}
	return c
}

// Env is what the built-ins need from the rest of the application.
type Env struct {
	Workspace Workspace
	Artifacts Lister
	Config    Config
	Logger    *logging.Logger
	Clock     func() time.Time
}

func (e Env) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e Env) logger() *logging.Logger {
	if e.Logger == nil {
		return logging.Nop()
	}
	return e.Logger.Named("tools")
}

// threadDir returns the artifacts directory of the calling thread.
func (e Env) threadDir(ctx context.Context, tool string) (string, string, error) {
	thread := logging.ThreadFromContext(ctx)
	if thread == "" {
		return "", "", invalid(tool, "no thread bound to the invocation")
	}
	dir, err := e.Workspace.ArtifactDir(thread)
	if err != nil {
		return "", "", fmt.Errorf("artifacts dir for thread %s: %w", thread, err)
	}
	return thread, dir, nil
}

// Builtins returns the built-in tools in registration order.
func Builtins(env Env) []tooling.Tool {
	env.Config = env.Config.withDefaults()
	return []tooling.Tool{
		newFileReader(env),
		newListArtifacts(env),
		newFileWriter(env),
		newMarkdownGenerator(env),
		newCodeGenerator(env),
		newBash(env),
		newPythonExecute(env),
	}
}

// Register adds the built-ins to reg. The registry is left open so callers
// can add their own tools before sealing it.
func Register(reg *tooling.Registry, env Env) error {
	for _, t := range Builtins(env) {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Descriptor().Name, err)
		}
	}
	return nil
}

func descriptor(name string, tier risk.Tier, domain risk.Domain, summary string) tooling.Descriptor {
	schema, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		panic(fmt.Sprintf("tools: missing schema for %s: %v", name, err))
	}
	return tooling.Descriptor{
		Name:      name,
		Version:   version,
		Tier:      tier,
		Domain:    domain,
		Summary:   summary,
		ArgSchema: json.RawMessage(schema),
	}
}

// localPath joins name under dir, refusing names that would escape it.
func localPath(tool, dir, name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", invalid(tool, fmt.Sprintf("invalid filename %q: must stay inside the artifacts directory", name))
	}
	return filepath.Join(dir, name), nil
}

// invalid is a permanent fault: repeating the call cannot succeed.
func invalid(tool, msg string) error {
	return &faults.Error{Kind: faults.KindToolFault, Op: "invoke", Subject: tool, Code: string(faults.CatValidation), Permanent: true, Err: errors.New(msg)}
}
