package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
	"github.com/sahan-penakalapati/hedwig/pkg/tooling"
)

const syntaxCheckTimeout = 30 * time.Second

type language struct {
	name       string
	extensions []string
	comment    string
	checker    []string
}

var languages = []language{
	{"python", []string{".py", ".pyw"}, "#", []string{"{python}", "-m", "py_compile"}},
	{"javascript", []string{".js", ".mjs"}, "//", []string{"node", "--check"}},
	{"typescript", []string{".ts", ".tsx"}, "//", []string{"tsc", "--noEmit"}},
	{"java", []string{".java"}, "//", nil},
	{"cpp", []string{".cpp", ".cc", ".cxx"}, "//", []string{"g++", "-fsyntax-only"}},
	{"c", []string{".c"}, "//", []string{"gcc", "-fsyntax-only"}},
	{"go", []string{".go"}, "//", nil},
	{"rust", []string{".rs"}, "//", nil},
	{"html", []string{".html", ".htm"}, "<!--", nil},
	{"css", []string{".css"}, "/*", nil},
	{"bash", []string{".sh", ".bash"}, "#", []string{"bash", "-n"}},
	{"sql", []string{".sql"}, "--", nil},
}

func lookupLanguage(name string) (language, bool) {
	for _, l := range languages {
		if l.name == name {
			return l, true
		}
	}
	return language{}, false
}

// detectLanguage maps a file extension to a language name, "text" if unknown.
func detectLanguage(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, l := range languages {
		for _, e := range l.extensions {
			if e == ext {
				return l.name
			}
		}
	}
	return "text"
}

type codeGenerator struct{ env Env }

func newCodeGenerator(env Env) tooling.Tool { return codeGenerator{env: env} }

func (codeGenerator) Descriptor() tooling.Descriptor {
	return descriptor(CodeGenerator, risk.Write, risk.DomainCode,
		"Writes a source code file with a metadata header and an optional syntax check.")
}

type header struct {
	Filename    string
	Description string
	Author      string
	Language    string
	Created     time.Time
}

func (t codeGenerator) Invoke(ctx context.Context, args map[string]any) (tooling.Result, error) {
	_, dir, err := t.env.threadDir(ctx, CodeGenerator)
	if err != nil {
		return tooling.Result{}, err
	}
	filename := argString(args, "filename")
	path, err := localPath(CodeGenerator, dir, filename)
	if err != nil {
		return tooling.Result{}, err
	}
	lang := strings.ToLower(argString(args, "language"))
	if lang == "" {
		lang = detectLanguage(filename)
	}
	author := argString(args, "author")
	if author == "" {
		author = defaultAuthor
	}
	desc := argString(args, "description")

	code := argString(args, "code")
	if argBool(args, "add_header", true) {
		code = withHeader(code, header{
			Filename:    filepath.Base(filename),
			Description: desc,
			Author:      author,
			Language:    lang,
			Created:     t.env.now(),
		})
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return tooling.Result{}, err
	}
	if err := os.WriteFile(path, []byte(code), 0o640); err != nil {
		return tooling.Result{}, err
	}

	text := fmt.Sprintf("Successfully generated %s code file '%s' at %s", lang, filename, path)
	if argBool(args, "validate_syntax", true) {
		if problem := t.checkSyntax(ctx, path, lang); problem != "" {
			text += ". Warning: Syntax validation failed - " + problem
		}
	}

	if desc == "" {
		desc = fmt.Sprintf("%s code file: %s", lang, filepath.Base(filename))
	}
	return tooling.Result{
		Text:  text,
		Files: []artifacts.Draft{{Path: path, Type: artifacts.TypeCode, Name: filepath.Base(filename), Description: desc}},
	}, nil
}

// withHeader prepends a comment block in the language's comment style.
// A leading shebang line stays first.
func withHeader(code string, h header) string {
	l, ok := lookupLanguage(h.Language)
	if !ok {
		return code
	}
	lines := []string{h.Filename}
	if h.Description != "" {
		lines = append(lines, h.Description)
	}
	lines = append(lines, "",
		"Generated by: "+h.Author,
		"Created: "+h.Created.Format("2006-01-02 15:04:05"),
		"Language: "+h.Language,
	)

	var b strings.Builder
	switch l.comment {
	case "/*":
		b.WriteString("/*\n")
		for _, line := range lines {
			b.WriteString(strings.TrimRight(" * "+line, " ") + "\n")
		}
		b.WriteString(" */\n")
	case "<!--":
		b.WriteString("<!--\n")
		for _, line := range lines {
			b.WriteString(strings.TrimRight("  "+line, " ") + "\n")
		}
		b.WriteString("-->\n")
	default:
		for _, line := range lines {
			b.WriteString(strings.TrimRight(l.comment+" "+line, " ") + "\n")
		}
	}
	b.WriteString("\n")

	if strings.HasPrefix(code, "#!") {
		shebang, rest, _ := strings.Cut(code, "\n")
		return shebang + "\n" + b.String() + rest
	}
	return b.String() + code
}

// checkSyntax returns a description of the syntax problem, or "" when the
// file is valid or no checker is available.
func (t codeGenerator) checkSyntax(ctx context.Context, path, lang string) string {
	if lang == "go" {
		if _, err := parser.ParseFile(token.NewFileSet(), path, nil, parser.AllErrors); err != nil {
			return err.Error()
		}
		return ""
	}

	l, ok := lookupLanguage(lang)
	if !ok {
		return ""
	}
	argv := l.checker
	if custom, ok := t.env.Config.Checkers[lang]; ok {
		argv = custom
	}
	if len(argv) == 0 {
		return ""
	}
	argv = append([]string(nil), argv...)
	for i, a := range argv {
		if a == "{python}" {
			argv[i] = t.env.Config.Python
		}
	}

	ctx, cancel := context.WithTimeout(ctx, syntaxCheckTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], path)...)
	cmd.Dir = filepath.Dir(path)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	switch {
	case err == nil:
		return ""
	case errors.Is(err, exec.ErrNotFound):
		t.env.logger().Debug(ctx, "syntax checker not available", zap.String("language", lang), zap.String("checker", argv[0]))
		return ""
	case ctx.Err() != nil:
		return "syntax check timed out"
	}
	if msg := strings.TrimSpace(out.String()); msg != "" {
		return msg
	}
	return err.Error()
}
