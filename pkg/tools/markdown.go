package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
	"github.com/sahan-penakalapati/hedwig/pkg/tooling"
)

type markdownGenerator struct{ env Env }

func newMarkdownGenerator(env Env) tooling.Tool { return markdownGenerator{env: env} }

func (markdownGenerator) Descriptor() tooling.Descriptor {
	return descriptor(MarkdownGenerator, risk.Write, risk.DomainDocument,
		"Creates a Markdown document with optional front matter, table of contents and tables.")
}

type frontMatter struct {
	Title     string   `yaml:"title"`
	Author    string   `yaml:"author,omitempty"`
	Date      string   `yaml:"date"`
	Created   string   `yaml:"created"`
	Tags      []string `yaml:"tags,omitempty,flow"`
	Generator string   `yaml:"generator"`
}

type mdTable struct {
	Title string
	Rows  [][]string
}

func (t markdownGenerator) Invoke(ctx context.Context, args map[string]any) (tooling.Result, error) {
	_, dir, err := t.env.threadDir(ctx, MarkdownGenerator)
	if err != nil {
		return tooling.Result{}, err
	}
	title := argString(args, "title")
	now := t.env.now()

	stem := strings.TrimSuffix(argString(args, "filename"), ".md")
	if stem == "" {
		stem = slug(title) + "_" + now.Format("20060102_150405")
	}
	path, err := localPath(MarkdownGenerator, dir, stem+".md")
	if err != nil {
		return tooling.Result{}, err
	}

	doc, err := renderMarkdown(markdownDoc{
		Title:    title,
		Content:  argString(args, "content"),
		Author:   argString(args, "author"),
		Tags:     argStrings(args, "tags"),
		TOC:      argBool(args, "include_toc", false),
		Metadata: argBool(args, "include_metadata", true),
		Tables:   tablesArg(args["tables"]),
	}, now)
	if err != nil {
		return tooling.Result{}, err
	}
	if err := os.WriteFile(path, []byte(doc), 0o640); err != nil {
		return tooling.Result{}, err
	}

	return tooling.Result{
		Text: fmt.Sprintf("Successfully generated Markdown document '%s' at %s (%d words)", title, path, len(strings.Fields(doc))),
		Files: []artifacts.Draft{{
			Path:        path,
			Type:        artifacts.TypeMarkdown,
			Name:        stem + ".md",
			Description: "Markdown document: " + title,
		}},
	}, nil
}

type markdownDoc struct {
	Title    string
	Content  string
	Author   string
	Tags     []string
	TOC      bool
	Metadata bool
	Tables   []mdTable
}

func renderMarkdown(d markdownDoc, now time.Time) (string, error) {
	var b strings.Builder
	if d.Metadata {
		fm, err := yaml.Marshal(frontMatter{
			Title:     d.Title,
			Author:    d.Author,
			Date:      now.Format("2006-01-02"),
			Created:   now.Format("2006-01-02 15:04:05"),
			Tags:      d.Tags,
			Generator: defaultAuthor,
		})
		if err != nil {
			return "", fmt.Errorf("front matter: %w", err)
		}
		b.WriteString("---\n")
		b.Write(fm)
		b.WriteString("---\n\n")
	}

	fmt.Fprintf(&b, "# %s\n\n", d.Title)

	if d.Author != "" || len(d.Tags) > 0 {
		if d.Author != "" {
			fmt.Fprintf(&b, "**Author:** %s\n", d.Author)
		}
		if len(d.Tags) > 0 {
			quoted := make([]string, len(d.Tags))
			for i, tag := range d.Tags {
				quoted[i] = "`" + tag + "`"
			}
			fmt.Fprintf(&b, "**Tags:** %s\n", strings.Join(quoted, ", "))
		}
		fmt.Fprintf(&b, "**Generated:** %s\n\n", now.Format("2006-01-02 15:04:05"))
	}

	if d.TOC {
		if toc := tableOfContents(d.Content); len(toc) > 0 {
			b.WriteString("## Table of Contents\n\n")
			for _, line := range toc {
				b.WriteString(line + "\n")
			}
			b.WriteString("\n---\n\n")
		}
	}

	b.WriteString(d.Content)

	if len(d.Tables) > 0 {
		b.WriteString("\n\n## Tables\n\n")
		for _, t := range d.Tables {
			b.WriteString(renderTable(t))
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

func tableOfContents(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		level := 0
		for level < len(line) && line[level] == '#' {
			level++
		}
		if level == 0 {
			continue
		}
		text := strings.TrimSpace(line[level:])
		if text == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%s- [%s](#%s)", strings.Repeat("  ", level-1), text, anchor(text)))
	}
	return out
}

func anchor(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r == ' ':
			b.WriteRune('-')
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func renderTable(t mdTable) string {
	title := t.Title
	if title == "" {
		title = "Table"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n\n", title)
	if len(t.Rows) == 0 {
		b.WriteString("*No data provided*\n")
		return b.String()
	}
	header := t.Rows[0]
	fmt.Fprintf(&b, "| %s |\n", strings.Join(header, " | "))
	b.WriteString("|" + strings.Repeat("---|", len(header)) + "\n")
	for _, row := range t.Rows[1:] {
		fmt.Fprintf(&b, "| %s |\n", strings.Join(row, " | "))
	}
	return b.String()
}

func tablesArg(v any) []mdTable {
	list, _ := v.([]any)
	out := make([]mdTable, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		t := mdTable{}
		t.Title, _ = m["title"].(string)
		rows, _ := m["data"].([]any)
		for _, row := range rows {
			cells, _ := row.([]any)
			strs := make([]string, len(cells))
			for i, c := range cells {
				strs[i] = fmt.Sprint(c)
			}
			t.Rows = append(t.Rows, strs)
		}
		out = append(out, t)
	}
	return out
}

// slug lowercases s and keeps letters, digits, dashes and underscores,
// joining words with underscores.
func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	out := strings.Join(strings.Fields(b.String()), "_")
	if out == "" {
		return "document"
	}
	return out
}
