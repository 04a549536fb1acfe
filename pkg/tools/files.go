package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
	"github.com/sahan-penakalapati/hedwig/pkg/tooling"
)

const (
	defaultMaxReadMB = 10.0
	binarySample     = 1024
)

var encodings = map[string]encoding.Encoding{
	"latin1":     charmap.ISO8859_1,
	"iso-8859-1": charmap.ISO8859_1,
	"cp1252":     charmap.Windows1252,
}

type fileReader struct{ env Env }

func newFileReader(env Env) tooling.Tool { return fileReader{env: env} }

func (fileReader) Descriptor() tooling.Descriptor {
	return descriptor(FileReader, risk.ReadOnly, risk.DomainFile,
		"Reads the complete content of a text file. Relative paths resolve inside the thread's artifacts directory.")
}

func (t fileReader) Invoke(ctx context.Context, args map[string]any) (tooling.Result, error) {
	_, dir, err := t.env.threadDir(ctx, FileReader)
	if err != nil {
		return tooling.Result{}, err
	}
	path := argString(args, "file_path")
	if !filepath.IsAbs(path) {
		if path, err = localPath(FileReader, dir, path); err != nil {
			return tooling.Result{}, err
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return tooling.Result{}, fmt.Errorf("file not found: %s: %w", path, err)
	}
	if info.IsDir() {
		return tooling.Result{}, invalid(FileReader, "path is not a file: "+path)
	}
	limit := argFloat(args, "max_size_mb", defaultMaxReadMB)
	if sizeMB := float64(info.Size()) / (1 << 20); sizeMB > limit {
		return tooling.Result{}, invalid(FileReader, fmt.Sprintf("file too large: %.2fMB > %gMB limit", sizeMB, limit))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return tooling.Result{}, err
	}
	enc := strings.ToLower(argString(args, "encoding"))
	if enc == "" {
		enc = "utf-8"
	}
	content, used, err := decodeText(raw, enc)
	if err != nil {
		return tooling.Result{}, invalid(FileReader, fmt.Sprintf("could not decode %s: %v", path, err))
	}
	if used != enc {
		t.env.logger().Warn(ctx, "read with fallback encoding",
			zap.String("path", path), zap.String("requested", enc), zap.String("used", used))
	}
	if looksBinary(content) {
		return tooling.Result{}, invalid(FileReader, "file appears to be binary and cannot be read as text: "+path)
	}

	text := fmt.Sprintf("Successfully read file: %s\nFile size: %.1fKB\nLines: %d\nCharacters: %d\nEncoding: %s\n\n%s",
		path, float64(info.Size())/1024, lineCount(content), utf8.RuneCountInString(content), used, content)
	return tooling.Result{Text: text}, nil
}

// decodeText decodes raw with enc, falling back to the single-byte
// encodings when UTF-8 is requested but the bytes are not valid UTF-8.
func decodeText(raw []byte, enc string) (string, string, error) {
	if enc == "utf-8" || enc == "utf8" {
		if utf8.Valid(raw) {
			return string(raw), "utf-8", nil
		}
		for _, alt := range []string{"cp1252", "latin1"} {
			if out, err := encodings[alt].NewDecoder().Bytes(raw); err == nil {
				return string(out), alt, nil
			}
		}
		return "", "", fmt.Errorf("not valid utf-8")
	}
	e, ok := encodings[enc]
	if !ok {
		return "", "", fmt.Errorf("unsupported encoding %q", enc)
	}
	out, err := e.NewDecoder().Bytes(raw)
	if err != nil {
		return "", "", err
	}
	return string(out), enc, nil
}

// looksBinary reports NUL bytes or a printable ratio under 95% in the
// leading sample.
func looksBinary(s string) bool {
	if s == "" {
		return false
	}
	total, printable := 0, 0
	for _, r := range s {
		if total == binarySample {
			break
		}
		total++
		if r == 0 {
			return true
		}
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	return float64(printable)/float64(total) < 0.95
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

type fileWriter struct{ env Env }

func newFileWriter(env Env) tooling.Tool { return fileWriter{env: env} }

func (fileWriter) Descriptor() tooling.Descriptor {
	return descriptor(FileWriter, risk.Write, risk.DomainFile,
		"Writes text content to a file in the thread's artifacts directory.")
}

func (t fileWriter) Invoke(ctx context.Context, args map[string]any) (tooling.Result, error) {
	_, dir, err := t.env.threadDir(ctx, FileWriter)
	if err != nil {
		return tooling.Result{}, err
	}
	name := argString(args, "filename")
	path, err := localPath(FileWriter, dir, name)
	if err != nil {
		return tooling.Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return tooling.Result{}, err
	}

	content := argString(args, "content")
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	verb := "Wrote"
	if argBool(args, "append", false) {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		verb = "Appended"
	}
	f, err := os.OpenFile(path, flags, 0o640)
	if err != nil {
		return tooling.Result{}, err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return tooling.Result{}, err
	}
	if err := f.Close(); err != nil {
		return tooling.Result{}, err
	}

	desc := argString(args, "description")
	if desc == "" {
		desc = "File written: " + name
	}
	return tooling.Result{
		Text:  fmt.Sprintf("%s %d bytes to '%s' at %s", verb, len(content), name, path),
		Files: []artifacts.Draft{{Path: path, Type: artifacts.TypeFromPath(path), Name: filepath.Base(path), Description: desc}},
	}, nil
}

type listArtifacts struct{ env Env }

func newListArtifacts(env Env) tooling.Tool { return listArtifacts{env: env} }

func (listArtifacts) Descriptor() tooling.Descriptor {
	return descriptor(ListArtifacts, risk.ReadOnly, risk.DomainOther,
		"Lists the artifacts produced so far in the current thread, optionally filtered by type.")
}

func (t listArtifacts) Invoke(ctx context.Context, args map[string]any) (tooling.Result, error) {
	thread := logging.ThreadFromContext(ctx)
	if thread == "" {
		return tooling.Result{}, invalid(ListArtifacts, "no thread bound to the invocation")
	}
	recs := t.env.Artifacts.List(thread)

	if raw := argString(args, "artifact_type"); raw != "" {
		typ, err := artifacts.ParseType(raw)
		if err != nil {
			return tooling.Result{}, invalid(ListArtifacts, err.Error())
		}
		kept := recs[:0:0]
		for _, r := range recs {
			if r.Type == typ {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			return tooling.Result{Text: fmt.Sprintf("No %s artifacts available in this thread.", typ)}, nil
		}
		recs = kept
	}

	var b strings.Builder
	b.WriteString(artifacts.Summary(recs))
	if len(recs) == 0 {
		return tooling.Result{Text: b.String()}, nil
	}
	if argBool(args, "include_metadata", false) {
		b.WriteString("\n\nDetails:")
		for i, r := range recs {
			fmt.Fprintf(&b, "\n[%d] id=%s path=%s size=%s created=%s tool=%s",
				i+1, r.ID, r.Path, humanSize(r.SizeBytes), r.CreatedAt.Format("2006-01-02 15:04:05"), r.Tool)
		}
	}
	counts := map[artifacts.Type]int{}
	for _, r := range recs {
		counts[r.Type]++
	}
	types := make([]string, 0, len(counts))
	for typ := range counts {
		types = append(types, string(typ))
	}
	sort.Strings(types)
	b.WriteString("\n\nBreakdown by type:")
	for _, typ := range types {
		fmt.Fprintf(&b, "\n  - %s: %d", typ, counts[artifacts.Type(typ)])
	}
	return tooling.Result{Text: b.String()}, nil
}

func humanSize(n int64) string {
	if n >= 1<<20 {
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	}
	return fmt.Sprintf("%.1fKB", float64(n)/1024)
}
