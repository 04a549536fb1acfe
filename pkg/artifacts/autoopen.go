package artifacts

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// SelectForOpen picks the artifact to open from a batch produced by one
// task: a single PDF wins, otherwise the first code file. Records not
// flagged AutoOpen are ignored.
func SelectForOpen(batch []Record) (Record, bool) {
	var pdfs, code []Record
	for _, r := range batch {
		if !r.AutoOpen {
			continue
		}
		switch r.Type {
		case TypePDF:
			pdfs = append(pdfs, r)
		case TypeCode:
			code = append(code, r)
		}
	}
	if len(pdfs) == 1 {
		return pdfs[0], true
	}
	if len(code) > 0 {
		return code[0], true
	}
	return Record{}, false
}

// Opener shows an artifact to the user.
type Opener interface {
	Open(ctx context.Context, r Record) error
}

// SystemOpener hands the file to the desktop's default application.
type SystemOpener struct{}

func (SystemOpener) Open(ctx context.Context, r Record) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", r.Path)
	case "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/c", "start", "", r.Path)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", r.Path)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("open %s: %w: %s", r.Path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Summary renders a thread's artifacts for agents and the CLI.
func Summary(recs []Record) string {
	if len(recs) == 0 {
		return "No artifacts available in this thread."
	}
	var b strings.Builder
	b.WriteString("Available artifacts:")
	for i, r := range recs {
		fmt.Fprintf(&b, "\n[%d] %s (%s)", i+1, filepath.Base(r.Path), strings.ToUpper(string(r.Type)))
		if r.Description != "" {
			b.WriteString(" - " + r.Description)
		}
	}
	return b.String()
}
