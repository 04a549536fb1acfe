package artifacts

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Type is the declared kind of an artifact file.
type Type string

const (
	TypeText     Type = "text"
	TypeCode     Type = "code"
	TypeMarkdown Type = "markdown"
	TypePDF      Type = "pdf"
	TypeImage    Type = "image"
	TypeOther    Type = "other"
)

// Valid reports whether t is a declared artifact type.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeCode, TypeMarkdown, TypePDF, TypeImage, TypeOther:
		return true
	}
	return false
}

// ParseType parses a type name case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return TypeOther, fmt.Errorf("unknown artifact type %q", s)
	}
	return t, nil
}

var codeExtensions = map[string]bool{
	".py": true, ".go": true, ".js": true, ".ts": true, ".java": true, ".c": true,
	".cpp": true, ".h": true, ".rs": true, ".rb": true, ".sh": true, ".sql": true,
	".html": true, ".css": true, ".json": true, ".yaml": true, ".yml": true,
}

// TypeFromPath infers a type from the file extension.
func TypeFromPath(path string) Type {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".pdf":
		return TypePDF
	case ext == ".md" || ext == ".markdown":
		return TypeMarkdown
	case ext == ".txt" || ext == ".log" || ext == ".csv":
		return TypeText
	case ext == ".png" || ext == ".jpg" || ext == ".jpeg" || ext == ".gif" || ext == ".svg" || ext == ".webp":
		return TypeImage
	case codeExtensions[ext]:
		return TypeCode
	}
	return TypeOther
}

// Draft is a file a tool reports having produced.
type Draft struct {
	Path        string `json:"path"`
	Type        Type   `json:"type"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Record is the registry's immutable entry for one produced file.
type Record struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	Path        string    `json:"path"`
	Type        Type      `json:"type"`
	Tool        string    `json:"tool"`
	CreatedAt   time.Time `json:"created_at"`
	AutoOpen    bool      `json:"auto_open"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
}

// DisplayName is the suggested name, falling back to the file name.
func (r Record) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return filepath.Base(r.Path)
}
