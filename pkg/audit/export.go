package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"
)

var ErrInvalidTimeRange = errors.New("audit: start time must be before end time")

// Exporter bundles trail entries into a zip evidence pack.
type Exporter struct {
	reader Reader
	now    func() time.Time
}

func NewExporter(r Reader) *Exporter {
	return &Exporter{reader: r, now: time.Now}
}

// Manifest describes the content of an evidence pack.
type Manifest struct {
	GeneratedAt time.Time `json:"generated_at"`
	ThreadID    string    `json:"thread_id,omitempty"`
	EntryCount  int       `json:"entry_count"`
	ChainHead   string    `json:"chain_head"`
	ChainValid  bool      `json:"chain_valid"`
	Since       time.Time `json:"since,omitempty"`
	Until       time.Time `json:"until,omitempty"`

	// Fingerprints maps each attachment name to its hex sha256.
	Fingerprints map[string]string `json:"fingerprints,omitempty"`
}

// Attachment is an extra file stored in the pack next to the events, such as
// a thread snapshot the entries refer to.
type Attachment struct {
	Name string
	Data []byte
}

// GeneratePack returns the zip bytes and their hex sha256. Attachments are
// stored under attachments/ and fingerprinted in the manifest.
func (e *Exporter) GeneratePack(ctx context.Context, f Filter, attach ...Attachment) ([]byte, string, error) {
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Since.After(f.Until) {
		return nil, "", ErrInvalidTimeRange
	}
	entries, err := e.reader.Entries(ctx, f)
	if err != nil {
		return nil, "", fmt.Errorf("audit: read entries: %w", err)
	}
	_, verr := e.reader.Verify(ctx)

	var prints map[string]string
	for _, a := range attach {
		if a.Name == "" || path.Base(a.Name) != a.Name {
			return nil, "", fmt.Errorf("audit: invalid attachment name %q", a.Name)
		}
		if prints == nil {
			prints = make(map[string]string, len(attach))
		}
		if _, dup := prints[a.Name]; dup {
			return nil, "", fmt.Errorf("audit: duplicate attachment %q", a.Name)
		}
		prints[a.Name] = fingerprint(a.Data)
	}

	eventsJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", err
	}
	manifestJSON, err := json.MarshalIndent(Manifest{
		GeneratedAt: e.now().UTC(),
		ThreadID:    f.ThreadID,
		EntryCount:  len(entries),
		ChainHead:   e.reader.Head(),
		ChainValid:  verr == nil,
		Since:       f.Since,
		Until:       f.Until,

		Fingerprints: prints,
	}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	parts := []Attachment{{"events.json", eventsJSON}, {"manifest.json", manifestJSON}}
	for _, a := range attach {
		parts = append(parts, Attachment{Name: "attachments/" + a.Name, Data: a.Data})
	}
	for _, part := range parts {
		fw, err := w.Create(part.Name)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(part.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	return zipBytes, fingerprint(zipBytes), nil
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
