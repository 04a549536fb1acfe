package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sahan-penakalapati/hedwig/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decision(tool, verdict string) audit.Entry {
	return audit.Entry{
		Event:         audit.EventDecision,
		ThreadID:      "t-1",
		Tool:          tool,
		StaticTier:    "EXECUTE",
		EffectiveTier: "DESTRUCTIVE",
		Verdict:       verdict,
		Rationale:     "escalated",
	}
}

func TestMemoryTrail_ChainsEntries(t *testing.T) {
	ctx := context.Background()
	tr := audit.NewMemoryTrail()

	require.NoError(t, tr.Append(ctx, decision("bash", "DENIED")))
	require.NoError(t, tr.Append(ctx, audit.Entry{Event: audit.EventLookupFailed, Tool: "nope"}))

	all, err := tr.Entries(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(1), all[0].Seq)
	assert.Equal(t, audit.Genesis, all[0].PrevHash)
	assert.Equal(t, all[0].Hash, all[1].PrevHash)
	assert.True(t, strings.HasPrefix(all[1].Hash, "sha256:"))
	assert.Equal(t, all[1].Hash, tr.Head())

	n, err := tr.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	only, err := tr.Entries(ctx, audit.Filter{Event: audit.EventLookupFailed})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "nope", only[0].Tool)
}

func TestMemoryTrail_ConcurrentAppendsStayOrdered(t *testing.T) {
	ctx := context.Background()
	tr := audit.NewMemoryTrail()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Append(ctx, decision("bash", "ALLOWED"))
		}()
	}
	wg.Wait()

	n, err := tr.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	tr := audit.NewMemoryTrail()
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Append(ctx, decision("bash", "ALLOWED")))
	}
	all, _ := tr.Entries(ctx, audit.Filter{})

	all[1].Verdict = "DENIED"
	assert.ErrorIs(t, audit.VerifyChain(all), audit.ErrChainBroken)

	all, _ = tr.Entries(ctx, audit.Filter{})
	assert.ErrorIs(t, audit.VerifyChain(all[1:]), audit.ErrChainBroken)
}

func TestJSONLTrail_ResumesChainOnReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	tr, err := audit.OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, tr.Append(ctx, decision("bash", "DENIED")))
	head := tr.Head()
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Append(ctx, decision("bash", "DENIED")), audit.ErrClosed)

	tr, err = audit.OpenJSONL(path)
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()
	assert.Equal(t, head, tr.Head())
	require.NoError(t, tr.Append(ctx, decision("file_writer", "ALLOWED")))

	n, err := tr.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	var second audit.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, head, second.PrevHash)
}

func TestJSONLTrail_VerifyFailsAfterEdit(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	tr, err := audit.OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, tr.Append(ctx, decision("bash", "DENIED")))
	require.NoError(t, tr.Close())

	raw, _ := os.ReadFile(path)
	require.NoError(t, os.WriteFile(path, bytes.Replace(raw, []byte("DENIED"), []byte("ALLOWED"), 1), 0o600))

	tr, err = audit.OpenJSONL(path)
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()
	_, err = tr.Verify(ctx)
	assert.ErrorIs(t, err, audit.ErrChainBroken)
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "hedwig.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteTrail_RoundTripAndVerify(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	tr, err := audit.NewSQLiteTrail(ctx, db)
	require.NoError(t, err)
	require.NoError(t, tr.Append(ctx, decision("bash", "DENIED")))
	require.NoError(t, tr.Append(ctx, audit.Entry{Event: audit.EventToolOutcome, ThreadID: "t-2", Tool: "file_reader"}))

	// a second handle resumes from the stored head
	again, err := audit.NewSQLiteTrail(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, tr.Head(), again.Head())
	require.NoError(t, again.Append(ctx, decision("python_execute", "ALLOWED_WITH_WARNING")))

	n, err := again.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	t2, err := again.Entries(ctx, audit.Filter{ThreadID: "t-2"})
	require.NoError(t, err)
	require.Len(t, t2, 1)
	assert.Equal(t, audit.EventToolOutcome, t2[0].Event)
}

func TestSQLiteTrail_InsertFailureKeepsHead(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, hash FROM audit_entries")).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}).AddRow(7, "sha256:abc"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).
		WillReturnError(errors.New("disk I/O error"))

	tr, err := audit.NewSQLiteTrail(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", tr.Head())

	err = tr.Append(ctx, decision("bash", "DENIED"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert entry 8")
	assert.Equal(t, "sha256:abc", tr.Head())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExporter_GeneratePack(t *testing.T) {
	ctx := context.Background()
	tr := audit.NewMemoryTrail()
	require.NoError(t, tr.Append(ctx, decision("bash", "DENIED")))

	zipBytes, checksum, err := audit.NewExporter(tr).GeneratePack(ctx, audit.Filter{ThreadID: "t-1"})
	require.NoError(t, err)
	assert.Len(t, checksum, 64)

	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["events.json"])
	assert.True(t, names["manifest.json"])
}

func TestExporter_AttachmentsAreFingerprinted(t *testing.T) {
	ctx := context.Background()
	tr := audit.NewMemoryTrail()
	require.NoError(t, tr.Append(ctx, decision("bash", "DENIED")))

	snap := []byte(`{"id":"t-1"}`)
	zipBytes, _, err := audit.NewExporter(tr).GeneratePack(ctx, audit.Filter{ThreadID: "t-1"},
		audit.Attachment{Name: "thread.json", Data: snap})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)
	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		files[f.Name] = data
	}
	assert.Equal(t, snap, files["attachments/thread.json"])

	var m audit.Manifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &m))
	sum := sha256.Sum256(snap)
	assert.Equal(t, map[string]string{"thread.json": hex.EncodeToString(sum[:])}, m.Fingerprints)
	assert.Equal(t, 1, m.EntryCount)
	assert.True(t, m.ChainValid)

	_, _, err = audit.NewExporter(tr).GeneratePack(ctx, audit.Filter{}, audit.Attachment{Name: "../x"})
	assert.Error(t, err)
}

func TestExporter_InvalidRange(t *testing.T) {
	tr := audit.NewMemoryTrail()
	now := time.Now()
	f := audit.Filter{Since: now, Until: now.Add(-time.Hour)}
	_, _, err := audit.NewExporter(tr).GeneratePack(context.Background(), f)
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)
}
