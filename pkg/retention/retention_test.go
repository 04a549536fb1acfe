package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/audit"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
	"github.com/sahan-penakalapati/hedwig/pkg/store"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	fs       *store.FileStore
	arts     *artifacts.Registry
	sessions *session.Manager
	trail    *audit.MemoryTrail
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	return &fixture{
		fs:       fs,
		arts:     artifacts.NewRegistry(fs),
		sessions: session.NewManager(fs, logging.Nop()),
		trail:    audit.NewMemoryTrail(),
	}
}

// thread persists a thread last updated at updated with one artifact file.
func (f *fixture) thread(t *testing.T, id string, updated time.Time) string {
	t.Helper()
	st := session.NewThreadState(updated)
	st.ID = id
	require.NoError(t, f.fs.SaveThread(context.Background(), st))

	dir, err := f.fs.ArtifactDir(id)
	require.NoError(t, err)
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err = f.arts.Record(context.Background(), id, "file_writer", artifacts.Draft{Path: path})
	require.NoError(t, err)
	return path
}

func (f *fixture) cleaner(opts ...Option) *Cleaner {
	opts = append([]Option{WithClock(func() time.Time { return now }), WithAuditTrail(f.trail)}, opts...)
	return New(f.fs, f.arts, f.sessions, opts...)
}

func TestDeleteThread(t *testing.T) {
	f := newFixture(t)
	path := f.thread(t, "t-1", now)
	ctx := context.Background()

	require.NoError(t, f.cleaner().DeleteThread(ctx, "t-1"))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, f.arts.List("t-1"))
	assert.NotContains(t, f.arts.Threads(), "t-1")
	_, err = f.fs.LoadThread(ctx, "t-1")
	assert.ErrorIs(t, err, store.ErrThreadNotFound)
	_, err = f.sessions.Open(ctx, "t-1")
	assert.ErrorIs(t, err, session.ErrThreadNotFound)

	// one artifact_deleted plus one thread_deleted
	assert.Equal(t, 2, f.trail.Len())
}

func TestDeleteThread_Busy(t *testing.T) {
	f := newFixture(t)
	f.thread(t, "t-1", now)
	c := f.cleaner(WithBusy(func(id string) bool { return id == "t-1" }))

	err := c.DeleteThread(context.Background(), "t-1")
	assert.ErrorIs(t, err, ErrThreadBusy)
	assert.Len(t, f.arts.List("t-1"), 1)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	f.thread(t, "old", now.AddDate(0, 0, -45))
	f.thread(t, "busy-old", now.AddDate(0, 0, -31))
	f.thread(t, "recent", now.AddDate(0, 0, -2))
	c := f.cleaner(WithBusy(func(id string) bool { return id == "busy-old" }))

	rep, err := c.Cleanup(context.Background(), DefaultKeepDays)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -30), rep.Cutoff)
	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, []string{"old"}, rep.Deleted)
	assert.Equal(t, []string{"busy-old"}, rep.Skipped)
	assert.Empty(t, rep.Failed)

	list, err := f.fs.ListThreads(context.Background())
	require.NoError(t, err)
	ids := []string{}
	for _, th := range list {
		ids = append(ids, th.ID)
	}
	assert.Equal(t, []string{"recent", "busy-old"}, ids)
}

func TestCleanup_RemovesCorruptThreads(t *testing.T) {
	f := newFixture(t)
	f.thread(t, "recent", now.AddDate(0, 0, -2))
	dir := f.fs.ThreadDir("broken")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	snapshot := filepath.Join(dir, "thread.json")
	require.NoError(t, os.WriteFile(snapshot, []byte("not json"), 0o600))
	stale := now.AddDate(0, 0, -60)
	require.NoError(t, os.Chtimes(snapshot, stale, stale))

	rep, err := f.cleaner().Cleanup(context.Background(), DefaultKeepDays)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, []string{"broken"}, rep.Deleted)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanup_DisabledForNonPositiveDays(t *testing.T) {
	f := newFixture(t)
	f.thread(t, "old", now.AddDate(-1, 0, 0))
	rep, err := f.cleaner().Cleanup(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
	assert.Len(t, f.arts.List("old"), 1)
}
