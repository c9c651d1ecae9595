package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testReport(t *testing.T, signame string) *crashinfo.CrashInfo {
	t.Helper()
	r := crashinfo.New()
	require.NoError(t, r.SetSigInfo(crashinfo.SigInfo{Signum: 11, Signame: signame}))
	require.NoError(t, r.SetMetadata(crashinfo.Metadata{LibraryName: "libdd", LibraryVersion: "2.0.0", Family: "go"}))
	require.NoError(t, r.SetTimestamp(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, r.SetMessage("nil map write"))
	require.NoError(t, r.AddCounter("profiler_unwinding", 1))
	return r
}

func TestStore_SaveAndGet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	report := testReport(t, "SIGSEGV")
	report.Incomplete = true

	sum, err := s.Save(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, "SIGSEGV", sum.Signame)
	assert.False(t, sum.ReceivedAt.IsZero())

	rec, err := s.Get(ctx, report.UUID)
	require.NoError(t, err)
	assert.Equal(t, report.UUID, rec.UUID)
	assert.Equal(t, "libdd", rec.Library)
	assert.Equal(t, "2.0.0", rec.Version)
	assert.Equal(t, "nil map write", rec.Message)
	assert.True(t, rec.Incomplete)
	require.NotNil(t, rec.CrashedAt)
	assert.True(t, report.Timestamp.Equal(*rec.CrashedAt))
	assert.Equal(t, int64(1), rec.Report.Counters["profiler_unwinding"])
}

func TestStore_SaveReplaces(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	report := testReport(t, "SIGSEGV")

	_, err := s.Save(ctx, report)
	require.NoError(t, err)
	report.AddLogMessage("upload failed: connection refused")
	_, err = s.Save(ctx, report)
	require.NoError(t, err)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := s.Get(ctx, report.UUID)
	require.NoError(t, err)
	assert.Len(t, rec.Report.LogMessages, 1)
}

func TestStore_ListNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i, sig := range []string{"SIGSEGV", "SIGBUS", "SIGABRT"} {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		r := testReport(t, sig)
		_, err := s.Save(ctx, r)
		require.NoError(t, err)
		ids = append(ids, r.UUID)
	}

	list, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].UUID)
	assert.Equal(t, "SIGABRT", list[0].Signame)
	assert.Equal(t, ids[1], list[1].UUID)

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_NotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
	assert.True(t, core.IsCategory(s.Delete(ctx, "missing"), core.ErrCatNotFound))
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	r := testReport(t, "SIGILL")
	_, err := s.Save(ctx, r)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, r.UUID))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_RejectsReportWithoutUUID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	_, err := s.Save(context.Background(), &crashinfo.CrashInfo{})
	assert.Error(t, err)
}

func TestStore_ReopenKeepsReports(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reports.db")
	s, err := Open(path)
	require.NoError(t, err)
	r := testReport(t, "SIGSEGV")
	_, err = s.Save(context.Background(), r)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Get(context.Background(), r.UUID)
	require.NoError(t, err)
	assert.Equal(t, r.UUID, rec.UUID)
}
