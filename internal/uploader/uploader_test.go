package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
)

func sampleReport(t *testing.T) *crashinfo.CrashInfo {
	t.Helper()
	r := crashinfo.New()
	require.NoError(t, r.SetSigInfo(crashinfo.SigInfo{Signum: 11, Signame: "SIGSEGV"}))
	require.NoError(t, r.SetProcInfo(crashinfo.ProcInfo{PID: 4242}))
	require.NoError(t, r.AddCounter("profiler_unwinding", 1))
	return r
}

type capture struct {
	apiKey string
	ctype  string
	report crashinfo.CrashInfo
}

func newIntake(t *testing.T, status int) (*httptest.Server, <-chan capture) {
	t.Helper()
	got := make(chan capture, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c := capture{apiKey: r.Header.Get(APIKeyHeader), ctype: r.Header.Get("Content-Type")}
		_ = json.Unmarshal(body, &c.report)
		got <- c
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestHTTPUploader_PostsReport(t *testing.T) {
	t.Parallel()
	srv, got := newIntake(t, http.StatusAccepted)
	report := sampleReport(t)

	err := NewHTTPUploader("test").Upload(context.Background(), report, config.Endpoint{URL: srv.URL + "/api/v1/crashes", APIKey: "secret"})
	require.NoError(t, err)

	c := <-got
	assert.Equal(t, "secret", c.apiKey)
	assert.Equal(t, "application/json", c.ctype)
	assert.Equal(t, report.UUID, c.report.UUID)
	assert.Equal(t, int64(1), c.report.Counters["profiler_unwinding"])
}

func TestHTTPUploader_ErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		srv, _ := newIntake(t, tt.status)
		err := NewHTTPUploader("test").Upload(context.Background(), sampleReport(t), config.Endpoint{URL: srv.URL})
		require.Error(t, err)
		assert.True(t, core.IsCategory(err, core.ErrCatUpload))
		assert.Equal(t, tt.retryable, core.IsRetryable(err), "status %d", tt.status)
	}
}

func TestHTTPUploader_EndpointTimeout(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	start := time.Now()
	err := NewHTTPUploader("test").Upload(context.Background(), sampleReport(t), config.Endpoint{URL: srv.URL, TimeoutMs: 50})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFileUploader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "report.json")
	report := sampleReport(t)

	require.NoError(t, FileUploader{}.Upload(context.Background(), report, config.Endpoint{URL: "file://" + path}))

	back, err := crashinfo.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, report.UUID, back.UUID)
}

func TestDispatcher_WorksOnCopy(t *testing.T) {
	t.Parallel()
	spool, err := NewSpool(t.TempDir())
	require.NoError(t, err)
	d := NewDispatcher(nil, WithSpool(spool))
	report := sampleReport(t)

	res := d.Deliver(context.Background(), report, &config.Endpoint{URL: "ftp://example.invalid/x"})
	require.Error(t, res.Err)
	assert.False(t, core.IsRetryable(res.Err))
	assert.Empty(t, report.LogMessages)
	require.Len(t, res.Report.LogMessages, 1)
	assert.Contains(t, res.Report.LogMessages[0], "upload failed")

	require.NotEmpty(t, res.SpoolPath)
	e, err := Load(res.SpoolPath)
	require.NoError(t, err)
	assert.Equal(t, report.UUID, e.Report.UUID)
	assert.Equal(t, 1, e.Attempts)
}

func TestDispatcher_FileEndpoint(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.json")
	d := NewDispatcher(nil)

	res := d.Deliver(context.Background(), sampleReport(t), &config.Endpoint{URL: "file://" + path})
	require.NoError(t, res.Err)
	assert.Empty(t, res.SpoolPath)
	_, err := os.Stat(path)
	assert.NoError(t, err)
	d.Wait()
}

func TestDispatcher_NoEndpointSpools(t *testing.T) {
	t.Parallel()
	spool, err := NewSpool(t.TempDir())
	require.NoError(t, err)
	d := NewDispatcher(nil, WithSpool(spool))

	res := d.Deliver(context.Background(), sampleReport(t), nil)
	require.Error(t, res.Err)
	paths, err := spool.List()
	require.NoError(t, err)
	assert.Equal(t, []string{res.SpoolPath}, paths)
}

func TestDispatcher_RetryRemovesOnSuccess(t *testing.T) {
	t.Parallel()
	srv, got := newIntake(t, http.StatusOK)
	spool, err := NewSpool(t.TempDir())
	require.NoError(t, err)
	d := NewDispatcher(nil, WithSpool(spool))

	report := sampleReport(t)
	_, err = spool.Put(&Entry{Endpoint: &config.Endpoint{URL: srv.URL}, Report: report, Attempts: 1})
	require.NoError(t, err)

	e, err := Load(spool.Path(report.UUID))
	require.NoError(t, err)
	require.NoError(t, d.Retry(context.Background(), e, 3))
	<-got

	paths, err := spool.List()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestDispatcher_RetryParksAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	srv, _ := newIntake(t, http.StatusServiceUnavailable)
	dir := t.TempDir()
	spool, err := NewSpool(dir)
	require.NoError(t, err)
	d := NewDispatcher(nil, WithSpool(spool))

	report := sampleReport(t)
	_, err = spool.Put(&Entry{Endpoint: &config.Endpoint{URL: srv.URL}, Report: report, Attempts: 1})
	require.NoError(t, err)
	e, err := Load(spool.Path(report.UUID))
	require.NoError(t, err)

	require.Error(t, d.Retry(context.Background(), e, 2))

	paths, err := spool.List()
	require.NoError(t, err)
	assert.Empty(t, paths)
	parked, err := Load(filepath.Join(dir, failedDir, report.UUID+spoolExt))
	require.NoError(t, err)
	assert.Equal(t, 2, parked.Attempts)
	assert.NotEmpty(t, parked.Report.LogMessages)
}

func TestSpool_IgnoresTemporaryFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	spool, err := NewSpool(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp123.json"), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	paths, err := spool.List()
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = NewSpool("")
	assert.Error(t, err)
}

func TestSpoolWatcher_DeliversNewEntries(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv, got := newIntake(t, http.StatusOK)
	spool, err := NewSpool(t.TempDir())
	require.NoError(t, err)
	d := NewDispatcher(nil, WithSpool(spool))

	// Present before the watcher starts.
	early := sampleReport(t)
	_, err = spool.Put(&Entry{Endpoint: &config.Endpoint{URL: srv.URL}, Report: early})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewSpoolWatcher(d, nil, WithRetryInterval(time.Hour))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	seen := map[string]bool{}
	wait := func() {
		select {
		case c := <-got:
			hits.Add(1)
			seen[c.report.UUID] = true
		case <-time.After(10 * time.Second):
			t.Fatal("spooled report not delivered")
		}
	}
	wait()

	late := sampleReport(t)
	_, err = spool.Put(&Entry{Endpoint: &config.Endpoint{URL: srv.URL}, Report: late})
	require.NoError(t, err)
	wait()

	assert.True(t, seen[early.UUID])
	assert.True(t, seen[late.UUID])
	assert.Equal(t, int32(2), hits.Load())

	require.Eventually(t, func() bool {
		paths, err := spool.List()
		return err == nil && len(paths) == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
