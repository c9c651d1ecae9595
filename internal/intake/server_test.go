package intake

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/store"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/uploader"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewServer(st), st
}

func sampleReport(t *testing.T) *crashinfo.CrashInfo {
	t.Helper()
	r := crashinfo.New()
	require.NoError(t, r.SetSigInfo(crashinfo.SigInfo{Signum: 6, Signame: "SIGABRT"}))
	require.NoError(t, r.SetMetadata(crashinfo.Metadata{LibraryName: "libdd", LibraryVersion: "1.2.3", Family: "go"}))
	return r
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/crashes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	w := get(t, srv.Handler(), "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["reports"])
}

func TestCreateAndGetCrash(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	report := sampleReport(t)
	data, err := json.Marshal(report)
	require.NoError(t, err)

	w := post(t, srv.Handler(), string(data))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sum store.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, report.UUID, sum.UUID)
	assert.Equal(t, "SIGABRT", sum.Signame)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w = get(t, srv.Handler(), "/api/v1/crashes/"+report.UUID)
	require.Equal(t, http.StatusOK, w.Code)
	var rec store.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.NotNil(t, rec.Report)
	assert.Equal(t, "libdd", rec.Report.Metadata.LibraryName)
}

func TestCreateCrash_Rejects(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"not json", "SIGSEGV", http.StatusBadRequest},
		{"no uuid", `{"incomplete":true}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, srv.Handler(), tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestGetCrash_NotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	w := get(t, srv.Handler(), "/api/v1/crashes/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListCrashes(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	ctx := context.Background()

	w := get(t, srv.Handler(), "/api/v1/crashes")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	for i := 0; i < 3; i++ {
		_, err := st.Save(ctx, sampleReport(t))
		require.NoError(t, err)
	}

	w = get(t, srv.Handler(), "/api/v1/crashes?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var list []store.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	w = get(t, srv.Handler(), "/api/v1/crashes?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	post(t, srv.Handler(), "garbage")

	w := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `crashtracker_intake_reports_total{result="rejected"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/crashes", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPUploaderDeliversToIntake(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	report := sampleReport(t)
	ep := &config.Endpoint{URL: ts.URL + "/api/v1/crashes", APIKey: "k"}
	res := uploader.NewDispatcher(nil).Deliver(context.Background(), report, ep)
	require.NoError(t, res.Err)

	rec, err := st.Get(context.Background(), report.UUID)
	require.NoError(t, err)
	assert.Equal(t, "SIGABRT", rec.Signame)

	resp, err := http.Get(ts.URL + "/api/v1/crashes/" + report.UUID)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), report.UUID)
}
