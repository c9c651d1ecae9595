// Package uploader delivers finished crash reports to their endpoint.
//
// The receiver never uploads from its parse loop. It hands a report to a
// Dispatcher, which works on a private copy, picks an Uploader by URL
// scheme and, when delivery fails, records the failure inside the report
// and keeps it in a Spool for a later retry.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
)

// Uploader sends a report to an endpoint.
type Uploader interface {
	Upload(ctx context.Context, report *crashinfo.CrashInfo, ep config.Endpoint) error
}

// FileUploader writes the report as JSON to a file:// endpoint.
type FileUploader struct{}

// Upload implements Uploader.
func (FileUploader) Upload(_ context.Context, report *crashinfo.CrashInfo, ep config.Endpoint) error {
	path := ep.FilePath()
	if path == "" {
		return core.ErrUpload(core.CodeInvalidEndpoint, "file endpoint has no path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return core.ErrUpload(core.CodeUploadFailed, "creating report directory").WithCause(err)
	}
	if err := report.WriteFile(path); err != nil {
		return core.ErrUpload(core.CodeUploadFailed, "writing report").WithCause(err)
	}
	return nil
}

// APIKeyHeader carries the endpoint's API key.
const APIKeyHeader = "DD-API-KEY"

// HTTPUploader POSTs the report as JSON.
type HTTPUploader struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPUploader creates an HTTP uploader with its own client.
func NewHTTPUploader(userAgent string) *HTTPUploader {
	return &HTTPUploader{
		Client:    &http.Client{Timeout: 30 * time.Second},
		UserAgent: userAgent,
	}
}

// Upload implements Uploader. The request is bounded by the endpoint
// timeout.
func (u *HTTPUploader) Upload(ctx context.Context, report *crashinfo.CrashInfo, ep config.Endpoint) error {
	body, err := json.Marshal(report)
	if err != nil {
		return core.ErrUpload(core.CodeUploadFailed, "encoding report").WithCause(err)
	}

	ctx, cancel := context.WithTimeout(ctx, ep.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return core.ErrUpload(core.CodeInvalidEndpoint, "building request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.UserAgent != "" {
		req.Header.Set("User-Agent", u.UserAgent)
	}
	if ep.APIKey != "" {
		req.Header.Set(APIKeyHeader, ep.APIKey)
	}

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		e := core.ErrUpload(core.CodeUploadFailed, "sending report").WithCause(err)
		e.Retryable = true
		return e
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := core.ErrUpload(core.CodeUnexpectedResponse, fmt.Sprintf("endpoint returned %s", resp.Status)).
			WithDetail("status", resp.StatusCode)
		e.Retryable = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return e
	}
	return nil
}
