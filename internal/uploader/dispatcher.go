package uploader

import (
	"context"
	"sync"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/logging"
)

// Result is the outcome of one delivery.
type Result struct {
	UUID string
	// Report is the copy that was delivered or spooled, including any
	// upload failures recorded in its log messages.
	Report *crashinfo.CrashInfo
	Err    error
	// SpoolPath is set when the report was kept for a later retry.
	SpoolPath string
}

// Dispatcher routes reports to an Uploader by endpoint scheme.
type Dispatcher struct {
	file   Uploader
	http   Uploader
	spool  *Spool
	logger *logging.Logger

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSpool keeps reports that could not be delivered.
func WithSpool(s *Spool) DispatcherOption {
	return func(d *Dispatcher) { d.spool = s }
}

// WithHTTPUploader replaces the http(s) uploader.
func WithHTTPUploader(u Uploader) DispatcherOption {
	return func(d *Dispatcher) { d.http = u }
}

// WithFileUploader replaces the file:// uploader.
func WithFileUploader(u Uploader) DispatcherOption {
	return func(d *Dispatcher) { d.file = u }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(logger *logging.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Dispatcher{
		file:   FileUploader{},
		http:   NewHTTPUploader("crashtracker"),
		logger: logger.WithComponent("uploader"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Spool returns the dispatcher's spool, if any.
func (d *Dispatcher) Spool() *Spool { return d.spool }

// UploaderFor picks the uploader serving ep.
func (d *Dispatcher) UploaderFor(ep config.Endpoint) (Uploader, error) {
	switch ep.Scheme() {
	case "file":
		return d.file, nil
	case "http", "https":
		return d.http, nil
	}
	e := core.ErrUpload(core.CodeUnsupportedScheme, "unsupported endpoint scheme "+ep.Scheme())
	e.Retryable = false
	return nil, e
}

// Dispatch delivers a copy of report on its own goroutine. The caller's
// report is never touched. The returned channel yields exactly one Result.
func (d *Dispatcher) Dispatch(ctx context.Context, report *crashinfo.CrashInfo, ep *config.Endpoint) <-chan Result {
	out := make(chan Result, 1)
	rep := report.Clone()
	var endpoint *config.Endpoint
	if ep != nil {
		c := *ep
		endpoint = &c
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		out <- d.deliver(ctx, rep, endpoint)
	}()
	return out
}

// Deliver is Dispatch followed by waiting for the result.
func (d *Dispatcher) Deliver(ctx context.Context, report *crashinfo.CrashInfo, ep *config.Endpoint) Result {
	return <-d.Dispatch(ctx, report, ep)
}

// Wait blocks until every dispatched delivery has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, rep *crashinfo.CrashInfo, ep *config.Endpoint) Result {
	res := Result{UUID: rep.UUID, Report: rep}
	logger := d.logger.WithCrash(rep.UUID)

	if ep == nil || ep.URL == "" {
		res.Err = core.ErrUpload(core.CodeInvalidEndpoint, "report has no endpoint")
	} else if u, err := d.UploaderFor(*ep); err != nil {
		res.Err = err
	} else {
		res.Err = u.Upload(ctx, rep, *ep)
	}
	if res.Err == nil {
		logger.Info("crash report delivered", "endpoint", ep.URL)
		return res
	}

	rep.AddLogMessage("upload failed: %v", res.Err)
	logger.Warn("crash report delivery failed", "error", res.Err)
	if d.spool == nil {
		return res
	}
	path, err := d.spool.Put(&Entry{Endpoint: ep, Report: rep, Attempts: 1, LastError: res.Err.Error()})
	if err != nil {
		logger.Error("spooling crash report failed", "error", err)
		return res
	}
	res.SpoolPath = path
	logger.Info("crash report spooled", "path", path)
	return res
}

// Retry uploads a spooled entry. Success removes it; failure updates its
// attempt count, and after maxAttempts the entry is parked.
func (d *Dispatcher) Retry(ctx context.Context, e *Entry, maxAttempts int) error {
	if d.spool == nil {
		return core.ErrState(core.CodeNotInstalled, "dispatcher has no spool")
	}
	id := e.Report.UUID
	logger := d.logger.WithCrash(id)

	var err error
	if e.Endpoint == nil || e.Endpoint.URL == "" {
		de := core.ErrUpload(core.CodeInvalidEndpoint, "report has no endpoint")
		de.Retryable = false
		err = de
	} else if u, uerr := d.UploaderFor(*e.Endpoint); uerr != nil {
		err = uerr
	} else {
		err = u.Upload(ctx, e.Report, *e.Endpoint)
	}
	if err == nil {
		logger.Info("spooled crash report delivered")
		return d.spool.Remove(id)
	}

	e.Attempts++
	e.LastError = err.Error()
	e.Report.AddLogMessage("upload retry %d failed: %v", e.Attempts, err)
	if !core.IsRetryable(err) || (maxAttempts > 0 && e.Attempts >= maxAttempts) {
		logger.Warn("giving up on spooled crash report", "attempts", e.Attempts, "error", err)
		if _, perr := d.spool.Put(e); perr != nil {
			return perr
		}
		if perr := d.spool.Park(id); perr != nil {
			return perr
		}
		return err
	}
	if _, perr := d.spool.Put(e); perr != nil {
		return perr
	}
	return err
}
