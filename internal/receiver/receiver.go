// Package receiver reads crash reports from the collector's channel, turns
// them into CrashInfo and hands them to the uploader.
//
// A stream is a sequence of sections (see package protocol) terminated by
// DONE. The receiver tolerates streams that stop early: whatever was
// received is reported as a partial crash report, marked incomplete.
package receiver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/logging"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/uploader"
)

const maxLineSize = 1 << 20

// OutcomeKind says how a stream ended.
type OutcomeKind int

const (
	// NoCrash means the channel closed before any section was opened.
	NoCrash OutcomeKind = iota
	// CrashReport is a complete stream ending in DONE.
	CrashReport
	// PartialCrashReport is a stream that ended early or timed out.
	PartialCrashReport
)

func (k OutcomeKind) String() string {
	switch k {
	case NoCrash:
		return "no_crash"
	case CrashReport:
		return "crash_report"
	case PartialCrashReport:
		return "partial"
	}
	return "unknown"
}

// Outcome is the result of receiving one stream.
type Outcome struct {
	Kind   OutcomeKind
	Report *crashinfo.CrashInfo
	// State is where the parser stopped. For a partial report it names the
	// section that was cut off.
	State  State
	Config *config.CrashtrackerConfiguration

	maps []Mapping
}

// Receiver assembles and delivers reports.
type Receiver struct {
	logger     *logging.Logger
	timeout    time.Duration
	dispatcher *uploader.Dispatcher
	metrics    *Metrics
	selfDump   *diagnostics.SelfDumpWriter
	resolver   *Resolver
	fallback   *config.CrashtrackerConfiguration
	metadata   *crashinfo.Metadata
	peerPID    int
	live       bool
	hostInfo   bool
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Receiver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTimeout bounds how long a stream may take, counted from its first
// line.
func WithTimeout(d time.Duration) Option {
	return func(r *Receiver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithDispatcher sets where reports are delivered.
func WithDispatcher(d *uploader.Dispatcher) Option {
	return func(r *Receiver) { r.dispatcher = d }
}

// WithMetrics records outcomes and uploads.
func WithMetrics(m *Metrics) Option {
	return func(r *Receiver) { r.metrics = m }
}

// WithSelfDump records a dump if the receiver itself panics while
// finishing a report.
func WithSelfDump(w *diagnostics.SelfDumpWriter) Option {
	return func(r *Receiver) { r.selfDump = w }
}

// WithFallbackConfig is used when a stream carries no config section.
func WithFallbackConfig(cfg *config.CrashtrackerConfiguration) Option {
	return func(r *Receiver) { r.fallback = cfg }
}

// WithFallbackMetadata is attached to reports whose stream carries no
// METADATA section, such as a traceback written by the Go runtime.
func WithFallbackMetadata(md crashinfo.Metadata) Option {
	return func(r *Receiver) { r.metadata = md.Clone() }
}

// WithPeerPID names the process a spawned receiver serves. It stands in
// for a missing PROCINFO section. Socket connections use the peer's
// credentials instead.
func WithPeerPID(pid int) Option {
	return func(r *Receiver) {
		if pid > 0 {
			r.peerPID = pid
		}
	}
}

// EnvMetadata decodes the metadata a spawned receiver finds in
// protocol.MetadataEnv.
func EnvMetadata(lookup func(string) (string, bool)) (crashinfo.Metadata, bool) {
	raw, ok := lookup(protocol.MetadataEnv)
	if !ok || strings.TrimSpace(raw) == "" {
		return crashinfo.Metadata{}, false
	}
	var md crashinfo.Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return crashinfo.Metadata{}, false
	}
	return md, true
}

// WithLiveProcess inspects the crashing process (resource usage, memory
// map) as soon as its pid is known, while it is still alive.
func WithLiveProcess(enabled bool) Option {
	return func(r *Receiver) { r.live = enabled }
}

// WithHostInfo attaches the host's OS description to each report.
func WithHostInfo(enabled bool) Option {
	return func(r *Receiver) { r.hostInfo = enabled }
}

// New creates a Receiver. The timeout defaults to
// DD_CRASHTRACKER_RECEIVER_TIMEOUT_MS, or 4s.
func New(opts ...Option) *Receiver {
	r := &Receiver{
		logger:   logging.NewNop(),
		timeout:  protocol.ReceiverTimeout(os.LookupEnv),
		resolver: NewResolver(),
		hostInfo: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("receiver")
	if r.dispatcher == nil {
		r.dispatcher = uploader.NewDispatcher(r.logger)
	}
	return r
}

// ReceiveReport reads one report from rd. See Receiver.Receive.
func ReceiveReport(ctx context.Context, rd io.Reader, timeout time.Duration) (Outcome, error) {
	return New(WithTimeout(timeout)).Receive(ctx, rd)
}

// Receive reads one stream from rd. It returns when DONE is read, rd
// reaches EOF, the timeout elapses after the first line, or ctx is done.
// The last three end a started report as partial.
//
// A report without a config section is still returned, together with a
// MISSING_CONFIG protocol error.
func (r *Receiver) Receive(ctx context.Context, rd io.Reader) (Outcome, error) {
	return r.receive(ctx, rd, r.peerPID)
}

// receive reads one stream. peer is the sending process when known
// outside the stream, or 0.
func (r *Receiver) receive(ctx context.Context, rd io.Reader, peer int) (Outcome, error) {
	p := newParser(r.logger)
	pid := peer
	inspected := 0
	inspect := func(n int) {
		if !r.live || n == inspected {
			return
		}
		inspected = n
		p.maps = r.inspect(ctx, p.report, n)
	}
	p.onProcess = func(n int) {
		pid = n
		inspect(n)
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	// The reader is abandoned when we stop early. It exits once rd is
	// closed by the caller.
	go func() {
		sc := bufio.NewScanner(rd)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	var deadline <-chan time.Time
loop:
	for {
		select {
		case <-ctx.Done():
			if p.opened {
				p.note("receive interrupted: %v", ctx.Err())
			}
			break loop
		case <-deadline:
			p.note("timed out after %s in %s", r.timeout, p.state)
			r.logger.Warn("crash stream timed out", "state", p.state.String(), "timeout", r.timeout)
			break loop
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil && p.opened {
					p.note("reading crash stream: %v", err)
				}
				break loop
			}
			if deadline == nil {
				t := time.NewTimer(r.timeout)
				defer t.Stop()
				deadline = t.C
				if peer > 0 {
					inspect(peer)
				}
			}
			if p.feed(line) {
				break loop
			}
		}
	}

	if !p.opened {
		out := Outcome{Kind: NoCrash}
		r.metrics.observe(out, p.malformed)
		return out, nil
	}

	p.finish()
	r.fillFromPeer(p.report, peer)
	out := Outcome{Kind: CrashReport, Report: p.report, State: p.state, Config: p.config, maps: p.maps}
	if p.state.Kind != Done {
		out.Kind = PartialCrashReport
		p.report.Incomplete = true
	}
	logger := r.logger.WithCrash(p.report.UUID)
	if pid > 0 {
		logger = logger.WithPID(pid)
	}
	r.metrics.observe(out, p.malformed)
	logger.Info("crash stream received",
		"outcome", out.Kind.String(),
		"state", out.State.String(),
		"malformed", p.malformed,
	)
	if p.config == nil {
		return out, core.ErrProtocol(core.CodeMissingConfig, "crash stream carried no config")
	}
	return out, nil
}

// fillFromPeer supplies what the receiver knows without the stream when
// the stream did not carry it.
func (r *Receiver) fillFromPeer(report *crashinfo.CrashInfo, peer int) {
	if report.Metadata == nil && r.metadata != nil {
		_ = report.SetMetadata(*r.metadata)
	}
	if report.ProcInfo == nil && peer > 0 {
		_ = report.SetProcInfo(crashinfo.ProcInfo{PID: peer})
	}
}

// inspect snapshots the crashing process while it waits on us and returns
// its mappings.
func (r *Receiver) inspect(ctx context.Context, report *crashinfo.CrashInfo, pid int) []Mapping {
	stats, err := diagnostics.SnapshotProcess(ctx, pid)
	if err != nil {
		report.AddLogMessage("snapshotting process %d: %v", pid, err)
	} else {
		stats.Cmdline = r.logger.Sanitize(stats.Cmdline)
		_ = report.SetProcessStats(stats)
	}
	maps, err := ProcessMappings(pid)
	if err != nil {
		report.AddLogMessage("reading mappings of %d: %v", pid, err)
		return nil
	}
	return maps
}

// Finalize completes a received report: additional files readable from the
// receiver's side, host information, and receiver-side symbolization.
func (r *Receiver) Finalize(ctx context.Context, out Outcome) {
	if out.Report == nil {
		return
	}
	report := out.Report
	cfg := r.effectiveConfig(out)

	if cfg != nil {
		for _, path := range cfg.AdditionalFiles {
			path = processPath(path, report)
			if _, ok := report.Files[path]; ok {
				continue
			}
			if err := report.AddFileFromDisk(path); err != nil {
				report.AddLogMessage("reading additional file: %v", err)
				r.logger.Debug("additional file unavailable", "path", path, "error", err)
			}
		}
	}

	if r.hostInfo && report.OSInfo == nil {
		if info, err := diagnostics.HostInfo(ctx); err != nil {
			report.AddLogMessage("collecting host info: %v", err)
		} else {
			_ = report.SetOSInfo(info)
		}
	}

	if cfg != nil && cfg.ResolveFrames == config.EnabledWithSymbolsInReceiver {
		maps := out.maps
		if maps == nil {
			maps = mappingsFromFiles(report)
		}
		r.resolver.Resolve(report, maps)
	}
}

// Deliver finalizes and uploads a report. NoCrash outcomes are ignored.
func (r *Receiver) Deliver(ctx context.Context, out Outcome) (res uploader.Result, err error) {
	if out.Kind == NoCrash || out.Report == nil {
		return uploader.Result{}, nil
	}
	if r.selfDump != nil {
		r.selfDump.SetReport(out.Report.UUID)
		r.selfDump.SetStage("finalize")
		defer r.selfDump.RecoverAndReturn(&err)
	}

	r.Finalize(ctx, out)

	if r.selfDump != nil {
		r.selfDump.SetStage("upload")
	}
	var ep *config.Endpoint
	if cfg := r.effectiveConfig(out); cfg != nil {
		ep = cfg.Endpoint
	}
	res = r.dispatcher.Deliver(ctx, out.Report, ep)
	r.metrics.upload(res.Err, res.SpoolPath != "")
	if res.Err != nil {
		r.logger.Warn("crash report not delivered", "uuid", res.UUID, "spool", res.SpoolPath, "error", res.Err)
		return res, res.Err
	}
	r.logger.Info("crash report delivered", "uuid", res.UUID)
	return res, nil
}

// Handle receives one report from rc, closes rc so the crashing process is
// released, then delivers the report.
func (r *Receiver) Handle(ctx context.Context, rc io.ReadCloser) (Outcome, error) {
	peer := r.peerPID
	if conn, ok := rc.(*net.UnixConn); ok {
		if pid := peerCredPID(conn); pid > 0 {
			peer = pid
		}
	}
	out, rerr := r.receive(ctx, rc, peer)
	_ = rc.Close()
	if out.Kind == NoCrash {
		return out, rerr
	}
	if rerr != nil && r.fallback == nil {
		r.logger.Warn("crash stream incomplete", "error", rerr)
	}
	_, derr := r.Deliver(ctx, out)
	return out, errors.Join(rerr, derr)
}

// ReceiveFromStdin handles the single report a spawned receiver reads
// from its standard input.
func ReceiveFromStdin(ctx context.Context, r *Receiver) (Outcome, error) {
	return r.Handle(ctx, os.Stdin)
}

func (r *Receiver) effectiveConfig(out Outcome) *config.CrashtrackerConfiguration {
	if out.Config != nil {
		return out.Config
	}
	return r.fallback
}

// processPath points /proc/self at the crashed process rather than at the
// receiver.
func processPath(path string, report *crashinfo.CrashInfo) string {
	if report.ProcInfo == nil || report.ProcInfo.PID == os.Getpid() {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/proc/self/"); ok {
		return "/proc/" + strconv.Itoa(report.ProcInfo.PID) + "/" + rest
	}
	return path
}
