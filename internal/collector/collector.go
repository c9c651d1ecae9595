// Package collector streams a crash report from the crashing process.
//
// A Collector is built and armed ahead of time: configuration and metadata
// are serialized, additional files are opened and every buffer it needs is
// allocated. When a tracked signal arrives the report is written with the
// Writer's fixed-buffer primitives only, the channel is handed off and the
// signal is forwarded to whatever handled it before. A guarded panic runs
// on an ordinary goroutine and may allocate to format the panic value.
//
// Only one crash is reported per arming. The handler is not reentrant:
// a second crash while the first is being streamed is not reported, yet
// its signal is still forwarded.
package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/logging"
)

// State is the per-crash handler state.
type State int32

const (
	StateDormant State = iota
	StateEntered
	StateStreaming
	StateForwarding
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDormant:
		return "dormant"
	case StateEntered:
		return "entered"
	case StateStreaming:
		return "streaming"
	case StateForwarding:
		return "forwarding"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// SigInfo describes the signal being reported. Code and Addr are only
// known when HasCode and HasAddr are set.
type SigInfo struct {
	Signum  int
	Code    int
	HasCode bool
	Addr    uintptr
	HasAddr bool
}

const (
	maxFrames           = 256
	fileChunk           = 512
	defaultGoroutineBuf = 1 << 20
)

// Option configures a Collector.
type Option func(*Collector)

// WithLogger logs install-time problems. The crash path never logs.
func WithLogger(l *logging.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithRaise replaces how a Default disposition re-raises a signal.
func WithRaise(fn func(syscall.Signal) error) Option {
	return func(c *Collector) { c.raise = fn }
}

// WithCrashOutput controls whether Install routes the runtime's own fatal
// error tracebacks into the report channel. On by default.
func WithCrashOutput(enabled bool) Option {
	return func(c *Collector) { c.crashOutput = enabled }
}

// WithGoroutineBuffer sets the size of the goroutine dump buffer.
func WithGoroutineBuffer(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.stackBuf = make([]byte, n)
		}
	}
}

// WithTags adds static tags to every report.
func WithTags(tags map[string]string) Option {
	return func(c *Collector) {
		for k, v := range tags {
			c.tags[k] = v
		}
	}
}

// armed is everything the crash path reads, swapped atomically on Arm.
type armed struct {
	w     *Writer
	files []*trackedFile
	pid   int64
}

// Collector is the crash handler. Create with New.
type Collector struct {
	cfg     config.CrashtrackerConfiguration
	sigs    []syscall.Signal
	timeout time.Duration

	metadataJSON []byte
	configJSON   []byte
	tagsJSON     []byte
	tags         map[string]string
	ucontext     string

	moduleBase uint64
	exePath    string

	logger      *logging.Logger
	raise       func(syscall.Signal) error
	crashOutput bool

	mu            sync.Mutex // install and arm; never taken on the crash path
	installed     bool
	notify        chan os.Signal
	stop          chan struct{}
	loopDone      chan struct{}
	dispositions  map[syscall.Signal]Disposition
	restoreIgnore []syscall.Signal

	cur   atomic.Pointer[armed]
	fired atomic.Bool
	state atomic.Int32

	// Crash-path scratch space.
	pcs      [maxFrames]uintptr
	fileBuf  [fileChunk]byte
	stackBuf []byte
}

// New prepares a collector for cfg, which should already have been through
// config.Prepare.
func New(cfg config.CrashtrackerConfiguration, md crashinfo.Metadata, opts ...Option) (*Collector, error) {
	c := &Collector{
		cfg:         *cfg.Clone(),
		timeout:     cfg.Timeout(),
		raise:       raiseDefault,
		crashOutput: true,
		tags: map[string]string{
			"go_version": runtime.Version(),
			"goos":       runtime.GOOS,
			"goarch":     runtime.GOARCH,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.stackBuf == nil {
		c.stackBuf = make([]byte, defaultGoroutineBuf)
	}

	for _, s := range c.cfg.Signals {
		c.sigs = append(c.sigs, syscall.Signal(s))
	}

	var err error
	if c.metadataJSON, err = json.Marshal(md); err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	if c.configJSON, err = json.Marshal(c.cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	if c.tagsJSON, err = json.Marshal(c.tags); err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}

	c.ucontext = fmt.Sprintf("goos=%s goarch=%s go=%s", runtime.GOOS, runtime.GOARCH, runtime.Version())
	c.exePath, c.moduleBase = mainModule()
	return c, nil
}

// State returns the handler state.
func (c *Collector) State() State { return State(c.state.Load()) }

// Fired reports whether a crash was handled since the last Arm.
func (c *Collector) Fired() bool { return c.fired.Load() }

// Installed reports whether the collector is receiving signals.
func (c *Collector) Installed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installed
}

// Config returns the collector's configuration.
func (c *Collector) Config() config.CrashtrackerConfiguration { return *c.cfg.Clone() }

// Arm attaches the channel to the receiver, reopens the additional files
// and re-enables the one-shot handler. The previous writer, if any, is
// closed. Arm is called at install and again in a forked child.
func (c *Collector) Arm(w *Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := &armed{w: w, files: openFiles(c.cfg.AdditionalFiles), pid: int64(os.Getpid())}
	if prev := c.cur.Swap(next); prev != nil {
		prev.w.Close()
		closeFiles(prev.files)
	}
	c.fired.Store(false)
	c.state.Store(int32(StateDormant))

	if c.installed && c.crashOutput {
		c.setCrashOutput(w)
	}
}

// Disarm detaches and closes the current channel.
func (c *Collector) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev := c.cur.Swap(nil); prev != nil {
		prev.w.Close()
		closeFiles(prev.files)
	}
}

// Install starts receiving the configured signals. Dispositions to chain
// to are resolved here; a registration that cannot be honoured is reported
// as ErrNoPreviousHandler and the signal falls back to Default. The
// collector is installed even when that error is returned.
func (c *Collector) Install() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.installed {
		return nil
	}

	disp, err := resolveDispositions(c.sigs)
	if err != nil && c.logger != nil {
		c.logger.Warn("signal chaining incomplete", "error", err)
	}
	c.dispositions = disp
	c.restoreIgnore = c.restoreIgnore[:0]
	for _, s := range c.sigs {
		if signal.Ignored(s) {
			c.restoreIgnore = append(c.restoreIgnore, s)
		}
	}

	c.notify = make(chan os.Signal, 1)
	c.stop = make(chan struct{})
	c.loopDone = make(chan struct{})
	sigs := make([]os.Signal, len(c.sigs))
	for i, s := range c.sigs {
		sigs[i] = s
	}
	signal.Notify(c.notify, sigs...)
	go c.loop(c.notify, c.stop, c.loopDone)

	if c.crashOutput {
		if a := c.cur.Load(); a != nil {
			c.setCrashOutput(a.w)
		}
	}
	c.installed = true
	return err
}

// Uninstall stops receiving signals and restores what was ignored before
// Install. It does not close the channel; see Disarm.
func (c *Collector) Uninstall() {
	c.mu.Lock()
	if !c.installed {
		c.mu.Unlock()
		return
	}
	signal.Stop(c.notify)
	close(c.stop)
	done := c.loopDone
	for _, s := range c.restoreIgnore {
		signal.Ignore(s)
	}
	if c.crashOutput {
		_ = debug.SetCrashOutput(nil, debug.CrashOptions{})
	}
	c.installed = false
	c.mu.Unlock()

	<-done
}

func (c *Collector) setCrashOutput(w *Writer) {
	if w == nil || w.File() == nil {
		return
	}
	if err := debug.SetCrashOutput(w.File(), debug.CrashOptions{}); err != nil && c.logger != nil {
		c.logger.Warn("routing runtime crash output failed", "error", err)
	}
}

func (c *Collector) loop(ch <-chan os.Signal, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case sig := <-ch:
			s, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			c.HandleSignal(s, SigInfo{Signum: int(s)})
		}
	}
}

// HandleSignal streams a report for sig and forwards it to the resolved
// disposition. Only the first crash after Arm is streamed, but every
// delivery is forwarded.
func (c *Collector) HandleSignal(sig syscall.Signal, info SigInfo) {
	if c.fired.CompareAndSwap(false, true) {
		c.state.Store(int32(StateEntered))
		if a := c.cur.Load(); a != nil {
			c.state.Store(int32(StateStreaming))
			_ = c.stream(a, &info, nil)
			c.state.Store(int32(StateForwarding))
			_ = a.w.Finish()
		}
	}
	c.state.Store(int32(StateForwarding))
	c.forward(sig, &info)
}

func (c *Collector) forward(sig syscall.Signal, info *SigInfo) {
	d, ok := c.dispositions[sig]
	if !ok || !d.callable() {
		d = DefaultDisposition()
	}
	switch d.Kind {
	case Ignore:
	case Handler:
		d.Handler(sig)
	case Action:
		d.Action(sig, info)
	default:
		c.state.Store(int32(StateTerminated))
		if err := c.raise(sig); err != nil {
			// Nothing else can be done from here.
			os.Exit(128 + int(sig))
		}
	}
	c.state.Store(int32(StateDormant))
}

func aborts(err error) bool {
	return errors.Is(err, ErrDeadlineExceeded) || errors.Is(err, ErrClosed)
}
