// Package lifecycle installs the crash tracker in a process, re-arms it in
// forked children and tears it down.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/collector"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/counters"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/logging"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/spans"
)

// State is the manager's lifecycle state.
type State int

const (
	Uninitialized State = iota
	Installed
	// ForkPaused is held while OnFork rebuilds the channel.
	ForkPaused
	Shutdown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Installed:
		return "installed"
	case ForkPaused:
		return "fork_paused"
	case Shutdown:
		return "shutdown"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DefaultGracePeriod is how long Shutdown waits at each step before
// escalating.
const DefaultGracePeriod = 2 * time.Second

// Manager owns the collector and its channel.
type Manager struct {
	mu    sync.Mutex
	state State

	cfg  config.CrashtrackerConfiguration
	rcfg *config.ReceiverConfig
	md   crashinfo.Metadata

	col *collector.Collector
	ch  *channel

	logger        *logging.Logger
	grace         time.Duration
	collectorOpts []collector.Option
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The collector's crash path never logs.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithGracePeriod sets the Shutdown escalation interval.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithCollectorOptions passes options to the collector built by Install.
func WithCollectorOptions(opts ...collector.Option) Option {
	return func(m *Manager) { m.collectorOpts = append(m.collectorOpts, opts...) }
}

// NewManager creates an uninitialized manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger: logging.NewNop(),
		grace:  DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("lifecycle")
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Collector returns the installed collector, or nil.
func (m *Manager) Collector() *collector.Collector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.col
}

// ReceiverPID returns the pid of the spawned receiver, or 0.
func (m *Manager) ReceiverPID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return 0
	}
	return m.ch.pid()
}

// Install validates cfg, opens the channel to the receiver and starts
// handling crashes. A configuration error leaves the manager
// uninitialized. An incomplete signal chain is returned as an error but
// the tracker stays installed.
func (m *Manager) Install(cfg config.CrashtrackerConfiguration, rcfg *config.ReceiverConfig, md crashinfo.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Uninitialized {
		return core.ErrState(core.CodeAlreadyInstalled, "crash tracker is "+m.state.String())
	}

	prepared, err := config.Prepare(cfg, rcfg)
	if err != nil {
		return err
	}
	opts := append([]collector.Option{collector.WithLogger(m.logger)}, m.collectorOpts...)
	col, err := collector.New(prepared, md, opts...)
	if err != nil {
		return err
	}
	ch, err := openChannel(prepared, rcfg, md)
	if err != nil {
		return err
	}

	col.Arm(ch.w)
	chainErr := col.Install()

	m.cfg, m.rcfg, m.md, m.col, m.ch = prepared, rcfg, md, col, ch
	m.state = Installed
	m.logger.Info("crash tracker installed",
		"signals", prepared.Signals,
		"socket", prepared.UnixSocketPath,
		"receiver_pid", ch.pid(),
	)
	return chainErr
}

func openChannel(cfg config.CrashtrackerConfiguration, rcfg *config.ReceiverConfig, md crashinfo.Metadata) (*channel, error) {
	if cfg.UnixSocketPath != "" {
		return connectSocket(cfg.UnixSocketPath)
	}
	return spawnReceiver(rcfg, cfg.TimeoutMs, md)
}

// OnFork must run in a forked child before other library code. It resets
// the counters and span sets, replaces the channel inherited from the
// parent with a fresh one and re-arms the collector. The parent's
// receiver is left alone.
func (m *Manager) OnFork() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Installed {
		return core.ErrState(core.CodeNotInstalled, "on_fork requires an installed tracker, state is "+m.state.String())
	}
	m.state = ForkPaused

	counters.Reset()
	spans.ActiveSpans.Clear()
	spans.ActiveTraces.Clear()

	ch, err := openChannel(m.cfg, m.rcfg, m.md)
	if err != nil {
		// Without a receiver a crash would only block; drop the channel.
		m.col.Disarm()
		m.ch = nil
		m.state = Installed
		return err
	}
	m.col.Arm(ch.w)
	m.ch = ch
	m.state = Installed
	m.logger.Debug("crash tracker re-armed after fork", "receiver_pid", ch.pid())
	return nil
}

// Shutdown restores the previous signal dispositions, closes the channel
// and waits for a spawned receiver to exit. It is safe to call more than
// once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Shutdown:
		return nil
	case Uninitialized:
		m.state = Shutdown
		return nil
	}

	m.col.Uninstall()
	m.col.Disarm()
	var err error
	if m.ch != nil {
		err = m.ch.stop(ctx, m.grace)
	}
	m.ch = nil
	m.state = Shutdown
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("receiver shutdown", "error", err)
	}
	return err
}

// Guard reports a panic in the calling goroutine and re-panics. Use it as
// `defer m.Guard()`. Without an installed collector it only re-panics.
func (m *Manager) Guard() {
	v := recover()
	if v == nil {
		return
	}
	if col := m.Collector(); col != nil {
		col.HandlePanic(v)
	}
	panic(v)
}
