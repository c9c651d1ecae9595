package crashtracker

import (
	"context"
	"syscall"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/collector"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/counters"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/lifecycle"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/spans"
)

type (
	// Configuration is the collector configuration.
	Configuration  = config.CrashtrackerConfiguration
	// ReceiverConfig describes how to spawn the receiver.
	ReceiverConfig = config.ReceiverConfig
	// Endpoint is where the receiver delivers reports.
	Endpoint       = config.Endpoint
	// Metadata identifies the library in every report.
	Metadata       = crashinfo.Metadata
	// OpType is a tracked operation kind.
	OpType         = counters.OpType
	// SpanID is a 128-bit span or trace id.
	SpanID         = spans.ID
	// Disposition is what a signal is forwarded to after the report.
	Disposition    = collector.Disposition
	// SigInfo is passed to Action dispositions.
	SigInfo        = collector.SigInfo
)

// Operation kinds for BeginOp and EndOp.
const (
	OpCollectingSample = counters.CollectingSample
	OpUnwinding        = counters.Unwinding
	OpSerializing      = counters.Serializing
)

// Stack trace collection modes.
const (
	StacktraceDisabled          = config.Disabled
	StacktraceWithoutSymbols    = config.WithoutSymbols
	StacktraceInprocessSymbols  = config.EnabledWithInprocessSymbols
	StacktraceSymbolsInReceiver = config.EnabledWithSymbolsInReceiver
)

// Init installs the crash tracker in this process. Exactly one of
// cfg.UnixSocketPath and rcfg must be set. Configuration errors leave the
// process untouched. An error about the handler chain is returned after
// installation succeeded; crashes are still reported.
func Init(cfg Configuration, rcfg *ReceiverConfig, md Metadata) error {
	return lifecycle.Default().Install(cfg, rcfg, md)
}

// Installed reports whether Init succeeded and Shutdown has not run yet.
func Installed() bool {
	return lifecycle.Default().State() == lifecycle.Installed
}

// OnFork re-arms the crash tracker in a forked child. Call it in the child
// before anything else the library does.
func OnFork() error {
	return lifecycle.Default().OnFork()
}

// Shutdown restores the previous signal handling and stops the receiver.
func Shutdown(ctx context.Context) error {
	return lifecycle.Default().Shutdown(ctx)
}

// BeginOp marks op as in flight.
func BeginOp(op OpType) error { return counters.Begin(op) }

// EndOp marks op as finished.
func EndOp(op OpType) error { return counters.End(op) }

// InsertSpanID records an active span and returns the slot to pass to
// RemoveSpanID.
func InsertSpanID(id SpanID) (int, error) { return spans.ActiveSpans.Insert(id) }

// RemoveSpanID forgets a span recorded at idx.
func RemoveSpanID(id SpanID, idx int) error { return spans.ActiveSpans.Remove(id, idx) }

// InsertTraceID records an active trace and returns its slot.
func InsertTraceID(id SpanID) (int, error) { return spans.ActiveTraces.Insert(id) }

// RemoveTraceID forgets a trace recorded at idx.
func RemoveTraceID(id SpanID, idx int) error { return spans.ActiveTraces.Remove(id, idx) }

// Guard reports a panic on the calling goroutine, then panics again. It
// must be deferred directly:
//
//	defer crashtracker.Guard()
func Guard() {
	v := recover()
	if v == nil {
		return
	}
	if col := lifecycle.Default().Collector(); col != nil {
		col.HandlePanic(v)
	}
	panic(v)
}

// RegisterChain sets the handler sig is forwarded to after a crash report.
// Register before Init.
func RegisterChain(sig syscall.Signal, d Disposition) {
	collector.RegisterChain(sig, d)
}

// DefaultDisposition re-raises the signal with its default action.
func DefaultDisposition() Disposition { return collector.DefaultDisposition() }

// IgnoreDisposition swallows the signal after the report.
func IgnoreDisposition() Disposition { return collector.IgnoreDisposition() }
