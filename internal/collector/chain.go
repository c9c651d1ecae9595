package collector

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/signals"
)

// ErrNoPreviousHandler is reported at install time when a chained
// disposition has nothing to call. The signal then falls back to Default.
var ErrNoPreviousHandler = errors.New("collector: no previous handler to chain to")

// DispositionKind enumerates what happens to a signal once the report has
// been streamed.
type DispositionKind int

const (
	// Default restores the default action and re-raises the signal.
	Default DispositionKind = iota
	// Ignore returns without further action.
	Ignore
	// Handler calls a plain handler with the signal.
	Handler
	// Action calls an extended handler with the signal and its siginfo.
	Action
)

func (k DispositionKind) String() string {
	switch k {
	case Default:
		return "default"
	case Ignore:
		return "ignore"
	case Handler:
		return "handler"
	case Action:
		return "action"
	}
	return fmt.Sprintf("DispositionKind(%d)", int(k))
}

// Disposition is the handler a signal is forwarded to.
type Disposition struct {
	Kind    DispositionKind
	Handler func(os.Signal)
	Action  func(os.Signal, *SigInfo)
}

// DefaultDisposition re-raises with the default action.
func DefaultDisposition() Disposition { return Disposition{Kind: Default} }

// IgnoreDisposition swallows the signal.
func IgnoreDisposition() Disposition { return Disposition{Kind: Ignore} }

// HandlerDisposition forwards to fn.
func HandlerDisposition(fn func(os.Signal)) Disposition {
	return Disposition{Kind: Handler, Handler: fn}
}

// ActionDisposition forwards to fn with the siginfo.
func ActionDisposition(fn func(os.Signal, *SigInfo)) Disposition {
	return Disposition{Kind: Action, Action: fn}
}

func (d Disposition) callable() bool {
	switch d.Kind {
	case Default, Ignore:
		return true
	case Handler:
		return d.Handler != nil
	case Action:
		return d.Action != nil
	}
	return false
}

// Handlers registered by the host before install. A Go program cannot read
// another package's os/signal channels, so third-party handlers that must
// keep running after a crash report register here.
var (
	chainMu  sync.Mutex
	chainReg = map[syscall.Signal]Disposition{}
)

// RegisterChain records the disposition sig is forwarded to after a crash
// report. It takes effect at the next install.
func RegisterChain(sig syscall.Signal, d Disposition) {
	chainMu.Lock()
	defer chainMu.Unlock()
	chainReg[sig] = d
}

// UnregisterChain drops a registration.
func UnregisterChain(sig syscall.Signal) {
	chainMu.Lock()
	defer chainMu.Unlock()
	delete(chainReg, sig)
}

// resolveDispositions fixes the forwarding target of every tracked signal.
// It runs once per install, before signal.Notify, so signal.Ignored still
// reports the host's own setting.
func resolveDispositions(sigs []syscall.Signal) (map[syscall.Signal]Disposition, error) {
	chainMu.Lock()
	defer chainMu.Unlock()

	out := make(map[syscall.Signal]Disposition, len(sigs))
	var errs []error
	for _, sig := range sigs {
		d, ok := chainReg[sig]
		switch {
		case ok && !d.callable():
			errs = append(errs, fmt.Errorf("%s: %w", signals.Name(int(sig)), ErrNoPreviousHandler))
			d = DefaultDisposition()
		case ok:
		case signal.Ignored(sig):
			d = IgnoreDisposition()
		default:
			d = DefaultDisposition()
		}
		out[sig] = d
	}
	return out, errors.Join(errs...)
}

// raiseDefault restores the default action for sig and sends it to the
// process. When the default action does not terminate, it returns after a
// short grace period.
func raiseDefault(sig syscall.Signal) error {
	signal.Reset(sig)
	if err := unix.Kill(os.Getpid(), sig); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return nil
}
