package collector

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/signals"
)

type panicReport struct {
	message string
	header  string
	pcs     []uintptr
}

// Guard reports a panic of the calling goroutine and then panics again
// with the same value. It must be deferred directly:
//
//	defer c.Guard()
func (c *Collector) Guard() {
	v := recover()
	if v == nil {
		return
	}
	c.HandlePanic(v)
	panic(v)
}

// GuardFunc wraps fn so a panic inside it is reported.
func (c *Collector) GuardFunc(fn func()) func() {
	return func() {
		defer c.Guard()
		fn()
	}
}

// HandlePanic streams a report for a recovered panic value. It must be
// called from the deferred function that recovered, while the panicking
// frames are still on the stack. Nothing is chained: the caller decides
// what happens next. Unlike the signal path it allocates to format v.
func (c *Collector) HandlePanic(v any) {
	if !c.fired.CompareAndSwap(false, true) {
		return
	}
	c.state.Store(int32(StateEntered))
	a := c.cur.Load()
	if a == nil {
		c.state.Store(int32(StateDormant))
		return
	}

	info := panicSigInfo(v)
	n := runtime.Callers(1, c.pcs[:])
	p := &panicReport{
		message: fmt.Sprint(v),
		header:  goroutineHeader(),
		pcs:     trimPanicFrames(c.pcs[:n]),
	}

	c.state.Store(int32(StateStreaming))
	_ = c.stream(a, &info, p)
	c.state.Store(int32(StateForwarding))
	_ = a.w.Finish()
	c.state.Store(int32(StateDormant))
}

// panicSigInfo maps a panic value onto the signal the same fault would have
// raised in native code.
func panicSigInfo(v any) SigInfo {
	info := SigInfo{Signum: int(unix.SIGABRT)}
	if err, ok := v.(runtime.Error); ok {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "nil pointer dereference"),
			strings.Contains(msg, "invalid memory address"):
			info = SigInfo{Signum: int(unix.SIGSEGV), Code: signals.SegvMapErr, HasCode: true}
		case strings.Contains(msg, "integer divide by zero"):
			info = SigInfo{Signum: int(unix.SIGFPE), Code: signals.FpeIntDiv, HasCode: true}
		case strings.Contains(msg, "integer overflow"):
			info = SigInfo{Signum: int(unix.SIGFPE), Code: signals.FpeIntOvf, HasCode: true}
		}
	}
	if a, ok := v.(interface{ Addr() uintptr }); ok {
		info.Addr = a.Addr()
		info.HasAddr = true
	}
	return info
}

// trimPanicFrames drops the collector's own frames and the runtime's panic
// machinery, leaving the frame that panicked first.
func trimPanicFrames(pcs []uintptr) []uintptr {
	for i, pc := range pcs {
		fn := runtime.FuncForPC(pc - 1)
		if fn == nil || fn.Name() != "runtime.gopanic" {
			continue
		}
		rest := pcs[i+1:]
		for len(rest) > 0 {
			f := runtime.FuncForPC(rest[0] - 1)
			if f == nil {
				break
			}
			name := f.Name()
			if !strings.HasPrefix(name, "runtime.panic") && name != "runtime.sigpanic" {
				break
			}
			rest = rest[1:]
		}
		return rest
	}
	return pcs
}

// goroutineHeader returns the first line of the current goroutine's
// traceback, for example "goroutine 7 [running]".
func goroutineHeader() string {
	var buf [128]byte
	n := runtime.Stack(buf[:], false)
	line := buf[:n]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return string(bytes.TrimSuffix(line, []byte(":")))
}
