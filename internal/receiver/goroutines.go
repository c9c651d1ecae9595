package receiver

import (
	"fmt"
	"io"
	"strings"

	"github.com/maruel/panicparse/stack"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
)

// goroutineTrace is one goroutine from a runtime traceback.
type goroutineTrace struct {
	ID     int
	State  string
	First  bool
	Frames []crashinfo.StackFrame
}

func (g goroutineTrace) name() string {
	return fmt.Sprintf("goroutine %d", g.ID)
}

// parseGoroutines reads the goroutines out of a Go traceback. Lines that
// are not part of a goroutine are ignored.
func parseGoroutines(text string) ([]goroutineTrace, error) {
	c, err := stack.ParseDump(strings.NewReader(text), io.Discard, false)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	out := make([]goroutineTrace, 0, len(c.Goroutines))
	for _, g := range c.Goroutines {
		t := goroutineTrace{ID: g.ID, State: g.State, First: g.First}
		for _, call := range g.Stack.Calls {
			t.Frames = append(t.Frames, callFrame(call))
		}
		out = append(out, t)
	}
	return out, nil
}

func callFrame(call stack.Call) crashinfo.StackFrame {
	names := crashinfo.StackFrameNames{Name: call.Func.Raw, Filename: call.SrcPath}
	if call.Line > 0 {
		names.Lineno = crashinfo.Uint32(uint32(call.Line))
	}
	return crashinfo.StackFrame{Names: []crashinfo.StackFrameNames{names}}
}
