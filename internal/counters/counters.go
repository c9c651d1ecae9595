// Package counters tracks which internal operations are in flight so that a
// crash can be attributed to what the library was doing at the time.
//
// Counters are process-wide atomics. Normal code paths call Begin and End
// around an operation; the crash collector reads them with Emit without
// taking any lock.
package counters

import (
	"errors"
	"math"
	"sync/atomic"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
)

// OpType enumerates the tracked operation kinds.
type OpType int

const (
	Inactive OpType = iota
	CollectingSample
	Unwinding
	Serializing

	// Size is the number of operation kinds.
	Size
)

// ceiling is the largest value Begin will leave a counter at.
const ceiling = math.MaxInt64 - 1

var (
	// ErrCounterOverflow is returned by Begin when the counter is saturated.
	ErrCounterOverflow = errors.New("operation counter overflow")
	// ErrOperationNotStarted is returned by End when the counter is not positive.
	ErrOperationNotStarted = errors.New("operation not started")
	// ErrInvalidOp is returned for operation kinds outside the enumeration.
	ErrInvalidOp = errors.New("invalid operation kind")
)

var names = [Size]string{
	Inactive:         "profiler_inactive",
	CollectingSample: "profiler_collecting_sample",
	Unwinding:        "profiler_unwinding",
	Serializing:      "profiler_serializing",
}

var counters [Size]atomic.Int64

// String returns the wire name of the operation kind.
func (op OpType) String() string {
	if !op.valid() {
		return "unknown"
	}
	return names[op]
}

func (op OpType) valid() bool {
	return op >= 0 && op < Size
}

// Begin records the start of an operation.
func Begin(op OpType) error {
	if !op.valid() {
		return ErrInvalidOp
	}
	c := &counters[op]
	for {
		old := c.Load()
		if old >= ceiling {
			return ErrCounterOverflow
		}
		if c.CompareAndSwap(old, old+1) {
			return nil
		}
	}
}

// End records the end of an operation previously started with Begin.
func End(op OpType) error {
	if !op.valid() {
		return ErrInvalidOp
	}
	c := &counters[op]
	for {
		old := c.Load()
		if old <= 0 {
			return ErrOperationNotStarted
		}
		if c.CompareAndSwap(old, old-1) {
			return nil
		}
	}
}

// Value returns the current value of a counter.
func Value(op OpType) int64 {
	if !op.valid() {
		return 0
	}
	return counters[op].Load()
}

// Snapshot returns every counter keyed by wire name.
func Snapshot() map[string]int64 {
	out := make(map[string]int64, Size)
	for op := OpType(0); op < Size; op++ {
		out[names[op]] = counters[op].Load()
	}
	return out
}

// Reset zeroes every counter. It must only run while no Begin or End can
// race with it: in a freshly forked child before it resumes normal work.
func Reset() {
	for i := range counters {
		counters[i].Store(0)
	}
}

// Writer is the allocation-free output surface Emit needs.
type Writer interface {
	WriteString(s string) error
	WriteInt(v int64) error
}

// Emit writes the counters section, one {"name": value} object per line.
func Emit(w Writer) error {
	if err := w.WriteString(protocol.SectionCounters.Begin()); err != nil {
		return err
	}
	if err := w.WriteString("\n"); err != nil {
		return err
	}
	for op := OpType(0); op < Size; op++ {
		if err := w.WriteString(`{"`); err != nil {
			return err
		}
		if err := w.WriteString(names[op]); err != nil {
			return err
		}
		if err := w.WriteString(`": `); err != nil {
			return err
		}
		if err := w.WriteInt(counters[op].Load()); err != nil {
			return err
		}
		if err := w.WriteString("}\n"); err != nil {
			return err
		}
	}
	if err := w.WriteString(protocol.SectionCounters.End()); err != nil {
		return err
	}
	return w.WriteString("\n")
}
