// Package spans keeps the span and trace ids that are active at any moment,
// so a crash report can name the requests that were in flight.
//
// A Set is a fixed array of slots filled by open addressing. It never
// allocates after construction and can be read by the crash collector
// without locks.
package spans

import (
	"errors"
	"math/bits"
	"math/rand/v2"
	"sync/atomic"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
)

// Capacity is the number of slots in a Set. Only half of them are ever used.
const Capacity = 2048

var (
	// ErrSetFull is returned when the set is already half full.
	ErrSetFull = errors.New("span set full")
	// ErrNotFound is returned when removing an id that is not at the given slot.
	ErrNotFound = errors.New("span id not found")
)

// ID is a 128-bit span or trace id.
type ID struct {
	Hi, Lo uint64
}

// FromUint64 builds an ID from a 64-bit value.
func FromUint64(v uint64) ID {
	return ID{Lo: v}
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

// String renders the id in decimal.
func (id ID) String() string {
	var buf [maxDecimal]byte
	return string(id.appendDecimal(&buf))
}

const maxDecimal = 40 // 2^128 has 39 digits

// appendDecimal formats id into buf and returns the used tail.
func (id ID) appendDecimal(buf *[maxDecimal]byte) []byte {
	i := len(buf)
	hi, lo := id.Hi, id.Lo
	if hi == 0 && lo == 0 {
		i--
		buf[i] = '0'
		return buf[i:]
	}
	for hi != 0 || lo != 0 {
		var r uint64
		hi, r = hi/10, hi%10
		lo, r = bits.Div64(r, lo, 10)
		i--
		buf[i] = byte('0' + r)
	}
	return buf[i:]
}

const (
	slotEmpty uint32 = iota
	slotBusy
	slotFull
)

type slot struct {
	state atomic.Uint32
	hi    atomic.Uint64
	lo    atomic.Uint64
}

// Set is a lock-free set of ids.
type Set struct {
	used  atomic.Int64
	slots [Capacity]slot
}

// Insert stores id and returns the slot index needed to remove it.
func (s *Set) Insert(id ID) (int, error) {
	if s.used.Add(1) > Capacity/2 {
		s.used.Add(-1)
		return 0, ErrSetFull
	}
	start := rand.IntN(Capacity)
	for i := 0; i < Capacity; i++ {
		idx := (start + i) % Capacity
		sl := &s.slots[idx]
		if !sl.state.CompareAndSwap(slotEmpty, slotBusy) {
			continue
		}
		sl.hi.Store(id.Hi)
		sl.lo.Store(id.Lo)
		sl.state.Store(slotFull)
		return idx, nil
	}
	// At most half the slots are taken, so a free one always exists.
	s.used.Add(-1)
	return 0, ErrSetFull
}

// Remove clears slot idx if it holds id.
func (s *Set) Remove(id ID, idx int) error {
	if idx < 0 || idx >= Capacity {
		return ErrNotFound
	}
	sl := &s.slots[idx]
	if !sl.state.CompareAndSwap(slotFull, slotBusy) {
		return ErrNotFound
	}
	if sl.hi.Load() != id.Hi || sl.lo.Load() != id.Lo {
		sl.state.Store(slotFull)
		return ErrNotFound
	}
	sl.hi.Store(0)
	sl.lo.Store(0)
	sl.state.Store(slotEmpty)
	s.used.Add(-1)
	return nil
}

// Len returns the number of stored ids.
func (s *Set) Len() int {
	return int(s.used.Load())
}

// Values returns the stored ids in slot order.
func (s *Set) Values() []ID {
	out := make([]ID, 0, s.Len())
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.state.Load() == slotFull {
			out = append(out, ID{Hi: sl.hi.Load(), Lo: sl.lo.Load()})
		}
	}
	return out
}

// Clear empties the set. Concurrent inserts may survive.
func (s *Set) Clear() {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.state.CompareAndSwap(slotFull, slotBusy) {
			sl.hi.Store(0)
			sl.lo.Store(0)
			sl.state.Store(slotEmpty)
			s.used.Add(-1)
		}
	}
}

// Writer is the allocation-free output surface Emit needs.
type Writer interface {
	WriteString(s string) error
	WriteBytes(b []byte) error
}

// Emit writes the set as one JSON line, [{"id": "<decimal>"}, ...], framed
// by the markers of section.
func (s *Set) Emit(w Writer, section protocol.Section) error {
	if err := w.WriteString(section.Begin()); err != nil {
		return err
	}
	if err := w.WriteString("\n["); err != nil {
		return err
	}
	var buf [maxDecimal]byte
	first := true
	if s.used.Load() > 0 {
		for i := range s.slots {
			sl := &s.slots[i]
			if sl.state.Load() != slotFull {
				continue
			}
			id := ID{Hi: sl.hi.Load(), Lo: sl.lo.Load()}
			if !first {
				if err := w.WriteString(", "); err != nil {
					return err
				}
			}
			first = false
			if err := w.WriteString(`{"id": "`); err != nil {
				return err
			}
			if err := w.WriteBytes(id.appendDecimal(&buf)); err != nil {
				return err
			}
			if err := w.WriteString(`"}`); err != nil {
				return err
			}
		}
	}
	if err := w.WriteString("]\n"); err != nil {
		return err
	}
	if err := w.WriteString(section.End()); err != nil {
		return err
	}
	return w.WriteString("\n")
}

// Process-wide sets read by the crash collector.
var (
	ActiveSpans  Set
	ActiveTraces Set
)
