package spans

import (
	"encoding/json"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
)

type bufWriter struct {
	sb strings.Builder
}

func (b *bufWriter) WriteString(s string) error {
	b.sb.WriteString(s)
	return nil
}

func (b *bufWriter) WriteBytes(p []byte) error {
	b.sb.Write(p)
	return nil
}

func TestIDString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   ID
		want string
	}{
		{ID{}, "0"},
		{FromUint64(42), "42"},
		{FromUint64(math.MaxUint64), "18446744073709551615"},
		{ID{Hi: 1}, "18446744073709551616"},
		{ID{Hi: math.MaxUint64, Lo: math.MaxUint64}, "340282366920938463463374607431768211455"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.id.String())
	}
}

func TestInsertRemove(t *testing.T) {
	t.Parallel()

	var s Set
	idx, err := s.Insert(FromUint64(7))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []ID{FromUint64(7)}, s.Values())

	assert.ErrorIs(t, s.Remove(FromUint64(8), idx), ErrNotFound)
	assert.ErrorIs(t, s.Remove(FromUint64(7), -1), ErrNotFound)
	require.NoError(t, s.Remove(FromUint64(7), idx))
	assert.Equal(t, 0, s.Len())
	assert.ErrorIs(t, s.Remove(FromUint64(7), idx), ErrNotFound)
}

func TestRemoveStaleIDKeepsSlot(t *testing.T) {
	t.Parallel()

	var s Set
	owner := ID{Hi: 1, Lo: 2}
	idx, err := s.Insert(owner)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			stale := ID{Hi: 1, Lo: uint64(100 + g)}
			for i := 0; i < 1000; i++ {
				if err := s.Remove(stale, idx); err == nil {
					t.Errorf("stale id %v removed slot %d", stale, idx)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, slotFull, s.slots[idx].state.Load())
	assert.Equal(t, []ID{owner}, s.Values())
	require.NoError(t, s.Remove(owner, idx))
	assert.Equal(t, 0, s.Len())
}

func TestInsertHalfFull(t *testing.T) {
	t.Parallel()

	var s Set
	for i := 0; i < Capacity/2; i++ {
		_, err := s.Insert(FromUint64(uint64(i + 1)))
		require.NoError(t, err)
	}
	_, err := s.Insert(FromUint64(999999))
	assert.ErrorIs(t, err, ErrSetFull)
	assert.Equal(t, Capacity/2, s.Len())

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Values())
}

func TestConcurrentInsert(t *testing.T) {
	t.Parallel()

	var s Set
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := FromUint64(uint64(g*1000 + i + 1))
				idx, err := s.Insert(id)
				if err != nil {
					t.Errorf("insert: %v", err)
					return
				}
				if i%2 == 0 {
					if err := s.Remove(id, idx); err != nil {
						t.Errorf("remove: %v", err)
					}
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 8*25, s.Len())
	assert.Len(t, s.Values(), 8*25)
}

func TestEmit(t *testing.T) {
	t.Parallel()

	var s Set
	_, err := s.Insert(FromUint64(11))
	require.NoError(t, err)
	_, err = s.Insert(ID{Hi: 1, Lo: 0})
	require.NoError(t, err)

	var w bufWriter
	require.NoError(t, s.Emit(&w, protocol.SectionSpanIDs))

	lines := strings.Split(strings.TrimSuffix(w.sb.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, protocol.SectionSpanIDs.Begin(), lines[0])
	assert.Equal(t, protocol.SectionSpanIDs.End(), lines[2])

	var ids []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ids))
	got := []string{}
	for _, id := range ids {
		got = append(got, id.ID)
	}
	assert.ElementsMatch(t, []string{"11", "18446744073709551616"}, got)
}

func TestEmitEmpty(t *testing.T) {
	t.Parallel()

	var s Set
	var w bufWriter
	require.NoError(t, s.Emit(&w, protocol.SectionTraceIDs))
	assert.Equal(t, protocol.SectionTraceIDs.Begin()+"\n[]\n"+protocol.SectionTraceIDs.End()+"\n", w.sb.String())
}
