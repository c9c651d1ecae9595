package counters

import (
	"bufio"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
)

// Counters are process-wide, so these tests do not run in parallel.

type bufWriter struct {
	strings.Builder
	failAfter int
	writes    int
}

func (b *bufWriter) WriteString(s string) error {
	b.writes++
	if b.failAfter > 0 && b.writes > b.failAfter {
		return errors.New("pipe closed")
	}
	_, _ = b.Builder.WriteString(s)
	return nil
}

func (b *bufWriter) WriteInt(v int64) error {
	return b.WriteString(strconv.FormatInt(v, 10))
}

func TestBeginEndRoundTrip(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	for op := OpType(0); op < Size; op++ {
		before := Value(op)
		require.NoError(t, Begin(op))
		assert.Equal(t, before+1, Value(op))
		require.NoError(t, End(op))
		assert.Equal(t, before, Value(op), op.String())
	}
}

func TestEndWithoutBegin(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	for op := OpType(0); op < Size; op++ {
		err := End(op)
		assert.ErrorIs(t, err, ErrOperationNotStarted)
		assert.Equal(t, int64(0), Value(op))
	}

	counters[Unwinding].Store(-5)
	assert.ErrorIs(t, End(Unwinding), ErrOperationNotStarted)
	assert.Equal(t, int64(-5), Value(Unwinding))
}

func TestBeginOverflow(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	counters[Serializing].Store(math.MaxInt64 - 2)
	require.NoError(t, Begin(Serializing))
	assert.Equal(t, int64(math.MaxInt64-1), Value(Serializing))

	err := Begin(Serializing)
	assert.ErrorIs(t, err, ErrCounterOverflow)
	assert.Equal(t, int64(math.MaxInt64-1), Value(Serializing))
}

func TestInvalidOp(t *testing.T) {
	assert.ErrorIs(t, Begin(Size), ErrInvalidOp)
	assert.ErrorIs(t, End(OpType(-1)), ErrInvalidOp)
	assert.Equal(t, "unknown", Size.String())
	assert.Equal(t, int64(0), Value(Size))
}

func TestConcurrentBeginEnd(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = Begin(CollectingSample)
				_ = End(CollectingSample)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), Value(CollectingSample))
}

func TestEmit(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	require.NoError(t, Begin(CollectingSample))
	require.NoError(t, Begin(Unwinding))
	require.NoError(t, Begin(Unwinding))

	var w bufWriter
	require.NoError(t, Emit(&w))

	sc := bufio.NewScanner(strings.NewReader(w.String()))
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, int(Size)+2)
	assert.Equal(t, protocol.SectionCounters.Begin(), lines[0])
	assert.Equal(t, protocol.SectionCounters.End(), lines[len(lines)-1])

	wantOrder := []string{"profiler_inactive", "profiler_collecting_sample", "profiler_unwinding", "profiler_serializing"}
	wantValue := []int64{0, 1, 2, 0}
	for i, line := range lines[1 : len(lines)-1] {
		var obj map[string]int64
		require.NoError(t, json.Unmarshal([]byte(line), &obj), line)
		require.Len(t, obj, 1)
		assert.Equal(t, wantValue[i], obj[wantOrder[i]], line)
	}
}

func TestEmitPropagatesWriteError(t *testing.T) {
	w := bufWriter{failAfter: 3}
	assert.Error(t, Emit(&w))
}

func TestResetAndSnapshot(t *testing.T) {
	require.NoError(t, Begin(Serializing))
	require.NoError(t, Begin(Inactive))

	snap := Snapshot()
	assert.Len(t, snap, int(Size))
	assert.GreaterOrEqual(t, snap["profiler_serializing"], int64(1))

	Reset()
	for _, v := range Snapshot() {
		assert.Equal(t, int64(0), v)
	}
}
