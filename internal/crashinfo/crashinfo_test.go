package crashinfo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsUUID(t *testing.T) {
	t.Parallel()

	a, b := New(), New()
	_, err := uuid.Parse(a.UUID)
	require.NoError(t, err)
	assert.NotEqual(t, a.UUID, b.UUID)
	assert.False(t, a.HasData())
	assert.False(t, a.CrashSeen())
}

func TestSetOnce(t *testing.T) {
	t.Parallel()

	c := New()
	require.NoError(t, c.SetSigInfo(SigInfo{Signum: 11, Signame: "SIGSEGV"}))
	assert.ErrorIs(t, c.SetSigInfo(SigInfo{Signum: 6}), ErrAlreadySet)
	assert.Equal(t, 11, c.SigInfo.Signum)
	assert.True(t, c.CrashSeen())

	require.NoError(t, c.SetProcInfo(ProcInfo{PID: 42}))
	assert.ErrorIs(t, c.SetProcInfo(ProcInfo{PID: 43}), ErrAlreadySet)

	require.NoError(t, c.SetMetadata(Metadata{LibraryName: "dd-trace-go", Tags: []string{"a:b"}}))
	assert.ErrorIs(t, c.SetMetadata(Metadata{}), ErrAlreadySet)

	require.NoError(t, c.SetTimestamp(time.Unix(100, 0)))
	assert.ErrorIs(t, c.SetTimestamp(time.Now()), ErrAlreadySet)

	require.NoError(t, c.SetMessage("boom"))
	assert.ErrorIs(t, c.SetMessage("again"), ErrAlreadySet)

	require.NoError(t, c.SetStacktrace(nil))
	assert.ErrorIs(t, c.SetStacktrace([]StackFrame{{IP: 1}}), ErrAlreadySet)
	assert.True(t, c.HasStacktrace())

	require.NoError(t, c.SetOSInfo(OSInfo{OSType: "linux"}))
	assert.ErrorIs(t, c.SetOSInfo(OSInfo{}), ErrAlreadySet)

	require.NoError(t, c.SetUcontext("goroutine 1"))
	assert.ErrorIs(t, c.SetUcontext("x"), ErrAlreadySet)

	require.NoError(t, c.SetProcessStats(ProcessStats{NumThreads: 3}))
	assert.ErrorIs(t, c.SetProcessStats(ProcessStats{}), ErrAlreadySet)
}

func TestDuplicateKeys(t *testing.T) {
	t.Parallel()

	c := New()
	require.NoError(t, c.AddCounter("profiler_unwinding", 1))
	assert.ErrorIs(t, c.AddCounter("profiler_unwinding", 2), ErrDuplicateKey)
	assert.Equal(t, int64(1), c.Counters["profiler_unwinding"])

	require.NoError(t, c.AddFile("/proc/self/maps", []string{"a"}))
	assert.ErrorIs(t, c.AddFile("/proc/self/maps", nil), ErrDuplicateKey)

	require.NoError(t, c.AddStacktrace("goroutine 7", nil))
	assert.ErrorIs(t, c.AddStacktrace("goroutine 7", nil), ErrDuplicateKey)
	assert.True(t, c.HasData())
}

func TestEmptyCollectionsOmitted(t *testing.T) {
	t.Parallel()

	c := New()
	data, err := json.Marshal(c)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "uuid")
	assert.Contains(t, raw, "incomplete")
	for _, key := range []string{
		"stacktrace", "additional_stacktraces", "counters", "files", "tags",
		"span_ids", "trace_ids", "siginfo", "proc_info", "metadata", "log_messages", "timestamp",
	} {
		assert.NotContains(t, raw, key)
	}
}

func TestJSONShape(t *testing.T) {
	t.Parallel()

	c := New()
	c.Incomplete = true
	require.NoError(t, c.SetSigInfo(SigInfo{Signum: 7, Signame: "SIGBUS"}))
	require.NoError(t, c.SetProcInfo(ProcInfo{PID: 99}))
	require.NoError(t, c.SetMetadata(Metadata{
		LibraryName:    "libdatadog",
		LibraryVersion: "1.0.0",
		Family:         "go",
		Tags:           []string{"service:api"},
	}))
	require.NoError(t, c.SetTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	c.AddTag("kind", "panic")
	c.AddSpanIDs([]Span{{ID: "12"}})

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, true, raw["incomplete"])
	assert.Equal(t, "2024-01-02T03:04:05Z", raw["timestamp"])
	assert.Equal(t, map[string]any{"signum": float64(7), "signame": "SIGBUS"}, raw["siginfo"])
	assert.Equal(t, map[string]any{"pid": float64(99)}, raw["proc_info"])
	md := raw["metadata"].(map[string]any)
	assert.Equal(t, "libdatadog", md["profiling_library_name"])
	assert.Equal(t, "1.0.0", md["profiling_library_version"])
	assert.Equal(t, "go", md["family"])
	assert.Equal(t, []any{"service:api"}, md["tags"])
	assert.Equal(t, []any{map[string]any{"id": "12"}}, raw["span_ids"])
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	c := New()
	code := 1
	require.NoError(t, c.SetSigInfo(SigInfo{Signum: 11, Signame: "SIGSEGV", Code: &code}))
	require.NoError(t, c.SetStacktrace([]StackFrame{{IP: 0x10, Names: []StackFrameNames{{Name: "f", Lineno: Uint32(3)}}}}))
	require.NoError(t, c.AddFile("f", []string{"x"}))
	require.NoError(t, c.AddCounter("c", 1))
	require.NoError(t, c.SetMetadata(Metadata{Tags: []string{"t"}}))
	c.AddTag("k", "v")
	c.AddLogMessage("m %d", 1)

	d := c.Clone()
	*d.SigInfo.Code = 2
	d.Stacktrace[0].Names[0].Name = "g"
	*d.Stacktrace[0].Names[0].Lineno = 9
	d.Files["f"][0] = "y"
	d.Counters["c"] = 5
	d.Metadata.Tags[0] = "u"
	d.Tags["k"] = "w"
	d.AddLogMessage("extra")

	assert.Equal(t, 1, *c.SigInfo.Code)
	assert.Equal(t, "f", c.Stacktrace[0].Names[0].Name)
	assert.Equal(t, uint32(3), *c.Stacktrace[0].Names[0].Lineno)
	assert.Equal(t, "x", c.Files["f"][0])
	assert.Equal(t, int64(1), c.Counters["c"])
	assert.Equal(t, "t", c.Metadata.Tags[0])
	assert.Equal(t, "v", c.Tags["k"])
	assert.Equal(t, []string{"m 1"}, c.LogMessages)
	assert.Equal(t, c.UUID, d.UUID)
}

func TestInvalidUTF8IsReplaced(t *testing.T) {
	t.Parallel()

	c := New()
	require.NoError(t, c.AddFile("bin", []string{"ok\xffok"}))
	require.NoError(t, c.SetMessage("bad \xc3\x28 byte"))
	c.AddTag("k", "\xfe")

	assert.Equal(t, "ok�ok", c.Files["bin"][0])
	assert.Equal(t, "bad �( byte", c.Message)
	assert.Equal(t, "�", c.Tags["k"])
}

func TestAddFileFromDisk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "maps")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o600))

	c := New()
	require.NoError(t, c.AddFileFromDisk(path))
	assert.Equal(t, []string{"line one", "line two"}, c.Files[path])

	err := c.AddFileFromDisk(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestWriteAndReadFile(t *testing.T) {
	t.Parallel()

	c := New()
	require.NoError(t, c.SetSigInfo(SigInfo{Signum: 6, Signame: "SIGABRT"}))
	require.NoError(t, c.SetStacktrace([]StackFrame{{IP: 0xdead, SP: 0xbeef}}))

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, c.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "}\n"))

	back, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, c.UUID, back.UUID)
	assert.Equal(t, "SIGABRT", back.SigInfo.Signame)
	require.Len(t, back.Stacktrace, 1)
	assert.Equal(t, Addr(0xdead), back.Stacktrace[0].IP)
	assert.True(t, back.HasStacktrace())

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}

func TestAllFrames(t *testing.T) {
	t.Parallel()

	c := New()
	require.NoError(t, c.SetStacktrace([]StackFrame{{IP: 1}}))
	require.NoError(t, c.AddStacktrace("b", []StackFrame{{IP: 3}}))
	require.NoError(t, c.AddStacktrace("a", []StackFrame{{IP: 2}}))

	var ips []Addr
	c.AllFrames(func(f *StackFrame) {
		ips = append(ips, f.IP)
		f.SymbolAddress = f.IP
	})
	assert.Equal(t, []Addr{1, 2, 3}, ips)
	assert.Equal(t, Addr(3), c.AdditionalStacktraces["b"][0].SymbolAddress)
}
