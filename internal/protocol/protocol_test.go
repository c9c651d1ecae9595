package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSectionMarkers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "DD_CRASHTRACK_BEGIN_SIGINFO", SectionSigInfo.Begin())
	assert.Equal(t, "DD_CRASHTRACK_END_SIGINFO", SectionSigInfo.End())
	assert.Equal(t, "DD_CRASHTRACK_BEGIN_COUNTERS", SectionCounters.Begin())
	assert.Equal(t, "DD_CRASHTRACK_END_SPAN_IDS", SectionSpanIDs.End())
	assert.Equal(t, "DD_CRASHTRACK_DONE", Done)
	assert.Equal(t, "", Section(99).Begin())
	assert.Equal(t, "UNKNOWN", Section(-1).String())
}

func TestSectionForBegin(t *testing.T) {
	t.Parallel()

	for _, s := range Sections() {
		got, ok := SectionForBegin(s.Begin())
		require.True(t, ok, s.String())
		assert.Equal(t, s, got)
	}

	got, ok := SectionForBegin("DD_CRASHTRACK_BEGIN_FILE /proc/self/maps")
	require.True(t, ok)
	assert.Equal(t, SectionFile, got)

	_, ok = SectionForBegin("DD_CRASHTRACK_BEGIN_SIGINFOX")
	assert.False(t, ok)
	_, ok = SectionForBegin("hello")
	assert.False(t, ok)
	_, ok = SectionForBegin(SectionSigInfo.End())
	assert.False(t, ok)
}

func TestSectionIsEnd(t *testing.T) {
	t.Parallel()

	assert.True(t, SectionFile.IsEnd(FileEnd("/tmp/a b")))
	assert.True(t, SectionStackTrace.IsEnd("DD_CRASHTRACK_END_STACKTRACE"))
	assert.False(t, SectionStackTrace.IsEnd("DD_CRASHTRACK_END_STACKTRACES"))
	assert.False(t, SectionStackTrace.IsEnd(`{"ip": "0x1"}`))
}

func TestFileMarkers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "DD_CRASHTRACK_BEGIN_FILE /proc/self/maps", FileBegin("/proc/self/maps"))
	assert.Equal(t, `DD_CRASHTRACK_END_FILE "/proc/self/maps"`, FileEnd("/proc/self/maps"))
	assert.Equal(t, "/proc/self/maps", ParseFileBegin(FileBegin("/proc/self/maps")))
	assert.Equal(t, "/a path/with spaces", ParseFileBegin(FileBegin("/a path/with spaces")))
	assert.Equal(t, MissingFilename, ParseFileBegin("DD_CRASHTRACK_BEGIN_FILE"))
}

func TestIsDone(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDone("DD_CRASHTRACK_DONE"))
	assert.True(t, IsDone("DD_CRASHTRACK_DONE\r"))
	assert.False(t, IsDone("DD_CRASHTRACK_DONE_NOT"))
	assert.True(t, IsMarker("DD_CRASHTRACK_END_TAGS"))
	assert.False(t, IsMarker("goroutine 1 [running]:"))
}

func TestReceiverTimeout(t *testing.T) {
	t.Parallel()

	env := func(v string, set bool) func(string) (string, bool) {
		return func(key string) (string, bool) {
			if key != ReceiverTimeoutEnv {
				return "", false
			}
			return v, set
		}
	}

	tests := []struct {
		name string
		look func(string) (string, bool)
		want time.Duration
	}{
		{"nil lookup", nil, DefaultReceiverTimeout},
		{"unset", env("", false), DefaultReceiverTimeout},
		{"valid", env("1500", true), 1500 * time.Millisecond},
		{"spaces", env(" 250 ", true), 250 * time.Millisecond},
		{"zero", env("0", true), DefaultReceiverTimeout},
		{"negative", env("-3", true), DefaultReceiverTimeout},
		{"garbage", env("soon", true), DefaultReceiverTimeout},
		{"max int32", env("2147483647", true), 2147483647 * time.Millisecond},
		{"above int32", env("2147483648", true), DefaultReceiverTimeout},
		{"duration overflow", env("9300000000000", true), DefaultReceiverTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReceiverTimeout(tt.look))
		})
	}
}

func TestCrashingPID(t *testing.T) {
	t.Parallel()

	lookup := func(v string) func(string) (string, bool) {
		return func(key string) (string, bool) {
			if key != CrashingPIDEnv {
				return "", false
			}
			return v, true
		}
	}

	assert.Equal(t, 0, CrashingPID(nil))
	assert.Equal(t, 0, CrashingPID(func(string) (string, bool) { return "", false }))
	assert.Equal(t, 4242, CrashingPID(lookup("4242")))
	assert.Equal(t, 0, CrashingPID(lookup("-1")))
	assert.Equal(t, 0, CrashingPID(lookup("pid")))
}
