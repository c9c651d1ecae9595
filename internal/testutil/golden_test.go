package testutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/testutil"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "crlf", input: "a\r\nb\r\n", want: "a\nb"},
		{name: "trailing spaces", input: "a  \nb\t\n\n", want: "a\nb"},
		{name: "unchanged", input: "a\nb", want: "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testutil.Normalize(tt.input))
		})
	}
}

func TestScrubTimestamps(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "rfc3339", input: `"timestamp": "2026-01-15T10:30:45.123Z"`, want: `"timestamp": "[TIMESTAMP]"`},
		{name: "plain", input: "at 2026-01-15 10:30:45", want: "at [TIMESTAMP]"},
		{name: "none", input: "no timestamps here", want: "no timestamps here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testutil.ScrubTimestamps(tt.input))
		})
	}
}

func TestScrubUUIDs(t *testing.T) {
	got := testutil.ScrubUUIDs("a=550e8400-e29b-41d4-a716-446655440000 b=12345678-1234-1234-1234-123456789012")
	assert.Equal(t, "a=[UUID] b=[UUID]", got)
	assert.Equal(t, "plain text", testutil.ScrubUUIDs("plain text"))
}

func TestScrubPIDs(t *testing.T) {
	assert.Equal(t, `{"pid": [PID]}`, testutil.ScrubPIDs(`{"pid": 4242}`))
	assert.Equal(t, "pid: [PID]", testutil.ScrubPIDs("pid: 17"))
}

func TestScrubPaths(t *testing.T) {
	got := testutil.ScrubPaths("file at /home/user/project/main.go", "/home/user/project")
	assert.Equal(t, "file at [WORKDIR]/main.go", got)
}

func TestGolden_Assert(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.golden"), []byte("line one\r\nline two  \n"), 0o644))

	g := testutil.NewGolden(t, dir)
	g.AssertString("out", "line one\nline two\n\n")
}

func TestStream(t *testing.T) {
	s := testutil.NewStream().
		Section(protocol.SectionSigInfo, `{"signum": 11}`).
		File("/proc/self/maps", "00400000-00401000 r-xp").
		Open(protocol.SectionStackTrace, `{"ip": "0x1"}`).
		Done()

	want := protocol.SectionSigInfo.Begin() + "\n" +
		`{"signum": 11}` + "\n" +
		protocol.SectionSigInfo.End() + "\n" +
		protocol.FileBegin("/proc/self/maps") + "\n" +
		"00400000-00401000 r-xp\n" +
		protocol.FileEnd("/proc/self/maps") + "\n" +
		protocol.SectionStackTrace.Begin() + "\n" +
		`{"ip": "0x1"}` + "\n" +
		protocol.Done + "\n"
	assert.Equal(t, want, s.String())
}
