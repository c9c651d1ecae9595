package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/store"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/testutil"
)

// execute runs the root command with args and returns its output. Flag
// variables are package state, so the ones tests touch are reset first.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	inspectFormat, inspectStream, inspectMaxFrames = "text", false, 32
	reportsDB, reportsFormat, reportsLimit = "", "text", store.DefaultListLimit
	configInitForce = false
	noColor = true

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sampleReport(t *testing.T) *crashinfo.CrashInfo {
	t.Helper()
	r := crashinfo.New()
	require.NoError(t, r.SetSigInfo(crashinfo.SigInfo{Signum: 11, Signame: "SIGSEGV", Codename: "SEGV_MAPERR", FaultingAddress: "0x8"}))
	require.NoError(t, r.SetMetadata(crashinfo.Metadata{LibraryName: "libdd", LibraryVersion: "1.0.0", Family: "go"}))
	require.NoError(t, r.SetMessage("invalid memory address or nil pointer dereference"))
	require.NoError(t, r.SetStacktrace([]crashinfo.StackFrame{
		{IP: 0x4010, Names: []crashinfo.StackFrameNames{{Name: "main.handler", Filename: "/src/main.go", Lineno: crashinfo.Uint32(12)}}},
		{IP: 0x4020},
	}))
	require.NoError(t, r.AddCounter("profiler_unwinding", 1))
	return r
}

func TestVersionCommand(t *testing.T) {
	SetVersion("v1.2.3", "abc123def", "2026-01-15")
	t.Cleanup(func() { SetVersion("", "", "") })

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "crashtracker v1.2.3")
	assert.Contains(t, out, "commit: abc123def")
	assert.Contains(t, out, "built:  2026-01-15")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashtracker.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfigYAML, string(data))

	_, err = execute(t, "config", "init", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "config", "init", "--force", path)
	require.NoError(t, err)
}

func TestInspect_Formats(t *testing.T) {
	report := sampleReport(t)
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, report.WriteFile(path))

	out, err := execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Crash report "+report.UUID)
	assert.Contains(t, out, "SIGSEGV (SEGV_MAPERR)")
	assert.Contains(t, out, "main.handler")
	assert.Contains(t, out, "/src/main.go:12")
	assert.Contains(t, out, "profiler_unwinding")

	out, err = execute(t, "inspect", "--format", "json", path)
	require.NoError(t, err)
	decoded, err := crashinfo.Decode([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, report.UUID, decoded.UUID)

	out, err = execute(t, "inspect", "-f", "yaml", path)
	require.NoError(t, err)
	assert.Contains(t, out, "uuid: "+report.UUID)
	assert.Contains(t, out, "signame: SIGSEGV")

	_, err = execute(t, "inspect", "-f", "xml", path)
	assert.Error(t, err)
}

func TestInspect_YAMLGolden(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, sampleReport(t).WriteFile(path))

	out, err := execute(t, "inspect", "-f", "yaml", path)
	require.NoError(t, err)
	testutil.NewGolden(t, "testdata").AssertString("inspect_report.yaml", testutil.ScrubUUIDs(out))
}

func TestInspect_MaxFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, sampleReport(t).WriteFile(path))

	out, err := execute(t, "inspect", "--max-frames", "1", path)
	require.NoError(t, err)
	assert.Contains(t, out, "... 1 more")
}

func TestInspect_RawStream(t *testing.T) {
	stream := testutil.NewStream().
		Section(protocol.SectionSigInfo, `{"signum": 6, "signame": "SIGABRT"}`).
		Open(protocol.SectionStackTrace, `{"ip": "0x1000"}`)
	path := filepath.Join(t.TempDir(), "stream.txt")
	require.NoError(t, os.WriteFile(path, []byte(stream.String()), 0o600))

	out, err := execute(t, "inspect", "--stream", path)
	require.NoError(t, err)
	assert.Contains(t, out, "SIGABRT")
	assert.Contains(t, out, "incomplete")
	assert.Contains(t, out, "0x1000")

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = execute(t, "inspect", "--stream", empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no crash report")
}

func TestReports(t *testing.T) {
	db := filepath.Join(t.TempDir(), "reports.db")
	st, err := store.Open(db)
	require.NoError(t, err)
	report := sampleReport(t)
	_, err = st.Save(context.Background(), report)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "reports", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, report.UUID)
	assert.Contains(t, out, "SIGSEGV")
	assert.Contains(t, out, "libdd 1.0.0")

	out, err = execute(t, "reports", "--db", db, "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"uuid": "`+report.UUID+`"`)

	out, err = execute(t, "reports", "show", report.UUID, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "main.handler")

	out, err = execute(t, "reports", "delete", report.UUID, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+report.UUID)

	out, err = execute(t, "reports", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "no reports")

	_, err = execute(t, "reports", "show", report.UUID, "--db", db)
	assert.Error(t, err)
}

func TestBuildReceiver_DeliversToFallbackEndpoint(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out", "report.json")
	cfg := &config.Config{
		Log:      config.LogConfig{Level: "info", Format: "text"},
		Endpoint: config.Endpoint{URL: "file://" + dest},
		Collector: config.CollectorConfig{
			ResolveFrames: config.WithoutSymbols.String(),
		},
		Receiver:    config.ReceiverSettings{TimeoutMs: 2000},
		Spool:       config.SpoolConfig{Dir: filepath.Join(dir, "spool")},
		Diagnostics: config.DiagnosticsConfig{DumpDir: filepath.Join(dir, "dumps")},
	}

	recv, dispatcher, err := buildReceiver(cfg, newLogger(cfg), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "spool"), dispatcher.Spool().Dir())

	stream := testutil.NewStream().
		Section(protocol.SectionSigInfo, `{"signum": 11, "signame": "SIGSEGV"}`).
		Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = recv.Handle(ctx, nopCloser{stream.Reader()})
	// No config section in the stream; the file configuration is used.
	require.Error(t, err)

	got, err := crashinfo.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "SIGSEGV", got.SigInfo.Signame)
}

func TestCrashReceiver(t *testing.T) {
	cfg := &config.Config{}
	rcfg, err := crashReceiver(cfg, config.CrashtrackerConfiguration{UnixSocketPath: "/tmp/r.sock"})
	require.NoError(t, err)
	assert.Nil(t, rcfg)

	cfg.Receiver.Path = "/usr/bin/receiver"
	rcfg, err = crashReceiver(cfg, config.CrashtrackerConfiguration{})
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/receiver", rcfg.PathToReceiverBinary)

	cfg.Receiver.Path = ""
	rcfg, err = crashReceiver(cfg, config.CrashtrackerConfiguration{})
	require.NoError(t, err)
	self, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, self, rcfg.PathToReceiverBinary)
	assert.Equal(t, "receiver", rcfg.Args[0])
}

func TestCrash_UnknownMode(t *testing.T) {
	_, err := execute(t, "crash", "meteor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown crash mode")
}

type nopCloser struct{ *strings.Reader }

func (nopCloser) Close() error { return nil }
