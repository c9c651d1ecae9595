package diagnostics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
)

const (
	selfDumpPrefix = "receiver-crash-"
	selfDumpSuffix = ".json"
)

// SelfDump is written when the receiver panics while assembling a report.
type SelfDump struct {
	Timestamp time.Time `json:"timestamp"`
	ProcessID int       `json:"process_id"`
	GoVersion string    `json:"go_version"`
	GOOS      string    `json:"goos"`
	GOARCH    string    `json:"goarch"`

	PanicValue string `json:"panic_value"`
	StackTrace string `json:"stack_trace,omitempty"`

	// What the receiver was doing.
	Stage      string `json:"stage,omitempty"`
	ReportUUID string `json:"report_uuid,omitempty"`

	RedactedEnv map[string]string `json:"redacted_env,omitempty"`
}

// SelfDumpWriter persists SelfDumps and prunes old ones.
type SelfDumpWriter struct {
	dir        string
	maxFiles   int
	includeEnv bool
	logger     *slog.Logger

	stage  atomic.Value // string
	report atomic.Value // string

	mu sync.Mutex
}

// NewSelfDumpWriter creates a writer storing at most maxFiles dumps in dir.
func NewSelfDumpWriter(dir string, maxFiles int, includeEnv bool, logger *slog.Logger) *SelfDumpWriter {
	if maxFiles <= 0 {
		maxFiles = 10
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "crashtracker", "selfdumps")
	}
	w := &SelfDumpWriter{
		dir:        dir,
		maxFiles:   maxFiles,
		includeEnv: includeEnv,
		logger:     logger,
	}
	w.stage.Store("")
	w.report.Store("")
	return w
}

// Dir returns the dump directory.
func (w *SelfDumpWriter) Dir() string { return w.dir }

// SetStage records the receiver state for the next dump.
func (w *SelfDumpWriter) SetStage(stage string) {
	w.stage.Store(stage)
}

// SetReport records the uuid of the report being assembled.
func (w *SelfDumpWriter) SetReport(uuid string) {
	w.report.Store(uuid)
}

// Write generates and writes a dump for panicValue.
func (w *SelfDumpWriter) Write(panicValue any) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dump := SelfDump{
		Timestamp:  time.Now().UTC(),
		ProcessID:  os.Getpid(),
		GoVersion:  runtime.Version(),
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		PanicValue: fmt.Sprintf("%v", panicValue),
		StackTrace: string(debug.Stack()),
	}
	if s, ok := w.stage.Load().(string); ok {
		dump.Stage = s
	}
	if s, ok := w.report.Load().(string); ok {
		dump.ReportUUID = s
	}
	if w.includeEnv {
		dump.RedactedEnv = redactEnvironment(os.Environ())
	}

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating dump dir: %w", err)
	}

	name := selfDumpPrefix + dump.Timestamp.Format("2006-01-02T15-04-05.000000000") + selfDumpSuffix
	path := filepath.Join(w.dir, name)

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling dump: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing dump: %w", err)
	}

	_ = w.prune()
	return path, nil
}

// RecoverAndReturn recovers a panic, writes a dump and turns the panic into
// an error. Usage: defer w.RecoverAndReturn(&err)
//
//nolint:gocritic // ptrToRefParam: errPtr must be a pointer to modify the caller's error variable
func (w *SelfDumpWriter) RecoverAndReturn(errPtr *error) {
	r := recover()
	if r == nil {
		return
	}
	path, dumpErr := w.Write(r)
	if w.logger != nil {
		if dumpErr != nil {
			w.logger.Error("failed to write receiver dump", "error", dumpErr, "panic", r)
		} else {
			w.logger.Error("receiver panicked", "dump", path, "panic", r)
		}
	}
	*errPtr = fmt.Errorf("receiver panicked: %v (dump: %s)", r, path)
}

// prune removes the oldest dumps beyond maxFiles. Names sort by time.
func (w *SelfDumpWriter) prune() error {
	dumps, err := listDumps(w.dir)
	if err != nil {
		return err
	}
	for len(dumps) > w.maxFiles {
		path := filepath.Join(w.dir, dumps[0])
		if err := os.Remove(path); err != nil && w.logger != nil {
			w.logger.Warn("failed to remove old receiver dump", "path", path, "error", err)
		}
		dumps = dumps[1:]
	}
	return nil
}

func listDumps(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), selfDumpPrefix) && strings.HasSuffix(e.Name(), selfDumpSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadLatestSelfDump loads the newest dump in dir.
func LoadLatestSelfDump(dir string) (*SelfDump, error) {
	names, err := listDumps(dir)
	if err != nil {
		return nil, fmt.Errorf("reading dump dir: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no receiver dumps found")
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening dump dir: %w", err)
	}
	defer func() { _ = root.Close() }()

	data, err := root.ReadFile(names[len(names)-1])
	if err != nil {
		return nil, fmt.Errorf("reading dump: %w", err)
	}
	var dump SelfDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("parsing dump: %w", err)
	}
	return &dump, nil
}

var sensitiveEnvSubstrings = []string{
	"TOKEN", "KEY", "SECRET", "PASSWORD", "CREDENTIAL",
	"AUTH", "PRIVATE", "APIKEY",
}

func redactEnvironment(environ []string) map[string]string {
	result := make(map[string]string, len(environ))
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(key)
		for _, s := range sensitiveEnvSubstrings {
			if strings.Contains(upper, s) {
				value = "[REDACTED]"
				break
			}
		}
		result[key] = value
	}
	return result
}
