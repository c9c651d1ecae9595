// Package crashinfo defines the crash report assembled by the receiver and
// handed to uploaders.
//
// A CrashInfo is built incrementally, one protocol section at a time.
// Single-valued fields can be set once; collections accumulate. After the
// report is handed off it is treated as immutable: uploaders work on a
// Clone.
package crashinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/fsutil"
)

var (
	// ErrAlreadySet is returned when a single-valued field is set twice.
	ErrAlreadySet = errors.New("field already set")
	// ErrDuplicateKey is returned when a keyed entry is added twice.
	ErrDuplicateKey = errors.New("duplicate key")
)

// SigInfo describes the signal that terminated the process.
type SigInfo struct {
	Signum          int    `json:"signum"`
	Signame         string `json:"signame"`
	Code            *int   `json:"code,omitempty"`
	Codename        string `json:"codename,omitempty"`
	FaultingAddress string `json:"faulting_address,omitempty"`
}

// ProcInfo identifies the crashing process.
type ProcInfo struct {
	PID int `json:"pid"`
}

// Span is an id active at crash time.
type Span struct {
	ID         string `json:"id"`
	ThreadName string `json:"thread_name,omitempty"`
}

// Metadata identifies the library that installed the crash tracker.
type Metadata struct {
	LibraryName    string   `json:"profiling_library_name"`
	LibraryVersion string   `json:"profiling_library_version"`
	Family         string   `json:"family"`
	Tags           []string `json:"tags,omitempty"`
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	out.Tags = append([]string(nil), m.Tags...)
	return &out
}

// CrashInfo is a crash report.
type CrashInfo struct {
	UUID                  string                  `json:"uuid"`
	Timestamp             *time.Time              `json:"timestamp,omitempty"`
	Incomplete            bool                    `json:"incomplete"`
	Message               string                  `json:"message,omitempty"`
	SigInfo               *SigInfo                `json:"siginfo,omitempty"`
	ProcInfo              *ProcInfo               `json:"proc_info,omitempty"`
	ProcessStats          *ProcessStats           `json:"process_stats,omitempty"`
	Stacktrace            []StackFrame            `json:"stacktrace,omitempty"`
	AdditionalStacktraces map[string][]StackFrame `json:"additional_stacktraces,omitempty"`
	Counters              map[string]int64        `json:"counters,omitempty"`
	Files                 map[string][]string     `json:"files,omitempty"`
	Tags                  map[string]string       `json:"tags,omitempty"`
	SpanIDs               []Span                  `json:"span_ids,omitempty"`
	TraceIDs              []Span                  `json:"trace_ids,omitempty"`
	Metadata              *Metadata               `json:"metadata,omitempty"`
	OSInfo                *OSInfo                 `json:"os_info,omitempty"`
	LogMessages           []string                `json:"log_messages,omitempty"`
	Ucontext              string                  `json:"ucontext,omitempty"`

	stacktraceSet bool
}

// New opens an empty report with a fresh uuid.
func New() *CrashInfo {
	return &CrashInfo{UUID: uuid.NewString()}
}

// CrashSeen reports whether the stream identified a terminating signal.
func (c *CrashInfo) CrashSeen() bool {
	return c.SigInfo != nil
}

// HasData reports whether anything beyond the uuid was recorded.
func (c *CrashInfo) HasData() bool {
	return c.SigInfo != nil || c.ProcInfo != nil || c.Metadata != nil ||
		c.Message != "" || c.Ucontext != "" || c.stacktraceSet ||
		len(c.Stacktrace) > 0 || len(c.AdditionalStacktraces) > 0 ||
		len(c.Counters) > 0 || len(c.Files) > 0 || len(c.Tags) > 0 ||
		len(c.SpanIDs) > 0 || len(c.TraceIDs) > 0
}

// SetSigInfo records the terminating signal.
func (c *CrashInfo) SetSigInfo(si SigInfo) error {
	if c.SigInfo != nil {
		return fmt.Errorf("siginfo: %w", ErrAlreadySet)
	}
	c.SigInfo = &si
	return nil
}

// SetProcInfo records the crashing process.
func (c *CrashInfo) SetProcInfo(pi ProcInfo) error {
	if c.ProcInfo != nil {
		return fmt.Errorf("proc_info: %w", ErrAlreadySet)
	}
	c.ProcInfo = &pi
	return nil
}

// SetProcessStats records a resource snapshot of the crashing process.
func (c *CrashInfo) SetProcessStats(ps ProcessStats) error {
	if c.ProcessStats != nil {
		return fmt.Errorf("process_stats: %w", ErrAlreadySet)
	}
	c.ProcessStats = &ps
	return nil
}

// SetMetadata records the library metadata.
func (c *CrashInfo) SetMetadata(md Metadata) error {
	if c.Metadata != nil {
		return fmt.Errorf("metadata: %w", ErrAlreadySet)
	}
	c.Metadata = md.Clone()
	return nil
}

// SetOSInfo records the host description.
func (c *CrashInfo) SetOSInfo(info OSInfo) error {
	if c.OSInfo != nil {
		return fmt.Errorf("os_info: %w", ErrAlreadySet)
	}
	c.OSInfo = &info
	return nil
}

// SetTimestamp records when the crash was observed.
func (c *CrashInfo) SetTimestamp(ts time.Time) error {
	if c.Timestamp != nil {
		return fmt.Errorf("timestamp: %w", ErrAlreadySet)
	}
	ts = ts.UTC()
	c.Timestamp = &ts
	return nil
}

// SetMessage records the human readable crash message.
func (c *CrashInfo) SetMessage(msg string) error {
	if c.Message != "" {
		return fmt.Errorf("message: %w", ErrAlreadySet)
	}
	c.Message = toValidUTF8(msg)
	return nil
}

// SetUcontext records the register context text.
func (c *CrashInfo) SetUcontext(text string) error {
	if c.Ucontext != "" {
		return fmt.Errorf("ucontext: %w", ErrAlreadySet)
	}
	c.Ucontext = toValidUTF8(text)
	return nil
}

// SetStacktrace records the primary stack trace.
func (c *CrashInfo) SetStacktrace(frames []StackFrame) error {
	if c.stacktraceSet {
		return fmt.Errorf("stacktrace: %w", ErrAlreadySet)
	}
	c.Stacktrace = frames
	c.stacktraceSet = true
	return nil
}

// HasStacktrace reports whether the primary stack trace was recorded.
func (c *CrashInfo) HasStacktrace() bool {
	return c.stacktraceSet || len(c.Stacktrace) > 0
}

// AddStacktrace records a named additional stack trace.
func (c *CrashInfo) AddStacktrace(name string, frames []StackFrame) error {
	if c.AdditionalStacktraces == nil {
		c.AdditionalStacktraces = make(map[string][]StackFrame)
	}
	if _, ok := c.AdditionalStacktraces[name]; ok {
		return fmt.Errorf("stacktrace %q: %w", name, ErrDuplicateKey)
	}
	c.AdditionalStacktraces[name] = frames
	return nil
}

// AddCounter records an operation counter value.
func (c *CrashInfo) AddCounter(name string, value int64) error {
	if c.Counters == nil {
		c.Counters = make(map[string]int64)
	}
	if _, ok := c.Counters[name]; ok {
		return fmt.Errorf("counter %q: %w", name, ErrDuplicateKey)
	}
	c.Counters[name] = value
	return nil
}

// AddFile records the lines of an embedded file.
func (c *CrashInfo) AddFile(path string, lines []string) error {
	if c.Files == nil {
		c.Files = make(map[string][]string)
	}
	if _, ok := c.Files[path]; ok {
		return fmt.Errorf("file %q: %w", path, ErrDuplicateKey)
	}
	clean := make([]string, len(lines))
	for i, l := range lines {
		clean[i] = toValidUTF8(l)
	}
	c.Files[path] = clean
	return nil
}

// AddFileFromDisk reads path and records its lines.
func (c *CrashInfo) AddFileFromDisk(path string) error {
	lines, err := fsutil.ReadLines(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return c.AddFile(path, lines)
}

// AddTag records a tag. Later values for the same key win.
func (c *CrashInfo) AddTag(key, value string) {
	if c.Tags == nil {
		c.Tags = make(map[string]string)
	}
	c.Tags[key] = toValidUTF8(value)
}

// AddSpanIDs appends active span ids.
func (c *CrashInfo) AddSpanIDs(ids []Span) {
	c.SpanIDs = append(c.SpanIDs, ids...)
}

// AddTraceIDs appends active trace ids.
func (c *CrashInfo) AddTraceIDs(ids []Span) {
	c.TraceIDs = append(c.TraceIDs, ids...)
}

// AddLogMessage appends a diagnostic message about report assembly.
func (c *CrashInfo) AddLogMessage(format string, args ...any) {
	c.LogMessages = append(c.LogMessages, toValidUTF8(fmt.Sprintf(format, args...)))
}

// Clone returns a deep copy of the report.
func (c *CrashInfo) Clone() *CrashInfo {
	out := *c
	if c.Timestamp != nil {
		ts := *c.Timestamp
		out.Timestamp = &ts
	}
	if c.SigInfo != nil {
		si := *c.SigInfo
		if si.Code != nil {
			code := *si.Code
			si.Code = &code
		}
		out.SigInfo = &si
	}
	if c.ProcInfo != nil {
		pi := *c.ProcInfo
		out.ProcInfo = &pi
	}
	if c.ProcessStats != nil {
		ps := *c.ProcessStats
		out.ProcessStats = &ps
	}
	if c.OSInfo != nil {
		oi := *c.OSInfo
		out.OSInfo = &oi
	}
	out.Metadata = c.Metadata.Clone()
	out.Stacktrace = cloneFrames(c.Stacktrace)
	if c.AdditionalStacktraces != nil {
		out.AdditionalStacktraces = make(map[string][]StackFrame, len(c.AdditionalStacktraces))
		for k, v := range c.AdditionalStacktraces {
			out.AdditionalStacktraces[k] = cloneFrames(v)
		}
	}
	if c.Counters != nil {
		out.Counters = make(map[string]int64, len(c.Counters))
		for k, v := range c.Counters {
			out.Counters[k] = v
		}
	}
	if c.Files != nil {
		out.Files = make(map[string][]string, len(c.Files))
		for k, v := range c.Files {
			out.Files[k] = append([]string(nil), v...)
		}
	}
	if c.Tags != nil {
		out.Tags = make(map[string]string, len(c.Tags))
		for k, v := range c.Tags {
			out.Tags[k] = v
		}
	}
	out.SpanIDs = append([]Span(nil), c.SpanIDs...)
	out.TraceIDs = append([]Span(nil), c.TraceIDs...)
	out.LogMessages = append([]string(nil), c.LogMessages...)
	return &out
}

// AllFrames calls fn for every frame of every stack trace.
func (c *CrashInfo) AllFrames(fn func(*StackFrame)) {
	for i := range c.Stacktrace {
		fn(&c.Stacktrace[i])
	}
	names := make([]string, 0, len(c.AdditionalStacktraces))
	for name := range c.AdditionalStacktraces {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		frames := c.AdditionalStacktraces[name]
		for i := range frames {
			fn(&frames[i])
		}
	}
}

// MarshalIndent renders the report as indented JSON.
func (c *CrashInfo) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Decode parses a JSON report.
func Decode(data []byte) (*CrashInfo, error) {
	var c CrashInfo
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding crash report: %w", err)
	}
	c.stacktraceSet = len(c.Stacktrace) > 0
	return &c, nil
}

// ReadFile loads a JSON report from disk.
func ReadFile(path string) (*CrashInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading crash report: %w", err)
	}
	return Decode(data)
}

// WriteFile writes the report as JSON, atomically replacing path.
func (c *CrashInfo) WriteFile(path string) error {
	data, err := c.MarshalIndent()
	if err != nil {
		return fmt.Errorf("encoding crash report: %w", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing crash report: %w", err)
	}
	return nil
}

func toValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}
