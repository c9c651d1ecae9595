package protocol

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const markerPrefix = "DD_CRASHTRACK_"

// Done terminates a fully transmitted report.
const Done = markerPrefix + "DONE"

// DefaultReceiverTimeout bounds how long a receiver waits for the rest of a
// report once the first line has arrived.
const DefaultReceiverTimeout = 4000 * time.Millisecond

// ReceiverTimeoutEnv overrides DefaultReceiverTimeout, in milliseconds.
const ReceiverTimeoutEnv = "DD_CRASHTRACKER_RECEIVER_TIMEOUT_MS"

// CrashingPIDEnv tells a spawned receiver the pid of the process it serves.
const CrashingPIDEnv = "DD_CRASHTRACKER_CRASHING_PID"

// MetadataEnv carries the METADATA JSON to a spawned receiver, for crashes
// the Go runtime reports on its own.
const MetadataEnv = "DD_CRASHTRACKER_METADATA"

// Section identifies a begin/end delimited block of the stream.
type Section int

// Sections in the order the collector writes them.
const (
	SectionMetadata Section = iota
	SectionConfig
	SectionMessage
	SectionSigInfo
	SectionUcontext
	SectionProcInfo
	SectionCounters
	SectionSpanIDs
	SectionTraceIDs
	SectionTags
	SectionFile
	SectionStackTrace

	numSections
)

var sectionNames = [numSections]string{
	SectionMetadata:   "METADATA",
	SectionConfig:     "CONFIG",
	SectionMessage:    "MESSAGE",
	SectionSigInfo:    "SIGINFO",
	SectionUcontext:   "UCONTEXT",
	SectionProcInfo:   "PROCINFO",
	SectionCounters:   "COUNTERS",
	SectionSpanIDs:    "SPAN_IDS",
	SectionTraceIDs:   "TRACE_IDS",
	SectionTags:       "TAGS",
	SectionFile:       "FILE",
	SectionStackTrace: "STACKTRACE",
}

var (
	beginMarkers [numSections]string
	endMarkers   [numSections]string
)

func init() {
	for i, name := range sectionNames {
		beginMarkers[i] = markerPrefix + "BEGIN_" + name
		endMarkers[i] = markerPrefix + "END_" + name
	}
}

// Sections returns every section in wire order.
func Sections() []Section {
	out := make([]Section, 0, numSections)
	for s := Section(0); s < numSections; s++ {
		out = append(out, s)
	}
	return out
}

// Valid reports whether s is a known section.
func (s Section) Valid() bool {
	return s >= 0 && s < numSections
}

// String returns the section name as used in markers.
func (s Section) String() string {
	if !s.Valid() {
		return "UNKNOWN"
	}
	return sectionNames[s]
}

// Begin returns the marker line opening the section.
func (s Section) Begin() string {
	if !s.Valid() {
		return ""
	}
	return beginMarkers[s]
}

// End returns the marker line closing the section.
func (s Section) End() string {
	if !s.Valid() {
		return ""
	}
	return endMarkers[s]
}

// IsEnd reports whether line closes the section. File end markers carry a
// trailing quoted path, so only the prefix is compared.
func (s Section) IsEnd(line string) bool {
	end := s.End()
	if end == "" || !strings.HasPrefix(line, end) {
		return false
	}
	rest := line[len(end):]
	return rest == "" || rest[0] == ' '
}

// SectionForBegin returns the section opened by line.
func SectionForBegin(line string) (Section, bool) {
	if !strings.HasPrefix(line, markerPrefix+"BEGIN_") {
		return 0, false
	}
	for s := Section(0); s < numSections; s++ {
		b := beginMarkers[s]
		if !strings.HasPrefix(line, b) {
			continue
		}
		rest := line[len(b):]
		if rest == "" || rest[0] == ' ' {
			return s, true
		}
	}
	return 0, false
}

// IsMarker reports whether line looks like any protocol marker.
func IsMarker(line string) bool {
	return strings.HasPrefix(line, markerPrefix)
}

// IsDone reports whether line is the terminal marker.
func IsDone(line string) bool {
	return strings.TrimRight(line, " \r") == Done
}

// FileBegin returns the begin line for an embedded file.
func FileBegin(path string) string {
	return beginMarkers[SectionFile] + " " + path
}

// FileEnd returns the end line for an embedded file.
func FileEnd(path string) string {
	return endMarkers[SectionFile] + " " + strconv.Quote(path)
}

// ParseFileBegin extracts the path from a file begin line. A begin line
// without a path yields MissingFilename.
func ParseFileBegin(line string) string {
	_, path, ok := strings.Cut(line, " ")
	if !ok || path == "" {
		return MissingFilename
	}
	return path
}

// MissingFilename names files whose begin marker carried no path.
const MissingFilename = "MISSING_FILENAME"

// GoroutineDump is the file name under which the collector streams the
// traceback of every goroutine.
const GoroutineDump = "goroutines"

// ReceiverTimeout resolves the receiver timeout from the environment.
// Absent, non-positive, unparsable or out of range (above math.MaxInt32)
// values fall back to the default.
func ReceiverTimeout(lookup func(string) (string, bool)) time.Duration {
	if lookup == nil {
		return DefaultReceiverTimeout
	}
	raw, ok := lookup(ReceiverTimeoutEnv)
	if !ok {
		return DefaultReceiverTimeout
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 || ms > math.MaxInt32 {
		return DefaultReceiverTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// CrashingPID reads CrashingPIDEnv. It returns 0 when the variable is
// absent or not a positive pid.
func CrashingPID(lookup func(string) (string, bool)) int {
	if lookup == nil {
		return 0
	}
	raw, ok := lookup(CrashingPIDEnv)
	if !ok {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
