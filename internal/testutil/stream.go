package testutil

import (
	"strings"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
)

// Stream builds a crash report stream the way a collector writes it.
type Stream struct {
	b strings.Builder
}

// NewStream returns an empty stream.
func NewStream() *Stream {
	return &Stream{}
}

// Section appends a section with one body line per entry.
func (s *Stream) Section(sec protocol.Section, lines ...string) *Stream {
	s.line(sec.Begin())
	for _, l := range lines {
		s.line(l)
	}
	s.line(sec.End())
	return s
}

// Open appends the begin marker and body of a section but not its end
// marker, as a collector that died mid-section leaves it.
func (s *Stream) Open(sec protocol.Section, lines ...string) *Stream {
	s.line(sec.Begin())
	for _, l := range lines {
		s.line(l)
	}
	return s
}

// File appends a FILE block for path.
func (s *Stream) File(path string, lines ...string) *Stream {
	s.line(protocol.FileBegin(path))
	for _, l := range lines {
		s.line(l)
	}
	s.line(protocol.FileEnd(path))
	return s
}

// Raw appends a line as is.
func (s *Stream) Raw(line string) *Stream {
	s.line(line)
	return s
}

// Done appends the end of stream marker.
func (s *Stream) Done() *Stream {
	s.line(protocol.Done)
	return s
}

func (s *Stream) String() string { return s.b.String() }

// Reader returns a reader over the stream.
func (s *Stream) Reader() *strings.Reader { return strings.NewReader(s.b.String()) }

func (s *Stream) line(l string) {
	s.b.WriteString(l)
	s.b.WriteByte('\n')
}
