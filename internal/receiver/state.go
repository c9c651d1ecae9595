package receiver

import (
	"fmt"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
)

// StateKind is the section the parser is in.
type StateKind int

const (
	Waiting StateKind = iota
	Config
	Counters
	File
	Message
	Metadata
	ProcInfo
	SigInfo
	SpanIDs
	StackTrace
	Tags
	TraceIDs
	Ucontext
	// RuntimeCrash collects a traceback the Go runtime wrote into the
	// channel when the process died outside the collector.
	RuntimeCrash
	Done
)

var stateNames = [...]string{
	Waiting:      "Waiting",
	Config:       "Config",
	Counters:     "Counters",
	File:         "File",
	Message:      "Message",
	Metadata:     "Metadata",
	ProcInfo:     "ProcInfo",
	SigInfo:      "SigInfo",
	SpanIDs:      "SpanIds",
	StackTrace:   "StackTrace",
	Tags:         "Tags",
	TraceIDs:     "TraceIds",
	Ucontext:     "Ucontext",
	RuntimeCrash: "RuntimeCrash",
	Done:         "Done",
}

func (k StateKind) String() string {
	if k < 0 || int(k) >= len(stateNames) {
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
	return stateNames[k]
}

// State is the parser position. File, StackTrace, Ucontext and
// RuntimeCrash accumulate their body until the section closes.
type State struct {
	Kind   StateKind
	Name   string
	Lines  []string
	Frames []crashinfo.StackFrame
}

func (s State) String() string {
	switch s.Kind {
	case File:
		return fmt.Sprintf("File(%s, lines=%d)", s.Name, len(s.Lines))
	case StackTrace:
		return fmt.Sprintf("StackTrace(frames=%d)", len(s.Frames))
	case Ucontext, RuntimeCrash:
		return fmt.Sprintf("%s(lines=%d)", s.Kind, len(s.Lines))
	}
	return s.Kind.String()
}

var sectionStates = map[protocol.Section]StateKind{
	protocol.SectionConfig:     Config,
	protocol.SectionCounters:   Counters,
	protocol.SectionFile:       File,
	protocol.SectionMessage:    Message,
	protocol.SectionMetadata:   Metadata,
	protocol.SectionProcInfo:   ProcInfo,
	protocol.SectionSigInfo:    SigInfo,
	protocol.SectionSpanIDs:    SpanIDs,
	protocol.SectionStackTrace: StackTrace,
	protocol.SectionTags:       Tags,
	protocol.SectionTraceIDs:   TraceIDs,
	protocol.SectionUcontext:   Ucontext,
}

var stateSections = func() map[StateKind]protocol.Section {
	out := make(map[StateKind]protocol.Section, len(sectionStates))
	for s, k := range sectionStates {
		out[k] = s
	}
	return out
}()
