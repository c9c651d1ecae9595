package receiver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/logging"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/signals"
)

const (
	maxLoggedLine = 256
	abortSignal   = syscall.SIGABRT
)

// parser is the line state machine. It never fails: a line it cannot use
// is recorded in the report's log messages and skipped.
type parser struct {
	report *crashinfo.CrashInfo
	config *config.CrashtrackerConfiguration
	state  State
	opened bool

	logger    *logging.Logger
	now       func() time.Time
	onProcess func(pid int)
	maps      []Mapping

	malformed  int
	unexpected int
}

func newParser(logger *logging.Logger) *parser {
	return &parser{
		report: crashinfo.New(),
		logger: logger,
		now:    time.Now,
	}
}

// feed consumes one line and reports whether the stream is complete.
func (p *parser) feed(line string) bool {
	line = strings.ToValidUTF8(strings.TrimSuffix(line, "\r"), "�")
	if err := p.process(line); err != nil {
		p.malformed++
		p.note("%v", err)
		p.logger.Warn("skipping malformed line", "state", p.state.String(), "error", err)
	}
	return p.state.Kind == Done
}

// note records a message in the report.
func (p *parser) note(format string, args ...any) {
	p.report.AddLogMessage(format, args...)
}

func (p *parser) process(line string) error {
	switch p.state.Kind {
	case Done:
		return nil
	case Waiting:
		p.waiting(line)
		return nil
	case RuntimeCrash:
		p.state.Lines = append(p.state.Lines, line)
		return nil
	case File:
		if protocol.SectionFile.IsEnd(line) {
			return p.close()
		}
		p.state.Lines = append(p.state.Lines, line)
		return nil
	}

	sec := stateSections[p.state.Kind]
	if sec.IsEnd(line) {
		return p.close()
	}
	if _, ok := protocol.SectionForBegin(line); ok || protocol.IsDone(line) {
		// The end marker was lost. Keep what was gathered and start over.
		err := core.ErrProtocol(core.CodeMalformedLine,
			fmt.Sprintf("%s section not closed before %q", p.state.Kind, truncate(line)))
		if cerr := p.close(); cerr != nil {
			p.note("%v", cerr)
		}
		p.waiting(line)
		return err
	}
	return p.body(line)
}

func (p *parser) waiting(line string) {
	if protocol.IsDone(line) {
		p.opened = true
		p.state = State{Kind: Done}
		return
	}
	if sec, ok := protocol.SectionForBegin(line); ok {
		p.opened = true
		p.state = State{Kind: sectionStates[sec]}
		if sec == protocol.SectionFile {
			p.state.Name = protocol.ParseFileBegin(line)
		}
		return
	}
	if isRuntimeCrashStart(line) {
		p.opened = true
		p.state = State{Kind: RuntimeCrash, Lines: []string{line}}
		_ = p.report.SetTimestamp(p.now())
		return
	}
	if strings.TrimSpace(line) == "" {
		return
	}
	p.unexpected++
	p.note("unexpected line while receiving crash report: %q", truncate(line))
	p.logger.Debug("unexpected line", "line", truncate(line))
}

// body handles one line inside a section.
func (p *parser) body(line string) error {
	switch p.state.Kind {
	case Config:
		var cfg config.CrashtrackerConfiguration
		if err := json.Unmarshal([]byte(line), &cfg); err != nil {
			// The config carries credentials; never echo the line.
			return malformed("config", err)
		}
		if p.config != nil {
			p.logger.Warn("duplicate config section")
			return core.ErrProtocol(core.CodeDuplicateField, "config sent twice")
		}
		p.config = &cfg

	case Counters:
		var m map[string]int64
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return malformed(line, err)
		}
		if len(m) != 1 {
			return core.ErrProtocol(core.CodeMalformedLine, fmt.Sprintf("counter line %q must hold one entry", truncate(line)))
		}
		for k, v := range m {
			if err := p.report.AddCounter(k, v); err != nil {
				return core.ErrProtocol(core.CodeDuplicateField, "counter "+k).WithCause(err)
			}
		}

	case Message:
		var msg string
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			msg = line
		}
		if err := p.report.SetMessage(msg); err != nil {
			return core.ErrProtocol(core.CodeDuplicateField, "message").WithCause(err)
		}

	case Metadata:
		var md crashinfo.Metadata
		if err := json.Unmarshal([]byte(line), &md); err != nil {
			return malformed(line, err)
		}
		if err := p.report.SetMetadata(md); err != nil {
			return core.ErrProtocol(core.CodeDuplicateField, "metadata").WithCause(err)
		}

	case ProcInfo:
		var pi crashinfo.ProcInfo
		if err := json.Unmarshal([]byte(line), &pi); err != nil {
			return malformed(line, err)
		}
		if err := p.report.SetProcInfo(pi); err != nil {
			return core.ErrProtocol(core.CodeDuplicateField, "proc_info").WithCause(err)
		}
		if p.onProcess != nil && pi.PID > 0 {
			p.onProcess(pi.PID)
		}

	case SigInfo:
		var si crashinfo.SigInfo
		if err := json.Unmarshal([]byte(line), &si); err != nil {
			return malformed(line, err)
		}
		if si.Signame == "" {
			si.Signame = signals.Name(si.Signum)
		}
		if err := p.report.SetSigInfo(si); err != nil {
			return core.ErrProtocol(core.CodeDuplicateField, "siginfo").WithCause(err)
		}
		_ = p.report.SetTimestamp(p.now())

	case SpanIDs, TraceIDs:
		ids, err := parseIDs(line)
		if err != nil {
			return malformed(line, err)
		}
		if p.state.Kind == SpanIDs {
			p.report.AddSpanIDs(ids)
		} else {
			p.report.AddTraceIDs(ids)
		}

	case Tags:
		var tags map[string]string
		if err := json.Unmarshal([]byte(line), &tags); err != nil {
			return malformed(line, err)
		}
		for k, v := range tags {
			p.report.AddTag(k, v)
		}

	case StackTrace:
		var f crashinfo.StackFrame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			return malformed(line, err)
		}
		p.state.Frames = append(p.state.Frames, f)

	case Ucontext:
		p.state.Lines = append(p.state.Lines, line)
	}
	return nil
}

// close flushes the open section into the report and returns to Waiting.
func (p *parser) close() error {
	st := p.state
	p.state = State{Kind: Waiting}
	return p.flush(st)
}

func (p *parser) flush(st State) error {
	switch st.Kind {
	case File:
		if st.Name == protocol.GoroutineDump {
			err := p.addGoroutineDump(st.Lines)
			if err == nil {
				return nil
			}
			p.note("parsing goroutine dump: %v", err)
		}
		if err := p.report.AddFile(st.Name, st.Lines); err != nil {
			return core.ErrProtocol(core.CodeDuplicateField, "file "+st.Name).WithCause(err)
		}
	case StackTrace:
		if err := p.report.SetStacktrace(st.Frames); err != nil {
			return core.ErrProtocol(core.CodeDuplicateField, "stacktrace").WithCause(err)
		}
	case Ucontext:
		if err := p.report.SetUcontext(strings.Join(st.Lines, "\n")); err != nil {
			return core.ErrProtocol(core.CodeDuplicateField, "ucontext").WithCause(err)
		}
	case RuntimeCrash:
		p.addRuntimeCrash(st.Lines)
	}
	return nil
}

// finish salvages the section the stream stopped in. The state itself is
// left as is so the outcome can name it.
func (p *parser) finish() {
	switch p.state.Kind {
	case File, StackTrace, Ucontext, RuntimeCrash:
		if err := p.flush(p.state); err != nil {
			p.note("%v", err)
		}
	}
}

func (p *parser) addGoroutineDump(lines []string) error {
	traces, err := parseGoroutines(strings.Join(lines, "\n"))
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		return fmt.Errorf("no goroutines found")
	}
	for _, g := range traces {
		if err := p.report.AddStacktrace(g.name(), g.Frames); err != nil {
			p.note("goroutine %d: %v", g.ID, err)
		}
	}
	return nil
}

var (
	runtimeCrashPrefixes = []string{"panic: ", "fatal error: ", "unexpected fault address ", "runtime: "}
	signalHeader         = regexp.MustCompile(`^(SIG[A-Z0-9]+): `)
	bracketSignal        = regexp.MustCompile(`^\[signal (SIG[A-Z0-9]+)(?:: [^=\]]*)?(?: code=(\S+))?(?: addr=(\S+))?(?: pc=(\S+))?\]`)
	sigcodeField         = regexp.MustCompile(`sigcode=(-?\d+)`)
	addrField            = regexp.MustCompile(`addr=(0x[0-9a-fA-F]+)`)
)

func isRuntimeCrashStart(line string) bool {
	for _, p := range runtimeCrashPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return signalHeader.MatchString(line)
}

// addRuntimeCrash extracts what it can from a Go runtime traceback.
func (p *parser) addRuntimeCrash(lines []string) {
	var si *crashinfo.SigInfo
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "panic: ") && p.report.Message == "":
			_ = p.report.SetMessage(strings.TrimPrefix(line, "panic: "))
		case strings.HasPrefix(line, "fatal error: ") && p.report.Message == "":
			_ = p.report.SetMessage(strings.TrimPrefix(line, "fatal error: "))
		}
		if si != nil {
			continue
		}
		if m := bracketSignal.FindStringSubmatch(line); m != nil {
			si = sigInfoFromRuntime(m[1], m[2], m[3])
			continue
		}
		if m := signalHeader.FindStringSubmatch(line); m != nil {
			var code, addr string
			if i+1 < len(lines) {
				if c := sigcodeField.FindStringSubmatch(lines[i+1]); c != nil {
					code = c[1]
				}
				if a := addrField.FindStringSubmatch(lines[i+1]); a != nil {
					addr = a[1]
				}
			}
			si = sigInfoFromRuntime(m[1], code, addr)
		}
	}
	if si == nil && p.report.SigInfo == nil {
		si = &crashinfo.SigInfo{Signum: int(abortSignal), Signame: signals.Name(int(abortSignal))}
	}
	if si != nil && p.report.SigInfo == nil {
		_ = p.report.SetSigInfo(*si)
	}

	traces, err := parseGoroutines(strings.Join(lines, "\n"))
	if err != nil {
		p.note("parsing runtime traceback: %v", err)
		return
	}
	for i, g := range traces {
		if (g.First || i == 0) && !p.report.HasStacktrace() {
			_ = p.report.SetStacktrace(g.Frames)
			continue
		}
		if err := p.report.AddStacktrace(g.name(), g.Frames); err != nil {
			p.note("goroutine %d: %v", g.ID, err)
		}
	}
}

func sigInfoFromRuntime(name, code, addr string) *crashinfo.SigInfo {
	num, _ := signals.Lookup(name)
	si := &crashinfo.SigInfo{Signum: num, Signame: name}
	if code != "" {
		if c, err := strconv.ParseInt(code, 0, 64); err == nil {
			ci := int(c)
			si.Code = &ci
			si.Codename = signals.CodeName(num, ci)
		}
	}
	if addr != "" && signals.HasFaultAddress(num) {
		if a, err := crashinfo.ParseAddr(addr); err == nil {
			si.FaultingAddress = a.String()
		}
	}
	return si
}

// parseIDs accepts [{"id": "123"}, ...] and the older bare [123, ...].
func parseIDs(line string) ([]crashinfo.Span, error) {
	var spans []crashinfo.Span
	if err := json.Unmarshal([]byte(line), &spans); err == nil {
		return spans, nil
	}
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var nums []json.Number
	if err := dec.Decode(&nums); err != nil {
		return nil, err
	}
	out := make([]crashinfo.Span, len(nums))
	for i, n := range nums {
		out[i] = crashinfo.Span{ID: n.String()}
	}
	return out, nil
}

func malformed(line string, err error) error {
	return core.ErrProtocol(core.CodeMalformedLine, fmt.Sprintf("cannot decode %q", truncate(line))).WithCause(err)
}

func truncate(s string) string {
	if len(s) <= maxLoggedLine {
		return s
	}
	return strings.ToValidUTF8(s[:maxLoggedLine], "") + "..."
}
