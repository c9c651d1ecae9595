package collector

import (
	"runtime"
	"time"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/counters"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/signals"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/spans"
)

type emitter func(c *Collector, w *Writer, a *armed, info *SigInfo, p *panicReport) error

// Wire order.
var emitters = [...]emitter{
	(*Collector).emitMetadata,
	(*Collector).emitConfig,
	(*Collector).emitMessage,
	(*Collector).emitSigInfo,
	(*Collector).emitUcontext,
	(*Collector).emitProcInfo,
	(*Collector).emitCounters,
	(*Collector).emitSpanIDs,
	(*Collector).emitTraceIDs,
	(*Collector).emitTags,
	(*Collector).emitFiles,
	(*Collector).emitGoroutines,
	(*Collector).emitStackTrace,
}

// stream writes a whole report. A section that fails is skipped; once the
// deadline passes or the channel is gone nothing more is attempted.
func (c *Collector) stream(a *armed, info *SigInfo, p *panicReport) error {
	w := a.w
	w.SetDeadline(time.Now().Add(c.timeout))
	for _, emit := range emitters {
		if err := emit(c, w, a, info, p); err != nil && aborts(err) {
			return err
		}
	}
	if err := w.WriteString(protocol.Done); err != nil {
		return err
	}
	if err := w.Newline(); err != nil {
		return err
	}
	return w.Flush()
}

func marker(w *Writer, m string) error {
	if err := w.WriteString(m); err != nil {
		return err
	}
	return w.Newline()
}

// rawSection frames one line of pre-serialized JSON.
func rawSection(w *Writer, s protocol.Section, line []byte) error {
	if err := marker(w, s.Begin()); err != nil {
		return err
	}
	if err := w.WriteBytes(line); err != nil {
		return err
	}
	if err := w.Newline(); err != nil {
		return err
	}
	return marker(w, s.End())
}

func (c *Collector) emitMetadata(w *Writer, _ *armed, _ *SigInfo, _ *panicReport) error {
	return rawSection(w, protocol.SectionMetadata, c.metadataJSON)
}

func (c *Collector) emitConfig(w *Writer, _ *armed, _ *SigInfo, _ *panicReport) error {
	return rawSection(w, protocol.SectionConfig, c.configJSON)
}

func (c *Collector) emitTags(w *Writer, _ *armed, _ *SigInfo, _ *panicReport) error {
	return rawSection(w, protocol.SectionTags, c.tagsJSON)
}

func (c *Collector) emitMessage(w *Writer, _ *armed, _ *SigInfo, p *panicReport) error {
	if p == nil {
		return nil
	}
	if err := marker(w, protocol.SectionMessage.Begin()); err != nil {
		return err
	}
	if err := w.WriteJSONString(p.message); err != nil {
		return err
	}
	if err := w.Newline(); err != nil {
		return err
	}
	return marker(w, protocol.SectionMessage.End())
}

func (c *Collector) emitSigInfo(w *Writer, _ *armed, info *SigInfo, _ *panicReport) error {
	if err := marker(w, protocol.SectionSigInfo.Begin()); err != nil {
		return err
	}
	if err := w.WriteString(`{"signum": `); err != nil {
		return err
	}
	if err := w.WriteInt(int64(info.Signum)); err != nil {
		return err
	}
	if err := w.WriteString(`, "signame": "`); err != nil {
		return err
	}
	if err := w.WriteString(signals.Name(info.Signum)); err != nil {
		return err
	}
	if err := w.WriteString(`"`); err != nil {
		return err
	}
	if info.HasCode {
		if err := w.WriteString(`, "code": `); err != nil {
			return err
		}
		if err := w.WriteInt(int64(info.Code)); err != nil {
			return err
		}
		if err := w.WriteString(`, "codename": "`); err != nil {
			return err
		}
		if err := w.WriteString(signals.CodeName(info.Signum, info.Code)); err != nil {
			return err
		}
		if err := w.WriteString(`"`); err != nil {
			return err
		}
	}
	if info.HasAddr && signals.HasFaultAddress(info.Signum) {
		if err := w.WriteString(`, "faulting_address": "`); err != nil {
			return err
		}
		if err := w.WriteHex(uint64(info.Addr)); err != nil {
			return err
		}
		if err := w.WriteString(`"`); err != nil {
			return err
		}
	}
	if err := w.WriteString("}\n"); err != nil {
		return err
	}
	return marker(w, protocol.SectionSigInfo.End())
}

// emitUcontext describes the execution context. Register state is owned by
// the Go runtime, so the section carries the platform and, for panics, the
// header of the goroutine that panicked.
func (c *Collector) emitUcontext(w *Writer, _ *armed, _ *SigInfo, p *panicReport) error {
	if err := marker(w, protocol.SectionUcontext.Begin()); err != nil {
		return err
	}
	if err := marker(w, c.ucontext); err != nil {
		return err
	}
	if p != nil && p.header != "" {
		if err := marker(w, p.header); err != nil {
			return err
		}
	}
	return marker(w, protocol.SectionUcontext.End())
}

func (c *Collector) emitProcInfo(w *Writer, a *armed, _ *SigInfo, _ *panicReport) error {
	if err := marker(w, protocol.SectionProcInfo.Begin()); err != nil {
		return err
	}
	if err := w.WriteString(`{"pid": `); err != nil {
		return err
	}
	if err := w.WriteInt(a.pid); err != nil {
		return err
	}
	if err := w.WriteString("}\n"); err != nil {
		return err
	}
	return marker(w, protocol.SectionProcInfo.End())
}

func (c *Collector) emitCounters(w *Writer, _ *armed, _ *SigInfo, _ *panicReport) error {
	return counters.Emit(w)
}

func (c *Collector) emitSpanIDs(w *Writer, _ *armed, _ *SigInfo, _ *panicReport) error {
	return spans.ActiveSpans.Emit(w, protocol.SectionSpanIDs)
}

func (c *Collector) emitTraceIDs(w *Writer, _ *armed, _ *SigInfo, _ *panicReport) error {
	return spans.ActiveTraces.Emit(w, protocol.SectionTraceIDs)
}

func (c *Collector) emitFiles(w *Writer, a *armed, _ *SigInfo, _ *panicReport) error {
	for _, f := range a.files {
		if err := c.emitFile(w, f); err != nil && aborts(err) {
			return err
		}
	}
	return nil
}

// emitGoroutines streams the traceback of every goroutine as a file.
func (c *Collector) emitGoroutines(w *Writer, _ *armed, _ *SigInfo, _ *panicReport) error {
	n := runtime.Stack(c.stackBuf, true)
	if err := marker(w, goroutineBegin); err != nil {
		return err
	}
	if err := w.WriteBytes(c.stackBuf[:n]); err != nil {
		return err
	}
	if n > 0 && c.stackBuf[n-1] != '\n' {
		if err := w.Newline(); err != nil {
			return err
		}
	}
	return marker(w, goroutineEnd)
}

var (
	goroutineBegin = protocol.FileBegin(protocol.GoroutineDump)
	goroutineEnd   = protocol.FileEnd(protocol.GoroutineDump)
)

// emitStackTrace writes one JSON frame per line. A signal delivered through
// os/signal carries no interrupted context, so only panics have frames;
// the goroutine dump covers the rest.
func (c *Collector) emitStackTrace(w *Writer, _ *armed, _ *SigInfo, p *panicReport) error {
	mode := c.cfg.ResolveFrames
	if mode == config.Disabled {
		return nil
	}
	if err := marker(w, protocol.SectionStackTrace.Begin()); err != nil {
		return err
	}
	if p != nil {
		for _, pc := range p.pcs {
			if err := c.emitFrame(w, pc, mode == config.EnabledWithInprocessSymbols); err != nil {
				return err
			}
		}
	}
	return marker(w, protocol.SectionStackTrace.End())
}

func (c *Collector) emitFrame(w *Writer, pc uintptr, symbolize bool) error {
	if err := w.WriteString(`{"ip": "`); err != nil {
		return err
	}
	if err := w.WriteHex(uint64(pc)); err != nil {
		return err
	}
	if err := w.WriteString(`"`); err != nil {
		return err
	}
	if c.moduleBase != 0 {
		if err := w.WriteString(`, "module_base_address": "`); err != nil {
			return err
		}
		if err := w.WriteHex(c.moduleBase); err != nil {
			return err
		}
		if err := w.WriteString(`"`); err != nil {
			return err
		}
	}
	if symbolize {
		if fn := runtime.FuncForPC(pc - 1); fn != nil {
			file, line := fn.FileLine(pc - 1)
			if err := w.WriteString(`, "symbol_address": "`); err != nil {
				return err
			}
			if err := w.WriteHex(uint64(fn.Entry())); err != nil {
				return err
			}
			if err := w.WriteString(`", "names": [{"name": `); err != nil {
				return err
			}
			if err := w.WriteJSONString(fn.Name()); err != nil {
				return err
			}
			if err := w.WriteString(`, "filename": `); err != nil {
				return err
			}
			if err := w.WriteJSONString(file); err != nil {
				return err
			}
			if line > 0 {
				if err := w.WriteString(`, "lineno": `); err != nil {
					return err
				}
				if err := w.WriteInt(int64(line)); err != nil {
					return err
				}
			}
			if err := w.WriteString("}]"); err != nil {
				return err
			}
		}
	}
	return w.WriteString("}\n")
}
