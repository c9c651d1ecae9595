package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/store"
)

var (
	colorError = lipgloss.AdaptiveColor{Light: "#D32F2F", Dark: "#FF6B6B"}
	colorWarn  = lipgloss.AdaptiveColor{Light: "#F57C00", Dark: "#FFB74D"}
	colorMuted = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}
	colorTitle = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
)

type styles struct {
	title   lipgloss.Style
	section lipgloss.Style
	label   lipgloss.Style
	signal  lipgloss.Style
	warn    lipgloss.Style
	muted   lipgloss.Style
}

func newStyles(plain bool) styles {
	if plain {
		s := lipgloss.NewStyle()
		return styles{title: s, section: s, label: s, signal: s, warn: s, muted: s}
	}
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(colorTitle),
		section: lipgloss.NewStyle().Bold(true).MarginTop(1),
		label:   lipgloss.NewStyle().Foreground(colorMuted).Width(14),
		signal:  lipgloss.NewStyle().Bold(true).Foreground(colorError),
		warn:    lipgloss.NewStyle().Foreground(colorWarn),
		muted:   lipgloss.NewStyle().Foreground(colorMuted),
	}
}

// writeStructured renders v as indented JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so field names match the wire format.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
}

// renderReport prints a human summary of a report.
func renderReport(w io.Writer, r *crashinfo.CrashInfo, st styles, maxFrames int) {
	var b strings.Builder
	line := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s %s\n", st.label.Render(label), value)
	}

	b.WriteString(st.title.Render("Crash report "+r.UUID) + "\n")
	if r.Incomplete {
		b.WriteString(st.warn.Render("incomplete: the stream ended before DONE") + "\n")
	}
	if si := r.SigInfo; si != nil {
		sig := si.Signame
		if si.Codename != "" {
			sig += " (" + si.Codename + ")"
		}
		line("signal", st.signal.Render(sig))
		line("fault addr", si.FaultingAddress)
	}
	line("message", r.Message)
	if r.Timestamp != nil {
		line("time", r.Timestamp.Format(time.RFC3339)+" ("+humanize.Time(*r.Timestamp)+")")
	}
	if r.ProcInfo != nil {
		line("pid", fmt.Sprint(r.ProcInfo.PID))
	}
	if md := r.Metadata; md != nil {
		line("library", strings.TrimSpace(md.LibraryName+" "+md.LibraryVersion))
		line("family", md.Family)
	}
	if info := r.OSInfo; info != nil {
		line("os", strings.TrimSpace(info.OSType+" "+info.Version+" "+info.Architecture))
	}
	if ps := r.ProcessStats; ps != nil {
		line("executable", ps.Executable)
		if ps.RSSBytes > 0 {
			line("rss", humanize.IBytes(ps.RSSBytes))
		}
		if ps.NumThreads > 0 {
			line("threads", fmt.Sprint(ps.NumThreads))
		}
	}

	if len(r.Counters) > 0 {
		b.WriteString(st.section.Render("Counters") + "\n")
		for _, k := range sortedKeys(r.Counters) {
			fmt.Fprintf(&b, "  %s %d\n", st.label.Render(k), r.Counters[k])
		}
	}
	if len(r.SpanIDs) > 0 || len(r.TraceIDs) > 0 {
		b.WriteString(st.section.Render("Active ids") + "\n")
		line("spans", humanize.Comma(int64(len(r.SpanIDs))))
		line("traces", humanize.Comma(int64(len(r.TraceIDs))))
	}
	if len(r.Tags) > 0 {
		b.WriteString(st.section.Render("Tags") + "\n")
		for _, k := range sortedKeys(r.Tags) {
			fmt.Fprintf(&b, "  %s=%s\n", k, r.Tags[k])
		}
	}

	b.WriteString(st.section.Render("Stack trace") + "\n")
	writeFrames(&b, r.Stacktrace, st, maxFrames)
	for _, name := range sortedKeys(r.AdditionalStacktraces) {
		b.WriteString(st.section.Render(name) + "\n")
		writeFrames(&b, r.AdditionalStacktraces[name], st, maxFrames)
	}

	if len(r.Files) > 0 {
		b.WriteString(st.section.Render("Files") + "\n")
		for _, path := range sortedKeys(r.Files) {
			fmt.Fprintf(&b, "  %s %s\n", path, st.muted.Render(humanize.Comma(int64(len(r.Files[path])))+" lines"))
		}
	}
	if len(r.LogMessages) > 0 {
		b.WriteString(st.section.Render("Receiver log") + "\n")
		for _, m := range r.LogMessages {
			b.WriteString("  " + st.warn.Render(m) + "\n")
		}
	}
	_, _ = io.WriteString(w, b.String())
}

func writeFrames(b *strings.Builder, frames []crashinfo.StackFrame, st styles, maxFrames int) {
	if len(frames) == 0 {
		b.WriteString("  " + st.muted.Render("(none)") + "\n")
		return
	}
	for i, f := range frames {
		if maxFrames > 0 && i == maxFrames {
			fmt.Fprintf(b, "  %s\n", st.muted.Render(fmt.Sprintf("... %d more", len(frames)-i)))
			return
		}
		name := f.FunctionName()
		if name == "" {
			name = "??"
		}
		fmt.Fprintf(b, "  #%-3d %-18s %s\n", i, f.IP.String(), name)
		if len(f.Names) > 0 && f.Names[0].Filename != "" {
			loc := f.Names[0].Filename
			if f.Names[0].Lineno != nil {
				loc += fmt.Sprintf(":%d", *f.Names[0].Lineno)
			}
			fmt.Fprintf(b, "       %s\n", st.muted.Render(loc))
		}
	}
}

// renderSummaries prints one row per stored report.
func renderSummaries(w io.Writer, list []store.Summary, st styles) {
	if len(list) == 0 {
		fmt.Fprintln(w, st.muted.Render("no reports"))
		return
	}
	for _, s := range list {
		sig := s.Signame
		if sig == "" {
			sig = "-"
		}
		flag := ""
		if s.Incomplete {
			flag = st.warn.Render(" incomplete")
		}
		fmt.Fprintf(w, "%s  %-8s %-10s %s%s\n",
			s.UUID,
			st.signal.Render(sig),
			humanize.Time(s.ReceivedAt),
			strings.TrimSpace(s.Library+" "+s.Version),
			flag,
		)
		if s.Message != "" {
			fmt.Fprintf(w, "    %s\n", st.muted.Render(s.Message))
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
