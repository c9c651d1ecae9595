package receiver

import (
	"debug/elf"
	"debug/gosym"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/procfs"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
)

// Mapping is one file-backed region of a process address space.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
	Path   string
}

func (m Mapping) contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// ProcessMappings reads the file-backed mappings of a live process.
func ProcessMappings(pid int) ([]Mapping, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return nil, err
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, err
	}
	out := make([]Mapping, 0, len(maps))
	for _, m := range maps {
		if !strings.HasPrefix(m.Pathname, "/") {
			continue
		}
		out = append(out, Mapping{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: uint64(m.Offset),
			Path:   m.Pathname,
		})
	}
	return out, nil
}

// ParseMappings reads mappings from the text of a /proc/<pid>/maps file.
// Anonymous and pseudo mappings are skipped.
func ParseMappings(lines []string) []Mapping {
	var out []Mapping
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		start, err1 := strconv.ParseUint(lo, 16, 64)
		end, err2 := strconv.ParseUint(hi, 16, 64)
		off, err3 := strconv.ParseUint(fields[2], 16, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		out = append(out, Mapping{Start: start, End: end, Offset: off, Path: strings.Join(fields[5:], " ")})
	}
	return out
}

// Resolver normalizes and symbolizes frames against the binaries on disk.
// Loaded binaries are cached for the lifetime of the resolver.
type Resolver struct {
	mu      sync.Mutex
	modules map[string]*elfModule
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{modules: make(map[string]*elfModule)}
}

// Resolve fills normalized_ip for every frame inside a mapping, and names
// for frames that have none. Problems are recorded in the report's log
// messages; frames that cannot be resolved are left as they are.
func (r *Resolver) Resolve(report *crashinfo.CrashInfo, maps []Mapping) {
	if len(maps) == 0 {
		report.AddLogMessage("symbol resolution skipped: no memory mappings")
		return
	}
	failed := make(map[string]bool)
	unmapped := 0
	report.AllFrames(func(f *crashinfo.StackFrame) {
		ip := uint64(f.IP)
		if ip == 0 {
			return
		}
		m, ok := findMapping(maps, ip)
		if !ok {
			unmapped++
			return
		}
		mod, err := r.module(m.Path)
		if err != nil {
			if !failed[m.Path] {
				failed[m.Path] = true
				report.AddLogMessage("loading %s: %v", m.Path, err)
			}
			return
		}
		offset := ip - m.Start + m.Offset
		if f.NormalizedIP == nil {
			f.NormalizedIP = crashinfo.ELFAddress(offset, m.Path, mod.buildID)
		}
		if len(f.Names) > 0 {
			return
		}
		vaddr, ok := mod.vaddr(offset)
		if !ok {
			return
		}
		// ip is a return address; look up the call instruction.
		name, file, line, entry, ok := mod.lookup(vaddr - 1)
		if !ok {
			return
		}
		names := crashinfo.StackFrameNames{Name: name, Filename: file}
		if line > 0 {
			names.Lineno = crashinfo.Uint32(uint32(line))
		}
		f.Names = []crashinfo.StackFrameNames{names}
		if entry != 0 && f.SymbolAddress == 0 {
			f.SymbolAddress = crashinfo.Addr(ip - (vaddr - entry))
		}
	})
	if unmapped > 0 {
		report.AddLogMessage("%d frames outside any mapped file", unmapped)
	}
}

func findMapping(maps []Mapping, addr uint64) (Mapping, bool) {
	for _, m := range maps {
		if m.contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}

func (r *Resolver) module(path string) (*elfModule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.modules[path]; ok {
		return m, m.err
	}
	m := loadModule(path)
	r.modules[path] = m
	return m, m.err
}

type elfModule struct {
	buildID string
	loads   []elf.ProgHeader
	table   *gosym.Table
	symbols []elf.Symbol
	err     error
}

func loadModule(path string) *elfModule {
	m := &elfModule{}
	f, err := elf.Open(path)
	if err != nil {
		m.err = err
		return m
	}
	defer f.Close()

	m.buildID = buildID(f)
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			m.loads = append(m.loads, p.ProgHeader)
		}
	}
	m.table = goTable(f)
	if m.table == nil {
		syms, _ := f.Symbols()
		dyn, _ := f.DynamicSymbols()
		for _, s := range append(syms, dyn...) {
			if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Value != 0 {
				m.symbols = append(m.symbols, s)
			}
		}
		sort.Slice(m.symbols, func(i, j int) bool { return m.symbols[i].Value < m.symbols[j].Value })
	}
	return m
}

// vaddr maps a file offset to the link-time virtual address.
func (m *elfModule) vaddr(offset uint64) (uint64, bool) {
	for _, p := range m.loads {
		if offset >= p.Off && offset < p.Off+p.Filesz {
			return offset - p.Off + p.Vaddr, true
		}
	}
	return 0, false
}

func (m *elfModule) lookup(pc uint64) (name, file string, line int, entry uint64, ok bool) {
	if m.table != nil {
		file, line, fn := m.table.PCToLine(pc)
		if fn == nil {
			return "", "", 0, 0, false
		}
		return fn.Name, file, line, fn.Entry, true
	}
	i := sort.Search(len(m.symbols), func(i int) bool { return m.symbols[i].Value > pc }) - 1
	if i < 0 {
		return "", "", 0, 0, false
	}
	s := m.symbols[i]
	if s.Size != 0 && pc >= s.Value+s.Size {
		return "", "", 0, 0, false
	}
	return s.Name, "", 0, s.Value, true
}

func goTable(f *elf.File) *gosym.Table {
	pcln := f.Section(".gopclntab")
	text := f.Section(".text")
	if pcln == nil || text == nil {
		return nil
	}
	data, err := pcln.Data()
	if err != nil {
		return nil
	}
	var symtab []byte
	if s := f.Section(".gosymtab"); s != nil {
		symtab, _ = s.Data()
	}
	table, err := gosym.NewTable(symtab, gosym.NewLineTable(data, text.Addr))
	if err != nil {
		return nil
	}
	return table
}

// buildID returns the GNU build id, or the Go build id when the binary has
// no GNU note.
func buildID(f *elf.File) string {
	if id := noteDesc(f, ".note.gnu.build-id"); id != nil {
		return hex.EncodeToString(id)
	}
	if id := noteDesc(f, ".note.go.buildid"); id != nil {
		return string(id)
	}
	return ""
}

func noteDesc(f *elf.File, name string) []byte {
	s := f.Section(name)
	if s == nil {
		return nil
	}
	data, err := s.Data()
	if err != nil || len(data) < 12 {
		return nil
	}
	order := f.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	namesz := order.Uint32(data[0:4])
	descsz := order.Uint32(data[4:8])
	start := 12 + align4(namesz)
	if uint64(start)+uint64(descsz) > uint64(len(data)) {
		return nil
	}
	return data[start : start+descsz]
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// mappingsFromFiles looks for a maps file the collector attached.
func mappingsFromFiles(report *crashinfo.CrashInfo) []Mapping {
	for path, lines := range report.Files {
		if strings.HasPrefix(path, "/proc/") && strings.HasSuffix(path, "/maps") {
			return ParseMappings(lines)
		}
	}
	return nil
}

func (m Mapping) String() string {
	return fmt.Sprintf("%x-%x %x %s", m.Start, m.End, m.Offset, m.Path)
}
