package crashinfo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Addr is a raw address. It serializes as a hex string and is omitted, or
// decoded from null, when unknown.
type Addr uint64

// MarshalJSON renders the address as "0x..." hex.
func (a Addr) MarshalJSON() ([]byte, error) {
	if a == 0 {
		return []byte("null"), nil
	}
	return []byte(`"0x` + strconv.FormatUint(uint64(a), 16) + `"`), nil
}

// UnmarshalJSON accepts hex strings, decimal numbers and null.
func (a *Addr) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*a = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		v, err := ParseAddr(str)
		if err != nil {
			return err
		}
		*a = v
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("address %s: %w", s, err)
	}
	*a = Addr(v)
	return nil
}

// String returns the hex form, or "" for an unknown address.
func (a Addr) String() string {
	if a == 0 {
		return ""
	}
	return "0x" + strconv.FormatUint(uint64(a), 16)
}

// ParseAddr parses "0x..." hex (or bare hex digits). The empty string is 0.
func ParseAddr(s string) (Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing address %q: %w", s, err)
	}
	return Addr(v), nil
}

// StackFrame is one frame of a captured stack.
type StackFrame struct {
	IP                Addr               `json:"ip,omitempty"`
	ModuleBaseAddress Addr               `json:"module_base_address,omitempty"`
	SP                Addr               `json:"sp,omitempty"`
	SymbolAddress     Addr               `json:"symbol_address,omitempty"`
	Names             []StackFrameNames  `json:"names,omitempty"`
	NormalizedIP      *NormalizedAddress `json:"normalized_ip,omitempty"`
}

// StackFrameNames is one resolved symbol for a frame. Inlined calls give a
// frame several names, innermost first.
type StackFrameNames struct {
	Name     string  `json:"name"`
	Filename string  `json:"filename"`
	Lineno   *uint32 `json:"lineno,omitempty"`
	Colno    *uint32 `json:"colno,omitempty"`
}

// Module kinds for NormalizedAddress.
const (
	ModuleELF     = "elf"
	ModulePDB     = "pdb"
	ModuleUnknown = "unknown"
)

// NormalizedAddress is an address relative to the binary that owns it.
type NormalizedAddress struct {
	FileOffset uint64     `json:"file_offset"`
	Meta       ModuleMeta `json:"meta"`
}

// ModuleMeta identifies the binary an address belongs to: an ELF object by
// build id and path, a PE image by PDB guid and age, or nothing.
type ModuleMeta struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	BuildID string `json:"build_id,omitempty"`
	GUID    string `json:"guid,omitempty"`
	Age     uint32 `json:"age,omitempty"`
}

// UnmarshalJSON decodes the current form and upgrades the legacy flat
// ELF-only form {"file_offset", "build_id", "path"}.
func (n *NormalizedAddress) UnmarshalJSON(data []byte) error {
	var aux struct {
		FileOffset uint64      `json:"file_offset"`
		Meta       *ModuleMeta `json:"meta"`
		BuildID    string      `json:"build_id"`
		Path       string      `json:"path"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	n.FileOffset = aux.FileOffset
	switch {
	case aux.Meta != nil:
		n.Meta = *aux.Meta
		if n.Meta.Type == "" {
			n.Meta.Type = ModuleUnknown
		}
	case aux.BuildID != "" || aux.Path != "":
		n.Meta = ModuleMeta{Type: ModuleELF, Path: aux.Path, BuildID: aux.BuildID}
	default:
		n.Meta = ModuleMeta{Type: ModuleUnknown}
	}
	return nil
}

// ELFAddress builds a normalized address inside an ELF object.
func ELFAddress(offset uint64, path, buildID string) *NormalizedAddress {
	return &NormalizedAddress{
		FileOffset: offset,
		Meta:       ModuleMeta{Type: ModuleELF, Path: path, BuildID: buildID},
	}
}

// Uint32 returns a pointer to v, for optional line and column numbers.
func Uint32(v uint32) *uint32 {
	return &v
}

// FunctionName returns the innermost resolved name of the frame.
func (f StackFrame) FunctionName() string {
	if len(f.Names) == 0 {
		return ""
	}
	return f.Names[0].Name
}

func cloneFrames(in []StackFrame) []StackFrame {
	if in == nil {
		return nil
	}
	out := make([]StackFrame, len(in))
	for i, f := range in {
		out[i] = f
		if f.Names != nil {
			out[i].Names = make([]StackFrameNames, len(f.Names))
			for j, n := range f.Names {
				out[i].Names[j] = n
				if n.Lineno != nil {
					out[i].Names[j].Lineno = Uint32(*n.Lineno)
				}
				if n.Colno != nil {
					out[i].Names[j].Colno = Uint32(*n.Colno)
				}
			}
		}
		if f.NormalizedIP != nil {
			ni := *f.NormalizedIP
			out[i].NormalizedIP = &ni
		}
	}
	return out
}
