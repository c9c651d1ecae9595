package uploader

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/fsutil"
)

const (
	spoolExt  = ".json"
	failedDir = "failed"
)

// Entry is a report waiting for delivery.
type Entry struct {
	Endpoint  *config.Endpoint     `json:"endpoint,omitempty"`
	Report    *crashinfo.CrashInfo `json:"report"`
	Attempts  int                  `json:"attempts"`
	LastError string               `json:"last_error,omitempty"`
	SpooledAt time.Time            `json:"spooled_at"`
}

// Spool is a directory of undelivered reports, one file per report named
// after its uuid.
type Spool struct {
	dir string
}

// NewSpool opens (and creates) a spool directory.
func NewSpool(dir string) (*Spool, error) {
	if dir == "" {
		return nil, core.ErrConfig(core.CodeInvalidConfig, "spool directory is empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// Path returns where the entry for uuid is kept.
func (s *Spool) Path(uuid string) string {
	return filepath.Join(s.dir, uuid+spoolExt)
}

// Put stores an entry, replacing any previous one for the same report.
func (s *Spool) Put(e *Entry) (string, error) {
	if e.Report == nil || e.Report.UUID == "" {
		return "", errors.New("spool entry without report uuid")
	}
	if e.SpooledAt.IsZero() {
		e.SpooledAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding spool entry: %w", err)
	}
	path := s.Path(e.Report.UUID)
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing spool entry: %w", err)
	}
	return path, nil
}

// List returns the paths of pending entries, oldest name first.
func (s *Spool) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !IsEntryName(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// IsEntryName reports whether a file name looks like a spool entry.
// Temporary files written by renameio are excluded.
func IsEntryName(name string) bool {
	return strings.HasSuffix(name, spoolExt) && !strings.HasPrefix(name, ".")
}

// Load reads one entry.
func Load(path string) (*Entry, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding spool entry %s: %w", filepath.Base(path), err)
	}
	if e.Report == nil {
		return nil, fmt.Errorf("spool entry %s has no report", filepath.Base(path))
	}
	return &e, nil
}

// Remove deletes the entry for uuid.
func (s *Spool) Remove(uuid string) error {
	err := os.Remove(s.Path(uuid))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Park moves an entry that will not be retried into the failed/
// subdirectory.
func (s *Spool) Park(uuid string) error {
	dst := filepath.Join(s.dir, failedDir)
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	return os.Rename(s.Path(uuid), filepath.Join(dst, uuid+spoolExt))
}
