package collector

import (
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
)

// trackedFile is an additional file opened at arm time so the crash path
// only has to read it.
type trackedFile struct {
	path  string
	fd    int
	begin string
	end   string
}

// openFiles opens every path read-only. A file that cannot be opened is
// kept with fd -1 and skipped when streaming.
func openFiles(paths []string) []*trackedFile {
	out := make([]*trackedFile, 0, len(paths))
	for _, p := range paths {
		fd, err := unix.Open(p, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			fd = -1
		}
		out = append(out, &trackedFile{
			path:  p,
			fd:    fd,
			begin: protocol.FileBegin(p),
			end:   protocol.FileEnd(p),
		})
	}
	return out
}

func closeFiles(files []*trackedFile) {
	for _, f := range files {
		if f.fd >= 0 {
			_ = unix.Close(f.fd)
			f.fd = -1
		}
	}
}

// emitFile copies f from offset 0 in fileChunk reads. /proc files are
// generated on read, so each crash sees current contents.
func (c *Collector) emitFile(w *Writer, f *trackedFile) error {
	if f.fd < 0 {
		return nil
	}
	if err := marker(w, f.begin); err != nil {
		return err
	}
	var off int64
	last := byte('\n')
	for {
		n, err := unix.Pread(f.fd, c.fileBuf[:], off)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			break
		}
		if werr := w.WriteBytes(c.fileBuf[:n]); werr != nil {
			return werr
		}
		last = c.fileBuf[n-1]
		off += int64(n)
	}
	if last != '\n' {
		if err := w.Newline(); err != nil {
			return err
		}
	}
	return marker(w, f.end)
}

// mainModule returns the executable path and the address it is mapped at.
// Frames carry it so the receiver can normalize addresses.
func mainModule() (string, uint64) {
	p, err := procfs.Self()
	if err != nil {
		return "", 0
	}
	exe, err := p.Executable()
	if err != nil {
		return "", 0
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return exe, 0
	}
	for _, m := range maps {
		if m.Pathname == exe && m.Offset == 0 {
			return exe, uint64(m.StartAddr)
		}
	}
	return exe, 0
}
