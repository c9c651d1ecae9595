package collector

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrDeadlineExceeded is returned once the writer's deadline has passed.
// Every later write fails with it too, so the remaining sections are skipped.
var ErrDeadlineExceeded = errors.New("collector: deadline exceeded")

// ErrClosed is returned by writes after Finish.
var ErrClosed = errors.New("collector: writer closed")

const bufSize = 4096

type channelKind int

const (
	channelPipe channelKind = iota
	channelSocket
)

// Writer streams a report over a descriptor opened before any crash. Its
// primitives format into a fixed scratch buffer and write with raw system
// calls: they never allocate and never take a lock.
type Writer struct {
	fd       int
	kind     channelKind
	file     *os.File // keeps fd alive; also the runtime crash output
	deadline time.Time
	err      error
	n        int
	buf      [bufSize]byte

	closeOnce sync.Once
}

// NewPipeWriter wraps the write end of a pipe.
func NewPipeWriter(f *os.File) (*Writer, error) {
	return newWriter(f, channelPipe)
}

// NewSocketWriter wraps a connected unix socket. The connection's
// descriptor is duplicated; the caller may close conn afterwards.
func NewSocketWriter(conn *net.UnixConn) (*Writer, error) {
	f, err := conn.File()
	if err != nil {
		return nil, fmt.Errorf("duplicating socket: %w", err)
	}
	return newWriter(f, channelSocket)
}

func newWriter(f *os.File, kind channelKind) (*Writer, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("raw descriptor: %w", err)
	}
	w := &Writer{fd: -1, kind: kind, file: f}
	if err := rc.Control(func(fd uintptr) { w.fd = int(fd) }); err != nil {
		return nil, fmt.Errorf("raw descriptor: %w", err)
	}
	if err := unix.SetNonblock(w.fd, true); err != nil {
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}
	return w, nil
}

// File returns the underlying file.
func (w *Writer) File() *os.File { return w.file }

// SetDeadline bounds every subsequent write and the final hang-up wait.
func (w *Writer) SetDeadline(t time.Time) {
	w.deadline = t
}

// Err returns the first write error, if any.
func (w *Writer) Err() error { return w.err }

// WriteString appends s.
func (w *Writer) WriteString(s string) error {
	for len(s) > 0 {
		if w.err != nil {
			return w.err
		}
		c := copy(w.buf[w.n:], s)
		w.n += c
		s = s[c:]
		if w.n == bufSize {
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
	return w.err
}

// WriteBytes appends b.
func (w *Writer) WriteBytes(b []byte) error {
	for len(b) > 0 {
		if w.err != nil {
			return w.err
		}
		c := copy(w.buf[w.n:], b)
		w.n += c
		b = b[c:]
		if w.n == bufSize {
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
	return w.err
}

func (w *Writer) writeByte(c byte) error {
	if w.err != nil {
		return w.err
	}
	w.buf[w.n] = c
	w.n++
	if w.n == bufSize {
		return w.Flush()
	}
	return nil
}

// Newline appends "\n".
func (w *Writer) Newline() error {
	return w.writeByte('\n')
}

// WriteInt appends the decimal form of v.
func (w *Writer) WriteInt(v int64) error {
	var tmp [20]byte
	i := len(tmp)
	u := uint64(v)
	if v < 0 {
		u = uint64(-v)
	}
	for {
		i--
		tmp[i] = byte('0' + u%10)
		u /= 10
		if u == 0 {
			break
		}
	}
	if v < 0 {
		if err := w.writeByte('-'); err != nil {
			return err
		}
	}
	return w.WriteBytes(tmp[i:])
}

const hexDigits = "0123456789abcdef"

// WriteHex appends v as "0x..." without leading zeros.
func (w *Writer) WriteHex(v uint64) error {
	var tmp [18]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = hexDigits[v&0xf]
		v >>= 4
		if v == 0 {
			break
		}
	}
	i--
	tmp[i] = 'x'
	i--
	tmp[i] = '0'
	return w.WriteBytes(tmp[i:])
}

// WriteJSONString appends s as a quoted JSON string. Bytes are copied
// through unchanged apart from the mandatory escapes; invalid UTF-8 is left
// for the receiver's lossy decoding.
func (w *Writer) WriteJSONString(s string) error {
	if err := w.writeByte('"'); err != nil {
		return err
	}
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' {
			continue
		}
		if err := w.WriteString(s[start:i]); err != nil {
			return err
		}
		var err error
		switch c {
		case '"':
			err = w.WriteString(`\"`)
		case '\\':
			err = w.WriteString(`\\`)
		case '\n':
			err = w.WriteString(`\n`)
		case '\r':
			err = w.WriteString(`\r`)
		case '\t':
			err = w.WriteString(`\t`)
		default:
			esc := [6]byte{'\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf]}
			err = w.WriteBytes(esc[:])
		}
		if err != nil {
			return err
		}
		start = i + 1
	}
	if err := w.WriteString(s[start:]); err != nil {
		return err
	}
	return w.writeByte('"')
}

// Flush writes out the scratch buffer, waiting for the reader when the
// descriptor is full, until the deadline.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	off := 0
	for off < w.n {
		if w.fd < 0 {
			w.err = ErrClosed
			return w.err
		}
		n, err := unix.Write(w.fd, w.buf[off:w.n])
		if n > 0 {
			off += n
		}
		switch {
		case err == nil:
		case err == unix.EINTR:
		case err == unix.EAGAIN:
			if werr := w.wait(unix.POLLOUT); werr != nil {
				w.err = werr
				return werr
			}
		default:
			w.err = err
			return err
		}
	}
	w.n = 0
	return nil
}

// wait polls fd for events until the deadline.
func (w *Writer) wait(events int16) error {
	for {
		timeout := -1
		if !w.deadline.IsZero() {
			remaining := time.Until(w.deadline)
			if remaining <= 0 {
				return ErrDeadlineExceeded
			}
			timeout = int(remaining.Milliseconds()) + 1
		}
		fds := [1]unix.PollFd{{Fd: int32(w.fd), Events: events}}
		n, err := unix.Poll(fds[:], timeout)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return err
		case n == 0:
			return ErrDeadlineExceeded
		}
		return nil
	}
}

// Finish flushes and hands the stream off. A pipe is closed so the reader
// sees EOF. A socket is half-closed, then Finish waits for the receiver to
// hang up so the process is not torn down while the report is in flight.
func (w *Writer) Finish() error {
	flushErr := w.Flush()
	var hupErr error
	if w.kind == channelSocket && w.fd >= 0 {
		if err := unix.Shutdown(w.fd, unix.SHUT_WR); err == nil {
			hupErr = w.awaitHangup()
		}
	}
	w.Close()
	if flushErr != nil {
		return flushErr
	}
	return hupErr
}

func (w *Writer) awaitHangup() error {
	for {
		if err := w.wait(unix.POLLHUP | unix.POLLIN); err != nil {
			return err
		}
		// Drain anything the receiver sent; EOF means it closed.
		var scratch [64]byte
		n, err := unix.Read(w.fd, scratch[:])
		switch {
		case n == 0 && err == nil:
			return nil
		case err == unix.EAGAIN || err == unix.EINTR:
			continue
		case err != nil:
			return nil
		}
	}
}

// Close releases the descriptor without flushing.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		if w.file != nil {
			_ = w.file.Close()
		}
		w.fd = -1
		if w.err == nil {
			w.err = ErrClosed
		}
	})
}
