package receiver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/logging"
)

// Listener accepts collector connections on a unix socket and handles one
// report per connection. A path starting with "@" names a socket in the
// abstract namespace.
type Listener struct {
	ln     *net.UnixListener
	recv   *Receiver
	logger *logging.Logger
}

// Listen binds path. A stale socket file left by a previous run is
// removed first.
func Listen(path string, recv *Receiver) (*Listener, error) {
	if path == "" {
		return nil, errors.New("socket path is empty")
	}
	abstract := strings.HasPrefix(path, "@")
	if !abstract {
		if err := removeStaleSocket(path); err != nil {
			return nil, err
		}
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if !abstract {
		ln.SetUnlinkOnClose(true)
	}
	return &Listener{ln: ln, recv: recv, logger: recv.logger.With("socket", path)}, nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is done, then waits for the reports
// in flight. Those are finished even after ctx is cancelled; each one is
// bounded by the receive timeout.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	var acceptErr error
	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = err
			}
			break
		}
		g.Go(func() error {
			l.handle(work, conn)
			return nil
		})
	}
	_ = g.Wait()
	return acceptErr
}

func (l *Listener) handle(ctx context.Context, conn *net.UnixConn) {
	out, err := l.recv.Handle(ctx, conn)
	if out.Kind == NoCrash {
		l.logger.Debug("connection closed without a report")
		return
	}
	if err != nil {
		l.logger.Warn("crash report handled with errors", "uuid", out.Report.UUID, "error", err)
	}
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
