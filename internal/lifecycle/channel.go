package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/collector"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
)

// channel is the collector's link to a receiver: a pipe into a spawned
// process, or a connection to a receiver that is already running.
type channel struct {
	w *collector.Writer

	// Spawned receivers only.
	cmd     *exec.Cmd
	owner   int
	exited  chan struct{}
	waitErr error
}

// spawnReceiver starts rcfg's binary with the read end of a pipe as its
// stdin. The child gets its own process group so terminal signals aimed
// at the host do not reach it. Its environment names this process and
// carries md, which a runtime traceback does not include.
func spawnReceiver(rcfg *config.ReceiverConfig, timeoutMs uint32, md crashinfo.Metadata) (*channel, error) {
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return nil, core.ErrState(core.CodeSpawnFailed, "encoding receiver metadata").WithCause(err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, core.ErrState(core.CodeSpawnFailed, "creating receiver pipe").WithCause(err)
	}
	defer r.Close()

	cmd := exec.Command(rcfg.PathToReceiverBinary, rcfg.Args...)
	cmd.Stdin = r
	cmd.Env = append(os.Environ(), rcfg.Environ()...)
	cmd.Env = append(cmd.Env,
		protocol.ReceiverTimeoutEnv+"="+strconv.FormatUint(uint64(timeoutMs), 10),
		protocol.CrashingPIDEnv+"="+strconv.Itoa(os.Getpid()),
		protocol.MetadataEnv+"="+string(mdJSON),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var outputs []*os.File
	defer func() {
		for _, f := range outputs {
			_ = f.Close()
		}
	}()
	if rcfg.StdoutFilename != "" {
		f, err := openOutput(rcfg.StdoutFilename)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		outputs = append(outputs, f)
		cmd.Stdout = f
	}
	if rcfg.StderrFilename != "" {
		f, err := openOutput(rcfg.StderrFilename)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		outputs = append(outputs, f)
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		_ = w.Close()
		return nil, core.ErrState(core.CodeSpawnFailed, "starting receiver "+rcfg.PathToReceiverBinary).WithCause(err)
	}

	writer, err := collector.NewPipeWriter(w)
	if err != nil {
		_ = w.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	ch := &channel{w: writer, cmd: cmd, owner: os.Getpid(), exited: make(chan struct{})}
	go func() {
		ch.waitErr = cmd.Wait()
		close(ch.exited)
	}()
	return ch, nil
}

func openOutput(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, core.ErrState(core.CodeSpawnFailed, "opening receiver output").WithCause(err)
	}
	return f, nil
}

// connectSocket connects to a receiver listening on path. A leading "@"
// selects the abstract namespace.
func connectSocket(path string) (*channel, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, core.ErrState(core.CodeSpawnFailed, "creating socket").WithCause(err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, core.ErrState(core.CodeSpawnFailed, "connecting to receiver at "+path).WithCause(err)
	}

	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping receiver socket: %w", err)
	}
	defer conn.Close()
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, errors.New("receiver socket is not a unix connection")
	}
	w, err := collector.NewSocketWriter(uc)
	if err != nil {
		return nil, err
	}
	return &channel{w: w}, nil
}

// spawned reports whether this process started the receiver. A forked
// child inherits the record but not the child process.
func (c *channel) spawned() bool {
	return c.cmd != nil && c.owner == os.Getpid()
}

// stop waits for a spawned receiver to exit after its pipe was closed. If
// it is still running after grace it gets SIGTERM, and SIGKILL after
// another grace period.
func (c *channel) stop(ctx context.Context, grace time.Duration) error {
	if !c.spawned() {
		return nil
	}
	if c.wait(ctx, grace) {
		return c.result()
	}

	pgid := c.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("sigterm receiver group %d: %w", pgid, err)
	}
	if c.wait(ctx, grace) {
		return c.result()
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	<-c.exited
	return core.ErrTimeout("receiver did not exit and was killed")
}

func (c *channel) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.exited:
		return true
	case <-ctx.Done():
		return false
	case <-t.C:
		return false
	}
}

func (c *channel) result() error {
	var exitErr *exec.ExitError
	if errors.As(c.waitErr, &exitErr) {
		return fmt.Errorf("receiver exited: %w", c.waitErr)
	}
	return c.waitErr
}

func (c *channel) pid() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}
