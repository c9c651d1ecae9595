package cmd

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashtracker"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/signals"
)

var crashCmd = &cobra.Command{
	Use:   "crash <signal|panic|nil|goroutine>",
	Short: "Install the crash tracker and crash on purpose",
	Long: `Install the crash tracker in this process and then crash, to check that
reports reach the configured endpoint.

  signal     send --signal (default SIGSEGV) to this process
  panic      panic on the main goroutine under Guard
  nil        dereference a nil pointer under Guard
  goroutine  panic on a goroutine without Guard; the Go runtime's own
             traceback is streamed to the receiver

When neither collector.unix_socket_path nor receiver.path is configured,
this binary is spawned as its own receiver.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"signal", "panic", "nil", "goroutine"},
	RunE:      runCrash,
}

var crashSignal string

func init() {
	rootCmd.AddCommand(crashCmd)
	crashCmd.Flags().StringVar(&crashSignal, "signal", "SIGSEGV", "signal raised by the signal mode")
}

func runCrash(_ *cobra.Command, args []string) error {
	mode := args[0]
	switch mode {
	case "signal", "panic", "nil", "goroutine":
	default:
		return fmt.Errorf("unknown crash mode %q", mode)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctcfg, err := cfg.Crashtracker()
	if err != nil {
		return err
	}
	rcfg, err := crashReceiver(cfg, ctcfg)
	if err != nil {
		return err
	}
	md := cfg.CrashMetadata()
	if md.LibraryVersion == "" {
		md.LibraryVersion = appVersion
	}

	name := strings.ToUpper(crashSignal)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig, ok := signals.Lookup(name)
	if mode == "signal" {
		if !ok {
			return fmt.Errorf("unknown signal %q", crashSignal)
		}
		if len(ctcfg.Signals) == 0 {
			ctcfg.Signals = signals.Default()
		}
		if !slices.Contains(ctcfg.Signals, sig) {
			ctcfg.Signals = append(ctcfg.Signals, sig)
		}
	}

	// A broken handler chain is reported but the tracker is installed.
	if err := crashtracker.Init(ctcfg, rcfg, md); err != nil {
		if !crashtracker.Installed() {
			return err
		}
		fmt.Fprintln(os.Stderr, "crashtracker:", err)
	}

	fmt.Fprintf(os.Stderr, "crashing with %s (pid %d)\n", mode, os.Getpid())
	switch mode {
	case "signal":
		if err := syscall.Kill(os.Getpid(), syscall.Signal(sig)); err != nil {
			return err
		}
	case "panic":
		defer crashtracker.Guard()
		panic("crashtracker: deliberate panic")
	case "nil":
		defer crashtracker.Guard()
		var p *int
		*p = 1
	case "goroutine":
		go func() {
			panic("crashtracker: deliberate panic on a goroutine")
		}()
	}

	time.Sleep(30 * time.Second)
	return errors.New("process survived the crash")
}

// crashReceiver picks the receiver for the crash command: the configured
// socket or binary, or this executable.
func crashReceiver(cfg *config.Config, ctcfg config.CrashtrackerConfiguration) (*config.ReceiverConfig, error) {
	if ctcfg.UnixSocketPath != "" {
		return nil, nil
	}
	if rcfg := cfg.ReceiverConfig(); rcfg != nil {
		return rcfg, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating receiver binary: %w", err)
	}
	rargs := []string{"receiver"}
	if cfgFile != "" {
		rargs = append(rargs, "--config", cfgFile)
	}
	return &config.ReceiverConfig{PathToReceiverBinary: self, Args: rargs}, nil
}
