package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/config"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/logging"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/protocol"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/receiver"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/uploader"
)

var receiverCmd = &cobra.Command{
	Use:   "receiver",
	Short: "Receive one crash report on stdin",
	Long: `Read a single crash stream from standard input, assemble the report and
deliver it to the endpoint named in the stream (or in the config file when
the stream carries none).

This is the command the crash tracker spawns at install time. It waits
without a deadline for the first line, then for at most receiver.timeout_ms
(DD_CRASHTRACKER_RECEIVER_TIMEOUT_MS) for the rest of the report.`,
	Args: cobra.NoArgs,
	RunE: runReceiver,
}

func init() {
	rootCmd.AddCommand(receiverCmd)
}

func runReceiver(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	recv, _, err := buildReceiver(cfg, logger, nil)
	if err != nil {
		return err
	}
	out, err := receiver.ReceiveFromStdin(ctx, recv)
	if out.Kind == receiver.NoCrash {
		logger.Debug("stream closed without a crash")
		return nil
	}
	return err
}

// buildReceiver wires a receiver from the file configuration: spool,
// self-dumps, fallback endpoint and metadata, the crashing pid a spawning
// process left in the environment, and metrics on reg when it is non-nil.
func buildReceiver(cfg *config.Config, logger *logging.Logger, reg prometheus.Registerer) (*receiver.Receiver, *uploader.Dispatcher, error) {
	spool, err := uploader.NewSpool(cfg.Spool.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening spool: %w", err)
	}
	dispatcher := uploader.NewDispatcher(logger, uploader.WithSpool(spool))

	opts := []receiver.Option{
		receiver.WithLogger(logger),
		receiver.WithDispatcher(dispatcher),
		receiver.WithLiveProcess(true),
		receiver.WithSelfDump(diagnostics.NewSelfDumpWriter(
			cfg.Diagnostics.DumpDir, cfg.Diagnostics.MaxDumps, cfg.Diagnostics.IncludeEnv, logger.Logger,
		)),
	}
	if cfg.Receiver.TimeoutMs > 0 {
		opts = append(opts, receiver.WithTimeout(time.Duration(cfg.Receiver.TimeoutMs)*time.Millisecond))
	}
	if fallback, err := cfg.Crashtracker(); err == nil {
		opts = append(opts, receiver.WithFallbackConfig(&fallback))
	}
	md := cfg.CrashMetadata()
	if envMD, ok := receiver.EnvMetadata(os.LookupEnv); ok {
		md = envMD
	}
	if md.LibraryName != "" {
		opts = append(opts, receiver.WithFallbackMetadata(md))
	}
	opts = append(opts, receiver.WithPeerPID(protocol.CrashingPID(os.LookupEnv)))
	if reg != nil {
		opts = append(opts, receiver.WithMetrics(receiver.NewMetrics(reg)))
	}
	return receiver.New(opts...), dispatcher, nil
}
