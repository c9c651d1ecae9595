package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/receiver"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/uploader"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Receive crash reports on a unix socket",
	Long: `Run a long-lived receiver on a unix socket. Processes configured with
collector.unix_socket_path connect to it at install time and stream their
report over that connection when they crash.

A socket path starting with "@" is bound in the abstract namespace.

Examples:
  crashtracker listen --socket /run/crashtracker.sock
  crashtracker listen --socket @crashtracker`,
	Args: cobra.NoArgs,
	RunE: runListen,
}

var listenSocket string

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().StringVar(&listenSocket, "socket", "",
		"socket path (default: collector.unix_socket_path)")
}

func runListen(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	path := listenSocket
	if path == "" {
		path = cfg.Collector.UnixSocketPath
	}
	if path == "" {
		return errors.New("no socket path: use --socket or collector.unix_socket_path")
	}

	recv, dispatcher, err := buildReceiver(cfg, logger, nil)
	if err != nil {
		return err
	}
	ln, err := receiver.Listen(path, recv)
	if err != nil {
		return err
	}
	defer ln.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	logger.Info("receiver listening", "socket", path, "spool", dispatcher.Spool().Dir())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ln.Serve(ctx) })
	g.Go(func() error { return uploader.NewSpoolWatcher(dispatcher, logger).Run(ctx) })
	err = g.Wait()
	dispatcher.Wait()
	return err
}
