package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/intake"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/store"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/uploader"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local intake server",
	Long: `Start an HTTP server that accepts crash reports and stores them in SQLite.
Point endpoint.url at http://<addr>/api/v1/crashes to deliver reports to it.

The server also watches the spool directory and retries reports that could
not be delivered earlier.

Endpoints:
  POST /api/v1/crashes          store a report
  GET  /api/v1/crashes          list stored reports (?limit=N)
  GET  /api/v1/crashes/{uuid}   fetch one report
  GET  /health
  GET  /metrics                 Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveAddr    string
	serveDB      string
	serveNoSpool bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: intake.addr)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "database path (default: intake.db_path)")
	serveCmd.Flags().BoolVar(&serveNoSpool, "no-spool", false, "do not retry spooled reports")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	addr := firstNonEmpty(serveAddr, cfg.Intake.Addr)
	dbPath := firstNonEmpty(serveDB, cfg.Intake.DBPath)

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening report store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Warn("failed to close report store", "error", closeErr)
		}
	}()

	srv := intake.NewServer(st,
		intake.WithLogger(logger),
		intake.WithCORSOrigins(cfg.Intake.CORSOrigins),
	)

	var watcher *uploader.SpoolWatcher
	if !serveNoSpool {
		spool, err := uploader.NewSpool(cfg.Spool.Dir)
		if err != nil {
			return fmt.Errorf("opening spool: %w", err)
		}
		watcher = uploader.NewSpoolWatcher(uploader.NewDispatcher(logger, uploader.WithSpool(spool)), logger)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx, addr) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}
	return g.Wait()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
