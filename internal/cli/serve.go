package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opentalon/relay/internal/config"
	"github.com/opentalon/relay/internal/engine"
	"github.com/opentalon/relay/internal/httpapi"
	"github.com/opentalon/relay/internal/version"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Long: `serve builds the engine from config, starts the background jobs
(metric aggregation, load prediction, health probes, eviction) and serves
/api/integration/{action} and /metrics until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

// serve runs until ctx is done. When ready is non-nil it receives the bound
// address once the listener is up.
func serve(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	e, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = e.Stop()
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           httpapi.New(e, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	e.Start()
	logger.Info("relay started",
		"version", version.Get().Version,
		"addr", ln.Addr().String(),
		"services", len(e.Services()),
		"capabilities", len(e.Capabilities()),
	)
	if ready != nil {
		ready <- ln.Addr().String()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		_ = e.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := e.Stop(); err != nil {
		return fmt.Errorf("stopping engine: %w", err)
	}
	return nil
}
