// Command server runs catatan: the auth and notes API, the change stream
// and the editor sockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kuitang/catatan/internal/config"
	"github.com/kuitang/catatan/internal/obs"
)

const shutdownTimeout = 10 * time.Second

func main() {
	flags := config.ParseFlags()
	cfg, err := config.LoadConfig(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	obs.Init()
	if lvl, ok := obs.ParseLevel(cfg.LogLevel); ok {
		obs.SetLevel(lvl)
	} else {
		obs.Pkg("server").Warn("server.unknown_log_level", "level", cfg.LogLevel)
	}
	cfg.PrintStartupSummary()
	if cfg.IsDevelopment() {
		obs.Pkg("server").Warn("server.mock_services", "no_oidc", cfg.NoOIDC, "no_email", cfg.NoEmail, "no_s3", cfg.NoS3)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		obs.Pkg("server").Error("server.exit", "error", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains in-flight requests.
func run(ctx context.Context, cfg *config.Config) error {
	logger := obs.Pkg("server")
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	bg, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	a.runBackground(bg)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server.listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("server.shutting_down")
	// Streams and editor sessions never finish on their own; closing the
	// hub ends them so Shutdown can drain.
	a.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server.stopped")
	return nil
}
