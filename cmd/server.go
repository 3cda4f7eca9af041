package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	app "race-sync/internal"
	"race-sync/internal/auth"
	"race-sync/internal/config"
	"race-sync/internal/coordinator"
	"race-sync/internal/jwt"
	"race-sync/internal/nonce"
	"race-sync/internal/routes"
	"race-sync/internal/storage"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the sync coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openProvider()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return ServerMain(ctx, cfg, p)
	},
}

func ServerMain(ctx context.Context, cfg *config.Config, storageProvider storage.Provider) error {
	clock := clockwork.NewRealClock()

	nonces, err := nonce.NewStore(cfg, storageProvider, clock)
	if err != nil {
		return fmt.Errorf("error creating nonce store: %w", err)
	}

	ttl := time.Duration(cfg.TokenTTL) * time.Second
	skew := time.Duration(cfg.TokenExpirySkew) * time.Second

	svc := coordinator.NewService(storageProvider, cfg.Sync, clock)
	services := &routes.Services{
		Coordinator: svc,
		Issuer:      jwt.NewIssuer(cfg.Secret, ttl, skew, nonces, clock),
		Pins:        auth.NewPins(storageProvider),
		Config:      cfg,
	}

	interval := max(skew*2, time.Second)
	go nonce.Janitor(ctx, clock, interval,
		nonces.ExpireNonces,
		func(ctx context.Context) error {
			n, err := svc.Prune(ctx)
			if n > 0 {
				slog.Info("Pruned expired race data", "rows", n)
			}
			return err
		},
	)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           app.HTTPServer(cfg, services),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", cfg.Listen, err)
	}
	slog.Info("Starting race sync coordinator", "listen", ln.Addr().String())
	return serve(ctx, server, ln, shutdownGrace)
}

// shutdownGrace bounds how long in-flight requests may run after shutdown
// was requested.
const shutdownGrace = 10 * time.Second

// serve runs server on ln until ctx ends, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, ln net.Listener, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
