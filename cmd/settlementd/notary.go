package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"connectrpc.com/connect"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/mmynk/settlementd/internal/config"
	"github.com/mmynk/settlementd/internal/identity"
	"github.com/mmynk/settlementd/internal/metrics"
	"github.com/mmynk/settlementd/internal/middleware"
	"github.com/mmynk/settlementd/internal/notary"
	"github.com/mmynk/settlementd/internal/signing"
	"github.com/mmynk/settlementd/pkg/logging"
)

func newNotaryCmd() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:   "notary",
		Short: "Run the notary and network map",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := cfg.ValidateNotary(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logging.SetupWithLevel(logging.ParseLevel(cfg.LogLevel))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNotary(ctx, cfg)
		},
	}
	if err := config.AddFlags(cmd, v); err != nil {
		panic(err)
	}
	// The notary is usually the process nodes point --notary-url at.
	v.SetDefault("name", "Notary")
	v.SetDefault("listen", ":9090")
	v.SetDefault("db-path", "./data/notary.db")
	v.SetDefault("key-file", "./data/notary.key")
	return cmd
}

func runNotary(ctx context.Context, cfg *config.Config) (err error) {
	key, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return err
	}
	signer := signing.NewKeySigner(cfg.Name, key)

	reg := newRegistry()
	m := metrics.New(reg)

	svc, err := notary.New(cfg.DBPath, signer,
		notary.WithResultHook(m.NotaryResult),
		notary.WithLogger(slog.Default()),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize notary: %w", err)
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("failed to close notary: %w", cerr)).ErrorOrNil()
		}
	}()

	dir := identity.NewDirectory()
	if err := dir.Register(ctx, identity.Entry{Party: signer.Party(), Address: cfg.PublicURL}); err != nil {
		return err
	}
	slog.Info("Notary initialized", "party", signer.Party(), "database", cfg.DBPath)

	interceptors := connect.WithInterceptors(middleware.LoggingInterceptor(slog.Default()))
	mux := http.NewServeMux()
	notaryPath, notaryHandler := notary.NewHandler(svc, interceptors)
	mux.Handle(notaryPath, notaryHandler)
	netmapPath, netmapHandler := identity.NewHandler(dir, interceptors)
	mux.Handle(netmapPath, netmapHandler)
	mux.Handle("/metrics", metricsHandler(reg))

	return serve(ctx, cfg.Listen, mux)
}
