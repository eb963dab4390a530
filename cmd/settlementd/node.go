package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/mmynk/settlementd/internal/agreement"
	"github.com/mmynk/settlementd/internal/auth"
	"github.com/mmynk/settlementd/internal/config"
	"github.com/mmynk/settlementd/internal/identity"
	"github.com/mmynk/settlementd/internal/metrics"
	"github.com/mmynk/settlementd/internal/middleware"
	"github.com/mmynk/settlementd/internal/notary"
	"github.com/mmynk/settlementd/internal/service"
	"github.com/mmynk/settlementd/internal/session"
	"github.com/mmynk/settlementd/internal/signing"
	"github.com/mmynk/settlementd/internal/storage/sqlite"
	"github.com/mmynk/settlementd/pkg/logging"
)

const (
	registerRetryInterval = 2 * time.Second
	operatorTokenTTL      = 24 * time.Hour
)

func newNodeCmd() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a party node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := cfg.ValidateNode(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logging.SetupWithLevel(logging.ParseLevel(cfg.LogLevel))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg)
		},
	}
	if err := config.AddFlags(cmd, v); err != nil {
		panic(err)
	}
	return cmd
}

func runNode(ctx context.Context, cfg *config.Config) (err error) {
	key, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return err
	}
	signer := signing.NewKeySigner(cfg.Name, key)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("failed to close storage: %w", cerr)).ErrorOrNil()
		}
	}()
	slog.Info("Storage initialized", "database", cfg.DBPath)

	httpClient := &http.Client{Timeout: cfg.PeerTimeout}
	netmap, err := identity.NewClient(httpClient, cfg.NotaryURL, cfg.NetmapCacheSize)
	if err != nil {
		return err
	}

	if err := registerWithRetry(ctx, netmap, signer, cfg.PublicURL); err != nil {
		return err
	}
	notaryParty, err := netmap.Resolve(ctx, cfg.NotaryName)
	if err != nil {
		return fmt.Errorf("failed to resolve notary %q: %w", cfg.NotaryName, err)
	}
	slog.Info("Joined network", "party", signer.Party(), "address", cfg.PublicURL, "notary", notaryParty)

	reg := newRegistry()
	m := metrics.New(reg)
	transport := session.NewTransport(auth.NewPeerIssuer(cfg.Name, key, 0), netmap, httpClient, cfg.PeerTimeout)

	node, err := agreement.NewNode(agreement.Config{
		Signer:         signer,
		Resolver:       netmap,
		Notary:         notary.NewClient(httpClient, cfg.NotaryURL),
		NotaryIdentity: notaryParty,
		Session:        m.Session(transport),
		Store:          store,
		Observers:      []agreement.Observer{m.Observe},
		Logger:         slog.Default(),

		FinalityTimeout: cfg.FinalityTimeout,
		MaxPending:      cfg.MaxPending,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	sessionPath, sessionHandler := session.NewHandler(node, cfg.Name, netmap)
	mux.Handle(sessionPath, sessionHandler)

	apiPath, apiHandler := service.NewHandler(
		service.NewSettlementService(node, netmap, cfg.NotaryName),
		connect.WithInterceptors(operatorAuth(cfg), middleware.LoggingInterceptor(slog.Default())),
	)
	mux.Handle(apiPath, apiHandler)
	mux.Handle("/metrics", metricsHandler(reg))

	return serve(ctx, cfg.Listen, mux)
}

// operatorAuth requires operator tokens when a secret is configured.
func operatorAuth(cfg *config.Config) connect.UnaryInterceptorFunc {
	if cfg.JWTSecret == "" {
		slog.Warn("No jwt-secret configured, settlement API is unauthenticated")
		return middleware.OptionalAuth(nil)
	}
	return middleware.RequireAuth(auth.NewJWTManager(cfg.JWTSecret, operatorTokenTTL))
}

// registerWithRetry publishes the signer's address on the network map,
// waiting for the notary to come up.
func registerWithRetry(ctx context.Context, netmap *identity.Client, signer signing.Signer, address string) error {
	for {
		reg, err := identity.SignRegistration(signer, address, time.Now())
		if err != nil {
			return err
		}
		err = netmap.Register(ctx, reg)
		if err == nil {
			return nil
		}
		if connect.CodeOf(err) == connect.CodeInvalidArgument {
			return fmt.Errorf("network map refused registration: %w", err)
		}
		slog.Warn("Network map unavailable, retrying", "error", err, "retry_in", registerRetryInterval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerRetryInterval):
		}
	}
}
