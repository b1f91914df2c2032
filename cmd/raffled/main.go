// Command raffled runs the raffle service: the HTTP API, the automation
// keeper and, in local mode, the in-process randomness oracle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/raffle/internal/config"
	"github.com/R3E-Network/raffle/internal/events"
	"github.com/R3E-Network/raffle/internal/httpapi"
	"github.com/R3E-Network/raffle/internal/keeper"
	"github.com/R3E-Network/raffle/internal/middleware"
	"github.com/R3E-Network/raffle/internal/notify"
	"github.com/R3E-Network/raffle/internal/oracle"
	"github.com/R3E-Network/raffle/internal/payout"
	"github.com/R3E-Network/raffle/internal/raffle"
	"github.com/R3E-Network/raffle/internal/service"
	"github.com/R3E-Network/raffle/internal/storage"
	"github.com/R3E-Network/raffle/internal/storage/postgres"
	"github.com/R3E-Network/raffle/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env", ".env", "Optional .env file")
	issueRole := flag.String("issue-token", "", "Print a token for the given role (operator or oracle) and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of an issued token")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raffled: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging)

	if *issueRole != "" {
		token, err := middleware.NewAuth(cfg.Auth.JWTSecret, log).Issue("raffled-cli", *issueRole, *tokenTTL)
		if err != nil {
			log.WithError(err).Fatal("issue token")
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("raffled stopped")
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		coord  raffle.Coordinator
		local  *oracle.Local
		manual *oracle.Manual
		proofs httpapi.ProofSource
	)
	switch cfg.Oracle.Mode {
	case config.OracleLocal:
		local, err = oracle.NewLocal(oracle.LocalConfig{
			PrivateKey: cfg.Oracle.PrivateKey,
			QueueSize:  cfg.Oracle.QueueSize,
			Delay:      cfg.Oracle.Delay,
			Logger:     log.Named("oracle"),
		})
		if err != nil {
			return fmt.Errorf("oracle: %w", err)
		}
		coord, proofs = local, local
		log.WithField("public_key", local.PublicKey()).Info("local oracle ready")
	default:
		manual = oracle.NewManual("")
		coord = manual
	}

	bus := events.NewJournal(cfg.Server.EventBuffer)
	svc, err := service.New(ctx, service.Options{
		Config:      cfg.Raffle.Machine(),
		Coordinator: coord,
		Payout:      payout.NewLedger(),
		Store:       store,
		Events:      bus,
		Logger:      log.Named("raffle"),
	})
	if err != nil {
		return fmt.Errorf("raffle service: %w", err)
	}
	defer svc.Close()

	if local != nil {
		local.SetFulfiller(svc)
		go local.Run(ctx)
	}
	if manual != nil {
		manual.SetFulfiller(svc)
	}

	if cfg.Redis.Addr != "" {
		pub, client, err := notify.NewRedis(ctx, cfg.Redis, log.Named("notify"))
		if err != nil {
			return err
		}
		defer client.Close()
		go pub.Run(ctx)
		cancel := bus.Subscribe(nil, pub.Handler())
		defer cancel()
		log.WithField("channel", pub.Channel()).Info("publishing events to redis")
	}

	var kp *keeper.Keeper
	if cfg.Keeper.Enabled {
		kp, err = keeper.New(svc, cfg.Keeper.Schedule, log.Named("keeper"))
		if err != nil {
			return err
		}
		kp.Start()
	}

	var limiter *middleware.RateLimiter
	if cfg.Server.EntryRateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.Server.EntryRateLimit, cfg.Server.EntryBurst, log.Named("ratelimit"))
		limiter.StartCleanup(time.Minute, ctx.Done())
	}

	opts := httpapi.Options{
		Service:     svc,
		Auth:        middleware.NewAuth(cfg.Auth.JWTSecret, log.Named("auth")),
		RateLimiter: limiter,
		CORS:        middleware.NewCORS(cfg.Server.CORSOrigins),
		Proofs:      proofs,
		Logger:      log.Named("http"),
	}
	if kp != nil {
		opts.Keeper = kp
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewHandler(opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("raffle API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if kp != nil {
		if err := kp.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("keeper stop")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	log.Info("raffled stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, func(), error) {
	if cfg.Driver != config.DriverPostgres {
		return storage.NewMemory(), func() {}, nil
	}
	store, err := postgres.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
