package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"qazna.org/warden/internal/audit"
	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/cache"
	"qazna.org/warden/internal/config"
	"qazna.org/warden/internal/httpapi"
	"qazna.org/warden/internal/obs"
	"qazna.org/warden/internal/store/memory"
	"qazna.org/warden/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := obs.NewLogger(os.Stderr, "warden", "info")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := obs.NewLogger(os.Stdout, cfg.ServiceName, cfg.LogLevel)
	obs.SetLogger(log)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("warden exited")
	}
	log.Info().Msg("stopped")
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var forward []audit.Sink
	if len(cfg.KafkaBrokers) > 0 {
		sink := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic, log)
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn().Err(err).Msg("close kafka sink")
			}
		}()
		forward = append(forward, sink)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaAuditTopic).Msg("audit forwarding to kafka")
	}
	auditLog := audit.NewLogger(audit.NewStoreSink(store), log, forward...)

	signerOpts := []auth.SignerOption{
		auth.WithIssuer(cfg.JWT.Issuer),
		auth.WithAudience(cfg.JWT.Audience),
		auth.WithAccessTTL(cfg.JWT.AccessTTL()),
		auth.WithKeyID(cfg.JWT.KeyID),
	}
	if cfg.JWT.PrivateKeyPEM != "" && cfg.JWT.PublicKeyPEM != "" {
		signerOpts = append(signerOpts, auth.WithRSAKeys(cfg.JWT.PrivateKeyPEM, cfg.JWT.PublicKeyPEM))
	} else {
		signerOpts = append(signerOpts, auth.WithHMACSecret(cfg.JWT.Secret))
	}
	signer, err := auth.NewAccessSigner(signerOpts...)
	if err != nil {
		return err
	}

	opts := []auth.ServiceOption{
		auth.WithSigner(signer),
		auth.WithLogger(log),
		auth.WithAudit(auditLog),
		auth.WithRefreshTTL(cfg.JWT.RefreshTTL()),
		auth.WithLockoutPolicy(auth.LockoutPolicy{
			MaxFailedLogins:        cfg.Lockout.MaxFailedLogins,
			Duration:               cfg.Lockout.Duration(),
			CountTwoFactorFailures: cfg.TwoFactor.CountTowardLockout,
		}),
		auth.WithTwoFactor(cfg.TwoFactor.Issuer, cfg.TwoFactor.SecretKey, cfg.TwoFactor.BackupCodeCount),
	}
	if len(cfg.TwoFactor.SecretKey) == 0 {
		log.Warn().Msg("WARDEN_TWOFACTOR_KEY unset; two-factor secrets will not survive a restart")
	}
	if cfg.RedisAddr != "" && cfg.PermissionCacheTTL > 0 {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		permCache, err := cache.NewPermissionCache(client, cfg.PermissionCacheTTL)
		if err != nil {
			return err
		}
		opts = append(opts, auth.WithPermissionCache(permCache))
		log.Info().Str("addr", cfg.RedisAddr).Dur("ttl", cfg.PermissionCacheTTL).Msg("permission cache enabled")
	}

	svc, err := auth.NewService(store, opts...)
	if err != nil {
		return err
	}
	if err := svc.Catalog().EnsureBuiltins(ctx); err != nil {
		return err
	}

	janitor := auth.NewJanitor(store, auth.JanitorConfig{
		Enabled:   cfg.Cleanup.Enabled,
		Interval:  cfg.Cleanup.Interval(),
		Retention: cfg.Cleanup.Retention(),
	}, log)
	go janitor.Run(ctx)

	api := httpapi.New(svc,
		httpapi.WithLogger(log),
		httpapi.WithVersion(version),
		httpapi.WithRateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPCServer(store, log)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	go grpcSrv.Watch(ctx, 15*time.Second)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc listening")
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.Stop()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg config.Config, log zerolog.Logger) (auth.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("WARDEN_PG_DSN unset; using in-memory store")
		return memory.New(), func() {}, nil
	}
	store, err := pg.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
