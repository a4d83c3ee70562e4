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

	"github.com/joho/godotenv"

	"cicilan/backend/internal/cache"
	"cicilan/backend/internal/config"
	"cicilan/backend/internal/domain"
	"cicilan/backend/internal/fx"
	"cicilan/backend/internal/httpapi"
	"cicilan/backend/internal/logger"
	"cicilan/backend/internal/service"
	"cicilan/backend/internal/store"
	"cicilan/backend/internal/store/memory"
	pgstore "cicilan/backend/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	if err := logger.Setup(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"}); err != nil {
		fmt.Fprintf(os.Stderr, "logger setup: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithComponent("server")

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		version, err := pgstore.Migrate(cfg.DatabaseURL, cfg.MigrationsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		log.Info().Uint("version", version).Msg("database schema up to date")

		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded(cfg.BranchID)
		log.Info().Msg("repository: in-memory")
	}

	rateCache := cache.RateCache(cache.NoopRateCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisRateCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using noop rate cache")
		} else {
			rateCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info().Msg("cache: redis")
		}
	} else {
		log.Info().Msg("cache: noop")
	}

	rates := fx.NewProvider(repo, rateCache, cfg.FXCacheTTL, cfg.BaseCurrency, cfg.DisplayCurrency)
	svc := service.New(repo, rates, service.Options{
		DefaultBranchID:    cfg.BranchID,
		Currency:           cfg.BaseCurrency,
		PendingTimeout:     cfg.PendingTimeout,
		RepaymentTolerance: cfg.RepaymentTolerance,
		SourceTimeout:      cfg.SourceTimeout,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go rates.Run(runCtx, cfg.FXRefreshInterval)
	go purgeLoop(runCtx, svc, cfg.PendingTimeout)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("cicilan backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	stopRun()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

// purgeLoop abandons PENDING transactions older than the pending timeout.
// PurgePending requires an admin actor.
func purgeLoop(ctx context.Context, svc *service.Service, interval time.Duration) {
	if interval <= 0 {
		return
	}
	log := logger.WithComponent("pending-purge")
	ctx = service.WithActor(ctx, systemActor())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := svc.PurgePending(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("purge pending failed")
				continue
			}
			if len(resp.Purged) > 0 {
				log.Info().Int("purged", len(resp.Purged)).Time("before", resp.Before).Msg("purged stale pending transactions")
			}
		}
	}
}

func systemActor() domain.Actor {
	return domain.Actor{Username: "system", Role: domain.RoleAdmin}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	if len(cfg.BaseCurrency) != 3 || len(cfg.DisplayCurrency) != 3 {
		return fmt.Errorf("BASE_CURRENCY and DISPLAY_CURRENCY must be ISO 4217 codes")
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit, sequential
// in either direction, or on a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
