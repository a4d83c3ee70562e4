package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cicilan/backend/internal/cache"
	"cicilan/backend/internal/config"
	"cicilan/backend/internal/domain"
	"cicilan/backend/internal/fx"
	"cicilan/backend/internal/logger"
	"cicilan/backend/internal/service"
	"cicilan/backend/internal/store"
	"cicilan/backend/internal/store/memory"
	pgstore "cicilan/backend/internal/store/postgres"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "posctl",
		Short: "Operator CLI for the cicilan credit and cash-drawer backend",
		Long: `posctl runs maintenance and reporting jobs against the same store the
HTTP server uses. Settings come from the environment or a .env file.

Without DATABASE_URL it works on a freshly seeded in-memory store, which is
only useful for schedule previews.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg := config.Load()
			return logger.Setup(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stderr"})
		},
	}

	root.AddCommand(
		newMigrateCmd(),
		newPurgePendingCmd(),
		newDrawerCmd(),
		newDebtCmd(),
		newScheduleCmd(),
		newUserAddCmd(),
	)
	return root
}

// runtime holds the wiring a command needs; close releases the store.
type runtime struct {
	repo  store.Repository
	svc   *service.Service
	close func()
}

func openRuntime(ctx context.Context, requireDatabase bool) (*runtime, error) {
	cfg := config.Load()
	log := logger.WithComponent("posctl")

	var repo store.Repository
	closeFn := func() {}
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		repo = pg
		closeFn = func() {
			if err := pg.Close(); err != nil {
				log.Warn().Err(err).Msg("close postgres")
			}
		}
	case requireDatabase:
		return nil, fmt.Errorf("DATABASE_URL is required for this command")
	default:
		log.Debug().Msg("DATABASE_URL not set, using seeded in-memory store")
		repo = memory.NewSeeded(cfg.BranchID)
	}

	rates := fx.NewProvider(repo, cache.NoopRateCache{}, cfg.FXCacheTTL, cfg.BaseCurrency, cfg.DisplayCurrency)
	svc := service.New(repo, rates, service.Options{
		DefaultBranchID:    cfg.BranchID,
		Currency:           cfg.BaseCurrency,
		PendingTimeout:     cfg.PendingTimeout,
		RepaymentTolerance: cfg.RepaymentTolerance,
		SourceTimeout:      cfg.SourceTimeout,
	})
	return &runtime{repo: repo, svc: svc, close: closeFn}, nil
}

func operatorContext(ctx context.Context, username string) context.Context {
	if username == "" {
		username = "posctl"
	}
	return service.WithActor(ctx, domain.Actor{Username: username, Role: domain.RoleAdmin})
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

func printJSON(w io.Writer, payload any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func parseDay(raw string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD: %w", raw, err)
	}
	return t.UTC(), nil
}
