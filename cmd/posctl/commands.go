package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"cicilan/backend/internal/config"
	"cicilan/backend/internal/domain"
	"cicilan/backend/internal/logger"
	pgstore "cicilan/backend/internal/store/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Example: `  posctl migrate
  posctl migrate --source file://./migrations`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for this command")
			}
			source, _ := cmd.Flags().GetString("source")
			if source == "" {
				source = cfg.MigrationsPath
			}
			version, err := pgstore.Migrate(cfg.DatabaseURL, source)
			if err != nil {
				return err
			}
			log := logger.WithComponent("migrate")
			log.Info().Uint("version", version).Str("source", source).Msg("schema up to date")
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
	cmd.Flags().String("source", "", "Migration source URL or directory (default MIGRATIONS_PATH)")
	return cmd
}

func newPurgePendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge-pending",
		Short: "Delete PENDING transactions older than the pending timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			rt, err := openRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()

			operator, _ := cmd.Flags().GetString("operator")
			resp, err := rt.svc.PurgePending(operatorContext(ctx, operator))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().String("operator", "", "Username recorded in the audit log")
	cmd.Flags().Duration("timeout", 30*time.Second, "Overall command timeout")
	return cmd
}

func newDrawerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drawer",
		Short: "Print the cash-drawer reconciliation for one operator",
		Example: `  posctl drawer --operator cashier --date 2026-03-10
  posctl drawer --operator cashier --from 2026-03-01 --to 2026-03-31 --branch main-branch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, _ := cmd.Flags().GetString("operator")
			if strings.TrimSpace(operator) == "" {
				return fmt.Errorf("--operator is required")
			}
			req := domain.CashDrawerRequest{OperatorID: operator}
			req.BranchID, _ = cmd.Flags().GetString("branch")

			date, _ := cmd.Flags().GetString("date")
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			switch {
			case date != "":
				day, err := parseDay(date)
				if err != nil {
					return err
				}
				req.From, req.To = day, day.AddDate(0, 0, 1)
			case from != "" || to != "":
				if from == "" || to == "" {
					return fmt.Errorf("--from and --to must be given together")
				}
				start, err := parseDay(from)
				if err != nil {
					return err
				}
				end, err := parseDay(to)
				if err != nil {
					return err
				}
				req.From, req.To = start, end.AddDate(0, 0, 1)
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			rt, err := openRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.svc.CashDrawer(operatorContext(ctx, "posctl"), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().String("operator", "", "Operator username")
	cmd.Flags().String("branch", "", "Restrict to one branch")
	cmd.Flags().String("date", "", "Single day, YYYY-MM-DD (default today, UTC)")
	cmd.Flags().String("from", "", "First day, YYYY-MM-DD")
	cmd.Flags().String("to", "", "Last day inclusive, YYYY-MM-DD")
	cmd.Flags().Duration("timeout", 30*time.Second, "Overall command timeout")
	return cmd
}

func newDebtCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debt",
		Short: "List financed sales that still owe money",
		RunE: func(cmd *cobra.Command, args []string) error {
			branch, _ := cmd.Flags().GetString("branch")
			asOfRaw, _ := cmd.Flags().GetString("as-of")
			var asOf time.Time
			if asOfRaw != "" {
				day, err := parseDay(asOfRaw)
				if err != nil {
					return err
				}
				asOf = day
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			rt, err := openRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.svc.OutstandingDebt(operatorContext(ctx, "posctl"), branch, asOf)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().String("branch", "", "Restrict to one branch")
	cmd.Flags().String("as-of", "", "Evaluate overdue months as of this day, YYYY-MM-DD")
	cmd.Flags().Duration("timeout", 30*time.Second, "Overall command timeout")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule PRODUCT_ID[:QTY]...",
		Short: "Preview the financing plan for a cart",
		Example: `  posctl schedule tv-55 --down-payment 500000 --interest 10 --months 6
  posctl schedule kettle:2 iron --months 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseCartArgs(args)
			if err != nil {
				return err
			}
			down, err := decimalFlag(cmd, "down-payment")
			if err != nil {
				return err
			}
			interest, err := decimalFlag(cmd, "interest")
			if err != nil {
				return err
			}
			months, _ := cmd.Flags().GetInt("months")

			ctx, cancel := commandContext(cmd)
			defer cancel()
			rt, err := openRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.close()

			plan, err := rt.svc.PreviewSchedule(ctx, domain.SchedulePreviewRequest{
				Items:               items,
				DownPayment:         down,
				InterestRatePercent: interest,
				Months:              months,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), plan)
		},
	}
	cmd.Flags().String("down-payment", "0", "Down payment amount")
	cmd.Flags().String("interest", "0", "Flat interest percent on the financed amount")
	cmd.Flags().Int("months", 1, "Number of monthly installments")
	cmd.Flags().Duration("timeout", 30*time.Second, "Overall command timeout")
	return cmd
}

func newUserAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user-add",
		Short: "Create an operator account",
		Example: `  posctl user-add --username owner --password 's3cret!!' --role admin
  posctl user-add --username gudang1 --password 'gudang123' --role warehouse --branch north-branch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			role, _ := cmd.Flags().GetString("role")
			branch, _ := cmd.Flags().GetString("branch")

			account, err := newAccount(username, password, role, branch, time.Now().UTC())
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			rt, err := openRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.repo.CreateUser(ctx, account); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", account.Username, account.Role)
			return nil
		},
	}
	cmd.Flags().String("username", "", "Login name, at least 4 characters")
	cmd.Flags().String("password", "", "Password, at least 6 characters")
	cmd.Flags().String("role", domain.RoleCashier, "admin, cashier or warehouse")
	cmd.Flags().String("branch", "", "Home branch")
	cmd.Flags().Duration("timeout", 30*time.Second, "Overall command timeout")
	return cmd
}

func newAccount(username, password, role, branchID string, now time.Time) (domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(username) < 4 || strings.ContainsAny(username, " \t\r\n") {
		return domain.UserAccount{}, fmt.Errorf("username must be at least 4 characters without spaces")
	}
	if len(strings.TrimSpace(password)) < 6 {
		return domain.UserAccount{}, fmt.Errorf("password must be at least 6 characters")
	}
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case domain.RoleAdmin, domain.RoleCashier, domain.RoleWarehouse:
	default:
		return domain.UserAccount{}, fmt.Errorf("unknown role %q", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("hash password: %w", err)
	}
	return domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      role,
		BranchID:  strings.TrimSpace(branchID),
		Active:    true,
		CreatedAt: now,
	}, nil
}

func parseCartArgs(args []string) ([]domain.SaleItemRequest, error) {
	items := make([]domain.SaleItemRequest, 0, len(args))
	for _, arg := range args {
		productID, rawQty, hasQty := strings.Cut(arg, ":")
		quantity := 1
		if hasQty {
			if _, err := fmt.Sscanf(rawQty, "%d", &quantity); err != nil || quantity < 1 {
				return nil, fmt.Errorf("invalid quantity in %q", arg)
			}
		}
		productID = strings.TrimSpace(productID)
		if productID == "" {
			return nil, fmt.Errorf("missing product id in %q", arg)
		}
		items = append(items, domain.SaleItemRequest{ProductID: productID, Quantity: quantity})
	}
	return items, nil
}

func decimalFlag(cmd *cobra.Command, name string) (decimal.Decimal, error) {
	raw, _ := cmd.Flags().GetString(name)
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return value, nil
}
