package store

import (
	"context"
	"errors"
	"time"

	"cicilan/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

type Repository interface {
	ListBranches(ctx context.Context) ([]domain.Branch, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	GetStockMap(ctx context.Context, branchID string, productIDs []string) (map[string]int, error)
	AdjustStock(ctx context.Context, branchID string, adjustments []domain.StockAdjustment) error

	// CreateTransaction stores a PENDING transaction with its schedule rows.
	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)
	ListPendingTransactions(ctx context.Context, before time.Time) ([]domain.Transaction, error)
	// UpdateTransactionStatus only moves PENDING transactions. Completing a
	// SALE takes its items out of branch stock and completing a TRANSFER moves
	// them to the target branch, in the same write.
	UpdateTransactionStatus(ctx context.Context, id string, status string) (*domain.Transaction, error)
	// DeleteTransaction removes a PENDING transaction. Completed ones are
	// rejected with ErrInvalidTransaction.
	DeleteTransaction(ctx context.Context, id string) error

	FindPaymentSchedule(ctx context.Context, id string) (*domain.PaymentSchedule, error)
	// ApplyPaymentSchedule writes a repayment only if the schedule is still
	// unpaid and its paid amount equals update.ExpectedPaidAmount, otherwise
	// it fails with ledger.ErrStaleState. The parent transaction's amount
	// paid grows by the same delta.
	ApplyPaymentSchedule(ctx context.Context, update domain.RepaymentUpdate) (*domain.PaymentSchedule, error)

	// CreateDefectiveLog appends entry and applies stockDelta to the entry's
	// branch in the same write.
	CreateDefectiveLog(ctx context.Context, entry domain.DefectiveLog, stockDelta int) (*domain.DefectiveLog, error)
	ListDefectiveLogs(ctx context.Context, filter domain.DefectiveLogFilter) ([]domain.DefectiveLog, error)

	CreateExchangeRate(ctx context.Context, rate domain.ExchangeRate) (*domain.ExchangeRate, error)
	// ActivateExchangeRate makes id the only active rate for its pair.
	ActivateExchangeRate(ctx context.Context, id string) (*domain.ExchangeRate, error)
	GetCurrentExchangeRate(ctx context.Context, from string, to string) (*domain.ExchangeRate, error)
	ListExchangeRates(ctx context.Context, from string, to string, limit int) ([]domain.ExchangeRate, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
