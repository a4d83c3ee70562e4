package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"cicilan/backend/internal/domain"
	"cicilan/backend/internal/ledger"
	"cicilan/backend/internal/store"
	"cicilan/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name
		FROM branches
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0, 8)
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return branches, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price, active
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetStockMap(ctx context.Context, branchID string, productIDs []string) (map[string]int, error) {
	stockMap := make(map[string]int, len(productIDs))
	if len(productIDs) == 0 {
		return stockMap, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, qty
		FROM inventory_stocks
		WHERE branch_id = $1 AND product_id = ANY($2)
	`, branchID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		stockMap[productID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range productIDs {
		if _, ok := stockMap[id]; !ok {
			stockMap[id] = 0
		}
	}
	return stockMap, nil
}

func (s *Store) AdjustStock(ctx context.Context, branchID string, adjustments []domain.StockAdjustment) error {
	deltas := make(map[string]int, len(adjustments))
	for _, adj := range adjustments {
		if adj.ProductID == "" {
			return store.ErrInvalidTransaction
		}
		deltas[adj.ProductID] += adj.Qty
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := adjustStock(ctx, pgTx, branchID, deltas); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" || len(tx.Items) == 0 || tx.Status != domain.TxStatusPending {
		return nil, store.ErrInvalidTransaction
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, type, payment_type, total, final_total, amount_paid, down_payment,
			remaining_balance, interest_rate, months, currency, status, branch_id,
			target_branch_id, sold_by, created_by, customer_id, note, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, tx.ID, tx.Type, nullIfEmpty(tx.PaymentType), tx.Total, tx.FinalTotal, tx.AmountPaid, tx.DownPayment,
		tx.RemainingBalance, tx.InterestRate, tx.Months, tx.Currency, tx.Status, tx.BranchID,
		nullIfEmpty(tx.TargetBranchID), nullIfEmpty(tx.SoldBy), tx.CreatedBy, nullIfEmpty(tx.CustomerID), tx.Note, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) || isForeignKeyViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	for _, item := range tx.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidTransaction
		}
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (
				transaction_id, product_id, product_name, quantity, unit_price, line_total,
				credit_month, credit_percent, monthly_payment
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, tx.ID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.LineTotal,
			item.CreditMonth, nullDecimal(item.CreditPercent), nullDecimal(item.MonthlyPayment))
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, fmt.Errorf("product %s unavailable", item.ProductID)
			}
			return nil, err
		}
	}

	for i := range tx.PaymentSchedules {
		schedule := &tx.PaymentSchedules[i]
		schedule.TransactionID = tx.ID
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO payment_schedules (id, transaction_id, month, due_date, payment, paid_amount, is_paid)
			VALUES ($1,$2,$3,$4,$5,$6,false)
		`, schedule.ID, tx.ID, schedule.Month, schedule.DueDate, schedule.Payment, schedule.PaidAmount)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, store.ErrInvalidTransaction
			}
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := tx
	return &created, nil
}

const transactionColumns = `
	id, type, COALESCE(payment_type,''), total, final_total, amount_paid, down_payment,
	remaining_balance, interest_rate, months, currency, status, branch_id,
	COALESCE(target_branch_id,''), COALESCE(sold_by,''), created_by, COALESCE(customer_id,''),
	note, created_at
`

func scanTransaction(row interface{ Scan(dest ...any) error }) (domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.Type,
		&tx.PaymentType,
		&tx.Total,
		&tx.FinalTotal,
		&tx.AmountPaid,
		&tx.DownPayment,
		&tx.RemainingBalance,
		&tx.InterestRate,
		&tx.Months,
		&tx.Currency,
		&tx.Status,
		&tx.BranchID,
		&tx.TargetBranchID,
		&tx.SoldBy,
		&tx.CreatedBy,
		&tx.CustomerID,
		&tx.Note,
		&tx.CreatedAt,
	)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, err
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	txs := []domain.Transaction{tx}
	if err := s.loadLines(ctx, s.db, txs); err != nil {
		return nil, err
	}
	return &txs[0], nil
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	var where whereBuilder
	if filter.BranchID != "" {
		where.add("branch_id = $%d", filter.BranchID)
	}
	if filter.Type != "" {
		where.add("type = $%d", filter.Type)
	}
	if filter.Status != "" {
		where.add("status = $%d", filter.Status)
	}
	if len(filter.PaymentTypes) > 0 {
		where.add("payment_type = ANY($%d)", filter.PaymentTypes)
	}
	if filter.DateRange != nil {
		if !filter.DateRange.From.IsZero() {
			where.add("created_at >= $%d", filter.DateRange.From)
		}
		if !filter.DateRange.To.IsZero() {
			where.add("created_at < $%d", filter.DateRange.To)
		}
	}

	return s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions`+where.sql()+` ORDER BY created_at, id`, where.args...)
}

func (s *Store) ListPendingTransactions(ctx context.Context, before time.Time) ([]domain.Transaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at, id
	`, domain.TxStatusPending, before)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	txs := make([]domain.Transaction, 0, 32)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := s.loadLines(ctx, s.db, txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// loadLines fills items and schedules for txs with two queries.
func (s *Store) loadLines(ctx context.Context, q queryer, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	index := make(map[string]int, len(txs))
	ids := make([]string, 0, len(txs))
	for i := range txs {
		index[txs[i].ID] = i
		ids = append(ids, txs[i].ID)
		txs[i].Items = make([]domain.LineItem, 0, 4)
	}

	itemRows, err := q.QueryContext(ctx, `
		SELECT transaction_id, product_id, product_name, quantity, unit_price, line_total,
			credit_month, credit_percent, monthly_payment
		FROM transaction_items
		WHERE transaction_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return err
	}
	for itemRows.Next() {
		var txID string
		var item domain.LineItem
		var creditPercent, monthly decimal.NullDecimal
		if err := itemRows.Scan(&txID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.LineTotal,
			&item.CreditMonth, &creditPercent, &monthly); err != nil {
			_ = itemRows.Close()
			return err
		}
		if creditPercent.Valid {
			item.CreditPercent = &creditPercent.Decimal
		}
		if monthly.Valid {
			item.MonthlyPayment = &monthly.Decimal
		}
		i := index[txID]
		txs[i].Items = append(txs[i].Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	scheduleRows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, month, due_date, payment, paid_amount, is_paid,
			paid_at, COALESCE(paid_channel,''), COALESCE(paid_by,'')
		FROM payment_schedules
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, month
	`, ids)
	if err != nil {
		return err
	}
	defer scheduleRows.Close()
	for scheduleRows.Next() {
		schedule, err := scanSchedule(scheduleRows)
		if err != nil {
			return err
		}
		i := index[schedule.TransactionID]
		txs[i].PaymentSchedules = append(txs[i].PaymentSchedules, schedule)
	}
	return scheduleRows.Err()
}

func scanSchedule(row interface{ Scan(dest ...any) error }) (domain.PaymentSchedule, error) {
	var schedule domain.PaymentSchedule
	var paidAt sql.NullTime
	if err := row.Scan(&schedule.ID, &schedule.TransactionID, &schedule.Month, &schedule.DueDate, &schedule.Payment,
		&schedule.PaidAmount, &schedule.IsPaid, &paidAt, &schedule.PaidChannel, &schedule.PaidBy); err != nil {
		return domain.PaymentSchedule{}, err
	}
	schedule.DueDate = schedule.DueDate.UTC()
	if paidAt.Valid {
		at := paidAt.Time.UTC()
		schedule.PaidAt = &at
	}
	return schedule, nil
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, id string, status string) (*domain.Transaction, error) {
	if status != domain.TxStatusCompleted && status != domain.TxStatusCancelled {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	locked, err := scanTransaction(pgTx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if locked.Status != domain.TxStatusPending {
		return nil, store.ErrInvalidTransaction
	}
	// The result is read inside the write so nothing after Commit can fail.
	snapshot := []domain.Transaction{locked}
	if err := s.loadLines(ctx, pgTx, snapshot); err != nil {
		return nil, err
	}

	if status == domain.TxStatusCompleted {
		quantities, err := itemQuantities(ctx, pgTx, id)
		if err != nil {
			return nil, err
		}
		if err := adjustStock(ctx, pgTx, locked.BranchID, scaled(quantities, -1)); err != nil {
			return nil, err
		}
		if locked.Type == domain.TxTypeTransfer {
			if err := adjustStock(ctx, pgTx, locked.TargetBranchID, scaled(quantities, 1)); err != nil {
				return nil, err
			}
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2
		WHERE id = $1 AND status = $3
	`, id, status, domain.TxStatusPending)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	snapshot[0].Status = status
	return &snapshot[0], nil
}

func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE id = $1 AND status <> $2
	`, id, domain.TxStatusCompleted)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return store.ErrInvalidTransaction
	}
	return store.ErrNotFound
}

func (s *Store) FindPaymentSchedule(ctx context.Context, id string) (*domain.PaymentSchedule, error) {
	schedule, err := scanSchedule(s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, month, due_date, payment, paid_amount, is_paid,
			paid_at, COALESCE(paid_channel,''), COALESCE(paid_by,'')
		FROM payment_schedules
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &schedule, nil
}

func (s *Store) ApplyPaymentSchedule(ctx context.Context, update domain.RepaymentUpdate) (*domain.PaymentSchedule, error) {
	delta := update.PaidAmount.Sub(update.ExpectedPaidAmount)
	if update.ScheduleID == "" || !delta.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var txID string
	err = pgTx.QueryRowContext(ctx, `
		UPDATE payment_schedules
		SET paid_amount = $2, is_paid = $3, paid_at = $4, paid_channel = $5, paid_by = $6
		WHERE id = $1 AND is_paid = false AND paid_amount = $7
		RETURNING transaction_id
	`, update.ScheduleID, update.PaidAmount, update.IsPaid, update.PaidAt, update.PaidChannel, update.PaidByUserID,
		update.ExpectedPaidAmount).Scan(&txID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		var exists bool
		if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM payment_schedules WHERE id = $1)`, update.ScheduleID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: schedule %s changed since it was read", ledger.ErrStaleState, update.ScheduleID)
	}
	if update.TransactionID != "" && update.TransactionID != txID {
		return nil, store.ErrInvalidTransaction
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET amount_paid = amount_paid + $2,
			remaining_balance = GREATEST(0, final_total - (amount_paid + $2))
		WHERE id = $1
	`, txID, delta)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.FindPaymentSchedule(ctx, update.ScheduleID)
}

func (s *Store) CreateDefectiveLog(ctx context.Context, entry domain.DefectiveLog, stockDelta int) (*domain.DefectiveLog, error) {
	if entry.ID == "" || entry.Quantity < 1 {
		return nil, store.ErrInvalidTransaction
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO defective_logs (
			id, product_id, transaction_id, action_type, quantity, description,
			cash_amount, created_at, handled_by, branch_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.ProductID, nullIfEmpty(entry.TransactionID), entry.ActionType, entry.Quantity, entry.Description,
		entry.CashAmount, entry.CreatedAt, entry.HandledBy, entry.BranchID)
	if err != nil {
		if isUniqueViolation(err) || isForeignKeyViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	if stockDelta != 0 {
		if err := adjustStock(ctx, pgTx, entry.BranchID, map[string]int{entry.ProductID: stockDelta}); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := entry
	return &created, nil
}

func (s *Store) ListDefectiveLogs(ctx context.Context, filter domain.DefectiveLogFilter) ([]domain.DefectiveLog, error) {
	var where whereBuilder
	if filter.BranchID != "" {
		where.add("branch_id = $%d", filter.BranchID)
	}
	if filter.TransactionID != "" {
		where.add("transaction_id = $%d", filter.TransactionID)
	}
	if filter.ProductID != "" {
		where.add("product_id = $%d", filter.ProductID)
	}
	if filter.DateRange != nil {
		if !filter.DateRange.From.IsZero() {
			where.add("created_at >= $%d", filter.DateRange.From)
		}
		if !filter.DateRange.To.IsZero() {
			where.add("created_at < $%d", filter.DateRange.To)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, COALESCE(transaction_id,''), action_type, quantity, description,
			cash_amount, created_at, handled_by, branch_id
		FROM defective_logs`+where.sql()+`
		ORDER BY created_at, id
	`, where.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.DefectiveLog, 0, 32)
	for rows.Next() {
		var entry domain.DefectiveLog
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.TransactionID, &entry.ActionType, &entry.Quantity,
			&entry.Description, &entry.CashAmount, &entry.CreatedAt, &entry.HandledBy, &entry.BranchID); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateExchangeRate(ctx context.Context, rate domain.ExchangeRate) (*domain.ExchangeRate, error) {
	if rate.From == "" || rate.To == "" || rate.From == rate.To || !rate.Rate.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}
	if rate.ID == "" {
		rate.ID = xid.New("fx")
	}
	if rate.CreatedAt.IsZero() {
		rate.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if rate.Active {
		if err := deactivatePair(ctx, pgTx, rate.From, rate.To); err != nil {
			return nil, err
		}
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO exchange_rates (id, from_currency, to_currency, rate, active, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rate.ID, rate.From, rate.To, rate.Rate, rate.Active, rate.CreatedBy, rate.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := rate
	return &created, nil
}

func (s *Store) ActivateExchangeRate(ctx context.Context, id string) (*domain.ExchangeRate, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	rate, err := scanExchangeRate(pgTx.QueryRowContext(ctx, `
		SELECT `+exchangeRateColumns+`
		FROM exchange_rates
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := deactivatePair(ctx, pgTx, rate.From, rate.To); err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `UPDATE exchange_rates SET active = true WHERE id = $1`, id); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	rate.Active = true
	return &rate, nil
}

func (s *Store) GetCurrentExchangeRate(ctx context.Context, from string, to string) (*domain.ExchangeRate, error) {
	rate, err := scanExchangeRate(s.db.QueryRowContext(ctx, `
		SELECT `+exchangeRateColumns+`
		FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2 AND active = true
	`, from, to))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &rate, nil
}

func (s *Store) ListExchangeRates(ctx context.Context, from string, to string, limit int) ([]domain.ExchangeRate, error) {
	if limit < 1 {
		limit = 100
	}
	var where whereBuilder
	if from != "" {
		where.add("from_currency = $%d", from)
	}
	if to != "" {
		where.add("to_currency = $%d", to)
	}
	where.args = append(where.args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM exchange_rates%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, exchangeRateColumns, where.sql(), len(where.args)), where.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rates := make([]domain.ExchangeRate, 0, limit)
	for rows.Next() {
		rate, err := scanExchangeRate(rows)
		if err != nil {
			return nil, err
		}
		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rates, nil
}

const exchangeRateColumns = `id, from_currency, to_currency, rate, active, created_by, created_at`

func scanExchangeRate(row interface{ Scan(dest ...any) error }) (domain.ExchangeRate, error) {
	var rate domain.ExchangeRate
	err := row.Scan(&rate.ID, &rate.From, &rate.To, &rate.Rate, &rate.Active, &rate.CreatedBy, &rate.CreatedAt)
	rate.CreatedAt = rate.CreatedAt.UTC()
	return rate, err
}

func deactivatePair(ctx context.Context, q queryer, from string, to string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE exchange_rates
		SET active = false
		WHERE from_currency = $1 AND to_currency = $2 AND active = true
	`, from, to)
	return err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR branch_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, branchID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, branch_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.BranchID, true, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, branch_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.BranchID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// adjustStock applies signed deltas in product order. The qty >= 0 check
// constraint turns an oversell into ErrInsufficientStock.
func adjustStock(ctx context.Context, q queryer, branchID string, deltas map[string]int) error {
	productIDs := make([]string, 0, len(deltas))
	for id := range deltas {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	for _, productID := range productIDs {
		delta := deltas[productID]
		if delta == 0 {
			continue
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO inventory_stocks (branch_id, product_id, qty, updated_at)
			VALUES ($1,$2,$3,now())
			ON CONFLICT (branch_id, product_id)
			DO UPDATE SET qty = inventory_stocks.qty + EXCLUDED.qty, updated_at = now()
		`, branchID, productID, delta)
		if err != nil {
			if isCheckViolation(err) {
				return store.ErrInsufficientStock
			}
			if isForeignKeyViolation(err) {
				return fmt.Errorf("product %s unavailable at branch %s", productID, branchID)
			}
			return err
		}
	}
	return nil
}

func itemQuantities(ctx context.Context, q queryer, transactionID string) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, SUM(quantity)
		FROM transaction_items
		WHERE transaction_id = $1
		GROUP BY product_id
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quantities := make(map[string]int, 8)
	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		quantities[productID] = qty
	}
	return quantities, rows.Err()
}

func scaled(quantities map[string]int, sign int) map[string]int {
	out := make(map[string]int, len(quantities))
	for id, qty := range quantities {
		out[id] = sign * qty
	}
	return out
}

type whereBuilder struct {
	clauses []string
	args    []any
}

// add appends a clause whose single %d is replaced by the next placeholder.
func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func isUniqueViolation(err error) bool {
	return hasPgCode(err, "23505")
}

func isForeignKeyViolation(err error) bool {
	return hasPgCode(err, "23503")
}

func isCheckViolation(err error) bool {
	return hasPgCode(err, "23514")
}

func hasPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
