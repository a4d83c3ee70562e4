package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cicilan/backend/internal/domain"
)

const (
	SourcePrimary      = "primary"
	SourceSupplemental = "supplemental"
	SourceReturns      = "returns"
)

// Source is the read side the aggregator needs from the store.
type Source interface {
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)
	ListDefectiveLogs(ctx context.Context, filter domain.DefectiveLogFilter) ([]domain.DefectiveLog, error)
}

type DrawerQuery struct {
	OperatorID string
	Range      domain.DateRange
	BranchID   string
}

// ScheduleSet records the schedule ids already counted in one aggregate.
type ScheduleSet map[string]struct{}

// Add marks id as seen and reports whether it was new.
func (s ScheduleSet) Add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

func (s ScheduleSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// DefaultSourceTimeout bounds each supplemental fetch when no budget is set.
const DefaultSourceTimeout = 5 * time.Second

type Aggregator struct {
	source        Source
	sourceTimeout time.Duration
}

// NewAggregator returns an aggregator over source. sourceTimeout bounds the
// supplemental and returns fetches; the primary fetch only follows the
// caller's context.
func NewAggregator(source Source, sourceTimeout time.Duration) *Aggregator {
	if sourceTimeout <= 0 {
		sourceTimeout = DefaultSourceTimeout
	}
	return &Aggregator{source: source, sourceTimeout: sourceTimeout}
}

// BuildCashDrawer reconciles one operator's drawer for q.Range.
//
// The primary fetch (transactions in range) and the supplemental fetch
// (financed sales of any date, for repayments collected in range) run
// concurrently, together with the returns fetch. A primary failure is
// returned as a plain error. A failed or timed out supplemental or returns
// fetch still yields a usable aggregate marked Incomplete, and the returned
// error wraps one *SourceError per failed fetch so
// errors.Is(err, ErrPartialSource) holds.
func (a *Aggregator) BuildCashDrawer(ctx context.Context, q DrawerQuery) (domain.CashDrawerAggregate, error) {
	q.OperatorID = strings.TrimSpace(q.OperatorID)
	if q.OperatorID == "" {
		return domain.CashDrawerAggregate{}, validationf("operator is required")
	}
	if !q.Range.From.IsZero() && !q.Range.To.IsZero() && !q.Range.From.Before(q.Range.To) {
		return domain.CashDrawerAggregate{}, validationf("date range start must be before its end")
	}

	var (
		primary      []domain.Transaction
		supplemental []domain.Transaction
		logs         []domain.DefectiveLog
		suppErr      error
		logsErr      error
	)

	// Supplemental fetches never fail the group, so a slow or failed one
	// cannot cancel the primary fetch.
	var g errgroup.Group
	g.Go(func() error {
		rng := q.Range
		var err error
		primary, err = a.source.ListTransactions(ctx, domain.TransactionFilter{
			DateRange: &rng,
			BranchID:  q.BranchID,
		})
		return err
	})
	g.Go(func() error {
		supplemental, suppErr = withBudget(ctx, a.sourceTimeout, func(ctx context.Context) ([]domain.Transaction, error) {
			return a.source.ListTransactions(ctx, domain.TransactionFilter{
				BranchID:     q.BranchID,
				PaymentTypes: []string{domain.PaymentCredit, domain.PaymentInstallment},
			})
		})
		return nil
	})
	g.Go(func() error {
		rng := q.Range
		logs, logsErr = withBudget(ctx, a.sourceTimeout, func(ctx context.Context) ([]domain.DefectiveLog, error) {
			return a.source.ListDefectiveLogs(ctx, domain.DefectiveLogFilter{
				BranchID:  q.BranchID,
				DateRange: &rng,
			})
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.CashDrawerAggregate{}, err
	}

	var partial []error
	if suppErr != nil {
		supplemental = nil
		partial = append(partial, &SourceError{Source: SourceSupplemental, Err: suppErr})
	}
	if logsErr != nil {
		logs = nil
		partial = append(partial, &SourceError{Source: SourceReturns, Err: logsErr})
	}

	agg := Merge(q, primary, supplemental, logs)
	agg.BranchID = q.BranchID
	for _, err := range partial {
		agg.Incomplete = true
		agg.Warnings = append(agg.Warnings, err.Error())
	}
	return agg, errors.Join(partial...)
}

// withBudget runs fetch under its own deadline and stops waiting for it once
// the deadline passes, even if fetch ignores its context.
func withBudget[T any](ctx context.Context, budget time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fetch(ctx)
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Merge folds already fetched sources into one aggregate. It is pure: the
// same inputs always give the same totals, and a transaction present in
// both sets contributes once.
func Merge(q DrawerQuery, primary []domain.Transaction, supplemental []domain.Transaction, logs []domain.DefectiveLog) domain.CashDrawerAggregate {
	agg := domain.CashDrawerAggregate{
		OperatorID:       q.OperatorID,
		Range:            q.Range,
		CashTotal:        decimal.Zero,
		CardTotal:        decimal.Zero,
		CreditTotal:      decimal.Zero,
		InstallmentTotal: decimal.Zero,
		UpfrontTotal:     decimal.Zero,
		RepaymentTotal:   decimal.Zero,
		RepaymentCash:    decimal.Zero,
		RepaymentCard:    decimal.Zero,
		Repayments:       []domain.RepaymentRecord{},
		SoldAmount:       decimal.Zero,
		ReturnCash:       decimal.Zero,
	}

	counted := make(map[string]struct{}, len(primary)+len(supplemental))
	seen := make(ScheduleSet)
	for _, set := range [][]domain.Transaction{primary, supplemental} {
		for _, tx := range set {
			if tx.Status != domain.TxStatusCompleted {
				continue
			}
			if _, dup := counted[tx.ID]; !dup {
				counted[tx.ID] = struct{}{}
				addSale(&agg, q, tx)
			}
			addRepayments(&agg, q, tx, seen)
		}
	}

	for _, entry := range logs {
		if entry.HandledBy != q.OperatorID || !MovesCash(entry.ActionType) {
			continue
		}
		if !q.Range.Contains(entry.CreatedAt) {
			continue
		}
		agg.ReturnCash = agg.ReturnCash.Add(entry.CashAmount)
	}

	agg.CashOwed = agg.CashTotal.Add(agg.RepaymentCash).Add(agg.UpfrontTotal)
	agg.NetCash = agg.CashOwed.Add(agg.ReturnCash)
	return agg
}

// addSale counts the sale side of tx. Sales outside the range only reach
// the merge through the supplemental set and contribute repayments only.
func addSale(agg *domain.CashDrawerAggregate, q DrawerQuery, tx domain.Transaction) {
	if tx.Type != domain.TxTypeSale || tx.Seller() != q.OperatorID {
		return
	}
	if !q.Range.Contains(tx.CreatedAt) {
		return
	}

	switch tx.PaymentType {
	case domain.PaymentCash:
		agg.CashTotal = agg.CashTotal.Add(tx.FinalTotal)
	case domain.PaymentCard:
		agg.CardTotal = agg.CardTotal.Add(tx.FinalTotal)
	case domain.PaymentCredit:
		agg.CreditTotal = agg.CreditTotal.Add(tx.FinalTotal)
	case domain.PaymentInstallment:
		agg.InstallmentTotal = agg.InstallmentTotal.Add(tx.FinalTotal)
	}
	if tx.IsFinanced() {
		agg.UpfrontTotal = agg.UpfrontTotal.Add(decimal.Min(tx.DownPayment, tx.Total))
	}

	for _, item := range tx.Items {
		agg.SoldQuantity += item.Quantity
		agg.SoldAmount = agg.SoldAmount.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	agg.Transactions++
}

// addRepayments counts paid schedules collected by the operator in range.
// seen carries the schedule ids across both sources.
func addRepayments(agg *domain.CashDrawerAggregate, q DrawerQuery, tx domain.Transaction, seen ScheduleSet) {
	for _, schedule := range tx.PaymentSchedules {
		if !schedule.IsPaid || schedule.PaidAt == nil || schedule.PaidBy != q.OperatorID {
			continue
		}
		if !q.Range.Contains(*schedule.PaidAt) {
			continue
		}
		if !seen.Add(schedule.ID) {
			continue
		}

		channel := schedule.PaidChannel
		if channel == "" {
			channel = domain.ChannelCash
		}
		agg.RepaymentTotal = agg.RepaymentTotal.Add(schedule.PaidAmount)
		if channel == domain.ChannelCard {
			agg.RepaymentCard = agg.RepaymentCard.Add(schedule.PaidAmount)
		} else {
			agg.RepaymentCash = agg.RepaymentCash.Add(schedule.PaidAmount)
		}
		agg.Repayments = append(agg.Repayments, domain.RepaymentRecord{
			ScheduleID:    schedule.ID,
			TransactionID: tx.ID,
			Month:         schedule.Month,
			Amount:        schedule.PaidAmount,
			Channel:       channel,
			PaidAt:        *schedule.PaidAt,
			CustomerID:    tx.CustomerID,
		})
	}
}
