package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cicilan/backend/internal/domain"
	"cicilan/backend/internal/fx"
	"cicilan/backend/internal/ledger"
	"cicilan/backend/internal/logger"
	"cicilan/backend/internal/store"
	"cicilan/backend/internal/xid"
)

// ErrForbidden is returned when the actor's role may not run a use case.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultBranchID    string
	Currency           string
	PendingTimeout     time.Duration
	RepaymentTolerance decimal.Decimal
	// SourceTimeout bounds each supplemental drawer fetch.
	SourceTimeout time.Duration
}

type Service struct {
	repo            store.Repository
	guard           *ledger.Guard
	aggregator      *ledger.Aggregator
	rates           *fx.Provider
	defaultBranchID string
	currency        string
	tolerance       decimal.Decimal
	log             zerolog.Logger
	now             func() time.Time

	// returnsMu serializes the read-check-append of return quantities.
	returnsMu sync.Mutex
}

func New(repo store.Repository, rates *fx.Provider, opts Options) *Service {
	if opts.DefaultBranchID == "" {
		opts.DefaultBranchID = "main-branch"
	}
	if opts.Currency == "" {
		opts.Currency = "UZS"
	}
	if opts.RepaymentTolerance.IsZero() || opts.RepaymentTolerance.IsNegative() {
		opts.RepaymentTolerance = ledger.DefaultRepaymentTolerance
	}

	return &Service{
		repo:            repo,
		guard:           ledger.NewGuard(repo, opts.PendingTimeout),
		aggregator:      ledger.NewAggregator(repo, opts.SourceTimeout),
		rates:           rates,
		defaultBranchID: opts.DefaultBranchID,
		currency:        strings.ToUpper(opts.Currency),
		tolerance:       opts.RepaymentTolerance,
		log:             logger.WithComponent("service"),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	return s.repo.ListBranches(ctx)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) PreviewSchedule(ctx context.Context, req domain.SchedulePreviewRequest) (ledger.Plan, error) {
	items, err := s.resolveItems(ctx, req.Items)
	if err != nil {
		return ledger.Plan{}, err
	}
	return ledger.BuildSchedule(items, req.DownPayment, req.InterestRatePercent, req.Months)
}

// SubmitSale prices the cart from the catalogue, builds the financing plan for
// CREDIT and INSTALLMENT sales and stores the sale as PENDING.
func (s *Service) SubmitSale(ctx context.Context, req domain.SaleRequest) (domain.Transaction, error) {
	actor := actorOrSystem(ctx)
	req.BranchID = defaultString(strings.TrimSpace(req.BranchID), s.defaultBranchID)
	req.PaymentType = strings.ToUpper(strings.TrimSpace(req.PaymentType))
	if req.PaymentType == "" {
		req.PaymentType = domain.PaymentCash
	}

	items, err := s.resolveItems(ctx, req.Items)
	if err != nil {
		return domain.Transaction{}, err
	}
	if len(items) == 0 {
		return domain.Transaction{}, fmt.Errorf("%w: sale has no items", ledger.ErrValidation)
	}
	if err := s.checkStock(ctx, req.BranchID, items); err != nil {
		return domain.Transaction{}, err
	}

	now := s.now()
	tx := domain.Transaction{
		ID:          xid.New("tx"),
		Type:        domain.TxTypeSale,
		PaymentType: req.PaymentType,
		Currency:    s.currency,
		Status:      domain.TxStatusDraft,
		BranchID:    req.BranchID,
		SoldBy:      defaultString(strings.TrimSpace(req.SoldBy), actor.Username),
		CreatedBy:   actor.Username,
		CustomerID:  strings.TrimSpace(req.CustomerID),
		Note:        strings.TrimSpace(req.Note),
		CreatedAt:   now,
		Items:       items,
	}

	switch req.PaymentType {
	case domain.PaymentCash, domain.PaymentCard:
		if req.Months != 0 || !req.DownPayment.IsZero() {
			return domain.Transaction{}, fmt.Errorf("%w: %s sales take no down payment or months", ledger.ErrValidation, req.PaymentType)
		}
		total, err := ledger.BaseTotal(items)
		if err != nil {
			return domain.Transaction{}, err
		}
		tx.Total = total
		tx.FinalTotal = total
		tx.AmountPaid = total
		tx.RemainingBalance = decimal.Zero
	case domain.PaymentCredit, domain.PaymentInstallment:
		if req.Months < 1 {
			return domain.Transaction{}, fmt.Errorf("%w: financed sales need at least one month", ledger.ErrValidation)
		}
		plan, err := ledger.BuildSchedule(items, req.DownPayment, req.InterestRatePercent, req.Months)
		if err != nil {
			return domain.Transaction{}, err
		}
		if !plan.RemainingPrincipal.IsPositive() {
			return domain.Transaction{}, fmt.Errorf("%w: down payment covers the whole sale", ledger.ErrValidation)
		}

		upfront := decimal.Min(plan.DownPayment, plan.BaseTotal)
		tx.Total = plan.BaseTotal
		tx.FinalTotal = plan.FinalTotal
		tx.DownPayment = upfront
		tx.AmountPaid = upfront
		tx.RemainingBalance = plan.RemainingWithInterest
		tx.InterestRate = plan.InterestRatePercent
		tx.Months = plan.Months

		rate := plan.InterestRatePercent
		monthly := plan.MonthlyPayment
		for i := range tx.Items {
			tx.Items[i].CreditMonth = plan.Months
			tx.Items[i].CreditPercent = &rate
			tx.Items[i].MonthlyPayment = &monthly
		}

		firstDue := now.AddDate(0, 1, 0)
		if req.FirstDueDate != nil && !req.FirstDueDate.IsZero() {
			firstDue = req.FirstDueDate.UTC()
		}
		tx.PaymentSchedules = ledger.ScheduleRows(plan, tx.ID, firstDue, func() string { return xid.New("sch") })
	default:
		return domain.Transaction{}, fmt.Errorf("%w: unknown payment type %q", ledger.ErrValidation, req.PaymentType)
	}

	created, err := s.guard.Submit(ctx, tx)
	if err != nil {
		return domain.Transaction{}, err
	}

	s.logAudit(ctx, created.BranchID, "sale_submit", "transaction", created.ID,
		fmt.Sprintf("payment=%s,final_total=%s,months=%d", created.PaymentType, created.FinalTotal.StringFixed(2), created.Months))
	return *created, nil
}

func (s *Service) SubmitTransfer(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleAdmin && actor.Role != domain.RoleWarehouse) {
		return domain.Transaction{}, fmt.Errorf("%w: admin or warehouse role required", ErrForbidden)
	}

	req.BranchID = defaultString(strings.TrimSpace(req.BranchID), s.defaultBranchID)
	req.TargetBranchID = strings.TrimSpace(req.TargetBranchID)
	if req.TargetBranchID == "" || req.TargetBranchID == req.BranchID {
		return domain.Transaction{}, fmt.Errorf("%w: target branch must differ from source branch", ledger.ErrValidation)
	}

	items, err := s.resolveItems(ctx, req.Items)
	if err != nil {
		return domain.Transaction{}, err
	}
	if len(items) == 0 {
		return domain.Transaction{}, fmt.Errorf("%w: transfer has no items", ledger.ErrValidation)
	}
	if err := s.checkStock(ctx, req.BranchID, items); err != nil {
		return domain.Transaction{}, err
	}
	total, err := ledger.BaseTotal(items)
	if err != nil {
		return domain.Transaction{}, err
	}

	created, err := s.guard.Submit(ctx, domain.Transaction{
		ID:             xid.New("tr"),
		Type:           domain.TxTypeTransfer,
		Total:          total,
		FinalTotal:     total,
		Currency:       s.currency,
		BranchID:       req.BranchID,
		TargetBranchID: req.TargetBranchID,
		CreatedBy:      actor.Username,
		Note:           strings.TrimSpace(req.Note),
		CreatedAt:      s.now(),
		Items:          items,
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	s.logAudit(ctx, created.BranchID, "transfer_submit", "transaction", created.ID, "target="+created.TargetBranchID)
	return *created, nil
}

func (s *Service) ConfirmTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Transaction{}, fmt.Errorf("%w: transaction id is required", ledger.ErrValidation)
	}

	confirmed, err := s.guard.Confirm(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("transaction_id", id).Msg("confirmation failed")
		return domain.Transaction{}, err
	}

	s.logAudit(ctx, confirmed.BranchID, "transaction_confirm", "transaction", confirmed.ID, confirmed.Type)
	return *confirmed, nil
}

func (s *Service) AbandonTransaction(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: transaction id is required", ledger.ErrValidation)
	}
	if err := s.guard.Abandon(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "", "transaction_abandon", "transaction", id, "")
	return nil
}

// PurgePending deletes every PENDING transaction older than the guard timeout.
func (s *Service) PurgePending(ctx context.Context) (domain.PurgeResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PurgeResponse{}, err
	}

	now := s.now()
	purged, err := s.guard.PurgeStale(ctx, now)
	resp := domain.PurgeResponse{Purged: purged, Before: now.Add(-s.guard.Timeout())}
	if resp.Purged == nil {
		resp.Purged = []string{}
	}
	if err != nil {
		s.log.Warn().Err(err).Int("purged", len(purged)).Msg("pending purge incomplete")
		return resp, err
	}
	if len(purged) > 0 {
		s.logAudit(ctx, "", "pending_purge", "transaction", strings.Join(purged, ","), fmt.Sprintf("count=%d", len(purged)))
	}
	return resp, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if filter.DateRange != nil && !filter.DateRange.From.IsZero() && !filter.DateRange.To.IsZero() && !filter.DateRange.From.Before(filter.DateRange.To) {
		return nil, fmt.Errorf("%w: from must be before to", ledger.ErrValidation)
	}
	return s.repo.ListTransactions(ctx, filter)
}

// ApplyRepayment records a payment against one installment. A concurrent
// payment on the same installment surfaces as ledger.ErrStaleState.
func (s *Service) ApplyRepayment(ctx context.Context, req domain.RepaymentRequest) (domain.RepaymentResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return domain.RepaymentResponse{}, fmt.Errorf("%w: operator is required", ledger.ErrValidation)
	}
	req.ScheduleID = strings.TrimSpace(req.ScheduleID)
	if req.ScheduleID == "" {
		return domain.RepaymentResponse{}, fmt.Errorf("%w: schedule id is required", ledger.ErrValidation)
	}

	schedule, err := s.repo.FindPaymentSchedule(ctx, req.ScheduleID)
	if err != nil {
		return domain.RepaymentResponse{}, err
	}
	tx, err := s.repo.FindTransactionByID(ctx, schedule.TransactionID)
	if err != nil {
		return domain.RepaymentResponse{}, err
	}

	updated, updatedTx, err := ledger.ApplyRepayment(*schedule, *tx, ledger.Repayment{
		Amount:   req.Amount,
		Channel:  req.Channel,
		Operator: actor.Username,
		At:       s.now(),
	}, s.tolerance)
	if err != nil {
		return domain.RepaymentResponse{}, err
	}

	stored, err := s.repo.ApplyPaymentSchedule(ctx, ledger.UpdateFor(*schedule, updated, updatedTx))
	if err != nil {
		return domain.RepaymentResponse{}, err
	}

	resp := domain.RepaymentResponse{
		Schedule:         *stored,
		TransactionID:    tx.ID,
		Applied:          req.Amount,
		AmountPaid:       updatedTx.AmountPaid,
		RemainingBalance: updatedTx.RemainingBalance,
	}
	if fresh, err := s.repo.FindTransactionByID(ctx, tx.ID); err == nil {
		resp.AmountPaid = fresh.AmountPaid
		resp.RemainingBalance = fresh.RemainingBalance
	}

	s.logAudit(ctx, tx.BranchID, "repayment_apply", "payment_schedule", stored.ID,
		fmt.Sprintf("tx=%s,month=%d,amount=%s,channel=%s", tx.ID, stored.Month, req.Amount.StringFixed(2), stored.PaidChannel))
	return resp, nil
}

// AvailableForReturn reports the returnable quantity as of asOf. A zero asOf
// means now.
func (s *Service) AvailableForReturn(ctx context.Context, transactionID string, productID string, asOf time.Time) (ledger.ReturnAvailability, error) {
	transactionID = strings.TrimSpace(transactionID)
	productID = strings.TrimSpace(productID)
	if transactionID == "" || productID == "" {
		return ledger.ReturnAvailability{}, fmt.Errorf("%w: transaction_id and product_id are required", ledger.ErrValidation)
	}

	tx, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return ledger.ReturnAvailability{}, err
	}
	logs, err := s.repo.ListDefectiveLogs(ctx, domain.DefectiveLogFilter{TransactionID: transactionID})
	if err != nil {
		return ledger.ReturnAvailability{}, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	return ledger.AvailableForReturn(*tx, productID, logs, asOf), nil
}

// RegisterReturn books a customer return against a completed sale and puts
// the goods back into the branch stock.
func (s *Service) RegisterReturn(ctx context.Context, req domain.ReturnRequest) (domain.DefectiveLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.DefectiveLog{}, fmt.Errorf("%w: operator is required", ledger.ErrValidation)
	}
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	if req.TransactionID == "" {
		return domain.DefectiveLog{}, fmt.Errorf("%w: transaction id is required", ledger.ErrValidation)
	}

	s.returnsMu.Lock()
	defer s.returnsMu.Unlock()

	tx, err := s.repo.FindTransactionByID(ctx, req.TransactionID)
	if err != nil {
		return domain.DefectiveLog{}, err
	}
	logs, err := s.repo.ListDefectiveLogs(ctx, domain.DefectiveLogFilter{TransactionID: tx.ID})
	if err != nil {
		return domain.DefectiveLog{}, err
	}

	entry, err := ledger.NewReturnLog(*tx, ledger.ReturnRequest{
		ProductID: strings.TrimSpace(req.ProductID),
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		CashBack:  req.CashBack,
		Operator:  actor.Username,
		BranchID:  strings.TrimSpace(req.BranchID),
		At:        s.now(),
	}, logs, xid.New("ret"))
	if err != nil {
		return domain.DefectiveLog{}, err
	}

	created, err := s.repo.CreateDefectiveLog(ctx, entry, ledger.StockDelta(entry))
	if err != nil {
		return domain.DefectiveLog{}, err
	}

	s.logAudit(ctx, created.BranchID, "return_register", "defective_log", created.ID,
		fmt.Sprintf("tx=%s,product=%s,qty=%d,cash=%s", tx.ID, created.ProductID, created.Quantity, created.CashAmount.StringFixed(2)))
	return *created, nil
}

// LogAdjustment books a DEFECTIVE, FIXED or EXCHANGE entry.
func (s *Service) LogAdjustment(ctx context.Context, req domain.DefectiveLogRequest) (domain.DefectiveLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.DefectiveLog{}, fmt.Errorf("%w: operator is required", ledger.ErrValidation)
	}
	req.BranchID = defaultString(strings.TrimSpace(req.BranchID), defaultString(actor.BranchID, s.defaultBranchID))
	req.TransactionID = strings.TrimSpace(req.TransactionID)

	if req.TransactionID != "" {
		if _, err := s.repo.FindTransactionByID(ctx, req.TransactionID); err != nil {
			return domain.DefectiveLog{}, err
		}
	}

	entry, err := ledger.NewAdjustmentLog(ledger.AdjustmentRequest{
		ProductID:     strings.TrimSpace(req.ProductID),
		TransactionID: req.TransactionID,
		Action:        req.Action,
		Quantity:      req.Quantity,
		Reason:        req.Reason,
		CashAmount:    req.CashAmount,
		Operator:      actor.Username,
		BranchID:      req.BranchID,
		At:            s.now(),
	}, xid.New("dl"))
	if err != nil {
		return domain.DefectiveLog{}, err
	}

	created, err := s.repo.CreateDefectiveLog(ctx, entry, ledger.StockDelta(entry))
	if err != nil {
		return domain.DefectiveLog{}, err
	}

	s.logAudit(ctx, created.BranchID, "adjustment_log", "defective_log", created.ID,
		fmt.Sprintf("action=%s,product=%s,qty=%d", created.ActionType, created.ProductID, created.Quantity))
	return *created, nil
}

func (s *Service) ListDefectiveLogs(ctx context.Context, filter domain.DefectiveLogFilter) ([]domain.DefectiveLog, error) {
	return s.repo.ListDefectiveLogs(ctx, filter)
}

// CashDrawer builds the drawer aggregate for one operator. Cashiers may only
// read their own drawer. A degraded aggregate is returned with its warnings.
func (s *Service) CashDrawer(ctx context.Context, req domain.CashDrawerRequest) (domain.CashDrawerReport, error) {
	actor, ok := ActorFromContext(ctx)
	req.OperatorID = strings.TrimSpace(req.OperatorID)
	if req.OperatorID == "" && ok {
		req.OperatorID = actor.Username
	}
	if ok && actor.Role == domain.RoleCashier && req.OperatorID != actor.Username {
		return domain.CashDrawerReport{}, fmt.Errorf("%w: cashiers can only read their own drawer", ErrForbidden)
	}
	if req.From.IsZero() && req.To.IsZero() {
		req.From, req.To = dayBounds(s.now())
	}

	agg, err := s.aggregator.BuildCashDrawer(ctx, ledger.DrawerQuery{
		OperatorID: req.OperatorID,
		Range:      domain.DateRange{From: req.From, To: req.To},
		BranchID:   strings.TrimSpace(req.BranchID),
	})
	if err != nil {
		if !errors.Is(err, ledger.ErrPartialSource) {
			return domain.CashDrawerReport{}, err
		}
		s.log.Warn().Err(err).Str("operator", req.OperatorID).Strs("warnings", agg.Warnings).Msg("cash drawer built from partial sources")
	}

	report := domain.CashDrawerReport{CashDrawerAggregate: agg}
	if s.rates != nil {
		conv, err := s.rates.Convert(ctx, agg.NetCash)
		if err != nil {
			s.log.Warn().Err(err).Msg("net cash display conversion unavailable")
		} else {
			report.NetCashDisplay = &conv
		}
	}
	return report, nil
}

// OutstandingDebt lists completed financed sales that still owe money, most
// overdue first.
func (s *Service) OutstandingDebt(ctx context.Context, branchID string, asOf time.Time) (domain.OutstandingDebtReport, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}

	txs, err := s.repo.ListTransactions(ctx, domain.TransactionFilter{
		BranchID:     strings.TrimSpace(branchID),
		Type:         domain.TxTypeSale,
		Status:       domain.TxStatusCompleted,
		PaymentTypes: []string{domain.PaymentCredit, domain.PaymentInstallment},
	})
	if err != nil {
		return domain.OutstandingDebtReport{}, err
	}

	report := domain.OutstandingDebtReport{
		BranchID:       strings.TrimSpace(branchID),
		AsOf:           asOf,
		Entries:        make([]domain.OutstandingDebtEntry, 0, len(txs)),
		TotalRemaining: decimal.Zero,
		TotalOverdue:   decimal.Zero,
	}
	for _, tx := range txs {
		if !tx.RemainingBalance.IsPositive() {
			continue
		}
		entry := debtEntry(tx, asOf)
		report.Entries = append(report.Entries, entry)
		report.TotalRemaining = report.TotalRemaining.Add(entry.RemainingBalance)
		report.TotalOverdue = report.TotalOverdue.Add(entry.OverdueAmount)
	}

	sort.SliceStable(report.Entries, func(i, j int) bool {
		a, b := report.Entries[i], report.Entries[j]
		if !a.OverdueAmount.Equal(b.OverdueAmount) {
			return a.OverdueAmount.GreaterThan(b.OverdueAmount)
		}
		return a.TransactionID < b.TransactionID
	})
	return report, nil
}

func debtEntry(tx domain.Transaction, asOf time.Time) domain.OutstandingDebtEntry {
	entry := domain.OutstandingDebtEntry{
		TransactionID:    tx.ID,
		CustomerID:       tx.CustomerID,
		PaymentType:      tx.PaymentType,
		SoldBy:           tx.Seller(),
		FinalTotal:       tx.FinalTotal,
		AmountPaid:       tx.AmountPaid,
		RemainingBalance: tx.RemainingBalance,
		OverdueAmount:    decimal.Zero,
	}

	schedules := make([]domain.PaymentSchedule, len(tx.PaymentSchedules))
	copy(schedules, tx.PaymentSchedules)
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].Month < schedules[j].Month })

	for _, schedule := range schedules {
		if schedule.IsPaid {
			continue
		}
		if entry.NextDueMonth == 0 {
			due := schedule.DueDate
			entry.NextDueMonth = schedule.Month
			entry.NextDueDate = &due
		}
		if schedule.DueDate.Before(asOf) {
			entry.OverdueMonths++
			entry.OverdueAmount = entry.OverdueAmount.Add(decimal.Max(decimal.Zero, schedule.Payment.Sub(schedule.PaidAmount)))
		}
	}
	return entry
}

func (s *Service) CreateExchangeRate(ctx context.Context, req domain.ExchangeRateCreateRequest) (domain.ExchangeRate, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.ExchangeRate{}, err
	}
	actor := actorOrSystem(ctx)

	req.From = strings.ToUpper(strings.TrimSpace(req.From))
	req.To = strings.ToUpper(strings.TrimSpace(req.To))
	if !isCurrencyCode(req.From) || !isCurrencyCode(req.To) || req.From == req.To {
		return domain.ExchangeRate{}, fmt.Errorf("%w: currencies must be two different ISO codes", ledger.ErrValidation)
	}
	if !req.Rate.IsPositive() {
		return domain.ExchangeRate{}, fmt.Errorf("%w: rate must be positive", ledger.ErrValidation)
	}

	created, err := s.repo.CreateExchangeRate(ctx, domain.ExchangeRate{
		ID:        xid.New("fx"),
		From:      req.From,
		To:        req.To,
		Rate:      req.Rate,
		Active:    req.Activate,
		CreatedBy: actor.Username,
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.ExchangeRate{}, err
	}

	if created.Active {
		s.refreshRates(ctx, *created)
	}
	s.logAudit(ctx, "", "exchange_rate_create", "exchange_rate", created.ID,
		fmt.Sprintf("%s/%s=%s,active=%t", created.From, created.To, created.Rate.String(), created.Active))
	return *created, nil
}

func (s *Service) ActivateExchangeRate(ctx context.Context, id string) (domain.ExchangeRate, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.ExchangeRate{}, err
	}

	activated, err := s.repo.ActivateExchangeRate(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.ExchangeRate{}, err
	}

	s.refreshRates(ctx, *activated)
	s.logAudit(ctx, "", "exchange_rate_activate", "exchange_rate", activated.ID, activated.From+"/"+activated.To)
	return *activated, nil
}

func (s *Service) ListExchangeRates(ctx context.Context, from string, to string, limit int) ([]domain.ExchangeRate, error) {
	return s.repo.ListExchangeRates(ctx, strings.ToUpper(strings.TrimSpace(from)), strings.ToUpper(strings.TrimSpace(to)), limit)
}

// CurrentExchangeRate returns the active rate for the display pair when from
// and to are empty.
func (s *Service) CurrentExchangeRate(ctx context.Context, from string, to string) (domain.ExchangeRate, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))

	if s.rates != nil {
		base, display := s.rates.Pair()
		if (from == "" || from == base) && (to == "" || to == display) {
			rate, err := s.rates.Current(ctx)
			if err != nil {
				return domain.ExchangeRate{}, err
			}
			return *rate, nil
		}
	}
	if from == "" || to == "" {
		return domain.ExchangeRate{}, fmt.Errorf("%w: from and to are required", ledger.ErrValidation)
	}

	rate, err := s.repo.GetCurrentExchangeRate(ctx, from, to)
	if err != nil {
		return domain.ExchangeRate{}, err
	}
	return *rate, nil
}

func (s *Service) refreshRates(ctx context.Context, rate domain.ExchangeRate) {
	if s.rates == nil {
		return
	}
	base, display := s.rates.Pair()
	if rate.From != base || rate.To != display {
		return
	}
	if _, err := s.rates.Refresh(ctx); err != nil {
		s.log.Warn().Err(err).Str("rate_id", rate.ID).Msg("rate provider refresh failed")
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ledger.ErrValidation)
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, strings.TrimSpace(branchID), from, to, limit)
}

func (s *Service) resolveItems(ctx context.Context, reqItems []domain.SaleItemRequest) ([]domain.LineItem, error) {
	order := make([]string, 0, len(reqItems))
	quantities := make(map[string]int, len(reqItems))
	for _, item := range reqItems {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: product id is required", ledger.ErrValidation)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s must be at least 1", ledger.ErrValidation, productID)
		}
		if _, seen := quantities[productID]; !seen {
			order = append(order, productID)
		}
		quantities[productID] += item.Quantity
	}
	if len(order) == 0 {
		return []domain.LineItem{}, nil
	}

	products, err := s.repo.GetProductsByIDs(ctx, order)
	if err != nil {
		return nil, err
	}

	items := make([]domain.LineItem, 0, len(order))
	for _, productID := range order {
		product, ok := products[productID]
		if !ok || !product.Active {
			return nil, fmt.Errorf("%w: product %s is not for sale", ledger.ErrValidation, productID)
		}
		qty := quantities[productID]
		items = append(items, domain.LineItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    qty,
			UnitPrice:   product.Price,
			LineTotal:   product.Price.Mul(decimal.NewFromInt(int64(qty))),
		})
	}
	return items, nil
}

func (s *Service) checkStock(ctx context.Context, branchID string, items []domain.LineItem) error {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	stock, err := s.repo.GetStockMap(ctx, branchID, ids)
	if err != nil {
		return err
	}
	for _, item := range items {
		if stock[item.ProductID] < item.Quantity {
			return fmt.Errorf("%w: %s has %d, need %d", store.ErrInsufficientStock, item.ProductID, stock[item.ProductID], item.Quantity)
		}
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	actor := actorOrSystem(ctx)
	if branchID == "" {
		branchID = defaultString(actor.BranchID, s.defaultBranchID)
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.log.Warn().Err(err).
			Str("action", action).
			Str("entity", entityType+"/"+entityID).
			Msg("failed to write audit log")
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return nil
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func dayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.Add(24 * time.Hour)
}

func isCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
