package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"cicilan/backend/internal/domain"
)

const MaxMonths = 24

var hundred = decimal.NewFromInt(100)

// Plan is the financing plan computed for a draft sale.
type Plan struct {
	BaseTotal             decimal.Decimal   `json:"base_total"`
	DownPayment           decimal.Decimal   `json:"down_payment"`
	RemainingPrincipal    decimal.Decimal   `json:"remaining_principal"`
	RemainingWithInterest decimal.Decimal   `json:"remaining_with_interest"`
	FinalTotal            decimal.Decimal   `json:"final_total"`
	MonthlyPayment        decimal.Decimal   `json:"monthly_payment"`
	Installments          []decimal.Decimal `json:"installments"`
	PerMonthRemaining     []decimal.Decimal `json:"per_month_remaining"`
	ChangeIfOverpaid      decimal.Decimal   `json:"change_if_overpaid"`
	InterestRatePercent   decimal.Decimal   `json:"interest_rate_percent"`
	Months                int               `json:"months"`
}

// BuildSchedule computes the installment plan for a draft. An empty draft
// (no items or zero months) yields a zero plan so partially filled forms can
// be previewed.
func BuildSchedule(items []domain.LineItem, downPayment decimal.Decimal, interestRatePercent decimal.Decimal, months int) (Plan, error) {
	if months < 0 || months > MaxMonths {
		return Plan{}, validationf("months must be between 0 and %d", MaxMonths)
	}
	if downPayment.IsNegative() {
		return Plan{}, validationf("down payment must not be negative")
	}
	if interestRatePercent.IsNegative() {
		return Plan{}, validationf("interest rate must not be negative")
	}
	if months == 0 || len(items) == 0 {
		return Plan{
			PerMonthRemaining: []decimal.Decimal{},
			Installments:      []decimal.Decimal{},
		}, nil
	}

	baseTotal, err := BaseTotal(items)
	if err != nil {
		return Plan{}, err
	}

	principal := decimal.Max(decimal.Zero, baseTotal.Sub(downPayment))
	factor := decimal.NewFromInt(1).Add(interestRatePercent.Div(hundred))
	withInterest := principal.Mul(factor).Round(2)

	installments := splitInstallments(withInterest, months)
	remaining := make([]decimal.Decimal, months)
	left := withInterest
	for i, amount := range installments {
		left = decimal.Max(decimal.Zero, left.Sub(amount))
		remaining[i] = left
	}

	upfront := decimal.Min(downPayment, baseTotal)
	return Plan{
		BaseTotal:             baseTotal,
		DownPayment:           downPayment,
		RemainingPrincipal:    principal,
		RemainingWithInterest: withInterest,
		FinalTotal:            upfront.Add(withInterest),
		MonthlyPayment:        installments[0],
		Installments:          installments,
		PerMonthRemaining:     remaining,
		ChangeIfOverpaid:      decimal.Max(decimal.Zero, downPayment.Sub(baseTotal)),
		InterestRatePercent:   interestRatePercent,
		Months:                months,
	}, nil
}

// BaseTotal sums quantity × unit price over the items.
func BaseTotal(items []domain.LineItem) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, item := range items {
		if item.Quantity < 1 {
			return decimal.Zero, validationf("quantity for %s must be positive", item.ProductID)
		}
		if item.UnitPrice.IsNegative() {
			return decimal.Zero, validationf("unit price for %s must not be negative", item.ProductID)
		}
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total, nil
}

// splitInstallments divides total into months equal parts rounded to cents.
// The last part absorbs the rounding residue so the parts sum to total.
func splitInstallments(total decimal.Decimal, months int) []decimal.Decimal {
	monthly := total.Div(decimal.NewFromInt(int64(months))).Round(2)
	parts := make([]decimal.Decimal, months)
	allocated := decimal.Zero
	for i := 0; i < months-1; i++ {
		parts[i] = monthly
		allocated = allocated.Add(monthly)
	}
	parts[months-1] = decimal.Max(decimal.Zero, total.Sub(allocated))
	return parts
}

// ScheduleRows materialises one PaymentSchedule per month, the first due at
// firstDue and the rest one calendar month apart.
func ScheduleRows(plan Plan, transactionID string, firstDue time.Time, newID func() string) []domain.PaymentSchedule {
	rows := make([]domain.PaymentSchedule, 0, len(plan.Installments))
	for i, amount := range plan.Installments {
		rows = append(rows, domain.PaymentSchedule{
			ID:            newID(),
			TransactionID: transactionID,
			Month:         i + 1,
			DueDate:       firstDue.AddDate(0, i, 0),
			Payment:       amount,
			PaidAmount:    decimal.Zero,
		})
	}
	return rows
}
