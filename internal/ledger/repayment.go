package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cicilan/backend/internal/domain"
)

// DefaultRepaymentTolerance absorbs cent-level rounding between the
// customer's payment and the rounded installment.
var DefaultRepaymentTolerance = decimal.New(1, -2)

// Repayment is one payment against one schedule row.
type Repayment struct {
	Amount   decimal.Decimal
	Channel  string
	Operator string
	At       time.Time
}

// ApplyRepayment is the only place that moves a schedule's paid amount.
// It returns updated copies and leaves its arguments untouched. Any error
// means nothing was applied.
func ApplyRepayment(schedule domain.PaymentSchedule, tx domain.Transaction, r Repayment, tolerance decimal.Decimal) (domain.PaymentSchedule, domain.Transaction, error) {
	if tolerance.IsNegative() {
		tolerance = decimal.Zero
	}
	if !r.Amount.IsPositive() {
		return domain.PaymentSchedule{}, domain.Transaction{}, validationf("repayment amount must be positive")
	}
	channel, err := NormalizeChannel(r.Channel)
	if err != nil {
		return domain.PaymentSchedule{}, domain.Transaction{}, err
	}
	operator := strings.TrimSpace(r.Operator)
	if operator == "" {
		return domain.PaymentSchedule{}, domain.Transaction{}, validationf("operator is required")
	}
	if schedule.TransactionID != "" && tx.ID != "" && schedule.TransactionID != tx.ID {
		return domain.PaymentSchedule{}, domain.Transaction{}, validationf("schedule %s does not belong to transaction %s", schedule.ID, tx.ID)
	}
	if !tx.IsFinanced() {
		return domain.PaymentSchedule{}, domain.Transaction{}, validationf("transaction %s is not a financed sale", tx.ID)
	}
	if tx.Status != domain.TxStatusCompleted {
		return domain.PaymentSchedule{}, domain.Transaction{}, fmt.Errorf("%w: transaction %s is %s", ErrStaleState, tx.ID, tx.Status)
	}
	if schedule.IsPaid {
		return domain.PaymentSchedule{}, domain.Transaction{}, fmt.Errorf("%w: schedule %s is already paid", ErrStaleState, schedule.ID)
	}

	paid := schedule.PaidAmount.Add(r.Amount)
	if paid.GreaterThan(schedule.Payment.Add(tolerance)) {
		due := schedule.Payment.Sub(schedule.PaidAmount)
		return domain.PaymentSchedule{}, domain.Transaction{}, fmt.Errorf("%w: schedule %s owes %s, got %s", ErrQuantityExceeded, schedule.ID, due.StringFixed(2), r.Amount.StringFixed(2))
	}

	at := r.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updated := schedule
	updated.PaidAmount = paid
	updated.IsPaid = paid.GreaterThanOrEqual(schedule.Payment)
	updated.PaidAt = &at
	updated.PaidChannel = channel
	updated.PaidBy = operator

	updatedTx := tx
	updatedTx.AmountPaid = tx.AmountPaid.Add(r.Amount)
	updatedTx.RemainingBalance = decimal.Max(decimal.Zero, tx.FinalTotal.Sub(updatedTx.AmountPaid))
	if len(tx.PaymentSchedules) > 0 {
		updatedTx.PaymentSchedules = make([]domain.PaymentSchedule, len(tx.PaymentSchedules))
		copy(updatedTx.PaymentSchedules, tx.PaymentSchedules)
		for i := range updatedTx.PaymentSchedules {
			if updatedTx.PaymentSchedules[i].ID == schedule.ID {
				updatedTx.PaymentSchedules[i] = updated
			}
		}
	}
	return updated, updatedTx, nil
}

// UpdateFor builds the store write for a repayment computed by
// ApplyRepayment. before is the schedule as it was read.
func UpdateFor(before domain.PaymentSchedule, after domain.PaymentSchedule, tx domain.Transaction) domain.RepaymentUpdate {
	update := domain.RepaymentUpdate{
		ScheduleID:         after.ID,
		TransactionID:      tx.ID,
		ExpectedPaidAmount: before.PaidAmount,
		PaidAmount:         after.PaidAmount,
		IsPaid:             after.IsPaid,
		PaidChannel:        after.PaidChannel,
		PaidByUserID:       after.PaidBy,
		AmountPaid:         tx.AmountPaid,
		RemainingBalance:   tx.RemainingBalance,
	}
	if after.PaidAt != nil {
		update.PaidAt = *after.PaidAt
	}
	return update
}

// NormalizeChannel maps an input channel to CASH or CARD. Empty means CASH.
func NormalizeChannel(channel string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(channel)) {
	case "", domain.ChannelCash:
		return domain.ChannelCash, nil
	case domain.ChannelCard:
		return domain.ChannelCard, nil
	default:
		return "", validationf("unsupported payment channel %q", channel)
	}
}
