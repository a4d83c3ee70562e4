package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SaleItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type SchedulePreviewRequest struct {
	Items               []SaleItemRequest `json:"items"`
	DownPayment         decimal.Decimal   `json:"down_payment"`
	InterestRatePercent decimal.Decimal   `json:"interest_rate_percent"`
	Months              int               `json:"months"`
}

type SaleRequest struct {
	BranchID            string            `json:"branch_id"`
	PaymentType         string            `json:"payment_type"`
	Items               []SaleItemRequest `json:"items"`
	DownPayment         decimal.Decimal   `json:"down_payment"`
	InterestRatePercent decimal.Decimal   `json:"interest_rate_percent"`
	Months              int               `json:"months"`
	SoldBy              string            `json:"sold_by"`
	CustomerID          string            `json:"customer_id"`
	Note                string            `json:"note"`
	FirstDueDate        *time.Time        `json:"first_due_date,omitempty"`
}

type TransferRequest struct {
	BranchID       string            `json:"branch_id"`
	TargetBranchID string            `json:"target_branch_id"`
	Items          []SaleItemRequest `json:"items"`
	Note           string            `json:"note"`
}

type RepaymentRequest struct {
	ScheduleID string          `json:"schedule_id"`
	Amount     decimal.Decimal `json:"amount"`
	Channel    string          `json:"channel"`
}

type RepaymentResponse struct {
	Schedule         PaymentSchedule `json:"schedule"`
	TransactionID    string          `json:"transaction_id"`
	Applied          decimal.Decimal `json:"applied"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}

type ReturnRequest struct {
	TransactionID string           `json:"transaction_id"`
	ProductID     string           `json:"product_id"`
	Quantity      int              `json:"quantity"`
	Reason        string           `json:"reason"`
	CashBack      *decimal.Decimal `json:"cash_back,omitempty"`
	BranchID      string           `json:"branch_id"`
	ManagerPIN    string           `json:"manager_pin"`
}

type DefectiveLogRequest struct {
	ProductID     string          `json:"product_id"`
	TransactionID string          `json:"transaction_id"`
	Action        string          `json:"action"`
	Quantity      int             `json:"quantity"`
	Reason        string          `json:"reason"`
	CashAmount    decimal.Decimal `json:"cash_amount"`
	BranchID      string          `json:"branch_id"`
}

type CashDrawerRequest struct {
	OperatorID string
	BranchID   string
	From       time.Time
	To         time.Time
}

// Conversion is an amount expressed in a second currency at a recorded rate.
type Conversion struct {
	Amount    decimal.Decimal `json:"amount"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Rate      decimal.Decimal `json:"rate"`
	RateID    string          `json:"rate_id"`
	Converted decimal.Decimal `json:"converted"`
}

type CashDrawerReport struct {
	CashDrawerAggregate
	NetCashDisplay *Conversion `json:"net_cash_display,omitempty"`
}

type OutstandingDebtEntry struct {
	TransactionID    string          `json:"transaction_id"`
	CustomerID       string          `json:"customer_id,omitempty"`
	PaymentType      string          `json:"payment_type"`
	SoldBy           string          `json:"sold_by"`
	FinalTotal       decimal.Decimal `json:"final_total"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	NextDueMonth     int             `json:"next_due_month,omitempty"`
	NextDueDate      *time.Time      `json:"next_due_date,omitempty"`
	OverdueMonths    int             `json:"overdue_months"`
	OverdueAmount    decimal.Decimal `json:"overdue_amount"`
}

type OutstandingDebtReport struct {
	BranchID       string                 `json:"branch_id"`
	AsOf           time.Time              `json:"as_of"`
	Entries        []OutstandingDebtEntry `json:"entries"`
	TotalRemaining decimal.Decimal        `json:"total_remaining"`
	TotalOverdue   decimal.Decimal        `json:"total_overdue"`
}

type ExchangeRateCreateRequest struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Rate     decimal.Decimal `json:"rate"`
	Activate bool            `json:"activate"`
}

type PurgeResponse struct {
	Purged []string  `json:"purged"`
	Before time.Time `json:"before"`
}
