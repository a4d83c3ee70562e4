package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TxTypeSale            = "SALE"
	TxTypeTransfer        = "TRANSFER"
	TxTypePurchase        = "PURCHASE"
	TxTypeStockAdjustment = "STOCK_ADJUSTMENT"
	TxTypeWriteOff        = "WRITE_OFF"
	TxTypeReturn          = "RETURN"
)

const (
	PaymentCash        = "CASH"
	PaymentCard        = "CARD"
	PaymentCredit      = "CREDIT"
	PaymentInstallment = "INSTALLMENT"
)

const (
	TxStatusDraft     = "DRAFT"
	TxStatusPending   = "PENDING"
	TxStatusCompleted = "COMPLETED"
	TxStatusCancelled = "CANCELLED"
)

const (
	ChannelCash = "CASH"
	ChannelCard = "CARD"
)

const (
	ActionDefective = "DEFECTIVE"
	ActionReturn    = "RETURN"
	ActionFixed     = "FIXED"
	ActionExchange  = "EXCHANGE"
)

const (
	RoleAdmin     = "admin"
	RoleCashier   = "cashier"
	RoleWarehouse = "warehouse"
)

type Actor struct {
	Username string
	Role     string
	BranchID string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

type Branch struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Product struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Active bool            `json:"active"`
}

type StockAdjustment struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// LineItem carries a denormalized copy of the credit plan for display only.
type LineItem struct {
	ProductID      string           `json:"product_id"`
	ProductName    string           `json:"product_name,omitempty"`
	Quantity       int              `json:"quantity"`
	UnitPrice      decimal.Decimal  `json:"unit_price"`
	LineTotal      decimal.Decimal  `json:"line_total"`
	CreditMonth    int              `json:"credit_month,omitempty"`
	CreditPercent  *decimal.Decimal `json:"credit_percent,omitempty"`
	MonthlyPayment *decimal.Decimal `json:"monthly_payment,omitempty"`
}

type PaymentSchedule struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Month         int             `json:"month"`
	DueDate       time.Time       `json:"due_date"`
	Payment       decimal.Decimal `json:"payment"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	IsPaid        bool            `json:"is_paid"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	PaidChannel   string          `json:"paid_channel,omitempty"`
	PaidBy        string          `json:"paid_by,omitempty"`
}

type Transaction struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	PaymentType      string            `json:"payment_type,omitempty"`
	Total            decimal.Decimal   `json:"total"`
	FinalTotal       decimal.Decimal   `json:"final_total"`
	AmountPaid       decimal.Decimal   `json:"amount_paid"`
	DownPayment      decimal.Decimal   `json:"down_payment"`
	RemainingBalance decimal.Decimal   `json:"remaining_balance"`
	InterestRate     decimal.Decimal   `json:"interest_rate"`
	Months           int               `json:"months,omitempty"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	BranchID         string            `json:"branch_id"`
	TargetBranchID   string            `json:"target_branch_id,omitempty"`
	SoldBy           string            `json:"sold_by,omitempty"`
	CreatedBy        string            `json:"created_by"`
	CustomerID       string            `json:"customer_id,omitempty"`
	Note             string            `json:"note,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	Items            []LineItem        `json:"items"`
	PaymentSchedules []PaymentSchedule `json:"payment_schedules,omitempty"`
}

// Seller returns the effective seller: SoldBy, falling back to CreatedBy.
func (t Transaction) Seller() string {
	if t.SoldBy != "" {
		return t.SoldBy
	}
	return t.CreatedBy
}

func (t Transaction) IsFinanced() bool {
	return t.Type == TxTypeSale && (t.PaymentType == PaymentCredit || t.PaymentType == PaymentInstallment)
}

type DefectiveLog struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"product_id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	ActionType    string          `json:"action_type"`
	Quantity      int             `json:"quantity"`
	Description   string          `json:"description"`
	CashAmount    decimal.Decimal `json:"cash_amount"`
	CreatedAt     time.Time       `json:"created_at"`
	HandledBy     string          `json:"handled_by"`
	BranchID      string          `json:"branch_id"`
}

type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t lies in [From, To). A zero bound is open.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

type TransactionFilter struct {
	DateRange    *DateRange
	BranchID     string
	PaymentTypes []string
	Type         string
	Status       string
}

type DefectiveLogFilter struct {
	BranchID      string
	TransactionID string
	ProductID     string
	DateRange     *DateRange
}

// RepaymentUpdate is the write applied by the store. ExpectedPaidAmount guards
// against a concurrent repayment on the same schedule.
type RepaymentUpdate struct {
	ScheduleID         string
	TransactionID      string
	ExpectedPaidAmount decimal.Decimal
	PaidAmount         decimal.Decimal
	IsPaid             bool
	PaidAt             time.Time
	PaidChannel        string
	PaidByUserID       string
	AmountPaid         decimal.Decimal
	RemainingBalance   decimal.Decimal
}

type RepaymentRecord struct {
	ScheduleID    string          `json:"schedule_id"`
	TransactionID string          `json:"transaction_id"`
	Month         int             `json:"month"`
	Amount        decimal.Decimal `json:"amount"`
	Channel       string          `json:"channel"`
	PaidAt        time.Time       `json:"paid_at"`
	CustomerID    string          `json:"customer_id,omitempty"`
}

type CashDrawerAggregate struct {
	OperatorID       string            `json:"operator_id"`
	BranchID         string            `json:"branch_id,omitempty"`
	Range            DateRange         `json:"range"`
	CashTotal        decimal.Decimal   `json:"cash_total"`
	CardTotal        decimal.Decimal   `json:"card_total"`
	CreditTotal      decimal.Decimal   `json:"credit_total"`
	InstallmentTotal decimal.Decimal   `json:"installment_total"`
	UpfrontTotal     decimal.Decimal   `json:"upfront_total"`
	RepaymentTotal   decimal.Decimal   `json:"repayment_total"`
	RepaymentCash    decimal.Decimal   `json:"repayment_cash"`
	RepaymentCard    decimal.Decimal   `json:"repayment_card"`
	Repayments       []RepaymentRecord `json:"repayments"`
	SoldQuantity     int               `json:"sold_quantity"`
	SoldAmount       decimal.Decimal   `json:"sold_amount"`
	Transactions     int               `json:"transactions"`
	CashOwed         decimal.Decimal   `json:"cash_owed"`
	ReturnCash       decimal.Decimal   `json:"return_cash"`
	NetCash          decimal.Decimal   `json:"net_cash"`
	Incomplete       bool              `json:"incomplete"`
	Warnings         []string          `json:"warnings,omitempty"`
}

type ExchangeRate struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Rate      decimal.Decimal `json:"rate"`
	Active    bool            `json:"active"`
	CreatedBy string          `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// OperatorCreateRequest adds a counter or warehouse account to a branch.
// An empty Role means cashier.
type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
	BranchID string `json:"branch_id"`
}

type Operator struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	BranchID  string    `json:"branch_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	BranchID  string
	Active    bool
	CreatedAt time.Time
}
