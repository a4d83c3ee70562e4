package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cicilan/backend/internal/domain"
)

type ReturnAvailability struct {
	ProductID       string `json:"product_id"`
	Sold            int    `json:"sold"`
	AlreadyReturned int    `json:"already_returned"`
	Available       int    `json:"available"`
}

// AvailableForReturn reports how many units of productID sold in tx could
// still be returned at asOf. Only RETURN logs for the same transaction and
// product created at or after the sale, and not after asOf, count against
// it. A zero asOf counts every log.
func AvailableForReturn(tx domain.Transaction, productID string, logs []domain.DefectiveLog, asOf time.Time) ReturnAvailability {
	sold := 0
	for _, item := range tx.Items {
		if item.ProductID == productID {
			sold += item.Quantity
		}
	}

	returned := 0
	for _, entry := range logs {
		if entry.ActionType != domain.ActionReturn {
			continue
		}
		if entry.ProductID != productID || entry.TransactionID != tx.ID {
			continue
		}
		if entry.CreatedAt.Before(tx.CreatedAt) {
			continue
		}
		if !asOf.IsZero() && entry.CreatedAt.After(asOf) {
			continue
		}
		returned += entry.Quantity
	}

	available := sold - returned
	if available < 0 {
		available = 0
	}
	return ReturnAvailability{
		ProductID:       productID,
		Sold:            sold,
		AlreadyReturned: returned,
		Available:       available,
	}
}

type ReturnRequest struct {
	ProductID string
	Quantity  int
	Reason    string
	// CashBack is the amount handed back to the customer. Nil means unit
	// price × quantity.
	CashBack *decimal.Decimal
	Operator string
	BranchID string
	At       time.Time
}

// NewReturnLog validates a customer return against tx and the existing logs
// and builds the RETURN entry to append. Its cash amount is never positive.
func NewReturnLog(tx domain.Transaction, req ReturnRequest, logs []domain.DefectiveLog, id string) (domain.DefectiveLog, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.DefectiveLog{}, validationf("return reason is required")
	}
	if req.Quantity < 1 {
		return domain.DefectiveLog{}, validationf("return quantity must be positive")
	}
	if strings.TrimSpace(req.Operator) == "" {
		return domain.DefectiveLog{}, validationf("operator is required")
	}
	if tx.Type != domain.TxTypeSale {
		return domain.DefectiveLog{}, validationf("transaction %s is not a sale", tx.ID)
	}
	if tx.Status != domain.TxStatusCompleted {
		return domain.DefectiveLog{}, fmt.Errorf("%w: transaction %s is %s", ErrStaleState, tx.ID, tx.Status)
	}

	unitPrice, found := unitPriceOf(tx, req.ProductID)
	if !found {
		return domain.DefectiveLog{}, validationf("product %s was not sold in transaction %s", req.ProductID, tx.ID)
	}

	// A new return is checked against every recorded one, whatever its time.
	availability := AvailableForReturn(tx, req.ProductID, logs, time.Time{})
	if req.Quantity > availability.Available {
		return domain.DefectiveLog{}, fmt.Errorf("%w: requested %d of %s, only %d available", ErrQuantityExceeded, req.Quantity, req.ProductID, availability.Available)
	}

	cashBack := unitPrice.Mul(decimal.NewFromInt(int64(req.Quantity)))
	if req.CashBack != nil {
		if req.CashBack.IsNegative() {
			return domain.DefectiveLog{}, validationf("cash back must not be negative")
		}
		cashBack = *req.CashBack
	}

	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	branchID := req.BranchID
	if branchID == "" {
		branchID = tx.BranchID
	}

	return domain.DefectiveLog{
		ID:            id,
		ProductID:     req.ProductID,
		TransactionID: tx.ID,
		ActionType:    domain.ActionReturn,
		Quantity:      req.Quantity,
		Description:   reason,
		CashAmount:    cashBack.Round(2).Neg(),
		CreatedAt:     at,
		HandledBy:     req.Operator,
		BranchID:      branchID,
	}, nil
}

type AdjustmentRequest struct {
	ProductID     string
	TransactionID string
	Action        string
	Quantity      int
	Reason        string
	// CashAmount is only honoured for EXCHANGE: positive when the customer
	// pays the difference, negative when the drawer pays it out.
	CashAmount decimal.Decimal
	Operator   string
	BranchID   string
	At         time.Time
}

// NewAdjustmentLog builds a DEFECTIVE, FIXED or EXCHANGE entry. Customer
// returns go through NewReturnLog.
func NewAdjustmentLog(req AdjustmentRequest, id string) (domain.DefectiveLog, error) {
	action := strings.ToUpper(strings.TrimSpace(req.Action))
	switch action {
	case domain.ActionDefective, domain.ActionFixed, domain.ActionExchange:
	case domain.ActionReturn:
		return domain.DefectiveLog{}, validationf("returns must be registered against a sale")
	default:
		return domain.DefectiveLog{}, validationf("unsupported action type %q", req.Action)
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return domain.DefectiveLog{}, validationf("product is required")
	}
	if req.Quantity < 1 {
		return domain.DefectiveLog{}, validationf("quantity must be positive")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.DefectiveLog{}, validationf("reason is required")
	}
	if strings.TrimSpace(req.Operator) == "" {
		return domain.DefectiveLog{}, validationf("operator is required")
	}

	cash := decimal.Zero
	if MovesCash(action) {
		cash = req.CashAmount.Round(2)
	}
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	return domain.DefectiveLog{
		ID:            id,
		ProductID:     req.ProductID,
		TransactionID: req.TransactionID,
		ActionType:    action,
		Quantity:      req.Quantity,
		Description:   reason,
		CashAmount:    cash,
		CreatedAt:     at,
		HandledBy:     req.Operator,
		BranchID:      req.BranchID,
	}, nil
}

// MovesCash reports whether entries of this action type carry a drawer effect.
func MovesCash(action string) bool {
	return action == domain.ActionReturn || action == domain.ActionExchange
}

// StockDelta is the change in sellable stock caused by a log entry.
func StockDelta(entry domain.DefectiveLog) int {
	switch entry.ActionType {
	case domain.ActionDefective:
		return -entry.Quantity
	case domain.ActionReturn, domain.ActionFixed:
		return entry.Quantity
	default:
		return 0
	}
}

func unitPriceOf(tx domain.Transaction, productID string) (decimal.Decimal, bool) {
	for _, item := range tx.Items {
		if item.ProductID == productID {
			return item.UnitPrice, true
		}
	}
	return decimal.Zero, false
}
