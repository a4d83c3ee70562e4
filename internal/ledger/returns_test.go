package ledger

import (
	"errors"
	"testing"
	"time"

	"cicilan/backend/internal/domain"
)

var soldAt = time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)

func soldFive() domain.Transaction {
	return domain.Transaction{
		ID:          "tx-sale",
		Type:        domain.TxTypeSale,
		PaymentType: domain.PaymentCash,
		Status:      domain.TxStatusCompleted,
		BranchID:    "branch-a",
		CreatedAt:   soldAt,
		Items:       items(line("kettle", 5, "120000")),
	}
}

func returnLog(id string, qty int, at time.Time) domain.DefectiveLog {
	return domain.DefectiveLog{
		ID:            id,
		ProductID:     "kettle",
		TransactionID: "tx-sale",
		ActionType:    domain.ActionReturn,
		Quantity:      qty,
		CreatedAt:     at,
	}
}

func TestAvailableForReturnAfterPriorReturn(t *testing.T) {
	tx := soldFive()
	logs := []domain.DefectiveLog{returnLog("r-1", 2, soldAt.Add(time.Hour))}

	got := AvailableForReturn(tx, "kettle", logs, time.Time{})
	if got.Sold != 5 || got.AlreadyReturned != 2 || got.Available != 3 {
		t.Fatalf("expected 5 sold, 2 returned, 3 available, got %+v", got)
	}

	_, err := NewReturnLog(tx, ReturnRequest{ProductID: "kettle", Quantity: 4, Reason: "broken lid", Operator: "kasir-a"}, logs, "r-2")
	if !errors.Is(err, ErrQuantityExceeded) {
		t.Fatalf("expected quantity exceeded for 4 units, got %v", err)
	}

	entry, err := NewReturnLog(tx, ReturnRequest{ProductID: "kettle", Quantity: 3, Reason: "broken lid", Operator: "kasir-a", At: soldAt.Add(2 * time.Hour)}, logs, "r-2")
	if err != nil {
		t.Fatalf("return 3 units: %v", err)
	}
	logs = append(logs, entry)

	if got := AvailableForReturn(tx, "kettle", logs, time.Time{}).Available; got != 0 {
		t.Fatalf("expected nothing left to return, got %d", got)
	}
}

func TestAvailableForReturnAsOf(t *testing.T) {
	tx := soldFive()
	logs := []domain.DefectiveLog{
		returnLog("r-1", 1, soldAt.Add(time.Hour)),
		returnLog("r-2", 2, soldAt.Add(48*time.Hour)),
	}

	cases := []struct {
		name     string
		asOf     time.Time
		returned int
	}{
		{name: "no cutoff", asOf: time.Time{}, returned: 3},
		{name: "before any return", asOf: soldAt.Add(time.Minute), returned: 0},
		{name: "at first return", asOf: soldAt.Add(time.Hour), returned: 1},
		{name: "between returns", asOf: soldAt.Add(24 * time.Hour), returned: 1},
		{name: "after both", asOf: soldAt.Add(72 * time.Hour), returned: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AvailableForReturn(tx, "kettle", logs, tc.asOf)
			if got.AlreadyReturned != tc.returned || got.Available != 5-tc.returned {
				t.Fatalf("expected %d returned, got %+v", tc.returned, got)
			}
		})
	}
}

func TestNewReturnLogCountsLaterReturns(t *testing.T) {
	tx := soldFive()
	logs := []domain.DefectiveLog{returnLog("r-1", 4, soldAt.Add(48*time.Hour))}

	_, err := NewReturnLog(tx, ReturnRequest{ProductID: "kettle", Quantity: 2, Reason: "late paperwork", Operator: "kasir-a", At: soldAt.Add(time.Hour)}, logs, "r-2")
	if !errors.Is(err, ErrQuantityExceeded) {
		t.Fatalf("expected backdated return to see later returns, got %v", err)
	}
}

func TestAvailableForReturnIgnoresUnrelatedLogs(t *testing.T) {
	tx := soldFive()
	otherProduct := returnLog("x-1", 1, soldAt.Add(time.Hour))
	otherProduct.ProductID = "toaster"
	otherSale := returnLog("x-2", 1, soldAt.Add(time.Hour))
	otherSale.TransactionID = "tx-other"
	defect := returnLog("x-3", 1, soldAt.Add(time.Hour))
	defect.ActionType = domain.ActionDefective
	beforeSale := returnLog("x-4", 1, soldAt.Add(-time.Minute))

	got := AvailableForReturn(tx, "kettle", []domain.DefectiveLog{otherProduct, otherSale, defect, beforeSale}, time.Time{})
	if got.AlreadyReturned != 0 || got.Available != 5 {
		t.Fatalf("expected unrelated logs ignored, got %+v", got)
	}
}

func TestNewReturnLogCashAmount(t *testing.T) {
	tx := soldFive()

	entry, err := NewReturnLog(tx, ReturnRequest{ProductID: "kettle", Quantity: 2, Reason: "wrong colour", Operator: "kasir-a"}, nil, "r-1")
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	assertMoney(t, "-240000", entry.CashAmount)
	if entry.ActionType != domain.ActionReturn || entry.BranchID != "branch-a" || entry.TransactionID != "tx-sale" {
		t.Fatalf("unexpected return entry: %+v", entry)
	}

	partial := d("100000")
	entry, err = NewReturnLog(tx, ReturnRequest{ProductID: "kettle", Quantity: 2, Reason: "scratched", Operator: "kasir-a", CashBack: &partial}, nil, "r-2")
	if err != nil {
		t.Fatalf("partial cash back: %v", err)
	}
	assertMoney(t, "-100000", entry.CashAmount)
}

func TestNewReturnLogValidation(t *testing.T) {
	tx := soldFive()
	pending := soldFive()
	pending.Status = domain.TxStatusPending
	negative := d("-1")

	cases := []struct {
		name string
		tx   domain.Transaction
		req  ReturnRequest
		want error
	}{
		{name: "empty reason", tx: tx, req: ReturnRequest{ProductID: "kettle", Quantity: 1, Reason: "  ", Operator: "kasir-a"}, want: ErrValidation},
		{name: "zero quantity", tx: tx, req: ReturnRequest{ProductID: "kettle", Quantity: 0, Reason: "x", Operator: "kasir-a"}, want: ErrValidation},
		{name: "product not sold", tx: tx, req: ReturnRequest{ProductID: "toaster", Quantity: 1, Reason: "x", Operator: "kasir-a"}, want: ErrValidation},
		{name: "negative cash back", tx: tx, req: ReturnRequest{ProductID: "kettle", Quantity: 1, Reason: "x", Operator: "kasir-a", CashBack: &negative}, want: ErrValidation},
		{name: "pending sale", tx: pending, req: ReturnRequest{ProductID: "kettle", Quantity: 1, Reason: "x", Operator: "kasir-a"}, want: ErrStaleState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewReturnLog(tc.tx, tc.req, nil, "r-1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestNewAdjustmentLogCashPolicy(t *testing.T) {
	cases := []struct {
		action   string
		cash     string
		wantCash string
		delta    int
	}{
		{action: domain.ActionDefective, cash: "5000", wantCash: "0", delta: -3},
		{action: domain.ActionFixed, cash: "-5000", wantCash: "0", delta: 3},
		{action: domain.ActionExchange, cash: "-15000", wantCash: "-15000", delta: 0},
		{action: "exchange", cash: "20000", wantCash: "20000", delta: 0},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			entry, err := NewAdjustmentLog(AdjustmentRequest{
				ProductID:  "kettle",
				Action:     tc.action,
				Quantity:   3,
				Reason:     "bench test",
				CashAmount: d(tc.cash),
				Operator:   "gudang-1",
				BranchID:   "branch-a",
			}, "adj-1")
			if err != nil {
				t.Fatalf("adjustment: %v", err)
			}
			assertMoney(t, tc.wantCash, entry.CashAmount)
			if got := StockDelta(entry); got != tc.delta {
				t.Fatalf("expected stock delta %d, got %d", tc.delta, got)
			}
		})
	}
}

func TestNewAdjustmentLogRejectsReturnsAndBlankReason(t *testing.T) {
	cases := []AdjustmentRequest{
		{ProductID: "kettle", Action: domain.ActionReturn, Quantity: 1, Reason: "x", Operator: "a"},
		{ProductID: "kettle", Action: domain.ActionDefective, Quantity: 1, Operator: "a"},
		{ProductID: "kettle", Action: "LOST", Quantity: 1, Reason: "x", Operator: "a"},
	}
	for i, req := range cases {
		if _, err := NewAdjustmentLog(req, "adj"); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestStockDeltaForReturn(t *testing.T) {
	if got := StockDelta(returnLog("r-1", 2, soldAt)); got != 2 {
		t.Fatalf("expected returned units back in stock, got %d", got)
	}
}
