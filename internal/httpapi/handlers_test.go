package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cicilan/backend/internal/cache"
	"cicilan/backend/internal/domain"
	"cicilan/backend/internal/fx"
	"cicilan/backend/internal/service"
	"cicilan/backend/internal/store/memory"
)

const testManagerPIN = "739154"

// newTestAPI builds the API over a seeded in-memory store with a real
// AuthManager and Service so handler tests exercise the whole request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded("main-branch")
	rates := fx.NewProvider(repo, cache.NoopRateCache{}, time.Minute, "UZS", "USD")
	svc := service.New(repo, rates, service.Options{DefaultBranchID: "main-branch", Currency: "UZS"})
	auth := NewAuthManager("test-secret-key", time.Hour, testManagerPIN, repo)

	return New(svc, auth, "*")
}

type apiClient struct {
	t       *testing.T
	handler http.Handler
	token   string
	csrf    string
}

func newClient(t *testing.T, api *API, username string, password string) *apiClient {
	t.Helper()
	return &apiClient{
		t:       t,
		handler: api.Handler(),
		token:   login(t, api, username, password),
		csrf:    fetchCSRFToken(t, api),
	}
}

func (c *apiClient) do(method string, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func (c *apiClient) expect(rec *httptest.ResponseRecorder, status int, dest any) {
	c.t.Helper()
	if rec.Code != status {
		c.t.Fatalf("expected %d, got %d (body: %s)", status, rec.Code, rec.Body.String())
	}
	if dest != nil {
		if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
			c.t.Fatalf("decode body: %v", err)
		}
	}
}

func (c *apiClient) confirmedSale(req domain.SaleRequest) domain.Transaction {
	c.t.Helper()
	var pending domain.Transaction
	c.expect(c.do(http.MethodPost, "/api/v1/sales", req), http.StatusCreated, &pending)
	if pending.Status != domain.TxStatusPending {
		c.t.Fatalf("expected PENDING after submit, got %s", pending.Status)
	}
	var confirmed domain.Transaction
	c.expect(c.do(http.MethodPost, "/api/v1/transactions/"+pending.ID+"/confirm", nil), http.StatusOK, &confirmed)
	return confirmed
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestProductsRequireAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProductsWithValidToken(t *testing.T) {
	api := newTestAPI(t)
	client := newClient(t, api, "cashier", "cashier123")

	var body map[string][]domain.Product
	client.expect(client.do(http.MethodGet, "/api/v1/products", nil), http.StatusOK, &body)
	if len(body["products"]) == 0 {
		t.Fatalf("expected seeded products, got %v", body)
	}
}

func TestCreditSaleRepaymentAndDrawer(t *testing.T) {
	api := newTestAPI(t)
	client := newClient(t, api, "cashier", "cashier123")

	tx := client.confirmedSale(domain.SaleRequest{
		PaymentType:         domain.PaymentCredit,
		Items:               []domain.SaleItemRequest{{ProductID: "tv-55", Quantity: 1}},
		DownPayment:         decimal.NewFromInt(500000),
		InterestRatePercent: decimal.NewFromInt(10),
		Months:              6,
	})
	if tx.Status != domain.TxStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", tx.Status)
	}
	if len(tx.PaymentSchedules) != 6 {
		t.Fatalf("expected 6 schedules, got %d", len(tx.PaymentSchedules))
	}
	if !tx.FinalTotal.Equal(decimal.NewFromInt(7100000)) {
		t.Fatalf("expected final total 7100000, got %s", tx.FinalTotal)
	}

	first := tx.PaymentSchedules[0]
	overpay := client.do(http.MethodPost, "/api/v1/repayments", domain.RepaymentRequest{
		ScheduleID: first.ID,
		Amount:     first.Payment.Add(decimal.NewFromInt(1)),
	})
	client.expect(overpay, http.StatusConflict, nil)

	var repaid domain.RepaymentResponse
	client.expect(client.do(http.MethodPost, "/api/v1/repayments", domain.RepaymentRequest{
		ScheduleID: first.ID,
		Amount:     first.Payment,
		Channel:    domain.PaymentCash,
	}), http.StatusOK, &repaid)
	if !repaid.Schedule.IsPaid {
		t.Fatalf("expected schedule to be paid, got %+v", repaid.Schedule)
	}

	replay := client.do(http.MethodPost, "/api/v1/repayments", domain.RepaymentRequest{
		ScheduleID: first.ID,
		Amount:     decimal.NewFromInt(1000),
	})
	client.expect(replay, http.StatusConflict, nil)

	var report domain.CashDrawerReport
	client.expect(client.do(http.MethodGet, "/api/v1/reports/cash-drawer?from=2000-01-01&to=2100-01-01", nil), http.StatusOK, &report)
	if report.OperatorID != "cashier" {
		t.Fatalf("expected drawer for cashier, got %q", report.OperatorID)
	}
	wantOwed := decimal.NewFromInt(500000).Add(first.Payment)
	if !report.CashOwed.Equal(wantOwed) {
		t.Fatalf("expected cash owed %s, got %s", wantOwed, report.CashOwed)
	}

	forbidden := client.do(http.MethodGet, "/api/v1/reports/cash-drawer?operator_id=admin", nil)
	client.expect(forbidden, http.StatusForbidden, nil)
}

func TestSaleValidationAndMissingTransaction(t *testing.T) {
	api := newTestAPI(t)
	client := newClient(t, api, "cashier", "cashier123")

	invalid := client.do(http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		PaymentType: domain.PaymentCash,
		Items:       []domain.SaleItemRequest{{ProductID: "kettle", Quantity: 1}},
		Months:      3,
	})
	client.expect(invalid, http.StatusBadRequest, nil)

	client.expect(client.do(http.MethodGet, "/api/v1/transactions/tx-missing", nil), http.StatusNotFound, nil)
	client.expect(client.do(http.MethodPost, "/api/v1/transactions/tx-missing/refund", nil), http.StatusNotFound, nil)
}

func TestReturnsRequireManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	client := newClient(t, api, "cashier", "cashier123")

	tx := client.confirmedSale(domain.SaleRequest{
		PaymentType: domain.PaymentCash,
		Items:       []domain.SaleItemRequest{{ProductID: "kettle", Quantity: 2}},
	})

	noPIN := client.do(http.MethodPost, "/api/v1/returns", domain.ReturnRequest{
		TransactionID: tx.ID,
		ProductID:     "kettle",
		Quantity:      1,
	})
	client.expect(noPIN, http.StatusForbidden, nil)

	tooMany := client.do(http.MethodPost, "/api/v1/returns", domain.ReturnRequest{
		TransactionID: tx.ID,
		ProductID:     "kettle",
		Quantity:      3,
		ManagerPIN:    testManagerPIN,
	})
	client.expect(tooMany, http.StatusConflict, nil)

	var entry domain.DefectiveLog
	client.expect(client.do(http.MethodPost, "/api/v1/returns", domain.ReturnRequest{
		TransactionID: tx.ID,
		ProductID:     "kettle",
		Quantity:      1,
		ManagerPIN:    testManagerPIN,
	}), http.StatusCreated, &entry)
	if entry.ActionType != domain.ActionReturn {
		t.Fatalf("expected RETURN log, got %s", entry.ActionType)
	}

	var availability map[string]any
	client.expect(client.do(http.MethodGet, "/api/v1/returns/available?transaction_id="+tx.ID+"&product_id=kettle", nil), http.StatusOK, &availability)
	if availability["available"] != float64(1) {
		t.Fatalf("expected 1 unit still returnable, got %v", availability)
	}

	var atSale map[string]any
	atSalePath := "/api/v1/returns/available?transaction_id=" + tx.ID + "&product_id=kettle&as_of=" + tx.CreatedAt.Format(time.RFC3339)
	client.expect(client.do(http.MethodGet, atSalePath, nil), http.StatusOK, &atSale)
	if atSale["available"] != float64(2) {
		t.Fatalf("expected 2 units returnable as of the sale, got %v", atSale)
	}

	client.expect(client.do(http.MethodGet, "/api/v1/returns/available?transaction_id="+tx.ID+"&product_id=kettle&as_of=yesterday", nil), http.StatusBadRequest, nil)
}

func TestOperatorAccountsAreBranchScoped(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")
	cashier := newClient(t, api, "cashier", "cashier123")

	warehouse := domain.OperatorCreateRequest{Username: "gudang01", Password: "gudang123", Role: domain.RoleWarehouse}
	cashier.expect(cashier.do(http.MethodPost, "/api/v1/users/operators", warehouse), http.StatusForbidden, nil)

	var created struct {
		Operator domain.Operator `json:"operator"`
	}
	admin.expect(admin.do(http.MethodPost, "/api/v1/users/operators", warehouse), http.StatusCreated, &created)
	if created.Operator.Role != domain.RoleWarehouse || created.Operator.BranchID != "main-branch" {
		t.Fatalf("expected warehouse account on the admin's branch, got %+v", created.Operator)
	}
	admin.expect(admin.do(http.MethodPost, "/api/v1/users/operators", warehouse), http.StatusConflict, nil)
	admin.expect(admin.do(http.MethodPost, "/api/v1/users/operators", domain.OperatorCreateRequest{
		Username: "kasir09", Password: "kasir123", BranchID: "south-branch",
	}), http.StatusBadRequest, nil)
	admin.expect(admin.do(http.MethodPost, "/api/v1/users/operators", domain.OperatorCreateRequest{
		Username: "kasir10", Password: "kasir123", BranchID: "north-branch",
	}), http.StatusCreated, nil)

	var listed struct {
		Operators []domain.Operator `json:"operators"`
	}
	admin.expect(admin.do(http.MethodGet, "/api/v1/users/operators?branch_id=north-branch", nil), http.StatusOK, &listed)
	if len(listed.Operators) != 1 || listed.Operators[0].Username != "kasir10" {
		t.Fatalf("expected only kasir10 on north-branch, got %+v", listed.Operators)
	}

	stockKeeper := newClient(t, api, "gudang01", "gudang123")
	stockKeeper.expect(stockKeeper.do(http.MethodPost, "/api/v1/users/operators", warehouse), http.StatusForbidden, nil)
}

func TestTransfersAndPurgeAreRoleGated(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")
	admin := newClient(t, api, "admin", "admin123")

	transfer := domain.TransferRequest{
		TargetBranchID: "north-branch",
		Items:          []domain.SaleItemRequest{{ProductID: "iron", Quantity: 2}},
	}
	cashier.expect(cashier.do(http.MethodPost, "/api/v1/transfers", transfer), http.StatusForbidden, nil)

	var pending domain.Transaction
	admin.expect(admin.do(http.MethodPost, "/api/v1/transfers", transfer), http.StatusCreated, &pending)
	if pending.Type != domain.TxTypeTransfer {
		t.Fatalf("expected TRANSFER, got %s", pending.Type)
	}

	cashier.expect(cashier.do(http.MethodPost, "/api/v1/transactions/purge-pending", nil), http.StatusForbidden, nil)
	var purge domain.PurgeResponse
	admin.expect(admin.do(http.MethodPost, "/api/v1/transactions/purge-pending", nil), http.StatusOK, &purge)
}

func TestExchangeRateLifecycle(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	var created domain.ExchangeRate
	admin.expect(admin.do(http.MethodPost, "/api/v1/exchange-rates", domain.ExchangeRateCreateRequest{
		From: "UZS",
		To:   "USD",
		Rate: decimal.RequireFromString("0.000080"),
	}), http.StatusCreated, &created)
	if created.Active {
		t.Fatalf("expected inactive rate until activated")
	}

	var activated domain.ExchangeRate
	admin.expect(admin.do(http.MethodPost, "/api/v1/exchange-rates/"+created.ID+"/activate", nil), http.StatusOK, &activated)
	if !activated.Active {
		t.Fatalf("expected activated rate")
	}

	var current domain.ExchangeRate
	admin.expect(admin.do(http.MethodGet, "/api/v1/exchange-rates/current", nil), http.StatusOK, &current)
	if current.ID != created.ID {
		t.Fatalf("expected current rate %s, got %s", created.ID, current.ID)
	}
}

func TestSplitResourcePath(t *testing.T) {
	cases := []struct {
		path   string
		id     string
		action string
		ok     bool
	}{
		{"/api/v1/transactions/tx-1", "tx-1", "", true},
		{"/api/v1/transactions/tx-1/confirm", "tx-1", "confirm", true},
		{"/api/v1/transactions/", "", "", false},
		{"/api/v1/transactions/tx-1/confirm/extra", "", "", false},
	}
	for _, tc := range cases {
		id, action, ok := splitResourcePath(tc.path, "/api/v1/transactions/")
		if id != tc.id || action != tc.action || ok != tc.ok {
			t.Fatalf("%s: got (%q, %q, %v)", tc.path, id, action, ok)
		}
	}
}

func TestParseDateRange(t *testing.T) {
	r, err := parseDateRange("2026-03-01", "2026-03-01")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !r.To.Equal(time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected bare to-date to cover the whole day, got %s", r.To)
	}
	if r, err := parseDateRange("", ""); err != nil || r != nil {
		t.Fatalf("expected nil range, got %v %v", r, err)
	}
	if _, err := parseDateRange("2026-03-05", "2026-03-01"); err == nil {
		t.Fatalf("expected inverted range to be rejected")
	}
	if _, err := parseDateRange("yesterday", ""); err == nil {
		t.Fatalf("expected garbage to be rejected")
	}
}
