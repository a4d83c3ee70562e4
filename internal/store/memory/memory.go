package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"cicilan/backend/internal/domain"
	"cicilan/backend/internal/ledger"
	"cicilan/backend/internal/logger"
	"cicilan/backend/internal/store"
	"cicilan/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	branches         map[string]domain.Branch
	products         map[string]domain.Product
	inventory        map[string]map[string]int
	transactionsByID map[string]*domain.Transaction
	scheduleOwner    map[string]string
	defectiveLogs    []domain.DefectiveLog
	exchangeRates    map[string]domain.ExchangeRate
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
// If unset, dev defaults are used with a warning. These accounts never exist
// in production, which runs on PostgreSQL.
func seedUsers(branchID string) map[string]domain.UserAccount {
	log := logger.WithComponent("memory-store")
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Msg("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("failed to hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			BranchID:  branchID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with two branches, a small appliance catalogue
// stocked at both, the seed users and one active UZS→USD rate.
func NewSeeded(defaultBranchID string) *Store {
	if defaultBranchID == "" {
		defaultBranchID = "main-branch"
	}
	branches := []domain.Branch{
		{ID: defaultBranchID, Name: "Main Branch"},
		{ID: "north-branch", Name: "North Branch"},
	}
	products := []domain.Product{
		{ID: "tv-55", Name: "Televisor 55\"", Price: decimal.NewFromInt(6500000), Active: true},
		{ID: "fridge-2d", Name: "Refrigerator Two-Door", Price: decimal.NewFromInt(8900000), Active: true},
		{ID: "washer-7kg", Name: "Washing Machine 7kg", Price: decimal.NewFromInt(5200000), Active: true},
		{ID: "phone-a15", Name: "Smartphone A15", Price: decimal.NewFromInt(2400000), Active: true},
		{ID: "kettle", Name: "Electric Kettle", Price: decimal.NewFromInt(180000), Active: true},
		{ID: "iron", Name: "Steam Iron", Price: decimal.NewFromInt(250000), Active: true},
		{ID: "vacuum", Name: "Vacuum Cleaner", Price: decimal.NewFromInt(1700000), Active: true},
		{ID: "microwave", Name: "Microwave Oven", Price: decimal.NewFromInt(1350000), Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	inventory := make(map[string]map[string]int, len(branches))
	branchMap := make(map[string]domain.Branch, len(branches))
	for _, b := range branches {
		branchMap[b.ID] = b
		inventory[b.ID] = make(map[string]int, len(products))
	}
	for _, p := range products {
		productMap[p.ID] = p
		inventory[defaultBranchID][p.ID] = 40
		inventory["north-branch"][p.ID] = 15
	}

	rate := domain.ExchangeRate{
		ID:        "fx-seed",
		From:      "UZS",
		To:        "USD",
		Rate:      decimal.RequireFromString("0.000079"),
		Active:    true,
		CreatedBy: "system",
		CreatedAt: time.Now().UTC(),
	}

	return &Store{
		branches:         branchMap,
		products:         productMap,
		inventory:        inventory,
		transactionsByID: make(map[string]*domain.Transaction),
		scheduleOwner:    make(map[string]string),
		defectiveLogs:    make([]domain.DefectiveLog, 0, 64),
		exchangeRates:    map[string]domain.ExchangeRate{rate.ID: rate},
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  seedUsers(defaultBranchID),
	}
}

func (s *Store) ListBranches(_ context.Context) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branches := make([]domain.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		branches = append(branches, b)
	}
	slices.SortFunc(branches, func(a, b domain.Branch) int {
		return cmpString(a.ID, b.ID)
	})
	return branches, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) GetStockMap(_ context.Context, branchID string, productIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stockMap := make(map[string]int, len(productIDs))
	branchStock := s.inventory[branchID]
	for _, id := range productIDs {
		if branchStock == nil {
			stockMap[id] = 0
			continue
		}
		stockMap[id] = branchStock[id]
	}
	return stockMap, nil
}

// AdjustStock applies signed quantity changes. Either all adjustments apply
// or none do.
func (s *Store) AdjustStock(_ context.Context, branchID string, adjustments []domain.StockAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[branchID]; !ok {
		return fmt.Errorf("branch %s unavailable", branchID)
	}
	deltas := make(map[string]int, len(adjustments))
	for _, adj := range adjustments {
		if _, exists := s.products[adj.ProductID]; !exists {
			return fmt.Errorf("product %s unavailable", adj.ProductID)
		}
		deltas[adj.ProductID] += adj.Qty
	}
	return s.applyStockLocked(branchID, deltas)
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" || len(tx.Items) == 0 || tx.Status != domain.TxStatusPending {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := s.transactionsByID[tx.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if _, ok := s.branches[tx.BranchID]; !ok {
		return nil, fmt.Errorf("branch %s unavailable", tx.BranchID)
	}
	if tx.Type == domain.TxTypeTransfer {
		if _, ok := s.branches[tx.TargetBranchID]; !ok || tx.TargetBranchID == tx.BranchID {
			return nil, store.ErrInvalidTransaction
		}
	}
	for _, item := range tx.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidTransaction
		}
		if _, exists := s.products[item.ProductID]; !exists {
			return nil, fmt.Errorf("product %s unavailable", item.ProductID)
		}
	}
	for _, schedule := range tx.PaymentSchedules {
		if _, exists := s.scheduleOwner[schedule.ID]; exists || schedule.ID == "" {
			return nil, store.ErrInvalidTransaction
		}
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	stored := cloneTransaction(&tx)
	for i := range stored.PaymentSchedules {
		stored.PaymentSchedules[i].TransactionID = stored.ID
		s.scheduleOwner[stored.PaymentSchedules[i].ID] = stored.ID
	}
	s.transactionsByID[stored.ID] = stored
	return cloneTransaction(stored), nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.transactionsByID))
	for _, tx := range s.transactionsByID {
		if filter.BranchID != "" && tx.BranchID != filter.BranchID {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if len(filter.PaymentTypes) > 0 && !slices.Contains(filter.PaymentTypes, tx.PaymentType) {
			continue
		}
		if filter.DateRange != nil && !filter.DateRange.Contains(tx.CreatedAt) {
			continue
		}
		result = append(result, *cloneTransaction(tx))
	}
	sortTransactions(result)
	return result, nil
}

func (s *Store) ListPendingTransactions(_ context.Context, before time.Time) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0)
	for _, tx := range s.transactionsByID {
		if tx.Status == domain.TxStatusPending && tx.CreatedAt.Before(before) {
			result = append(result, *cloneTransaction(tx))
		}
	}
	sortTransactions(result)
	return result, nil
}

func (s *Store) UpdateTransactionStatus(_ context.Context, id string, status string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status != domain.TxStatusPending {
		return nil, store.ErrInvalidTransaction
	}

	switch status {
	case domain.TxStatusCompleted:
		if err := s.applyStockLocked(tx.BranchID, itemDeltas(tx.Items, -1)); err != nil {
			return nil, err
		}
		if tx.Type == domain.TxTypeTransfer {
			if err := s.applyStockLocked(tx.TargetBranchID, itemDeltas(tx.Items, 1)); err != nil {
				// give the source branch its stock back
				_ = s.applyStockLocked(tx.BranchID, itemDeltas(tx.Items, 1))
				return nil, err
			}
		}
	case domain.TxStatusCancelled:
	default:
		return nil, store.ErrInvalidTransaction
	}

	tx.Status = status
	return cloneTransaction(tx), nil
}

func (s *Store) DeleteTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if tx.Status == domain.TxStatusCompleted {
		return store.ErrInvalidTransaction
	}
	for _, schedule := range tx.PaymentSchedules {
		delete(s.scheduleOwner, schedule.ID)
	}
	delete(s.transactionsByID, id)
	return nil
}

func (s *Store) FindPaymentSchedule(_ context.Context, id string) (*domain.PaymentSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, schedule, err := s.scheduleLocked(id)
	if err != nil {
		return nil, err
	}
	found := *schedule
	return &found, nil
}

func (s *Store) ApplyPaymentSchedule(_ context.Context, update domain.RepaymentUpdate) (*domain.PaymentSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, schedule, err := s.scheduleLocked(update.ScheduleID)
	if err != nil {
		return nil, err
	}
	if update.TransactionID != "" && update.TransactionID != tx.ID {
		return nil, store.ErrInvalidTransaction
	}
	if schedule.IsPaid || !schedule.PaidAmount.Equal(update.ExpectedPaidAmount) {
		return nil, fmt.Errorf("%w: schedule %s changed since it was read", ledger.ErrStaleState, schedule.ID)
	}
	delta := update.PaidAmount.Sub(update.ExpectedPaidAmount)
	if !delta.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}

	paidAt := update.PaidAt
	schedule.PaidAmount = update.PaidAmount
	schedule.IsPaid = update.IsPaid
	schedule.PaidAt = &paidAt
	schedule.PaidChannel = update.PaidChannel
	schedule.PaidBy = update.PaidByUserID

	tx.AmountPaid = tx.AmountPaid.Add(delta)
	tx.RemainingBalance = decimal.Max(decimal.Zero, tx.FinalTotal.Sub(tx.AmountPaid))

	applied := *schedule
	return &applied, nil
}

func (s *Store) CreateDefectiveLog(_ context.Context, entry domain.DefectiveLog, stockDelta int) (*domain.DefectiveLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" || entry.Quantity < 1 {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := s.products[entry.ProductID]; !exists {
		return nil, fmt.Errorf("product %s unavailable", entry.ProductID)
	}
	if _, ok := s.branches[entry.BranchID]; !ok {
		return nil, fmt.Errorf("branch %s unavailable", entry.BranchID)
	}
	if entry.TransactionID != "" {
		if _, ok := s.transactionsByID[entry.TransactionID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	if stockDelta != 0 {
		if err := s.applyStockLocked(entry.BranchID, map[string]int{entry.ProductID: stockDelta}); err != nil {
			return nil, err
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.defectiveLogs = append(s.defectiveLogs, entry)
	created := entry
	return &created, nil
}

func (s *Store) ListDefectiveLogs(_ context.Context, filter domain.DefectiveLogFilter) ([]domain.DefectiveLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DefectiveLog, 0, len(s.defectiveLogs))
	for _, entry := range s.defectiveLogs {
		if filter.BranchID != "" && entry.BranchID != filter.BranchID {
			continue
		}
		if filter.TransactionID != "" && entry.TransactionID != filter.TransactionID {
			continue
		}
		if filter.ProductID != "" && entry.ProductID != filter.ProductID {
			continue
		}
		if filter.DateRange != nil && !filter.DateRange.Contains(entry.CreatedAt) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.DefectiveLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

func (s *Store) CreateExchangeRate(_ context.Context, rate domain.ExchangeRate) (*domain.ExchangeRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rate.From == "" || rate.To == "" || rate.From == rate.To || !rate.Rate.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}
	if rate.ID == "" {
		rate.ID = xid.New("fx")
	}
	if _, exists := s.exchangeRates[rate.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if rate.CreatedAt.IsZero() {
		rate.CreatedAt = time.Now().UTC()
	}
	if rate.Active {
		s.deactivatePairLocked(rate.From, rate.To)
	}
	s.exchangeRates[rate.ID] = rate
	created := rate
	return &created, nil
}

func (s *Store) ActivateExchangeRate(_ context.Context, id string) (*domain.ExchangeRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rate, ok := s.exchangeRates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	s.deactivatePairLocked(rate.From, rate.To)
	rate.Active = true
	s.exchangeRates[id] = rate
	activated := rate
	return &activated, nil
}

func (s *Store) GetCurrentExchangeRate(_ context.Context, from string, to string) (*domain.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rate := range s.exchangeRates {
		if rate.Active && rate.From == from && rate.To == to {
			current := rate
			return &current, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListExchangeRates(_ context.Context, from string, to string, limit int) ([]domain.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ExchangeRate, 0, len(s.exchangeRates))
	for _, rate := range s.exchangeRates {
		if from != "" && rate.From != from {
			continue
		}
		if to != "" && rate.To != to {
			continue
		}
		result = append(result, rate)
	}
	slices.SortFunc(result, func(a, b domain.ExchangeRate) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) scheduleLocked(id string) (*domain.Transaction, *domain.PaymentSchedule, error) {
	txID, ok := s.scheduleOwner[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	tx, ok := s.transactionsByID[txID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	for i := range tx.PaymentSchedules {
		if tx.PaymentSchedules[i].ID == id {
			return tx, &tx.PaymentSchedules[i], nil
		}
	}
	return nil, nil, store.ErrNotFound
}

// applyStockLocked checks every delta before changing anything.
func (s *Store) applyStockLocked(branchID string, deltas map[string]int) error {
	branchStock, ok := s.inventory[branchID]
	if !ok {
		return fmt.Errorf("branch %s unavailable", branchID)
	}
	for productID, delta := range deltas {
		if branchStock[productID]+delta < 0 {
			return store.ErrInsufficientStock
		}
	}
	for productID, delta := range deltas {
		branchStock[productID] += delta
	}
	return nil
}

func (s *Store) deactivatePairLocked(from string, to string) {
	for id, rate := range s.exchangeRates {
		if rate.From == from && rate.To == to && rate.Active {
			rate.Active = false
			s.exchangeRates[id] = rate
		}
	}
}

func itemDeltas(items []domain.LineItem, sign int) map[string]int {
	deltas := make(map[string]int, len(items))
	for _, item := range items {
		deltas[item.ProductID] += sign * item.Quantity
	}
	return deltas
}

func sortTransactions(txs []domain.Transaction) {
	slices.SortFunc(txs, func(a, b domain.Transaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dupItems := make([]domain.LineItem, len(src.Items))
	copy(dupItems, src.Items)
	dup.Items = dupItems
	if src.PaymentSchedules != nil {
		dupSchedules := make([]domain.PaymentSchedule, len(src.PaymentSchedules))
		for i, schedule := range src.PaymentSchedules {
			if schedule.PaidAt != nil {
				paidAt := *schedule.PaidAt
				schedule.PaidAt = &paidAt
			}
			dupSchedules[i] = schedule
		}
		dup.PaymentSchedules = dupSchedules
	}
	return &dup
}
