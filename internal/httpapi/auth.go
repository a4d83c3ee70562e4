package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"cicilan/backend/internal/domain"
	"cicilan/backend/internal/ledger"
)

const userStoreTimeout = 3 * time.Second

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errAccountInactive    = errors.New("account is inactive")
	// ErrUsernameTaken is returned when an account name is already in use.
	ErrUsernameTaken = errors.New("username already exists")
)

type AuthManager struct {
	mu         sync.RWMutex
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	userStore  UserStore
	users      map[string]credential
}

// UserStore persists accounts. ListBranches lets new accounts be checked
// against the branches the store knows.
type UserStore interface {
	ListBranches(ctx context.Context) ([]domain.Branch, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type credential struct {
	password string
	role     string
	branchID string
	active   bool
	created  time.Time
}

type operatorClaims struct {
	jwtlib.RegisteredClaims
	Role     string `json:"role"`
	BranchID string `json:"branch_id,omitempty"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN == "" {
		managerPIN = "disabled"
	}
	if hashedPIN, err := hashPassword(managerPIN); err == nil {
		managerPIN = hashedPIN
	}

	manager := &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
		userStore:  userStore,
		users:      make(map[string]credential),
	}
	manager.bootstrapUsers(context.Background())
	return manager
}

// Login reloads accounts from the user store so operators created by another
// instance can sign in, then issues a signed access token.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.bootstrapUsers(ctx)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok || !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errAccountInactive
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, cred.branchID, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		BranchID:    cred.branchID,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &operatorClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role, BranchID: claims.BranchID}, nil
}

func (a *AuthManager) sign(username, role, branchID string, expiresAt time.Time) (string, error) {
	claims := operatorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "cicilan",
		},
		Role:     role,
		BranchID: branchID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateManagerPIN gates returns, which hand cash back over the counter.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

// CreateOperator adds a cashier or warehouse account to an existing branch.
// Admin accounts are only created from posctl.
func (a *AuthManager) CreateOperator(ctx context.Context, req domain.OperatorCreateRequest) (domain.Operator, error) {
	a.bootstrapUsers(ctx)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 || strings.ContainsAny(username, " \t\r\n") {
		return domain.Operator{}, fmt.Errorf("%w: username must be at least 4 characters without spaces", ledger.ErrValidation)
	}
	if len(strings.TrimSpace(req.Password)) < 6 {
		return domain.Operator{}, fmt.Errorf("%w: password must be at least 6 characters", ledger.ErrValidation)
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = domain.RoleCashier
	}
	if role != domain.RoleCashier && role != domain.RoleWarehouse {
		return domain.Operator{}, fmt.Errorf("%w: role must be %s or %s", ledger.ErrValidation, domain.RoleCashier, domain.RoleWarehouse)
	}
	branchID := strings.TrimSpace(req.BranchID)
	if err := a.checkBranch(ctx, branchID); err != nil {
		return domain.Operator{}, err
	}

	a.mu.RLock()
	_, exists := a.users[username]
	a.mu.RUnlock()
	if exists {
		return domain.Operator{}, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.Operator{}, fmt.Errorf("hash password: %w", err)
	}
	cred := credential{
		password: passwordHash,
		role:     role,
		branchID: branchID,
		active:   true,
		created:  time.Now().UTC(),
	}

	if a.userStore != nil {
		storeCtx, cancel := context.WithTimeout(ctx, userStoreTimeout)
		defer cancel()
		err := a.userStore.CreateUser(storeCtx, domain.UserAccount{
			Username:  username,
			Password:  cred.password,
			Role:      cred.role,
			BranchID:  cred.branchID,
			Active:    cred.active,
			CreatedAt: cred.created,
		})
		if err != nil {
			return domain.Operator{}, err
		}
	}

	a.mu.Lock()
	a.users[username] = cred
	a.mu.Unlock()
	return cred.operator(username), nil
}

// ListOperators returns the non-admin accounts, limited to branchID when it
// is set.
func (a *AuthManager) ListOperators(ctx context.Context, branchID string) []domain.Operator {
	a.bootstrapUsers(ctx)
	branchID = strings.TrimSpace(branchID)

	a.mu.RLock()
	result := make([]domain.Operator, 0, len(a.users))
	for username, cred := range a.users {
		if cred.role == domain.RoleAdmin {
			continue
		}
		if branchID != "" && cred.branchID != branchID {
			continue
		}
		result = append(result, cred.operator(username))
	}
	a.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].BranchID != result[j].BranchID {
			return result[i].BranchID < result[j].BranchID
		}
		return result[i].Username < result[j].Username
	})
	return result
}

func (a *AuthManager) checkBranch(ctx context.Context, branchID string) error {
	if branchID == "" {
		return fmt.Errorf("%w: branch is required", ledger.ErrValidation)
	}
	if a.userStore == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, userStoreTimeout)
	defer cancel()
	branches, err := a.userStore.ListBranches(ctx)
	if err != nil {
		return fmt.Errorf("list branches: %w", err)
	}
	for _, branch := range branches {
		if branch.ID == branchID {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown branch %s", ledger.ErrValidation, branchID)
}

func (c credential) operator(username string) domain.Operator {
	return domain.Operator{
		Username:  username,
		Role:      c.role,
		BranchID:  c.branchID,
		Active:    c.active,
		CreatedAt: c.created,
	}
}

// bootstrapUsers loads accounts from the user store into the credential
// cache, upgrading plain-text passwords to bcrypt hashes in the store.
func (a *AuthManager) bootstrapUsers(ctx context.Context) {
	if a.userStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, userStoreTimeout)
	defer cancel()

	users, err := a.userStore.ListUsers(ctx)
	if err != nil || len(users) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" {
			continue
		}
		password := user.Password
		if !isPasswordHash(password) {
			if hashed, err := hashPassword(password); err == nil {
				password = hashed
				_ = a.userStore.UpdateUserPassword(ctx, username, hashed)
			}
		}
		a.users[username] = credential{
			password: password,
			role:     user.Role,
			branchID: user.BranchID,
			active:   user.Active,
			created:  user.CreatedAt,
		}
	}
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
