package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cicilan/backend/internal/domain"
	"cicilan/backend/internal/store"
)

// DefaultPendingTimeout is how long a submitted transaction may wait for
// confirmation before it is treated as abandoned.
const DefaultPendingTimeout = 15 * time.Minute

// LifecycleStore is the write side the guard drives.
type LifecycleStore interface {
	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status string) (*domain.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error
	ListPendingTransactions(ctx context.Context, before time.Time) ([]domain.Transaction, error)
}

// Guard moves transactions through PENDING to COMPLETED and removes
// unconfirmed ones. A PENDING transaction is invisible to every aggregate.
type Guard struct {
	store   LifecycleStore
	timeout time.Duration
}

func NewGuard(store LifecycleStore, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	return &Guard{store: store, timeout: timeout}
}

func (g *Guard) Timeout() time.Duration {
	return g.timeout
}

// Submit persists a draft as PENDING.
func (g *Guard) Submit(ctx context.Context, draft domain.Transaction) (*domain.Transaction, error) {
	if draft.ID == "" {
		return nil, validationf("transaction id is required")
	}
	if draft.Status != "" && draft.Status != domain.TxStatusDraft && draft.Status != domain.TxStatusPending {
		return nil, validationf("cannot submit a transaction in status %s", draft.Status)
	}
	draft.Status = domain.TxStatusPending
	return g.store.CreateTransaction(ctx, draft)
}

// Confirm marks a PENDING transaction COMPLETED. If confirmation fails for
// any reason other than an unknown id, the PENDING row is deleted before
// the error is returned, so no unconfirmed sale is left behind. A row the
// cleanup finds already COMPLETED means the write did commit, and Confirm
// reports success.
func (g *Guard) Confirm(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := g.store.FindTransactionByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return g.compensate(ctx, id, nil, err)
	}
	switch tx.Status {
	case domain.TxStatusPending:
	case domain.TxStatusCompleted:
		return nil, fmt.Errorf("%w: transaction %s is already completed", ErrStaleState, id)
	default:
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrStaleState, id, tx.Status)
	}

	confirmed, err := g.store.UpdateTransactionStatus(ctx, id, domain.TxStatusCompleted)
	if err != nil {
		return g.compensate(ctx, id, tx, err)
	}
	return confirmed, nil
}

// Abandon deletes a PENDING transaction. Completed transactions are never
// removed this way.
func (g *Guard) Abandon(ctx context.Context, id string) error {
	tx, err := g.store.FindTransactionByID(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != domain.TxStatusPending {
		return fmt.Errorf("%w: transaction %s is %s", ErrStaleState, id, tx.Status)
	}
	return g.store.DeleteTransaction(ctx, id)
}

// PurgeStale deletes every PENDING transaction created before now minus the
// timeout and returns the deleted ids. Deletion keeps going past individual
// failures; those are joined into the returned error.
func (g *Guard) PurgeStale(ctx context.Context, now time.Time) ([]string, error) {
	stale, err := g.store.ListPendingTransactions(ctx, now.Add(-g.timeout))
	if err != nil {
		return nil, err
	}

	purged := make([]string, 0, len(stale))
	var errs []error
	for _, tx := range stale {
		if tx.Status != domain.TxStatusPending {
			continue
		}
		if err := g.store.DeleteTransaction(ctx, tx.ID); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", tx.ID, err))
			continue
		}
		purged = append(purged, tx.ID)
	}
	return purged, errors.Join(errs...)
}

// compensate deletes the PENDING row after a failed confirmation. pending is
// the row as read before the status write, or nil if the read itself failed.
func (g *Guard) compensate(ctx context.Context, id string, pending *domain.Transaction, cause error) (*domain.Transaction, error) {
	// The caller's context may be the thing that failed.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := g.store.DeleteTransaction(cleanupCtx, id)
	switch {
	case err == nil:
		return nil, fmt.Errorf("confirm %s: %w", id, cause)
	case errors.Is(err, store.ErrInvalidTransaction):
		// Only COMPLETED rows refuse deletion.
		if current, findErr := g.store.FindTransactionByID(cleanupCtx, id); findErr == nil {
			if current.Status == domain.TxStatusCompleted {
				return current, nil
			}
		} else if pending != nil {
			committed := *pending
			committed.Status = domain.TxStatusCompleted
			return &committed, nil
		}
	}
	return nil, fmt.Errorf("confirm %s: %w (compensating delete failed: %v)", id, cause, err)
}
