// Package store persists accounts, movements and transaction entries.
//
// Two implementations satisfy the same contracts: Memory, guarded by
// per-account locks, and Postgres, built on row locks inside a transaction.
package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/feeledger/internal/domain"
)

// AccountStore owns balances and tiers. AtomicTransfer is the only way two
// balances change together.
type AccountStore interface {
	CreateAccount(ctx context.Context, id string) (domain.Account, error)
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	GetBalance(ctx context.Context, id string) (int64, error)
	SetTier(ctx context.Context, id string, tier domain.Tier, expiresAt *time.Time) error
	EffectiveTier(ctx context.Context, id string) (domain.Tier, error)

	// AtomicTransfer applies every leg of m or none of them. A key that was
	// already applied returns the original outcome with Replayed set.
	AtomicTransfer(ctx context.Context, m domain.Movement) (domain.Outcome, error)
	// LookupMovement reports whether key has been applied.
	LookupMovement(ctx context.Context, key string) (domain.Outcome, bool, error)

	// Balances returns every balance from one consistent snapshot.
	Balances(ctx context.Context) (map[string]int64, error)
}

// EntryFilter narrows ListEntries. Zero values match everything.
type EntryFilter struct {
	AccountID     string
	Statuses      []domain.Status
	Kinds         []domain.Kind
	CreatedFrom   time.Time
	CreatedBefore time.Time
	Limit         int
}

// EntryRepository is the append-only transaction log.
type EntryRepository interface {
	// InsertEntry stores e. If its idempotency key is taken the stored entry
	// is returned instead and e is not written.
	InsertEntry(ctx context.Context, e domain.TransactionEntry) (existing *domain.TransactionEntry, err error)
	GetEntry(ctx context.Context, id string) (domain.TransactionEntry, error)
	GetEntryByKey(ctx context.Context, key string) (domain.TransactionEntry, error)
	// UpdateStatus moves an entry from one status to the next, failing with
	// domain.ErrInvalidTransition when the entry is no longer in from.
	UpdateStatus(ctx context.Context, id string, from, to domain.Status, reason string) (domain.TransactionEntry, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]domain.TransactionEntry, error)

	// InsertRecovery stores r unless a record for the same transaction
	// exists, in which case that record is returned.
	InsertRecovery(ctx context.Context, r domain.RecoveryRecord) (existing *domain.RecoveryRecord, err error)
	GetRecovery(ctx context.Context, transactionID string) (domain.RecoveryRecord, bool, error)
}

// Ledger is the full persistence surface the services need.
type Ledger interface {
	AccountStore
	EntryRepository
}

func (f EntryFilter) matches(e domain.TransactionEntry) bool {
	if f.AccountID != "" && e.FromAccount != f.AccountID && e.ToAccount != f.AccountID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, e.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if !f.CreatedFrom.IsZero() && e.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !e.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func containsStatus(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsKind(list []domain.Kind, k domain.Kind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}
