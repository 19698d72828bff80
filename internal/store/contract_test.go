package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/feeledger/internal/domain"
)

// runLedgerContract exercises behaviour every Ledger implementation shares.
func runLedgerContract(t *testing.T, newLedger func(t *testing.T) Ledger) {
	t.Run("system accounts exist", func(t *testing.T) {
		s := newLedger(t)
		for _, id := range domain.SystemAccountIDs() {
			acc, err := s.GetAccount(context.Background(), id)
			require.NoError(t, err, id)
			assert.True(t, acc.System)
			assert.Zero(t, acc.Balance)
		}
	})

	t.Run("create account", func(t *testing.T) {
		s := newLedger(t)
		ctx := context.Background()

		acc, err := s.CreateAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", acc.ID)
		assert.Equal(t, domain.TierStandard, acc.Tier)

		_, err = s.CreateAccount(ctx, "alice")
		assert.ErrorIs(t, err, domain.ErrAccountExists)

		generated, err := s.CreateAccount(ctx, "")
		require.NoError(t, err)
		assert.NotEmpty(t, generated.ID)

		_, err = s.GetAccount(ctx, "nobody")
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})

	t.Run("atomic transfer moves every leg", func(t *testing.T) {
		s := newLedger(t)
		ctx := context.Background()
		mustAccounts(t, s, "alice", "bob")
		fund(t, s, "alice", 100_00)

		out, err := s.AtomicTransfer(ctx, domain.Movement{
			Key:     "t1",
			Debits:  []domain.Leg{{AccountID: "alice", Amount: 60_00}},
			Credits: []domain.Leg{{AccountID: "bob", Amount: 50_00}, {AccountID: domain.FeeAccountID, Amount: 10_00}},
		})
		require.NoError(t, err)
		assert.False(t, out.Replayed)

		assertBalance(t, s, "alice", 40_00)
		assertBalance(t, s, "bob", 50_00)
		assertBalance(t, s, domain.FeeAccountID, 10_00)
	})

	t.Run("insufficient funds leaves balances untouched", func(t *testing.T) {
		s := newLedger(t)
		ctx := context.Background()
		mustAccounts(t, s, "alice", "bob")
		fund(t, s, "alice", 10_00)

		_, err := s.AtomicTransfer(ctx, domain.Transfer("t1", "alice", "bob", 10_01))
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

		assertBalance(t, s, "alice", 10_00)
		assertBalance(t, s, "bob", 0)

		_, found, err := s.LookupMovement(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("unknown account", func(t *testing.T) {
		s := newLedger(t)
		mustAccounts(t, s, "alice")
		fund(t, s, "alice", 10_00)

		_, err := s.AtomicTransfer(context.Background(), domain.Transfer("t1", "alice", "ghost", 5_00))
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
		assertBalance(t, s, "alice", 10_00)
	})

	t.Run("replayed key applies once", func(t *testing.T) {
		s := newLedger(t)
		ctx := context.Background()
		mustAccounts(t, s, "alice", "bob")
		fund(t, s, "alice", 100_00)

		m := domain.Transfer("t1", "alice", "bob", 30_00)
		_, err := s.AtomicTransfer(ctx, m)
		require.NoError(t, err)

		again, err := s.AtomicTransfer(ctx, m)
		require.NoError(t, err)
		assert.True(t, again.Replayed)

		assertBalance(t, s, "alice", 70_00)
		assertBalance(t, s, "bob", 30_00)

		out, found, err := s.LookupMovement(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, found)
		require.Len(t, out.Credits, 1)
		assert.Equal(t, int64(30_00), out.Credits[0].Amount)
	})

	t.Run("concurrent duplicates apply once", func(t *testing.T) {
		s := newLedger(t)
		ctx := context.Background()
		mustAccounts(t, s, "alice", "bob")
		fund(t, s, "alice", 100_00)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			replayed int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := s.AtomicTransfer(ctx, domain.Transfer("dup", "alice", "bob", 10_00))
				if !assert.NoError(t, err) {
					return
				}
				if out.Replayed {
					mu.Lock()
					replayed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 19, replayed)
		assertBalance(t, s, "alice", 90_00)
		assertBalance(t, s, "bob", 10_00)
	})

	t.Run("crossing transfers conserve money", func(t *testing.T) {
		s := newLedger(t)
		ctx := context.Background()
		ids := []string{"a", "b", "c", "d"}
		mustAccounts(t, s, ids...)
		for _, id := range ids {
			fund(t, s, id, 1000_00)
		}

		var wg sync.WaitGroup
		for i := 0; i < 80; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				from, to := ids[i%len(ids)], ids[(i+1+i/len(ids))%len(ids)]
				if from == to {
					return
				}
				_, err := s.AtomicTransfer(ctx, domain.Transfer(fmt.Sprintf("x%d", i), from, to, int64(1_00+i)))
				if err != nil {
					assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
				}
			}(i)
		}
		wg.Wait()

		balances, err := s.Balances(ctx)
		require.NoError(t, err)
		var total int64
		for _, id := range ids {
			assert.GreaterOrEqual(t, balances[id], int64(0))
			total += balances[id]
		}
		assert.Equal(t, int64(4000_00), total)
	})

	t.Run("entries", func(t *testing.T) {
		s := newLedger(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		first := testEntry("k1", "alice", base)
		existing, err := s.InsertEntry(ctx, first)
		require.NoError(t, err)
		assert.Nil(t, existing)

		dup := testEntry("k1", "alice", base.Add(time.Minute))
		existing, err = s.InsertEntry(ctx, dup)
		require.NoError(t, err)
		require.NotNil(t, existing)
		assert.Equal(t, first.ID, existing.ID)

		byKey, err := s.GetEntryByKey(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, byKey.ID)
		assert.Equal(t, first.RequestHash, byKey.RequestHash)

		_, err = s.GetEntry(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrEntryNotFound)

		updated, err := s.UpdateStatus(ctx, first.ID, domain.StatusPending, domain.StatusCompleted, "")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, updated.Status)

		_, err = s.UpdateStatus(ctx, first.ID, domain.StatusPending, domain.StatusFailed, "late")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		_, err = s.UpdateStatus(ctx, first.ID, domain.StatusFailed, domain.StatusCompleted, "")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		second := testEntry("k2", "bob", base.Add(time.Hour))
		_, err = s.InsertEntry(ctx, second)
		require.NoError(t, err)

		list, err := s.ListEntries(ctx, EntryFilter{Statuses: []domain.Status{domain.StatusPending}})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, second.ID, list[0].ID)

		list, err = s.ListEntries(ctx, EntryFilter{AccountID: "alice"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, first.ID, list[0].ID)

		list, err = s.ListEntries(ctx, EntryFilter{CreatedFrom: base, CreatedBefore: base.Add(time.Hour)})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, first.ID, list[0].ID)

		list, err = s.ListEntries(ctx, EntryFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("recovery records are written once", func(t *testing.T) {
		s := newLedger(t)
		ctx := context.Background()
		txID := uuid.NewString()

		_, found, err := s.GetRecovery(ctx, txID)
		require.NoError(t, err)
		assert.False(t, found)

		rec := domain.RecoveryRecord{
			TransactionID: txID,
			AccountID:     "alice",
			Resolution:    domain.ResolutionRefunded,
			Amount:        50_00,
			DetectedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}
		existing, err := s.InsertRecovery(ctx, rec)
		require.NoError(t, err)
		assert.Nil(t, existing)

		again := rec
		again.Resolution = domain.ResolutionRecredited
		existing, err = s.InsertRecovery(ctx, again)
		require.NoError(t, err)
		require.NotNil(t, existing)
		assert.Equal(t, domain.ResolutionRefunded, existing.Resolution)

		got, found, err := s.GetRecovery(ctx, txID)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(50_00), got.Amount)
	})
}

func mustAccounts(t *testing.T, s Ledger, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := s.CreateAccount(context.Background(), id)
		require.NoError(t, err)
	}
}

func fund(t *testing.T, s Ledger, id string, amount int64) {
	t.Helper()
	_, err := s.AtomicTransfer(context.Background(), domain.Inflow("fund-"+id+"-"+uuid.NewString(), id, amount))
	require.NoError(t, err)
}

func assertBalance(t *testing.T, s Ledger, id string, want int64) {
	t.Helper()
	got, err := s.GetBalance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, want, got, "balance of %s", id)
}

func testEntry(key, from string, at time.Time) domain.TransactionEntry {
	return domain.TransactionEntry{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		RequestHash:    "hash-" + key,
		Kind:           domain.KindSend,
		Amount:         50_00,
		Fee:            7_50,
		FromAccount:    from,
		ToAccount:      "carol",
		RecipientRef:   "carol",
		Status:         domain.StatusPending,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}
