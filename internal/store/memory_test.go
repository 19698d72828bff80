package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/feeledger/internal/domain"
)

func TestMemory(t *testing.T) {
	runLedgerContract(t, func(t *testing.T) Ledger { return NewMemory() })
}

func TestMemory_TierExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemory(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := s.CreateAccount(ctx, "alice")
	require.NoError(t, err)

	expires := now.Add(24 * time.Hour)
	require.NoError(t, s.SetTier(ctx, "alice", domain.TierPremium, &expires))

	tier, err := s.EffectiveTier(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TierPremium, tier)

	now = expires
	tier, err = s.EffectiveTier(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TierStandard, tier)

	assert.ErrorIs(t, s.SetTier(ctx, "alice", "gold", nil), domain.ErrInvalidRequest)
	assert.ErrorIs(t, s.SetTier(ctx, domain.FeeAccountID, domain.TierPremium, nil), domain.ErrInvalidRequest)
	assert.ErrorIs(t, s.SetTier(ctx, "ghost", domain.TierPremium, nil), domain.ErrAccountNotFound)
}

func TestMemory_BalancesSnapshotIsConsistent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "alice")
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, "bob")
	require.NoError(t, err)
	_, err = s.AtomicTransfer(ctx, domain.Inflow("seed", "alice", 1000_00))
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			from, to := "alice", "bob"
			if i%2 == 1 {
				from, to = to, from
			}
			_, _ = s.AtomicTransfer(ctx, domain.Transfer(time.Now().String()+from, from, to, 1))
		}
	}()

	for i := 0; i < 200; i++ {
		balances, err := s.Balances(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1000_00), balances["alice"]+balances["bob"])
	}
	close(stop)
	wg.Wait()
}

func TestMemory_AdmitHonoursContext(t *testing.T) {
	s := NewMemory()
	release, _, err := s.admit(context.Background(), "busy")
	require.NoError(t, err)
	require.NotNil(t, release)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.AtomicTransfer(ctx, domain.Inflow("busy", domain.FeeAccountID, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMovementValidation(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.AtomicTransfer(ctx, domain.Movement{Credits: []domain.Leg{{AccountID: "a", Amount: 1}}})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = s.AtomicTransfer(ctx, domain.Transfer("k", domain.FeeAccountID, domain.FeeAccountID, 1))
	assert.ErrorIs(t, err, domain.ErrSameAccount)

	_, err = s.AtomicTransfer(ctx, domain.Transfer("k", domain.FeeAccountID, domain.ClearingAccountID, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = s.AtomicTransfer(ctx, domain.Movement{
		Key:     "k",
		Debits:  []domain.Leg{{AccountID: domain.FeeAccountID, Amount: 2}},
		Credits: []domain.Leg{{AccountID: domain.ClearingAccountID, Amount: 1}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
