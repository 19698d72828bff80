package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/feeledger/internal/domain"
)

func TestSubmit_InternalSend(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 1000_00)

	r, err := f.ledger.Submit(context.Background(), "k1", send("alice", "bob", 50_00))
	require.NoError(t, err)
	assert.False(t, r.Replayed)

	e := r.Entry
	assert.Equal(t, domain.StatusCompleted, e.Status)
	assert.Equal(t, domain.KindSend, e.Kind)
	assert.Equal(t, int64(7_50), e.Fee)
	assert.Equal(t, "bob", e.ToAccount)
	assert.False(t, e.External)

	assert.Equal(t, int64(950_00), f.balance(t, "alice"))
	assert.Equal(t, int64(42_50), f.balance(t, "bob"))
	assert.Equal(t, int64(7_50), f.balance(t, domain.FeeAccountID))
	f.assertConservation(t)
	f.assertFeesMatch(t)

	assert.Eventually(t, func() bool { return f.publisher.has(EventTransferCompleted, e.ID) },
		time.Second, 10*time.Millisecond)
}

func TestSubmit_FeeByKind(t *testing.T) {
	tests := []struct {
		name    string
		req     domain.TransferRequest
		wantFee int64
	}{
		{"receive", domain.ReceiveRequest{TransferBase: domain.TransferBase{FromAccountID: "alice", RecipientRef: "bob", Amount: 100_00}}, 13_00},
		{"trade", domain.TradeRequest{TransferBase: domain.TransferBase{FromAccountID: "alice", RecipientRef: "bob", Amount: 1000_01}, Instrument: "BTC"}, 100_00},
		{"instant", domain.InstantRequest{TransferBase: domain.TransferBase{FromAccountID: "alice", RecipientRef: "bob", Amount: 100_00}}, 13_50},
		{"tap to pay", domain.TapToPayRequest{TransferBase: domain.TransferBase{FromAccountID: "alice", RecipientRef: "bob", Amount: 20_00}, TerminalID: "pos-1"}, 3_10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.fund(t, "alice", 2000_00)

			r, err := f.ledger.Submit(context.Background(), "k-"+tc.name, tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.wantFee, r.Entry.Fee)
			assert.Equal(t, tc.req.Common().Amount-tc.wantFee, f.balance(t, "bob"))
			f.assertConservation(t)
			f.assertFeesMatch(t)
		})
	}
}

func TestSubmit_ExternalRecipient(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100_00)

	r, err := f.ledger.Submit(context.Background(), "k1", send("alice", "ext:venmo:@dave", 40_00))
	require.NoError(t, err)

	assert.True(t, r.Entry.External)
	assert.Equal(t, domain.ExternalAccountID, r.Entry.ToAccount)
	assert.Equal(t, "ext:venmo:@dave", r.Entry.RecipientRef)
	assert.Equal(t, int64(34_00), f.balance(t, domain.ExternalAccountID))
	f.assertConservation(t)
}

func TestSubmit_UnknownRecipient(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100_00)

	_, err := f.ledger.Submit(context.Background(), "k1", send("alice", "nobody", 10_00))
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = f.ledger.Submit(context.Background(), "k2", send("alice", domain.FeeAccountID, 10_00))
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = f.store.GetEntryByKey(context.Background(), "k1")
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
	assert.Equal(t, int64(100_00), f.balance(t, "alice"))
}

func TestSubmit_SystemSenderRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Submit(context.Background(), "k1", send(domain.FeeAccountID, "bob", 10_00))
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestSubmit_InvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Submit(ctx, "", send("alice", "bob", 10_00))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.ledger.Submit(ctx, "a#b", send("alice", "bob", 10_00))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.ledger.Submit(ctx, "k1", send("alice", "bob", 0))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.Submit(ctx, "k1", send("alice", "alice", 10_00))
	assert.ErrorIs(t, err, domain.ErrSameAccount)

	_, err = f.ledger.Submit(ctx, "k1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestSubmit_InsufficientFundsFailsEntry(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 1000_00)

	r, err := f.ledger.Submit(context.Background(), "k1", send("alice", "bob", 2000_00))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Equal(t, domain.StatusFailed, r.Entry.Status)
	assert.NotEmpty(t, r.Entry.FailureReason)
	assert.Equal(t, int64(1000_00), f.balance(t, "alice"))
	assert.Zero(t, f.balance(t, "bob"))
	assert.Zero(t, f.balance(t, domain.FeeAccountID))

	again, err := f.ledger.Submit(context.Background(), "k1", send("alice", "bob", 2000_00))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, domain.StatusFailed, again.Entry.Status)
	f.assertConservation(t)
}

func TestSubmit_Replay(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 1000_00)
	ctx := context.Background()

	first, err := f.ledger.Submit(ctx, "k1", send("alice", "bob", 50_00))
	require.NoError(t, err)

	second, err := f.ledger.Submit(ctx, "k1", send("alice", "bob", 50_00))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, int64(950_00), f.balance(t, "alice"))

	_, err = f.ledger.Submit(ctx, "k1", send("alice", "bob", 60_00))
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)

	_, err = f.ledger.Submit(ctx, "k1", domain.InstantRequest{TransferBase: domain.TransferBase{FromAccountID: "alice", RecipientRef: "bob", Amount: 50_00}})
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
}

func TestSubmit_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 1000_00)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
		ids   = map[string]struct{}{}
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.ledger.Submit(context.Background(), "same-key", send("alice", "bob", 50_00))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[r.Entry.ID] = struct{}{}
			if !r.Replayed {
				fresh++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	assert.Len(t, ids, 1)
	assert.Equal(t, int64(950_00), f.balance(t, "alice"))
	assert.Equal(t, int64(42_50), f.balance(t, "bob"))

	e, err := f.store.GetEntryByKey(context.Background(), "same-key")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, e.Status)
}

func TestSubmit_ConcurrentTrafficConservesMoney(t *testing.T) {
	f := newFixture(t)
	ids := []string{"alice", "bob", "carol"}
	for _, id := range ids {
		f.fund(t, id, 500_00)
	}

	var wg sync.WaitGroup
	for i := 0; i < 90; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := ids[i%3], ids[(i+1)%3]
			_, err := f.ledger.Submit(context.Background(), fmt.Sprintf("t-%d", i), send(from, to, int64(10_00+i*100)))
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
			}
		}(i)
	}
	wg.Wait()

	f.assertConservation(t)
	f.assertFeesMatch(t)
}

func TestSubmit_PremiumTierAndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 1000_00)

	expires := f.clock.Now().Add(time.Hour)
	require.NoError(t, f.ledger.SetTier(ctx, "alice", domain.TierPremium, &expires))

	view, err := f.ledger.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TierPremium, view.EffectiveTier)

	r, err := f.ledger.Submit(ctx, "k1", send("alice", "bob", 500_00))
	require.NoError(t, err)
	assert.Equal(t, int64(40_00), r.Entry.Fee)

	f.clock.Advance(2 * time.Hour)

	view, err = f.ledger.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TierStandard, view.EffectiveTier)

	r, err = f.ledger.Submit(ctx, "k2", send("alice", "bob", 500_00))
	require.NoError(t, err)
	assert.Equal(t, int64(65_00), r.Entry.Fee)
	assert.Zero(t, f.balance(t, "alice"))
}

func TestSubmit_International(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 500_00)

	req := domain.InternationalRequest{
		TransferBase: domain.TransferBase{FromAccountID: "alice", RecipientRef: "DE89370400440532013000", Amount: 500_00},
		FromCurrency: "USD",
		ToCurrency:   "EUR",
	}
	r, err := f.ledger.Submit(context.Background(), "intl-1", req)
	require.NoError(t, err)

	e := r.Entry
	assert.Equal(t, int64(65_00), e.Fee)
	assert.Equal(t, int64(13_05), e.FXMarkup)
	assert.Equal(t, int64(421_95), e.Net())
	assert.True(t, e.External)
	assert.Equal(t, domain.ExternalAccountID, e.ToAccount)

	require.NotNil(t, e.Exchange)
	assert.True(t, decimal.RequireFromString("0.873").Equal(e.Exchange.AppliedRate))
	assert.True(t, decimal.RequireFromString("379.76").Equal(e.Exchange.Delivered))

	assert.Equal(t, int64(78_05), f.balance(t, domain.FeeAccountID))
	assert.Equal(t, int64(421_95), f.balance(t, domain.ExternalAccountID))
	f.assertConservation(t)
	f.assertFeesMatch(t)
}

func TestSubmit_InternationalUnsupportedPair(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 500_00)

	req := domain.InternationalRequest{
		TransferBase: domain.TransferBase{FromAccountID: "alice", RecipientRef: "payee", Amount: 100_00},
		FromCurrency: "USD",
		ToCurrency:   "JPY",
	}
	_, err := f.ledger.Submit(context.Background(), "intl-1", req)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCurrencyPair)
	assert.Equal(t, int64(500_00), f.balance(t, "alice"))
}

func TestAddFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.ledger.AddFunds(ctx, "alice", 250_00, "stripe-ch-1")
	require.NoError(t, err)
	assert.Equal(t, domain.KindDeposit, r.Entry.Kind)
	assert.Equal(t, domain.StatusCompleted, r.Entry.Status)
	assert.Zero(t, r.Entry.Fee)

	again, err := f.ledger.AddFunds(ctx, "alice", 250_00, "stripe-ch-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(250_00), f.balance(t, "alice"))

	_, err = f.ledger.AddFunds(ctx, "alice", 300_00, "stripe-ch-1")
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)

	_, err = f.ledger.AddFunds(ctx, "alice", 0, "stripe-ch-2")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.AddFunds(ctx, domain.FeeAccountID, 10_00, "stripe-ch-3")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = f.ledger.AddFunds(ctx, "ghost", 10_00, "stripe-ch-4")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	f.assertConservation(t)
	assert.Eventually(t, func() bool { return f.publisher.has(EventFundsAdded, r.Entry.ID) },
		time.Second, 10*time.Millisecond)
}

func TestGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Grant(ctx, "g1", GrantRequest{AccountID: "bob", Amount: 20_00})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	g := GrantRequest{AccountID: "bob", Amount: 20_00, Reason: "goodwill credit", GrantedBy: "ops@example.com"}
	r, err := f.ledger.Grant(ctx, "g1", g)
	require.NoError(t, err)
	assert.Equal(t, domain.KindGrant, r.Entry.Kind)
	assert.Contains(t, r.Entry.Note, "ops@example.com")
	assert.Equal(t, int64(20_00), f.balance(t, "bob"))

	again, err := f.ledger.Grant(ctx, "g1", g)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(20_00), f.balance(t, "bob"))
	f.assertConservation(t)
}

func TestInflowKeysAreSeparateFromTransferKeys(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100_00)
	ctx := context.Background()

	for _, key := range []string{"stripe_pi_123", "deposit:stripe_pi_123", "grant:g1", "g1"} {
		_, err := f.ledger.Submit(ctx, key, send("alice", "bob", 10_00))
		require.NoError(t, err, key)
	}
	bob := f.balance(t, "bob")

	r, err := f.ledger.AddFunds(ctx, "bob", 50_00, "stripe_pi_123")
	require.NoError(t, err)
	assert.False(t, r.Replayed)
	assert.Equal(t, domain.StatusCompleted, r.Entry.Status)

	g, err := f.ledger.Grant(ctx, "g1", GrantRequest{AccountID: "bob", Amount: 5_00, Reason: "goodwill", GrantedBy: "ops"})
	require.NoError(t, err)
	assert.False(t, g.Replayed)

	assert.Equal(t, bob+55_00, f.balance(t, "bob"))
	f.assertConservation(t)
}

func TestSubmit_VoidedWhileSettling(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100_00)
	ctx := context.Background()

	f.store.beforeApply(func(m domain.Movement) {
		if strings.HasSuffix(m.Key, "#debit") {
			_, err := f.store.Ledger.AtomicTransfer(ctx, domain.Void(m.Key))
			require.NoError(t, err)
		}
	})
	r, err := f.ledger.Submit(ctx, "raced", send("alice", "bob", 40_00))
	f.store.beforeApply(nil)

	require.ErrorIs(t, err, ErrSettlementInterrupted)
	assert.Equal(t, domain.StatusPending, r.Entry.Status)
	assert.Equal(t, int64(100_00), f.balance(t, "alice"))

	f.clock.Advance(10 * time.Minute)
	report, err := f.recovery.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	replay, err := f.ledger.Submit(ctx, "raced", send("alice", "bob", 40_00))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, domain.StatusFailed, replay.Entry.Status)
	assert.Equal(t, int64(100_00), f.balance(t, "alice"))
	f.assertConservation(t)
}

func TestCreateAccount_ReservedIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"sys:fees", "sys:anything", "ext:bank", "a#b", "has space"} {
		_, err := f.ledger.CreateAccount(ctx, id)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest, id)
	}

	_, err := f.ledger.CreateAccount(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrAccountExists)
}

func TestSubmitAsync(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100_00)
	ctx := context.Background()

	job, err := f.ledger.SubmitAsync(ctx, "async-1", send("alice", "bob", 50_00))
	require.NoError(t, err)
	require.NotEmpty(t, job.EntryID)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	r, err := job.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, r.Entry.Status)
	assert.Equal(t, job.EntryID, r.Entry.ID)

	replay, err := f.ledger.SubmitAsync(ctx, "async-1", send("alice", "bob", 50_00))
	require.NoError(t, err)
	select {
	case <-replay.Done():
	default:
		t.Fatal("replayed job should already be done")
	}
	rr, err := replay.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, rr.Replayed)

	_, err = f.ledger.SubmitAsync(ctx, "async-2", send("alice", "bob", 0))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	require.NoError(t, f.ledger.Drain(waitCtx))
	assert.Equal(t, int64(50_00), f.balance(t, "alice"))
}

func TestSubmitAsync_SurvivesCallerCancel(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100_00)

	ctx, cancel := context.WithCancel(context.Background())
	job, err := f.ledger.SubmitAsync(ctx, "async-1", send("alice", "bob", 50_00))
	require.NoError(t, err)
	cancel()

	drainCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, f.ledger.Drain(drainCtx))

	e, err := f.ledger.GetEntry(context.Background(), job.EntryID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, e.Status)
}

func TestDrain_WaitsForEvents(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100_00)
	ctx := context.Background()

	pub := newGatedPublisher()
	ledger := NewLedger(f.store, WithClock(f.clock.Now), WithPublisher(pub))
	r, err := ledger.Submit(ctx, "evt-1", send("alice", "bob", 20_00))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ledger.Drain(short), context.DeadlineExceeded)

	close(pub.release)
	drainCtx, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	require.NoError(t, ledger.Drain(drainCtx))
	assert.True(t, pub.has(EventTransferCompleted, r.Entry.ID))
}
