package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/feeledger/internal/domain"
	"github.com/punchamoorthee/feeledger/internal/fees"
	"github.com/punchamoorthee/feeledger/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultStore fails movements whose key ends in a chosen suffix, standing in
// for a crash or lost connection between the two legs of a transfer.
type faultStore struct {
	store.Ledger

	mu     sync.Mutex
	suffix string
	err    error
	before func(domain.Movement)
}

// beforeApply runs fn ahead of every movement until cleared with nil.
func (f *faultStore) beforeApply(fn func(domain.Movement)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = fn
}

func (f *faultStore) failOn(suffix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suffix, f.err = suffix, err
}

func (f *faultStore) heal() {
	f.failOn("", nil)
}

func (f *faultStore) AtomicTransfer(ctx context.Context, m domain.Movement) (domain.Outcome, error) {
	f.mu.Lock()
	suffix, err, before := f.suffix, f.err, f.before
	f.mu.Unlock()

	if before != nil {
		before(m)
	}
	if suffix != "" && strings.HasSuffix(m.Key, suffix) {
		return domain.Outcome{}, err
	}
	return f.Ledger.AtomicTransfer(ctx, m)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, e domain.TransactionEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType+":"+e.ID)
	return nil
}

func (p *recordingPublisher) has(eventType, id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev == eventType+":"+id {
			return true
		}
	}
	return false
}

// gatedPublisher holds every publish until release is closed.
type gatedPublisher struct {
	recordingPublisher
	release chan struct{}
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{release: make(chan struct{})}
}

func (p *gatedPublisher) Publish(ctx context.Context, eventType string, e domain.TransactionEntry) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.recordingPublisher.Publish(ctx, eventType, e)
}

type fixture struct {
	clock     *testClock
	store     *faultStore
	ledger    *Ledger
	recovery  *Recovery
	revenue   *Revenue
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newTestClock()
	fs := &faultStore{Ledger: store.NewMemory(store.WithClock(clock.Now))}
	pub := &recordingPublisher{}
	rates := fees.StaticRates{"USD:EUR": decimal.RequireFromString("0.9")}

	opts := []Option{
		WithClock(clock.Now),
		WithPublisher(pub),
		WithRates(rates),
		WithStaleAfter(5 * time.Minute),
	}
	f := &fixture{
		clock:     clock,
		store:     fs,
		ledger:    NewLedger(fs, opts...),
		recovery:  NewRecovery(fs, opts...),
		revenue:   NewRevenue(fs),
		publisher: pub,
	}

	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := f.ledger.CreateAccount(context.Background(), id)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) fund(t *testing.T, id string, amount int64) {
	t.Helper()
	r, err := f.ledger.AddFunds(context.Background(), id, amount, "pay-"+uuid.NewString())
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, r.Entry.Status)
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

// assertConservation checks that no money was created or destroyed: all
// balances, system accounts included, add up to what came in from outside.
func (f *fixture) assertConservation(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	balances, err := f.store.Balances(ctx)
	require.NoError(t, err)
	var total int64
	for id, b := range balances {
		assert.GreaterOrEqual(t, b, int64(0), "balance of %s", id)
		total += b
	}

	inflows, err := f.store.ListEntries(ctx, store.EntryFilter{
		Statuses: []domain.Status{domain.StatusCompleted},
		Kinds:    []domain.Kind{domain.KindDeposit, domain.KindGrant},
	})
	require.NoError(t, err)
	var in int64
	for _, e := range inflows {
		in += e.Amount
	}
	assert.Equal(t, in, total, "sum of balances must equal external inflows")
}

// assertFeesMatch checks the fee account against completed transfers. It
// only holds when no transfer is stuck between its legs.
func (f *fixture) assertFeesMatch(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	done, err := f.store.ListEntries(ctx, store.EntryFilter{
		Statuses: []domain.Status{domain.StatusCompleted},
		Kinds:    domain.TransferKinds,
	})
	require.NoError(t, err)
	var charges int64
	for _, e := range done {
		charges += e.Charges()
	}
	assert.Equal(t, charges, f.balance(t, domain.FeeAccountID))
	assert.Zero(t, f.balance(t, domain.ClearingAccountID))
}

func send(from, to string, amount int64) domain.SendRequest {
	return domain.SendRequest{TransferBase: domain.TransferBase{FromAccountID: from, RecipientRef: to, Amount: amount}}
}
