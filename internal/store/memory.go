package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/feeledger/internal/domain"
)

// Memory keeps the ledger in process memory. Movements lock the accounts they
// touch in id order, so transfers on disjoint accounts run in parallel and
// transfers sharing an account are linearized. Balances takes the snapshot
// lock exclusively and therefore never observes a movement half applied.
type Memory struct {
	now func() time.Time

	snapshot sync.RWMutex

	mu       sync.RWMutex
	accounts map[string]*memAccount

	keyMu    sync.Mutex
	applied  map[string]domain.Outcome
	inflight map[string]chan struct{}

	entryMu    sync.RWMutex
	entries    map[string]domain.TransactionEntry
	byKey      map[string]string
	order      []string
	recoveries map[string]domain.RecoveryRecord
}

type memAccount struct {
	mu  sync.Mutex
	acc domain.Account
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for timestamps and tier expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *Memory) { s.now = now }
}

// NewMemory returns an empty store holding only the system accounts.
func NewMemory(opts ...MemoryOption) *Memory {
	s := &Memory{
		now:        time.Now,
		accounts:   make(map[string]*memAccount),
		applied:    make(map[string]domain.Outcome),
		inflight:   make(map[string]chan struct{}),
		entries:    make(map[string]domain.TransactionEntry),
		byKey:      make(map[string]string),
		recoveries: make(map[string]domain.RecoveryRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, id := range domain.SystemAccountIDs() {
		s.accounts[id] = &memAccount{acc: newAccount(id, s.now())}
	}
	return s
}

func newAccount(id string, now time.Time) domain.Account {
	return domain.Account{
		ID:        id,
		Tier:      domain.TierStandard,
		System:    domain.IsSystemAccount(id),
		CreatedAt: now,
	}
}

func (s *Memory) CreateAccount(_ context.Context, id string) (domain.Account, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; ok {
		return domain.Account{}, domain.ErrAccountExists
	}
	acc := newAccount(id, s.now())
	s.accounts[id] = &memAccount{acc: acc}
	return acc, nil
}

func (s *Memory) lookup(id string) (*memAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return a, nil
}

func (s *Memory) GetAccount(_ context.Context, id string) (domain.Account, error) {
	a, err := s.lookup(id)
	if err != nil {
		return domain.Account{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acc, nil
}

func (s *Memory) GetBalance(ctx context.Context, id string) (int64, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

func (s *Memory) SetTier(_ context.Context, id string, tier domain.Tier, expiresAt *time.Time) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidRequest, tier)
	}
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	if a.acc.System {
		return fmt.Errorf("%w: system accounts are not tiered", domain.ErrInvalidRequest)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.acc.Tier = tier
	a.acc.TierExpiresAt = expiresAt
	return nil
}

func (s *Memory) EffectiveTier(ctx context.Context, id string) (domain.Tier, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return "", err
	}
	return acc.EffectiveTier(s.now()), nil
}

func (s *Memory) AtomicTransfer(ctx context.Context, m domain.Movement) (domain.Outcome, error) {
	if err := m.Validate(); err != nil {
		return domain.Outcome{}, err
	}

	release, prior, err := s.admit(ctx, m.Key)
	if err != nil {
		return domain.Outcome{}, err
	}
	if release == nil {
		return prior, nil
	}
	defer release()

	s.snapshot.RLock()
	defer s.snapshot.RUnlock()

	deltas := m.Deltas()
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	accs := make([]*memAccount, len(ids))
	for i, id := range ids {
		a, err := s.lookup(id)
		if err != nil {
			return domain.Outcome{}, err
		}
		accs[i] = a
	}

	// Deterministic lock order prevents deadlocks between crossing transfers.
	for _, a := range accs {
		a.mu.Lock()
	}
	defer func() {
		for _, a := range accs {
			a.mu.Unlock()
		}
	}()

	for i, a := range accs {
		if a.acc.Balance+deltas[ids[i]] < 0 {
			return domain.Outcome{}, domain.ErrInsufficientFunds
		}
	}
	for i, a := range accs {
		a.acc.Balance += deltas[ids[i]]
	}

	out := domain.Outcome{
		Key:       m.Key,
		Debits:    append([]domain.Leg(nil), m.Debits...),
		Credits:   append([]domain.Leg(nil), m.Credits...),
		AppliedAt: s.now(),
	}

	s.keyMu.Lock()
	s.applied[m.Key] = out
	s.keyMu.Unlock()

	return out, nil
}

// admit deduplicates a movement key before any balance is read. It returns a
// release func when the caller owns the key, or the prior outcome when the
// key was already applied. Concurrent callers with the same key wait for the
// owner to finish.
func (s *Memory) admit(ctx context.Context, key string) (func(), domain.Outcome, error) {
	for {
		s.keyMu.Lock()
		if out, ok := s.applied[key]; ok {
			s.keyMu.Unlock()
			out.Replayed = true
			return nil, out, nil
		}

		wait, busy := s.inflight[key]
		if !busy {
			done := make(chan struct{})
			s.inflight[key] = done
			s.keyMu.Unlock()

			return func() {
				s.keyMu.Lock()
				delete(s.inflight, key)
				s.keyMu.Unlock()
				close(done)
			}, domain.Outcome{}, nil
		}
		s.keyMu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, domain.Outcome{}, ctx.Err()
		}
	}
}

func (s *Memory) LookupMovement(_ context.Context, key string) (domain.Outcome, bool, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	out, ok := s.applied[key]
	return out, ok, nil
}

func (s *Memory) Balances(_ context.Context) (map[string]int64, error) {
	s.snapshot.Lock()
	defer s.snapshot.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := make(map[string]int64, len(s.accounts))
	for id, a := range s.accounts {
		balances[id] = a.acc.Balance
	}
	return balances, nil
}

func (s *Memory) InsertEntry(_ context.Context, e domain.TransactionEntry) (*domain.TransactionEntry, error) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()

	if id, ok := s.byKey[e.IdempotencyKey]; ok {
		existing := s.entries[id]
		return &existing, nil
	}
	if _, ok := s.entries[e.ID]; ok {
		return nil, fmt.Errorf("%w: duplicate transaction id", domain.ErrInvalidRequest)
	}

	s.entries[e.ID] = e
	s.byKey[e.IdempotencyKey] = e.ID
	s.order = append(s.order, e.ID)
	return nil, nil
}

func (s *Memory) GetEntry(_ context.Context, id string) (domain.TransactionEntry, error) {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return domain.TransactionEntry{}, domain.ErrEntryNotFound
	}
	return e, nil
}

func (s *Memory) GetEntryByKey(ctx context.Context, key string) (domain.TransactionEntry, error) {
	s.entryMu.RLock()
	id, ok := s.byKey[key]
	s.entryMu.RUnlock()

	if !ok {
		return domain.TransactionEntry{}, domain.ErrEntryNotFound
	}
	return s.GetEntry(ctx, id)
}

func (s *Memory) UpdateStatus(_ context.Context, id string, from, to domain.Status, reason string) (domain.TransactionEntry, error) {
	if !from.CanTransition(to) {
		return domain.TransactionEntry{}, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, from, to)
	}

	s.entryMu.Lock()
	defer s.entryMu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return domain.TransactionEntry{}, domain.ErrEntryNotFound
	}
	if e.Status != from {
		return e, fmt.Errorf("%w: entry is %s, not %s", domain.ErrInvalidTransition, e.Status, from)
	}

	e.Status = to
	if reason != "" {
		e.FailureReason = reason
	}
	e.UpdatedAt = s.now()
	s.entries[id] = e
	return e, nil
}

func (s *Memory) ListEntries(_ context.Context, f EntryFilter) ([]domain.TransactionEntry, error) {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()

	var out []domain.TransactionEntry
	for _, id := range s.order {
		e := s.entries[id]
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) InsertRecovery(_ context.Context, r domain.RecoveryRecord) (*domain.RecoveryRecord, error) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()

	if existing, ok := s.recoveries[r.TransactionID]; ok {
		return &existing, nil
	}
	s.recoveries[r.TransactionID] = r
	return nil, nil
}

func (s *Memory) GetRecovery(_ context.Context, transactionID string) (domain.RecoveryRecord, bool, error) {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()

	r, ok := s.recoveries[transactionID]
	return r, ok, nil
}
