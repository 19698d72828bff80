package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/feeledger/internal/domain"
)

// Postgres error codes the store translates into domain errors.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// Postgres is the durable Ledger. Every movement runs in its own transaction
// that first claims the movement key, then locks the touched account rows in
// id order.
type Postgres struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.MaxConns = 25
	config.MinConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// NewPostgres wraps an open pool. The schema must already be migrated.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool, now: time.Now}
}

// Pool exposes the underlying pool for bulk tooling.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.db
}

func (s *Postgres) Close() {
	s.db.Close()
}

// EnsureSystemAccounts creates the system accounts if they are missing.
func (s *Postgres) EnsureSystemAccounts(ctx context.Context) error {
	for _, id := range domain.SystemAccountIDs() {
		_, err := s.db.Exec(ctx,
			"INSERT INTO accounts (id, system, created_at) VALUES ($1, TRUE, $2) ON CONFLICT (id) DO NOTHING",
			id, s.now())
		if err != nil {
			return fmt.Errorf("create system account %s: %w", id, err)
		}
	}
	return nil
}

func (s *Postgres) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

const accountColumns = "id, balance, tier, tier_expires_at, system, created_at"

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		acc  domain.Account
		tier string
	)
	err := row.Scan(&acc.ID, &acc.Balance, &tier, &acc.TierExpiresAt, &acc.System, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, err
	}
	acc.Tier = domain.Tier(tier)
	return acc, nil
}

func (s *Postgres) CreateAccount(ctx context.Context, id string) (domain.Account, error) {
	if id == "" {
		id = uuid.NewString()
	}
	row := s.db.QueryRow(ctx,
		"INSERT INTO accounts (id, tier, system, created_at) VALUES ($1, $2, $3, $4) RETURNING "+accountColumns,
		id, string(domain.TierStandard), domain.IsSystemAccount(id), s.now())

	acc, err := scanAccount(row)
	if isPgCode(err, pgUniqueViolation) {
		return domain.Account{}, domain.ErrAccountExists
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("create account: %w", err)
	}
	return acc, nil
}

func (s *Postgres) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(s.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
}

func (s *Postgres) GetBalance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrAccountNotFound
	}
	return balance, err
}

func (s *Postgres) SetTier(ctx context.Context, id string, tier domain.Tier, expiresAt *time.Time) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidRequest, tier)
	}
	tag, err := s.db.Exec(ctx,
		"UPDATE accounts SET tier = $2, tier_expires_at = $3 WHERE id = $1 AND NOT system",
		id, string(tier), expiresAt)
	if err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if acc.System {
		return fmt.Errorf("%w: system accounts are not tiered", domain.ErrInvalidRequest)
	}
	return fmt.Errorf("set tier: account %s not updated", id)
}

func (s *Postgres) EffectiveTier(ctx context.Context, id string) (domain.Tier, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return "", err
	}
	return acc.EffectiveTier(s.now()), nil
}

func (s *Postgres) AtomicTransfer(ctx context.Context, m domain.Movement) (domain.Outcome, error) {
	if err := m.Validate(); err != nil {
		return domain.Outcome{}, err
	}

	debits, err := json.Marshal(nonNilLegs(m.Debits))
	if err != nil {
		return domain.Outcome{}, err
	}
	credits, err := json.Marshal(nonNilLegs(m.Credits))
	if err != nil {
		return domain.Outcome{}, err
	}

	appliedAt := s.now()
	replayed := false

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		// Claiming the key first serializes duplicates: a concurrent insert of
		// the same key blocks here until this transaction ends.
		tag, err := tx.Exec(ctx,
			"INSERT INTO movements (key, debits, credits, applied_at) VALUES ($1, $2, $3, $4) ON CONFLICT (key) DO NOTHING",
			m.Key, debits, credits, appliedAt)
		if err != nil {
			return fmt.Errorf("movement claim failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			replayed = true
			return nil
		}

		deltas := m.Deltas()
		ids := make([]string, 0, len(deltas))
		for id := range deltas {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		rows, err := tx.Query(ctx,
			"SELECT id, balance FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE", ids)
		if err != nil {
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
		balances := make(map[string]int64, len(ids))
		for rows.Next() {
			var (
				id      string
				balance int64
			)
			if err := rows.Scan(&id, &balance); err != nil {
				rows.Close()
				return err
			}
			balances[id] = balance
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("lock acquisition failed: %w", err)
		}

		if len(balances) != len(ids) {
			return domain.ErrAccountNotFound
		}
		for _, id := range ids {
			if balances[id]+deltas[id] < 0 {
				return domain.ErrInsufficientFunds
			}
		}

		for _, id := range ids {
			if _, err := tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1 WHERE id = $2", deltas[id], id); err != nil {
				return err
			}
		}
		return nil
	})
	if isPgCode(err, pgCheckViolation) {
		return domain.Outcome{}, domain.ErrInsufficientFunds
	}
	if err != nil {
		return domain.Outcome{}, err
	}

	if replayed {
		out, found, err := s.LookupMovement(ctx, m.Key)
		if err != nil {
			return domain.Outcome{}, err
		}
		if !found {
			return domain.Outcome{}, fmt.Errorf("movement %s vanished after conflict", m.Key)
		}
		out.Replayed = true
		return out, nil
	}

	return domain.Outcome{
		Key:       m.Key,
		Debits:    append([]domain.Leg(nil), m.Debits...),
		Credits:   append([]domain.Leg(nil), m.Credits...),
		AppliedAt: appliedAt,
	}, nil
}

func (s *Postgres) LookupMovement(ctx context.Context, key string) (domain.Outcome, bool, error) {
	var (
		out             domain.Outcome
		debits, credits []byte
	)
	err := s.db.QueryRow(ctx,
		"SELECT key, debits, credits, applied_at FROM movements WHERE key = $1", key,
	).Scan(&out.Key, &debits, &credits, &out.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Outcome{}, false, nil
	}
	if err != nil {
		return domain.Outcome{}, false, fmt.Errorf("lookup movement: %w", err)
	}

	if err := json.Unmarshal(debits, &out.Debits); err != nil {
		return domain.Outcome{}, false, fmt.Errorf("decode debits of %s: %w", key, err)
	}
	if err := json.Unmarshal(credits, &out.Credits); err != nil {
		return domain.Outcome{}, false, fmt.Errorf("decode credits of %s: %w", key, err)
	}
	return out, true, nil
}

func (s *Postgres) Balances(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, "SELECT id, balance FROM accounts")
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]int64)
	for rows.Next() {
		var (
			id      string
			balance int64
		)
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, err
		}
		balances[id] = balance
	}
	return balances, rows.Err()
}

const entryColumns = `id, idempotency_key, request_hash, kind, amount, fee, fx_markup, exchange,
	from_account, to_account, recipient_ref, external, status, note, parent_id,
	failure_reason, created_at, updated_at`

func scanEntry(row pgx.Row) (domain.TransactionEntry, error) {
	var (
		e            domain.TransactionEntry
		kind, status string
		exchange     []byte
	)
	err := row.Scan(&e.ID, &e.IdempotencyKey, &e.RequestHash, &kind, &e.Amount, &e.Fee, &e.FXMarkup, &exchange,
		&e.FromAccount, &e.ToAccount, &e.RecipientRef, &e.External, &status, &e.Note, &e.ParentID,
		&e.FailureReason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransactionEntry{}, domain.ErrEntryNotFound
		}
		return domain.TransactionEntry{}, err
	}

	e.Kind = domain.Kind(kind)
	e.Status = domain.Status(status)
	if len(exchange) > 0 {
		e.Exchange = &domain.Exchange{}
		if err := json.Unmarshal(exchange, e.Exchange); err != nil {
			return domain.TransactionEntry{}, fmt.Errorf("decode exchange of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func (s *Postgres) InsertEntry(ctx context.Context, e domain.TransactionEntry) (*domain.TransactionEntry, error) {
	var exchange []byte
	if e.Exchange != nil {
		var err error
		if exchange, err = json.Marshal(e.Exchange); err != nil {
			return nil, err
		}
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO transactions (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.IdempotencyKey, e.RequestHash, string(e.Kind), e.Amount, e.Fee, e.FXMarkup, exchange,
		e.FromAccount, e.ToAccount, e.RecipientRef, e.External, string(e.Status), e.Note, e.ParentID,
		e.FailureReason, e.CreatedAt, e.UpdatedAt)
	if isPgCode(err, pgUniqueViolation) {
		return nil, fmt.Errorf("%w: duplicate transaction id", domain.ErrInvalidRequest)
	}
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	existing, err := s.GetEntryByKey(ctx, e.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Postgres) GetEntry(ctx context.Context, id string) (domain.TransactionEntry, error) {
	return scanEntry(s.db.QueryRow(ctx, "SELECT "+entryColumns+" FROM transactions WHERE id = $1", id))
}

func (s *Postgres) GetEntryByKey(ctx context.Context, key string) (domain.TransactionEntry, error) {
	return scanEntry(s.db.QueryRow(ctx, "SELECT "+entryColumns+" FROM transactions WHERE idempotency_key = $1", key))
}

func (s *Postgres) UpdateStatus(ctx context.Context, id string, from, to domain.Status, reason string) (domain.TransactionEntry, error) {
	if !from.CanTransition(to) {
		return domain.TransactionEntry{}, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, from, to)
	}

	e, err := scanEntry(s.db.QueryRow(ctx, `
		UPDATE transactions
		SET status = $3,
		    failure_reason = CASE WHEN $4 = '' THEN failure_reason ELSE $4 END,
		    updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+entryColumns,
		id, string(from), string(to), reason, s.now()))
	if errors.Is(err, domain.ErrEntryNotFound) {
		current, getErr := s.GetEntry(ctx, id)
		if getErr != nil {
			return domain.TransactionEntry{}, getErr
		}
		return current, fmt.Errorf("%w: entry is %s, not %s", domain.ErrInvalidTransition, current.Status, from)
	}
	if err != nil {
		return domain.TransactionEntry{}, fmt.Errorf("update status: %w", err)
	}
	return e, nil
}

func (s *Postgres) ListEntries(ctx context.Context, f EntryFilter) ([]domain.TransactionEntry, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	kinds := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = string(k)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM transactions
		WHERE ($1 = '' OR from_account = $1 OR to_account = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		  AND (cardinality($3::text[]) = 0 OR kind = ANY($3))
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at < $5)
		ORDER BY created_at, id
		LIMIT NULLIF($6, 0)`,
		f.AccountID, statuses, kinds, nullTime(f.CreatedFrom), nullTime(f.CreatedBefore), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.TransactionEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertRecovery(ctx context.Context, r domain.RecoveryRecord) (*domain.RecoveryRecord, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO recovery_records (transaction_id, audit_entry_id, account_id, resolution, amount, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id) DO NOTHING`,
		r.TransactionID, r.AuditEntryID, r.AccountID, string(r.Resolution), r.Amount, r.DetectedAt)
	if err != nil {
		return nil, fmt.Errorf("insert recovery record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	existing, found, err := s.GetRecovery(ctx, r.TransactionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("recovery record %s vanished after conflict", r.TransactionID)
	}
	return &existing, nil
}

func (s *Postgres) GetRecovery(ctx context.Context, transactionID string) (domain.RecoveryRecord, bool, error) {
	var (
		r          domain.RecoveryRecord
		resolution string
	)
	err := s.db.QueryRow(ctx, `
		SELECT transaction_id, audit_entry_id, account_id, resolution, amount, detected_at
		FROM recovery_records WHERE transaction_id = $1`, transactionID,
	).Scan(&r.TransactionID, &r.AuditEntryID, &r.AccountID, &resolution, &r.Amount, &r.DetectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RecoveryRecord{}, false, nil
	}
	if err != nil {
		return domain.RecoveryRecord{}, false, fmt.Errorf("get recovery record: %w", err)
	}
	r.Resolution = domain.Resolution(resolution)
	return r, true, nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nonNilLegs(legs []domain.Leg) []domain.Leg {
	if legs == nil {
		return []domain.Leg{}
	}
	return legs
}
