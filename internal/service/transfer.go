package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/feeledger/internal/domain"
	"github.com/punchamoorthee/feeledger/internal/fees"
	"github.com/punchamoorthee/feeledger/internal/store"
)

const maxKeyLength = 200

// ErrSettlementInterrupted comes back with a still-pending entry when
// recovery claimed one of its legs before settlement finished. The entry is
// closed by the next sweep.
var ErrSettlementInterrupted = errors.New("settlement interrupted by recovery")

// Receipt is what the ledger returns for a submitted movement. Replayed is
// set when the idempotency key was already known and nothing new happened.
type Receipt struct {
	Entry    domain.TransactionEntry `json:"entry"`
	Replayed bool                    `json:"replayed"`
}

// AccountView is an account with its tier as of the read.
type AccountView struct {
	domain.Account
	EffectiveTier domain.Tier `json:"effective_tier"`
}

// GrantRequest is a permissioned credit issued by an operator.
type GrantRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	GrantedBy string `json:"granted_by"`
}

// Ledger prices and executes money movements. Every movement is persisted as
// a pending entry before any balance changes, then its debit and credit legs
// are applied and the entry is settled.
type Ledger struct {
	store store.Ledger
	opts  options
	jobs  sync.WaitGroup
}

func NewLedger(s store.Ledger, opts ...Option) *Ledger {
	return &Ledger{store: s, opts: buildOptions(opts)}
}

// Submit executes a user transfer under idempotency key. A replayed key
// returns the stored entry, whatever its status, with Replayed set.
//
// When the debit is rejected for lack of funds the entry is marked failed and
// returned together with domain.ErrInsufficientFunds. Any other store failure
// after the entry was persisted leaves it pending for recovery.
func (l *Ledger) Submit(ctx context.Context, key string, req domain.TransferRequest) (Receipt, error) {
	e, replayed, err := l.admitTransfer(ctx, key, req)
	if err != nil {
		return Receipt{}, err
	}
	if replayed {
		return Receipt{Entry: e, Replayed: true}, nil
	}
	return l.settle(ctx, e)
}

// admitTransfer validates and prices req, then persists it as pending.
func (l *Ledger) admitTransfer(ctx context.Context, key string, req domain.TransferRequest) (domain.TransactionEntry, bool, error) {
	if err := validateKey(key); err != nil {
		return domain.TransactionEntry{}, false, err
	}
	if req == nil {
		return domain.TransactionEntry{}, false, fmt.Errorf("%w: empty transfer request", domain.ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return domain.TransactionEntry{}, false, err
	}

	hash := domain.Fingerprint(req)
	if prior, found, err := l.replay(ctx, key, hash); err != nil || found {
		return prior, found, err
	}

	base := req.Common()
	if domain.IsSystemAccount(base.FromAccountID) {
		return domain.TransactionEntry{}, false, domain.ErrAccountNotFound
	}
	tier, err := l.store.EffectiveTier(ctx, base.FromAccountID)
	if err != nil {
		return domain.TransactionEntry{}, false, err
	}

	to, external, err := l.resolveRecipient(ctx, req)
	if err != nil {
		return domain.TransactionEntry{}, false, err
	}

	var pair *fees.CurrencyPair
	if intl, ok := req.(domain.InternationalRequest); ok {
		pair, err = fees.Quote(ctx, l.opts.rates, intl.FromCurrency, intl.ToCurrency)
		if err != nil {
			return domain.TransactionEntry{}, false, err
		}
	}

	b, err := fees.ComputeFee(base.Amount, req.Kind(), tier, req.Kind().IsInstant(), pair)
	if err != nil {
		return domain.TransactionEntry{}, false, err
	}

	now := l.opts.now()
	e := domain.TransactionEntry{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		RequestHash:    hash,
		Kind:           req.Kind(),
		Amount:         base.Amount,
		Fee:            b.Fee,
		FXMarkup:       b.FXMarkup,
		FromAccount:    base.FromAccountID,
		ToAccount:      to,
		RecipientRef:   base.RecipientRef,
		External:       external,
		Status:         domain.StatusPending,
		Note:           base.Note,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if pair != nil {
		e.Exchange = &domain.Exchange{
			From:        pair.From,
			To:          pair.To,
			MidRate:     pair.MidRate,
			MarkupPct:   b.MarkupPct,
			AppliedRate: b.AppliedRate,
			Delivered:   b.Delivered,
		}
	}

	return l.persist(ctx, e)
}

// persist writes a pending entry. Losing an insert race to the same key is
// treated as a replay of the winner.
func (l *Ledger) persist(ctx context.Context, e domain.TransactionEntry) (domain.TransactionEntry, bool, error) {
	existing, err := l.store.InsertEntry(ctx, e)
	if err != nil {
		return domain.TransactionEntry{}, false, fmt.Errorf("persist entry: %w", err)
	}
	if existing != nil {
		if existing.RequestHash != e.RequestHash {
			return domain.TransactionEntry{}, false, domain.ErrIdempotencyMismatch
		}
		return *existing, true, nil
	}

	l.opts.log.Debug("entry admitted",
		zap.String("transaction_id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.Int64("amount", e.Amount),
		zap.Int64("fee", e.Fee),
	)
	return e, false, nil
}

func (l *Ledger) replay(ctx context.Context, key, hash string) (domain.TransactionEntry, bool, error) {
	prior, err := l.store.GetEntryByKey(ctx, key)
	if errors.Is(err, domain.ErrEntryNotFound) {
		return domain.TransactionEntry{}, false, nil
	}
	if err != nil {
		return domain.TransactionEntry{}, false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if prior.RequestHash != hash {
		return domain.TransactionEntry{}, false, domain.ErrIdempotencyMismatch
	}
	return prior, true, nil
}

// resolveRecipient maps a recipient reference onto a ledger account. Internal
// accounts win; "ext:" references and every international transfer settle to
// the external account.
func (l *Ledger) resolveRecipient(ctx context.Context, req domain.TransferRequest) (string, bool, error) {
	ref := req.Common().RecipientRef
	if req.Kind() == domain.KindInternational {
		return domain.ExternalAccountID, true, nil
	}
	if domain.IsSystemAccount(ref) {
		return "", false, domain.ErrAccountNotFound
	}

	_, err := l.store.GetAccount(ctx, ref)
	switch {
	case err == nil:
		return ref, false, nil
	case errors.Is(err, domain.ErrAccountNotFound) && domain.IsExternalRef(ref):
		return domain.ExternalAccountID, true, nil
	default:
		return "", false, err
	}
}

// settle applies the legs of a pending entry and records the outcome. A leg
// replaying as void or as a refund means the sweeper or recovery has already
// closed the entry, which is then returned as stored.
func (l *Ledger) settle(ctx context.Context, e domain.TransactionEntry) (Receipt, error) {
	log := l.opts.log.With(zap.String("transaction_id", e.ID), zap.String("kind", string(e.Kind)))

	if debit, ok := debitLeg(e); ok {
		out, err := l.store.AtomicTransfer(ctx, debit)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrAccountNotFound) {
				return l.fail(ctx, e, err)
			}
			log.Error("debit leg failed, entry left pending", zap.Error(err))
			return Receipt{Entry: e}, fmt.Errorf("debit leg: %w", err)
		}
		if out.Replayed && out.Voided() {
			return l.current(ctx, e)
		}
	}

	out, err := l.store.AtomicTransfer(ctx, creditLeg(e))
	if err != nil {
		if e.FromAccount == "" && errors.Is(err, domain.ErrAccountNotFound) {
			return l.fail(ctx, e, err)
		}
		log.Warn("credit leg failed, entry left pending for recovery", zap.Error(err))
		return Receipt{Entry: e}, fmt.Errorf("credit leg: %w", err)
	}
	if out.Replayed && !out.Credited(e.ToAccount) {
		return l.current(ctx, e)
	}

	return l.complete(ctx, e)
}

func (l *Ledger) current(ctx context.Context, e domain.TransactionEntry) (Receipt, error) {
	stored, err := l.store.GetEntry(ctx, e.ID)
	if err != nil {
		return Receipt{Entry: e}, err
	}
	l.opts.log.Info("entry closed before settlement finished",
		zap.String("transaction_id", e.ID),
		zap.String("status", string(stored.Status)),
	)
	if stored.Status == domain.StatusPending {
		return Receipt{Entry: stored}, ErrSettlementInterrupted
	}
	return Receipt{Entry: stored}, nil
}

func (l *Ledger) complete(ctx context.Context, e domain.TransactionEntry) (Receipt, error) {
	done, err := l.store.UpdateStatus(ctx, e.ID, domain.StatusPending, domain.StatusCompleted, "")
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Recovery settled the entry first.
		return Receipt{Entry: done}, nil
	}
	if err != nil {
		return Receipt{Entry: e}, fmt.Errorf("complete entry: %w", err)
	}

	transfersTotal.WithLabelValues(string(done.Kind), string(done.Status)).Inc()
	if done.Charges() > 0 {
		feesCollected.WithLabelValues(string(done.Kind)).Add(float64(done.Charges()))
	}
	l.opts.log.Info("entry completed",
		zap.String("transaction_id", done.ID),
		zap.String("kind", string(done.Kind)),
		zap.Int64("amount", done.Amount),
		zap.Int64("fee", done.Fee),
		zap.Int64("fx_markup", done.FXMarkup),
		zap.Bool("external", done.External),
	)
	publish(l.opts, completedEvent(done.Kind), done)
	return Receipt{Entry: done}, nil
}

// fail marks an entry failed because nothing could be moved, and returns cause.
func (l *Ledger) fail(ctx context.Context, e domain.TransactionEntry, cause error) (Receipt, error) {
	failed, err := l.store.UpdateStatus(ctx, e.ID, domain.StatusPending, domain.StatusFailed, cause.Error())
	if err != nil {
		return Receipt{Entry: e}, fmt.Errorf("fail entry: %w", errors.Join(cause, err))
	}

	transfersTotal.WithLabelValues(string(failed.Kind), string(failed.Status)).Inc()
	l.opts.log.Info("entry failed",
		zap.String("transaction_id", failed.ID),
		zap.String("kind", string(failed.Kind)),
		zap.String("reason", failed.FailureReason),
	)
	publish(l.opts, EventTransferFailed, failed)
	return Receipt{Entry: failed}, cause
}

// AddFunds credits money that was already settled outside the platform.
// paymentRef identifies the external payment and doubles as idempotency key.
func (l *Ledger) AddFunds(ctx context.Context, accountID string, amount int64, paymentRef string) (Receipt, error) {
	if amount <= 0 {
		return Receipt{}, domain.ErrInvalidAmount
	}
	if err := validateKey(paymentRef); err != nil {
		return Receipt{}, err
	}

	return l.inflow(ctx, domain.TransactionEntry{
		IdempotencyKey: depositKey(paymentRef),
		RequestHash:    fingerprint(accountID, amount, paymentRef),
		Kind:           domain.KindDeposit,
		Amount:         amount,
		ToAccount:      accountID,
		RecipientRef:   accountID,
		Note:           "external payment " + paymentRef,
	})
}

// Grant credits an account on an operator's authority. The entry records
// who granted it and why.
func (l *Ledger) Grant(ctx context.Context, key string, g GrantRequest) (Receipt, error) {
	if g.Amount <= 0 {
		return Receipt{}, domain.ErrInvalidAmount
	}
	if err := validateKey(key); err != nil {
		return Receipt{}, err
	}
	if strings.TrimSpace(g.Reason) == "" || strings.TrimSpace(g.GrantedBy) == "" {
		return Receipt{}, fmt.Errorf("%w: grants need a reason and a grantor", domain.ErrInvalidRequest)
	}

	return l.inflow(ctx, domain.TransactionEntry{
		IdempotencyKey: grantKey(key),
		RequestHash:    fingerprint(g),
		Kind:           domain.KindGrant,
		Amount:         g.Amount,
		ToAccount:      g.AccountID,
		RecipientRef:   g.AccountID,
		Note:           fmt.Sprintf("%s (granted by %s)", g.Reason, g.GrantedBy),
	})
}

func (l *Ledger) inflow(ctx context.Context, e domain.TransactionEntry) (Receipt, error) {
	if prior, found, err := l.replay(ctx, e.IdempotencyKey, e.RequestHash); err != nil || found {
		return Receipt{Entry: prior, Replayed: found}, err
	}
	if domain.IsSystemAccount(e.ToAccount) {
		return Receipt{}, domain.ErrAccountNotFound
	}
	if _, err := l.store.GetAccount(ctx, e.ToAccount); err != nil {
		return Receipt{}, err
	}

	now := l.opts.now()
	e.ID = uuid.NewString()
	e.Status = domain.StatusPending
	e.CreatedAt = now
	e.UpdatedAt = now

	e, replayed, err := l.persist(ctx, e)
	if err != nil {
		return Receipt{}, err
	}
	if replayed {
		return Receipt{Entry: e, Replayed: true}, nil
	}
	return l.settle(ctx, e)
}

func (l *Ledger) CreateAccount(ctx context.Context, id string) (domain.Account, error) {
	id = strings.TrimSpace(id)
	if domain.IsSystemAccount(id) || domain.IsExternalRef(id) || strings.ContainsAny(id, "# ") {
		return domain.Account{}, fmt.Errorf("%w: reserved account id", domain.ErrInvalidRequest)
	}
	acc, err := l.store.CreateAccount(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	l.opts.log.Info("account created", zap.String("account_id", acc.ID))
	return acc, nil
}

func (l *Ledger) GetAccount(ctx context.Context, id string) (AccountView, error) {
	acc, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{Account: acc, EffectiveTier: acc.EffectiveTier(l.opts.now())}, nil
}

// SetTier changes an account's service level. A nil expiry never lapses.
func (l *Ledger) SetTier(ctx context.Context, id string, tier domain.Tier, expiresAt *time.Time) error {
	if err := l.store.SetTier(ctx, id, tier, expiresAt); err != nil {
		return err
	}
	l.opts.log.Info("tier changed",
		zap.String("account_id", id),
		zap.String("tier", string(tier)),
		zap.Timep("expires_at", expiresAt),
	)
	return nil
}

func (l *Ledger) GetEntry(ctx context.Context, id string) (domain.TransactionEntry, error) {
	return l.store.GetEntry(ctx, id)
}

func validateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidRequest)
	case len(key) > maxKeyLength:
		return fmt.Errorf("%w: idempotency key too long", domain.ErrInvalidRequest)
	case strings.Contains(key, "#"):
		return fmt.Errorf("%w: idempotency key must not contain '#'", domain.ErrInvalidRequest)
	}
	return nil
}

func completedEvent(kind domain.Kind) string {
	switch kind {
	case domain.KindDeposit:
		return EventFundsAdded
	case domain.KindGrant:
		return EventGrantIssued
	}
	return EventTransferCompleted
}

// publish hands the event to the publisher without blocking the caller.
// Drain waits for it.
func publish(o options, eventType string, e domain.TransactionEntry) {
	if o.publisher == nil {
		return
	}
	o.events.Add(1)
	go func() {
		defer o.events.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.publisher.Publish(ctx, eventType, e); err != nil {
			o.log.Warn("failed to publish ledger event",
				zap.String("event", eventType),
				zap.String("transaction_id", e.ID),
				zap.Error(err),
			)
		}
	}()
}

func fingerprint(parts ...any) string {
	body, _ := json.Marshal(parts)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
