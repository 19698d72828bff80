package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/feeledger/internal/domain"
	"github.com/punchamoorthee/feeledger/internal/store"
)

// legState is how far a pending entry got, read back from the movement log.
type legState int

const (
	legsNone     legState = iota // nothing applied
	legsDebited                  // debit applied, credit key unclaimed: an orphan
	legsCredited                 // credit reached the recipient, status never updated
	legsRefunded                 // credit key claimed by a refund, bookkeeping unfinished
	legsVoided                   // key claimed by the sweeper before any money moved
)

// RecoverySummary is the result of an account recovering its own transfers.
type RecoverySummary struct {
	TotalRecovered int64                   `json:"total_recovered"`
	Records        []domain.RecoveryRecord `json:"records"`
}

// SweepReport counts what one sweep found and closed.
type SweepReport struct {
	Orphans   int `json:"orphans"`
	Expired   int `json:"expired"`
	Completed int `json:"completed"`
	Refunded  int `json:"refunded"`
}

// Recovery finds transfers whose debit applied without a credit and closes
// them, either by refunding the sender or by completing the credit. It only
// moves money through the store's atomic movements.
type Recovery struct {
	store store.Ledger
	opts  options
	locks keyedMutex
}

func NewRecovery(s store.Ledger, opts ...Option) *Recovery {
	return &Recovery{store: s, opts: buildOptions(opts)}
}

// ScanForOrphans lists stale pending transfers whose debit leg applied and
// whose credit leg did not. A non-empty accountID limits the scan to
// transfers sent by that account.
func (r *Recovery) ScanForOrphans(ctx context.Context, accountID string) ([]domain.TransactionEntry, error) {
	stale, err := r.stalePending(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var orphans []domain.TransactionEntry
	for _, e := range stale {
		if !e.Kind.IsTransfer() || (accountID != "" && e.FromAccount != accountID) {
			continue
		}
		state, err := r.classify(ctx, e)
		if err != nil {
			return nil, err
		}
		if state == legsDebited {
			orphans = append(orphans, e)
		}
	}
	return orphans, nil
}

func (r *Recovery) stalePending(ctx context.Context, accountID string) ([]domain.TransactionEntry, error) {
	return r.store.ListEntries(ctx, store.EntryFilter{
		AccountID:     accountID,
		Statuses:      []domain.Status{domain.StatusPending},
		CreatedBefore: r.opts.now().Add(-r.opts.staleAfter),
	})
}

func (r *Recovery) isStale(e domain.TransactionEntry) bool {
	return e.CreatedAt.Before(r.opts.now().Add(-r.opts.staleAfter))
}

func (r *Recovery) classify(ctx context.Context, e domain.TransactionEntry) (legState, error) {
	if _, ok := debitLeg(e); ok {
		debit, found, err := r.store.LookupMovement(ctx, e.DebitKey())
		if err != nil {
			return legsNone, err
		}
		if !found {
			return legsNone, nil
		}
		if debit.Voided() {
			return legsVoided, nil
		}
	}

	credit, found, err := r.store.LookupMovement(ctx, e.CreditKey())
	if err != nil {
		return legsNone, err
	}
	switch {
	case !found && e.FromAccount != "":
		return legsDebited, nil
	case !found:
		return legsNone, nil
	case credit.Voided():
		return legsVoided, nil
	case credit.Credited(e.ToAccount):
		return legsCredited, nil
	default:
		return legsRefunded, nil
	}
}

// Resolve closes each orphan in ids with action. Every id is checked before
// anything moves: if one is neither an orphan nor already resolved the call
// fails with domain.ErrNothingToRecover and nothing changes. Ids resolved
// earlier return their existing record.
func (r *Recovery) Resolve(ctx context.Context, ids []string, action domain.RecoveryAction) ([]domain.RecoveryRecord, error) {
	records, _, err := r.resolve(ctx, "", ids, action)
	return records, err
}

// RecoverTransfers refunds orphaned transfers that accountID sent.
// TotalRecovered counts only refunds made by this call; records of earlier
// resolutions are returned but add nothing to it.
func (r *Recovery) RecoverTransfers(ctx context.Context, accountID string, ids []string) (RecoverySummary, error) {
	if accountID == "" {
		return RecoverySummary{}, fmt.Errorf("%w: account is required", domain.ErrInvalidRequest)
	}
	records, fresh, err := r.resolve(ctx, accountID, ids, domain.ActionRefund)
	if err != nil {
		return RecoverySummary{}, err
	}

	summary := RecoverySummary{Records: records}
	for i, rec := range records {
		if fresh[i] && rec.Resolution == domain.ResolutionRefunded {
			summary.TotalRecovered += rec.Amount
		}
	}
	return summary, nil
}

// resolve returns one record per distinct id, and whether each record was
// created by this call.
func (r *Recovery) resolve(ctx context.Context, sender string, ids []string, action domain.RecoveryAction) ([]domain.RecoveryRecord, []bool, error) {
	if !action.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown recovery action %q", domain.ErrInvalidRequest, action)
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("%w: no transaction ids given", domain.ErrNothingToRecover)
	}

	for _, id := range ids {
		if err := r.checkRecoverable(ctx, sender, id); err != nil {
			return nil, nil, err
		}
	}

	records := make([]domain.RecoveryRecord, 0, len(ids))
	fresh := make([]bool, 0, len(ids))
	for _, id := range ids {
		rec, created, err := r.resolveOne(ctx, id, action)
		if err != nil {
			return records, fresh, err
		}
		records = append(records, rec)
		fresh = append(fresh, created)
	}
	return records, fresh, nil
}

func (r *Recovery) checkRecoverable(ctx context.Context, sender, id string) error {
	e, err := r.store.GetEntry(ctx, id)
	if errors.Is(err, domain.ErrEntryNotFound) {
		return fmt.Errorf("%w: transaction %s", domain.ErrNothingToRecover, id)
	}
	if err != nil {
		return err
	}
	if sender != "" && e.FromAccount != sender {
		return fmt.Errorf("%w: transaction %s", domain.ErrNothingToRecover, id)
	}

	if _, found, err := r.store.GetRecovery(ctx, id); err != nil || found {
		return err
	}

	if e.Status != domain.StatusPending || !e.Kind.IsTransfer() || !r.isStale(e) {
		return fmt.Errorf("%w: transaction %s is not orphaned", domain.ErrNothingToRecover, id)
	}
	state, err := r.classify(ctx, e)
	if err != nil {
		return err
	}
	if state != legsDebited && state != legsRefunded {
		return fmt.Errorf("%w: transaction %s is not orphaned", domain.ErrNothingToRecover, id)
	}
	return nil
}

func (r *Recovery) resolveOne(ctx context.Context, id string, action domain.RecoveryAction) (domain.RecoveryRecord, bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	if rec, found, err := r.store.GetRecovery(ctx, id); err != nil || found {
		return rec, false, err
	}

	e, err := r.store.GetEntry(ctx, id)
	if err != nil {
		return domain.RecoveryRecord{}, false, err
	}

	var m domain.Movement
	switch action {
	case domain.ActionRefund:
		m = refundLeg(e)
	case domain.ActionRecredit:
		m = creditLeg(e)
	}

	out, err := r.store.AtomicTransfer(ctx, m)
	if err != nil {
		return domain.RecoveryRecord{}, false, fmt.Errorf("recovery movement for %s: %w", id, err)
	}

	var rec domain.RecoveryRecord
	switch {
	case out.Credited(e.ToAccount) && out.Replayed && action == domain.ActionRefund:
		rec, err = r.finishDuplicate(ctx, e)
	case out.Credited(e.ToAccount):
		rec, err = r.finishRecredit(ctx, e)
	default:
		rec, err = r.finishRefund(ctx, e)
	}
	return rec, err == nil, err
}

// finishRefund records a refund whose movement has applied. Each step is
// idempotent so an interrupted refund can be finished later.
func (r *Recovery) finishRefund(ctx context.Context, e domain.TransactionEntry) (domain.RecoveryRecord, error) {
	audit, err := r.writeAudit(ctx, domain.TransactionEntry{
		IdempotencyKey: refundAuditKey(e),
		Kind:           domain.KindRefund,
		Amount:         e.Amount,
		ToAccount:      e.FromAccount,
		RecipientRef:   e.FromAccount,
		ParentID:       e.ID,
		Note:           "refund of orphaned " + string(e.Kind),
	})
	if err != nil {
		return domain.RecoveryRecord{}, err
	}

	reversed, err := r.transition(ctx, e, domain.StatusReversed, "refunded to sender by recovery")
	if err != nil {
		return domain.RecoveryRecord{}, err
	}

	rec, err := r.record(ctx, domain.RecoveryRecord{
		TransactionID: e.ID,
		AuditEntryID:  audit.ID,
		AccountID:     e.FromAccount,
		Resolution:    domain.ResolutionRefunded,
		Amount:        e.Amount,
	})
	if err != nil {
		return domain.RecoveryRecord{}, err
	}
	publish(r.opts, EventTransferRefunded, reversed)
	return rec, nil
}

func (r *Recovery) finishRecredit(ctx context.Context, e domain.TransactionEntry) (domain.RecoveryRecord, error) {
	audit, err := r.writeAudit(ctx, domain.TransactionEntry{
		IdempotencyKey: recreditAuditKey(e),
		Kind:           domain.KindRecredit,
		Amount:         e.Net(),
		ToAccount:      e.ToAccount,
		RecipientRef:   e.RecipientRef,
		External:       e.External,
		ParentID:       e.ID,
		Note:           "recredit of orphaned " + string(e.Kind),
	})
	if err != nil {
		return domain.RecoveryRecord{}, err
	}

	completed, err := r.transition(ctx, e, domain.StatusCompleted, "")
	if err != nil {
		return domain.RecoveryRecord{}, err
	}

	rec, err := r.record(ctx, domain.RecoveryRecord{
		TransactionID: e.ID,
		AuditEntryID:  audit.ID,
		AccountID:     e.ToAccount,
		Resolution:    domain.ResolutionRecredited,
		Amount:        e.Net(),
	})
	if err != nil {
		return domain.RecoveryRecord{}, err
	}
	publish(r.opts, EventTransferRecovered, completed)
	return rec, nil
}

// finishDuplicate closes an entry whose legs all applied but whose status
// was never updated. Nothing moves.
func (r *Recovery) finishDuplicate(ctx context.Context, e domain.TransactionEntry) (domain.RecoveryRecord, error) {
	if _, err := r.transition(ctx, e, domain.StatusCompleted, ""); err != nil {
		return domain.RecoveryRecord{}, err
	}
	account := e.FromAccount
	if account == "" {
		account = e.ToAccount
	}
	return r.record(ctx, domain.RecoveryRecord{
		TransactionID: e.ID,
		AccountID:     account,
		Resolution:    domain.ResolutionIgnoredDuplicate,
	})
}

func (r *Recovery) writeAudit(ctx context.Context, audit domain.TransactionEntry) (domain.TransactionEntry, error) {
	now := r.opts.now()
	audit.ID = uuid.NewString()
	audit.Status = domain.StatusCompleted
	audit.CreatedAt = now
	audit.UpdatedAt = now

	existing, err := r.store.InsertEntry(ctx, audit)
	if err != nil {
		return domain.TransactionEntry{}, fmt.Errorf("write audit entry: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}
	return audit, nil
}

// transition moves e from pending to status, accepting that an earlier
// attempt already did.
func (r *Recovery) transition(ctx context.Context, e domain.TransactionEntry, status domain.Status, reason string) (domain.TransactionEntry, error) {
	updated, err := r.store.UpdateStatus(ctx, e.ID, domain.StatusPending, status, reason)
	if errors.Is(err, domain.ErrInvalidTransition) && updated.Status == status {
		return updated, nil
	}
	if err != nil {
		return domain.TransactionEntry{}, fmt.Errorf("settle %s as %s: %w", e.ID, status, err)
	}
	return updated, nil
}

func (r *Recovery) record(ctx context.Context, rec domain.RecoveryRecord) (domain.RecoveryRecord, error) {
	rec.DetectedAt = r.opts.now()
	existing, err := r.store.InsertRecovery(ctx, rec)
	if err != nil {
		return domain.RecoveryRecord{}, fmt.Errorf("write recovery record: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}

	recoveriesTotal.WithLabelValues(string(rec.Resolution)).Inc()
	r.opts.log.Info("transaction recovered",
		zap.String("transaction_id", rec.TransactionID),
		zap.String("resolution", string(rec.Resolution)),
		zap.Int64("amount", rec.Amount),
	)
	return rec, nil
}

// Sweep closes stale pending entries that can be closed without a decision:
// entries that never moved money are voided and failed, entries whose legs
// all applied are completed, interrupted refunds are finished. Orphans are
// only counted; resolving them is an explicit action.
func (r *Recovery) Sweep(ctx context.Context) (SweepReport, error) {
	stale, err := r.stalePending(ctx, "")
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, e := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.sweepOne(ctx, e, &report); err != nil {
			r.opts.log.Error("sweep failed for entry", zap.String("transaction_id", e.ID), zap.Error(err))
		}
	}

	orphansGauge.Set(float64(report.Orphans))
	if report.Orphans > 0 {
		r.opts.log.Warn("orphaned transfers awaiting recovery", zap.Int("count", report.Orphans))
	}
	return report, nil
}

func (r *Recovery) sweepOne(ctx context.Context, e domain.TransactionEntry, report *SweepReport) error {
	unlock := r.locks.Lock(e.ID)
	defer unlock()

	state, err := r.classify(ctx, e)
	if err != nil {
		return err
	}

	switch state {
	case legsDebited:
		report.Orphans++
		r.opts.log.Warn("orphaned transfer detected",
			zap.String("transaction_id", e.ID),
			zap.String("from_account", e.FromAccount),
			zap.Int64("amount", e.Amount),
		)
		return nil

	case legsNone:
		out, err := r.store.AtomicTransfer(ctx, domain.Void(voidKey(e)))
		if err != nil {
			return err
		}
		if !out.Voided() {
			// A leg applied while we looked; the next sweep sees it.
			return nil
		}
		fallthrough

	case legsVoided:
		if _, err := r.transition(ctx, e, domain.StatusFailed, "expired before any funds moved"); err != nil {
			return err
		}
		expiredTotal.Inc()
		transfersTotal.WithLabelValues(string(e.Kind), string(domain.StatusFailed)).Inc()
		report.Expired++

	case legsCredited:
		if _, err := r.finishDuplicate(ctx, e); err != nil {
			return err
		}
		report.Completed++

	case legsRefunded:
		if _, err := r.finishRefund(ctx, e); err != nil {
			return err
		}
		report.Refunded++
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
