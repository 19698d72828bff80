package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PlatformCurrency is the currency every internal balance is held in.
const PlatformCurrency = "USD"

// System accounts. They are created by the store and never tiered.
const (
	FeeAccountID      = "sys:fees"
	ClearingAccountID = "sys:clearing"
	ExternalAccountID = "sys:external"

	systemPrefix   = "sys:"
	externalPrefix = "ext:"
)

// SystemAccountIDs lists the accounts the ledger needs before it can move money.
func SystemAccountIDs() []string {
	return []string{FeeAccountID, ClearingAccountID, ExternalAccountID}
}

// IsSystemAccount reports whether id names a ledger-internal account.
func IsSystemAccount(id string) bool {
	return strings.HasPrefix(id, systemPrefix)
}

// IsExternalRef reports whether a recipient reference names a party outside
// the platform (bank app, Venmo handle, foreign payee).
func IsExternalRef(ref string) bool {
	return strings.HasPrefix(ref, externalPrefix)
}

// Tier is the service level that selects fee rates.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierStandard || t == TierPremium
}

// Account represents a user's (or the operator's) balance in the ledger.
// Balance is in minor units and never negative.
type Account struct {
	ID            string     `json:"id"`
	Balance       int64      `json:"balance"`
	Tier          Tier       `json:"tier"`
	TierExpiresAt *time.Time `json:"tier_expires_at,omitempty"`
	System        bool       `json:"system,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// EffectiveTier returns the stored tier unless it has expired, in which case
// the account is back on standard rates.
func (a Account) EffectiveTier(now time.Time) Tier {
	if a.Tier == "" {
		return TierStandard
	}
	if a.TierExpiresAt != nil && !now.Before(*a.TierExpiresAt) {
		return TierStandard
	}
	return a.Tier
}

// Kind classifies a money movement.
type Kind string

const (
	KindSend          Kind = "send"
	KindReceive       Kind = "receive"
	KindTrade         Kind = "trade"
	KindInstant       Kind = "instant"
	KindInternational Kind = "international"
	KindTapToPay      Kind = "tap_to_pay"

	// Ledger-internal kinds.
	KindDeposit  Kind = "deposit"
	KindRefund   Kind = "refund"
	KindRecredit Kind = "recredit"
	KindGrant    Kind = "grant"
)

// TransferKinds are the kinds a user can request and that carry a fee.
var TransferKinds = []Kind{KindSend, KindReceive, KindTrade, KindInstant, KindInternational, KindTapToPay}

// IsTransfer reports whether k is a user-requested, fee-bearing transfer.
func (k Kind) IsTransfer() bool {
	for _, t := range TransferKinds {
		if k == t {
			return true
		}
	}
	return false
}

// IsInstant reports whether k carries the instant convenience surcharge.
func (k Kind) IsInstant() bool {
	return k == KindInstant || k == KindTapToPay
}

// Status is the lifecycle state of a transaction entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed, StatusReversed},
	StatusCompleted: {StatusReversed},
}

// CanTransition reports whether an entry may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is expected from s under
// normal operation.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusReversed || s == StatusCompleted
}

// Exchange describes the currency conversion applied to an international transfer.
type Exchange struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	MidRate     decimal.Decimal `json:"mid_rate"`
	MarkupPct   decimal.Decimal `json:"markup_percentage"`
	AppliedRate decimal.Decimal `json:"applied_rate"`
	Delivered   decimal.Decimal `json:"delivered"`
}

// TransactionEntry is the immutable record of one attempted money movement.
// Only Status (with FailureReason and UpdatedAt) changes after creation.
type TransactionEntry struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	RequestHash    string    `json:"-"`
	Kind           Kind      `json:"kind"`
	Amount         int64     `json:"amount"`
	Fee            int64     `json:"fee"`
	FXMarkup       int64     `json:"fx_markup"`
	Exchange       *Exchange `json:"exchange,omitempty"`
	FromAccount    string    `json:"from_account_id,omitempty"`
	ToAccount      string    `json:"to_account_id"`
	RecipientRef   string    `json:"recipient_ref,omitempty"`
	External       bool      `json:"external"`
	Status         Status    `json:"status"`
	Note           string    `json:"note,omitempty"`
	ParentID       string    `json:"parent_id,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Net is the amount that reaches the recipient side of the ledger.
func (e TransactionEntry) Net() int64 {
	return e.Amount - e.Fee - e.FXMarkup
}

// Charges is everything the operator keeps from the movement.
func (e TransactionEntry) Charges() int64 {
	return e.Fee + e.FXMarkup
}

// DebitKey and CreditKey derive the movement keys of the two legs.
func (e TransactionEntry) DebitKey() string  { return e.IdempotencyKey + "#debit" }
func (e TransactionEntry) CreditKey() string { return e.IdempotencyKey + "#credit" }

// Resolution records how a recovery closed out an orphan.
type Resolution string

const (
	ResolutionRefunded         Resolution = "refunded-to-sender"
	ResolutionRecredited       Resolution = "recredited-to-recipient"
	ResolutionIgnoredDuplicate Resolution = "ignored-duplicate"
)

// RecoveryAction selects how an orphan is resolved.
type RecoveryAction string

const (
	ActionRefund   RecoveryAction = "refund"
	ActionRecredit RecoveryAction = "recredit"
)

// Valid reports whether a is a known action.
func (a RecoveryAction) Valid() bool {
	return a == ActionRefund || a == ActionRecredit
}

// RecoveryRecord is the immutable outcome of resolving one orphaned entry.
type RecoveryRecord struct {
	TransactionID string     `json:"transaction_id"`
	AuditEntryID  string     `json:"audit_entry_id,omitempty"`
	AccountID     string     `json:"account_id"`
	Resolution    Resolution `json:"resolution"`
	Amount        int64      `json:"amount"`
	DetectedAt    time.Time  `json:"detected_at"`
}
