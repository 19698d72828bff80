package domain

import (
	"fmt"
	"time"
)

// Leg is one side of a movement against a single account.
type Leg struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

// Movement is the unit the account store applies atomically: every debit and
// every credit lands, or none does. A movement without debits is an inflow
// from outside the platform (deposit, grant).
type Movement struct {
	Key     string `json:"key"`
	Debits  []Leg  `json:"debits"`
	Credits []Leg  `json:"credits"`
}

// Transfer builds the two-account movement from one account to another.
func Transfer(key, from, to string, amount int64) Movement {
	return Movement{
		Key:     key,
		Debits:  []Leg{{AccountID: from, Amount: amount}},
		Credits: []Leg{{AccountID: to, Amount: amount}},
	}
}

// Inflow builds a credit-only movement.
func Inflow(key, to string, amount int64) Movement {
	return Movement{Key: key, Credits: []Leg{{AccountID: to, Amount: amount}}}
}

// Void builds a movement that only reserves key.
func Void(key string) Movement {
	return Movement{Key: key}
}

// Total is the amount credited by the movement.
func (m Movement) Total() int64 {
	return sumLegs(m.Credits)
}

// Validate checks the movement is well formed and conserves money.
func (m Movement) Validate() error {
	if m.Key == "" {
		return fmt.Errorf("%w: movement key is required", ErrInvalidRequest)
	}
	if len(m.Debits) == 0 && len(m.Credits) == 0 {
		return nil
	}
	if len(m.Credits) == 0 {
		return fmt.Errorf("%w: movement needs at least one credit", ErrInvalidRequest)
	}

	debited := make(map[string]struct{}, len(m.Debits))
	for _, l := range m.Debits {
		if l.AccountID == "" {
			return fmt.Errorf("%w: debit account is required", ErrInvalidRequest)
		}
		if l.Amount <= 0 {
			return ErrInvalidAmount
		}
		debited[l.AccountID] = struct{}{}
	}
	for _, l := range m.Credits {
		if l.AccountID == "" {
			return fmt.Errorf("%w: credit account is required", ErrInvalidRequest)
		}
		if l.Amount <= 0 {
			return ErrInvalidAmount
		}
		if _, ok := debited[l.AccountID]; ok {
			return ErrSameAccount
		}
	}

	if len(m.Debits) > 0 && sumLegs(m.Debits) != sumLegs(m.Credits) {
		return fmt.Errorf("%w: debits %d do not match credits %d", ErrInvalidRequest, sumLegs(m.Debits), sumLegs(m.Credits))
	}
	return nil
}

// Deltas folds the legs into a signed balance change per account.
func (m Movement) Deltas() map[string]int64 {
	deltas := make(map[string]int64, len(m.Debits)+len(m.Credits))
	for _, l := range m.Debits {
		deltas[l.AccountID] -= l.Amount
	}
	for _, l := range m.Credits {
		deltas[l.AccountID] += l.Amount
	}
	return deltas
}

// Outcome is what the store remembers about an applied movement. Replayed is
// set when the key had already been applied and nothing moved this time.
type Outcome struct {
	Key       string    `json:"key"`
	Debits    []Leg     `json:"debits"`
	Credits   []Leg     `json:"credits"`
	AppliedAt time.Time `json:"applied_at"`
	Replayed  bool      `json:"replayed"`
}

// Voided reports whether the key was claimed by a void movement.
func (o Outcome) Voided() bool {
	return len(o.Debits) == 0 && len(o.Credits) == 0
}

// Credited reports whether accountID received any credit in the outcome.
func (o Outcome) Credited(accountID string) bool {
	for _, l := range o.Credits {
		if l.AccountID == accountID {
			return true
		}
	}
	return false
}

func sumLegs(legs []Leg) int64 {
	var total int64
	for _, l := range legs {
		total += l.Amount
	}
	return total
}
