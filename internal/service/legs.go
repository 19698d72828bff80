package service

import "github.com/punchamoorthee/feeledger/internal/domain"

// A transfer moves through the clearing account in two movements. The debit
// leg takes the full amount from the sender, crediting the charges to the fee
// account and the net to clearing. The credit leg releases the net from
// clearing to the recipient. Inflows (deposits, grants) have only a credit leg.

func debitLeg(e domain.TransactionEntry) (domain.Movement, bool) {
	if e.FromAccount == "" {
		return domain.Movement{}, false
	}

	var credits []domain.Leg
	if e.Charges() > 0 {
		credits = append(credits, domain.Leg{AccountID: domain.FeeAccountID, Amount: e.Charges()})
	}
	credits = append(credits, domain.Leg{AccountID: domain.ClearingAccountID, Amount: e.Net()})

	return domain.Movement{
		Key:     e.DebitKey(),
		Debits:  []domain.Leg{{AccountID: e.FromAccount, Amount: e.Amount}},
		Credits: credits,
	}, true
}

func creditLeg(e domain.TransactionEntry) domain.Movement {
	if e.FromAccount == "" {
		return domain.Inflow(e.CreditKey(), e.ToAccount, e.Amount)
	}
	return domain.Transfer(e.CreditKey(), domain.ClearingAccountID, e.ToAccount, e.Net())
}

// refundLeg returns the full principal to the sender of an orphaned transfer,
// unwinding both the clearing hold and the charges. It is keyed like the
// credit leg, so at most one of the two ever applies.
func refundLeg(e domain.TransactionEntry) domain.Movement {
	debits := []domain.Leg{{AccountID: domain.ClearingAccountID, Amount: e.Net()}}
	if e.Charges() > 0 {
		debits = append(debits, domain.Leg{AccountID: domain.FeeAccountID, Amount: e.Charges()})
	}
	return domain.Movement{
		Key:     refundKey(e),
		Debits:  debits,
		Credits: []domain.Leg{{AccountID: e.FromAccount, Amount: e.Amount}},
	}
}

func refundKey(e domain.TransactionEntry) string { return e.CreditKey() }

// Audit entries written by recovery are keyed off the original entry.
func refundAuditKey(e domain.TransactionEntry) string   { return e.IdempotencyKey + "#refund" }
func recreditAuditKey(e domain.TransactionEntry) string { return e.IdempotencyKey + "#recredit" }

// Inflow entries carry a '#' suffix, which caller keys cannot contain.
func depositKey(paymentRef string) string { return paymentRef + "#deposit" }
func grantKey(key string) string          { return key + "#grant" }

// voidKey is the key the sweeper claims to stop a stale entry from ever
// moving money: the debit key for transfers, the credit key for inflows.
func voidKey(e domain.TransactionEntry) string {
	if e.FromAccount == "" {
		return e.CreditKey()
	}
	return e.DebitKey()
}
