// Package fees computes what the operator keeps from a money movement.
//
// Everything here is pure: the same inputs always produce the same
// breakdown, which lets recovery recompute the fee of any stored entry.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/feeledger/internal/domain"
)

// Amount bands are in minor units: $100.00 and $1000.00.
const (
	lowBandCeiling  int64 = 100_00
	highBandCeiling int64 = 1000_00
)

var (
	pctLowBand  = decimal.NewFromInt(15)
	pctMidBand  = decimal.NewFromInt(13)
	pctHighBand = decimal.NewFromInt(10)
	pctPremium  = decimal.NewFromInt(8)

	pctInstantSurcharge = decimal.RequireFromString("0.5")

	markupStandard = decimal.NewFromInt(3)
	markupPremium  = decimal.RequireFromString("1.5")

	oneHundred = decimal.NewFromInt(100)
)

// CurrencyPair is the quoted mid-market rate for an international transfer.
type CurrencyPair struct {
	From    string
	To      string
	MidRate decimal.Decimal
}

// Breakdown is the full result of a fee computation. Fee and FXMarkup are in
// minor units of the platform currency; Delivered is in the destination
// currency for international transfers and equals Net otherwise.
type Breakdown struct {
	Percentage  decimal.Decimal
	Fee         int64
	MarkupPct   decimal.Decimal
	FXMarkup    int64
	AppliedRate decimal.Decimal
	Net         int64
	Delivered   decimal.Decimal
}

// Percentage returns the fee rate for an amount, tier and instant flag.
func Percentage(amount int64, tier domain.Tier, instant bool) decimal.Decimal {
	if tier == domain.TierPremium {
		return pctPremium
	}

	var pct decimal.Decimal
	switch {
	case amount < lowBandCeiling:
		pct = pctLowBand
	case amount <= highBandCeiling:
		pct = pctMidBand
	default:
		pct = pctHighBand
	}

	if instant {
		pct = pct.Add(pctInstantSurcharge)
	}
	return pct
}

// MarkupPercentage returns the exchange markup applied on top of the mid-market rate.
func MarkupPercentage(tier domain.Tier) decimal.Decimal {
	if tier == domain.TierPremium {
		return markupPremium
	}
	return markupStandard
}

// ComputeFee returns the fee owed for moving amount (minor units) as kind on
// behalf of an account at tier. pair is required for international transfers
// and ignored otherwise.
func ComputeFee(amount int64, kind domain.Kind, tier domain.Tier, isInstant bool, pair *CurrencyPair) (Breakdown, error) {
	if amount <= 0 {
		return Breakdown{}, domain.ErrInvalidAmount
	}

	pct := Percentage(amount, tier, isInstant || kind.IsInstant())
	fee := percentOf(amount, pct)

	b := Breakdown{
		Percentage: pct,
		Fee:        fee,
		Net:        amount - fee,
		Delivered:  minorToMajor(amount - fee),
	}

	if kind != domain.KindInternational {
		return b, nil
	}

	if pair == nil || !pair.MidRate.IsPositive() {
		return Breakdown{}, unsupported(pair)
	}

	markupPct := MarkupPercentage(tier)
	afterFee := amount - fee

	b.MarkupPct = markupPct
	b.FXMarkup = percentOf(afterFee, markupPct)
	b.Net = afterFee - b.FXMarkup
	b.AppliedRate = pair.MidRate.Mul(oneHundred.Sub(markupPct)).Div(oneHundred)
	b.Delivered = minorToMajor(afterFee).Mul(b.AppliedRate).Round(2)

	return b, nil
}

func percentOf(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(oneHundred).Round(0).IntPart()
}

func minorToMajor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func unsupported(pair *CurrencyPair) error {
	if pair == nil {
		return fmt.Errorf("%w: no currency pair quoted", domain.ErrUnsupportedCurrencyPair)
	}
	return fmt.Errorf("%w: %s to %s", domain.ErrUnsupportedCurrencyPair, pair.From, pair.To)
}
