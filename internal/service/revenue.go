package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/feeledger/internal/domain"
	"github.com/punchamoorthee/feeledger/internal/store"
)

// Window bounds a revenue query to entries created in [From, To). Zero
// bounds are open.
type Window struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// RevenueSummary is the operator's take over a window, in cents.
type RevenueSummary struct {
	Window                   Window                `json:"window"`
	TotalFees                int64                 `json:"total_fees"`
	TotalFXMarkup            int64                 `json:"total_fx_markup"`
	TransactionCount         int                   `json:"transaction_count"`
	CountByKind              map[domain.Kind]int   `json:"count_by_kind"`
	FeesByKind               map[domain.Kind]int64 `json:"fees_by_kind"`
	AverageFeePerTransaction decimal.Decimal       `json:"average_fee_per_transaction"`
}

// Revenue projects fee income from the entry log. Nothing is cached, so a
// summary always agrees with the entries it was computed from.
type Revenue struct {
	store store.EntryRepository
}

func NewRevenue(s store.EntryRepository) *Revenue {
	return &Revenue{store: s}
}

// Summarize totals fees over completed transfers in w. Pending, failed and
// reversed entries never count.
func (r *Revenue) Summarize(ctx context.Context, w Window) (RevenueSummary, error) {
	if !w.From.IsZero() && !w.To.IsZero() && !w.From.Before(w.To) {
		return RevenueSummary{}, fmt.Errorf("%w: window start must precede its end", domain.ErrInvalidRequest)
	}

	entries, err := r.store.ListEntries(ctx, store.EntryFilter{
		Statuses:      []domain.Status{domain.StatusCompleted},
		Kinds:         domain.TransferKinds,
		CreatedFrom:   w.From,
		CreatedBefore: w.To,
	})
	if err != nil {
		return RevenueSummary{}, fmt.Errorf("revenue query: %w", err)
	}

	s := RevenueSummary{
		Window:                   w,
		CountByKind:              make(map[domain.Kind]int),
		FeesByKind:               make(map[domain.Kind]int64),
		AverageFeePerTransaction: decimal.Zero,
	}
	for _, e := range entries {
		s.TotalFees += e.Fee
		s.TotalFXMarkup += e.FXMarkup
		s.TransactionCount++
		s.CountByKind[e.Kind]++
		s.FeesByKind[e.Kind] += e.Fee
	}

	if s.TransactionCount > 0 {
		s.AverageFeePerTransaction = decimal.NewFromInt(s.TotalFees).
			Div(decimal.NewFromInt(int64(s.TransactionCount))).
			Round(2)
	}
	return s, nil
}
