package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/feeledger/internal/domain"
	"github.com/punchamoorthee/feeledger/internal/fees"
)

// Event types published after a ledger state change.
const (
	EventTransferCompleted = "transfer.completed"
	EventTransferFailed    = "transfer.failed"
	EventFundsAdded        = "funds.added"
	EventGrantIssued       = "grant.issued"
	EventTransferRefunded  = "transfer.refunded"
	EventTransferRecovered = "transfer.recredited"
)

// Publisher emits ledger events to other systems. Publishing is best effort:
// a failure is logged and never undoes a committed state change.
type Publisher interface {
	Publish(ctx context.Context, eventType string, entry domain.TransactionEntry) error
}

type options struct {
	log        *zap.Logger
	now        func() time.Time
	publisher  Publisher
	rates      fees.RateSource
	staleAfter time.Duration

	// events tracks publishes still in flight.
	events *sync.WaitGroup
}

// Option configures the services in this package.
type Option func(*options)

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPublisher sets where ledger events go.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithRates sets the exchange-rate source for international transfers.
func WithRates(src fees.RateSource) Option {
	return func(o *options) { o.rates = src }
}

// WithStaleAfter sets how old a pending entry must be before recovery
// treats it as abandoned.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}

// DefaultStaleAfter is the staleness threshold used when none is configured.
const DefaultStaleAfter = 5 * time.Minute

func buildOptions(opts []Option) options {
	o := options{
		log:        zap.NewNop(),
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
		events:     new(sync.WaitGroup),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
