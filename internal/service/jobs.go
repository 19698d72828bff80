package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/punchamoorthee/feeledger/internal/domain"
)

// Job tracks a transfer settling in the background. The entry is already
// persisted as pending when the job is returned, so its status in the ledger
// is authoritative whether or not anyone waits on the job.
type Job struct {
	EntryID string

	done    chan struct{}
	receipt Receipt
	err     error
}

// Done is closed once the transfer has settled or given up.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) (Receipt, error) {
	select {
	case <-j.done:
		return j.receipt, j.err
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

func finishedJob(r Receipt, err error) *Job {
	j := &Job{EntryID: r.Entry.ID, done: make(chan struct{}), receipt: r, err: err}
	close(j.done)
	return j
}

// SubmitAsync admits a transfer like Submit and settles it in the
// background. Validation and idempotency errors are returned immediately; a
// replayed key yields a job that is already done.
func (l *Ledger) SubmitAsync(ctx context.Context, key string, req domain.TransferRequest) (*Job, error) {
	e, replayed, err := l.admitTransfer(ctx, key, req)
	if err != nil {
		return nil, err
	}
	if replayed {
		return finishedJob(Receipt{Entry: e, Replayed: true}, nil), nil
	}

	j := &Job{EntryID: e.ID, done: make(chan struct{})}
	settleCtx := context.WithoutCancel(ctx)

	l.jobs.Add(1)
	go func() {
		defer l.jobs.Done()
		defer close(j.done)

		j.receipt, j.err = l.settle(settleCtx, e)
		if j.err != nil {
			l.opts.log.Debug("async transfer settled with error",
				zap.String("transaction_id", e.ID),
				zap.Error(j.err),
			)
		}
	}()
	return j, nil
}

// Drain waits for background settlements and the events they publish to
// finish, or for ctx to end.
func (l *Ledger) Drain(ctx context.Context) error {
	if err := wait(ctx, &l.jobs); err != nil {
		return err
	}
	return wait(ctx, l.opts.events)
}

// Drain waits for events published by recovery to be handed off, or for ctx
// to end.
func (r *Recovery) Drain(ctx context.Context) error {
	return wait(ctx, r.opts.events)
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
