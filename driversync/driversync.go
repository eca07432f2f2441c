// Package driversync waits for client drivers to refresh their view of the
// shard maps after a publish.
package driversync

import (
	"context"
	"errors"
	"time"

	"github.com/ryedb/shardadmin/adminerrors"
	"go.uber.org/zap"
)

const (
	DefaultRefreshInterval = 5 * time.Second
	DefaultMargin          = 2 * time.Second
)

type BarrierOptions struct {
	Logger *zap.Logger

	// RefreshInterval is how often drivers reload shard maps.
	RefreshInterval time.Duration
	Margin          time.Duration

	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

type Barrier struct {
	logger          *zap.Logger
	refreshInterval time.Duration
	margin          time.Duration
	now             func() time.Time
	after           func(d time.Duration) <-chan time.Time
}

func NewBarrier(opts *BarrierOptions) *Barrier {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	refreshInterval := opts.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}

	margin := opts.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	after := opts.After
	if after == nil {
		after = time.After
	}

	return &Barrier{
		logger:          logger,
		refreshInterval: refreshInterval,
		margin:          margin,
		now:             now,
		after:           after,
	}
}

// Deadline is the moment every driver has seen a map published at since.
func (b *Barrier) Deadline(since time.Time) time.Time {
	return since.Add(b.refreshInterval + b.margin)
}

// Await blocks until every driver has had a chance to refresh after a
// publish at since.  It returns at once when that moment already passed.
func (b *Barrier) Await(ctx context.Context, since time.Time) error {
	wait := b.Deadline(since).Sub(b.now())
	if wait <= 0 {
		return nil
	}

	b.logger.Info("waiting for drivers to refresh shard maps", zap.Duration("wait", wait))

	select {
	case <-b.after(wait):
		return nil
	case <-ctx.Done():
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return adminerrors.New(adminerrors.ErrCancelled, "", ctx.Err())
	}
	return adminerrors.New(adminerrors.ErrDriverSyncTimeout, "", ctx.Err())
}
