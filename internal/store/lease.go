package store

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrLeaseLost is returned by LeaseKeeper.Run when a renewal finds the lease
// expired or taken by another holder.
var ErrLeaseLost = errors.New("store: lease lost")

// LeaseKeeper holds one lease alive for the lifetime of a unit of work. The
// holder id doubles as the fencing token: any write performed on behalf of
// the unit carries it, so a holder that lost its lease can be recognized.
type LeaseKeeper struct {
	store  LeaseStore
	key    string
	holder string
	ttl    time.Duration
	log    *slog.Logger
}

// NewLeaseKeeper creates a keeper for the given key and holder id.
func NewLeaseKeeper(s LeaseStore, key, holder string, ttl time.Duration, log *slog.Logger) *LeaseKeeper {
	return &LeaseKeeper{store: s, key: key, holder: holder, ttl: ttl, log: log}
}

// Holder returns the holder id.
func (k *LeaseKeeper) Holder() string { return k.holder }

// Acquire attempts to take the lease once.
func (k *LeaseKeeper) Acquire(ctx context.Context) (bool, error) {
	return k.store.AcquireLease(ctx, k.key, k.holder, k.ttl)
}

// Run renews the lease every ttl/3 until the context is cancelled or the
// lease is lost. On loss it returns ErrLeaseLost immediately; the caller must
// stop acting on the unit of work. On cancellation the lease is released on a
// best-effort basis.
func (k *LeaseKeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := k.store.ReleaseLease(releaseCtx, k.key, k.holder); err != nil {
				k.log.Warn("lease release failed", "key", k.key, "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			ok, err := k.store.RenewLease(ctx, k.key, k.holder, k.ttl)
			if err != nil {
				// A transient store error is not a loss; the lease is still
				// ours until it expires. Retry on the next tick.
				k.log.Warn("lease renewal error", "key", k.key, "error", err)
				continue
			}
			if !ok {
				k.log.Error("lease lost", "key", k.key, "holder", k.holder)
				return ErrLeaseLost
			}
		}
	}
}
