package storefront

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/pixloja/storefront/internal/redisx"
)

// SettleGuard marks charges as settled so a restarted process does not apply
// the same settlement twice. A claim is a hint, not the truth: the ledger is
// consulted before an already-claimed charge is skipped.
type SettleGuard interface {
	// Claim reports true when this caller is the first to settle the charge.
	Claim(ctx context.Context, chargeID string) (bool, error)
	// Release undoes a claim after a failed settlement.
	Release(ctx context.Context, chargeID string)
}

// DedupGuard is the Redis-backed SettleGuard. The in-process session registry
// stays the source of truth; a nil guard claims everything.
type DedupGuard struct {
	RDB *redis.Client
}

// Claim tries to mark the charge as settled. It reports true when this
// process is the first to settle it. Redis errors are reported alongside
// claimed=true so an unreachable Redis never blocks a legitimate settlement.
func (g *DedupGuard) Claim(ctx context.Context, chargeID string) (bool, error) {
	if g == nil || g.RDB == nil {
		return true, nil
	}
	ok, err := redisx.ClaimOnce(ctx, g.RDB, redisx.SettleKey(chargeID), redisx.TTLSettleDedup)
	if err != nil {
		return true, err
	}
	return ok, nil
}

// Release undoes a claim after a failed settlement so the next cycle can
// retry it.
func (g *DedupGuard) Release(ctx context.Context, chargeID string) {
	if g == nil || g.RDB == nil {
		return
	}
	redisx.Release(ctx, g.RDB, redisx.SettleKey(chargeID))
}
