package storefront

import (
	"context"
	"log"
	"time"

	"github.com/pixloja/storefront/internal/pix"
)

// Reconciler polls the gateway for every open charge on a fixed interval and
// applies the outcome. One session's failure never blocks the rest of the
// cycle, and cycles run strictly one at a time.
type Reconciler struct {
	Svc      *Service
	Interval time.Duration

	// MaxAge bounds how long a session may stay open: a SELECTING session
	// the buyer walked away from, or a charge the gateway still reports as
	// pending past this age, is abandoned. Zero disables the policy.
	MaxAge time.Duration
}

func (r *Reconciler) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Cycle(ctx)
		}
	}
}

// Cycle checks every open session once. The gateway is consulted before any
// age decision: a paid charge settles no matter how old it is, and only a
// charge the gateway still reports as open may expire. A gateway error on a
// status check means "no information this cycle": the session is left
// untouched and retried on the next tick.
func (r *Reconciler) Cycle(ctx context.Context) {
	for _, snap := range r.Svc.ActiveSessions() {
		if snap.State == StateSelecting {
			if r.MaxAge > 0 && time.Since(snap.CreatedAt) > r.MaxAge {
				if err := r.Svc.Expire(ctx, snap.ID); err != nil {
					log.Printf("reconciler: expire session %s: %v", snap.ID, err)
				}
			}
			continue
		}

		st, err := r.Svc.Gateway.GetStatus(ctx, snap.ChargeID)
		if err != nil {
			log.Printf("reconciler: check charge %s: %v", snap.ChargeID, err)
			continue
		}
		if err := r.Svc.ApplyChargeStatus(ctx, snap.ID, st); err != nil {
			log.Printf("reconciler: apply status %s to charge %s: %v", st, snap.ChargeID, err)
			continue
		}
		if st == pix.StatusApproved || st.TerminalDeclined() {
			continue
		}
		if r.MaxAge > 0 && time.Since(snap.ChargedAt) > r.MaxAge {
			if err := r.Svc.Expire(ctx, snap.ID); err != nil {
				log.Printf("reconciler: expire session %s: %v", snap.ID, err)
			}
		}
	}
}
