package storefront

import (
	"time"

	"github.com/pixloja/storefront/internal/pix"
)

// Session is one buyer's in-progress purchase. All fields are guarded by the
// owning Service's mutex; callers outside the package only ever see copies.
type Session struct {
	ID        string
	BuyerID   string
	BuyerName string
	ProductID string
	ChannelID string
	State     State
	CreatedAt time.Time

	// IdemKey is minted at session creation and sent with charge creation,
	// so a retried create after a network failure cannot open a duplicate
	// charge at the gateway.
	IdemKey string

	Charge    *pix.Charge // nil until AWAITING_PAYMENT
	ChargedAt time.Time

	// charging marks an in-flight charge creation, so a second buyer click
	// cannot open a concurrent one.
	charging bool
}

// Snapshot is a copy of the session fields the reconciliation loop needs,
// taken under lock so the loop can work without holding it.
type Snapshot struct {
	ID        string    `json:"id"`
	BuyerID   string    `json:"buyer_id"`
	ProductID string    `json:"product_id"`
	ChannelID string    `json:"channel_id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ChargeID  string    `json:"charge_id,omitempty"`
	ChargedAt time.Time `json:"charged_at"`
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:        s.ID,
		BuyerID:   s.BuyerID,
		ProductID: s.ProductID,
		ChannelID: s.ChannelID,
		State:     s.State,
		CreatedAt: s.CreatedAt,
		ChargedAt: s.ChargedAt,
	}
	if s.Charge != nil {
		snap.ChargeID = s.Charge.ID
	}
	return snap
}
