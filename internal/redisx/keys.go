package redisx

import (
	"fmt"
	"time"
)

// Settlement dedup: dedup:settle:{charge_id} -> "1". Guards against a
// restarted process re-applying a settlement it already recorded.
const keySettleDedup = "dedup:settle:%s"

var TTLSettleDedup = 48 * time.Hour

func SettleKey(chargeID string) string {
	return fmt.Sprintf(keySettleDedup, chargeID)
}
