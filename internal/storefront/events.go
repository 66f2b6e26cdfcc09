package storefront

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	kafkax "github.com/pixloja/storefront/internal/kafka"
	"github.com/pixloja/storefront/internal/ledger"
)

const (
	EventSaleSettled   = "SaleSettled"
	EventSaleCancelled = "SaleCancelled"
	EventSaleExpired   = "SaleExpired"
)

// TopicSales carries every sale lifecycle event; the event type travels in
// the x-event-type header.
const TopicSales = "storefront.sales"

// Partition key = charge_id (session id before a charge exists), so events
// for one purchase keep their order.
func PartitionKey(id string) []byte { return []byte(id) }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type SaleSettledPayload struct {
	ChargeID    string          `json:"charge_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Amount      decimal.Decimal `json:"amount"`
	BuyerID     string          `json:"buyer_id"`
	SettledAt   time.Time       `json:"settled_at"`
}

type SaleCancelledPayload struct {
	SessionID string `json:"session_id"`
	ChargeID  string `json:"charge_id,omitempty"`
	ProductID string `json:"product_id"`
	BuyerID   string `json:"buyer_id"`
	Reason    string `json:"reason"`
}

type SaleExpiredPayload struct {
	SessionID string `json:"session_id"`
	ChargeID  string `json:"charge_id,omitempty"`
	ProductID string `json:"product_id"`
	BuyerID   string `json:"buyer_id"`
}

// EventPublisher emits sale lifecycle events for downstream consumers
// (accounting, analytics). A nil publisher drops everything.
type EventPublisher struct {
	Producer *kafkax.Producer
	Service  string
}

func (p *EventPublisher) publish(eventType, correlationID string, payload any) {
	if p == nil || p.Producer == nil {
		return
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      p.Service,
		CorrelationID: correlationID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Producer.Publish(PartitionKey(correlationID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (s *Service) publishSettled(e ledger.Entry) {
	s.Events.publish(EventSaleSettled, e.ChargeID, SaleSettledPayload{
		ChargeID:    e.ChargeID,
		ProductID:   e.ProductID,
		ProductName: e.ProductName,
		Amount:      e.Amount,
		BuyerID:     e.BuyerID,
		SettledAt:   e.SettledAt,
	})
}

func (s *Service) publishCancelled(snap Snapshot, reason string) {
	correlation := snap.ChargeID
	if correlation == "" {
		correlation = snap.ID
	}
	s.Events.publish(EventSaleCancelled, correlation, SaleCancelledPayload{
		SessionID: snap.ID,
		ChargeID:  snap.ChargeID,
		ProductID: snap.ProductID,
		BuyerID:   snap.BuyerID,
		Reason:    reason,
	})
}

func (s *Service) publishExpired(snap Snapshot) {
	correlation := snap.ChargeID
	if correlation == "" {
		correlation = snap.ID
	}
	s.Events.publish(EventSaleExpired, correlation, SaleExpiredPayload{
		SessionID: snap.ID,
		ChargeID:  snap.ChargeID,
		ProductID: snap.ProductID,
		BuyerID:   snap.BuyerID,
	})
}
