package services

import (
	"context"
	"time"
)

// Order event types emitted on the order events topic.
const (
	EventOrderCreated               = "order.created"
	EventOrderStatusChanged         = "order.status.changed"
	EventOrderMaterializationFailed = "order.materialization.failed"
)

// OrderEventMessage is the payload published for order lifecycle events.
// Reconciliation workers consume materialization failures to retry persistence.
type OrderEventMessage struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"orderId,omitempty"`
	IntentRef  string    `json:"intentRef,omitempty"`
	VendorRef  string    `json:"vendorRef,omitempty"`
	BuyerRef   string    `json:"buyerRef,omitempty"`
	PaymentRef string    `json:"paymentRef,omitempty"`
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus,omitempty"`
	Amount     float64   `json:"amount,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// OrderEventPublisher emits order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}
