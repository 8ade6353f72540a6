package payments

import (
	"context"
	"errors"
	"time"
)

// ErrGatewayUnavailable indicates the gateway rejected or failed the call.
var ErrGatewayUnavailable = errors.New("payments: gateway unavailable")

// OrderRequest captures the payload required to mint a gateway order.
// AmountMinor is expressed in the gateway's minor currency unit.
type OrderRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

// GatewayOrder represents the externally-tracked order returned by the
// gateway. ID is the key under which the payment intent is staged.
type GatewayOrder struct {
	ID          string
	AmountMinor int64
	Currency    string
	Receipt     string
	Status      string
	CreatedAt   time.Time
}

// Callback is the verification payload delivered by the gateway through
// the client redirect after checkout completes.
type Callback struct {
	OrderID   string
	PaymentID string
	Signature string
}

// Provider defines the contract for payment gateway adapters to implement.
type Provider interface {
	// CreateOrder mints an order on the gateway for the given minor-unit
	// amount and receipt reference.
	CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error)
	// VerifySignature checks the client callback signature in constant
	// time. It performs no network calls and must never mutate state.
	VerifySignature(cb Callback) bool
	// VerifyWebhookSignature checks the signature the gateway attaches to
	// asynchronous webhook deliveries. The digest covers the raw request
	// body and is keyed by the webhook secret, not the API key secret.
	VerifyWebhookSignature(payload []byte, signature string) bool
}
