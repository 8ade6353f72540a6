package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Page defines standard offset paging inputs for list operations.
type Page struct {
	Limit  int
	Offset int
}

// ListPage packages list results with the paging window that produced them.
type ListPage[T any] struct {
	Items  []T
	Limit  int
	Offset int
}

// ErrInvalidCoordinate indicates a latitude/longitude pair outside the valid domain.
var ErrInvalidCoordinate = errors.New("domain: invalid coordinate")

// Coordinate is an immutable WGS84 point. Latitude is constrained to
// [-90, 90] and longitude to [-180, 180]; both must be finite.
type Coordinate struct {
	Latitude  float64
	Longitude float64
}

// Validate reports whether the coordinate lies inside the valid domain.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) ||
		math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) {
		return fmt.Errorf("%w: latitude and longitude must be finite", ErrInvalidCoordinate)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrInvalidCoordinate, c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrInvalidCoordinate, c.Longitude)
	}
	return nil
}

// Vendor is a seller profile owned by the vendor-management subsystem.
// The discovery engine only reads it. Location is nil for incomplete
// profiles; such vendors never appear in distance-based queries.
type Vendor struct {
	ID        string
	Name      string
	Category  string
	Verified  bool
	Location  *Coordinate
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Product belongs to exactly one vendor. Deleted is a soft-delete flag.
type Product struct {
	ID        string
	VendorRef string
	Name      string
	Category  string
	Price     float64
	Available bool
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderLine is a single product/quantity pair within an order or draft group.
type OrderLine struct {
	ProductRef string
	Quantity   int
	UnitPrice  float64
}

// DraftOrderGroup is an unsaved collection of line items for one vendor,
// staged inside a payment intent prior to payment confirmation.
type DraftOrderGroup struct {
	VendorRef string
	Items     []OrderLine
	Amount    float64
}

// PaymentIntent links a buyer and a pending payment amount to one or more
// draft order groups. Intents are ephemeral: they live only in the intent
// store and are lost on process restart, which is acceptable because the
// buyer can retry payment.
type PaymentIntent struct {
	ID        string
	BuyerRef  string
	Amount    float64
	Groups    []DraftOrderGroup
	CreatedAt time.Time
	Consumed  bool
}

// PaymentStatus enumerates payment settlement states for an order.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not been attempted or settled yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates the gateway confirmed the payment.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusUnpaid indicates payment was attempted and failed or was abandoned.
	PaymentStatusUnpaid PaymentStatus = "unpaid"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusNotProcessing indicates the vendor has not started handling the order.
	OrderStatusNotProcessing OrderStatus = "not_processing"
	// OrderStatusProcessing indicates the vendor is actively handling the order.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusDelivered indicates the order reached the buyer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled; terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// CancelActor identifies who triggered an order cancellation.
type CancelActor string

const (
	// CancelActorBuyer marks cancellations requested by the purchasing user.
	CancelActorBuyer CancelActor = "buyer"
	// CancelActorVendor marks cancellations requested by the selling vendor.
	CancelActorVendor CancelActor = "vendor"
	// CancelActorSystem marks cancellations performed by automated flows.
	CancelActorSystem CancelActor = "system"
)

// Order is a durable purchase record for a single vendor. Orders are
// created only via payment materialization or direct placement.
type Order struct {
	ID            string
	VendorRef     string
	BuyerRef      string
	Items         []OrderLine
	Amount        float64
	PaymentStatus PaymentStatus
	Status        OrderStatus
	IntentRef     string
	PaymentRef    string
	CancelledBy   *CancelActor
	Deleted       bool
	Reviewed      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeliveredAt   *time.Time
	CancelledAt   *time.Time
}

// Review captures buyer feedback for a delivered order.
type Review struct {
	ID        string
	OrderRef  string
	VendorRef string
	BuyerRef  string
	Rating    int
	Comment   string
	CreatedAt time.Time
}

// RoundAmount normalises a monetary amount to two decimal places.
func RoundAmount(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// MinorUnits converts a major-unit amount to the gateway's minor currency
// unit (e.g. 410.00 -> 41000).
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
