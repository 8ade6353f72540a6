package services

import (
	"context"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/payments"
)

// Logger is the structured logging hook injected into services. Implementations
// typically delegate to the request-scoped zap logger.
type Logger func(ctx context.Context, event string, fields map[string]any)

// NearbyVendorsQuery describes a distance-ranked vendor search.
type NearbyVendorsQuery struct {
	Origin            domain.Coordinate
	MaxDistanceMeters float64
	Category          string
	VerifiedOnly      bool
	IncludeProducts   bool
	Page              domain.Page
}

// VendorWithDistance pairs a vendor with its computed distance from the query origin.
type VendorWithDistance struct {
	Vendor         domain.Vendor
	DistanceMeters float64
	Products       []domain.Product
	ProductCount   int
}

// NearbyVendorsPage is a distance-ordered page of vendors.
type NearbyVendorsPage struct {
	Vendors []VendorWithDistance
	Limit   int
	Offset  int
}

// NearbyProductsQuery describes a product search, optionally distance-ranked.
// A nil Origin yields an unranked listing with the same filters.
type NearbyProductsQuery struct {
	Origin            *domain.Coordinate
	MaxDistanceMeters float64
	Category          string
	Search            string
	Page              domain.Page
}

// ProductWithDistance pairs a product with its owning vendor's distance.
// DistanceMeters is nil for unranked listings.
type ProductWithDistance struct {
	Product        domain.Product
	VendorName     string
	DistanceMeters *float64
}

// NearbyProductsPage is a page of products, distance-ordered when ranked.
type NearbyProductsPage struct {
	Products []ProductWithDistance
	Limit    int
	Offset   int
}

// DiscoveryService ranks vendors and products by distance from a buyer's location.
type DiscoveryService interface {
	FindNearbyVendors(ctx context.Context, query NearbyVendorsQuery) (NearbyVendorsPage, error)
	FindProductsNearby(ctx context.Context, query NearbyProductsQuery) (NearbyProductsPage, error)
}

// CreateIntentCommand stages a payment for one or more draft order groups.
type CreateIntentCommand struct {
	BuyerID string
	Amount  float64
	Groups  []domain.DraftOrderGroup
}

// CreateIntentResult returns the staged intent and the gateway order the
// client needs to complete payment.
type CreateIntentResult struct {
	IntentID     string
	GatewayOrder payments.GatewayOrder
}

// VerifyPaymentCommand carries the gateway callback delivered via the
// client redirect after checkout.
type VerifyPaymentCommand struct {
	IntentID  string
	PaymentID string
	Signature string
}

// WebhookEventCommand carries a settlement reported by the gateway's
// asynchronous webhook. The delivery is authenticated at the transport
// layer before this command is built.
type WebhookEventCommand struct {
	Event     string
	IntentID  string
	PaymentID string
}

// FailedGroup records a draft group whose order could not be persisted
// during materialization. The payload is republished for reconciliation.
type FailedGroup struct {
	Group domain.DraftOrderGroup
	Err   error
}

// VerifyPaymentResult reports the materialization outcome.
type VerifyPaymentResult struct {
	Orders       []domain.Order
	FailedGroups []FailedGroup
}

// PaymentService brokers gateway payments and materializes paid intents into orders.
type PaymentService interface {
	CreateIntent(ctx context.Context, cmd CreateIntentCommand) (CreateIntentResult, error)
	VerifyAndMaterialize(ctx context.Context, cmd VerifyPaymentCommand) (VerifyPaymentResult, error)
	HandleWebhookEvent(ctx context.Context, cmd WebhookEventCommand) (VerifyPaymentResult, error)
}

// PlaceOrderCommand creates an order directly, outside the payment flow.
type PlaceOrderCommand struct {
	BuyerID   string
	VendorID  string
	Items     []domain.OrderLine
	ActorID   string
	ActorRole string
}

// TransitionStatusCommand advances an order through its lifecycle.
type TransitionStatusCommand struct {
	OrderID   string
	Target    domain.OrderStatus
	ActorID   string
	ActorRole string
}

// SoftDeleteCommand hides an order from default listings.
type SoftDeleteCommand struct {
	OrderID   string
	ActorID   string
	ActorRole string
}

// OrderListQuery filters order listings for one party.
type OrderListQuery struct {
	BuyerID        string
	VendorID       string
	Status         domain.OrderStatus
	IncludeDeleted bool
	Page           domain.Page
}

// OrderActor identifies the caller for per-order authorization checks.
type OrderActor struct {
	ID   string
	Role string
}

// OrderService manages the durable order lifecycle.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error)
	TransitionStatus(ctx context.Context, cmd TransitionStatusCommand) (domain.Order, error)
	SoftDelete(ctx context.Context, cmd SoftDeleteCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string, actor OrderActor) (domain.Order, error)
	ListOrders(ctx context.Context, query OrderListQuery) (domain.ListPage[domain.Order], error)
}

// AddReviewCommand records buyer feedback on a delivered order.
type AddReviewCommand struct {
	OrderID string
	ActorID string
	Rating  int
	Comment string
}

// ReviewService guards review eligibility and persists buyer feedback.
type ReviewService interface {
	AddReview(ctx context.Context, cmd AddReviewCommand) (domain.Review, error)
	GetOrderReview(ctx context.Context, orderID string) (domain.Review, error)
	ListVendorReviews(ctx context.Context, vendorID string, page domain.Page) (domain.ListPage[domain.Review], error)
}

// SystemService surfaces operational health for the health endpoints.
type SystemService interface {
	Health(ctx context.Context) (domain.SystemHealthReport, error)
}
