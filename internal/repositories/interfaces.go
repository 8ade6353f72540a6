package repositories

import (
	"context"

	domain "github.com/nearbuy/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Vendors() VendorRepository
	Products() ProductRepository
	Orders() OrderRepository
	Reviews() ReviewRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// VendorListFilter narrows vendor listings for discovery queries.
type VendorListFilter struct {
	Category     string
	VerifiedOnly bool
	Page         domain.Page
}

// VendorRepository reads seller profiles maintained by the vendor-management subsystem.
type VendorRepository interface {
	FindByID(ctx context.Context, vendorID string) (domain.Vendor, error)
	// ListWithLocation returns vendors that have a completed location profile.
	// Vendors without coordinates are excluded at the persistence layer.
	ListWithLocation(ctx context.Context, filter VendorListFilter) ([]domain.Vendor, error)
}

// ProductListFilter narrows product listings.
type ProductListFilter struct {
	Category      string
	AvailableOnly bool
	Page          domain.Page
}

// ProductRepository reads the product catalogue.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// ListByVendors returns non-deleted products belonging to any of the given
	// vendors. The slice order follows the vendor ordering supplied by the caller.
	ListByVendors(ctx context.Context, vendorIDs []string, filter ProductListFilter) ([]domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) (domain.ListPage[domain.Product], error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	Status         domain.OrderStatus
	IncludeDeleted bool
	Page           domain.Page
}

// OrderRepository persists durable purchase records.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	Update(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByIntentGroup(ctx context.Context, intentRef, vendorRef string) (domain.Order, error)
	ListByBuyer(ctx context.Context, buyerRef string, filter OrderListFilter) (domain.ListPage[domain.Order], error)
	ListByVendor(ctx context.Context, vendorRef string, filter OrderListFilter) (domain.ListPage[domain.Order], error)
}

// ReviewRepository persists buyer feedback for delivered orders.
type ReviewRepository interface {
	Insert(ctx context.Context, review domain.Review) (domain.Review, error)
	FindByOrder(ctx context.Context, orderRef string) (domain.Review, error)
	ListByVendor(ctx context.Context, vendorRef string, page domain.Page) (domain.ListPage[domain.Review], error)
}

// HealthRepository aggregates dependency probes for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
