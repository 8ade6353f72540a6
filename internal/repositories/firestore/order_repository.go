package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	domain "github.com/nearbuy/api/internal/domain"
	pfirestore "github.com/nearbuy/api/internal/platform/firestore"
	"github.com/nearbuy/api/internal/repositories"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const orderCollection = "orders"

// OrderRepository persists purchase records in Firestore.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection)
	return &OrderRepository{base: base}, nil
}

// Insert creates the order document, failing with a conflict when the ID is already taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("order id is required")
	}

	if _, err := r.base.Create(ctx, order.ID, fromDomainOrder(order)); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// Update replaces the stored order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("order id is required")
	}

	if _, err := r.base.Set(ctx, order.ID, fromDomainOrder(order)); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, errors.New("order id is required")
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return toDomainOrder(doc.ID, doc.Data), nil
}

// FindByIntentGroup locates the order materialized from a specific intent/vendor pair.
func (r *OrderRepository) FindByIntentGroup(ctx context.Context, intentRef, vendorRef string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(intentRef) == "" || strings.TrimSpace(vendorRef) == "" {
		return domain.Order{}, errors.New("intent ref and vendor ref are required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("intentRef", "==", intentRef).
			Where("vendorRef", "==", vendorRef).
			Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.query", status.Error(codes.NotFound, "order not found for intent group"))
	}
	return toDomainOrder(docs[0].ID, docs[0].Data), nil
}

// ListByBuyer returns orders placed by the given buyer.
func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerRef string, filter repositories.OrderListFilter) (domain.ListPage[domain.Order], error) {
	return r.listByParty(ctx, "buyerRef", buyerRef, filter)
}

// ListByVendor returns orders addressed to the given vendor.
func (r *OrderRepository) ListByVendor(ctx context.Context, vendorRef string, filter repositories.OrderListFilter) (domain.ListPage[domain.Order], error) {
	return r.listByParty(ctx, "vendorRef", vendorRef, filter)
}

func (r *OrderRepository) listByParty(ctx context.Context, field, ref string, filter repositories.OrderListFilter) (domain.ListPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.ListPage[domain.Order]{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(ref) == "" {
		return domain.ListPage[domain.Order]{}, errors.New("party reference is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where(field, "==", ref)
		if !filter.IncludeDeleted {
			q = q.Where("deleted", "==", false)
		}
		if filter.Status != "" {
			q = q.Where("status", "==", string(filter.Status))
		}
		q = q.OrderBy("createdAt", firestore.Desc)
		return applyPage(q, filter.Page)
	})
	if err != nil {
		return domain.ListPage[domain.Order]{}, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, toDomainOrder(doc.ID, doc.Data))
	}
	return domain.ListPage[domain.Order]{
		Items:  orders,
		Limit:  filter.Page.Limit,
		Offset: filter.Page.Offset,
	}, nil
}

type orderDocument struct {
	VendorRef     string              `firestore:"vendorRef"`
	BuyerRef      string              `firestore:"buyerRef"`
	Items         []orderLineDocument `firestore:"items"`
	Amount        float64             `firestore:"amount"`
	PaymentStatus string              `firestore:"paymentStatus"`
	Status        string              `firestore:"status"`
	IntentRef     string              `firestore:"intentRef,omitempty"`
	PaymentRef    string              `firestore:"paymentRef,omitempty"`
	CancelledBy   string              `firestore:"cancelledBy,omitempty"`
	Deleted       bool                `firestore:"deleted"`
	Reviewed      bool                `firestore:"reviewed"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
	DeliveredAt   *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt   *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderLineDocument struct {
	ProductRef string  `firestore:"productRef"`
	Quantity   int     `firestore:"quantity"`
	UnitPrice  float64 `firestore:"unitPrice"`
}

func fromDomainOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		VendorRef:     order.VendorRef,
		BuyerRef:      order.BuyerRef,
		Amount:        order.Amount,
		PaymentStatus: string(order.PaymentStatus),
		Status:        string(order.Status),
		IntentRef:     order.IntentRef,
		PaymentRef:    order.PaymentRef,
		Deleted:       order.Deleted,
		Reviewed:      order.Reviewed,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
		DeliveredAt:   order.DeliveredAt,
		CancelledAt:   order.CancelledAt,
	}
	if order.CancelledBy != nil {
		doc.CancelledBy = string(*order.CancelledBy)
	}
	doc.Items = make([]orderLineDocument, 0, len(order.Items))
	for _, line := range order.Items {
		doc.Items = append(doc.Items, orderLineDocument{
			ProductRef: line.ProductRef,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
		})
	}
	return doc
}

func toDomainOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:            id,
		VendorRef:     doc.VendorRef,
		BuyerRef:      doc.BuyerRef,
		Amount:        doc.Amount,
		PaymentStatus: domain.PaymentStatus(doc.PaymentStatus),
		Status:        domain.OrderStatus(doc.Status),
		IntentRef:     doc.IntentRef,
		PaymentRef:    doc.PaymentRef,
		Deleted:       doc.Deleted,
		Reviewed:      doc.Reviewed,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
		DeliveredAt:   doc.DeliveredAt,
		CancelledAt:   doc.CancelledAt,
	}
	if doc.CancelledBy != "" {
		actor := domain.CancelActor(doc.CancelledBy)
		order.CancelledBy = &actor
	}
	order.Items = make([]domain.OrderLine, 0, len(doc.Items))
	for _, line := range doc.Items {
		order.Items = append(order.Items, domain.OrderLine{
			ProductRef: line.ProductRef,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
		})
	}
	return order
}
