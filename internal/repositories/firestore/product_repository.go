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
)

const (
	productCollection = "products"

	// Firestore caps "in" filters; larger vendor sets are queried in chunks.
	vendorRefChunkSize = 10
)

// ProductRepository reads the product catalogue from Firestore.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productCollection)
	return &ProductRepository{base: base}, nil
}

// FindByID loads a single product.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	if strings.TrimSpace(productID) == "" {
		return domain.Product{}, errors.New("product id is required")
	}

	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return toDomainProduct(doc.ID, doc.Data), nil
}

// ListByVendors returns non-deleted products belonging to any of the given vendors.
// The result preserves the caller's vendor ordering.
func (r *ProductRepository) ListByVendors(ctx context.Context, vendorIDs []string, filter repositories.ProductListFilter) ([]domain.Product, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("product repository not initialised")
	}
	if len(vendorIDs) == 0 {
		return []domain.Product{}, nil
	}

	byVendor := make(map[string][]domain.Product, len(vendorIDs))
	for start := 0; start < len(vendorIDs); start += vendorRefChunkSize {
		end := start + vendorRefChunkSize
		if end > len(vendorIDs) {
			end = len(vendorIDs)
		}
		chunk := vendorIDs[start:end]

		docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
			q = q.Where("vendorRef", "in", chunk)
			return applyProductFilter(q, filter)
		})
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			product := toDomainProduct(doc.ID, doc.Data)
			byVendor[product.VendorRef] = append(byVendor[product.VendorRef], product)
		}
	}

	products := make([]domain.Product, 0)
	for _, vendorID := range vendorIDs {
		products = append(products, byVendor[vendorID]...)
	}
	return products, nil
}

// List returns products across all vendors.
func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.ListPage[domain.Product], error) {
	if r == nil || r.base == nil {
		return domain.ListPage[domain.Product]{}, errors.New("product repository not initialised")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = applyProductFilter(q, filter)
		return applyPage(q, filter.Page)
	})
	if err != nil {
		return domain.ListPage[domain.Product]{}, err
	}

	products := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		products = append(products, toDomainProduct(doc.ID, doc.Data))
	}
	return domain.ListPage[domain.Product]{
		Items:  products,
		Limit:  filter.Page.Limit,
		Offset: filter.Page.Offset,
	}, nil
}

func applyProductFilter(q firestore.Query, filter repositories.ProductListFilter) firestore.Query {
	q = q.Where("deleted", "==", false)
	if category := strings.TrimSpace(filter.Category); category != "" {
		q = q.Where("category", "==", category)
	}
	if filter.AvailableOnly {
		q = q.Where("available", "==", true)
	}
	return q.OrderBy(firestore.DocumentID, firestore.Asc)
}

type productDocument struct {
	VendorRef string    `firestore:"vendorRef"`
	Name      string    `firestore:"name"`
	Category  string    `firestore:"category"`
	Price     float64   `firestore:"price"`
	Available bool      `firestore:"available"`
	Deleted   bool      `firestore:"deleted"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func toDomainProduct(id string, doc productDocument) domain.Product {
	return domain.Product{
		ID:        id,
		VendorRef: doc.VendorRef,
		Name:      doc.Name,
		Category:  doc.Category,
		Price:     doc.Price,
		Available: doc.Available,
		Deleted:   doc.Deleted,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}
