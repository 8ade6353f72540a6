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

const vendorCollection = "vendors"

// VendorRepository reads seller profiles from Firestore. The collection is
// written by the vendor-management system; this service only queries it.
type VendorRepository struct {
	base *pfirestore.BaseRepository[vendorDocument]
}

// NewVendorRepository constructs a Firestore-backed vendor repository.
func NewVendorRepository(provider *pfirestore.Provider) (*VendorRepository, error) {
	if provider == nil {
		return nil, errors.New("vendor repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[vendorDocument](provider, vendorCollection)
	return &VendorRepository{base: base}, nil
}

// FindByID loads a single vendor profile.
func (r *VendorRepository) FindByID(ctx context.Context, vendorID string) (domain.Vendor, error) {
	if r == nil || r.base == nil {
		return domain.Vendor{}, errors.New("vendor repository not initialised")
	}
	if strings.TrimSpace(vendorID) == "" {
		return domain.Vendor{}, errors.New("vendor id is required")
	}

	doc, err := r.base.Get(ctx, vendorID)
	if err != nil {
		return domain.Vendor{}, err
	}
	return toDomainVendor(doc.ID, doc.Data), nil
}

// ListWithLocation returns vendors whose location profile is complete.
// Vendors missing coordinates are filtered at the query level.
func (r *VendorRepository) ListWithLocation(ctx context.Context, filter repositories.VendorListFilter) ([]domain.Vendor, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("vendor repository not initialised")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("hasLocation", "==", true)
		q = applyVendorFilter(q, filter)
		return applyPage(q, filter.Page)
	})
	if err != nil {
		return nil, err
	}

	vendors := make([]domain.Vendor, 0, len(docs))
	for _, doc := range docs {
		vendor := toDomainVendor(doc.ID, doc.Data)
		if vendor.Location == nil {
			// Stale index flag; skip rather than surface a vendor we cannot rank.
			continue
		}
		vendors = append(vendors, vendor)
	}
	return vendors, nil
}

func applyVendorFilter(q firestore.Query, filter repositories.VendorListFilter) firestore.Query {
	if category := strings.TrimSpace(filter.Category); category != "" {
		q = q.Where("category", "==", category)
	}
	if filter.VerifiedOnly {
		q = q.Where("verified", "==", true)
	}
	return q.OrderBy(firestore.DocumentID, firestore.Asc)
}

func applyPage(q firestore.Query, page domain.Page) firestore.Query {
	if page.Offset > 0 {
		q = q.Offset(page.Offset)
	}
	if page.Limit > 0 {
		q = q.Limit(page.Limit)
	}
	return q
}

type vendorDocument struct {
	Name        string              `firestore:"name"`
	Category    string              `firestore:"category"`
	Verified    bool                `firestore:"verified"`
	HasLocation bool                `firestore:"hasLocation"`
	Location    *coordinateDocument `firestore:"location,omitempty"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	UpdatedAt   time.Time           `firestore:"updatedAt"`
}

type coordinateDocument struct {
	Latitude  float64 `firestore:"latitude"`
	Longitude float64 `firestore:"longitude"`
}

func toDomainVendor(id string, doc vendorDocument) domain.Vendor {
	vendor := domain.Vendor{
		ID:        id,
		Name:      doc.Name,
		Category:  doc.Category,
		Verified:  doc.Verified,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if doc.Location != nil {
		vendor.Location = &domain.Coordinate{
			Latitude:  doc.Location.Latitude,
			Longitude: doc.Location.Longitude,
		}
	}
	return vendor
}
