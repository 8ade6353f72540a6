package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/repositories"
)

type stubVendorRepo struct {
	findByIDFn         func(ctx context.Context, vendorID string) (domain.Vendor, error)
	listWithLocationFn func(ctx context.Context, filter repositories.VendorListFilter) ([]domain.Vendor, error)
}

func (s *stubVendorRepo) FindByID(ctx context.Context, vendorID string) (domain.Vendor, error) {
	if s.findByIDFn == nil {
		return domain.Vendor{}, errors.New("unexpected FindByID call")
	}
	return s.findByIDFn(ctx, vendorID)
}

func (s *stubVendorRepo) ListWithLocation(ctx context.Context, filter repositories.VendorListFilter) ([]domain.Vendor, error) {
	if s.listWithLocationFn == nil {
		return nil, errors.New("unexpected ListWithLocation call")
	}
	return s.listWithLocationFn(ctx, filter)
}

type stubProductRepo struct {
	findByIDFn      func(ctx context.Context, productID string) (domain.Product, error)
	listByVendorsFn func(ctx context.Context, vendorIDs []string, filter repositories.ProductListFilter) ([]domain.Product, error)
	listFn          func(ctx context.Context, filter repositories.ProductListFilter) (domain.ListPage[domain.Product], error)
}

func (s *stubProductRepo) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if s.findByIDFn == nil {
		return domain.Product{}, errors.New("unexpected FindByID call")
	}
	return s.findByIDFn(ctx, productID)
}

func (s *stubProductRepo) ListByVendors(ctx context.Context, vendorIDs []string, filter repositories.ProductListFilter) ([]domain.Product, error) {
	if s.listByVendorsFn == nil {
		return nil, errors.New("unexpected ListByVendors call")
	}
	return s.listByVendorsFn(ctx, vendorIDs, filter)
}

func (s *stubProductRepo) List(ctx context.Context, filter repositories.ProductListFilter) (domain.ListPage[domain.Product], error) {
	if s.listFn == nil {
		return domain.ListPage[domain.Product]{}, errors.New("unexpected List call")
	}
	return s.listFn(ctx, filter)
}

func locatedVendor(id string, lat, lng float64) domain.Vendor {
	return domain.Vendor{
		ID:       id,
		Name:     "vendor " + id,
		Location: &domain.Coordinate{Latitude: lat, Longitude: lng},
	}
}

func newTestDiscoveryService(t *testing.T, vendors *stubVendorRepo, products *stubProductRepo) DiscoveryService {
	t.Helper()
	svc, err := NewDiscoveryService(DiscoveryServiceDeps{
		Vendors:         vendors,
		Products:        products,
		MaxRadiusMeters: 100_000,
	})
	if err != nil {
		t.Fatalf("NewDiscoveryService: %v", err)
	}
	return svc
}

func TestFindNearbyVendorsRanksByDistanceWithIDTieBreak(t *testing.T) {
	origin := domain.Coordinate{Latitude: 12.9716, Longitude: 77.5946}

	// vendor-b and vendor-a sit at the same point, vendor-c is closer.
	vendors := &stubVendorRepo{
		listWithLocationFn: func(ctx context.Context, filter repositories.VendorListFilter) ([]domain.Vendor, error) {
			return []domain.Vendor{
				locatedVendor("vendor-b", 12.98, 77.60),
				locatedVendor("vendor-a", 12.98, 77.60),
				locatedVendor("vendor-c", 12.9716, 77.5946),
			}, nil
		},
	}

	svc := newTestDiscoveryService(t, vendors, &stubProductRepo{})

	page, err := svc.FindNearbyVendors(context.Background(), NearbyVendorsQuery{
		Origin:            origin,
		MaxDistanceMeters: 10_000,
	})
	if err != nil {
		t.Fatalf("FindNearbyVendors: %v", err)
	}

	if len(page.Vendors) != 3 {
		t.Fatalf("expected 3 vendors, got %d", len(page.Vendors))
	}
	if page.Vendors[0].Vendor.ID != "vendor-c" {
		t.Errorf("expected nearest vendor first, got %s", page.Vendors[0].Vendor.ID)
	}
	if page.Vendors[1].Vendor.ID != "vendor-a" || page.Vendors[2].Vendor.ID != "vendor-b" {
		t.Errorf("expected id tie-break ordering, got %s then %s",
			page.Vendors[1].Vendor.ID, page.Vendors[2].Vendor.ID)
	}
	if page.Vendors[0].DistanceMeters != 0 {
		t.Errorf("expected zero distance for co-located vendor, got %v", page.Vendors[0].DistanceMeters)
	}
}

func TestFindNearbyVendorsIncludesBoundaryEqualVendor(t *testing.T) {
	origin := domain.Coordinate{Latitude: 0, Longitude: 0}
	// Roughly 0.05 degrees of longitude at the equator.
	boundary := locatedVendor("vendor-edge", 0, 0.05)

	vendors := &stubVendorRepo{
		listWithLocationFn: func(ctx context.Context, filter repositories.VendorListFilter) ([]domain.Vendor, error) {
			return []domain.Vendor{boundary}, nil
		},
	}
	svc := newTestDiscoveryService(t, vendors, &stubProductRepo{})

	// First resolve the exact distance, then query with that radius: the
	// boundary is inclusive so the vendor must appear.
	probe, err := svc.FindNearbyVendors(context.Background(), NearbyVendorsQuery{
		Origin:            origin,
		MaxDistanceMeters: 100_000,
	})
	if err != nil {
		t.Fatalf("probe query: %v", err)
	}
	if len(probe.Vendors) != 1 {
		t.Fatalf("expected probe to find the vendor, got %d", len(probe.Vendors))
	}
	exact := probe.Vendors[0].DistanceMeters

	page, err := svc.FindNearbyVendors(context.Background(), NearbyVendorsQuery{
		Origin:            origin,
		MaxDistanceMeters: exact,
	})
	if err != nil {
		t.Fatalf("boundary query: %v", err)
	}
	if len(page.Vendors) != 1 {
		t.Fatalf("expected boundary-equal vendor included, got %d results", len(page.Vendors))
	}
}

func TestFindNearbyVendorsValidatesBeforeRepositoryAccess(t *testing.T) {
	called := false
	vendors := &stubVendorRepo{
		listWithLocationFn: func(ctx context.Context, filter repositories.VendorListFilter) ([]domain.Vendor, error) {
			called = true
			return nil, nil
		},
	}
	svc := newTestDiscoveryService(t, vendors, &stubProductRepo{})

	cases := []struct {
		name  string
		query NearbyVendorsQuery
	}{
		{
			name: "latitude out of range",
			query: NearbyVendorsQuery{
				Origin:            domain.Coordinate{Latitude: 91, Longitude: 0},
				MaxDistanceMeters: 1000,
			},
		},
		{
			name: "zero radius",
			query: NearbyVendorsQuery{
				Origin:            domain.Coordinate{Latitude: 0, Longitude: 0},
				MaxDistanceMeters: 0,
			},
		},
		{
			name: "radius beyond limit",
			query: NearbyVendorsQuery{
				Origin:            domain.Coordinate{Latitude: 0, Longitude: 0},
				MaxDistanceMeters: 1_000_000,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.FindNearbyVendors(context.Background(), tc.query)
			if !errors.Is(err, ErrDiscoveryInvalidInput) {
				t.Fatalf("expected ErrDiscoveryInvalidInput, got %v", err)
			}
			if called {
				t.Fatal("repository must not be touched for invalid input")
			}
		})
	}
}

func TestFindNearbyVendorsEmptyResultIsNotAnError(t *testing.T) {
	vendors := &stubVendorRepo{
		listWithLocationFn: func(ctx context.Context, filter repositories.VendorListFilter) ([]domain.Vendor, error) {
			return nil, nil
		},
	}
	svc := newTestDiscoveryService(t, vendors, &stubProductRepo{})

	page, err := svc.FindNearbyVendors(context.Background(), NearbyVendorsQuery{
		Origin:            domain.Coordinate{Latitude: 0, Longitude: 0},
		MaxDistanceMeters: 1000,
	})
	if err != nil {
		t.Fatalf("expected empty page, got error %v", err)
	}
	if len(page.Vendors) != 0 {
		t.Fatalf("expected no vendors, got %d", len(page.Vendors))
	}
}

func TestFindNearbyVendorsAttachesProducts(t *testing.T) {
	vendors := &stubVendorRepo{
		listWithLocationFn: func(ctx context.Context, filter repositories.VendorListFilter) ([]domain.Vendor, error) {
			return []domain.Vendor{
				locatedVendor("vendor-a", 0, 0.01),
				locatedVendor("vendor-empty", 0, 0.02),
			}, nil
		},
	}
	products := &stubProductRepo{
		listByVendorsFn: func(ctx context.Context, vendorIDs []string, filter repositories.ProductListFilter) ([]domain.Product, error) {
			if !filter.AvailableOnly {
				t.Error("expected available-only product filter")
			}
			return []domain.Product{
				{ID: "prod-1", VendorRef: "vendor-a", Name: "Filter Coffee"},
				{ID: "prod-2", VendorRef: "vendor-a", Name: "Masala Dosa"},
			}, nil
		},
	}
	svc := newTestDiscoveryService(t, vendors, products)

	page, err := svc.FindNearbyVendors(context.Background(), NearbyVendorsQuery{
		Origin:            domain.Coordinate{Latitude: 0, Longitude: 0},
		MaxDistanceMeters: 10_000,
		IncludeProducts:   true,
	})
	if err != nil {
		t.Fatalf("FindNearbyVendors: %v", err)
	}
	if len(page.Vendors) != 2 {
		t.Fatalf("expected 2 vendors, got %d", len(page.Vendors))
	}
	if page.Vendors[0].ProductCount != 2 {
		t.Errorf("expected 2 products for vendor-a, got %d", page.Vendors[0].ProductCount)
	}
	if page.Vendors[1].ProductCount != 0 {
		t.Errorf("vendor with zero products must stay in the result, got count %d", page.Vendors[1].ProductCount)
	}
}

func TestFindProductsNearbyRanksAndFilters(t *testing.T) {
	vendors := &stubVendorRepo{
		listWithLocationFn: func(ctx context.Context, filter repositories.VendorListFilter) ([]domain.Vendor, error) {
			return []domain.Vendor{
				locatedVendor("vendor-near", 0, 0.01),
				locatedVendor("vendor-far", 0, 0.05),
			}, nil
		},
	}
	products := &stubProductRepo{
		listByVendorsFn: func(ctx context.Context, vendorIDs []string, filter repositories.ProductListFilter) ([]domain.Product, error) {
			return []domain.Product{
				{ID: "prod-far", VendorRef: "vendor-far", Name: "Café Latte"},
				{ID: "prod-near", VendorRef: "vendor-near", Name: "Cafe Mocha"},
				{ID: "prod-tea", VendorRef: "vendor-near", Name: "Green Tea"},
			}, nil
		},
	}
	svc := newTestDiscoveryService(t, vendors, products)

	origin := domain.Coordinate{Latitude: 0, Longitude: 0}
	page, err := svc.FindProductsNearby(context.Background(), NearbyProductsQuery{
		Origin:            &origin,
		MaxDistanceMeters: 10_000,
		Search:            "cafe",
	})
	if err != nil {
		t.Fatalf("FindProductsNearby: %v", err)
	}
	if len(page.Products) != 2 {
		t.Fatalf("expected 2 matching products, got %d", len(page.Products))
	}
	if page.Products[0].Product.ID != "prod-near" {
		t.Errorf("expected nearest product first, got %s", page.Products[0].Product.ID)
	}
	if page.Products[0].DistanceMeters == nil || page.Products[1].DistanceMeters == nil {
		t.Fatal("ranked products must carry a distance")
	}
	if *page.Products[0].DistanceMeters >= *page.Products[1].DistanceMeters {
		t.Error("expected ascending distance ordering")
	}
}

func TestFindProductsNearbyWithoutOriginListsUnranked(t *testing.T) {
	products := &stubProductRepo{
		listFn: func(ctx context.Context, filter repositories.ProductListFilter) (domain.ListPage[domain.Product], error) {
			return domain.ListPage[domain.Product]{
				Items: []domain.Product{
					{ID: "prod-1", Name: "Crème Brûlée"},
					{ID: "prod-2", Name: "Plain Toast"},
				},
			}, nil
		},
	}
	svc := newTestDiscoveryService(t, &stubVendorRepo{}, products)

	page, err := svc.FindProductsNearby(context.Background(), NearbyProductsQuery{
		Search: "creme",
	})
	if err != nil {
		t.Fatalf("FindProductsNearby: %v", err)
	}
	if len(page.Products) != 1 {
		t.Fatalf("expected folded search to match 1 product, got %d", len(page.Products))
	}
	if page.Products[0].Product.ID != "prod-1" {
		t.Errorf("unexpected product %s", page.Products[0].Product.ID)
	}
	if page.Products[0].DistanceMeters != nil {
		t.Error("unranked listing must not carry distances")
	}
}
