package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/geo"
	"github.com/nearbuy/api/internal/platform/textutil"
	"github.com/nearbuy/api/internal/repositories"
)

const (
	defaultDiscoveryPageLimit = 20
	maxDiscoveryPageLimit     = 100
)

var (
	// ErrDiscoveryInvalidInput indicates validation failures on discovery queries.
	ErrDiscoveryInvalidInput = errors.New("discovery: invalid input")
	// ErrDiscoveryUnavailable indicates the candidate set could not be fetched.
	ErrDiscoveryUnavailable = errors.New("discovery: repository unavailable")
)

// DiscoveryServiceDeps bundles collaborators required to construct a DiscoveryService.
type DiscoveryServiceDeps struct {
	Vendors         repositories.VendorRepository
	Products        repositories.ProductRepository
	MaxRadiusMeters float64
	QueryTimeout    time.Duration
	Logger          Logger
}

type discoveryService struct {
	vendors      repositories.VendorRepository
	products     repositories.ProductRepository
	maxRadius    float64
	queryTimeout time.Duration
	logger       Logger
}

// NewDiscoveryService wires dependencies into a concrete DiscoveryService implementation.
func NewDiscoveryService(deps DiscoveryServiceDeps) (DiscoveryService, error) {
	if deps.Vendors == nil {
		return nil, errors.New("discovery service: vendor repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("discovery service: product repository is required")
	}

	maxRadius := deps.MaxRadiusMeters
	if maxRadius <= 0 {
		maxRadius = 50_000
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &discoveryService{
		vendors:      deps.Vendors,
		products:     deps.Products,
		maxRadius:    maxRadius,
		queryTimeout: deps.QueryTimeout,
		logger:       logger,
	}, nil
}

func (s *discoveryService) FindNearbyVendors(ctx context.Context, query NearbyVendorsQuery) (NearbyVendorsPage, error) {
	if err := query.Origin.Validate(); err != nil {
		return NearbyVendorsPage{}, fmt.Errorf("%w: %v", ErrDiscoveryInvalidInput, err)
	}
	if err := s.validateRadius(query.MaxDistanceMeters); err != nil {
		return NearbyVendorsPage{}, err
	}
	page := normalizePage(query.Page)

	ctx, cancel := s.boundQuery(ctx)
	defer cancel()

	ranked, err := s.rankVendors(ctx, query.Origin, query.MaxDistanceMeters, query.Category, query.VerifiedOnly)
	if err != nil {
		return NearbyVendorsPage{}, err
	}

	window := pageWindow(len(ranked), page)
	result := make([]VendorWithDistance, 0, len(window))
	for _, entry := range window {
		result = append(result, VendorWithDistance{
			Vendor:         ranked[entry].Vendor,
			DistanceMeters: ranked[entry].DistanceMeters,
		})
	}

	if query.IncludeProducts && len(result) > 0 {
		if err := s.attachProducts(ctx, result); err != nil {
			return NearbyVendorsPage{}, err
		}
	}

	return NearbyVendorsPage{Vendors: result, Limit: page.Limit, Offset: page.Offset}, nil
}

func (s *discoveryService) FindProductsNearby(ctx context.Context, query NearbyProductsQuery) (NearbyProductsPage, error) {
	page := normalizePage(query.Page)

	ctx, cancel := s.boundQuery(ctx)
	defer cancel()

	if query.Origin == nil {
		return s.listProductsUnranked(ctx, query, page)
	}

	if err := query.Origin.Validate(); err != nil {
		return NearbyProductsPage{}, fmt.Errorf("%w: %v", ErrDiscoveryInvalidInput, err)
	}
	if err := s.validateRadius(query.MaxDistanceMeters); err != nil {
		return NearbyProductsPage{}, err
	}

	ranked, err := s.rankVendors(ctx, *query.Origin, query.MaxDistanceMeters, "", false)
	if err != nil {
		return NearbyProductsPage{}, err
	}
	if len(ranked) == 0 {
		return NearbyProductsPage{Products: []ProductWithDistance{}, Limit: page.Limit, Offset: page.Offset}, nil
	}

	vendorIDs := make([]string, 0, len(ranked))
	distanceByVendor := make(map[string]float64, len(ranked))
	nameByVendor := make(map[string]string, len(ranked))
	for _, entry := range ranked {
		vendorIDs = append(vendorIDs, entry.Vendor.ID)
		distanceByVendor[entry.Vendor.ID] = entry.DistanceMeters
		nameByVendor[entry.Vendor.ID] = entry.Vendor.Name
	}

	products, err := s.products.ListByVendors(ctx, vendorIDs, repositories.ProductListFilter{
		Category:      query.Category,
		AvailableOnly: true,
	})
	if err != nil {
		return NearbyProductsPage{}, s.mapRepositoryError(err)
	}

	matched := make([]ProductWithDistance, 0, len(products))
	for _, product := range products {
		if !textutil.ContainsFolded(product.Name, query.Search) {
			continue
		}
		distance := distanceByVendor[product.VendorRef]
		matched = append(matched, ProductWithDistance{
			Product:        product,
			VendorName:     nameByVendor[product.VendorRef],
			DistanceMeters: &distance,
		})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		di, dj := *matched[i].DistanceMeters, *matched[j].DistanceMeters
		if di != dj {
			return di < dj
		}
		return matched[i].Product.ID < matched[j].Product.ID
	})

	window := pageWindow(len(matched), page)
	out := make([]ProductWithDistance, 0, len(window))
	for _, idx := range window {
		out = append(out, matched[idx])
	}
	return NearbyProductsPage{Products: out, Limit: page.Limit, Offset: page.Offset}, nil
}

// rankVendors fetches located vendors, computes distance, filters by the
// inclusive radius, and sorts ascending with vendor id as the tie-break.
func (s *discoveryService) rankVendors(ctx context.Context, origin domain.Coordinate, radiusMeters float64, category string, verifiedOnly bool) ([]VendorWithDistance, error) {
	candidates, err := s.vendors.ListWithLocation(ctx, repositories.VendorListFilter{
		Category:     category,
		VerifiedOnly: verifiedOnly,
	})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}

	ranked := make([]VendorWithDistance, 0, len(candidates))
	for _, vendor := range candidates {
		if vendor.Location == nil {
			continue
		}
		distance, err := geo.Distance(origin, *vendor.Location)
		if err != nil {
			// Corrupt stored coordinate; exclude the vendor rather than fail the query.
			s.logger(ctx, "discovery.vendor.bad_location", map[string]any{
				"vendor": vendor.ID,
				"error":  err.Error(),
			})
			continue
		}
		if distance > radiusMeters {
			continue
		}
		ranked = append(ranked, VendorWithDistance{Vendor: vendor, DistanceMeters: distance})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].DistanceMeters != ranked[j].DistanceMeters {
			return ranked[i].DistanceMeters < ranked[j].DistanceMeters
		}
		return ranked[i].Vendor.ID < ranked[j].Vendor.ID
	})
	return ranked, nil
}

func (s *discoveryService) listProductsUnranked(ctx context.Context, query NearbyProductsQuery, page domain.Page) (NearbyProductsPage, error) {
	search := strings.TrimSpace(query.Search)

	// Folded substring matching happens in-process, so fetch without the
	// page window applied and slice afterwards.
	listed, err := s.products.List(ctx, repositories.ProductListFilter{
		Category:      query.Category,
		AvailableOnly: true,
	})
	if err != nil {
		return NearbyProductsPage{}, s.mapRepositoryError(err)
	}

	matched := make([]ProductWithDistance, 0, len(listed.Items))
	for _, product := range listed.Items {
		if search != "" && !textutil.ContainsFolded(product.Name, search) {
			continue
		}
		matched = append(matched, ProductWithDistance{Product: product})
	}

	window := pageWindow(len(matched), page)
	out := make([]ProductWithDistance, 0, len(window))
	for _, idx := range window {
		out = append(out, matched[idx])
	}
	return NearbyProductsPage{Products: out, Limit: page.Limit, Offset: page.Offset}, nil
}

func (s *discoveryService) attachProducts(ctx context.Context, vendors []VendorWithDistance) error {
	vendorIDs := make([]string, 0, len(vendors))
	for _, entry := range vendors {
		vendorIDs = append(vendorIDs, entry.Vendor.ID)
	}

	products, err := s.products.ListByVendors(ctx, vendorIDs, repositories.ProductListFilter{AvailableOnly: true})
	if err != nil {
		return s.mapRepositoryError(err)
	}

	byVendor := make(map[string][]domain.Product, len(vendors))
	for _, product := range products {
		byVendor[product.VendorRef] = append(byVendor[product.VendorRef], product)
	}
	for i := range vendors {
		attached := byVendor[vendors[i].Vendor.ID]
		vendors[i].Products = attached
		vendors[i].ProductCount = len(attached)
	}
	return nil
}

func (s *discoveryService) validateRadius(radiusMeters float64) error {
	if radiusMeters <= 0 {
		return fmt.Errorf("%w: max distance must be positive", ErrDiscoveryInvalidInput)
	}
	if radiusMeters > s.maxRadius {
		return fmt.Errorf("%w: max distance %.0fm exceeds limit %.0fm", ErrDiscoveryInvalidInput, radiusMeters, s.maxRadius)
	}
	return nil
}

func (s *discoveryService) boundQuery(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *discoveryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: query timed out", ErrDiscoveryUnavailable)
	}
	return err
}

func normalizePage(page domain.Page) domain.Page {
	if page.Limit <= 0 {
		page.Limit = defaultDiscoveryPageLimit
	}
	if page.Limit > maxDiscoveryPageLimit {
		page.Limit = maxDiscoveryPageLimit
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return page
}

// pageWindow returns the index range [offset, offset+limit) clamped to total.
func pageWindow(total int, page domain.Page) []int {
	if page.Offset >= total {
		return nil
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	window := make([]int, 0, end-page.Offset)
	for i := page.Offset; i < end; i++ {
		window = append(window, i)
	}
	return window
}
