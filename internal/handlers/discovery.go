package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/platform/httpx"
	"github.com/nearbuy/api/internal/services"
)

// DiscoveryHandlers exposes the location-aware vendor and product search endpoints.
type DiscoveryHandlers struct {
	discovery services.DiscoveryService
	reviews   services.ReviewService
}

// NewDiscoveryHandlers constructs a new DiscoveryHandlers instance.
func NewDiscoveryHandlers(discovery services.DiscoveryService, reviews services.ReviewService) *DiscoveryHandlers {
	return &DiscoveryHandlers{
		discovery: discovery,
		reviews:   reviews,
	}
}

// Routes registers the nearby search and vendor review endpoints.
func (h *DiscoveryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/vendors/nearby", h.nearbyVendors)
	r.Get("/vendors/{vendorID}/reviews", h.vendorReviews)
	r.Get("/products/nearby", h.nearbyProducts)
}

func (h *DiscoveryHandlers) nearbyVendors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.discovery == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discovery_service_unavailable", "discovery service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	origin, err := parseCoordinate(query.Get("lat"), query.Get("lng"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	maxDistance, err := parseFloatParam(query.Get("max_distance"), "max_distance")
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := parsePageParams(query.Get("limit"), query.Get("offset"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.discovery.FindNearbyVendors(ctx, services.NearbyVendorsQuery{
		Origin:            origin,
		MaxDistanceMeters: maxDistance,
		Category:          strings.TrimSpace(query.Get("category")),
		VerifiedOnly:      parseBoolParam(query.Get("verified_only")),
		IncludeProducts:   parseBoolParam(query.Get("include_products")),
		Page:              page,
	})
	if err != nil {
		writeDiscoveryError(ctx, w, err)
		return
	}

	payload := nearbyVendorsResponse{
		Vendors: make([]vendorDistancePayload, 0, len(result.Vendors)),
		Limit:   result.Limit,
		Offset:  result.Offset,
	}
	for _, entry := range result.Vendors {
		payload.Vendors = append(payload.Vendors, buildVendorDistancePayload(entry))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *DiscoveryHandlers) nearbyProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.discovery == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discovery_service_unavailable", "discovery service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	svcQuery := services.NearbyProductsQuery{
		Category: strings.TrimSpace(query.Get("category")),
		Search:   strings.TrimSpace(query.Get("search")),
	}

	// Origin is optional here: without coordinates the listing is unranked.
	if query.Get("lat") != "" || query.Get("lng") != "" {
		origin, err := parseCoordinate(query.Get("lat"), query.Get("lng"))
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		maxDistance, err := parseFloatParam(query.Get("max_distance"), "max_distance")
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		svcQuery.Origin = &origin
		svcQuery.MaxDistanceMeters = maxDistance
	}

	page, err := parsePageParams(query.Get("limit"), query.Get("offset"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	svcQuery.Page = page

	result, err := h.discovery.FindProductsNearby(ctx, svcQuery)
	if err != nil {
		writeDiscoveryError(ctx, w, err)
		return
	}

	payload := nearbyProductsResponse{
		Products: make([]productDistancePayload, 0, len(result.Products)),
		Limit:    result.Limit,
		Offset:   result.Offset,
	}
	for _, entry := range result.Products {
		payload.Products = append(payload.Products, buildProductDistancePayload(entry))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *DiscoveryHandlers) vendorReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reviews == nil {
		httpx.WriteError(ctx, w, httpx.NewError("review_service_unavailable", "review service unavailable", http.StatusServiceUnavailable))
		return
	}

	vendorID := strings.TrimSpace(chi.URLParam(r, "vendorID"))
	query := r.URL.Query()
	page, err := parsePageParams(query.Get("limit"), query.Get("offset"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.reviews.ListVendorReviews(ctx, vendorID, page)
	if err != nil {
		writeReviewError(ctx, w, err)
		return
	}

	payload := vendorReviewsResponse{
		Reviews: make([]reviewPayload, 0, len(result.Items)),
	}
	for _, review := range result.Items {
		payload.Reviews = append(payload.Reviews, buildReviewPayload(review))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

type vendorReviewsResponse struct {
	Reviews []reviewPayload `json:"reviews"`
}

type nearbyVendorsResponse struct {
	Vendors []vendorDistancePayload `json:"vendors"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

type vendorDistancePayload struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Category       string           `json:"category,omitempty"`
	Verified       bool             `json:"verified"`
	Location       *locationPayload `json:"location,omitempty"`
	DistanceMeters float64          `json:"distance_meters"`
	Products       []productPayload `json:"products,omitempty"`
	ProductCount   int              `json:"product_count"`
}

type locationPayload struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

type nearbyProductsResponse struct {
	Products []productDistancePayload `json:"products"`
	Limit    int                      `json:"limit"`
	Offset   int                      `json:"offset"`
}

type productPayload struct {
	ID       string  `json:"id"`
	VendorID string  `json:"vendor_id"`
	Name     string  `json:"name"`
	Category string  `json:"category,omitempty"`
	Price    float64 `json:"price"`
}

type productDistancePayload struct {
	productPayload
	VendorName     string   `json:"vendor_name,omitempty"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
}

func buildVendorDistancePayload(entry services.VendorWithDistance) vendorDistancePayload {
	payload := vendorDistancePayload{
		ID:             entry.Vendor.ID,
		Name:           entry.Vendor.Name,
		Category:       entry.Vendor.Category,
		Verified:       entry.Vendor.Verified,
		DistanceMeters: entry.DistanceMeters,
		ProductCount:   entry.ProductCount,
	}
	if entry.Vendor.Location != nil {
		payload.Location = &locationPayload{
			Latitude:  entry.Vendor.Location.Latitude,
			Longitude: entry.Vendor.Location.Longitude,
		}
	}
	for _, product := range entry.Products {
		payload.Products = append(payload.Products, buildProductPayload(product))
	}
	return payload
}

func buildProductPayload(product domain.Product) productPayload {
	return productPayload{
		ID:       product.ID,
		VendorID: product.VendorRef,
		Name:     product.Name,
		Category: product.Category,
		Price:    product.Price,
	}
}

func buildProductDistancePayload(entry services.ProductWithDistance) productDistancePayload {
	return productDistancePayload{
		productPayload: buildProductPayload(entry.Product),
		VendorName:     entry.VendorName,
		DistanceMeters: entry.DistanceMeters,
	}
}

func parseCoordinate(latRaw, lngRaw string) (domain.Coordinate, error) {
	lat, err := parseFloatParam(latRaw, "lat")
	if err != nil {
		return domain.Coordinate{}, err
	}
	lng, err := parseFloatParam(lngRaw, "lng")
	if err != nil {
		return domain.Coordinate{}, err
	}
	return domain.Coordinate{Latitude: lat, Longitude: lng}, nil
}

func parseFloatParam(raw, name string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New(name + " is required")
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New(name + " must be a number")
	}
	return value, nil
}

func parsePageParams(limitRaw, offsetRaw string) (domain.Page, error) {
	var page domain.Page
	if raw := strings.TrimSpace(limitRaw); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return domain.Page{}, errors.New("limit must be a non-negative integer")
		}
		page.Limit = limit
	}
	if raw := strings.TrimSpace(offsetRaw); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return domain.Page{}, errors.New("offset must be a non-negative integer")
		}
		page.Offset = offset
	}
	return page, nil
}

func parseBoolParam(raw string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return value
}

func writeDiscoveryError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrDiscoveryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrDiscoveryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("discovery_unavailable", "nearby search is temporarily unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("discovery_error", "failed to process nearby search", http.StatusInternalServerError))
	}
}
