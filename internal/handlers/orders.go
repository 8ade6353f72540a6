package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/platform/auth"
	"github.com/nearbuy/api/internal/platform/httpx"
	"github.com/nearbuy/api/internal/services"
)

const maxOrderBodySize = 64 * 1024

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

// OrderHandlers exposes the order lifecycle and review endpoints.
type OrderHandlers struct {
	orders  services.OrderService
	reviews services.ReviewService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, reviews services.ReviewService) *OrderHandlers {
	return &OrderHandlers{
		orders:  orders,
		reviews: reviews,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOrders)
	r.Post("/", h.placeOrder)
	r.Get("/{orderID}", h.getOrder)
	r.Patch("/{orderID}/status", h.transitionStatus)
	r.Delete("/{orderID}", h.softDelete)
	r.Post("/{orderID}/review", h.addReview)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireOrderService(ctx, w, h.orders)
	if !ok {
		return
	}

	query := r.URL.Query()
	page, err := parsePageParams(query.Get("limit"), query.Get("offset"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	listQuery := services.OrderListQuery{
		Status:         domain.OrderStatus(strings.TrimSpace(query.Get("status"))),
		IncludeDeleted: parseBoolParam(query.Get("include_deleted")),
		Page:           page,
	}

	// Non-admin actors are scoped to their own orders; admins may list
	// for an explicit party.
	switch identity.Role {
	case auth.RoleVendor:
		listQuery.VendorID = identity.ActorID
	case auth.RoleAdmin:
		listQuery.BuyerID = strings.TrimSpace(query.Get("buyer_id"))
		listQuery.VendorID = strings.TrimSpace(query.Get("vendor_id"))
	default:
		listQuery.BuyerID = identity.ActorID
	}

	result, err := h.orders.ListOrders(ctx, listQuery)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := orderListResponse{
		Orders: make([]orderPayload, 0, len(result.Items)),
	}
	for _, order := range result.Items {
		payload.Orders = append(payload.Orders, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireOrderService(ctx, w, h.orders)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req placeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	buyerID := strings.TrimSpace(req.BuyerID)
	if buyerID == "" {
		buyerID = identity.ActorID
	}

	items := make([]domain.OrderLine, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderLine{
			ProductRef: strings.TrimSpace(item.ProductID),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
		})
	}

	order, err := h.orders.PlaceOrder(ctx, services.PlaceOrderCommand{
		BuyerID:   buyerID,
		VendorID:  strings.TrimSpace(req.VendorID),
		Items:     items,
		ActorID:   identity.ActorID,
		ActorRole: identity.Role,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireOrderService(ctx, w, h.orders)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"), services.OrderActor{
		ID:   identity.ActorID,
		Role: identity.Role,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := orderResponse{Order: buildOrderPayload(order)}
	if order.Reviewed && h.reviews != nil {
		// Surface the attached review alongside the order. A lookup failure
		// degrades to the bare order rather than failing the request.
		if review, err := h.reviews.GetOrderReview(ctx, order.ID); err == nil {
			payload := buildReviewPayload(review)
			resp.Order.Review = &payload
		}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireOrderService(ctx, w, h.orders)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req transitionStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.TransitionStatusCommand{
		OrderID:   chi.URLParam(r, "orderID"),
		Target:    domain.OrderStatus(strings.TrimSpace(req.Status)),
		ActorID:   identity.ActorID,
		ActorRole: identity.Role,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) softDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireOrderService(ctx, w, h.orders)
	if !ok {
		return
	}

	order, err := h.orders.SoftDelete(ctx, services.SoftDeleteCommand{
		OrderID:   chi.URLParam(r, "orderID"),
		ActorID:   identity.ActorID,
		ActorRole: identity.Role,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) addReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reviews == nil {
		httpx.WriteError(ctx, w, httpx.NewError("review_service_unavailable", "review service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.ActorID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req addReviewRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	review, err := h.reviews.AddReview(ctx, services.AddReviewCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: identity.ActorID,
		Rating:  req.Rating,
		Comment: req.Comment,
	})
	if err != nil {
		writeReviewError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, reviewResponse{Review: buildReviewPayload(review)})
}

func requireOrderService(ctx context.Context, w http.ResponseWriter, orders services.OrderService) (*auth.Identity, bool) {
	if orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.ActorID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

type placeOrderRequest struct {
	BuyerID  string              `json:"buyer_id"`
	VendorID string              `json:"vendor_id"`
	Items    []intentLineRequest `json:"items"`
}

type transitionStatusRequest struct {
	Status string `json:"status"`
}

type addReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type orderListResponse struct {
	Orders []orderPayload `json:"orders"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID            string             `json:"id"`
	VendorID      string             `json:"vendor_id"`
	BuyerID       string             `json:"buyer_id"`
	Items         []orderLinePayload `json:"items"`
	Amount        float64            `json:"amount"`
	PaymentStatus string             `json:"payment_status"`
	Status        string             `json:"status"`
	IntentID      string             `json:"intent_id,omitempty"`
	PaymentID     string             `json:"payment_id,omitempty"`
	CancelledBy   string             `json:"cancelled_by,omitempty"`
	Deleted       bool               `json:"deleted,omitempty"`
	Reviewed      bool               `json:"reviewed,omitempty"`
	Review        *reviewPayload     `json:"review,omitempty"`
	DeliveredAt   string             `json:"delivered_at,omitempty"`
	CancelledAt   string             `json:"cancelled_at,omitempty"`
	CreatedAt     string             `json:"created_at"`
	UpdatedAt     string             `json:"updated_at"`
}

type orderLinePayload struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

type reviewResponse struct {
	Review reviewPayload `json:"review"`
}

type reviewPayload struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	VendorID  string `json:"vendor_id"`
	BuyerID   string `json:"buyer_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:            order.ID,
		VendorID:      order.VendorRef,
		BuyerID:       order.BuyerRef,
		Items:         make([]orderLinePayload, 0, len(order.Items)),
		Amount:        order.Amount,
		PaymentStatus: string(order.PaymentStatus),
		Status:        string(order.Status),
		IntentID:      order.IntentRef,
		PaymentID:     order.PaymentRef,
		Deleted:       order.Deleted,
		Reviewed:      order.Reviewed,
		DeliveredAt:   formatTimePointer(order.DeliveredAt),
		CancelledAt:   formatTimePointer(order.CancelledAt),
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
	}
	if order.CancelledBy != nil {
		payload.CancelledBy = string(*order.CancelledBy)
	}
	for _, line := range order.Items {
		payload.Items = append(payload.Items, orderLinePayload{
			ProductID: line.ProductRef,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return payload
}

func buildReviewPayload(review domain.Review) reviewPayload {
	return reviewPayload{
		ID:        review.ID,
		OrderID:   review.OrderRef,
		VendorID:  review.VendorRef,
		BuyerID:   review.BuyerRef,
		Rating:    review.Rating,
		Comment:   review.Comment,
		CreatedAt: formatTime(review.CreatedAt),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "insufficient permissions for order", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrIllegalTransition):
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order storage unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func writeReviewError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrReviewInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReviewUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "insufficient permissions for review", http.StatusForbidden))
	case errors.Is(err, services.ErrReviewNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("review_not_eligible", "order is not eligible for review", http.StatusConflict))
	case errors.Is(err, services.ErrAlreadyReviewed):
		httpx.WriteError(ctx, w, httpx.NewError("already_reviewed", "order already has a review", http.StatusConflict))
	case errors.Is(err, services.ErrReviewNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrVendorNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("vendor_not_found", "vendor not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("review_error", "failed to process review request", http.StatusInternalServerError))
	}
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxOrderBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func formatTimePointer(value *time.Time) string {
	if value == nil {
		return ""
	}
	return formatTime(*value)
}
