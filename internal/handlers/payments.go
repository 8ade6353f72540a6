package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/platform/auth"
	"github.com/nearbuy/api/internal/platform/httpx"
	"github.com/nearbuy/api/internal/services"
)

const maxPaymentBodySize = 64 * 1024

// PaymentHandlers exposes the payment intent and verification endpoints.
type PaymentHandlers struct {
	payments      services.PaymentService
	verifyLimiter attemptLimiter
	webhookVerify func(payload []byte, signature string) bool
}

// PaymentOption customises PaymentHandlers construction.
type PaymentOption func(*PaymentHandlers)

// WithVerifyRateLimit throttles signature verification attempts per intent id.
func WithVerifyRateLimit(limit int, window time.Duration, clock func() time.Time) PaymentOption {
	return func(h *PaymentHandlers) {
		h.verifyLimiter = newWindowLimiter(limit, window, clock)
	}
}

// WithWebhookVerifier installs the signature check applied to webhook
// deliveries. Without it the webhook endpoint rejects every request.
func WithWebhookVerifier(verify func(payload []byte, signature string) bool) PaymentOption {
	return func(h *PaymentHandlers) {
		h.webhookVerify = verify
	}
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(payments services.PaymentService, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{payments: payments}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/intent", h.createIntent)
	r.Post("/verify", h.verifyPayment)
}

// WebhookRoutes registers the unauthenticated gateway webhook endpoint.
// The delivery authenticates itself through the HMAC signature the gateway
// computes over the raw body with the webhook secret.
func (h *PaymentHandlers) WebhookRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/gateway", h.handleWebhook)
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.ActorID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req createIntentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	cmd := services.CreateIntentCommand{
		BuyerID: identity.ActorID,
		Amount:  req.Amount,
		Groups:  make([]domain.DraftOrderGroup, 0, len(req.Groups)),
	}
	for _, group := range req.Groups {
		lines := make([]domain.OrderLine, 0, len(group.Items))
		for _, item := range group.Items {
			lines = append(lines, domain.OrderLine{
				ProductRef: strings.TrimSpace(item.ProductID),
				Quantity:   item.Quantity,
				UnitPrice:  item.UnitPrice,
			})
		}
		cmd.Groups = append(cmd.Groups, domain.DraftOrderGroup{
			VendorRef: strings.TrimSpace(group.VendorID),
			Items:     lines,
			Amount:    group.Amount,
		})
	}

	result, err := h.payments.CreateIntent(ctx, cmd)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, createIntentResponse{
		IntentID: result.IntentID,
		GatewayOrder: gatewayOrderPayload{
			ID:          result.GatewayOrder.ID,
			AmountMinor: result.GatewayOrder.AmountMinor,
			Currency:    result.GatewayOrder.Currency,
			Receipt:     result.GatewayOrder.Receipt,
			Status:      result.GatewayOrder.Status,
		},
	})
}

func (h *PaymentHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req verifyPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	intentID := strings.TrimSpace(req.OrderID)
	if h.verifyLimiter != nil && !h.verifyLimiter.Allow(intentID) {
		httpx.WriteError(ctx, w, httpx.NewError("too_many_requests", "too many verification attempts for this payment", http.StatusTooManyRequests))
		return
	}

	result, err := h.payments.VerifyAndMaterialize(ctx, services.VerifyPaymentCommand{
		IntentID:  intentID,
		PaymentID: strings.TrimSpace(req.PaymentID),
		Signature: strings.TrimSpace(req.Signature),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeMaterializationResult(w, result)
}

const webhookSignatureHeader = "X-Razorpay-Signature"

func (h *PaymentHandlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.webhookVerify == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unconfigured", "webhook verification is not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	if !h.webhookVerify(body, r.Header.Get(webhookSignatureHeader)) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
		return
	}

	var event webhookEventRequest
	if err := json.Unmarshal(body, &event); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	if event.Event != "payment.captured" {
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Status: "ignored"})
		return
	}

	result, err := h.payments.HandleWebhookEvent(ctx, services.WebhookEventCommand{
		Event:     event.Event,
		IntentID:  strings.TrimSpace(event.Payload.Payment.Entity.OrderID),
		PaymentID: strings.TrimSpace(event.Payload.Payment.Entity.ID),
	})
	if err != nil {
		// A consumed intent means the client redirect already settled this
		// payment. Acknowledge so the gateway stops redelivering.
		if errors.Is(err, services.ErrStaleIntent) {
			writeJSONResponse(w, http.StatusOK, webhookAckResponse{Status: "already_processed"})
			return
		}
		writePaymentError(ctx, w, err)
		return
	}

	writeMaterializationResult(w, result)
}

// writeMaterializationResult renders the settled orders. Partial persistence
// still acknowledges the payment; failed groups are reported for
// reconciliation, not retried by the caller.
func writeMaterializationResult(w http.ResponseWriter, result services.VerifyPaymentResult) {
	payload := verifyPaymentResponse{
		Orders: make([]orderPayload, 0, len(result.Orders)),
	}
	for _, order := range result.Orders {
		payload.Orders = append(payload.Orders, buildOrderPayload(order))
	}
	for _, failed := range result.FailedGroups {
		payload.FailedGroups = append(payload.FailedGroups, failedGroupPayload{
			VendorID: failed.Group.VendorRef,
			Error:    failed.Err.Error(),
		})
	}

	status := http.StatusOK
	if len(payload.FailedGroups) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSONResponse(w, status, payload)
}

type createIntentRequest struct {
	Amount float64              `json:"amount"`
	Groups []intentGroupRequest `json:"groups"`
}

type intentGroupRequest struct {
	VendorID string              `json:"vendor_id"`
	Amount   float64             `json:"amount"`
	Items    []intentLineRequest `json:"items"`
}

type intentLineRequest struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

type createIntentResponse struct {
	IntentID     string              `json:"intent_id"`
	GatewayOrder gatewayOrderPayload `json:"gateway_order"`
}

type gatewayOrderPayload struct {
	ID          string `json:"id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt,omitempty"`
	Status      string `json:"status,omitempty"`
}

type verifyPaymentRequest struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

type verifyPaymentResponse struct {
	Orders       []orderPayload       `json:"orders"`
	FailedGroups []failedGroupPayload `json:"failed_groups,omitempty"`
}

type failedGroupPayload struct {
	VendorID string `json:"vendor_id"`
	Error    string `json:"error"`
}

type webhookEventRequest struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type webhookAckResponse struct {
	Status string `json:"status"`
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSignatureMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("signature_mismatch", "payment signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrStaleIntent):
		httpx.WriteError(ctx, w, httpx.NewError("stale_intent", "payment intent is missing, expired, or already processed", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "failed to process payment request", http.StatusInternalServerError))
	}
}
