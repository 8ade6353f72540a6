package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/payments"
	"github.com/nearbuy/api/internal/platform/auth"
	"github.com/nearbuy/api/internal/services"
)

type stubPaymentService struct {
	createFn  func(ctx context.Context, cmd services.CreateIntentCommand) (services.CreateIntentResult, error)
	verifyFn  func(ctx context.Context, cmd services.VerifyPaymentCommand) (services.VerifyPaymentResult, error)
	webhookFn func(ctx context.Context, cmd services.WebhookEventCommand) (services.VerifyPaymentResult, error)
}

func (s *stubPaymentService) CreateIntent(ctx context.Context, cmd services.CreateIntentCommand) (services.CreateIntentResult, error) {
	if s.createFn == nil {
		return services.CreateIntentResult{}, nil
	}
	return s.createFn(ctx, cmd)
}

func (s *stubPaymentService) VerifyAndMaterialize(ctx context.Context, cmd services.VerifyPaymentCommand) (services.VerifyPaymentResult, error) {
	if s.verifyFn == nil {
		return services.VerifyPaymentResult{}, nil
	}
	return s.verifyFn(ctx, cmd)
}

func (s *stubPaymentService) HandleWebhookEvent(ctx context.Context, cmd services.WebhookEventCommand) (services.VerifyPaymentResult, error) {
	if s.webhookFn == nil {
		return services.VerifyPaymentResult{}, nil
	}
	return s.webhookFn(ctx, cmd)
}

func asBuyer(req *http.Request, actorID string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{ActorID: actorID, Role: auth.RoleBuyer}))
}

func TestPaymentCreateIntentSuccess(t *testing.T) {
	var captured services.CreateIntentCommand
	service := &stubPaymentService{
		createFn: func(ctx context.Context, cmd services.CreateIntentCommand) (services.CreateIntentResult, error) {
			captured = cmd
			return services.CreateIntentResult{
				IntentID: "order_G1",
				GatewayOrder: payments.GatewayOrder{
					ID:          "order_G1",
					AmountMinor: 41000,
					Currency:    "INR",
				},
			}, nil
		},
	}
	handler := NewPaymentHandlers(service)
	router := NewRouter(WithPaymentRoutes(handler.Routes))

	body := bytes.NewBufferString(`{
		"amount": 410.00,
		"groups": [
			{"vendor_id": "vendor-1", "amount": 410.00,
			 "items": [{"product_id": "prod-1", "quantity": 2, "unit_price": 205.00}]}
		]
	}`)
	req := asBuyer(httptest.NewRequest(http.MethodPost, "/api/v1/payments/intent", body), "buyer-1")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if captured.BuyerID != "buyer-1" {
		t.Errorf("buyer not taken from identity, got %q", captured.BuyerID)
	}
	if len(captured.Groups) != 1 || captured.Groups[0].VendorRef != "vendor-1" {
		t.Fatalf("groups not mapped: %+v", captured.Groups)
	}

	var payload struct {
		IntentID     string `json:"intent_id"`
		GatewayOrder struct {
			AmountMinor int64 `json:"amount_minor"`
		} `json:"gateway_order"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.IntentID != "order_G1" || payload.GatewayOrder.AmountMinor != 41000 {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestPaymentCreateIntentRequiresIdentity(t *testing.T) {
	handler := NewPaymentHandlers(&stubPaymentService{})
	router := NewRouter(WithPaymentRoutes(handler.Routes))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/intent", bytes.NewBufferString(`{"amount":1}`))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestPaymentVerifyErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"stale intent", services.ErrStaleIntent, http.StatusConflict, "stale_intent"},
		{"signature mismatch", services.ErrSignatureMismatch, http.StatusBadRequest, "signature_mismatch"},
		{"invalid input", services.ErrPaymentInvalidInput, http.StatusBadRequest, "invalid_request"},
		{"gateway down", services.ErrPaymentGatewayUnavailable, http.StatusBadGateway, "gateway_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "payment_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubPaymentService{
				verifyFn: func(ctx context.Context, cmd services.VerifyPaymentCommand) (services.VerifyPaymentResult, error) {
					return services.VerifyPaymentResult{}, tc.err
				},
			}
			handler := NewPaymentHandlers(service)
			router := NewRouter(WithPaymentRoutes(handler.Routes))

			body := bytes.NewBufferString(`{"razorpay_order_id":"order_G1","razorpay_payment_id":"pay_1","razorpay_signature":"sig"}`)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/verify", body)
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			if resp.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, resp.Code)
			}
			var payload struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if payload.Error != tc.wantCode {
				t.Errorf("expected error code %q, got %q", tc.wantCode, payload.Error)
			}
		})
	}
}

func TestPaymentVerifyPartialMaterialization(t *testing.T) {
	service := &stubPaymentService{
		verifyFn: func(ctx context.Context, cmd services.VerifyPaymentCommand) (services.VerifyPaymentResult, error) {
			return services.VerifyPaymentResult{
				Orders: []domain.Order{{ID: "ord-1", VendorRef: "vendor-1", Status: domain.OrderStatusProcessing}},
				FailedGroups: []services.FailedGroup{
					{Group: domain.DraftOrderGroup{VendorRef: "vendor-2"}, Err: errors.New("write failed")},
				},
			}, nil
		},
	}
	handler := NewPaymentHandlers(service)
	router := NewRouter(WithPaymentRoutes(handler.Routes))

	body := bytes.NewBufferString(`{"razorpay_order_id":"order_G1","razorpay_payment_id":"pay_1","razorpay_signature":"sig"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/verify", body)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207 for partial persistence, got %d", resp.Code)
	}
	var payload struct {
		Orders       []struct{ ID string } `json:"orders"`
		FailedGroups []struct {
			VendorID string `json:"vendor_id"`
		} `json:"failed_groups"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(payload.Orders) != 1 || len(payload.FailedGroups) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.FailedGroups[0].VendorID != "vendor-2" {
		t.Errorf("failed group vendor missing: %+v", payload.FailedGroups)
	}
}

func TestPaymentVerifyRateLimited(t *testing.T) {
	calls := 0
	service := &stubPaymentService{
		verifyFn: func(ctx context.Context, cmd services.VerifyPaymentCommand) (services.VerifyPaymentResult, error) {
			calls++
			return services.VerifyPaymentResult{}, services.ErrSignatureMismatch
		},
	}
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	handler := NewPaymentHandlers(service, WithVerifyRateLimit(2, time.Minute, func() time.Time { return now }))
	router := NewRouter(WithPaymentRoutes(handler.Routes))

	send := func() int {
		body := bytes.NewBufferString(`{"razorpay_order_id":"order_G1","razorpay_payment_id":"pay_1","razorpay_signature":"bad"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/verify", body)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		return resp.Code
	}

	if code := send(); code != http.StatusBadRequest {
		t.Fatalf("first attempt: expected 400, got %d", code)
	}
	if code := send(); code != http.StatusBadRequest {
		t.Fatalf("second attempt: expected 400, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("third attempt: expected 429, got %d", code)
	}
	if calls != 2 {
		t.Errorf("expected service called twice before throttling, got %d", calls)
	}
}

const testWebhookSecret = "whsec_test"

func signWebhookBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookRouter(t *testing.T, service services.PaymentService) chi.Router {
	t.Helper()
	provider, err := payments.NewRazorpayProvider(payments.RazorpayProviderConfig{
		KeyID:         "rzp_test",
		KeySecret:     "key_secret",
		WebhookSecret: testWebhookSecret,
	})
	if err != nil {
		t.Fatalf("NewRazorpayProvider: %v", err)
	}
	handler := NewPaymentHandlers(service, WithWebhookVerifier(provider.VerifyWebhookSignature))
	return NewRouter(WithWebhookRoutes(handler.WebhookRoutes))
}

func capturedEventBody() []byte {
	return []byte(`{
		"event": "payment.captured",
		"payload": {"payment": {"entity": {"id": "pay_1", "order_id": "order_G1"}}}
	}`)
}

func TestWebhookSettlesCapturedPayment(t *testing.T) {
	var captured services.WebhookEventCommand
	service := &stubPaymentService{
		webhookFn: func(ctx context.Context, cmd services.WebhookEventCommand) (services.VerifyPaymentResult, error) {
			captured = cmd
			return services.VerifyPaymentResult{
				Orders: []domain.Order{{ID: "ord-1", VendorRef: "vendor-1", Status: domain.OrderStatusProcessing}},
			}, nil
		},
	}
	router := webhookRouter(t, service)

	body := capturedEventBody()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody(body))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if captured.IntentID != "order_G1" || captured.PaymentID != "pay_1" {
		t.Errorf("event ids not mapped: %+v", captured)
	}
	if captured.Event != "payment.captured" {
		t.Errorf("event type not forwarded, got %q", captured.Event)
	}
	var payload struct {
		Orders []struct{ ID string } `json:"orders"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(payload.Orders) != 1 || payload.Orders[0].ID != "ord-1" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	service := &stubPaymentService{
		webhookFn: func(ctx context.Context, cmd services.WebhookEventCommand) (services.VerifyPaymentResult, error) {
			t.Error("unsigned delivery must not reach the service")
			return services.VerifyPaymentResult{}, nil
		},
	}
	router := webhookRouter(t, service)

	body := capturedEventBody()
	cases := []struct {
		name      string
		signature string
	}{
		{"missing header", ""},
		{"wrong digest", signWebhookBody([]byte("tampered"))},
		{"not hex", "zz-not-hex"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", bytes.NewReader(body))
			if tc.signature != "" {
				req.Header.Set("X-Razorpay-Signature", tc.signature)
			}
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)
			if resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.Code)
			}
		})
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	service := &stubPaymentService{
		webhookFn: func(ctx context.Context, cmd services.WebhookEventCommand) (services.VerifyPaymentResult, error) {
			t.Error("non-captured events must not settle")
			return services.VerifyPaymentResult{}, nil
		},
	}
	router := webhookRouter(t, service)

	body := []byte(`{"event": "payment.failed", "payload": {"payment": {"entity": {"id": "pay_1", "order_id": "order_G1"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody(body))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", resp.Code)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.Status != "ignored" {
		t.Errorf("expected ignored ack, got %q", payload.Status)
	}
}

func TestWebhookAcknowledgesAlreadySettledIntent(t *testing.T) {
	service := &stubPaymentService{
		webhookFn: func(ctx context.Context, cmd services.WebhookEventCommand) (services.VerifyPaymentResult, error) {
			return services.VerifyPaymentResult{}, services.ErrStaleIntent
		},
	}
	router := webhookRouter(t, service)

	body := capturedEventBody()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody(body))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	// Acknowledge consumed intents so the gateway stops redelivering.
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.Status != "already_processed" {
		t.Errorf("expected already_processed ack, got %q", payload.Status)
	}
}

func TestWebhookWithoutVerifierRejectsDeliveries(t *testing.T) {
	handler := NewPaymentHandlers(&stubPaymentService{})
	router := NewRouter(WithWebhookRoutes(handler.WebhookRoutes))

	body := capturedEventBody()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody(body))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no verifier is configured, got %d", resp.Code)
	}
}
