package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestProvider(t *testing.T, baseURL string) *RazorpayProvider {
	t.Helper()
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{
		KeyID:         "rzp_test_key",
		KeySecret:     "test-secret",
		WebhookSecret: "webhook-secret",
		BaseURL:       baseURL,
	})
	if err != nil {
		t.Fatalf("NewRazorpayProvider returned error: %v", err)
	}
	return provider
}

func signFor(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreateOrderSendsMinorUnits(t *testing.T) {
	var received razorpayOrderPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" {
			t.Fatalf("path = %q, want /orders", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rzp_test_key" || pass != "test-secret" {
			t.Fatalf("basic auth not forwarded")
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(razorpayOrderResponse{
			ID:        "order_test123",
			Amount:    received.Amount,
			Currency:  received.Currency,
			Receipt:   received.Receipt,
			Status:    "created",
			CreatedAt: 1717243800,
		})
	}))
	defer server.Close()

	provider := newTestProvider(t, server.URL)
	order, err := provider.CreateOrder(context.Background(), OrderRequest{
		AmountMinor: 41000,
		Receipt:     "rcpt_1",
	})
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}

	if received.Amount != 41000 {
		t.Fatalf("gateway amount = %d, want 41000", received.Amount)
	}
	if received.Currency != "INR" {
		t.Fatalf("currency = %q, want INR default", received.Currency)
	}
	if order.ID != "order_test123" {
		t.Fatalf("order id = %q, want order_test123", order.ID)
	}
}

func TestCreateOrderGatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"amount too small"}}`))
	}))
	defer server.Close()

	provider := newTestProvider(t, server.URL)
	_, err := provider.CreateOrder(context.Background(), OrderRequest{AmountMinor: 1})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("error = %v, want ErrGatewayUnavailable", err)
	}
}

func TestCreateOrderRejectsNonPositiveAmount(t *testing.T) {
	provider := newTestProvider(t, "http://localhost:0")
	if _, err := provider.CreateOrder(context.Background(), OrderRequest{AmountMinor: 0}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestVerifySignature(t *testing.T) {
	provider := newTestProvider(t, "http://localhost:0")

	valid := Callback{
		OrderID:   "order_abc",
		PaymentID: "pay_def",
		Signature: signFor("test-secret", "order_abc", "pay_def"),
	}
	if !provider.VerifySignature(valid) {
		t.Fatalf("valid signature rejected")
	}

	cases := []struct {
		name string
		cb   Callback
	}{
		{"tampered payment id", Callback{OrderID: "order_abc", PaymentID: "pay_zzz", Signature: valid.Signature}},
		{"tampered order id", Callback{OrderID: "order_zzz", PaymentID: "pay_def", Signature: valid.Signature}},
		{"wrong secret", Callback{OrderID: "order_abc", PaymentID: "pay_def", Signature: signFor("other-secret", "order_abc", "pay_def")}},
		{"not hex", Callback{OrderID: "order_abc", PaymentID: "pay_def", Signature: "zz-not-hex"}},
		{"empty signature", Callback{OrderID: "order_abc", PaymentID: "pay_def"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if provider.VerifySignature(tc.cb) {
				t.Fatalf("signature accepted, want rejection")
			}
		})
	}
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookSignature(t *testing.T) {
	provider := newTestProvider(t, "http://localhost:0")
	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_def","order_id":"order_abc"}}}}`)

	// The webhook digest is keyed by the webhook secret, not the API key secret.
	if !provider.VerifyWebhookSignature(body, signBody("webhook-secret", body)) {
		t.Fatalf("valid webhook signature rejected")
	}

	cases := []struct {
		name      string
		payload   []byte
		signature string
	}{
		{"keyed by api secret", body, signBody("test-secret", body)},
		{"tampered body", []byte(`{"event":"payment.captured"}`), signBody("webhook-secret", body)},
		{"not hex", body, "zz-not-hex"},
		{"empty signature", body, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if provider.VerifyWebhookSignature(tc.payload, tc.signature) {
				t.Fatalf("webhook signature accepted, want rejection")
			}
		})
	}
}

func TestVerifyWebhookSignatureWithoutSecret(t *testing.T) {
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{
		KeyID:     "rzp_test_key",
		KeySecret: "test-secret",
	})
	if err != nil {
		t.Fatalf("NewRazorpayProvider returned error: %v", err)
	}

	body := []byte(`{"event":"payment.captured"}`)
	if provider.VerifyWebhookSignature(body, signBody("", body)) {
		t.Fatal("deliveries must be rejected when no webhook secret is configured")
	}
}
