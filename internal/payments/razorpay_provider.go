package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRazorpayBaseURL = "https://api.razorpay.com/v1"
	defaultRazorpayTimeout = 15 * time.Second
)

// RazorpayLogger defines the logging contract for gateway operations.
type RazorpayLogger func(ctx context.Context, event string, fields map[string]any)

// RazorpayProviderConfig configures the RazorpayProvider. WebhookSecret is
// the dedicated secret configured on the gateway's webhook endpoint and may
// be empty when webhooks are not enabled for the deployment.
type RazorpayProviderConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	HTTPClient    *http.Client
	Logger        RazorpayLogger
	Clock         func() time.Time
}

// RazorpayProvider implements the Provider interface against the Razorpay
// orders REST API. Callback signatures follow the gateway contract
// HMAC-SHA256(secret, orderID + "|" + paymentID), hex encoded.
type RazorpayProvider struct {
	keyID         string
	secret        []byte
	webhookSecret []byte
	baseURL       string
	client        *http.Client
	logger        RazorpayLogger
	clock         func() time.Time
}

// NewRazorpayProvider constructs a gateway adapter using the given configuration.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	secret := strings.TrimSpace(cfg.KeySecret)
	if keyID == "" || secret == "" {
		return nil, errors.New("razorpay: key id and secret are required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultRazorpayBaseURL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRazorpayTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	provider := &RazorpayProvider{
		keyID:   keyID,
		secret:  []byte(secret),
		baseURL: baseURL,
		client:  client,
		logger:  logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}
	if webhookSecret := strings.TrimSpace(cfg.WebhookSecret); webhookSecret != "" {
		provider.webhookSecret = []byte(webhookSecret)
	}
	return provider, nil
}

type razorpayOrderPayload struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type razorpayOrderResponse struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Receipt   string `json:"receipt"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type razorpayErrorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateOrder mints a gateway order for the given minor-unit amount.
func (p *RazorpayProvider) CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error) {
	if p == nil {
		return GatewayOrder{}, errors.New("razorpay: provider is nil")
	}
	if req.AmountMinor <= 0 {
		return GatewayOrder{}, fmt.Errorf("razorpay: amount must be positive, got %d", req.AmountMinor)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}

	body, err := json.Marshal(razorpayOrderPayload{
		Amount:   req.AmountMinor,
		Currency: currency,
		Receipt:  strings.TrimSpace(req.Receipt),
		Notes:    req.Notes,
	})
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("razorpay: encode order payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("razorpay: build order request: %w", err)
	}
	httpReq.SetBasicAuth(p.keyID, string(p.secret))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.logger(ctx, "gateway.order.request_failed", map[string]any{"error": err.Error()})
		return GatewayOrder{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var gatewayErr razorpayErrorResponse
		_ = json.Unmarshal(raw, &gatewayErr)
		p.logger(ctx, "gateway.order.rejected", map[string]any{
			"status": resp.StatusCode,
			"code":   gatewayErr.Error.Code,
		})
		return GatewayOrder{}, fmt.Errorf("%w: status %d: %s", ErrGatewayUnavailable, resp.StatusCode, gatewayErr.Error.Description)
	}

	var order razorpayOrderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		return GatewayOrder{}, fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	if strings.TrimSpace(order.ID) == "" {
		return GatewayOrder{}, fmt.Errorf("%w: gateway order id missing", ErrGatewayUnavailable)
	}

	created := p.clock()
	if order.CreatedAt > 0 {
		created = time.Unix(order.CreatedAt, 0).UTC()
	}

	return GatewayOrder{
		ID:          order.ID,
		AmountMinor: order.Amount,
		Currency:    order.Currency,
		Receipt:     order.Receipt,
		Status:      order.Status,
		CreatedAt:   created,
	}, nil
}

// VerifySignature implements the Provider interface using a constant-time
// comparison of the expected HMAC digest.
func (p *RazorpayProvider) VerifySignature(cb Callback) bool {
	if p == nil {
		return false
	}
	return VerifyCallbackSignature(p.secret, cb)
}

// VerifyWebhookSignature implements the Provider interface. It rejects all
// deliveries when no webhook secret is configured.
func (p *RazorpayProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	if p == nil || len(p.webhookSecret) == 0 {
		return false
	}
	return VerifyWebhookPayload(p.webhookSecret, payload, signature)
}

// VerifyCallbackSignature recomputes the gateway signature over
// orderID + "|" + paymentID and compares it with the supplied value in
// constant time. Signatures are accepted in hex encoding only.
func VerifyCallbackSignature(secret []byte, cb Callback) bool {
	orderID := strings.TrimSpace(cb.OrderID)
	paymentID := strings.TrimSpace(cb.PaymentID)
	supplied := strings.TrimSpace(cb.Signature)
	if orderID == "" || paymentID == "" || supplied == "" {
		return false
	}

	decoded, err := hex.DecodeString(supplied)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(orderID + "|" + paymentID))
	return hmac.Equal(decoded, mac.Sum(nil))
}

// VerifyWebhookPayload recomputes the webhook signature over the raw
// delivery body and compares it with the supplied value in constant time.
// Signatures are accepted in hex encoding only.
func VerifyWebhookPayload(secret, payload []byte, signature string) bool {
	supplied := strings.TrimSpace(signature)
	if len(secret) == 0 || len(payload) == 0 || supplied == "" {
		return false
	}

	decoded, err := hex.DecodeString(supplied)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return hmac.Equal(decoded, mac.Sum(nil))
}
