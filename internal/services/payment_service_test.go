package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/payments"
	"github.com/nearbuy/api/internal/platform/intents"
)

type stubProvider struct {
	createOrderFn     func(ctx context.Context, req payments.OrderRequest) (payments.GatewayOrder, error)
	verifySignatureFn func(cb payments.Callback) bool
	verifyWebhookFn   func(payload []byte, signature string) bool
}

func (s *stubProvider) CreateOrder(ctx context.Context, req payments.OrderRequest) (payments.GatewayOrder, error) {
	if s.createOrderFn == nil {
		return payments.GatewayOrder{}, errors.New("unexpected CreateOrder call")
	}
	return s.createOrderFn(ctx, req)
}

func (s *stubProvider) VerifySignature(cb payments.Callback) bool {
	if s.verifySignatureFn == nil {
		return false
	}
	return s.verifySignatureFn(cb)
}

func (s *stubProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	if s.verifyWebhookFn == nil {
		return false
	}
	return s.verifyWebhookFn(payload, signature)
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []OrderEventMessage
}

func (p *recordingPublisher) PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	return "msg-1", nil
}

func (p *recordingPublisher) byType(eventType string) []OrderEventMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OrderEventMessage
	for _, m := range p.messages {
		if m.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func singleGroupCommand() CreateIntentCommand {
	return CreateIntentCommand{
		BuyerID: "buyer-1",
		Amount:  410.00,
		Groups: []domain.DraftOrderGroup{
			{
				VendorRef: "vendor-1",
				Amount:    410.00,
				Items: []domain.OrderLine{
					{ProductRef: "prod-1", Quantity: 2, UnitPrice: 205.00},
				},
			},
		},
	}
}

func catalogStub(products map[string]domain.Product) *stubProductRepo {
	return &stubProductRepo{
		findByIDFn: func(ctx context.Context, productID string) (domain.Product, error) {
			product, ok := products[productID]
			if !ok {
				return domain.Product{}, &stubRepoError{notFound: true}
			}
			return product, nil
		},
	}
}

func defaultCatalog() *stubProductRepo {
	return catalogStub(map[string]domain.Product{
		"prod-1": {ID: "prod-1", VendorRef: "vendor-1", Available: true},
		"prod-2": {ID: "prod-2", VendorRef: "vendor-2", Available: true},
	})
}

func newTestPaymentService(t *testing.T, deps PaymentServiceDeps) PaymentService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = fixedClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	}
	if deps.Products == nil {
		deps.Products = defaultCatalog()
	}
	svc, err := NewPaymentService(deps)
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	return svc
}

func TestCreateIntentForwardsMinorUnitsAndStagesGroups(t *testing.T) {
	store := intents.NewMemoryStore()
	var gotRequest payments.OrderRequest
	provider := &stubProvider{
		createOrderFn: func(ctx context.Context, req payments.OrderRequest) (payments.GatewayOrder, error) {
			gotRequest = req
			return payments.GatewayOrder{ID: "order_G1", AmountMinor: req.AmountMinor, Currency: req.Currency}, nil
		},
	}
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: provider,
		Intents:  store,
		Orders:   &stubOrderRepo{},
		Currency: "inr",
	})

	result, err := svc.CreateIntent(context.Background(), singleGroupCommand())
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}

	if gotRequest.AmountMinor != 41000 {
		t.Errorf("expected 410.00 forwarded as 41000 minor units, got %d", gotRequest.AmountMinor)
	}
	if gotRequest.Currency != "INR" {
		t.Errorf("expected currency uppercased, got %q", gotRequest.Currency)
	}
	if result.IntentID != "order_G1" {
		t.Errorf("expected intent keyed by gateway order id, got %q", result.IntentID)
	}

	staged, err := store.Get(context.Background(), "order_G1", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("staged intent missing: %v", err)
	}
	if staged.BuyerRef != "buyer-1" || len(staged.Groups) != 1 {
		t.Errorf("unexpected staged intent: %+v", staged)
	}
}

func TestCreateIntentValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(cmd *CreateIntentCommand)
	}{
		{"missing buyer", func(cmd *CreateIntentCommand) { cmd.BuyerID = " " }},
		{"non-positive amount", func(cmd *CreateIntentCommand) { cmd.Amount = 0 }},
		{"no groups", func(cmd *CreateIntentCommand) { cmd.Groups = nil }},
		{"duplicate vendor group", func(cmd *CreateIntentCommand) {
			cmd.Groups = append(cmd.Groups, cmd.Groups[0])
			cmd.Amount = 820.00
		}},
		{"group without items", func(cmd *CreateIntentCommand) { cmd.Groups[0].Items = nil }},
		{"zero quantity line", func(cmd *CreateIntentCommand) { cmd.Groups[0].Items[0].Quantity = 0 }},
		{"group sum mismatch", func(cmd *CreateIntentCommand) { cmd.Groups[0].Amount = 400.00 }},
	}

	provider := &stubProvider{
		createOrderFn: func(ctx context.Context, req payments.OrderRequest) (payments.GatewayOrder, error) {
			t.Error("gateway must not be called for invalid input")
			return payments.GatewayOrder{}, nil
		},
	}
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: provider,
		Intents:  intents.NewMemoryStore(),
		Orders:   &stubOrderRepo{},
	})

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := singleGroupCommand()
			tc.mutate(&cmd)
			_, err := svc.CreateIntent(context.Background(), cmd)
			if !errors.Is(err, ErrPaymentInvalidInput) {
				t.Fatalf("expected ErrPaymentInvalidInput, got %v", err)
			}
		})
	}
}

func TestCreateIntentGatewayUnavailable(t *testing.T) {
	provider := &stubProvider{
		createOrderFn: func(ctx context.Context, req payments.OrderRequest) (payments.GatewayOrder, error) {
			return payments.GatewayOrder{}, payments.ErrGatewayUnavailable
		},
	}
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: provider,
		Intents:  intents.NewMemoryStore(),
		Orders:   &stubOrderRepo{},
	})

	_, err := svc.CreateIntent(context.Background(), singleGroupCommand())
	if !errors.Is(err, ErrPaymentGatewayUnavailable) {
		t.Fatalf("expected ErrPaymentGatewayUnavailable, got %v", err)
	}
}

func TestCreateIntentRejectsInvalidCatalogLines(t *testing.T) {
	catalog := catalogStub(map[string]domain.Product{
		"prod-1":    {ID: "prod-1", VendorRef: "vendor-1", Available: true},
		"prod-gone": {ID: "prod-gone", VendorRef: "vendor-1", Available: true, Deleted: true},
		"prod-out":  {ID: "prod-out", VendorRef: "vendor-1", Available: false},
		"prod-else": {ID: "prod-else", VendorRef: "vendor-9", Available: true},
	})

	cases := []struct {
		name      string
		productID string
	}{
		{"unknown product", "prod-missing"},
		{"soft-deleted product", "prod-gone"},
		{"unavailable product", "prod-out"},
		{"product of another vendor", "prod-else"},
	}

	provider := &stubProvider{
		createOrderFn: func(ctx context.Context, req payments.OrderRequest) (payments.GatewayOrder, error) {
			t.Error("gateway must not be called when catalog checks fail")
			return payments.GatewayOrder{}, nil
		},
	}
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: provider,
		Intents:  intents.NewMemoryStore(),
		Orders:   &stubOrderRepo{},
		Products: catalog,
	})

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := singleGroupCommand()
			cmd.Groups[0].Items[0].ProductRef = tc.productID
			_, err := svc.CreateIntent(context.Background(), cmd)
			if !errors.Is(err, ErrPaymentInvalidInput) {
				t.Fatalf("expected ErrPaymentInvalidInput, got %v", err)
			}
		})
	}
}

func stageIntent(t *testing.T, store intents.Store, intent domain.PaymentIntent, now time.Time) {
	t.Helper()
	if err := store.Put(context.Background(), intent, now, time.Hour); err != nil {
		t.Fatalf("stage intent: %v", err)
	}
}

func twoGroupIntent(id string) domain.PaymentIntent {
	return domain.PaymentIntent{
		ID:       id,
		BuyerRef: "buyer-1",
		Amount:   600.00,
		Groups: []domain.DraftOrderGroup{
			{
				VendorRef: "vendor-1",
				Amount:    250.00,
				Items:     []domain.OrderLine{{ProductRef: "prod-1", Quantity: 1, UnitPrice: 250.00}},
			},
			{
				VendorRef: "vendor-2",
				Amount:    350.00,
				Items:     []domain.OrderLine{{ProductRef: "prod-2", Quantity: 1, UnitPrice: 350.00}},
			},
		},
	}
}

func TestVerifyAndMaterializeCreatesOneOrderPerGroup(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := intents.NewMemoryStore()
	stageIntent(t, store, twoGroupIntent("order_G1"), now)

	var mu sync.Mutex
	var inserted []domain.Order
	orders := &stubOrderRepo{
		insertFn: func(ctx context.Context, order domain.Order) (domain.Order, error) {
			mu.Lock()
			defer mu.Unlock()
			inserted = append(inserted, order)
			return order, nil
		},
	}
	publisher := &recordingPublisher{}
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: &stubProvider{verifySignatureFn: func(cb payments.Callback) bool { return true }},
		Intents:  store,
		Orders:   orders,
		Events:   publisher,
		Clock:    fixedClock(now),
	})

	result, err := svc.VerifyAndMaterialize(context.Background(), VerifyPaymentCommand{
		IntentID:  "order_G1",
		PaymentID: "pay_1",
		Signature: "sig",
	})
	if err != nil {
		t.Fatalf("VerifyAndMaterialize: %v", err)
	}

	if len(result.Orders) != 2 || len(result.FailedGroups) != 0 {
		t.Fatalf("expected 2 orders and no failures, got %d/%d", len(result.Orders), len(result.FailedGroups))
	}
	for _, order := range inserted {
		if order.Status != domain.OrderStatusProcessing {
			t.Errorf("materialized order must start processing, got %s", order.Status)
		}
		if order.PaymentStatus != domain.PaymentStatusPaid {
			t.Errorf("materialized order must be paid, got %s", order.PaymentStatus)
		}
		if order.IntentRef != "order_G1" || order.PaymentRef != "pay_1" {
			t.Errorf("order missing payment linkage: %+v", order)
		}
	}
	if created := publisher.byType(EventOrderCreated); len(created) != 2 {
		t.Errorf("expected 2 order.created events, got %d", len(created))
	}
}

func TestVerifyAndMaterializeSignatureMismatchLeavesIntentConsumable(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := intents.NewMemoryStore()
	stageIntent(t, store, twoGroupIntent("order_G1"), now)

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: &stubProvider{verifySignatureFn: func(cb payments.Callback) bool { return false }},
		Intents:  store,
		Orders: &stubOrderRepo{
			insertFn: func(ctx context.Context, order domain.Order) (domain.Order, error) {
				t.Error("no order may be written on signature mismatch")
				return order, nil
			},
		},
		Clock: fixedClock(now),
	})

	_, err := svc.VerifyAndMaterialize(context.Background(), VerifyPaymentCommand{
		IntentID:  "order_G1",
		PaymentID: "pay_1",
		Signature: "bad",
	})
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}

	// The intent must survive the rejected callback so a corrected one can win.
	if _, err := store.Take(context.Background(), "order_G1", now); err != nil {
		t.Fatalf("intent should still be consumable: %v", err)
	}
}

func TestVerifyAndMaterializeStaleIntent(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: &stubProvider{verifySignatureFn: func(cb payments.Callback) bool { return true }},
		Intents:  intents.NewMemoryStore(),
		Orders:   &stubOrderRepo{},
		Clock:    fixedClock(now),
	})

	_, err := svc.VerifyAndMaterialize(context.Background(), VerifyPaymentCommand{
		IntentID:  "order_missing",
		PaymentID: "pay_1",
		Signature: "sig",
	})
	if !errors.Is(err, ErrStaleIntent) {
		t.Fatalf("expected ErrStaleIntent, got %v", err)
	}
}

func TestVerifyAndMaterializeConcurrentCallbacksSingleWinner(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := intents.NewMemoryStore()
	stageIntent(t, store, twoGroupIntent("order_G1"), now)

	var mu sync.Mutex
	inserts := 0
	orders := &stubOrderRepo{
		insertFn: func(ctx context.Context, order domain.Order) (domain.Order, error) {
			mu.Lock()
			defer mu.Unlock()
			inserts++
			return order, nil
		},
	}
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: &stubProvider{verifySignatureFn: func(cb payments.Callback) bool { return true }},
		Intents:  store,
		Orders:   orders,
		Clock:    fixedClock(now),
	})

	const callers = 8
	results := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			_, err := svc.VerifyAndMaterialize(context.Background(), VerifyPaymentCommand{
				IntentID:  "order_G1",
				PaymentID: "pay_1",
				Signature: "sig",
			})
			results <- err
		}()
	}
	start.Done()

	winners := 0
	for i := 0; i < callers; i++ {
		err := <-results
		if err == nil {
			winners++
			continue
		}
		if !errors.Is(err, ErrStaleIntent) {
			t.Errorf("losing caller must see ErrStaleIntent, got %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one winning callback, got %d", winners)
	}
	if inserts != 2 {
		t.Errorf("expected 2 inserts total across all callbacks, got %d", inserts)
	}
}

func TestVerifyAndMaterializeReportsFailedGroups(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := intents.NewMemoryStore()
	stageIntent(t, store, twoGroupIntent("order_G1"), now)

	writeFailed := errors.New("write failed")
	orders := &stubOrderRepo{
		insertFn: func(ctx context.Context, order domain.Order) (domain.Order, error) {
			if order.VendorRef == "vendor-2" {
				return domain.Order{}, writeFailed
			}
			return order, nil
		},
	}
	publisher := &recordingPublisher{}
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: &stubProvider{verifySignatureFn: func(cb payments.Callback) bool { return true }},
		Intents:  store,
		Orders:   orders,
		Events:   publisher,
		Clock:    fixedClock(now),
	})

	result, err := svc.VerifyAndMaterialize(context.Background(), VerifyPaymentCommand{
		IntentID:  "order_G1",
		PaymentID: "pay_1",
		Signature: "sig",
	})
	if err != nil {
		t.Fatalf("VerifyAndMaterialize: %v", err)
	}

	if len(result.Orders) != 1 {
		t.Errorf("expected the healthy group to commit, got %d orders", len(result.Orders))
	}
	if len(result.FailedGroups) != 1 || result.FailedGroups[0].Group.VendorRef != "vendor-2" {
		t.Fatalf("expected vendor-2 group reported failed, got %+v", result.FailedGroups)
	}
	if !errors.Is(result.FailedGroups[0].Err, writeFailed) {
		t.Errorf("failed group must carry the causing error, got %v", result.FailedGroups[0].Err)
	}

	failures := publisher.byType(EventOrderMaterializationFailed)
	if len(failures) != 1 || failures[0].VendorRef != "vendor-2" {
		t.Fatalf("expected one materialization-failed event for vendor-2, got %+v", failures)
	}

	// The payment settled, so the intent stays consumed despite the failure.
	if _, err := store.Take(context.Background(), "order_G1", now); !errors.Is(err, intents.ErrConsumed) {
		t.Errorf("intent must stay consumed after partial failure, got %v", err)
	}
}

func TestVerifyAndMaterializeReusesExistingGroupOrder(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := intents.NewMemoryStore()
	stageIntent(t, store, twoGroupIntent("order_G1"), now)

	// vendor-1 already has a durable order from an interrupted earlier
	// attempt; only vendor-2 should be inserted.
	existing := domain.Order{
		ID:        "ord_prior",
		VendorRef: "vendor-1",
		BuyerRef:  "buyer-1",
		IntentRef: "order_G1",
		Status:    domain.OrderStatusProcessing,
	}
	var inserted []string
	orders := &stubOrderRepo{
		findByIntentGroupFn: func(ctx context.Context, intentRef, vendorRef string) (domain.Order, error) {
			if intentRef == "order_G1" && vendorRef == "vendor-1" {
				return existing, nil
			}
			return domain.Order{}, &stubRepoError{notFound: true}
		},
		insertFn: func(ctx context.Context, order domain.Order) (domain.Order, error) {
			inserted = append(inserted, order.VendorRef)
			return order, nil
		},
	}
	publisher := &recordingPublisher{}
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: &stubProvider{verifySignatureFn: func(cb payments.Callback) bool { return true }},
		Intents:  store,
		Orders:   orders,
		Events:   publisher,
		Clock:    fixedClock(now),
	})

	result, err := svc.VerifyAndMaterialize(context.Background(), VerifyPaymentCommand{
		IntentID:  "order_G1",
		PaymentID: "pay_1",
		Signature: "sig",
	})
	if err != nil {
		t.Fatalf("VerifyAndMaterialize: %v", err)
	}

	if len(result.Orders) != 2 || len(result.FailedGroups) != 0 {
		t.Fatalf("expected both groups settled, got %d/%d", len(result.Orders), len(result.FailedGroups))
	}
	if len(inserted) != 1 || inserted[0] != "vendor-2" {
		t.Fatalf("expected a single insert for vendor-2, got %v", inserted)
	}
	found := false
	for _, order := range result.Orders {
		if order.ID == "ord_prior" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the pre-existing order to be reused, got %+v", result.Orders)
	}
	if created := publisher.byType(EventOrderCreated); len(created) != 1 || created[0].VendorRef != "vendor-2" {
		t.Errorf("reused group must not emit a second created event, got %+v", created)
	}
}

func TestHandleWebhookEventSettlesIntentExactlyOnce(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := intents.NewMemoryStore()
	stageIntent(t, store, twoGroupIntent("order_G1"), now)

	var inserts int
	orders := &stubOrderRepo{
		insertFn: func(ctx context.Context, order domain.Order) (domain.Order, error) {
			inserts++
			return order, nil
		},
	}
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: &stubProvider{},
		Intents:  store,
		Orders:   orders,
		Clock:    fixedClock(now),
	})

	result, err := svc.HandleWebhookEvent(context.Background(), WebhookEventCommand{
		Event:     "payment.captured",
		IntentID:  "order_G1",
		PaymentID: "pay_1",
	})
	if err != nil {
		t.Fatalf("HandleWebhookEvent: %v", err)
	}
	if len(result.Orders) != 2 || inserts != 2 {
		t.Fatalf("expected both groups materialized, got %d orders / %d inserts", len(result.Orders), inserts)
	}
	for _, order := range result.Orders {
		if order.PaymentRef != "pay_1" || order.PaymentStatus != domain.PaymentStatusPaid {
			t.Errorf("webhook-settled order missing payment linkage: %+v", order)
		}
	}

	// A redelivery of the same event finds the intent consumed.
	if _, err := svc.HandleWebhookEvent(context.Background(), WebhookEventCommand{
		Event:     "payment.captured",
		IntentID:  "order_G1",
		PaymentID: "pay_1",
	}); !errors.Is(err, ErrStaleIntent) {
		t.Errorf("expected ErrStaleIntent on redelivery, got %v", err)
	}
	if inserts != 2 {
		t.Errorf("redelivery must not insert again, got %d inserts", inserts)
	}
}

func TestHandleWebhookEventValidation(t *testing.T) {
	svc := newTestPaymentService(t, PaymentServiceDeps{
		Provider: &stubProvider{},
		Intents:  intents.NewMemoryStore(),
		Orders:   &stubOrderRepo{},
	})

	_, err := svc.HandleWebhookEvent(context.Background(), WebhookEventCommand{Event: "payment.captured"})
	if !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput, got %v", err)
	}
}
