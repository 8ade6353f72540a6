package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/payments"
	"github.com/nearbuy/api/internal/platform/intents"
	"github.com/nearbuy/api/internal/repositories"
)

const (
	orderIDPrefix       = "ord_"
	receiptPrefix       = "rcpt_"
	amountSumTolerance  = 0.01
	defaultIntentTTL    = 30 * time.Minute
	defaultIntentGroups = 16
)

var (
	// ErrPaymentInvalidInput indicates validation failures on payment commands.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrSignatureMismatch indicates the callback signature did not verify.
	// The staged intent is left untouched so a corrected callback can retry.
	ErrSignatureMismatch = errors.New("payment: signature mismatch")
	// ErrStaleIntent indicates the intent is missing, expired, or already
	// consumed. Terminal for the caller.
	ErrStaleIntent = errors.New("payment: stale intent")
	// ErrPaymentGatewayUnavailable indicates the gateway call failed.
	ErrPaymentGatewayUnavailable = errors.New("payment: gateway unavailable")
)

// PaymentServiceDeps bundles collaborators required to construct a PaymentService.
type PaymentServiceDeps struct {
	Provider    payments.Provider
	Intents     intents.Store
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Events      OrderEventPublisher
	Currency    string
	IntentTTL   time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type paymentService struct {
	provider  payments.Provider
	intents   intents.Store
	orders    repositories.OrderRepository
	products  repositories.ProductRepository
	events    OrderEventPublisher
	currency  string
	intentTTL time.Duration
	clock     func() time.Time
	newID     func() string
	logger    Logger
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Provider == nil {
		return nil, errors.New("payment service: gateway provider is required")
	}
	if deps.Intents == nil {
		return nil, errors.New("payment service: intent store is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("payment service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return orderIDPrefix + ulid.Make().String()
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "INR"
	}
	ttl := deps.IntentTTL
	if ttl <= 0 {
		ttl = defaultIntentTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		provider:  deps.Provider,
		intents:   deps.Intents,
		orders:    deps.Orders,
		products:  deps.Products,
		events:    deps.Events,
		currency:  currency,
		intentTTL: ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateIntent mints a gateway order for the total amount and stages the
// draft groups under the gateway-assigned id. No durable order storage is
// touched until the payment verifies.
func (s *paymentService) CreateIntent(ctx context.Context, cmd CreateIntentCommand) (CreateIntentResult, error) {
	if err := validateIntentCommand(cmd); err != nil {
		return CreateIntentResult{}, err
	}
	if err := s.checkCatalog(ctx, cmd.Groups); err != nil {
		return CreateIntentResult{}, err
	}

	now := s.clock()
	amount := domain.RoundAmount(cmd.Amount)

	gatewayOrder, err := s.provider.CreateOrder(ctx, payments.OrderRequest{
		AmountMinor: domain.MinorUnits(amount),
		Currency:    s.currency,
		Receipt:     receiptPrefix + ulid.Make().String(),
		Notes:       map[string]string{"buyerRef": cmd.BuyerID},
	})
	if err != nil {
		if errors.Is(err, payments.ErrGatewayUnavailable) {
			return CreateIntentResult{}, fmt.Errorf("%w: %v", ErrPaymentGatewayUnavailable, err)
		}
		return CreateIntentResult{}, err
	}

	intent := domain.PaymentIntent{
		ID:        gatewayOrder.ID,
		BuyerRef:  cmd.BuyerID,
		Amount:    amount,
		Groups:    cloneGroups(cmd.Groups),
		CreatedAt: now,
	}
	if err := s.intents.Put(ctx, intent, now, s.intentTTL); err != nil {
		return CreateIntentResult{}, fmt.Errorf("payment: stage intent: %w", err)
	}

	s.logger(ctx, "payment.intent.created", map[string]any{
		"intent": intent.ID,
		"buyer":  cmd.BuyerID,
		"amount": amount,
		"groups": len(intent.Groups),
	})

	return CreateIntentResult{IntentID: intent.ID, GatewayOrder: gatewayOrder}, nil
}

// VerifyAndMaterialize validates the gateway callback and converts the staged
// intent into durable orders exactly once. Concurrent callbacks for the same
// intent race on the store's atomic Take; exactly one wins.
func (s *paymentService) VerifyAndMaterialize(ctx context.Context, cmd VerifyPaymentCommand) (VerifyPaymentResult, error) {
	if strings.TrimSpace(cmd.IntentID) == "" || strings.TrimSpace(cmd.PaymentID) == "" {
		return VerifyPaymentResult{}, fmt.Errorf("%w: intent id and payment id are required", ErrPaymentInvalidInput)
	}

	now := s.clock()

	// Peek first: a signature check against a dead intent should report the
	// stale intent, not a mismatch.
	if _, err := s.intents.Get(ctx, cmd.IntentID, now); err != nil {
		return VerifyPaymentResult{}, fmt.Errorf("%w: %v", ErrStaleIntent, err)
	}

	verified := s.provider.VerifySignature(payments.Callback{
		OrderID:   cmd.IntentID,
		PaymentID: cmd.PaymentID,
		Signature: cmd.Signature,
	})
	if !verified {
		s.logger(ctx, "payment.signature.mismatch", map[string]any{"intent": cmd.IntentID})
		return VerifyPaymentResult{}, ErrSignatureMismatch
	}

	intent, err := s.intents.Take(ctx, cmd.IntentID, now)
	if err != nil {
		// A concurrent verification consumed the intent between peek and take.
		return VerifyPaymentResult{}, fmt.Errorf("%w: %v", ErrStaleIntent, err)
	}

	return s.materialize(ctx, intent, cmd.PaymentID, now), nil
}

// HandleWebhookEvent settles a payment reported through the gateway's
// asynchronous webhook. The delivery is authenticated at the transport by
// the webhook signature, so no per-payment callback signature exists here;
// consuming the intent races the client redirect on the same atomic Take.
func (s *paymentService) HandleWebhookEvent(ctx context.Context, cmd WebhookEventCommand) (VerifyPaymentResult, error) {
	if strings.TrimSpace(cmd.IntentID) == "" || strings.TrimSpace(cmd.PaymentID) == "" {
		return VerifyPaymentResult{}, fmt.Errorf("%w: intent id and payment id are required", ErrPaymentInvalidInput)
	}

	now := s.clock()
	intent, err := s.intents.Take(ctx, cmd.IntentID, now)
	if err != nil {
		return VerifyPaymentResult{}, fmt.Errorf("%w: %v", ErrStaleIntent, err)
	}

	s.logger(ctx, "payment.webhook.settled", map[string]any{
		"intent":  intent.ID,
		"payment": cmd.PaymentID,
		"event":   cmd.Event,
	})
	return s.materialize(ctx, intent, cmd.PaymentID, now), nil
}

// materialize persists one order per draft group. Groups persist
// independently: a failed group is reported and republished for
// reconciliation while the rest commit. The intent stays consumed either
// way because the payment settled exactly once. A group that already has a
// durable order, left behind by an interrupted earlier attempt, is reused
// rather than inserted twice.
func (s *paymentService) materialize(ctx context.Context, intent domain.PaymentIntent, paymentID string, now time.Time) VerifyPaymentResult {
	result := VerifyPaymentResult{
		Orders: make([]domain.Order, 0, len(intent.Groups)),
	}

	for _, group := range intent.Groups {
		if existing, err := s.orders.FindByIntentGroup(ctx, intent.ID, group.VendorRef); err == nil {
			s.logger(ctx, "payment.materialize.group_reused", map[string]any{
				"intent": intent.ID,
				"vendor": group.VendorRef,
				"order":  existing.ID,
			})
			result.Orders = append(result.Orders, existing)
			continue
		} else if !repoNotFound(err) {
			s.logger(ctx, "payment.materialize.group_failed", map[string]any{
				"intent": intent.ID,
				"vendor": group.VendorRef,
				"error":  err.Error(),
			})
			s.reportGroupFailure(ctx, intent, group, paymentID, now, err)
			result.FailedGroups = append(result.FailedGroups, FailedGroup{Group: group, Err: err})
			continue
		}

		order := domain.Order{
			ID:            s.newID(),
			VendorRef:     group.VendorRef,
			BuyerRef:      intent.BuyerRef,
			Items:         cloneLines(group.Items),
			Amount:        domain.RoundAmount(group.Amount),
			PaymentStatus: domain.PaymentStatusPaid,
			Status:        domain.OrderStatusProcessing,
			IntentRef:     intent.ID,
			PaymentRef:    paymentID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		saved, err := s.orders.Insert(ctx, order)
		if err != nil {
			s.logger(ctx, "payment.materialize.group_failed", map[string]any{
				"intent": intent.ID,
				"vendor": group.VendorRef,
				"error":  err.Error(),
			})
			s.reportGroupFailure(ctx, intent, group, paymentID, now, err)
			result.FailedGroups = append(result.FailedGroups, FailedGroup{Group: group, Err: err})
			continue
		}

		s.publishEvent(ctx, OrderEventMessage{
			Type:       EventOrderCreated,
			OrderID:    saved.ID,
			IntentRef:  intent.ID,
			VendorRef:  saved.VendorRef,
			BuyerRef:   saved.BuyerRef,
			PaymentRef: paymentID,
			ToStatus:   string(saved.Status),
			Amount:     saved.Amount,
			OccurredAt: now,
		})
		result.Orders = append(result.Orders, saved)
	}

	return result
}

func (s *paymentService) reportGroupFailure(ctx context.Context, intent domain.PaymentIntent, group domain.DraftOrderGroup, paymentID string, now time.Time, cause error) {
	s.publishEvent(ctx, OrderEventMessage{
		Type:       EventOrderMaterializationFailed,
		IntentRef:  intent.ID,
		VendorRef:  group.VendorRef,
		BuyerRef:   intent.BuyerRef,
		PaymentRef: paymentID,
		Amount:     group.Amount,
		Reason:     cause.Error(),
		OccurredAt: now,
	})
}

func (s *paymentService) publishEvent(ctx context.Context, message OrderEventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "payment.event.publish_failed", map[string]any{
			"type":   message.Type,
			"intent": message.IntentRef,
			"error":  err.Error(),
		})
	}
}

// checkCatalog verifies every line against the product catalog before any
// gateway call is made: the product must exist, be purchasable, and belong
// to the vendor of its draft group.
func (s *paymentService) checkCatalog(ctx context.Context, groups []domain.DraftOrderGroup) error {
	for _, group := range groups {
		for _, line := range group.Items {
			product, err := s.products.FindByID(ctx, line.ProductRef)
			if err != nil {
				if repoNotFound(err) {
					return fmt.Errorf("%w: unknown product %s", ErrPaymentInvalidInput, line.ProductRef)
				}
				return fmt.Errorf("payment: check product %s: %w", line.ProductRef, err)
			}
			if product.Deleted || !product.Available {
				return fmt.Errorf("%w: product %s is not available", ErrPaymentInvalidInput, line.ProductRef)
			}
			if product.VendorRef != group.VendorRef {
				return fmt.Errorf("%w: product %s does not belong to vendor %s", ErrPaymentInvalidInput, line.ProductRef, group.VendorRef)
			}
		}
	}
	return nil
}

func repoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func validateIntentCommand(cmd CreateIntentCommand) error {
	if strings.TrimSpace(cmd.BuyerID) == "" {
		return fmt.Errorf("%w: buyer id is required", ErrPaymentInvalidInput)
	}
	if cmd.Amount <= 0 || math.IsNaN(cmd.Amount) || math.IsInf(cmd.Amount, 0) {
		return fmt.Errorf("%w: amount must be positive", ErrPaymentInvalidInput)
	}
	if len(cmd.Groups) == 0 {
		return fmt.Errorf("%w: at least one draft group is required", ErrPaymentInvalidInput)
	}
	if len(cmd.Groups) > defaultIntentGroups {
		return fmt.Errorf("%w: too many draft groups", ErrPaymentInvalidInput)
	}

	var sum float64
	seen := make(map[string]struct{}, len(cmd.Groups))
	for _, group := range cmd.Groups {
		if strings.TrimSpace(group.VendorRef) == "" {
			return fmt.Errorf("%w: group vendor ref is required", ErrPaymentInvalidInput)
		}
		if _, dup := seen[group.VendorRef]; dup {
			return fmt.Errorf("%w: duplicate group for vendor %s", ErrPaymentInvalidInput, group.VendorRef)
		}
		seen[group.VendorRef] = struct{}{}
		if len(group.Items) == 0 {
			return fmt.Errorf("%w: group for vendor %s has no items", ErrPaymentInvalidInput, group.VendorRef)
		}
		for _, line := range group.Items {
			if strings.TrimSpace(line.ProductRef) == "" {
				return fmt.Errorf("%w: line product ref is required", ErrPaymentInvalidInput)
			}
			if line.Quantity <= 0 {
				return fmt.Errorf("%w: line quantity must be positive", ErrPaymentInvalidInput)
			}
			if line.UnitPrice < 0 {
				return fmt.Errorf("%w: line unit price cannot be negative", ErrPaymentInvalidInput)
			}
		}
		if group.Amount <= 0 {
			return fmt.Errorf("%w: group amount must be positive", ErrPaymentInvalidInput)
		}
		sum += group.Amount
	}

	if math.Abs(domain.RoundAmount(sum)-domain.RoundAmount(cmd.Amount)) > amountSumTolerance {
		return fmt.Errorf("%w: group amounts do not sum to the intent amount", ErrPaymentInvalidInput)
	}
	return nil
}

func cloneGroups(groups []domain.DraftOrderGroup) []domain.DraftOrderGroup {
	out := make([]domain.DraftOrderGroup, len(groups))
	for i, group := range groups {
		out[i] = domain.DraftOrderGroup{
			VendorRef: group.VendorRef,
			Items:     cloneLines(group.Items),
			Amount:    domain.RoundAmount(group.Amount),
		}
	}
	return out
}

func cloneLines(lines []domain.OrderLine) []domain.OrderLine {
	out := make([]domain.OrderLine, len(lines))
	copy(out, lines)
	return out
}
