package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/platform/auth"
	"github.com/nearbuy/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput indicates validation failures for order operations.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderUnauthorized indicates the actor may not act on the order.
	ErrOrderUnauthorized = errors.New("order: unauthorized")
	// ErrIllegalTransition indicates a state change outside the lifecycle machine.
	ErrIllegalTransition = errors.New("order: illegal status transition")
	// ErrOrderConflict signals concurrent conflicting updates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store could not be reached.
	ErrOrderUnavailable = errors.New("order: repository unavailable")
)

// orderStateTransitions enumerates the only permitted forward edges.
// Cancelled and Delivered are terminal; Cancelled is reachable while the
// vendor has not delivered.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusNotProcessing: {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

// OrderServiceDeps bundles collaborators required to construct an OrderService.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type orderService struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	clock  func() time.Time
	newID  func() string
	logger Logger
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
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
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders: deps.Orders,
		events: deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// PlaceOrder creates an order directly, outside the payment flow. The order
// starts unpaid and untouched by the vendor.
func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error) {
	if strings.TrimSpace(cmd.BuyerID) == "" {
		return domain.Order{}, fmt.Errorf("%w: buyer id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.VendorID) == "" {
		return domain.Order{}, fmt.Errorf("%w: vendor id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: at least one line item is required", ErrOrderInvalidInput)
	}
	if cmd.ActorRole != auth.RoleAdmin && cmd.ActorID != cmd.BuyerID {
		return domain.Order{}, fmt.Errorf("%w: only the buyer may place the order", ErrOrderUnauthorized)
	}

	var amount float64
	for _, line := range cmd.Items {
		if strings.TrimSpace(line.ProductRef) == "" {
			return domain.Order{}, fmt.Errorf("%w: line product ref is required", ErrOrderInvalidInput)
		}
		if line.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: line quantity must be positive", ErrOrderInvalidInput)
		}
		if line.UnitPrice < 0 {
			return domain.Order{}, fmt.Errorf("%w: line unit price cannot be negative", ErrOrderInvalidInput)
		}
		amount += float64(line.Quantity) * line.UnitPrice
	}

	now := s.clock()
	order := domain.Order{
		ID:            s.newID(),
		VendorRef:     cmd.VendorID,
		BuyerRef:      cmd.BuyerID,
		Items:         cloneLines(cmd.Items),
		Amount:        domain.RoundAmount(amount),
		PaymentStatus: domain.PaymentStatusPending,
		Status:        domain.OrderStatusNotProcessing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	saved, err := s.orders.Insert(ctx, order)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEventMessage{
		Type:       EventOrderCreated,
		OrderID:    saved.ID,
		VendorRef:  saved.VendorRef,
		BuyerRef:   saved.BuyerRef,
		ToStatus:   string(saved.Status),
		Amount:     saved.Amount,
		OccurredAt: now,
	})
	return saved, nil
}

// TransitionStatus advances the order through the lifecycle machine, enforcing
// the actor's relationship to the order.
func (s *orderService) TransitionStatus(ctx context.Context, cmd TransitionStatusCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !isKnownStatus(cmd.Target) {
		return domain.Order{}, fmt.Errorf("%w: unknown target status %q", ErrOrderInvalidInput, cmd.Target)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	if err := authorizeTransition(order, cmd); err != nil {
		return domain.Order{}, err
	}
	if !canTransition(order.Status, cmd.Target) {
		return domain.Order{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, order.Status, cmd.Target)
	}

	now := s.clock()
	previous := order.Status
	order.Status = cmd.Target
	order.UpdatedAt = now

	switch cmd.Target {
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		actor := cancelActorForRole(cmd.ActorRole)
		order.CancelledBy = &actor
		order.CancelledAt = &now
	}

	saved, err := s.orders.Update(ctx, order)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEventMessage{
		Type:       EventOrderStatusChanged,
		OrderID:    saved.ID,
		VendorRef:  saved.VendorRef,
		BuyerRef:   saved.BuyerRef,
		FromStatus: string(previous),
		ToStatus:   string(saved.Status),
		OccurredAt: now,
	})
	return saved, nil
}

// SoftDelete hides the order from default listings. The flag moves one way;
// repeating the call is a no-op.
func (s *orderService) SoftDelete(ctx context.Context, cmd SoftDeleteCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	if cmd.ActorRole != auth.RoleAdmin && order.VendorRef != cmd.ActorID {
		return domain.Order{}, fmt.Errorf("%w: only the owning vendor may delete the order", ErrOrderUnauthorized)
	}
	if order.Deleted {
		return order, nil
	}

	order.Deleted = true
	order.UpdatedAt = s.clock()

	saved, err := s.orders.Update(ctx, order)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return saved, nil
}

// GetOrder returns the order to its buyer or vendor, including soft-deleted ones.
func (s *orderService) GetOrder(ctx context.Context, orderID string, actor OrderActor) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	if actor.Role != auth.RoleAdmin && order.BuyerRef != actor.ID && order.VendorRef != actor.ID {
		return domain.Order{}, fmt.Errorf("%w: order belongs to another party", ErrOrderUnauthorized)
	}
	return order, nil
}

// ListOrders pages orders for one party, excluding soft-deleted by default.
func (s *orderService) ListOrders(ctx context.Context, query OrderListQuery) (domain.ListPage[domain.Order], error) {
	filter := repositories.OrderListFilter{
		Status:         query.Status,
		IncludeDeleted: query.IncludeDeleted,
		Page:           normalizePage(query.Page),
	}

	switch {
	case strings.TrimSpace(query.BuyerID) != "":
		page, err := s.orders.ListByBuyer(ctx, query.BuyerID, filter)
		if err != nil {
			return domain.ListPage[domain.Order]{}, s.mapRepositoryError(err)
		}
		return page, nil
	case strings.TrimSpace(query.VendorID) != "":
		page, err := s.orders.ListByVendor(ctx, query.VendorID, filter)
		if err != nil {
			return domain.ListPage[domain.Order]{}, s.mapRepositoryError(err)
		}
		return page, nil
	default:
		return domain.ListPage[domain.Order]{}, fmt.Errorf("%w: buyer or vendor id is required", ErrOrderInvalidInput)
	}
}

func authorizeTransition(order domain.Order, cmd TransitionStatusCommand) error {
	if cmd.ActorRole == auth.RoleAdmin {
		return nil
	}

	switch cmd.Target {
	case domain.OrderStatusProcessing, domain.OrderStatusDelivered:
		if cmd.ActorRole != auth.RoleVendor || order.VendorRef != cmd.ActorID {
			return fmt.Errorf("%w: only the owning vendor may advance the order", ErrOrderUnauthorized)
		}
	case domain.OrderStatusCancelled:
		switch cmd.ActorRole {
		case auth.RoleBuyer:
			if order.BuyerRef != cmd.ActorID {
				return fmt.Errorf("%w: buyers may only cancel their own orders", ErrOrderUnauthorized)
			}
		case auth.RoleVendor:
			if order.VendorRef != cmd.ActorID {
				return fmt.Errorf("%w: vendors may only cancel their own orders", ErrOrderUnauthorized)
			}
		default:
			return fmt.Errorf("%w: role %q may not cancel orders", ErrOrderUnauthorized, cmd.ActorRole)
		}
	default:
		return fmt.Errorf("%w: target %q is not reachable by request", ErrOrderInvalidInput, cmd.Target)
	}
	return nil
}

func cancelActorForRole(role string) domain.CancelActor {
	switch role {
	case auth.RoleBuyer:
		return domain.CancelActorBuyer
	case auth.RoleVendor:
		return domain.CancelActorVendor
	default:
		return domain.CancelActorSystem
	}
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func isKnownStatus(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusNotProcessing, domain.OrderStatusProcessing,
		domain.OrderStatusDelivered, domain.OrderStatusCancelled:
		return true
	}
	return false
}

func (s *orderService) publishEvent(ctx context.Context, message OrderEventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "order.event.publish_failed", map[string]any{
			"type":  message.Type,
			"order": message.OrderID,
			"error": err.Error(),
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}
