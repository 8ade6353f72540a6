package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/repositories"
)

const (
	reviewIDPrefix   = "rev_"
	maxReviewComment = 2000
)

var (
	// ErrReviewInvalidInput indicates validation failures for review operations.
	ErrReviewInvalidInput = errors.New("review: invalid input")
	// ErrReviewNotFound indicates the reviewed order could not be located.
	ErrReviewNotFound = errors.New("review: order not found")
	// ErrVendorNotFound indicates the vendor whose reviews were requested
	// does not exist.
	ErrVendorNotFound = errors.New("review: vendor not found")
	// ErrReviewUnauthorized indicates the actor is not the order's buyer.
	ErrReviewUnauthorized = errors.New("review: unauthorized")
	// ErrReviewNotEligible indicates the order has not been delivered yet.
	ErrReviewNotEligible = errors.New("review: order not eligible")
	// ErrAlreadyReviewed indicates the order already carries a review.
	ErrAlreadyReviewed = errors.New("review: order already reviewed")
)

// ReviewServiceDeps bundles collaborators required to construct a ReviewService.
type ReviewServiceDeps struct {
	Reviews     repositories.ReviewRepository
	Orders      repositories.OrderRepository
	Vendors     repositories.VendorRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Sanitizer   func(string) string
	Logger      Logger
}

type reviewService struct {
	reviews    repositories.ReviewRepository
	orders     repositories.OrderRepository
	vendors    repositories.VendorRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	sanitize   func(string) string
	logger     Logger
}

// NewReviewService wires dependencies into a concrete ReviewService implementation.
func NewReviewService(deps ReviewServiceDeps) (ReviewService, error) {
	if deps.Reviews == nil {
		return nil, errors.New("review service: review repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("review service: order repository is required")
	}
	if deps.Vendors == nil {
		return nil, errors.New("review service: vendor repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return reviewIDPrefix + ulid.Make().String()
		}
	}
	sanitize := deps.Sanitizer
	if sanitize == nil {
		policy := bluemonday.StrictPolicy()
		sanitize = func(comment string) string {
			return strings.TrimSpace(policy.Sanitize(comment))
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reviewService{
		reviews:    deps.Reviews,
		orders:     deps.Orders,
		vendors:    deps.Vendors,
		unitOfWork: deps.UnitOfWork,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		sanitize: sanitize,
		logger:   logger,
	}, nil
}

// AddReview records buyer feedback on a delivered order. Eligibility is
// checked against the durable order record, and the one-way Reviewed flag
// flips in the same transactional boundary as the review insert.
func (s *reviewService) AddReview(ctx context.Context, cmd AddReviewCommand) (domain.Review, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Review{}, fmt.Errorf("%w: order id is required", ErrReviewInvalidInput)
	}
	if strings.TrimSpace(cmd.ActorID) == "" {
		return domain.Review{}, fmt.Errorf("%w: actor id is required", ErrReviewInvalidInput)
	}
	if cmd.Rating < 1 || cmd.Rating > 5 {
		return domain.Review{}, fmt.Errorf("%w: rating must be between 1 and 5", ErrReviewInvalidInput)
	}
	comment := s.sanitize(cmd.Comment)
	if len(comment) > maxReviewComment {
		return domain.Review{}, fmt.Errorf("%w: comment exceeds %d characters", ErrReviewInvalidInput, maxReviewComment)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Review{}, s.mapRepositoryError(err)
	}

	if order.BuyerRef != cmd.ActorID {
		return domain.Review{}, fmt.Errorf("%w: only the buyer may review the order", ErrReviewUnauthorized)
	}
	if order.Status != domain.OrderStatusDelivered {
		return domain.Review{}, fmt.Errorf("%w: order status is %s", ErrReviewNotEligible, order.Status)
	}
	if order.Reviewed {
		return domain.Review{}, ErrAlreadyReviewed
	}

	now := s.clock()
	review := domain.Review{
		ID:        s.newID(),
		OrderRef:  order.ID,
		VendorRef: order.VendorRef,
		BuyerRef:  order.BuyerRef,
		Rating:    cmd.Rating,
		Comment:   comment,
		CreatedAt: now,
	}

	err = s.runInTx(ctx, func(ctx context.Context) error {
		if _, err := s.reviews.Insert(ctx, review); err != nil {
			return err
		}
		order.Reviewed = true
		order.UpdatedAt = now
		_, err := s.orders.Update(ctx, order)
		return err
	})
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			// Insert raced a concurrent review for the same order.
			return domain.Review{}, fmt.Errorf("%w: %v", ErrAlreadyReviewed, err)
		}
		return domain.Review{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "review.created", map[string]any{
		"review": review.ID,
		"order":  order.ID,
		"vendor": order.VendorRef,
		"rating": cmd.Rating,
	})
	return review, nil
}

// GetOrderReview fetches the review attached to an order, if any.
func (s *reviewService) GetOrderReview(ctx context.Context, orderID string) (domain.Review, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Review{}, fmt.Errorf("%w: order id is required", ErrReviewInvalidInput)
	}

	review, err := s.reviews.FindByOrder(ctx, orderID)
	if err != nil {
		return domain.Review{}, s.mapRepositoryError(err)
	}
	return review, nil
}

// ListVendorReviews pages reviews for a vendor, newest first. An unknown
// vendor yields ErrVendorNotFound rather than an empty page.
func (s *reviewService) ListVendorReviews(ctx context.Context, vendorID string, page domain.Page) (domain.ListPage[domain.Review], error) {
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return domain.ListPage[domain.Review]{}, fmt.Errorf("%w: vendor id is required", ErrReviewInvalidInput)
	}

	if _, err := s.vendors.FindByID(ctx, vendorID); err != nil {
		if repoNotFound(err) {
			return domain.ListPage[domain.Review]{}, fmt.Errorf("%w: %s", ErrVendorNotFound, vendorID)
		}
		return domain.ListPage[domain.Review]{}, s.mapRepositoryError(err)
	}

	result, err := s.reviews.ListByVendor(ctx, vendorID, normalizePage(page))
	if err != nil {
		return domain.ListPage[domain.Review]{}, s.mapRepositoryError(err)
	}
	return result, nil
}

func (s *reviewService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *reviewService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrReviewNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("review: repository unavailable: %w", err)
		}
	}
	return err
}
