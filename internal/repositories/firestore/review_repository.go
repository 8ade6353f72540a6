package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	domain "github.com/nearbuy/api/internal/domain"
	pfirestore "github.com/nearbuy/api/internal/platform/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const reviewCollection = "reviews"

// ReviewRepository persists buyer feedback in Firestore. Documents are keyed
// by the reviewed order so a second insert for the same order conflicts.
type ReviewRepository struct {
	base *pfirestore.BaseRepository[reviewDocument]
}

// NewReviewRepository constructs a Firestore-backed review repository.
func NewReviewRepository(provider *pfirestore.Provider) (*ReviewRepository, error) {
	if provider == nil {
		return nil, errors.New("review repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[reviewDocument](provider, reviewCollection)
	return &ReviewRepository{base: base}, nil
}

// Insert stores the review, conflicting when the order already has one.
func (r *ReviewRepository) Insert(ctx context.Context, review domain.Review) (domain.Review, error) {
	if r == nil || r.base == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	if strings.TrimSpace(review.OrderRef) == "" {
		return domain.Review{}, errors.New("review order ref is required")
	}

	if _, err := r.base.Create(ctx, review.OrderRef, fromDomainReview(review)); err != nil {
		return domain.Review{}, err
	}
	return review, nil
}

// FindByOrder loads the review written for the given order, if any.
func (r *ReviewRepository) FindByOrder(ctx context.Context, orderRef string) (domain.Review, error) {
	if r == nil || r.base == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	if strings.TrimSpace(orderRef) == "" {
		return domain.Review{}, errors.New("order ref is required")
	}

	doc, err := r.base.Get(ctx, orderRef)
	if err != nil {
		return domain.Review{}, err
	}
	return toDomainReview(doc.Data), nil
}

// ListByVendor returns reviews left for the given vendor, newest first.
func (r *ReviewRepository) ListByVendor(ctx context.Context, vendorRef string, page domain.Page) (domain.ListPage[domain.Review], error) {
	if r == nil || r.base == nil {
		return domain.ListPage[domain.Review]{}, errors.New("review repository not initialised")
	}
	if strings.TrimSpace(vendorRef) == "" {
		return domain.ListPage[domain.Review]{}, pfirestore.WrapError("reviews.query", status.Error(codes.InvalidArgument, "vendor ref is required"))
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("vendorRef", "==", vendorRef).OrderBy("createdAt", firestore.Desc)
		return applyPage(q, page)
	})
	if err != nil {
		return domain.ListPage[domain.Review]{}, err
	}

	reviews := make([]domain.Review, 0, len(docs))
	for _, doc := range docs {
		reviews = append(reviews, toDomainReview(doc.Data))
	}
	return domain.ListPage[domain.Review]{
		Items:  reviews,
		Limit:  page.Limit,
		Offset: page.Offset,
	}, nil
}

type reviewDocument struct {
	ReviewID  string    `firestore:"reviewId"`
	OrderRef  string    `firestore:"orderRef"`
	VendorRef string    `firestore:"vendorRef"`
	BuyerRef  string    `firestore:"buyerRef"`
	Rating    int       `firestore:"rating"`
	Comment   string    `firestore:"comment"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func fromDomainReview(review domain.Review) reviewDocument {
	return reviewDocument{
		ReviewID:  review.ID,
		OrderRef:  review.OrderRef,
		VendorRef: review.VendorRef,
		BuyerRef:  review.BuyerRef,
		Rating:    review.Rating,
		Comment:   review.Comment,
		CreatedAt: review.CreatedAt,
	}
}

func toDomainReview(doc reviewDocument) domain.Review {
	return domain.Review{
		ID:        doc.ReviewID,
		OrderRef:  doc.OrderRef,
		VendorRef: doc.VendorRef,
		BuyerRef:  doc.BuyerRef,
		Rating:    doc.Rating,
		Comment:   doc.Comment,
		CreatedAt: doc.CreatedAt,
	}
}
