package intents

import (
	"context"
	"errors"
	"time"

	domain "github.com/nearbuy/api/internal/domain"
)

// DefaultTTL is the default duration a staged intent is retained before
// eviction frees its memory. Eviction has no side effects on orders.
const DefaultTTL = 30 * time.Minute

var (
	// ErrNotFound is returned when no live intent exists under the key.
	// Expired and evicted intents are indistinguishable from never-staged ones.
	ErrNotFound = errors.New("intents: intent not found")
	// ErrConsumed is returned when the intent was already taken by an
	// earlier verification. Consumption is terminal.
	ErrConsumed = errors.New("intents: intent already consumed")
)

// Store stages payment intents between gateway order creation and payment
// verification. It is the system's single piece of shared mutable state:
// Take must implement an atomic check-not-consumed-then-mark-consumed so
// that concurrent verifications of the same intent produce exactly one
// winner. Implementations must guard eviction with the same discipline so
// cleanup cannot race an in-flight Take.
type Store interface {
	// Put stages the intent under intent.ID for at most ttl.
	Put(ctx context.Context, intent domain.PaymentIntent, now time.Time, ttl time.Duration) error
	// Get peeks at a live intent without consuming it. Missing, expired,
	// or consumed intents return ErrNotFound / ErrConsumed.
	Get(ctx context.Context, id string, now time.Time) (domain.PaymentIntent, error)
	// Take atomically consumes the intent, returning it to exactly one
	// caller. Later callers receive ErrConsumed; unknown or expired ids
	// return ErrNotFound.
	Take(ctx context.Context, id string, now time.Time) (domain.PaymentIntent, error)
	// CleanupExpired removes up to limit expired entries and reports how
	// many were evicted.
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}
