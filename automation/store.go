package automation

import (
	"context"
	"time"

	"clinicmail/models"
)

// Triple identifies one delivery: a sequence email sent to a subscriber
type Triple struct {
	SequenceID   uint
	EmailID      uint
	SubscriberID uint
}

// Store is everything the engine reads from and writes to the record store.
type Store interface {
	// ListActiveSequences returns active sequences with their emails ordered by position
	ListActiveSequences(ctx context.Context) ([]models.Sequence, error)
	// ListActiveSubscribers returns every subscriber whose status is active
	ListActiveSubscribers(ctx context.Context) ([]models.Subscriber, error)

	// FindDeliveryLog returns nil, nil when no row exists for the triple
	FindDeliveryLog(ctx context.Context, t Triple) (*models.DeliveryLog, error)
	// InsertDeliveryLog inserts the row unless the triple already exists.
	// It reports whether the row was inserted.
	InsertDeliveryLog(ctx context.Context, log *models.DeliveryLog) (bool, error)
	// ReclaimFailedDelivery flips a failed row back to sending.
	// It reports whether this caller won the row.
	ReclaimFailedDelivery(ctx context.Context, id string, attempts int) (bool, error)
	MarkDeliverySent(ctx context.Context, id string, messageID string, sentAt time.Time) error
	// MarkDeliveryFailed stores the failure reason in metadata
	MarkDeliveryFailed(ctx context.Context, id string, failure models.DeliveryFailure) error

	// LatestContactSubmission returns nil, nil when the address never submitted the form
	LatestContactSubmission(ctx context.Context, email string) (*models.ContactSubmission, error)
	// LatestPurchase returns nil, nil when the address never bought a course
	LatestPurchase(ctx context.Context, email string) (*models.Purchase, error)

	RecordError(ctx context.Context, e *models.AutomationError) error
}
