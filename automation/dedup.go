package automation

import (
	"context"
	"errors"
	"fmt"

	"clinicmail/models"

	"github.com/google/uuid"
)

// ErrAlreadyClaimed means another attempt owns the triple
var ErrAlreadyClaimed = errors.New("delivery already claimed")

// RetryPolicy decides whether a failed delivery may be attempted again.
// The zero value never retries: any existing row counts as sent. Rows whose
// send timed out or was cancelled are never retried.
type RetryPolicy struct {
	RetryFailed bool
	MaxAttempts int
}

func (p RetryPolicy) allowsRetry(log *models.DeliveryLog) bool {
	if !p.RetryFailed || log.Status != models.DeliveryFailed {
		return false
	}
	// an abandoned send may still have been accepted by the relay
	if log.OutcomeUnknown() {
		return false
	}
	return attemptsOf(log) < p.MaxAttempts
}

// DedupGuard keeps at most one delivery row per triple
type DedupGuard struct {
	store  Store
	policy RetryPolicy
}

func NewDedupGuard(store Store, policy RetryPolicy) *DedupGuard {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &DedupGuard{store: store, policy: policy}
}

// HasBeenSent is the cheap read-side check done before any other work
func (g *DedupGuard) HasBeenSent(ctx context.Context, t Triple) (bool, error) {
	log, err := g.store.FindDeliveryLog(ctx, t)
	if err != nil {
		return false, fmt.Errorf("find delivery log: %w", err)
	}
	if log == nil {
		return false, nil
	}
	return !g.policy.allowsRetry(log), nil
}

// Claim writes the "sending" placeholder before the transport is called.
// The insert is atomic on the unique triple, so two overlapping runs cannot
// both win; the loser gets ErrAlreadyClaimed.
func (g *DedupGuard) Claim(ctx context.Context, t Triple) (*models.DeliveryLog, error) {
	log := &models.DeliveryLog{
		ID:           uuid.New().String(),
		SequenceID:   t.SequenceID,
		EmailID:      t.EmailID,
		SubscriberID: t.SubscriberID,
		Status:       models.DeliverySending,
		Metadata:     map[string]interface{}{models.DeliveryMetaAttempts: 1},
	}
	inserted, err := g.store.InsertDeliveryLog(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("insert delivery log: %w", err)
	}
	if inserted {
		return log, nil
	}

	if !g.policy.RetryFailed {
		return nil, ErrAlreadyClaimed
	}
	existing, err := g.store.FindDeliveryLog(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("find delivery log: %w", err)
	}
	if existing == nil || !g.policy.allowsRetry(existing) {
		return nil, ErrAlreadyClaimed
	}

	attempts := attemptsOf(existing) + 1
	won, err := g.store.ReclaimFailedDelivery(ctx, existing.ID, attempts)
	if err != nil {
		return nil, fmt.Errorf("reclaim delivery log: %w", err)
	}
	if !won {
		return nil, ErrAlreadyClaimed
	}
	existing.Status = models.DeliverySending
	if existing.Metadata == nil {
		existing.Metadata = map[string]interface{}{}
	}
	existing.Metadata[models.DeliveryMetaAttempts] = attempts
	return existing, nil
}

func attemptsOf(log *models.DeliveryLog) int {
	if n := log.Attempts(); n > 0 {
		return n
	}
	return 1
}
