package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicmail/automation"
	"clinicmail/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDeliveryNotFound means the delivery log does not exist or belongs to another subscriber
var ErrDeliveryNotFound = errors.New("delivery log not found")

// ErrSubscriberNotFound is returned by Unsubscribe for unknown ids
var ErrSubscriberNotFound = errors.New("subscriber not found")

// GormStore is the gorm-backed record store used by the engine and the HTTP layer
type GormStore struct {
	db *gorm.DB
}

var _ automation.Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the handle for migrations and health checks
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) ListActiveSequences(ctx context.Context) ([]models.Sequence, error) {
	var sequences []models.Sequence
	err := s.db.WithContext(ctx).
		Preload("Emails", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, id ASC")
		}).
		Where("status = ?", models.SequenceStatusActive).
		Order("id ASC").
		Find(&sequences).Error
	if err != nil {
		return nil, err
	}
	return sequences, nil
}

func (s *GormStore) ListActiveSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	var subscribers []models.Subscriber
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SubscriberStatusActive).
		Order("id ASC").
		Find(&subscribers).Error
	if err != nil {
		return nil, err
	}
	return subscribers, nil
}

func (s *GormStore) FindDeliveryLog(ctx context.Context, t automation.Triple) (*models.DeliveryLog, error) {
	var log models.DeliveryLog
	err := s.db.WithContext(ctx).
		Where("sequence_id = ? AND email_id = ? AND subscriber_id = ?", t.SequenceID, t.EmailID, t.SubscriberID).
		Take(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// InsertDeliveryLog relies on idx_delivery_triple; a conflicting row leaves RowsAffected at 0
func (s *GormStore) InsertDeliveryLog(ctx context.Context, log *models.DeliveryLog) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(log)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) ReclaimFailedDelivery(ctx context.Context, id string, attempts int) (bool, error) {
	var log models.DeliveryLog
	if err := s.db.WithContext(ctx).Take(&log, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	meta := copyMeta(log.Metadata)
	meta[models.DeliveryMetaAttempts] = attempts

	result := s.db.WithContext(ctx).
		Model(&models.DeliveryLog{ID: id}).
		Where("status = ?", models.DeliveryFailed).
		Select("status", "metadata").
		Updates(&models.DeliveryLog{Status: models.DeliverySending, Metadata: meta})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) MarkDeliverySent(ctx context.Context, id string, messageID string, sentAt time.Time) error {
	return s.updateDelivery(ctx, id, func(log *models.DeliveryLog) {
		log.Status = models.DeliverySent
		log.SentAt = &sentAt
		log.Metadata[models.DeliveryMetaMessageID] = messageID
		delete(log.Metadata, models.DeliveryMetaError)
	}, "status", "sent_at", "metadata")
}

func (s *GormStore) MarkDeliveryFailed(ctx context.Context, id string, failure models.DeliveryFailure) error {
	return s.updateDelivery(ctx, id, func(log *models.DeliveryLog) {
		log.Status = models.DeliveryFailed
		log.Metadata[models.DeliveryMetaError] = failure.Reason
		if failure.OutcomeUnknown {
			log.Metadata[models.DeliveryMetaOutcomeUnknown] = true
		} else {
			delete(log.Metadata, models.DeliveryMetaOutcomeUnknown)
		}
	}, "status", "metadata")
}

func (s *GormStore) updateDelivery(ctx context.Context, id string, mutate func(*models.DeliveryLog), columns ...string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var log models.DeliveryLog
		if err := tx.Take(&log, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeliveryNotFound
			}
			return err
		}
		log.Metadata = copyMeta(log.Metadata)
		mutate(&log)

		cols := make([]interface{}, 0, len(columns))
		for _, c := range columns[1:] {
			cols = append(cols, c)
		}
		return tx.Model(&models.DeliveryLog{ID: id}).
			Select(columns[0], cols...).
			Updates(&log).Error
	})
}

func (s *GormStore) LatestContactSubmission(ctx context.Context, email string) (*models.ContactSubmission, error) {
	var submission models.ContactSubmission
	err := s.db.WithContext(ctx).
		Where("lower(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		Order("created_at DESC").
		Take(&submission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &submission, nil
}

func (s *GormStore) LatestPurchase(ctx context.Context, email string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := s.db.WithContext(ctx).
		Where("lower(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		Order("created_at DESC").
		Take(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// RecordError upserts on idx_automation_error_key, bumping Occurrences on repeats
func (s *GormStore) RecordError(ctx context.Context, e *models.AutomationError) error {
	if e.LastSeenAt.IsZero() {
		e.LastSeenAt = time.Now()
	}
	if e.Occurrences == 0 {
		e.Occurrences = 1
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "category"},
				{Name: "sequence_id"},
				{Name: "email_id"},
				{Name: "subscriber_id"},
			},
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "occurrences"}, Value: gorm.Expr("automation_errors.occurrences + 1")},
				{Column: clause.Column{Name: "message"}, Value: e.Message},
				{Column: clause.Column{Name: "email"}, Value: e.Email},
				{Column: clause.Column{Name: "last_seen_at"}, Value: e.LastSeenAt},
			},
		}).
		Create(e).Error
}

// RecentErrors returns the most recently seen automation errors, newest first
func (s *GormStore) RecentErrors(ctx context.Context, category string, limit int) ([]models.AutomationError, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Order("last_seen_at DESC").Limit(limit)
	if category != "" {
		query = query.Where("category = ?", category)
	}
	var errs []models.AutomationError
	if err := query.Find(&errs).Error; err != nil {
		return nil, err
	}
	return errs, nil
}

// SequenceStats is the per-sequence delivery breakdown served to operators
type SequenceStats struct {
	SequenceID uint   `json:"sequence_id"`
	Name       string `json:"name"`
	Sending    int64  `json:"sending"`
	Sent       int64  `json:"sent"`
	Failed     int64  `json:"failed"`
	Opened     int64  `json:"opened"`
	Clicked    int64  `json:"clicked"`
}

func (s *GormStore) DeliveryStats(ctx context.Context) ([]SequenceStats, error) {
	var rows []SequenceStats
	err := s.db.WithContext(ctx).
		Table("delivery_logs AS d").
		Select(`d.sequence_id AS sequence_id,
			COALESCE(MAX(s.name), '') AS name,
			SUM(CASE WHEN d.status = ? THEN 1 ELSE 0 END) AS sending,
			SUM(CASE WHEN d.status = ? THEN 1 ELSE 0 END) AS sent,
			SUM(CASE WHEN d.status = ? THEN 1 ELSE 0 END) AS failed,
			SUM(CASE WHEN d.opened_at IS NOT NULL THEN 1 ELSE 0 END) AS opened,
			SUM(CASE WHEN d.clicked_at IS NOT NULL THEN 1 ELSE 0 END) AS clicked`,
			models.DeliverySending, models.DeliverySent, models.DeliveryFailed).
		Joins("LEFT JOIN sequences AS s ON s.id = d.sequence_id").
		Group("d.sequence_id").
		Order("d.sequence_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate delivery stats: %w", err)
	}
	return rows, nil
}

// Engagement holds the request details stored with tracking events
type Engagement struct {
	DeliveryLogID string
	SubscriberID  uint
	IPAddress     string
	UserAgent     string
	At            time.Time
}

// RecordOpen stamps opened_at on the first open and appends an analytics event for every open
func (s *GormStore) RecordOpen(ctx context.Context, e Engagement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findOwnedDelivery(tx, e.DeliveryLogID, e.SubscriberID); err != nil {
			return err
		}
		if err := tx.Model(&models.DeliveryLog{}).
			Where("id = ? AND opened_at IS NULL", e.DeliveryLogID).
			Update("opened_at", e.At).Error; err != nil {
			return err
		}
		return tx.Create(&models.AnalyticsEvent{
			EventType:     models.EventEmailOpen,
			DeliveryLogID: e.DeliveryLogID,
			SubscriberID:  e.SubscriberID,
			IPAddress:     e.IPAddress,
			UserAgent:     e.UserAgent,
			CreatedAt:     e.At,
		}).Error
	})
}

// RecordClick stamps clicked_at on the first click, remembers the last url and appends an analytics event.
// A click implies an open, so opened_at is filled when still empty.
func (s *GormStore) RecordClick(ctx context.Context, e Engagement, url string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		log, err := findOwnedDelivery(tx, e.DeliveryLogID, e.SubscriberID)
		if err != nil {
			return err
		}

		meta := copyMeta(log.Metadata)
		meta[models.DeliveryMetaLastClicked] = url
		update := models.DeliveryLog{Metadata: meta, ClickedAt: log.ClickedAt, OpenedAt: log.OpenedAt}
		if update.ClickedAt == nil {
			update.ClickedAt = &e.At
		}
		if update.OpenedAt == nil {
			update.OpenedAt = &e.At
		}
		if err := tx.Model(&models.DeliveryLog{ID: log.ID}).
			Select("metadata", "clicked_at", "opened_at").
			Updates(&update).Error; err != nil {
			return err
		}

		return tx.Create(&models.AnalyticsEvent{
			EventType:     models.EventEmailClick,
			DeliveryLogID: e.DeliveryLogID,
			SubscriberID:  e.SubscriberID,
			URL:           url,
			IPAddress:     e.IPAddress,
			UserAgent:     e.UserAgent,
			CreatedAt:     e.At,
		}).Error
	})
}

// Unsubscribe flips the subscriber to unsubscribed. Repeats are harmless.
func (s *GormStore) Unsubscribe(ctx context.Context, e Engagement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscriber
		if err := tx.Take(&sub, e.SubscriberID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSubscriberNotFound
			}
			return err
		}
		if sub.Status == models.SubscriberStatusUnsubscribed {
			return nil
		}
		if err := tx.Model(&sub).Update("status", models.SubscriberStatusUnsubscribed).Error; err != nil {
			return err
		}
		return tx.Create(&models.AnalyticsEvent{
			EventType:    models.EventUnsubscribe,
			SubscriberID: e.SubscriberID,
			IPAddress:    e.IPAddress,
			UserAgent:    e.UserAgent,
			CreatedAt:    e.At,
		}).Error
	})
}

// RecordPurchase stores a completed checkout once per Stripe session and makes
// sure the buyer exists as a subscriber. It reports whether the purchase is new.
func (s *GormStore) RecordPurchase(ctx context.Context, p *models.Purchase, firstName string) (bool, error) {
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_session_id"}},
			DoNothing: true,
		}).Create(p)
		if result.Error != nil {
			return result.Error
		}
		created = result.RowsAffected == 1
		if !created {
			return nil
		}

		sub := models.Subscriber{
			Email:     p.Email,
			FirstName: firstName,
			Status:    models.SubscriberStatusActive,
			Source:    models.SourceCoursePurchase,
			Metadata:  map[string]interface{}{},
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoNothing: true,
		}).Create(&sub).Error
	})
	if err != nil {
		return false, fmt.Errorf("record purchase: %w", err)
	}
	return created, nil
}

func findOwnedDelivery(tx *gorm.DB, id string, subscriberID uint) (*models.DeliveryLog, error) {
	var log models.DeliveryLog
	err := tx.Take(&log, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	if log.SubscriberID != subscriberID {
		return nil, ErrDeliveryNotFound
	}
	return &log, nil
}

func copyMeta(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
