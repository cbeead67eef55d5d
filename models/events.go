package models

import (
	"time"

	"gorm.io/gorm"
)

// ContactSubmission is a contact-form post from the site
type ContactSubmission struct {
	gorm.Model
	Email   string `gorm:"not null;index" json:"email"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Message string `gorm:"type:text" json:"message"`
}

// Purchase is a completed course checkout reported by Stripe
type Purchase struct {
	gorm.Model
	StripeSessionID string `gorm:"not null;uniqueIndex" json:"stripe_session_id"`
	Email           string `gorm:"not null;index" json:"email"`
	ProductName     string `json:"product_name"`
	AmountTotal     int64  `json:"amount_total"` // in cents
	Currency        string `json:"currency"`
}

// Analytics event types
const (
	EventEmailOpen   = "email_open"
	EventEmailClick  = "email_click"
	EventUnsubscribe = "unsubscribe"
)

// AnalyticsEvent is an append-only engagement record
type AnalyticsEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EventType     string    `gorm:"not null;index" json:"event_type"`
	DeliveryLogID string    `gorm:"type:varchar(36);index" json:"delivery_log_id"`
	SubscriberID  uint      `gorm:"index" json:"subscriber_id"`
	URL           string    `json:"url,omitempty"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	CreatedAt     time.Time `json:"created_at"`
}

// Automation error categories
const (
	ErrCategoryInvalidEmail         = "invalid_email"
	ErrCategoryInvalidSequenceEmail = "invalid_sequence_email"
	ErrCategorySendFailed           = "send_failed"
	ErrCategoryTransportUnavailable = "transport_unavailable"
	ErrCategoryStore                = "store_error"
)

// AutomationError is the operator-facing error log, kept apart from DeliveryLog.
// Repeats of the same problem bump Occurrences instead of adding rows.
type AutomationError struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Category     string    `gorm:"not null;uniqueIndex:idx_automation_error_key,priority:1" json:"category"`
	SequenceID   uint      `gorm:"not null;default:0;uniqueIndex:idx_automation_error_key,priority:2" json:"sequence_id"`
	EmailID      uint      `gorm:"not null;default:0;uniqueIndex:idx_automation_error_key,priority:3" json:"email_id"`
	SubscriberID uint      `gorm:"not null;default:0;uniqueIndex:idx_automation_error_key,priority:4" json:"subscriber_id"`
	Email        string    `json:"email"`
	Message      string    `gorm:"type:text" json:"message"`
	Occurrences  int       `gorm:"not null;default:1" json:"occurrences"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	CreatedAt    time.Time `json:"created_at"`
}
