package models

import (
	"time"
)

// DeliveryStatus is the persisted form of a delivery attempt's state
type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Delivery metadata keys
const (
	DeliveryMetaMessageID      = "message_id"
	DeliveryMetaError          = "error"
	DeliveryMetaAttempts       = "attempts"
	DeliveryMetaLastClicked    = "last_clicked_url"
	// set when the transport call was abandoned and the message may have gone out
	DeliveryMetaOutcomeUnknown = "outcome_unknown"
)

// DeliveryFailure is what gets recorded on a failed row
type DeliveryFailure struct {
	Reason         string
	OutcomeUnknown bool
}

// DeliveryLog records one send attempt per (sequence, email, subscriber).
// The composite unique index is the deduplication guarantee.
type DeliveryLog struct {
	ID           string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	SequenceID   uint           `gorm:"not null;uniqueIndex:idx_delivery_triple,priority:1" json:"sequence_id"`
	EmailID      uint           `gorm:"not null;uniqueIndex:idx_delivery_triple,priority:2" json:"email_id"`
	SubscriberID uint           `gorm:"not null;uniqueIndex:idx_delivery_triple,priority:3;index" json:"subscriber_id"`
	Status       DeliveryStatus `gorm:"not null;index" json:"status"` // sending, sent, failed

	SentAt    *time.Time `json:"sent_at"`
	OpenedAt  *time.Time `json:"opened_at"`
	ClickedAt *time.Time `json:"clicked_at"`

	Metadata map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attempts reads the attempt counter from metadata
func (d DeliveryLog) Attempts() int {
	if d.Metadata == nil {
		return 0
	}
	switch v := d.Metadata[DeliveryMetaAttempts].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// OutcomeUnknown reports whether the last attempt may have been delivered
// even though it was recorded as failed
func (d DeliveryLog) OutcomeUnknown() bool {
	unknown, _ := d.Metadata[DeliveryMetaOutcomeUnknown].(bool)
	return unknown
}
