package models

import "gorm.io/gorm"

// TriggerKind is the event category that starts a sequence's countdown
type TriggerKind string

const (
	TriggerNewsletterSignup TriggerKind = "newsletter_signup"
	TriggerContactForm      TriggerKind = "contact_form"
	TriggerResourceDownload TriggerKind = "resource_download"
	TriggerCoursePurchase   TriggerKind = "course_purchase"
)

const (
	SequenceStatusActive = "active"
	SequenceStatusPaused = "paused"
	SequenceStatusDraft  = "draft"
)

// Sequence represents an automated drip campaign
type Sequence struct {
	gorm.Model
	Name    string      `gorm:"not null" json:"name"`
	Trigger TriggerKind `gorm:"not null;index" json:"trigger"`
	Status  string      `gorm:"default:'draft';index" json:"status"` // draft, active, paused

	// Relations
	Emails []SequenceEmail `gorm:"foreignKey:SequenceID" json:"emails,omitempty"`
}

// SequenceEmail represents one step in a sequence
type SequenceEmail struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	Subject     string `gorm:"not null" json:"subject" validate:"required"`
	Content     string `gorm:"type:text" json:"content"`
	TextContent string `gorm:"type:text" json:"text_content"`

	// Offset from the trigger time
	DelayDays  int `gorm:"not null;default:0" json:"delay_days" validate:"gte=0"`
	DelayHours int `gorm:"not null;default:0" json:"delay_hours" validate:"gte=0"`

	Position int `gorm:"not null;default:0" json:"position"`
}

// TotalDelayHours folds the day and hour offsets into hours
func (e SequenceEmail) TotalDelayHours() int {
	return e.DelayDays*24 + e.DelayHours
}
