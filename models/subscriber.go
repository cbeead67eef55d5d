package models

import "gorm.io/gorm"

const (
	SubscriberStatusActive       = "active"
	SubscriberStatusUnsubscribed = "unsubscribed"
)

// Subscriber sources the site writes on signup
const (
	SourceNewsletter       = "newsletter"
	SourceContactForm      = "contact_form"
	SourceResourceDownload = "resource_download"
	SourceCoursePurchase   = "course_purchase"
)

// Metadata keys read by the engine
const (
	MetaDownloadDate = "download_date"
	MetaLastResource = "last_resource"
	MetaResourceName = "resource_name"
	MetaDownloadLink = "download_link"
)

// Subscriber represents a marketing contact
type Subscriber struct {
	gorm.Model
	Email     string `gorm:"not null;uniqueIndex" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Status    string `gorm:"default:'active';index" json:"status"` // active, unsubscribed
	Source    string `json:"source"`                               // newsletter, contact_form, resource_download, course_purchase

	Metadata map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"metadata"`
}

// MetaString returns a metadata value as a string, or "" when absent
func (s Subscriber) MetaString(key string) string {
	if s.Metadata == nil {
		return ""
	}
	v, ok := s.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	str, ok := v.(string)
	if !ok {
		return ""
	}
	return str
}
