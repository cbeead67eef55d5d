package models

// All lists every table the service owns, in migration order
func All() []interface{} {
	return []interface{}{
		&Sequence{},
		&SequenceEmail{},
		&Subscriber{},
		&DeliveryLog{},
		&ContactSubmission{},
		&Purchase{},
		&AnalyticsEvent{},
		&AutomationError{},
	}
}
