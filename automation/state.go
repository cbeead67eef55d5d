package automation

import "clinicmail/models"

// DeliveryState is the lifecycle of one (sequence, email, subscriber) triple.
// Exactly one of Pending, Sending, Sent or Failed.
type DeliveryState interface {
	// Status is the persisted form; Pending has none and returns ""
	Status() models.DeliveryStatus
	isDeliveryState()
}

// Pending means eligible and not yet claimed
type Pending struct{}

// Sending means the dedup row is written and the transport call is in flight
type Sending struct {
	LogID string
}

// Sent is terminal
type Sent struct {
	LogID     string
	MessageID string
}

// Failed is terminal unless the retry policy reclaims it
type Failed struct {
	LogID  string
	Reason string
}

func (Pending) Status() models.DeliveryStatus { return "" }
func (Sending) Status() models.DeliveryStatus { return models.DeliverySending }
func (Sent) Status() models.DeliveryStatus    { return models.DeliverySent }
func (Failed) Status() models.DeliveryStatus  { return models.DeliveryFailed }

func (Pending) isDeliveryState() {}
func (Sending) isDeliveryState() {}
func (Sent) isDeliveryState()    {}
func (Failed) isDeliveryState()  {}

// StateFromLog rebuilds the variant from a stored row
func StateFromLog(log *models.DeliveryLog) DeliveryState {
	if log == nil {
		return Pending{}
	}
	switch log.Status {
	case models.DeliverySent:
		id, _ := log.Metadata[models.DeliveryMetaMessageID].(string)
		return Sent{LogID: log.ID, MessageID: id}
	case models.DeliveryFailed:
		reason, _ := log.Metadata[models.DeliveryMetaError].(string)
		return Failed{LogID: log.ID, Reason: reason}
	default:
		return Sending{LogID: log.ID}
	}
}
