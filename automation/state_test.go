package automation

import (
	"testing"

	"clinicmail/models"

	"github.com/stretchr/testify/assert"
)

func TestStateFromLog(t *testing.T) {
	tests := []struct {
		name string
		log  *models.DeliveryLog
		want DeliveryState
	}{
		{name: "no row", log: nil, want: Pending{}},
		{
			name: "sending",
			log:  &models.DeliveryLog{ID: "a", Status: models.DeliverySending},
			want: Sending{LogID: "a"},
		},
		{
			name: "sent",
			log: &models.DeliveryLog{ID: "b", Status: models.DeliverySent, Metadata: map[string]interface{}{
				models.DeliveryMetaMessageID: "<m@x>",
			}},
			want: Sent{LogID: "b", MessageID: "<m@x>"},
		},
		{
			name: "failed",
			log: &models.DeliveryLog{ID: "c", Status: models.DeliveryFailed, Metadata: map[string]interface{}{
				models.DeliveryMetaError: "timeout",
			}},
			want: Failed{LogID: "c", Reason: "timeout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StateFromLog(tt.log)
			assert.Equal(t, tt.want, got)
			if tt.log != nil {
				assert.Equal(t, tt.log.Status, got.Status())
			}
		})
	}
}
