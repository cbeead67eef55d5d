package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsEligible(t *testing.T) {
	trigger := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		trigger    *time.Time
		delayHours int
		now        time.Time
		want       bool
	}{
		{name: "no trigger", trigger: nil, delayHours: 0, now: trigger, want: false},
		{name: "zero delay at trigger", trigger: &trigger, delayHours: 0, now: trigger, want: true},
		{name: "one second before schedule", trigger: &trigger, delayHours: 24, now: trigger.Add(24*time.Hour - time.Second), want: false},
		{name: "exactly at schedule", trigger: &trigger, delayHours: 24, now: trigger.Add(24 * time.Hour), want: true},
		{name: "long after schedule", trigger: &trigger, delayHours: 72, now: trigger.Add(30 * 24 * time.Hour), want: true},
		{name: "now before trigger", trigger: &trigger, delayHours: 0, now: trigger.Add(-time.Minute), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsEligible(tt.trigger, tt.delayHours, tt.now))
		})
	}
}

func TestIsEligible_Monotonic(t *testing.T) {
	trigger := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	for _, delay := range []int{0, 1, 24, 48, 24*7 + 3} {
		scheduled := ScheduledTime(trigger, delay)
		for offset := -6 * time.Hour; offset <= 6*time.Hour; offset += 17 * time.Minute {
			now := scheduled.Add(offset)
			want := !now.Before(scheduled)
			assert.Equal(t, want, IsEligible(&trigger, delay, now), "delay=%d offset=%s", delay, offset)
			// same inputs, same answer
			assert.Equal(t, IsEligible(&trigger, delay, now), IsEligible(&trigger, delay, now))
		}
	}
}

func TestScheduledTime(t *testing.T) {
	trigger := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, trigger.Add(51*time.Hour), ScheduledTime(trigger, 2*24+3))
}
