package automation

import "time"

// ScheduledTime is the trigger time shifted by the email's delay
func ScheduledTime(trigger time.Time, delayHours int) time.Time {
	return trigger.Add(time.Duration(delayHours) * time.Hour)
}

// IsEligible reports whether now has reached the scheduled send time.
// A nil trigger is never eligible.
func IsEligible(trigger *time.Time, delayHours int, now time.Time) bool {
	if trigger == nil {
		return false
	}
	return !now.Before(ScheduledTime(*trigger, delayHours))
}
