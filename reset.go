package genquota

import (
	"fmt"
	"time"
)

// NextReset returns the first hour:00 in loc strictly after now.
// Periods are calendar aligned: the boundary does not depend on when the
// previous period was reset.
func NextReset(now time.Time, hour int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(now) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}

// RetryMessage renders how long a user has to wait for the next period.
// Hours and minutes are truncated; under one minute a fixed text is used.
func RetryMessage(wait time.Duration) string {
	hours := int64(wait / time.Hour)
	minutes := int64((wait % time.Hour) / time.Minute)

	switch {
	case hours > 0 && minutes > 0:
		return fmt.Sprintf("No generations left. Please check back in about %dh %dm.", hours, minutes)
	case hours > 0:
		return fmt.Sprintf("No generations left. Please check back in about %dh.", hours)
	case minutes > 0:
		return fmt.Sprintf("No generations left. Please check back in about %dm.", minutes)
	default:
		return "No generations left. Please check back in a moment."
	}
}
