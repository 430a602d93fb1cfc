package billing

import "time"

// PeriodLength is the fixed length of a billing period.
// Periods are a flat 30 days, so renewal dates drift against the calendar
// month over many cycles.
const PeriodLength = 30 * 24 * time.Hour

// MaxFailedAttempts is the number of consecutive failed charges after which
// a subscription is paused
const MaxFailedAttempts = 3

// NextPeriod returns the billing period starting at start
func NextPeriod(start time.Time) (periodStart, periodEnd time.Time) {
	return start, start.Add(PeriodLength)
}

// BillingDay returns the calendar date of t in loc, as "2006-01-02"
func BillingDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}

// SameBillingDay reports whether a and b fall on the same calendar day in loc
func SameBillingDay(a, b time.Time, loc *time.Location) bool {
	return BillingDay(a, loc) == BillingDay(b, loc)
}
