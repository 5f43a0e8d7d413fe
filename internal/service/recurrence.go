// internal/service/recurrence.go
package service

import (
	"fmt"
	"time"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

// BusinessCalendar tells which days messages may go out on. Holiday
// calendars plug in here.
type BusinessCalendar interface {
	IsBusinessDay(t time.Time) bool
}

// WeekdayCalendar treats Monday to Friday as business days.
type WeekdayCalendar struct{}

func (WeekdayCalendar) IsBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// maxCalendarShift bounds how far a policy may move a date.
const maxCalendarShift = 31

// NextOccurrence adds the interval to from and then applies the business
// day policy.
func NextOccurrence(from time.Time, unit model.IntervalUnit, value int, policy model.BusinessDayPolicy, cal BusinessCalendar) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, appErrors.NewValidation("interval_value", "must be positive")
	}
	var next time.Time
	switch unit {
	case model.IntervalMinutes:
		next = from.Add(time.Duration(value) * time.Minute)
	case model.IntervalDays, "":
		next = from.AddDate(0, 0, value)
	case model.IntervalWeeks:
		next = from.AddDate(0, 0, 7*value)
	case model.IntervalMonths:
		next = addMonths(from, value)
	default:
		return time.Time{}, appErrors.NewValidation("interval_unit", fmt.Sprintf("unknown unit %q", unit))
	}
	return AdjustBusinessDay(next, policy, cal)
}

// addMonths keeps the day of month, clamped to the last day of the
// target month (Jan 31 + 1 month is Feb 28 or 29).
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// AdjustBusinessDay moves t off non-business days per policy.
func AdjustBusinessDay(t time.Time, policy model.BusinessDayPolicy, cal BusinessCalendar) (time.Time, error) {
	if cal == nil {
		cal = WeekdayCalendar{}
	}
	step := 0
	switch policy {
	case model.BusinessDayAsIs, "":
		return t, nil
	case model.BusinessDayMoveEarlier:
		step = -1
	case model.BusinessDayMoveLater:
		step = 1
	default:
		return time.Time{}, appErrors.NewValidation("business_day_policy", fmt.Sprintf("unknown policy %q", policy))
	}
	for i := 0; i < maxCalendarShift; i++ {
		if cal.IsBusinessDay(t) {
			return t, nil
		}
		t = t.AddDate(0, 0, step)
	}
	return time.Time{}, fmt.Errorf("no business day within %d days of %s", maxCalendarShift, t.Format(time.DateOnly))
}

func validInterval(unit model.IntervalUnit) bool {
	switch unit {
	case model.IntervalDays, model.IntervalWeeks, model.IntervalMonths, model.IntervalMinutes, "":
		return true
	}
	return false
}

func validPolicy(p model.BusinessDayPolicy) bool {
	switch p {
	case model.BusinessDayAsIs, model.BusinessDayMoveEarlier, model.BusinessDayMoveLater, "":
		return true
	}
	return false
}
