package clinical

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date format used throughout the clinical data.
const DateLayout = "2006-01-02"

// WindowPolicy sets the allowed deviation, in days, between a visit's
// scheduled and actual dates.
type WindowPolicy struct {
	TreatmentDays       int
	FollowUpDays        int
	FollowUpVisitNumber int
}

// DefaultWindowPolicy is +/-3 days on treatment and +/-7 days for the
// follow-up visit (visit 11).
var DefaultWindowPolicy = WindowPolicy{TreatmentDays: 3, FollowUpDays: 7, FollowUpVisitNumber: 11}

// ParseDate parses the date prefix of s, ignoring any time component.
func ParseDate(s string) (time.Time, error) {
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	return time.Parse(DateLayout, s)
}

// withDefaults fills zero fields from DefaultWindowPolicy.
func (p WindowPolicy) withDefaults() WindowPolicy {
	if p.TreatmentDays <= 0 {
		p.TreatmentDays = DefaultWindowPolicy.TreatmentDays
	}
	if p.FollowUpDays <= 0 {
		p.FollowUpDays = DefaultWindowPolicy.FollowUpDays
	}
	if p.FollowUpVisitNumber <= 0 {
		p.FollowUpVisitNumber = DefaultWindowPolicy.FollowUpVisitNumber
	}
	return p
}

// windowFor returns the allowed deviation for visit number n.
func (p WindowPolicy) windowFor(n int) int {
	if n == p.FollowUpVisitNumber {
		return p.FollowUpDays
	}
	return p.TreatmentDays
}

// EvaluateWindows checks every completed visit that has both a scheduled and
// an actual date. TotalChecked counts all completed visits.
func EvaluateWindows(visits []Visit, p WindowPolicy) WindowResult {
	p = p.withDefaults()
	res := WindowResult{OutOfWindow: []WindowDeviation{}}
	for _, v := range visits {
		if !v.Completed {
			continue
		}
		res.TotalChecked++
		if v.ScheduledDate == "" || v.ActualDate == "" {
			continue
		}
		sched, err := ParseDate(v.ScheduledDate)
		if err != nil {
			continue
		}
		actual, err := ParseDate(v.ActualDate)
		if err != nil {
			continue
		}

		daysOff := int(actual.Sub(sched).Hours() / 24)
		window := p.windowFor(v.Number)
		abs := daysOff
		if abs < 0 {
			abs = -abs
		}
		if abs <= window {
			continue
		}
		direction := "late"
		if daysOff < 0 {
			direction = "early"
		}
		res.OutOfWindow = append(res.OutOfWindow, WindowDeviation{
			VisitName:     v.Name,
			VisitNumber:   v.Number,
			ScheduledDate: v.ScheduledDate,
			ActualDate:    v.ActualDate,
			DaysOff:       daysOff,
			WindowDays:    window,
			DaysOutside:   abs - window,
			Description: fmt.Sprintf("%s (#%d): scheduled %s, actual %s (%s by %d days, window is +/-%d days, %d days outside window) -> OUTSIDE WINDOW",
				v.Name, v.Number, v.ScheduledDate, v.ActualDate, direction, abs, window, abs-window),
		})
	}
	res.AllWithinWindow = len(res.OutOfWindow) == 0
	return res
}
