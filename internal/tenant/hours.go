package tenant

import (
	"strconv"
	"strings"
	"time"
)

// BusinessDaySet parses the comma-separated weekday list (0=Sunday .. 6=Saturday).
func (s *Settings) BusinessDaySet() map[time.Weekday]bool {
	days := make(map[time.Weekday]bool)

	for _, part := range strings.Split(s.BusinessDays, ",") {
		day, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || day < 0 || day > 6 {
			continue
		}

		days[time.Weekday(day)] = true
	}

	return days
}

// WithinBusinessHours reports whether t falls inside the tenant's open window.
func (s *Settings) WithinBusinessHours(t time.Time) bool {
	days := s.BusinessDaySet()
	if len(days) == 0 {
		return true
	}

	if !days[t.Weekday()] {
		return false
	}

	hour := t.Hour()

	return hour >= s.BusinessHoursStart && hour < s.BusinessHoursEnd
}

// NextOpenTime returns t unchanged when it is inside business hours, otherwise
// the start of the next open window. Deadlines stay wall-clock; only attempt
// scheduling is shifted through this.
func (s *Settings) NextOpenTime(t time.Time) time.Time {
	days := s.BusinessDaySet()
	if len(days) == 0 {
		return t
	}

	if s.WithinBusinessHours(t) {
		return t
	}

	candidate := t
	if candidate.Hour() < s.BusinessHoursStart && days[candidate.Weekday()] {
		return time.Date(
			candidate.Year(), candidate.Month(), candidate.Day(),
			s.BusinessHoursStart, 0, 0, 0, candidate.Location(),
		)
	}

	// Past today's window or a closed day, walk forward day by day.
	for i := 1; i <= 7; i++ {
		candidate = t.AddDate(0, 0, i)
		if days[candidate.Weekday()] {
			return time.Date(
				candidate.Year(), candidate.Month(), candidate.Day(),
				s.BusinessHoursStart, 0, 0, 0, candidate.Location(),
			)
		}
	}

	return t
}
