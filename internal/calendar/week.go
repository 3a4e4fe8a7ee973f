package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical on-disk and on-screen date format.
const DateLayout = "2006-01-02"

// Date truncates t to midnight in t's own location.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// StartOfWeek returns the latest date <= t whose weekday is first, with the
// time of day zeroed.
func StartOfWeek(t time.Time, first time.Weekday) time.Time {
	diff := (7 + int(t.Weekday()) - int(first)) % 7
	return Date(t).AddDate(0, 0, -diff)
}

// Week is an inclusive seven day span.
type Week struct {
	Start time.Time
	End   time.Time
}

// WeekOf returns the week that starts at start (which is expected to be a
// period start already).
func WeekOf(start time.Time) Week {
	start = Date(start)
	return Week{Start: start, End: start.AddDate(0, 0, 6)}
}

// Contains reports whether t falls on any day of the week.
func (w Week) Contains(t time.Time) bool {
	d := Date(t.In(w.Start.Location()))
	return !d.Before(w.Start) && !d.After(w.End)
}

// Days lists the seven dates of the week in order.
func (w Week) Days() []time.Time {
	out := make([]time.Time, 0, 7)
	for i := 0; i < 7; i++ {
		out = append(out, w.Start.AddDate(0, 0, i))
	}
	return out
}

// Next returns the following week.
func (w Week) Next() Week { return WeekOf(w.Start.AddDate(0, 0, 7)) }

func (w Week) String() string {
	return w.Start.Format(DateLayout) + ".." + w.End.Format(DateLayout)
}

// Calendar binds a first-day-of-week setting.
type Calendar struct {
	FirstDay time.Weekday
}

func (c Calendar) StartOfWeek(t time.Time) time.Time { return StartOfWeek(t, c.FirstDay) }

// CurrentWeek is the week containing now.
func (c Calendar) CurrentWeek(now time.Time) Week { return WeekOf(c.StartOfWeek(now)) }

// NextWeek is the week after the one containing now.
func (c Calendar) NextWeek(now time.Time) Week {
	return WeekOf(c.StartOfWeek(now).AddDate(0, 0, 7))
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts English names, common abbreviations and the digits
// 0 (Sunday) to 6 (Saturday). Matching is case-insensitive.
func ParseWeekday(raw string) (time.Weekday, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("weekday required")
	}
	if wd, ok := weekdayNames[s]; ok {
		return wd, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	return 0, fmt.Errorf("invalid weekday %q", raw)
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseTimeOfDay(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", raw)
	}
	sec := 0
	if len(parts) == 3 {
		sec, err = strconv.Atoi(parts[2])
		if err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("invalid second in %q", raw)
		}
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

// TimeOfDay returns the wall-clock offset of t from its own midnight.
func TimeOfDay(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}
