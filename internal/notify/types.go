package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lunchd/internal/calendar"
)

// Kind names a weekly notification.
type Kind string

const (
	KindReminder Kind = "reminder"
	KindSummary  Kind = "summary"
)

// Kinds lists every kind in evaluation order.
var Kinds = []Kind{KindReminder, KindSummary}

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindReminder:
		return KindReminder, nil
	case KindSummary:
		return KindSummary, nil
	default:
		return "", fmt.Errorf("unknown notification kind %q (want reminder or summary)", s)
	}
}

// ErrNoMenus is returned when a reminder is requested for a week without any
// published menu.
var ErrNoMenus = errors.New("notify: no menus in target week")

// Trigger is a weekly point in time: a weekday and a time of day.
type Trigger struct {
	Weekday time.Weekday
	At      time.Duration // offset from midnight
}

// ParseTrigger parses a weekday name and an "HH:MM" time.
func ParseTrigger(weekday, at string) (Trigger, error) {
	wd, err := calendar.ParseWeekday(weekday)
	if err != nil {
		return Trigger{}, err
	}
	d, err := calendar.ParseTimeOfDay(at)
	if err != nil {
		return Trigger{}, err
	}
	return Trigger{Weekday: wd, At: d}, nil
}

// Matches reports whether now is on the trigger weekday at or after the
// trigger time.
func (t Trigger) Matches(now time.Time) bool {
	return now.Weekday() == t.Weekday && calendar.TimeOfDay(now) >= t.At
}

func (t Trigger) String() string {
	h := int(t.At / time.Hour)
	m := int((t.At % time.Hour) / time.Minute)
	return fmt.Sprintf("%s %02d:%02d", t.Weekday, h, m)
}

// Config is the live scheduling configuration.
type Config struct {
	FirstDay time.Weekday
	Location *time.Location
	Reminder Trigger
	Summary  Trigger
}

// DefaultConfig mirrors the shipped configuration: weeks start on Monday,
// reminders go out Monday 09:00 and summaries Friday 17:00.
func DefaultConfig() Config {
	return Config{
		FirstDay: time.Monday,
		Location: time.Local,
		Reminder: Trigger{Weekday: time.Monday, At: 9 * time.Hour},
		Summary:  Trigger{Weekday: time.Friday, At: 17 * time.Hour},
	}
}

func (c Config) trigger(k Kind) Trigger {
	if k == KindSummary {
		return c.Summary
	}
	return c.Reminder
}

// Report is the outcome of one dispatch.
type Report struct {
	Kind       Kind
	Week       calendar.Week
	Recipients int
	Sent       int
	Skipped    int
	Failed     int
	Errors     []error
}

// Err joins the per-recipient errors.
func (r Report) Err() error { return errors.Join(r.Errors...) }

func (r *Report) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
}
