package loop

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/15 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 1h", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 * * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "55m", kind: SpecInterval, source: "duration", duration: 55 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:1h", kind: SpecInterval, source: "duration", duration: time.Hour},
		{name: "hhmm", raw: "02:30", kind: SpecInterval, source: "hhmm", duration: 150 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5m", "01:75", "cron:", "* * *", "interval:soon"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestParsedSpecSchedule(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 3, 4, 8, 7, 0, 0, time.UTC)

	p, err := ParseSchedule("55m")
	if err != nil {
		t.Fatal(err)
	}
	s, err := p.Schedule(time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := s.Next(base), base.Add(55*time.Minute); !got.Equal(want) {
		t.Fatalf("interval Next = %v, want %v", got, want)
	}

	p, err = ParseSchedule("0 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	s, err = p.Schedule(time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := s.Next(base), time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("cron Next = %v, want %v", got, want)
	}
}
