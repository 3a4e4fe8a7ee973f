package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"lunchd/internal/archive"
	"lunchd/internal/calendar"
	lmail "lunchd/internal/mail"
	"lunchd/internal/notify"
	"lunchd/internal/storage"
	"lunchd/internal/task/loop"
	logx "lunchd/pkg/logx"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

const (
	defaultArchivePoll = "1h"
	defaultNotifyPoll  = "1h"
	defaultRetryMax    = 2
)

// Runtime is a validated Config converted into the settings each component
// takes.
type Runtime struct {
	Logging logx.Config

	Primary storage.Config
	Archive storage.Config

	ArchiveEnabled    bool
	ArchiveSchedule   loop.ParsedSpec
	ArchiveRunOnStart bool
	ArchiveEngine     archive.Config

	NotifyEnabled  bool
	NotifySchedule loop.ParsedSpec
	Notify         notify.Config
	PersistState   bool

	Mail lmail.Config
}

// Validate reports every problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	_, err := c.Resolve()
	return err
}

// Resolve validates c and applies defaults.
func (c *Config) Resolve() (*Runtime, error) {
	var problems []string
	bad := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }
	check := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	rt := &Runtime{
		Logging: logx.Config{
			Level:   c.Logging.Level,
			Console: c.Logging.Console,
			File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		},
	}
	if _, err := logx.ParseLevel(rt.Logging.Level); err != nil {
		bad("logging.level: %v", err)
	}
	if rt.Logging.File.Enabled && strings.TrimSpace(rt.Logging.File.Path) == "" {
		bad("logging.file.path is required when logging.file.enabled is true")
	}

	// timezone first: stores and the notify calendar share it
	loc := time.Local
	if tz := strings.TrimSpace(c.Notify.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			bad("notify.timezone: unknown zone %q", tz)
		} else {
			loc = l
		}
	}

	storeCfg := func(name string, sc StoreConfig) storage.Config {
		if strings.TrimSpace(sc.Path) == "" {
			bad("storage.%s.path is required", name)
		}
		if sc.MaxOpenConns < 0 {
			bad("storage.%s.max_open_conns must be >= 0", name)
		}
		busy, err := parseDuration("storage."+name+".busy_timeout", sc.BusyTimeout, 5*time.Second)
		check(err)
		return storage.Config{Name: name, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy, MaxOpenConns: sc.MaxOpenConns, Location: loc}
	}
	rt.Primary = storeCfg("primary", c.Storage.Primary)
	rt.Archive = storeCfg("archive", c.Storage.Archive)
	if rt.Primary.Path != "" && rt.Primary.Path == rt.Archive.Path {
		bad("storage.primary.path and storage.archive.path must differ")
	}

	rt.ArchiveEnabled = boolOr(c.Archive.Enabled, true)
	rt.ArchiveRunOnStart = boolOr(c.Archive.RunOnStart, true)
	rt.ArchiveSchedule = schedule("archive.poll_interval", c.Archive.PollInterval, defaultArchivePoll, check)
	rt.ArchiveEngine = archive.Config{RetentionDays: c.Archive.RetentionDays, BatchSize: archive.DefaultBatchSize, Location: loc}
	if c.Archive.BatchSize != nil {
		rt.ArchiveEngine.BatchSize = *c.Archive.BatchSize
	}
	if rt.ArchiveEngine.RetentionDays == 0 {
		rt.ArchiveEngine.RetentionDays = archive.DefaultRetentionDays
	}
	if rt.ArchiveEngine.RetentionDays < 1 {
		bad("archive.retention_days must be >= 1")
	}
	if rt.ArchiveEngine.BatchSize < 0 {
		bad("archive.batch_size must be >= 0")
	}

	rt.NotifyEnabled = boolOr(c.Notify.Enabled, true)
	rt.PersistState = boolOr(c.Notify.PersistState, true)
	rt.NotifySchedule = schedule("notify.poll_interval", c.Notify.PollInterval, defaultNotifyPoll, check)
	rt.Notify = notify.DefaultConfig()
	rt.Notify.Location = loc
	if s := strings.TrimSpace(c.Notify.FirstDayOfWeek); s != "" {
		wd, err := calendar.ParseWeekday(s)
		if err != nil {
			bad("notify.first_day_of_week: %v", err)
		}
		rt.Notify.FirstDay = wd
	}
	trigger := func(name string, tc TriggerConfig, def notify.Trigger) notify.Trigger {
		out := def
		if s := strings.TrimSpace(tc.Weekday); s != "" {
			wd, err := calendar.ParseWeekday(s)
			if err != nil {
				bad("notify.%s.weekday: %v", name, err)
			}
			out.Weekday = wd
		}
		if s := strings.TrimSpace(tc.Time); s != "" {
			d, err := calendar.ParseTimeOfDay(s)
			if err != nil {
				bad("notify.%s.time: %v", name, err)
			}
			out.At = d
		}
		return out
	}
	rt.Notify.Reminder = trigger("reminder", c.Notify.Reminder, rt.Notify.Reminder)
	rt.Notify.Summary = trigger("summary", c.Notify.Summary, rt.Notify.Summary)

	rt.Mail = c.resolveMail(bad, check)

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return rt, nil
}

func (c *Config) resolveMail(bad func(string, ...any), check func(error)) lmail.Config {
	mc := c.Mail
	out := lmail.Config{
		Driver:     strings.ToLower(strings.TrimSpace(mc.Driver)),
		From:       strings.TrimSpace(mc.From),
		FromName:   strings.TrimSpace(mc.FromName),
		RatePerSec: mc.RatePerSec,
		RetryMax:   defaultRetryMax,
		SMTP: lmail.SMTPConfig{
			Host:        strings.TrimSpace(mc.SMTP.Host),
			Port:        mc.SMTP.Port,
			ImplicitTLS: mc.SMTP.ImplicitTLS,
			Username:    mc.SMTP.Username,
			Password:    mc.SMTP.Password,
		},
		SES: lmail.SESConfig{Region: strings.TrimSpace(mc.SES.Region)},
	}
	if out.Driver == "" {
		out.Driver = lmail.DriverSMTP
	}
	if mc.RetryMax != nil {
		out.RetryMax = *mc.RetryMax
	}

	var err error
	out.RetryBase, err = parseDuration("mail.retry_base", mc.RetryBase, 500*time.Millisecond)
	check(err)
	out.RetryMaxDelay, err = parseDuration("mail.retry_max_delay", mc.RetryMaxDelay, 10*time.Second)
	check(err)
	out.SendTimeout, err = parseDuration("mail.send_timeout", mc.SendTimeout, 15*time.Second)
	check(err)

	if out.From == "" {
		bad("mail.from is required")
	} else if _, err := mail.ParseAddress(out.From); err != nil {
		bad("mail.from: invalid address %q", out.From)
	}
	if out.RatePerSec < 0 {
		bad("mail.rate_per_sec must be >= 0")
	}
	if out.RetryMax < 0 {
		bad("mail.retry_max must be >= 0")
	}
	switch out.Driver {
	case lmail.DriverSMTP:
		if out.SMTP.Host == "" {
			bad("mail.smtp.host is required for the smtp driver")
		}
		if out.SMTP.Port < 0 || out.SMTP.Port > 65535 {
			bad("mail.smtp.port out of range")
		}
	case lmail.DriverSES:
		if out.SES.Region == "" {
			bad("mail.ses.region is required for the ses driver")
		}
	case lmail.DriverLog:
	default:
		bad("mail.driver: unknown driver %q (want smtp, ses or log)", mc.Driver)
	}
	return out
}

func schedule(path, raw, def string, check func(error)) loop.ParsedSpec {
	if strings.TrimSpace(raw) == "" {
		raw = def
	}
	spec, err := loop.ParseSchedule(raw)
	if err != nil {
		check(fmt.Errorf("%s: %w", path, err))
	}
	return spec
}
