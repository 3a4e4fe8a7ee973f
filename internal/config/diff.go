package config

import (
	"reflect"

	logx "lunchd/pkg/logx"
)

// Change describes what differs between two configs.
type Change struct {
	// Sections that changed ("logging", "archive", ...).
	Sections []string
	// RestartRequired lists changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section. Secrets are not compared.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	section := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			ch.Sections = append(ch.Sections, name)
		}
	}
	section("logging", oldCfg.Logging, newCfg.Logging)
	section("storage", oldCfg.Storage, newCfg.Storage)
	section("archive", oldCfg.Archive, newCfg.Archive)
	section("notify", oldCfg.Notify, newCfg.Notify)
	section("mail", publicMail(oldCfg.Mail), publicMail(newCfg.Mail))

	if oldCfg.Storage != newCfg.Storage {
		ch.RestartRequired = append(ch.RestartRequired, "storage")
	}
	if oldCfg.Mail.Driver != newCfg.Mail.Driver {
		ch.RestartRequired = append(ch.RestartRequired, "mail.driver")
	}
	if oldCfg.Mail.SMTP.Host != newCfg.Mail.SMTP.Host ||
		oldCfg.Mail.SMTP.Port != newCfg.Mail.SMTP.Port ||
		oldCfg.Mail.SMTP.ImplicitTLS != newCfg.Mail.SMTP.ImplicitTLS {
		ch.RestartRequired = append(ch.RestartRequired, "mail.smtp")
	}
	if oldCfg.Mail.SES != newCfg.Mail.SES {
		ch.RestartRequired = append(ch.RestartRequired, "mail.ses")
	}
	if boolOr(oldCfg.Notify.PersistState, true) != boolOr(newCfg.Notify.PersistState, true) {
		ch.RestartRequired = append(ch.RestartRequired, "notify.persist_state")
	}
	return ch
}

func publicMail(m MailConfig) MailConfig {
	m.SMTP.Username, m.SMTP.Password = "", ""
	return m
}

// LogFields returns safe fields describing rt for a reload log line.
func (rt *Runtime) LogFields() []logx.Field {
	return []logx.Field{
		logx.String("log_level", rt.Logging.Level),
		logx.Bool("archive_enabled", rt.ArchiveEnabled),
		logx.String("archive_schedule", rt.ArchiveSchedule.String()),
		logx.Int("retention_days", rt.ArchiveEngine.RetentionDays),
		logx.Int("batch_size", rt.ArchiveEngine.BatchSize),
		logx.Bool("notify_enabled", rt.NotifyEnabled),
		logx.String("notify_schedule", rt.NotifySchedule.String()),
		logx.String("reminder", rt.Notify.Reminder.String()),
		logx.String("summary", rt.Notify.Summary.String()),
		logx.String("first_day", rt.Notify.FirstDay.String()),
		logx.String("mail_driver", rt.Mail.Driver),
		logx.Bool("smtp_auth", rt.Mail.SMTP.Username != ""),
	}
}
