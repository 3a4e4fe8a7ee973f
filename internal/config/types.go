package config

// Config is the on-disk configuration (lunchd.yaml or lunchd.json).
//
// All durations are Go duration strings ("500ms", "15s", "1h"). Poll
// intervals additionally accept the schedule forms understood by
// loop.ParseSchedule ("02:30", "@every 1h", "cron:0 * * * *").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Archive ArchiveConfig `json:"archive"`
	Notify  NotifyConfig  `json:"notify"`
	Mail    MailConfig    `json:"mail"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig names the two SQLite databases. Changing it requires a
// restart.
type StorageConfig struct {
	Primary StoreConfig `json:"primary"`
	Archive StoreConfig `json:"archive"`
}

type StoreConfig struct {
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// ArchiveConfig controls the archival loop.
//
// Defaults:
//   - enabled: true
//   - poll_interval: "1h"
//   - retention_days: 30
//   - batch_size: 50 (0 moves the whole snapshot in one batch)
type ArchiveConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
	BatchSize     *int   `json:"batch_size,omitempty"`
	RunOnStart    *bool  `json:"run_on_start,omitempty"`
}

// NotifyConfig controls the weekly reminder and summary.
type NotifyConfig struct {
	Enabled        *bool         `json:"enabled,omitempty"`
	PollInterval   string        `json:"poll_interval,omitempty"`
	Timezone       string        `json:"timezone,omitempty"`
	FirstDayOfWeek string        `json:"first_day_of_week,omitempty"`
	PersistState   *bool         `json:"persist_state,omitempty"`
	Reminder       TriggerConfig `json:"reminder"`
	Summary        TriggerConfig `json:"summary"`
}

type TriggerConfig struct {
	Weekday string `json:"weekday"`
	Time    string `json:"time"`
}

type MailConfig struct {
	Driver        string     `json:"driver,omitempty"`
	From          string     `json:"from"`
	FromName      string     `json:"from_name,omitempty"`
	RatePerSec    int        `json:"rate_per_sec,omitempty"`
	RetryMax      *int       `json:"retry_max,omitempty"`
	RetryBase     string     `json:"retry_base,omitempty"`
	RetryMaxDelay string     `json:"retry_max_delay,omitempty"`
	SendTimeout   string     `json:"send_timeout,omitempty"`
	SMTP          SMTPConfig `json:"smtp"`
	SES           SESConfig  `json:"ses"`
}

// SMTPConfig credentials never come from the file; see Secrets.
type SMTPConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port,omitempty"`
	ImplicitTLS bool   `json:"implicit_tls,omitempty"`

	Username string `json:"-"`
	Password string `json:"-"`
}

type SESConfig struct {
	Region string `json:"region"`
}

// Secrets are read from the environment only.
type Secrets struct {
	SMTPUsername string `env:"LUNCHD_SMTP_USERNAME"`
	SMTPPassword string `env:"LUNCHD_SMTP_PASSWORD"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
