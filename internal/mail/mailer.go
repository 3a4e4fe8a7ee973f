package mail

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lunchd/internal/eventbus"
	logx "lunchd/pkg/logx"
)

const (
	EventSent   = "mail.sent"
	EventFailed = "mail.failed"

	historySize = 50
)

// Config controls delivery. Driver selects the Sender built by NewSender.
type Config struct {
	Driver   string // smtp | ses | log
	From     string
	FromName string

	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	SMTP SMTPConfig
	SES  SESConfig
}

func (c Config) Address() Address { return Address{Email: c.From, Name: c.FromName} }

// Event is published on the bus after every delivery outcome.
type Event struct {
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

type HistoryItem struct {
	At      time.Time
	To      string
	Subject string
	Err     string
}

// Mailer is a rate-limited, retrying Sender. It is safe for concurrent use.
type Mailer struct {
	sender Sender
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewMailer(sender Sender, cfg Config, log logx.Logger, bus eventbus.Bus) *Mailer {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Mailer{sender: sender, log: log, bus: bus, sleep: sleepCtx}
	m.applyLocked(cfg)
	return m
}

// Apply swaps the delivery policy. The driver itself is not replaced.
func (m *Mailer) Apply(cfg Config) {
	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()
}

func (m *Mailer) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	m.cfg = cfg
	// Token bucket: burst = rate per sec.
	m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send delivers msg, retrying transient failures. It returns the last error
// once attempts are exhausted, or ctx.Err() when canceled while waiting.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		m.finish(msg, 0, err)
		return err
	}

	m.mu.Lock()
	cfg := m.cfg
	lim := m.limiter
	m.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := m.sender.Send(callCtx, msg)
		cancel()
		if err == nil {
			m.finish(msg, attempt, nil)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Debug("mail send failed", logx.String("to", msg.To), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if permanent(err) || attempt >= maxAttempts {
			break
		}
		if err := m.sleep(ctx, retryDelay(cfg, attempt)); err != nil {
			return err
		}
	}

	err := fmt.Errorf("send to %s failed after %d attempt(s): %w", msg.To, attempt, lastErr)
	m.finish(msg, attempt, err)
	return err
}

func (m *Mailer) finish(msg Message, attempts int, err error) {
	now := time.Now()
	item := HistoryItem{At: now, To: msg.To, Subject: msg.Subject}
	ev := Event{To: msg.To, Subject: msg.Subject, Attempts: attempts, At: now}
	typ := EventSent
	if err != nil {
		item.Err = err.Error()
		ev.Error = err.Error()
		typ = EventFailed
	}

	m.hmu.Lock()
	m.history = append(m.history, item)
	if len(m.history) > historySize {
		m.history = append([]HistoryItem(nil), m.history[len(m.history)-historySize:]...)
	}
	m.hmu.Unlock()

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}
}

// History returns recent deliveries, oldest first.
func (m *Mailer) History() []HistoryItem {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	return append([]HistoryItem(nil), m.history...)
}

func permanent(err error) bool {
	return errors.Is(err, ErrInvalidMessage) || permanentSMTP(err) || permanentSES(err)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
