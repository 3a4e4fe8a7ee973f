package mail

import (
	"bytes"
	"context"
	"errors"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lunchd/internal/eventbus"
	logx "lunchd/pkg/logx"
)

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls []Message
}

func (s *scriptedSender) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, msg)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestMailer(s Sender, retryMax int, bus eventbus.Bus) *Mailer {
	m := NewMailer(s, Config{RatePerSec: 1000, RetryMax: retryMax}, logx.Nop(), bus)
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return m
}

var okMsg = Message{To: "ana@example.com", Subject: "Weekly menu", HTML: "<p>hi</p>"}

func TestMessageValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"ok", okMsg, true},
		{"text only", Message{To: "a@b.c", Text: "x"}, true},
		{"no recipient", Message{HTML: "x"}, false},
		{"bad recipient", Message{To: "not an address", HTML: "x"}, false},
		{"no body", Message{To: "a@b.c", Subject: "s"}, false},
		{"header injection", Message{To: "a@b.c", Subject: "hi\r\nBcc: x@y.z", HTML: "x"}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			}
		})
	}
}

func TestMailerRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	m := newTestMailer(s, 2, bus)
	require.NoError(t, m.Send(context.Background(), okMsg))
	assert.Equal(t, 3, s.count())

	ev := <-events
	assert.Equal(t, EventSent, ev.Type)
	data, ok := ev.Data.(Event)
	require.True(t, ok)
	assert.Equal(t, 3, data.Attempts)
	assert.Equal(t, "ana@example.com", data.To)

	h := m.History()
	require.Len(t, h, 1)
	assert.Empty(t, h[0].Err)
}

func TestMailerGivesUp(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection refused")
	s := &scriptedSender{errs: []error{boom, boom, boom}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	m := newTestMailer(s, 1, bus)
	err := m.Send(context.Background(), okMsg)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, s.count())

	ev := <-events
	assert.Equal(t, EventFailed, ev.Type)
	require.Len(t, m.History(), 1)
	assert.NotEmpty(t, m.History()[0].Err)
}

func TestMailerDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
	}{
		{"smtp 550", &textproto.Error{Code: 550, Msg: "mailbox unavailable"}},
		{"ses rejected", &types.MessageRejected{}},
		{"invalid", ErrInvalidMessage},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := &scriptedSender{errs: []error{tt.err}}
			m := newTestMailer(s, 3, nil)
			require.Error(t, m.Send(context.Background(), okMsg))
			assert.Equal(t, 1, s.count())
		})
	}
}

func TestMailerRejectsInvalidWithoutSending(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{}
	m := newTestMailer(s, 3, nil)
	err := m.Send(context.Background(), Message{To: "", HTML: "x"})
	require.ErrorIs(t, err, ErrInvalidMessage)
	assert.Zero(t, s.count())
}

func TestMailerStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := SenderFunc(func(context.Context, Message) error {
		cancel()
		return errors.New("temporary")
	})
	m := newTestMailer(s, 5, nil)
	err := m.Send(ctx, okMsg)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter window", d)
	}
}

func TestBuildMIME(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	from := Address{Email: "menu@example.com", Name: "Menu"}

	raw, err := buildMIME(from, Message{To: "ana@example.com", Subject: "Menú semanal", HTML: "<p>Olá</p>"}, now)
	require.NoError(t, err)
	s := string(raw)
	assert.Contains(t, s, "From: \"Menu\" <menu@example.com>\r\n")
	assert.Contains(t, s, "To: ana@example.com\r\n")
	assert.Contains(t, s, "Subject: =?utf-8?q?")
	assert.Contains(t, s, "Content-Type: text/html; charset=\"utf-8\"\r\n")
	assert.Contains(t, s, "Message-ID: <")
	assert.Contains(t, s, "@example.com>")

	raw, err = buildMIME(from, Message{To: "ana@example.com", Subject: "Hi", HTML: "<p>x</p>", Text: "x"}, now)
	require.NoError(t, err)
	s = string(raw)
	assert.Contains(t, s, "multipart/alternative; boundary=\"lunchd-")
	assert.Equal(t, 1, strings.Count(s, "text/plain"))
	assert.True(t, strings.HasSuffix(s, "--\r\n"))
}

type fakeSES struct {
	in  *ses.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{}, nil
}

func TestSESSenderBuildsRequest(t *testing.T) {
	t.Parallel()
	client := &fakeSES{}
	s := &SESSender{client: client, from: Address{Email: "menu@example.com"}}

	require.NoError(t, s.Send(context.Background(), okMsg))
	require.NotNil(t, client.in)
	assert.Equal(t, []string{"ana@example.com"}, client.in.Destination.ToAddresses)
	assert.Equal(t, "menu@example.com", *client.in.Source)
	assert.Equal(t, "Weekly menu", *client.in.Message.Subject.Data)
	require.NotNil(t, client.in.Message.Body.Html)
	assert.Nil(t, client.in.Message.Body.Text)

	client.err = &types.MessageRejected{}
	err := s.Send(context.Background(), okMsg)
	require.Error(t, err)
	assert.True(t, permanent(err))
}

func TestNewSender(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := NewSender(ctx, Config{Driver: "log", From: "menu@example.com"}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)

	s, err = NewSender(ctx, Config{Driver: "smtp", From: "menu@example.com", SMTP: SMTPConfig{Host: "smtp.example.com"}}, logx.Nop())
	require.NoError(t, err)
	require.IsType(t, &SMTPSender{}, s)
	assert.Equal(t, 587, s.(*SMTPSender).cfg.Port)

	_, err = NewSender(ctx, Config{Driver: "smtp", From: "menu@example.com"}, logx.Nop())
	require.Error(t, err)
	_, err = NewSender(ctx, Config{Driver: "ses", From: "menu@example.com"}, logx.Nop())
	require.Error(t, err)
	_, err = NewSender(ctx, Config{Driver: "pigeon"}, logx.Nop())
	require.Error(t, err)
}

func TestLogSenderWritesSummary(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := NewLog(logx.NewWriter(&buf, "info"), Address{Email: "menu@example.com"})
	require.NoError(t, s.Send(context.Background(), okMsg))
	assert.Contains(t, buf.String(), "ana@example.com")
	assert.Contains(t, buf.String(), "Weekly menu")
}
