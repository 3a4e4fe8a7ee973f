package notify

import (
	"context"
	"fmt"
	"time"

	"lunchd/internal/calendar"
	"lunchd/internal/mail"
	"lunchd/internal/storage"
	logx "lunchd/pkg/logx"
)

// Directory is the read side of the primary store used for dispatch.
type Directory interface {
	UsersWithEmail(ctx context.Context) ([]storage.User, error)
	MenusExist(ctx context.Context, from, to time.Time) (bool, error)
	HasActiveSelections(ctx context.Context, userID int64, from, to time.Time) (bool, error)
	ActiveSelections(ctx context.Context, userID int64, from, to time.Time) ([]storage.SelectionDetail, error)
}

// Dispatcher selects recipients for a week and sends them their message.
// One recipient failing does not stop the others.
type Dispatcher struct {
	dir    Directory
	sender mail.Sender
	render Renderer
	log    logx.Logger
}

func NewDispatcher(dir Directory, sender mail.Sender, render Renderer, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{dir: dir, sender: sender, render: render, log: log}
}

// WithSender returns a copy that delivers through s.
func (d *Dispatcher) WithSender(s mail.Sender) *Dispatcher {
	cp := *d
	cp.sender = s
	return &cp
}

func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, week calendar.Week) (Report, error) {
	if kind == KindSummary {
		return d.SendSummaries(ctx, week)
	}
	return d.SendReminders(ctx, week)
}

// SendReminders mails every user with an email address and no active
// selection in week.
func (d *Dispatcher) SendReminders(ctx context.Context, week calendar.Week) (Report, error) {
	return d.each(ctx, KindReminder, week, func(u storage.User) (mail.Message, bool, error) {
		has, err := d.dir.HasActiveSelections(ctx, u.ID, week.Start, week.End)
		if err != nil || has {
			return mail.Message{}, false, err
		}
		msg, err := d.render.Reminder(u, week)
		return msg, true, err
	})
}

// SendSummaries mails every user with an email address and at least one
// active selection in week the list of those selections.
func (d *Dispatcher) SendSummaries(ctx context.Context, week calendar.Week) (Report, error) {
	return d.each(ctx, KindSummary, week, func(u storage.User) (mail.Message, bool, error) {
		sels, err := d.dir.ActiveSelections(ctx, u.ID, week.Start, week.End)
		if err != nil || len(sels) == 0 {
			return mail.Message{}, false, err
		}
		msg, err := d.render.Summary(u, week, sels)
		return msg, true, err
	})
}

// each returns an error only when the recipient list cannot be built; every
// per-user failure is recorded in the report.
func (d *Dispatcher) each(ctx context.Context, kind Kind, week calendar.Week, build func(storage.User) (mail.Message, bool, error)) (Report, error) {
	rep := Report{Kind: kind, Week: week}
	log := d.log.With(logx.String("kind", string(kind)), logx.String("week", week.String()))

	users, err := d.dir.UsersWithEmail(ctx)
	if err != nil {
		return rep, fmt.Errorf("list %s recipients: %w", kind, err)
	}

	for _, u := range users {
		if err := ctx.Err(); err != nil {
			rep.fail(err)
			break
		}
		msg, ok, err := build(u)
		if err != nil {
			log.Warn("prepare message failed", logx.Int64("user", u.ID), logx.Err(err))
			rep.fail(fmt.Errorf("user %d: %w", u.ID, err))
			continue
		}
		if !ok {
			rep.Skipped++
			continue
		}
		rep.Recipients++
		if err := d.sender.Send(ctx, msg); err != nil {
			log.Warn("send failed", logx.Int64("user", u.ID), logx.String("to", u.Email), logx.Err(err))
			rep.fail(fmt.Errorf("user %d: %w", u.ID, err))
			continue
		}
		rep.Sent++
		log.Debug("sent", logx.Int64("user", u.ID), logx.String("to", u.Email))
	}
	return rep, nil
}
