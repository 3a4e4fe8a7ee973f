package app

import (
	"context"
	"fmt"
	"time"

	"lunchd/internal/archive"
	"lunchd/internal/config"
	"lunchd/internal/eventbus"
	"lunchd/internal/mail"
	"lunchd/internal/notify"
	"lunchd/internal/storage"
	"lunchd/internal/task/loop"
	logx "lunchd/pkg/logx"
)

// Components are the domain services built from a resolved config. One-shot
// CLI commands use them directly; App drives them with loops.
type Components struct {
	Log     logx.Logger
	Bus     *eventbus.MemBus
	Primary *storage.DB
	Archive *storage.DB

	Mailer     *mail.Mailer
	Engine     *archive.Engine
	Dispatcher *notify.Dispatcher
	Scheduler  *notify.Scheduler
}

// Build opens both stores (applying migrations) and wires the services.
func Build(ctx context.Context, rt *config.Runtime, log logx.Logger) (*Components, error) {
	c := &Components{Log: log, Bus: eventbus.New()}

	var err error
	c.Primary, err = storage.Open(ctx, rt.Primary, log.With(logx.String("comp", "storage"), logx.String("store", "primary")))
	if err != nil {
		return nil, fmt.Errorf("open primary store: %w", err)
	}
	c.Archive, err = storage.Open(ctx, rt.Archive, log.With(logx.String("comp", "storage"), logx.String("store", "archive")))
	if err != nil {
		_ = c.Primary.Close()
		return nil, fmt.Errorf("open archive store: %w", err)
	}

	sender, err := mail.NewSender(ctx, rt.Mail, log.With(logx.String("comp", "mail")))
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Mailer = mail.NewMailer(sender, rt.Mail, log.With(logx.String("comp", "mail")), c.Bus)

	c.Engine = archive.New(c.Primary, c.Archive, rt.ArchiveEngine, log.With(logx.String("comp", "archive")), c.Bus)

	c.Dispatcher = notify.NewDispatcher(c.Primary, c.Mailer, renderer(rt), log.With(logx.String("comp", "notify")))
	var stateStore notify.StateStore
	if rt.PersistState {
		stateStore = c.Primary
	}
	c.Scheduler = notify.NewScheduler(rt.Notify, c.Dispatcher, notify.NewFireState(stateStore),
		log.With(logx.String("comp", "notify")), c.Bus)
	return c, nil
}

func renderer(rt *config.Runtime) notify.Renderer {
	return notify.Renderer{Signature: rt.Mail.FromName}
}

// Close closes both stores.
func (c *Components) Close() {
	if c.Archive != nil {
		if err := c.Archive.Close(); err != nil {
			c.Log.Warn("close archive store", logx.Err(err))
		}
	}
	if c.Primary != nil {
		if err := c.Primary.Close(); err != nil {
			c.Log.Warn("close primary store", logx.Err(err))
		}
	}
}

func newLoop(name string, spec loop.ParsedSpec, rt *config.Runtime, job loop.Job, due func() bool, runOnStart bool, log logx.Logger) (*loop.Loop, error) {
	sched, err := spec.Schedule(rt.Notify.Location)
	if err != nil {
		return nil, fmt.Errorf("%s schedule: %w", name, err)
	}
	return loop.New(loop.Options{
		Name:       name,
		Schedule:   sched,
		Job:        job,
		Due:        func(time.Time) bool { return due() },
		Logger:     log,
		RunOnStart: runOnStart,
	})
}
