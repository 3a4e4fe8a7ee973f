package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"lunchd/internal/config"
	"lunchd/internal/eventbus"
	"lunchd/internal/runtime/supervisor"
	"lunchd/internal/task/loop"
	logx "lunchd/pkg/logx"
)

// App is the long-running daemon: an archive loop and a notify loop under one
// supervisor, plus config hot reload.
type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	*Components

	archiveOn atomic.Bool
	notifyOn  atomic.Bool

	archiveLoop *loop.Loop
	notifyLoop  *loop.Loop

	sup *supervisor.Supervisor
}

// Open loads the config, starts logging and builds the components. Nothing
// runs until Start.
func Open(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	_, rt, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logs, root := logx.New(rt.Logging)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	comps, err := Build(ctx, rt, root)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	a := &App{cfgm: cfgm, logs: logs, log: log, Components: comps}
	a.archiveOn.Store(rt.ArchiveEnabled)
	a.notifyOn.Store(rt.NotifyEnabled)

	a.archiveLoop, err = newLoop("archive", rt.ArchiveSchedule, rt, a.Engine.Tick, a.archiveOn.Load,
		rt.ArchiveRunOnStart, root.With(logx.String("comp", "loop")))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.notifyLoop, err = newLoop("notify", rt.NotifySchedule, rt, a.Scheduler.Tick, a.notifyOn.Load,
		true, root.With(logx.String("comp", "loop")))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Runtime() *config.Runtime {
	_, rt := a.cfgm.Get()
	return rt
}

// Close releases stores and log sinks. Use it for one-shot commands that
// never called Start.
func (a *App) Close() {
	a.Components.Close()
	_ = a.logs.Close()
}

// Done is closed when the supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the loops, the config watcher and the event logger.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sup.GoRestart("loop.archive", a.archiveLoop.Run, supervisor.WithBackoff(time.Second, time.Minute))
	a.sup.GoRestart("loop.notify", a.notifyLoop.Run, supervisor.WithBackoff(time.Second, time.Minute))
	a.sup.GoRestart("eventbus.log", func(c context.Context) error {
		eventbus.LogEvents(c, a.Bus, a.log.With(logx.String("comp", "events")))
		return c.Err()
	})

	updates := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		return a.reloadLoop(c, updates)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	rt := a.Runtime()
	a.log.Info("lunchd started", rt.LogFields()...)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, updates <-chan config.Update) error {
	applied, _ := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			a.apply(applied, u)
			applied = u.Config
		}
	}
}

// apply pushes the live-reloadable settings to every component.
func (a *App) apply(prev *config.Config, u config.Update) {
	ch := config.Diff(prev, u.Config)
	if ch.Empty() {
		a.log.Debug("config reload without effective changes")
		return
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			logx.String("settings", strings.Join(ch.RestartRequired, ",")))
	}

	rt := u.Runtime
	if err := a.logs.Apply(rt.Logging); err != nil {
		a.log.Warn("logging config partly applied", logx.Err(err))
	}
	a.Engine.Apply(rt.ArchiveEngine)
	a.Scheduler.Apply(rt.Notify)
	// the sender keeps its transport; rate, retries and timeouts are live
	a.Mailer.Apply(rt.Mail)
	a.archiveOn.Store(rt.ArchiveEnabled)
	a.notifyOn.Store(rt.NotifyEnabled)

	if s, err := rt.ArchiveSchedule.Schedule(rt.Notify.Location); err == nil {
		a.archiveLoop.SetSchedule(s)
	}
	if s, err := rt.NotifySchedule.Schedule(rt.Notify.Location); err == nil {
		a.notifyLoop.SetSchedule(s)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, rt.LogFields()...)
	a.log.Info("config applied", fields...)
}

// Stop cancels the loops and waits for them, then closes stores and logs.
// Every step is bounded so one slow component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	var err error
	if a.sup != nil {
		step("supervisor", 10*time.Second, func(c context.Context) error {
			err = a.sup.Stop(c)
			return err
		})
	}
	step("storage", 2*time.Second, func(context.Context) error {
		a.Components.Close()
		return nil
	})
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}
