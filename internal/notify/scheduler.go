package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lunchd/internal/calendar"
	"lunchd/internal/eventbus"
	logx "lunchd/pkg/logx"
)

const (
	EventDispatched = "notify.dispatched"
	EventFailed     = "notify.failed"
)

// DispatchEvent is the payload of EventDispatched and EventFailed.
type DispatchEvent struct {
	Kind       Kind      `json:"kind"`
	WeekStart  time.Time `json:"week_start"`
	Manual     bool      `json:"manual"`
	Recipients int       `json:"recipients"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// Scheduler decides on each tick whether a weekly notification is due and
// dispatches it at most once per target week.
type Scheduler struct {
	disp  *Dispatcher
	state *FireState
	log   logx.Logger
	bus   eventbus.Bus

	mu  sync.Mutex
	cfg Config

	// serializes Tick and Fire
	run sync.Mutex
}

func NewScheduler(cfg Config, disp *Dispatcher, state *FireState, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if state == nil {
		state = NewFireState(nil)
	}
	s := &Scheduler{disp: disp, state: state, log: log, bus: bus}
	s.Apply(cfg)
	return s
}

func (s *Scheduler) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// TargetWeek is the week notifications evaluated at now refer to: the one
// after the week containing now.
func (s *Scheduler) TargetWeek(now time.Time) calendar.Week {
	cfg := s.Config()
	return calendar.Calendar{FirstDay: cfg.FirstDay}.NextWeek(now.In(cfg.Location))
}

// Tick evaluates every kind against now. It is the loop job.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	s.run.Lock()
	defer s.run.Unlock()

	cfg := s.Config()
	now = now.In(cfg.Location)
	week := calendar.Calendar{FirstDay: cfg.FirstDay}.NextWeek(now)

	var errs []error
	for _, kind := range Kinds {
		if err := s.evaluate(ctx, cfg, kind, now, week); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) evaluate(ctx context.Context, cfg Config, kind Kind, now time.Time, week calendar.Week) error {
	trig := cfg.trigger(kind)
	if !trig.Matches(now) {
		return nil
	}
	due, err := s.state.ShouldFire(ctx, kind, week.Start)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}

	log := s.log.With(logx.String("kind", string(kind)), logx.String("week", week.String()))
	_, err = s.dispatch(ctx, kind, week, false)
	switch {
	case errors.Is(err, ErrNoMenus):
		// Not marked: a later tick on the same day retries once menus exist.
		log.Info("no menus published for target week; reminder held back")
		return nil
	case err != nil:
		return err
	}

	if err := s.state.Mark(ctx, kind, week.Start, now); err != nil {
		log.Error("fire state not persisted; a restart may resend", logx.Err(err))
		return err
	}
	return nil
}

// Fire dispatches kind for week right away, ignoring the trigger and whether
// it already fired. The reminder still requires menus in week. The fire state
// is left untouched.
func (s *Scheduler) Fire(ctx context.Context, kind Kind, week calendar.Week) (Report, error) {
	s.run.Lock()
	defer s.run.Unlock()
	return s.dispatch(ctx, kind, week, true)
}

// FireWith is Fire through another dispatcher (a dry-run sender, typically).
func (s *Scheduler) FireWith(ctx context.Context, disp *Dispatcher, kind Kind, week calendar.Week) (Report, error) {
	s.run.Lock()
	defer s.run.Unlock()
	orig := s.disp
	s.disp = disp
	defer func() { s.disp = orig }()
	return s.dispatch(ctx, kind, week, true)
}

func (s *Scheduler) dispatch(ctx context.Context, kind Kind, week calendar.Week, manual bool) (Report, error) {
	log := s.log.With(logx.String("kind", string(kind)), logx.String("week", week.String()))

	if kind == KindReminder {
		ok, err := s.disp.dir.MenusExist(ctx, week.Start, week.End)
		if err != nil {
			err = fmt.Errorf("check menus: %w", err)
			s.publishFailure(kind, week, manual, err)
			return Report{Kind: kind, Week: week}, err
		}
		if !ok {
			return Report{Kind: kind, Week: week}, ErrNoMenus
		}
	}

	started := time.Now()
	rep, err := s.disp.Dispatch(ctx, kind, week)
	if err != nil {
		log.Error("dispatch failed", logx.Err(err))
		s.publishFailure(kind, week, manual, err)
		return rep, err
	}

	ev := DispatchEvent{
		Kind: kind, WeekStart: week.Start, Manual: manual,
		Recipients: rep.Recipients, Sent: rep.Sent, Failed: rep.Failed,
	}
	if rep.Failed > 0 {
		ev.Error = rep.Err().Error()
		log.Warn("dispatch finished with failures",
			logx.Int("recipients", rep.Recipients),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
			logx.Err(rep.Err()),
		)
	} else {
		log.Info("dispatch finished",
			logx.Int("recipients", rep.Recipients),
			logx.Int("sent", rep.Sent),
			logx.Int("skipped", rep.Skipped),
			logx.Duration("took", time.Since(started)),
		)
	}
	s.publish(EventDispatched, ev)
	return rep, nil
}

func (s *Scheduler) publishFailure(kind Kind, week calendar.Week, manual bool, err error) {
	s.publish(EventFailed, DispatchEvent{Kind: kind, WeekStart: week.Start, Manual: manual, Error: err.Error()})
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
