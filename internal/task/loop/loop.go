package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "lunchd/pkg/logx"
)

// State is the position of a loop in its cycle.
type State int32

const (
	StateIdle State = iota
	StateDueCheck
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDueCheck:
		return "due-check"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Job is one cycle of work. now is the clock reading taken when the cycle
// started.
type Job func(ctx context.Context, now time.Time) error

// Clock abstracts time for the loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

type Options struct {
	Name     string
	Schedule cron.Schedule
	Job      Job
	// Due is evaluated before every cycle; false skips the job. Nil means
	// always due.
	Due        func(now time.Time) bool
	Clock      Clock
	Logger     logx.Logger
	RunOnStart bool
}

// Stats is a best-effort snapshot for logs and status output.
type Stats struct {
	Name      string
	State     State
	Runs      uint64
	Skips     uint64
	Failures  uint64
	LastStart time.Time
	LastTook  time.Duration
	LastErr   string
	Next      time.Time
}

// Loop drives a Job on a schedule: idle -> due-check -> running -> idle.
//
// Cycles of one loop never overlap. Job errors and panics are logged and
// counted; they never stop the loop.
type Loop struct {
	name       string
	job        Job
	due        func(now time.Time) bool
	clock      Clock
	log        logx.Logger
	runOnStart bool

	mu    sync.Mutex
	sched cron.Schedule
	next  time.Time
	wake  chan struct{}

	cycle sync.Mutex
	state atomic.Int32

	runs     atomic.Uint64
	skips    atomic.Uint64
	failures atomic.Uint64

	statMu    sync.Mutex
	lastStart time.Time
	lastTook  time.Duration
	lastErr   string
}

func New(opts Options) (*Loop, error) {
	if opts.Job == nil {
		return nil, errors.New("loop: job is required")
	}
	if opts.Schedule == nil {
		return nil, errors.New("loop: schedule is required")
	}
	if opts.Name == "" {
		opts.Name = "loop"
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		name:       opts.Name,
		job:        opts.Job,
		due:        opts.Due,
		clock:      opts.Clock,
		log:        log.With(logx.String("loop", opts.Name)),
		runOnStart: opts.RunOnStart,
		sched:      opts.Schedule,
		wake:       make(chan struct{}, 1),
	}, nil
}

func (l *Loop) Name() string { return l.name }

func (l *Loop) State() State { return State(l.state.Load()) }

// SetSchedule replaces the schedule. A running Run recomputes its next wake-up
// immediately.
func (l *Loop) SetSchedule(s cron.Schedule) {
	if s == nil {
		return
	}
	l.mu.Lock()
	l.sched = s
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) schedule() cron.Schedule {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sched
}

// Step performs one cycle: it checks Due and, when due, runs the job.
// ran reports whether the job was invoked; err is the job's error (a panic is
// returned as an error).
func (l *Loop) Step(ctx context.Context) (ran bool, err error) {
	l.cycle.Lock()
	defer l.cycle.Unlock()
	defer l.state.Store(int32(StateIdle))

	now := l.clock.Now()
	l.state.Store(int32(StateDueCheck))
	due, err := l.checkDue(now)
	if err != nil {
		l.failures.Add(1)
		l.noteErr(err)
		l.log.Error("due check failed", logx.Err(err))
		return false, err
	}
	if !due {
		l.skips.Add(1)
		l.log.Trace("not due", logx.Time("now", now))
		return false, nil
	}

	l.state.Store(int32(StateRunning))
	l.runs.Add(1)
	started := time.Now()
	err = l.runJob(ctx, now)
	took := time.Since(started)

	l.statMu.Lock()
	l.lastStart = now
	l.lastTook = took
	l.lastErr = ""
	if err != nil {
		l.lastErr = err.Error()
	}
	l.statMu.Unlock()

	if err != nil {
		l.failures.Add(1)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			l.log.Info("cycle canceled", logx.Duration("took", took))
		} else {
			l.log.Error("cycle failed", logx.Err(err), logx.Duration("took", took))
		}
		return true, err
	}
	l.log.Debug("cycle done", logx.Duration("took", took))
	return true, nil
}

func (l *Loop) checkDue(now time.Time) (due bool, err error) {
	if l.due == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s due check: %v", l.name, r)
		}
	}()
	return l.due(now), nil
}

func (l *Loop) runJob(ctx context.Context, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("job panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", l.name, r)
		}
	}()
	return l.job(ctx, now)
}

func (l *Loop) noteErr(err error) {
	l.statMu.Lock()
	l.lastErr = err.Error()
	l.statMu.Unlock()
}

// Run alternates Step with waiting for the next scheduled time until ctx is
// canceled. It returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("loop started")
	defer l.log.Info("loop stopped")

	if l.runOnStart {
		_, _ = l.Step(ctx)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := l.clock.Now()
		next := l.schedule().Next(now)
		l.mu.Lock()
		l.next = next
		l.mu.Unlock()

		wait := next.Sub(now)
		if wait < 0 {
			wait = 0
		}
		l.log.Trace("sleeping", logx.Time("next", next), logx.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			continue
		case <-l.clock.After(wait):
		}
		_, _ = l.Step(ctx)
	}
}

func (l *Loop) Stats() Stats {
	l.mu.Lock()
	next := l.next
	l.mu.Unlock()
	l.statMu.Lock()
	defer l.statMu.Unlock()
	return Stats{
		Name:      l.name,
		State:     l.State(),
		Runs:      l.runs.Load(),
		Skips:     l.skips.Load(),
		Failures:  l.failures.Load(),
		LastStart: l.lastStart,
		LastTook:  l.lastTook,
		LastErr:   l.lastErr,
		Next:      next,
	}
}
