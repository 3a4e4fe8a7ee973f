package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
	added   chan struct{}
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, added: make(chan struct{}, 64)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	select {
	case c.added <- struct{}{}:
	default:
	}
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *fakeClock) awaitWaiter(t *testing.T) {
	t.Helper()
	select {
	case <-c.added:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never started waiting")
	}
}

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func newTestLoop(t *testing.T, opts Options) *Loop {
	t.Helper()
	if opts.Schedule == nil {
		opts.Schedule = cron.Every(time.Minute)
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{Schedule: cron.Every(time.Minute)}); err == nil {
		t.Fatal("expected error without job")
	}
	if _, err := New(Options{Job: func(context.Context, time.Time) error { return nil }}); err == nil {
		t.Fatal("expected error without schedule")
	}
}

func TestStepStates(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(t0)
	var l *Loop
	var inDue, inJob State
	var gotNow time.Time
	l = newTestLoop(t, Options{
		Name:  "archive",
		Clock: clock,
		Due: func(now time.Time) bool {
			inDue = l.State()
			return true
		},
		Job: func(ctx context.Context, now time.Time) error {
			inJob = l.State()
			gotNow = now
			return nil
		},
	})

	ran, err := l.Step(context.Background())
	if err != nil || !ran {
		t.Fatalf("Step = %v, %v; want true, nil", ran, err)
	}
	if inDue != StateDueCheck {
		t.Fatalf("state in due = %s, want due-check", inDue)
	}
	if inJob != StateRunning {
		t.Fatalf("state in job = %s, want running", inJob)
	}
	if l.State() != StateIdle {
		t.Fatalf("state after step = %s, want idle", l.State())
	}
	if !gotNow.Equal(t0) {
		t.Fatalf("job now = %v, want %v", gotNow, t0)
	}
}

func TestStepNotDueSkipsJob(t *testing.T) {
	t.Parallel()
	calls := 0
	l := newTestLoop(t, Options{
		Clock: newFakeClock(t0),
		Due:   func(time.Time) bool { return false },
		Job: func(context.Context, time.Time) error {
			calls++
			return nil
		},
	})
	ran, err := l.Step(context.Background())
	if ran || err != nil {
		t.Fatalf("Step = %v, %v; want false, nil", ran, err)
	}
	if calls != 0 {
		t.Fatalf("job called %d times", calls)
	}
	if st := l.Stats(); st.Skips != 1 || st.Runs != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStepRecoversPanic(t *testing.T) {
	t.Parallel()
	calls := 0
	l := newTestLoop(t, Options{
		Clock: newFakeClock(t0),
		Job: func(context.Context, time.Time) error {
			calls++
			if calls == 1 {
				panic("boom")
			}
			return nil
		},
	})

	ran, err := l.Step(context.Background())
	if !ran || err == nil {
		t.Fatalf("first Step = %v, %v; want panic error", ran, err)
	}
	if l.State() != StateIdle {
		t.Fatalf("state after panic = %s", l.State())
	}
	ran, err = l.Step(context.Background())
	if !ran || err != nil {
		t.Fatalf("second Step = %v, %v; want true, nil", ran, err)
	}
	st := l.Stats()
	if st.Runs != 2 || st.Failures != 1 || st.LastErr != "" {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStepDuePanicIsError(t *testing.T) {
	t.Parallel()
	l := newTestLoop(t, Options{
		Clock: newFakeClock(t0),
		Due:   func(time.Time) bool { panic("bad predicate") },
		Job:   func(context.Context, time.Time) error { return nil },
	})
	ran, err := l.Step(context.Background())
	if ran || err == nil {
		t.Fatalf("Step = %v, %v; want false, error", ran, err)
	}
}

func TestRunFiresOnScheduleAndSurvivesErrors(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(t0)
	fired := make(chan time.Time, 4)
	l := newTestLoop(t, Options{
		Clock:      clock,
		Schedule:   cron.Every(time.Minute),
		RunOnStart: true,
		Job: func(ctx context.Context, now time.Time) error {
			fired <- now
			return errors.New("transient")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	if got := <-fired; !got.Equal(t0) {
		t.Fatalf("first run at %v, want %v", got, t0)
	}
	for i := 1; i <= 2; i++ {
		clock.awaitWaiter(t)
		clock.Advance(time.Minute)
		want := t0.Add(time.Duration(i) * time.Minute)
		select {
		case got := <-fired:
			if !got.Equal(want) {
				t.Fatalf("run %d at %v, want %v", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d never happened", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if st := l.Stats(); st.Runs != 3 || st.Failures != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSetScheduleWakesRun(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(t0)
	fired := make(chan struct{}, 4)
	l := newTestLoop(t, Options{
		Clock:    clock,
		Schedule: cron.Every(time.Hour),
		Job: func(context.Context, time.Time) error {
			fired <- struct{}{}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	clock.awaitWaiter(t)
	l.SetSchedule(cron.Every(time.Minute))
	clock.awaitWaiter(t)
	clock.Advance(time.Minute)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run on the new schedule")
	}
}
