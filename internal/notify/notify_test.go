package notify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lunchd/internal/calendar"
	"lunchd/internal/eventbus"
	"lunchd/internal/mail"
	"lunchd/internal/storage"
	logx "lunchd/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	msgs []mail.Message
	fail map[string]error
}

func (r *recorder) Send(ctx context.Context, msg mail.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[msg.To]; err != nil {
		return err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) sent() []mail.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mail.Message(nil), r.msgs...)
}

func (r *recorder) to() []string {
	var out []string
	for _, m := range r.sent() {
		out = append(out, m.To)
	}
	return out
}

// brokenDirectory fails UsersWithEmail while broken is set.
type brokenDirectory struct {
	Directory
	broken bool
}

func (b *brokenDirectory) UsersWithEmail(ctx context.Context) ([]storage.User, error) {
	if b.broken {
		return nil, errors.New("database is locked")
	}
	return b.Directory.UsersWithEmail(ctx)
}

type fixture struct {
	db   *storage.DB
	sink *recorder
	ids  map[string]int64
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func at(d time.Time, hh, mm int) time.Time {
	return d.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
}

// newFixture seeds ana and bob with addresses and carl without one. Menus
// exist for Mon 11 and Tue 12 March 2024; bob has an active selection on the
// 12th.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{
		Name:     "primary",
		Path:     filepath.Join(t.TempDir(), "menu.db"),
		Location: time.UTC,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, sink: &recorder{}, ids: map[string]int64{}}
	for _, u := range []storage.User{
		{Username: "ana", Email: "ana@example.com"},
		{Username: "bob", Email: "bob@example.com"},
		{Username: "carl"},
	} {
		id, err := db.InsertUser(ctx, u)
		require.NoError(t, err)
		f.ids[u.Username] = id
	}

	f.addMenu(t, day(2024, 3, 11))
	tue := f.addMenu(t, day(2024, 3, 12))
	_, err = db.InsertSelection(ctx, storage.Selection{
		UserID: f.ids["bob"], MenuID: tue.ID, Category: storage.CategoryVeggie, Active: true,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) addMenu(t *testing.T, d time.Time) storage.Menu {
	t.Helper()
	m, err := f.db.CreateMenu(context.Background(), storage.Menu{Date: d, Items: []storage.MenuItem{
		{Name: "Lasagna", Category: storage.CategoryClassic},
		{Name: "Falafel bowl", Category: storage.CategoryVeggie},
	}})
	require.NoError(t, err)
	return m
}

func (f *fixture) scheduler(dir Directory, state *FireState) *Scheduler {
	if dir == nil {
		dir = f.db
	}
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	disp := NewDispatcher(dir, f.sink, Renderer{}, logx.Nop())
	return NewScheduler(cfg, disp, state, logx.Nop(), nil)
}

func TestTriggerMatches(t *testing.T) {
	t.Parallel()
	trig := Trigger{Weekday: time.Monday, At: 9 * time.Hour}
	mon := day(2024, 3, 4)
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before", at(mon, 8, 59), false},
		{"exact", at(mon, 9, 0), true},
		{"late evening", at(mon, 23, 59), true},
		{"next day", at(mon.AddDate(0, 0, 1), 9, 0), false},
		{"previous day", at(mon.AddDate(0, 0, -1), 10, 0), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trig.Matches(tt.now))
		})
	}
}

func TestParseTriggerAndKind(t *testing.T) {
	t.Parallel()
	trig, err := ParseTrigger("Fri", "17:30")
	require.NoError(t, err)
	assert.Equal(t, Trigger{Weekday: time.Friday, At: 17*time.Hour + 30*time.Minute}, trig)
	assert.Equal(t, "Friday 17:30", trig.String())

	_, err = ParseTrigger("someday", "09:00")
	require.Error(t, err)

	k, err := ParseKind(" Summary ")
	require.NoError(t, err)
	assert.Equal(t, KindSummary, k)
	_, err = ParseKind("digest")
	require.Error(t, err)
}

func TestMondayReminderGoesToUsersWithoutSelections(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(nil, nil)
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx, at(day(2024, 3, 4), 9, 0)))

	msgs := f.sink.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ana@example.com", msgs[0].To)
	assert.Equal(t, "Time to order your menu for the week 2024-03-11 - 2024-03-17", msgs[0].Subject)
	assert.Contains(t, msgs[0].HTML, "<strong>2024-03-11 - 2024-03-17</strong>")
	assert.Contains(t, msgs[0].HTML, "Hello ana")
}

func TestReminderFiresOncePerWeek(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(nil, nil)
	ctx := context.Background()
	mon := day(2024, 3, 4)

	for _, now := range []time.Time{at(mon, 8, 0), at(mon, 9, 0), at(mon, 9, 1), at(mon, 14, 0), at(mon, 23, 59)} {
		require.NoError(t, s.Tick(ctx, now))
	}
	assert.Len(t, f.sink.sent(), 1)

	// Next Monday targets the week of the 18th, which needs its own menu.
	f.addMenu(t, day(2024, 3, 18))
	require.NoError(t, s.Tick(ctx, at(mon.AddDate(0, 0, 7), 9, 30)))
	require.NoError(t, s.Tick(ctx, at(mon.AddDate(0, 0, 7), 10, 0)))
	assert.Equal(t, []string{"ana@example.com", "ana@example.com", "bob@example.com"}, f.sink.to())
}

func TestReminderHeldBackWithoutMenus(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(nil, nil)
	ctx := context.Background()
	mon := day(2024, 3, 11) // target week of the 18th has no menus yet

	require.NoError(t, s.Tick(ctx, at(mon, 9, 0)))
	assert.Empty(t, f.sink.sent())
	_, fired, err := s.state.Last(ctx, KindReminder)
	require.NoError(t, err)
	assert.False(t, fired)

	f.addMenu(t, day(2024, 3, 20))
	require.NoError(t, s.Tick(ctx, at(mon, 11, 0)))
	assert.Equal(t, []string{"ana@example.com", "bob@example.com"}, f.sink.to())
}

func TestSummaryListsSelections(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(nil, nil)
	ctx := context.Background()
	fri := day(2024, 3, 8)

	require.NoError(t, s.Tick(ctx, at(fri, 16, 59)))
	assert.Empty(t, f.sink.sent())

	require.NoError(t, s.Tick(ctx, at(fri, 17, 0)))
	require.NoError(t, s.Tick(ctx, at(fri, 18, 0)))
	msgs := f.sink.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob@example.com", msgs[0].To)
	assert.Equal(t, "Your menu for the week 2024-03-11 - 2024-03-17", msgs[0].Subject)
	assert.Contains(t, msgs[0].HTML, "Tue 2024-03-12")
	assert.Contains(t, msgs[0].HTML, "Falafel bowl")
	assert.Contains(t, msgs[0].HTML, missingNote)
}

func TestRecipientFailureDoesNotStopDispatch(t *testing.T) {
	f := newFixture(t)
	f.sink.fail = map[string]error{"ana@example.com": errors.New("mailbox full")}
	f.addMenu(t, day(2024, 3, 18))
	s := f.scheduler(nil, nil)
	ctx := context.Background()

	rep, err := s.Fire(ctx, KindReminder, calendar.WeekOf(day(2024, 3, 18)))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Recipients)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.Failed)
	require.Error(t, rep.Err())
	assert.Contains(t, rep.Err().Error(), "mailbox full")
	assert.Equal(t, []string{"bob@example.com"}, f.sink.to())

	// Scheduled dispatch with a failing recipient is still marked as fired.
	mon := day(2024, 3, 11)
	require.NoError(t, s.Tick(ctx, at(mon, 9, 0)))
	require.NoError(t, s.Tick(ctx, at(mon, 9, 5)))
	assert.Len(t, f.sink.sent(), 2)
}

func TestDispatchErrorLeavesKindUnfired(t *testing.T) {
	f := newFixture(t)
	dir := &brokenDirectory{Directory: f.db, broken: true}
	s := f.scheduler(dir, nil)
	ctx := context.Background()
	mon := day(2024, 3, 4)

	require.Error(t, s.Tick(ctx, at(mon, 9, 0)))
	assert.Empty(t, f.sink.sent())

	dir.broken = false
	require.NoError(t, s.Tick(ctx, at(mon, 9, 1)))
	assert.Equal(t, []string{"ana@example.com"}, f.sink.to())
}

func TestPersistedStateSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mon := day(2024, 3, 4)

	s := f.scheduler(nil, NewFireState(f.db))
	require.NoError(t, s.Tick(ctx, at(mon, 9, 0)))
	require.Len(t, f.sink.sent(), 1)

	st, err := f.db.GetDispatchState(ctx, string(KindReminder))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-11", st.PeriodStart.Format(calendar.DateLayout))

	restarted := f.scheduler(nil, NewFireState(f.db))
	require.NoError(t, restarted.Tick(ctx, at(mon, 12, 0)))
	assert.Len(t, f.sink.sent(), 1)
}

func TestTickUsesConfiguredZone(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(nil, nil)
	cfg := s.Config()
	cfg.Location = time.FixedZone("UTC+5", 5*3600)
	s.Apply(cfg)

	// 04:30 UTC on Monday is 09:30 at UTC+5.
	require.NoError(t, s.Tick(context.Background(), at(day(2024, 3, 4), 4, 30)))
	assert.Equal(t, []string{"ana@example.com"}, f.sink.to())
}

func TestFireSkipsTriggerAndPublishes(t *testing.T) {
	f := newFixture(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	cfg := DefaultConfig()
	cfg.Location = time.UTC
	s := NewScheduler(cfg, NewDispatcher(f.db, f.sink, Renderer{}, logx.Nop()), nil, logx.Nop(), bus)
	ctx := context.Background()
	week := calendar.WeekOf(day(2024, 3, 11))

	rep, err := s.Fire(ctx, KindSummary, week)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.Skipped)

	ev := <-events
	assert.Equal(t, EventDispatched, ev.Type)
	data, ok := ev.Data.(DispatchEvent)
	require.True(t, ok)
	assert.True(t, data.Manual)
	assert.Equal(t, KindSummary, data.Kind)

	// Manual firing does not count as the scheduled one.
	require.NoError(t, s.Tick(ctx, at(day(2024, 3, 8), 17, 0)))
	assert.Len(t, f.sink.sent(), 2)

	_, err = s.Fire(ctx, KindReminder, calendar.WeekOf(day(2024, 4, 1)))
	require.ErrorIs(t, err, ErrNoMenus)
}

func TestFireWithUsesOtherSender(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(nil, nil)
	dry := &recorder{}

	_, err := s.FireWith(context.Background(), s.disp.WithSender(dry), KindReminder, calendar.WeekOf(day(2024, 3, 11)))
	require.NoError(t, err)
	assert.Empty(t, f.sink.sent())
	assert.Equal(t, []string{"ana@example.com"}, dry.to())
}

func TestSummaryRendering(t *testing.T) {
	t.Parallel()
	week := calendar.WeekOf(day(2024, 3, 11))
	menu := storage.Menu{ID: 1, Date: day(2024, 3, 13), Items: []storage.MenuItem{
		{Name: "Steak", Category: storage.CategoryClassic},
	}}
	sels := []storage.SelectionDetail{
		{Selection: storage.Selection{Category: storage.CategoryClassic, Note: "<no salt>"}, Menu: menu},
		{Selection: storage.Selection{Category: storage.CategoryExpress}, Menu: menu},
	}

	msg, err := Renderer{Signature: "Canteen"}.Summary(storage.User{Username: "dee", Email: "dee@example.com"}, week, sels)
	require.NoError(t, err)
	assert.Equal(t, "dee@example.com", msg.To)
	assert.Contains(t, msg.HTML, `<table border="1" cellpadding="5">`)
	assert.Contains(t, msg.HTML, "<td>Steak</td><td>&lt;no salt&gt;</td>")
	assert.Contains(t, msg.HTML, "<td>"+missingDish+"</td><td>"+missingNote+"</td>")
	assert.Contains(t, msg.HTML, "Canteen")
	assert.Equal(t, 3, strings.Count(msg.HTML, "<tr>"))
	require.NoError(t, msg.Validate())
}
