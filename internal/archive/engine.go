package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"lunchd/internal/calendar"
	"lunchd/internal/eventbus"
	"lunchd/internal/storage"
	logx "lunchd/pkg/logx"
)

const (
	EventCompleted = "archive.completed"
	EventFailed    = "archive.failed"

	DefaultRetentionDays = 30
	DefaultBatchSize     = 50
)

// Store is a database the engine can open write transactions on.
type Store interface {
	Name() string
	Begin(ctx context.Context) (storage.Tx, error)
}

// Source is the primary store: it also lists aged menus.
type Source interface {
	Store
	AgedMenuIDs(ctx context.Context, cutoff time.Time) ([]int64, error)
}

type Config struct {
	RetentionDays int
	// BatchSize splits a cycle into batches of this many menus, each with its
	// own pair of transactions. 0 moves the whole snapshot at once.
	BatchSize int
	// Location is the zone menu dates are kept in. Tick computes the cutoff
	// day there. Nil means time.Local.
	Location *time.Location
}

// Result summarizes one cycle.
type Result struct {
	RunID      string        `json:"run_id"`
	Cutoff     time.Time     `json:"cutoff"`
	Menus      int           `json:"menus"`
	Items      int           `json:"items"`
	Selections int           `json:"selections"`
	Merged     int           `json:"merged"`
	Duplicates int           `json:"duplicates"`
	Batches    int           `json:"batches"`
	Took       time.Duration `json:"took"`
}

// FailureEvent is the payload of EventFailed.
type FailureEvent struct {
	RunID  string    `json:"run_id"`
	Cutoff time.Time `json:"cutoff"`
	Done   Result    `json:"done"`
	Error  string    `json:"error"`
}

// Engine moves aged menus (with items and selections) from the primary store
// to the archive store.
//
// Within a batch both stores are written in local transactions. The archive
// commits first; if the primary commit then fails, the records exist in both
// stores until the next cycle, which merges them into the archive copy of the
// same date and skips selections the archive already holds.
type Engine struct {
	primary Source
	archive Store
	log     logx.Logger
	bus     eventbus.Bus

	mu  sync.Mutex
	cfg Config

	// one cycle at a time, whoever calls
	run sync.Mutex
}

func New(primary Source, archive Store, cfg Config, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{primary: primary, archive: archive, log: log, bus: bus}
	e.Apply(cfg)
	return e
}

func (e *Engine) Apply(cfg Config) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.BatchSize < 0 {
		cfg.BatchSize = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Cutoff is midnight of now's day minus retentionDays. Menus dated strictly
// before it are aged.
func Cutoff(now time.Time, retentionDays int) time.Time {
	return calendar.Date(now).AddDate(0, 0, -retentionDays)
}

// Tick runs one cycle with the cutoff derived from now, taken in the
// configured zone. It is the loop job.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	cfg := e.config()
	_, err := e.RunCycle(ctx, Cutoff(now.In(cfg.Location), cfg.RetentionDays))
	return err
}

// RunCycle archives every menu dated before cutoff. The set of menus is fixed
// when the cycle starts.
//
// On error, batches completed before the failing one stay archived; the
// failing batch is rolled back in both stores.
func (e *Engine) RunCycle(ctx context.Context, cutoff time.Time) (Result, error) {
	e.run.Lock()
	defer e.run.Unlock()

	cfg := e.config()
	started := time.Now()
	res := Result{RunID: uuid.NewString(), Cutoff: cutoff}
	log := e.log.With(logx.String("run", res.RunID))

	ids, err := e.primary.AgedMenuIDs(ctx, cutoff)
	if err != nil {
		return e.fail(log, res, started, fmt.Errorf("snapshot aged menus: %w", err))
	}
	if len(ids) == 0 {
		res.Took = time.Since(started)
		log.Debug("nothing to archive", logx.String("cutoff", cutoff.Format(calendar.DateLayout)))
		return res, nil
	}
	log.Info("archiving", logx.Int("menus", len(ids)), logx.String("cutoff", cutoff.Format(calendar.DateLayout)))

	batches := splitBatches(ids, cfg.BatchSize)
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return e.fail(log, res, started, err)
		}
		br, err := e.moveBatch(ctx, log, batch)
		if err != nil {
			return e.fail(log, res, started, fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err))
		}
		res.Menus += br.Menus
		res.Items += br.Items
		res.Selections += br.Selections
		res.Merged += br.Merged
		res.Duplicates += br.Duplicates
		res.Batches++
	}

	res.Took = time.Since(started)
	log.Info("archive cycle done",
		logx.Int("menus", res.Menus),
		logx.Int("items", res.Items),
		logx.Int("selections", res.Selections),
		logx.Int("merged", res.Merged),
		logx.Int("duplicates", res.Duplicates),
		logx.Int("batches", res.Batches),
		logx.Duration("took", res.Took),
	)
	e.publish(EventCompleted, res)
	return res, nil
}

func (e *Engine) fail(log logx.Logger, res Result, started time.Time, err error) (Result, error) {
	res.Took = time.Since(started)
	if errors.Is(err, context.Canceled) {
		log.Warn("archive cycle canceled", logx.Int("batches_done", res.Batches))
	} else {
		log.Error("archive cycle failed", logx.Err(err), logx.Int("batches_done", res.Batches))
	}
	e.publish(EventFailed, FailureEvent{RunID: res.RunID, Cutoff: res.Cutoff, Done: res, Error: err.Error()})
	return res, err
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// moveBatch copies the menus into the archive and removes them from the
// primary store. Either both transactions commit or neither does, except for
// a failure of the primary commit itself.
func (e *Engine) moveBatch(ctx context.Context, log logx.Logger, ids []int64) (res Result, err error) {
	atx, err := e.archive.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin %s: %w", e.archive.Name(), err)
	}
	ptx, err := e.primary.Begin(ctx)
	if err != nil {
		_ = atx.Rollback()
		return res, fmt.Errorf("begin %s: %w", e.primary.Name(), err)
	}

	archiveDone, primaryDone := false, false
	defer func() {
		if !archiveDone {
			rollback(log, e.archive.Name(), atx)
		}
		if !primaryDone {
			rollback(log, e.primary.Name(), ptx)
		}
	}()

	menus, err := ptx.MenusByIDs(ctx, ids)
	if err != nil {
		return res, err
	}

	var (
		pending   []storage.Selection
		originals []int64
		moved     = make([]int64, 0, len(menus))
	)
	for _, m := range menus {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		target, err := atx.MenuByDate(ctx, m.Date)
		var archived []storage.Selection
		switch {
		case err == nil:
			// Same day already archived: a leftover of an earlier primary
			// commit failure, or a menu recreated for a past date. Merge into
			// it and never drop what the archive holds.
			if extra := missingItems(target.Items, m.Items); len(extra) > 0 {
				if target, err = atx.AppendItems(ctx, target, extra); err != nil {
					return res, err
				}
			}
			if archived, err = atx.SelectionsForMenu(ctx, target.ID); err != nil {
				return res, err
			}
			res.Merged++
			log.Warn("merging into existing archive menu", logx.String("date", m.Date.Format(calendar.DateLayout)), logx.Int64("archive_id", target.ID))
		case errors.Is(err, storage.ErrNotFound):
			if target, err = atx.InsertMenu(ctx, m); err != nil {
				return res, err
			}
		default:
			return res, err
		}

		sels, err := ptx.SelectionsForMenu(ctx, m.ID)
		if err != nil {
			return res, err
		}
		seen := countSelections(archived)
		for _, s := range sels {
			originals = append(originals, s.ID)
			if k := keyOf(s); seen[k] > 0 {
				seen[k]--
				res.Duplicates++
				continue
			}
			s.ID = 0
			s.MenuID = target.ID
			pending = append(pending, s)
		}
		moved = append(moved, m.ID)
		res.Menus++
		res.Items += len(m.Items)
	}

	if err := atx.InsertSelections(ctx, pending); err != nil {
		return res, err
	}
	if _, err := ptx.DeleteSelections(ctx, originals); err != nil {
		return res, err
	}
	if _, err := ptx.DeleteMenus(ctx, moved); err != nil {
		return res, err
	}
	res.Selections = len(pending)

	if err := atx.Commit(); err != nil {
		return res, fmt.Errorf("commit %s: %w", e.archive.Name(), err)
	}
	archiveDone = true
	if err := ptx.Commit(); err != nil {
		log.Error("primary commit failed after archive commit; next cycle will merge the archive copies",
			logx.Err(err), logx.Int("menus", res.Menus))
		return res, fmt.Errorf("commit %s: %w", e.primary.Name(), err)
	}
	primaryDone = true
	return res, nil
}

func rollback(log logx.Logger, store string, tx storage.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Warn("rollback failed", logx.String("store", store), logx.Err(err))
	}
}

// selectionKey identifies a selection across stores, where ids differ.
type selectionKey struct {
	user     int64
	category storage.Category
	at       int64
	active   bool
	note     string
}

func keyOf(s storage.Selection) selectionKey {
	return selectionKey{user: s.UserID, category: s.Category, at: s.SelectedAt.UnixNano(), active: s.Active, note: s.Note}
}

func countSelections(sels []storage.Selection) map[selectionKey]int {
	out := make(map[selectionKey]int, len(sels))
	for _, s := range sels {
		out[keyOf(s)]++
	}
	return out
}

// missingItems returns the items of src with no name and category match in have.
func missingItems(have, src []storage.MenuItem) []storage.MenuItem {
	type key struct {
		name     string
		category storage.Category
	}
	seen := make(map[key]int, len(have))
	for _, it := range have {
		seen[key{it.Name, it.Category}]++
	}
	var out []storage.MenuItem
	for _, it := range src {
		k := key{it.Name, it.Category}
		if seen[k] > 0 {
			seen[k]--
			continue
		}
		out = append(out, it)
	}
	return out
}

func splitBatches(ids []int64, size int) [][]int64 {
	if size <= 0 || size >= len(ids) {
		return [][]int64{ids}
	}
	var out [][]int64
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
