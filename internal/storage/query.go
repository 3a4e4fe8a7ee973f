package storage

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"lunchd/internal/calendar"
)

// maxBatchIDs keeps IN (...) lists and multi-row inserts well below SQLite's
// bound-variable limit.
const maxBatchIDs = 500

const (
	tableUsers      = "users"
	tableMenus      = "daily_menus"
	tableItems      = "menu_items"
	tableSelections = "menu_selections"
	tableDispatch   = "dispatch_state"
)

var (
	menuColumns      = []string{"id", "menu_date"}
	itemColumns      = []string{"id", "menu_id", "position", "name", "category"}
	selectionColumns = []string{"id", "user_id", "menu_id", "category", "selected_at", "active", "note"}
)

type menuRow struct {
	ID   int64  `db:"id"`
	Date string `db:"menu_date"`
}

type itemRow struct {
	ID       int64  `db:"id"`
	MenuID   int64  `db:"menu_id"`
	Position int    `db:"position"`
	Name     string `db:"name"`
	Category string `db:"category"`
}

type selectionRow struct {
	ID         int64  `db:"id"`
	UserID     int64  `db:"user_id"`
	MenuID     int64  `db:"menu_id"`
	Category   string `db:"category"`
	SelectedAt string `db:"selected_at"`
	Active     int    `db:"active"`
	Note       string `db:"note"`
}

type userRow struct {
	ID       int64  `db:"id"`
	Username string `db:"username"`
	Email    string `db:"email"`
	Role     string `db:"role"`
}

type dispatchRow struct {
	Kind        string `db:"kind"`
	PeriodStart string `db:"period_start"`
	FiredAt     string `db:"fired_at"`
}

func selectBuilder(ctx context.Context, q sqlx.QueryerContext, dest any, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build sql")
	}
	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

func getBuilder(ctx context.Context, q sqlx.QueryerContext, dest any, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build sql")
	}
	err = sqlx.GetContext(ctx, q, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func execBuilder(ctx context.Context, e sqlx.ExecerContext, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build sql")
	}
	return e.ExecContext(ctx, query, args...)
}

func chunkIDs(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = maxBatchIDs
	}
	var out [][]int64
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func formatDate(t time.Time) string { return t.Format(calendar.DateLayout) }

func (d *DB) parseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(calendar.DateLayout, s, d.loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "bad date %q", s)
	}
	return t, nil
}

func formatStamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (d *DB) parseStamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "bad timestamp %q", s)
	}
	return t.In(d.loc), nil
}

func (d *DB) selectionFromRow(r selectionRow) (Selection, error) {
	at, err := d.parseStamp(r.SelectedAt)
	if err != nil {
		return Selection{}, err
	}
	return Selection{
		ID:         r.ID,
		UserID:     r.UserID,
		MenuID:     r.MenuID,
		Category:   Category(r.Category),
		SelectedAt: at,
		Active:     r.Active != 0,
		Note:       r.Note,
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// loadMenus reads the menus with the given ids (all of them when ids is nil)
// and their items, ordered by date.
func (d *DB) loadMenus(ctx context.Context, q sqlx.QueryerContext, ids []int64) ([]Menu, error) {
	var rows []menuRow
	if ids == nil {
		err := selectBuilder(ctx, q, &rows, d.builder.Select(menuColumns...).From(tableMenus).OrderBy("menu_date"))
		if err != nil {
			return nil, errors.Wrap(err, "failed to list menus")
		}
	} else {
		for _, chunk := range chunkIDs(ids, maxBatchIDs) {
			var part []menuRow
			err := selectBuilder(ctx, q, &part, d.builder.Select(menuColumns...).From(tableMenus).
				Where(sq.Eq{"id": chunk}))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to load %d menus", len(chunk))
			}
			rows = append(rows, part...)
		}
		sortMenuRows(rows)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	menuIDs := make([]int64, 0, len(rows))
	for _, r := range rows {
		menuIDs = append(menuIDs, r.ID)
	}
	items, err := d.loadItems(ctx, q, menuIDs)
	if err != nil {
		return nil, err
	}

	out := make([]Menu, 0, len(rows))
	for _, r := range rows {
		date, err := d.parseDate(r.Date)
		if err != nil {
			return nil, err
		}
		out = append(out, Menu{ID: r.ID, Date: date, Items: items[r.ID]})
	}
	return out, nil
}

func sortMenuRows(rows []menuRow) {
	slices.SortFunc(rows, func(a, b menuRow) int { return strings.Compare(a.Date, b.Date) })
}

func (d *DB) loadItems(ctx context.Context, q sqlx.QueryerContext, menuIDs []int64) (map[int64][]MenuItem, error) {
	out := make(map[int64][]MenuItem, len(menuIDs))
	for _, chunk := range chunkIDs(menuIDs, maxBatchIDs) {
		var rows []itemRow
		err := selectBuilder(ctx, q, &rows, d.builder.Select(itemColumns...).From(tableItems).
			Where(sq.Eq{"menu_id": chunk}).
			OrderBy("menu_id", "position", "id"))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load items for %d menus", len(chunk))
		}
		for _, r := range rows {
			out[r.MenuID] = append(out[r.MenuID], MenuItem{
				ID:       r.ID,
				MenuID:   r.MenuID,
				Name:     r.Name,
				Category: Category(r.Category),
			})
		}
	}
	return out, nil
}

func (d *DB) loadSelections(ctx context.Context, q sqlx.QueryerContext, b sq.SelectBuilder) ([]Selection, error) {
	var rows []selectionRow
	if err := selectBuilder(ctx, q, &rows, b); err != nil {
		return nil, err
	}
	out := make([]Selection, 0, len(rows))
	for _, r := range rows {
		s, err := d.selectionFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
