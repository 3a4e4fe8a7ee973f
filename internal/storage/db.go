package storage

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

// AgedMenuIDs returns the ids of all menus dated strictly before cutoff,
// ordered by date.
func (d *DB) AgedMenuIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	var ids []int64
	err := selectBuilder(ctx, d.db, &ids, d.builder.Select("id").From(tableMenus).
		Where(sq.Lt{"menu_date": formatDate(cutoff)}).
		OrderBy("menu_date"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list menus before %s", formatDate(cutoff))
	}
	return ids, nil
}

// MenusExist reports whether at least one menu is dated within [from, to].
func (d *DB) MenusExist(ctx context.Context, from, to time.Time) (bool, error) {
	var n int
	err := getBuilder(ctx, d.db, &n, d.builder.Select("COUNT(*)").From(tableMenus).
		Where(sq.GtOrEq{"menu_date": formatDate(from)}).
		Where(sq.LtOrEq{"menu_date": formatDate(to)}))
	if err != nil {
		return false, errors.Wrapf(err, "failed to count menus in %s..%s", formatDate(from), formatDate(to))
	}
	return n > 0, nil
}

// UsersWithEmail lists users that have a non-empty e-mail address, by id.
func (d *DB) UsersWithEmail(ctx context.Context) ([]User, error) {
	var rows []userRow
	err := selectBuilder(ctx, d.db, &rows, d.builder.Select("id", "username", "email", "role").From(tableUsers).
		Where(sq.NotEq{"TRIM(email)": ""}).
		OrderBy("id"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}
	out := make([]User, 0, len(rows))
	for _, r := range rows {
		out = append(out, User(r))
	}
	return out, nil
}

func (d *DB) activeSelectionsQuery(userID int64, from, to time.Time) sq.SelectBuilder {
	return d.builder.Select(
		"s.id AS id", "s.user_id AS user_id", "s.menu_id AS menu_id", "s.category AS category",
		"s.selected_at AS selected_at", "s.active AS active", "s.note AS note",
	).
		From(tableSelections + " s").
		Join(tableMenus + " m ON m.id = s.menu_id").
		Where(sq.Eq{"s.user_id": userID, "s.active": 1}).
		Where(sq.GtOrEq{"m.menu_date": formatDate(from)}).
		Where(sq.LtOrEq{"m.menu_date": formatDate(to)})
}

// HasActiveSelections reports whether the user has an active selection for a
// menu dated within [from, to].
func (d *DB) HasActiveSelections(ctx context.Context, userID int64, from, to time.Time) (bool, error) {
	var n int
	q := d.builder.Select("COUNT(*)").FromSelect(d.activeSelectionsQuery(userID, from, to), "x")
	if err := getBuilder(ctx, d.db, &n, q); err != nil {
		return false, errors.Wrapf(err, "failed to count selections of user %d", userID)
	}
	return n > 0, nil
}

// ActiveSelections returns the user's active selections for menus dated within
// [from, to], ordered by menu date, each with its menu and items.
func (d *DB) ActiveSelections(ctx context.Context, userID int64, from, to time.Time) ([]SelectionDetail, error) {
	sels, err := d.loadSelections(ctx, d.db, d.activeSelectionsQuery(userID, from, to).OrderBy("m.menu_date", "s.id"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load selections of user %d", userID)
	}
	if len(sels) == 0 {
		return nil, nil
	}

	seen := make(map[int64]bool, len(sels))
	var menuIDs []int64
	for _, s := range sels {
		if !seen[s.MenuID] {
			seen[s.MenuID] = true
			menuIDs = append(menuIDs, s.MenuID)
		}
	}
	menus, err := d.loadMenus(ctx, d.db, menuIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Menu, len(menus))
	for _, m := range menus {
		byID[m.ID] = m
	}

	out := make([]SelectionDetail, 0, len(sels))
	for _, s := range sels {
		out = append(out, SelectionDetail{Selection: s, Menu: byID[s.MenuID]})
	}
	return out, nil
}

// GetDispatchState returns ErrNotFound when kind never fired.
func (d *DB) GetDispatchState(ctx context.Context, kind string) (DispatchState, error) {
	var row dispatchRow
	err := getBuilder(ctx, d.db, &row, d.builder.Select("kind", "period_start", "fired_at").From(tableDispatch).
		Where(sq.Eq{"kind": kind}))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return DispatchState{}, err
		}
		return DispatchState{}, errors.Wrapf(err, "failed to read dispatch state %q", kind)
	}
	start, err := d.parseDate(row.PeriodStart)
	if err != nil {
		return DispatchState{}, err
	}
	fired, err := d.parseStamp(row.FiredAt)
	if err != nil {
		return DispatchState{}, err
	}
	return DispatchState{Kind: row.Kind, PeriodStart: start, FiredAt: fired}, nil
}

// PutDispatchState upserts the marker for st.Kind.
func (d *DB) PutDispatchState(ctx context.Context, st DispatchState) error {
	_, err := execBuilder(ctx, d.db, d.builder.Insert(tableDispatch).
		Columns("kind", "period_start", "fired_at").
		Values(st.Kind, formatDate(st.PeriodStart), formatStamp(st.FiredAt)).
		Suffix("ON CONFLICT(kind) DO UPDATE SET period_start = excluded.period_start, fired_at = excluded.fired_at"))
	if err != nil {
		return errors.Wrapf(err, "failed to write dispatch state %q", st.Kind)
	}
	return nil
}

// InsertUser stores u and returns its id.
func (d *DB) InsertUser(ctx context.Context, u User) (int64, error) {
	role := u.Role
	if role == "" {
		role = "user"
	}
	res, err := execBuilder(ctx, d.db, d.builder.Insert(tableUsers).
		Columns("username", "email", "role").
		Values(u.Username, u.Email, role))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to insert user %q", u.Username)
	}
	return res.LastInsertId()
}

// CreateMenu stores m with its items in one transaction.
func (d *DB) CreateMenu(ctx context.Context, m Menu) (Menu, error) {
	var out Menu
	err := d.RunInTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.InsertMenu(ctx, m)
		return err
	})
	return out, err
}

// InsertSelection stores s and returns its id.
func (d *DB) InsertSelection(ctx context.Context, s Selection) (int64, error) {
	if s.SelectedAt.IsZero() {
		s.SelectedAt = time.Now()
	}
	res, err := execBuilder(ctx, d.db, d.builder.Insert(tableSelections).
		Columns("user_id", "menu_id", "category", "selected_at", "active", "note").
		Values(s.UserID, s.MenuID, string(s.Category), formatStamp(s.SelectedAt), boolInt(s.Active), s.Note))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to insert selection for menu %d", s.MenuID)
	}
	return res.LastInsertId()
}

// ListMenus returns every menu with its items, ordered by date.
func (d *DB) ListMenus(ctx context.Context) ([]Menu, error) {
	return d.loadMenus(ctx, d.db, nil)
}

// ListSelections returns every selection ordered by id.
func (d *DB) ListSelections(ctx context.Context) ([]Selection, error) {
	sels, err := d.loadSelections(ctx, d.db, d.builder.Select(selectionColumns...).From(tableSelections).OrderBy("id"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list selections")
	}
	return sels, nil
}
