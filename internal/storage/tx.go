package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Tx is a local transaction on one store. The archival engine holds one Tx
// per store and commits them in order.
type Tx interface {
	// MenusByIDs returns the menus (with items) ordered by date. Unknown ids
	// are ignored.
	MenusByIDs(ctx context.Context, ids []int64) ([]Menu, error)
	// MenuByDate returns ErrNotFound when no menu exists for that day.
	MenuByDate(ctx context.Context, date time.Time) (Menu, error)
	// InsertMenu writes m and its items under fresh ids and returns the stored
	// copy. m.ID and item ids are ignored.
	InsertMenu(ctx context.Context, m Menu) (Menu, error)
	// AppendItems adds items to an existing menu after its current ones.
	AppendItems(ctx context.Context, menu Menu, items []MenuItem) (Menu, error)
	DeleteMenus(ctx context.Context, ids []int64) (int64, error)

	SelectionsForMenu(ctx context.Context, menuID int64) ([]Selection, error)
	// InsertSelections writes all selections under fresh ids.
	InsertSelections(ctx context.Context, sels []Selection) error
	DeleteSelections(ctx context.Context, ids []int64) (int64, error)
	DeleteSelectionsForMenus(ctx context.Context, menuIDs []int64) (int64, error)

	Commit() error
	Rollback() error
}

type sqlTx struct {
	db *DB
	tx *sqlx.Tx
}

// Begin starts a write transaction (BEGIN IMMEDIATE).
func (d *DB) Begin(ctx context.Context) (Tx, error) {
	if d == nil || d.db == nil {
		return nil, ErrClosed
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: begin", d.name)
	}
	return &sqlTx{db: d, tx: tx}, nil
}

// RunInTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise, including on panic.
//
// fn must only use tx: with a single connection, calls on d would block.
func (d *DB) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "%s: commit", d.name)
	}
	return nil
}

func (t *sqlTx) Commit() error { return t.tx.Commit() }

func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

func (t *sqlTx) MenusByIDs(ctx context.Context, ids []int64) ([]Menu, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return t.db.loadMenus(ctx, t.tx, ids)
}

func (t *sqlTx) MenuByDate(ctx context.Context, date time.Time) (Menu, error) {
	var row menuRow
	err := getBuilder(ctx, t.tx, &row, t.db.builder.Select(menuColumns...).From(tableMenus).
		Where(sq.Eq{"menu_date": formatDate(date)}))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Menu{}, err
		}
		return Menu{}, errors.Wrapf(err, "failed to find menu for %s", formatDate(date))
	}
	menus, err := t.db.loadMenus(ctx, t.tx, []int64{row.ID})
	if err != nil {
		return Menu{}, err
	}
	if len(menus) == 0 {
		return Menu{}, ErrNotFound
	}
	return menus[0], nil
}

func (t *sqlTx) InsertMenu(ctx context.Context, m Menu) (Menu, error) {
	res, err := execBuilder(ctx, t.tx, t.db.builder.Insert(tableMenus).
		Columns("menu_date").
		Values(formatDate(m.Date)))
	if err != nil {
		return Menu{}, errors.Wrapf(err, "failed to insert menu %s", formatDate(m.Date))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Menu{}, errors.Wrap(err, "failed to read menu id")
	}

	return t.AppendItems(ctx, Menu{ID: id, Date: m.Date}, m.Items)
}

func (t *sqlTx) AppendItems(ctx context.Context, menu Menu, items []MenuItem) (Menu, error) {
	out := menu
	out.Items = append(make([]MenuItem, 0, len(menu.Items)+len(items)), menu.Items...)
	for _, it := range items {
		res, err := execBuilder(ctx, t.tx, t.db.builder.Insert(tableItems).
			Columns("menu_id", "position", "name", "category").
			Values(menu.ID, len(out.Items), it.Name, string(it.Category)))
		if err != nil {
			return Menu{}, errors.Wrapf(err, "failed to insert item %q of menu %s", it.Name, formatDate(menu.Date))
		}
		itemID, err := res.LastInsertId()
		if err != nil {
			return Menu{}, errors.Wrap(err, "failed to read item id")
		}
		out.Items = append(out.Items, MenuItem{ID: itemID, MenuID: menu.ID, Name: it.Name, Category: it.Category})
	}
	return out, nil
}

// DeleteMenus removes the menus and their items. Selections that still point at
// them make the statement fail; delete those first.
func (t *sqlTx) DeleteMenus(ctx context.Context, ids []int64) (int64, error) {
	var total int64
	for _, chunk := range chunkIDs(ids, maxBatchIDs) {
		if _, err := execBuilder(ctx, t.tx, t.db.builder.Delete(tableItems).Where(sq.Eq{"menu_id": chunk})); err != nil {
			return total, errors.Wrapf(err, "failed to delete items of %d menus", len(chunk))
		}
		res, err := execBuilder(ctx, t.tx, t.db.builder.Delete(tableMenus).Where(sq.Eq{"id": chunk}))
		if err != nil {
			return total, errors.Wrapf(err, "failed to delete %d menus", len(chunk))
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *sqlTx) SelectionsForMenu(ctx context.Context, menuID int64) ([]Selection, error) {
	sels, err := t.db.loadSelections(ctx, t.tx, t.db.builder.Select(selectionColumns...).From(tableSelections).
		Where(sq.Eq{"menu_id": menuID}).
		OrderBy("id"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load selections of menu %d", menuID)
	}
	return sels, nil
}

func (t *sqlTx) InsertSelections(ctx context.Context, sels []Selection) error {
	// 6 bound values per row.
	const rowsPerStmt = maxBatchIDs / 6
	for start := 0; start < len(sels); start += rowsPerStmt {
		end := min(start+rowsPerStmt, len(sels))
		b := t.db.builder.Insert(tableSelections).
			Columns("user_id", "menu_id", "category", "selected_at", "active", "note")
		for _, s := range sels[start:end] {
			b = b.Values(s.UserID, s.MenuID, string(s.Category), formatStamp(s.SelectedAt), boolInt(s.Active), s.Note)
		}
		if _, err := execBuilder(ctx, t.tx, b); err != nil {
			return errors.Wrapf(err, "failed to insert %d selections", end-start)
		}
	}
	return nil
}

func (t *sqlTx) DeleteSelections(ctx context.Context, ids []int64) (int64, error) {
	var total int64
	for _, chunk := range chunkIDs(ids, maxBatchIDs) {
		res, err := execBuilder(ctx, t.tx, t.db.builder.Delete(tableSelections).Where(sq.Eq{"id": chunk}))
		if err != nil {
			return total, errors.Wrapf(err, "failed to delete %d selections", len(chunk))
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *sqlTx) DeleteSelectionsForMenus(ctx context.Context, menuIDs []int64) (int64, error) {
	var total int64
	for _, chunk := range chunkIDs(menuIDs, maxBatchIDs) {
		res, err := execBuilder(ctx, t.tx, t.db.builder.Delete(tableSelections).Where(sq.Eq{"menu_id": chunk}))
		if err != nil {
			return total, errors.Wrapf(err, "failed to delete selections of %d menus", len(chunk))
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
