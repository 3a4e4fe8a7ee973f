package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures one SQLite database.
//
// Name is only used for logs and error messages ("primary", "archive").
type Config struct {
	Name         string
	Path         string
	BusyTimeout  time.Duration // 0 means 5s
	MaxOpenConns int           // 0 means 1
	Location     *time.Location
}

// Category is the fixed set of menu lines a user can choose from.
type Category string

const (
	CategoryClassic Category = "classic"
	CategoryExpress Category = "express"
	CategoryVeggie  Category = "veggie"
	CategorySpecial Category = "special"
)

// Categories lists all categories in display order.
var Categories = []Category{CategoryClassic, CategoryExpress, CategoryVeggie, CategorySpecial}

func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

type User struct {
	ID       int64
	Username string
	Email    string
	Role     string
}

type MenuItem struct {
	ID       int64
	MenuID   int64
	Name     string
	Category Category
}

// Menu is one day's menu. Date has no time of day.
type Menu struct {
	ID    int64
	Date  time.Time
	Items []MenuItem
}

// ItemFor returns the first item of the given category.
func (m Menu) ItemFor(c Category) (MenuItem, bool) {
	for _, it := range m.Items {
		if it.Category == c {
			return it, true
		}
	}
	return MenuItem{}, false
}

// Selection is a user's order for one menu date. Inactive selections are
// cancelled ones.
type Selection struct {
	ID         int64
	UserID     int64
	MenuID     int64
	Category   Category
	SelectedAt time.Time
	Active     bool
	Note       string
}

// SelectionDetail is a selection with its menu eagerly loaded.
type SelectionDetail struct {
	Selection
	Menu Menu
}

// DispatchState is the durable marker of the last period a notification kind
// fired for.
type DispatchState struct {
	Kind        string
	PeriodStart time.Time
	FiredAt     time.Time
}
