package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	logx "lunchd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is one SQLite store.
type DB struct {
	name    string
	path    string
	db      *sqlx.DB
	log     logx.Logger
	loc     *time.Location
	builder sq.StatementBuilderType
}

// Open opens (creating if needed) the database at cfg.Path and applies all
// pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("%s: sqlite path is required", nameOr(cfg.Name))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	db, err := sqlx.Open("sqlite", dsn(path, busy))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: open %s", nameOr(cfg.Name), path)
	}
	// SQLite prefers a small number of concurrent writers.
	conns := cfg.MaxOpenConns
	if conns <= 0 {
		conns = 1
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	d := &DB{
		name:    nameOr(cfg.Name),
		path:    path,
		db:      db,
		log:     log,
		loc:     loc,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func (d *DB) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, d.db.DB, sub)
	if err != nil {
		return errors.Wrapf(err, "%s: migration provider", d.name)
	}
	res, err := p.Up(ctx)
	if err != nil {
		return errors.Wrapf(err, "%s: migrate", d.name)
	}
	for _, r := range res {
		if r == nil || r.Source == nil {
			continue
		}
		d.log.Debug("migration applied",
			logx.String("db", d.name),
			logx.Int64("version", r.Source.Version),
			logx.Duration("took", r.Duration),
		)
	}
	return nil
}

// Name is the logical store name ("primary", "archive").
func (d *DB) Name() string { return d.name }

func (d *DB) Path() string { return d.path }

// Location is the zone menu dates are interpreted in.
func (d *DB) Location() *time.Location { return d.loc }

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.db == nil {
		return ErrClosed
	}
	return d.db.PingContext(ctx)
}

func nameOr(n string) string {
	if strings.TrimSpace(n) == "" {
		return "sqlite"
	}
	return n
}
