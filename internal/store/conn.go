package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
)

// Conn is a database handle bound to a dialect and a schema variant. A
// Conn either owns its handle, opened by Open and closed by Close, or
// borrows one passed to Wrap, which Close leaves open.
type Conn struct {
	db      *sqlx.DB
	dialect dialect
	schema  *schema
	opts    Options
	owner   bool
}

// Open opens an owned connection and, when requested, creates the schema.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	dsn := opts.DSN
	if d.isSQLite() {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if d.isSQLite() && isMemoryDSN(opts.DSN) {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	c := &Conn{db: db, dialect: d, schema: newSchema(opts.Variant), opts: opts, owner: true}
	if err := c.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Get().Debug("Opened store connection",
		zap.String("driver", opts.Driver),
		zap.String("variant", string(opts.Variant)),
		zap.Int("tile_zoom", opts.TileZoom))
	return c, nil
}

// Wrap borrows a caller supplied handle. opts.Driver must name the driver db
// was opened with; opts.DSN is only needed for concurrent copies.
func Wrap(ctx context.Context, db *sql.DB, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	c := &Conn{db: sqlx.NewDb(db, opts.Driver), dialect: d, schema: newSchema(opts.Variant), opts: opts}
	if err := c.init(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) init(ctx context.Context) error {
	if !c.opts.CreateSchema {
		return nil
	}
	return EnsureSchema(ctx, c)
}

// reopen opens an independent owned connection with the same options.
func (c *Conn) reopen(ctx context.Context) (*Conn, error) {
	if c.opts.DSN == "" || isMemoryDSN(c.opts.DSN) {
		return nil, ErrNoDSN
	}
	opts := c.opts
	opts.CreateSchema = false
	return Open(ctx, opts)
}

// Close closes the handle if this Conn owns it.
func (c *Conn) Close() error {
	if !c.owner || c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Owner reports whether Close closes the underlying handle.
func (c *Conn) Owner() bool { return c.owner }

// DB returns the underlying handle.
func (c *Conn) DB() *sqlx.DB { return c.db }

// Options returns the effective options.
func (c *Conn) Options() Options { return c.opts }

// Dialect returns "sqlite" or "postgres".
func (c *Conn) Dialect() string { return c.dialect.name }

func (c *Conn) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := c.db.GetContext(ctx, &n, c.dialect.tableExistsSQL(), c.dialect.catalogName(name)); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return n > 0, nil
}

func (c *Conn) indexExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := c.db.GetContext(ctx, &n, c.dialect.indexExistsSQL(), c.dialect.catalogName(name)); err != nil {
		return false, fmt.Errorf("failed to check index %s: %w", name, err)
	}
	return n > 0, nil
}

func sqliteDSN(dsn string) string {
	if isMemoryDSN(dsn) || strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_journal_mode=WAL&_busy_timeout=30000&_foreign_keys=OFF"
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
