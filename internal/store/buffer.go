package store

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
)

// buffer accumulates rows for one table. When it holds size rows they are
// written with one size-row upsert; drain writes what is left one row at a
// time inside a transaction. A failed write leaves the rows buffered.
type buffer struct {
	conn  *Conn
	table *tableDef
	size  int

	rows   [][]any
	index  map[string]int // primary key -> position in rows
	owners map[int64]int  // first column -> buffered row count

	// before runs ahead of every write.
	before func(context.Context) error

	batch  *sqlx.Stmt
	single *sqlx.Stmt

	inserted atomic.Int64
}

func newBuffer(conn *Conn, table *tableDef, size int) *buffer {
	if limit := conn.dialect.maxRows(table); size > limit {
		logger.Get().Debug("Clamped batch size to bind variable limit",
			zap.String("table", table.name), zap.Int("requested", size), zap.Int("size", limit))
		size = limit
	}
	return &buffer{
		conn:   conn,
		table:  table,
		size:   size,
		rows:   make([][]any, 0, size),
		index:  make(map[string]int, size),
		owners: make(map[int64]int),
	}
}

// add enqueues a row. A row whose primary key is already buffered replaces
// the earlier one, as the upsert would.
func (b *buffer) add(ctx context.Context, row []any) error {
	key := rowKey(row, len(b.table.key))
	if i, ok := b.index[key]; ok {
		b.rows[i] = row
		return nil
	}
	b.index[key] = len(b.rows)
	b.rows = append(b.rows, row)
	b.owners[ownerOf(row)]++

	if len(b.rows) >= b.size {
		return b.execBatch(ctx)
	}
	return nil
}

func (b *buffer) pending() int { return len(b.rows) }

// removeOwner drops the buffered rows whose first column is id.
func (b *buffer) removeOwner(id int64) {
	if b.owners[id] == 0 {
		return
	}
	kept := make([][]any, 0, cap(b.rows))
	for _, row := range b.rows {
		if ownerOf(row) != id {
			kept = append(kept, row)
		}
	}
	b.reset(kept)
}

func (b *buffer) execBatch(ctx context.Context) error {
	if b.before != nil {
		if err := b.before(ctx); err != nil {
			return err
		}
	}
	if b.batch == nil {
		stmt, err := b.conn.db.PreparexContext(ctx, b.conn.dialect.upsertSQL(b.table, b.size))
		if err != nil {
			return fmt.Errorf("prepare batch insert into %s: %w", b.table.name, err)
		}
		b.batch = stmt
	}

	args := make([]any, 0, b.size*len(b.table.columns))
	for _, row := range b.rows[:b.size] {
		args = append(args, row...)
	}
	if _, err := b.batch.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("batch insert %d rows into %s: %w", b.size, b.table.name, err)
	}

	b.inserted.Add(int64(b.size))
	b.reset(b.rows[b.size:])
	return nil
}

// drain writes every buffered row with the single-row statement.
func (b *buffer) drain(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	if b.before != nil {
		if err := b.before(ctx); err != nil {
			return err
		}
	}
	if b.single == nil {
		stmt, err := b.conn.db.PreparexContext(ctx, b.conn.dialect.upsertSQL(b.table, 1))
		if err != nil {
			return fmt.Errorf("prepare insert into %s: %w", b.table.name, err)
		}
		b.single = stmt
	}

	tx, err := b.conn.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush of %s: %w", b.table.name, err)
	}
	defer tx.Rollback()

	stmt := tx.StmtxContext(ctx, b.single)
	for i, row := range b.rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("insert row %d of %d into %s: %w", i+1, len(b.rows), b.table.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush of %s: %w", b.table.name, err)
	}

	n := len(b.rows)
	b.inserted.Add(int64(n))
	b.reset(nil)

	logger.Get().Debug("Flushed rows", zap.String("table", b.table.name), zap.Int("rows", n))
	return nil
}

func (b *buffer) reset(rest [][]any) {
	rows := make([][]any, 0, b.size)
	rows = append(rows, rest...)
	b.rows = rows

	clear(b.index)
	clear(b.owners)
	for i, row := range b.rows {
		b.index[rowKey(row, len(b.table.key))] = i
		b.owners[ownerOf(row)]++
	}
}

func (b *buffer) close() error {
	var err error
	if b.batch != nil {
		err = multierr.Append(err, b.batch.Close())
		b.batch = nil
	}
	if b.single != nil {
		err = multierr.Append(err, b.single.Close())
		b.single = nil
	}
	return err
}

func ownerOf(row []any) int64 {
	id, _ := row[0].(int64)
	return id
}

// rowKey renders the first n values of row.
func rowKey(row []any, n int) string {
	if n == 1 {
		return fmt.Sprint(row[0])
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte(0)
		}
		fmt.Fprint(&sb, row[i])
	}
	return sb.String()
}
