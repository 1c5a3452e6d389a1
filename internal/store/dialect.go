package store

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	// database/sql drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// dialect holds the statements that differ between backing stores.
// Queries are written with ? placeholders and rebound per driver.
type dialect struct {
	name     string
	bindType int
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return dialect{name: "sqlite", bindType: sqlx.BindType(driver)}, nil
	case DriverPostgres, "postgres":
		return dialect{name: "postgres", bindType: sqlx.BindType(driver)}, nil
	}
	return dialect{}, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
}

func (d dialect) isSQLite() bool { return d.name == "sqlite" }

// maxVariables is the number of bind variables one statement may carry.
func (d dialect) maxVariables() int {
	if d.isSQLite() {
		return 32766
	}
	return 65535
}

// maxRows returns the largest row count of a multi-row statement on t.
func (d dialect) maxRows(t *tableDef) int {
	return d.maxVariables() / len(t.columns)
}

func (d dialect) rebind(query string) string {
	return sqlx.Rebind(d.bindType, query)
}

// upsertSQL returns a statement replacing rows by primary key, one
// parenthesized value group per row.
func (d dialect) upsertSQL(t *tableDef, rows int) string {
	names := t.columnNames()
	group := "(" + placeholders(len(names)) + ")"

	var sb strings.Builder
	if d.isSQLite() {
		sb.WriteString("INSERT OR REPLACE INTO ")
	} else {
		sb.WriteString("INSERT INTO ")
	}
	sb.WriteString(t.name)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(names, ", "))
	sb.WriteString(") VALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(group)
	}

	if !d.isSQLite() {
		sb.WriteString(" ON CONFLICT (")
		sb.WriteString(strings.Join(t.key, ", "))
		sb.WriteString(")")
		updates := t.valueColumns()
		if len(updates) == 0 {
			sb.WriteString(" DO NOTHING")
		} else {
			sb.WriteString(" DO UPDATE SET ")
			for i, c := range updates {
				if i > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "%s = EXCLUDED.%s", c, c)
			}
		}
	}

	return d.rebind(sb.String())
}

func (d dialect) tableExistsSQL() string {
	if d.isSQLite() {
		return d.rebind("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?")
	}
	return d.rebind("SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?")
}

func (d dialect) indexExistsSQL() string {
	if d.isSQLite() {
		return d.rebind("SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?")
	}
	return d.rebind("SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = ?")
}

// catalogName returns the name under which the catalog records an
// identifier. Postgres folds unquoted identifiers to lower case.
func (d dialect) catalogName(name string) string {
	if d.isSQLite() {
		return name
	}
	return strings.ToLower(name)
}

// placeholders returns "?, ?, ?" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
