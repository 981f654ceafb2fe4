package jobstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

const defaultBusyTimeout = 5 * time.Second

// sqliteDSN turns the part after "sqlite://" into a modernc DSN with pragmas applied per connection.
func sqliteDSN(rest string, busy time.Duration) (path, dsn string, err error) {
	path, _, _ = strings.Cut(rest, "?")
	path = strings.TrimSpace(path)
	if path == "" {
		return "", "", errors.New("sqlite address needs a path (sqlite://<path>)")
	}
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn = fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	return path, dsn, nil
}

func openSQLite(ctx context.Context, rest string, opts Options) (Store, error) {
	path, dsn, err := sqliteDSN(rest, opts.BusyTimeout)
	if err != nil {
		return nil, err
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := dialect{
		name:  "sqlite",
		table: "jobs",
		setup: []string{sqliteSchema},
	}
	return finishOpen(ctx, db, d, opts)
}
