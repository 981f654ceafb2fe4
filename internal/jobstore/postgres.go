package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Defaults for the table location, overridable with ?schema=&table=.
const (
	DefaultSchema = "ext"
	DefaultTable  = "jobs"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// location pulls schema/table out of the query string so pgx does not send
// them to the server as runtime parameters.
func location(q url.Values) (schema, table string, err error) {
	schema = strings.TrimSpace(q.Get("schema"))
	table = strings.TrimSpace(q.Get("table"))
	q.Del("schema")
	q.Del("table")
	if schema == "" {
		schema = DefaultSchema
	}
	if table == "" {
		table = DefaultTable
	}
	if !identRe.MatchString(schema) || !identRe.MatchString(table) {
		return "", "", fmt.Errorf("invalid table location %q.%q", schema, table)
	}
	return schema, table, nil
}

func pgColumnsDDL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
  id            TEXT PRIMARY KEY,
  crontab       TEXT NOT NULL,
  job           TEXT NOT NULL,
  enabled       BOOLEAN NOT NULL,
  timezone      TEXT NOT NULL,
  max_instances INTEGER NOT NULL,
  executor      TEXT NOT NULL,
  last_run_at   BIGINT,
  last_status   TEXT NOT NULL,
  updated_at    BIGINT NOT NULL
)`
}

// postgresDSN strips our own parameters and returns a DSN pgx understands.
func postgresDSN(addr string) (dsn, schema, table string, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", "", fmt.Errorf("parse postgres address: %w", err)
	}
	q := u.Query()
	schema, table, err = location(q)
	if err != nil {
		return "", "", "", err
	}
	u.Scheme = "postgres"
	u.RawQuery = q.Encode()
	return u.String(), schema, table, nil
}

// crateDSN maps crate://[user[:pass]@]host[:port] onto the PostgreSQL wire
// endpoint CrateDB exposes. CrateDB lacks extended-protocol statement
// caching, so pgx is pinned to the simple protocol.
func crateDSN(addr string) (dsn, schema, table string, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", "", fmt.Errorf("parse crate address: %w", err)
	}
	q := u.Query()
	schema, table, err = location(q)
	if err != nil {
		return "", "", "", err
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	user := url.User("crate")
	if u.User != nil && u.User.Username() != "" {
		user = u.User
	}
	if q.Get("sslmode") == "" {
		q.Set("sslmode", "disable")
	}
	q.Set("default_query_exec_mode", "simple_protocol")
	out := url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     net.JoinHostPort(host, port),
		Path:     "/doc",
		RawQuery: q.Encode(),
	}
	return out.String(), schema, table, nil
}

func openPostgres(ctx context.Context, addr string, opts Options) (Store, error) {
	dsn, schema, table, err := postgresDSN(addr)
	if err != nil {
		return nil, err
	}
	qualified := pgx.Identifier{schema, table}.Sanitize()
	d := dialect{
		name:   "postgres",
		table:  qualified,
		dollar: true,
		setup: []string{
			`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize(),
			pgColumnsDDL(qualified),
		},
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return finishOpen(ctx, db, d, opts)
}

func openCrate(ctx context.Context, addr string, opts Options) (Store, error) {
	dsn, schema, table, err := crateDSN(addr)
	if err != nil {
		return nil, err
	}
	qualified := pgx.Identifier{schema, table}.Sanitize()
	d := dialect{
		name:    "crate",
		table:   qualified,
		dollar:  true,
		refresh: true,
		// Schemas are implicit in CrateDB.
		setup: []string{pgColumnsDDL(qualified)},
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return finishOpen(ctx, db, d, opts)
}
