package jobstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"supertask/internal/job"
	logx "supertask/pkg/logx"
	"syscall"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// dialect captures the few differences between the SQL backends.
type dialect struct {
	name  string
	table string   // qualified, already quoted where needed
	setup []string // DDL executed once at open

	// dollar switches "?" placeholders to "$n".
	dollar bool
	// refresh issues REFRESH TABLE after writes (CrateDB is eventually consistent for reads).
	refresh bool
}

func (d dialect) q(query string) string {
	query = strings.ReplaceAll(query, "{t}", d.table)
	if !d.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const defColumns = `id, crontab, job, enabled, timezone, max_instances, executor`

// sqlStore implements Store on database/sql for every durable backend.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &sqlStore{db: db, d: d, log: log}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range s.d.setup {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.fail("migrate", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Get(ctx context.Context, id string) (job.Definition, error) {
	row := s.db.QueryRowContext(ctx, s.d.q(`SELECT `+defColumns+` FROM {t} WHERE id = ?`), id)
	def, err := scanDef(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Definition{}, job.NotFound(id)
	}
	if err != nil {
		return job.Definition{}, s.fail("get", err)
	}
	return def, nil
}

func (s *sqlStore) List(ctx context.Context) ([]job.Definition, error) {
	rows, err := s.db.QueryContext(ctx, s.d.q(`SELECT `+defColumns+` FROM {t} ORDER BY id`))
	if err != nil {
		return nil, s.fail("list", err)
	}
	defer rows.Close()

	var out []job.Definition
	for rows.Next() {
		def, err := scanDef(rows)
		if err != nil {
			return nil, s.fail("list", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list", err)
	}
	return out, nil
}

func (s *sqlStore) Put(ctx context.Context, def job.Definition) error {
	def, err := validate(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.d.q(
		`INSERT INTO {t} (`+defColumns+`, last_status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   crontab = excluded.crontab,
		   job = excluded.job,
		   enabled = excluded.enabled,
		   timezone = excluded.timezone,
		   max_instances = excluded.max_instances,
		   executor = excluded.executor,
		   updated_at = excluded.updated_at`),
		def.ID, def.Crontab, def.Payload, def.Enabled, def.Timezone, def.MaxInstances, def.Executor,
		string(job.StatusNone), time.Now().UnixMilli(),
	)
	if err != nil {
		return s.fail("put", err)
	}
	return s.refresh(ctx)
}

func (s *sqlStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.d.q(`DELETE FROM {t} WHERE id = ?`), id)
	if err != nil {
		return s.fail("remove", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return job.NotFound(id)
	}
	return s.refresh(ctx)
}

func (s *sqlStore) RemoveAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.q(`DELETE FROM {t}`)); err != nil {
		return s.fail("remove_all", err)
	}
	return s.refresh(ctx)
}

func (s *sqlStore) RecordRun(ctx context.Context, id string, status job.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.d.q(`UPDATE {t} SET last_run_at = ?, last_status = ? WHERE id = ?`),
		at.UnixMilli(), string(status), id)
	if err != nil {
		return s.fail("record_run", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return job.NotFound(id)
	}
	return s.refresh(ctx)
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (job.RunRecord, error) {
	var (
		last   sql.NullInt64
		status string
	)
	err := s.db.QueryRowContext(ctx, s.d.q(`SELECT last_run_at, last_status FROM {t} WHERE id = ?`), id).
		Scan(&last, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return job.RunRecord{}, job.NotFound(id)
	}
	if err != nil {
		return job.RunRecord{}, s.fail("get_run", err)
	}
	rec := job.RunRecord{JobID: id, LastStatus: job.Status(status)}
	if last.Valid {
		t := time.UnixMilli(last.Int64)
		rec.LastRunAt = &t
	}
	if !rec.LastStatus.Valid() {
		rec.LastStatus = job.StatusNone
	}
	return rec, nil
}

func (s *sqlStore) refresh(ctx context.Context) error {
	if !s.d.refresh {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `REFRESH TABLE `+s.d.table); err != nil {
		return s.fail("refresh", err)
	}
	return nil
}

func (s *sqlStore) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if transient(err) {
		return &UnavailableError{Op: s.d.name + "." + op, Err: err}
	}
	return fmt.Errorf("%s %s: %w", s.d.name, op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDef(r rowScanner) (job.Definition, error) {
	var (
		def job.Definition
		maxInst int64
	)
	if err := r.Scan(&def.ID, &def.Crontab, &def.Payload, &def.Enabled, &def.Timezone, &maxInst, &def.Executor); err != nil {
		return job.Definition{}, err
	}
	def.MaxInstances = int(maxInst)
	return def, nil
}

// transient reports whether err looks like a connectivity problem worth retrying.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.TooManyConnections, pgerrcode.CannotConnectNow, pgerrcode.AdminShutdown, pgerrcode.CrashShutdown:
			return true
		}
		return pgerrcode.IsConnectionException(pgErr.Code)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
