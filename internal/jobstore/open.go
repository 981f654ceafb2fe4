package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	logx "supertask/pkg/logx"
)

// Open selects and initializes the backend named by opts.Address.
// An unrecognized scheme fails with ErrUnknownAddress; an unreachable
// durable backend fails with *UnavailableError once the retry budget is spent.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	addr := strings.TrimSpace(opts.Address)
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAddress, Redact(addr))
	}

	var (
		st  Store
		err error
	)
	switch strings.ToLower(scheme) {
	case "memory":
		st = NewMemory()
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, rest, opts)
	case "postgresql", "postgres":
		st, err = openPostgres(ctx, addr, opts)
	case "crate":
		st, err = openCrate(ctx, addr, opts)
	case "redis", "rediss":
		st, err = openRedis(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAddress, Redact(addr))
	}
	if err != nil {
		return nil, err
	}
	opts.Log.Info("job store opened", logx.String("address", Redact(addr)))

	if opts.PreDelete {
		opts.Log.Warn("pre-delete requested: removing all stored jobs", logx.String("address", Redact(addr)))
		if err := st.RemoveAll(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("pre-delete: %w", err)
		}
	}
	return st, nil
}

// finishOpen pings, migrates and wraps a durable backend.
func finishOpen(ctx context.Context, db *sql.DB, d dialect, opts Options) (Store, error) {
	log := opts.Log.With(logx.String("comp", "jobstore"), logx.String("backend", d.name))
	r := withRetry(nil, opts.RetryMaxElapsed, log)

	probe := &sqlStore{db: db, d: d, log: log}
	err := r.do(ctx, "ping", func() error {
		return probe.fail("ping", db.PingContext(ctx))
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var s *sqlStore
	err = r.do(ctx, "migrate", func() (err error) {
		s, err = newSQLStore(ctx, db, d, log)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r.next = s
	return r, nil
}

// Redact hides the password of a store address for logging.
func Redact(addr string) string {
	u, err := url.Parse(addr)
	if err != nil || u.User == nil {
		return addr
	}
	return u.Redacted()
}
