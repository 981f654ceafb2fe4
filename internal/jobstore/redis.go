package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"supertask/internal/job"
	logx "supertask/pkg/logx"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "supertask"

// redisStore keeps definitions and run metadata in two hashes keyed by job
// id: <prefix>:jobs and <prefix>:runs.
type redisStore struct {
	client *redis.Client
	jobs   string
	runs   string
	log    logx.Logger
}

// recordRun only writes run metadata for a job that still exists.
var recordRunScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

type redisRun struct {
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus job.Status `json:"last_status"`
}

// redisOptions splits the supertask-specific ?prefix= parameter from a
// redis:// or rediss:// address.
func redisOptions(addr string) (*redis.Options, string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, "", fmt.Errorf("redis address: %w", err)
	}
	q := u.Query()
	prefix := strings.TrimSpace(q.Get("prefix"))
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	q.Del("prefix")
	u.RawQuery = q.Encode()

	opt, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, "", fmt.Errorf("redis address: %w", err)
	}
	return opt, prefix, nil
}

func openRedis(ctx context.Context, addr string, opts Options) (Store, error) {
	opt, prefix, err := redisOptions(addr)
	if err != nil {
		return nil, err
	}
	log := opts.Log.With(logx.String("comp", "jobstore"), logx.String("backend", "redis"))
	s := &redisStore{
		client: redis.NewClient(opt),
		jobs:   prefix + ":jobs",
		runs:   prefix + ":runs",
		log:    log,
	}

	r := withRetry(nil, opts.RetryMaxElapsed, log)
	if err := r.do(ctx, "ping", func() error {
		return s.fail("ping", s.client.Ping(ctx).Err())
	}); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	r.next = s
	return r, nil
}

func (s *redisStore) fail(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.ErrClosed):
		return ErrClosed
	case transient(err) || errors.Is(err, io.EOF):
		return &UnavailableError{Op: "redis." + op, Err: err}
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

func (s *redisStore) Get(ctx context.Context, id string) (job.Definition, error) {
	raw, err := s.client.HGet(ctx, s.jobs, id).Result()
	if errors.Is(err, redis.Nil) {
		return job.Definition{}, job.NotFound(id)
	}
	if err != nil {
		return job.Definition{}, s.fail("get", err)
	}
	return decodeRedisDef(id, raw)
}

func (s *redisStore) List(ctx context.Context) ([]job.Definition, error) {
	all, err := s.client.HGetAll(ctx, s.jobs).Result()
	if err != nil {
		return nil, s.fail("list", err)
	}
	out := make([]job.Definition, 0, len(all))
	for id, raw := range all {
		def, err := decodeRedisDef(id, raw)
		if err != nil {
			s.log.Warn("skipping undecodable job", logx.String("job", id), logx.Err(err))
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func decodeRedisDef(id, raw string) (job.Definition, error) {
	var def job.Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return job.Definition{}, fmt.Errorf("redis decode %s: %w", id, err)
	}
	def.ID = id
	return def, nil
}

// Put writes only the jobs hash, so run metadata survives an update.
func (s *redisStore) Put(ctx context.Context, def job.Definition) error {
	def, err := validate(def)
	if err != nil {
		return err
	}
	b, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", def.ID, err)
	}
	return s.fail("put", s.client.HSet(ctx, s.jobs, def.ID, b).Err())
}

func (s *redisStore) Remove(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, s.jobs, id)
		p.HDel(ctx, s.runs, id)
		return nil
	})
	if err != nil {
		return s.fail("remove", err)
	}
	if del.Val() == 0 {
		return job.NotFound(id)
	}
	return nil
}

func (s *redisStore) RemoveAll(ctx context.Context) error {
	return s.fail("remove_all", s.client.Del(ctx, s.jobs, s.runs).Err())
}

func (s *redisStore) RecordRun(ctx context.Context, id string, status job.Status, at time.Time) error {
	t := at.UTC()
	b, err := json.Marshal(redisRun{LastRunAt: &t, LastStatus: status})
	if err != nil {
		return fmt.Errorf("redis encode run %s: %w", id, err)
	}
	n, err := recordRunScript.Run(ctx, s.client, []string{s.jobs, s.runs}, id, string(b)).Int()
	if err != nil {
		return s.fail("record_run", err)
	}
	if n == 0 {
		return job.NotFound(id)
	}
	return nil
}

func (s *redisStore) GetRun(ctx context.Context, id string) (job.RunRecord, error) {
	var (
		exists *redis.BoolCmd
		run    *redis.StringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		exists = p.HExists(ctx, s.jobs, id)
		run = p.HGet(ctx, s.runs, id)
		return nil
	})
	// a missing run field surfaces as redis.Nil from Exec
	if err != nil && !errors.Is(err, redis.Nil) {
		return job.RunRecord{}, s.fail("get_run", err)
	}
	if !exists.Val() {
		return job.RunRecord{}, job.NotFound(id)
	}
	rec := job.RunRecord{JobID: id, LastStatus: job.StatusNone}
	raw, err := run.Result()
	if errors.Is(err, redis.Nil) {
		return rec, nil
	}
	if err != nil {
		return job.RunRecord{}, s.fail("get_run", err)
	}
	var rr redisRun
	if err := json.Unmarshal([]byte(raw), &rr); err != nil {
		return job.RunRecord{}, fmt.Errorf("redis decode run %s: %w", id, err)
	}
	rec.LastRunAt = rr.LastRunAt
	if rr.LastStatus.Valid() {
		rec.LastStatus = rr.LastStatus
	}
	return rec, nil
}

func (s *redisStore) Close() error {
	err := s.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
