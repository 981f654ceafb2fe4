package watcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"supertask/internal/config"
	"supertask/internal/job"
	logx "supertask/pkg/logx"
)

// ErrEmptyFile is returned for a definitions file with no content at all.
// An explicit empty list removes every job; a blank file is usually a
// writer caught mid-save.
var ErrEmptyFile = errors.New("definitions file is empty")

// Record is one entry of the definitions file.
//
//	[{"id": 1, "crontab": "*/5 * * * *", "job": "task:backup", "enabled": true}]
type Record struct {
	ID           FlexID `json:"id"`
	Crontab      string `json:"crontab"`
	Job          string `json:"job"`
	Enabled      *bool  `json:"enabled,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	MaxInstances int    `json:"max_instances,omitempty"`
	Executor     string `json:"executor,omitempty"`
}

// FlexID accepts a JSON number or string. Numeric ids are written back as
// numbers.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("id: want number or string, got %s", b)
	}
	// 1.0 and 1 name the same job.
	if i, err := n.Int64(); err == nil {
		*f = FlexID(strconv.FormatInt(i, 10))
		return nil
	}
	if fl, err := n.Float64(); err == nil && fl == float64(int64(fl)) {
		*f = FlexID(strconv.FormatInt(int64(fl), 10))
		return nil
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) MarshalJSON() ([]byte, error) {
	s := string(f)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && strconv.FormatInt(n, 10) == s {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

// Definition converts r to the domain model. enabled defaults to true.
func (r Record) Definition() job.Definition {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return job.Definition{
		ID:           string(r.ID),
		Crontab:      r.Crontab,
		Payload:      r.Job,
		Enabled:      enabled,
		Timezone:     r.Timezone,
		MaxInstances: r.MaxInstances,
		Executor:     r.Executor,
	}.Normalize()
}

// RecordOf is the inverse of Record.Definition.
func RecordOf(def job.Definition) Record {
	def = def.Normalize()
	enabled := def.Enabled
	return Record{
		ID:           FlexID(def.ID),
		Crontab:      def.Crontab,
		Job:          def.Payload,
		Enabled:      &enabled,
		Timezone:     def.Timezone,
		MaxInstances: def.MaxInstances,
		Executor:     def.Executor,
	}
}

// Decode parses a definitions file. The format follows path's extension.
// Duplicate ids keep the last record at the position of the first.
func Decode(path string, data []byte, log logx.Logger) ([]job.Definition, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}
	var recs []Record
	if err := config.DecodeStrict(path, data, &recs); err != nil {
		return nil, err
	}

	out := make([]job.Definition, 0, len(recs))
	pos := make(map[string]int, len(recs))
	for i, r := range recs {
		def := r.Definition()
		if def.ID == "" {
			return nil, fmt.Errorf("record %d: %w", i, job.ErrIDMissing)
		}
		if j, dup := pos[def.ID]; dup {
			log.Warn("duplicate job id in definitions file; last one wins",
				logx.String("path", path), logx.String("job", def.ID), logx.Int("index", i))
			out[j] = def
			continue
		}
		pos[def.ID] = len(out)
		out = append(out, def)
	}
	return out, nil
}

func ReadFile(path string, log logx.Logger) ([]job.Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := Decode(path, b, log)
	if err != nil {
		return nil, fmt.Errorf("definitions %s: %w", path, err)
	}
	return defs, nil
}

// WriteFile atomically replaces path with defs.
func WriteFile(path string, defs []job.Definition) error {
	recs := make([]Record, 0, len(defs))
	for _, d := range defs {
		recs = append(recs, RecordOf(d))
	}
	b, err := config.MarshalFor(path, recs)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(b)
	serr := tmp.Sync()
	cerr := tmp.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if fi, err := os.Stat(path); err == nil {
		_ = os.Chmod(tmpName, fi.Mode().Perm())
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// UpdateFile rewrites path with fn applied to its definitions. A missing or
// blank file starts out empty.
func UpdateFile(path string, log logx.Logger, fn func([]job.Definition) []job.Definition) error {
	defs, err := ReadFile(path, log)
	if err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrEmptyFile) {
		return err
	}
	return WriteFile(path, fn(defs))
}

// Upsert replaces the definition with def.ID or appends it.
func Upsert(defs []job.Definition, def job.Definition) []job.Definition {
	for i := range defs {
		if defs[i].ID == def.ID {
			defs[i] = def
			return defs
		}
	}
	return append(defs, def)
}

// Without drops the definition with id.
func Without(defs []job.Definition, id string) []job.Definition {
	out := defs[:0]
	for _, d := range defs {
		if d.ID != id {
			out = append(out, d)
		}
	}
	return out
}
