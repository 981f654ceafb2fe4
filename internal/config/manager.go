package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"supertask/internal/fswatch"
	logx "supertask/pkg/logx"
	"sync"
	"time"
)

const reloadDebounce = 250 * time.Millisecond

// Manager owns the config file: it loads it, keeps the last good copy and
// republishes it to subscribers when the file changes.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list and ensures we never send on a
	// channel that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log logx.Logger

	// lastHash tracks the last committed config content so editors that
	// fire several events per save don't cause redundant publishes.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

func (m *Manager) Path() string { return m.path }

// Dir is the base directory for relative paths inside the config.
func (m *Manager) Dir() string { return filepath.Dir(m.path) }

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := DecodeStrict(m.path, b, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", m.path, err)
	}
	return &cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Latest wins: if the subscriber is behind, drop its oldest item.
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)",
				logx.Int("queue_len", len(ch)),
				logx.Int("queue_cap", cap(ch)),
			)
		}
	}
}

// reload re-reads the file and publishes it if it parses, validates and
// differs from the committed copy. A bad file keeps the previous config.
func (m *Manager) reload() {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	old := m.cfg
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}
	if _, err := cfg.Resolve(m.Dir()); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}

	changed, attrs := SummarizeChange(old, cfg)
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", append(attrs, logx.Any("changed", changed))...)
}

// Watch reloads the config on file changes until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	// debounce to avoid reading partial writes
	notify := func(reason string) {
		timerMu.Lock()
		defer timerMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if timer != nil {
			timer.Stop()
		}
		m.log.Debug("config change detected; scheduling reload",
			logx.String("path", m.path), logx.String("op", reason))
		timer = time.AfterFunc(reloadDebounce, m.reload)
	}
	return fswatch.Watch(ctx, m.path, m.log, notify)
}
