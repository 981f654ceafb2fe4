//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager runs unit jobs on the system bus.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// New connects to the systemd system bus.
func New(ctx context.Context) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Do queues action on unit in "replace" mode and waits for the job result.
func (m *Manager) Do(ctx context.Context, action Action, unit string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return ErrClosed
	}
	name := UnitName(unit)

	var (
		done = make(chan string, 1)
		err  error
	)
	switch action {
	case Start:
		_, err = m.conn.StartUnitContext(ctx, name, "replace", done)
	case Stop:
		_, err = m.conn.StopUnitContext(ctx, name, "replace", done)
	case Restart:
		_, err = m.conn.RestartUnitContext(ctx, name, "replace", done)
	case TryRestart:
		_, err = m.conn.TryRestartUnitContext(ctx, name, "replace", done)
	case Reload:
		_, err = m.conn.ReloadUnitContext(ctx, name, "replace", done)
	default:
		return fmt.Errorf("systemdmanager: unsupported action %q", action)
	}
	if err != nil {
		if isNoSuchUnitErr(err) {
			return fmt.Errorf("%s %s: %w", action, name, ErrNoSuchUnit)
		}
		return fmt.Errorf("failed to %s %s: %w", action, name, err)
	}

	select {
	case res := <-done:
		if res != "done" {
			return &JobError{Action: action, Unit: name, Result: res}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveState returns the unit's ActiveState (active, inactive, failed, ...).
func (m *Manager) ActiveState(ctx context.Context, unit string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return "", ErrClosed
	}
	name := UnitName(unit)
	prop, err := m.conn.GetUnitPropertyContext(ctx, name, "ActiveState")
	if err != nil {
		if isNoSuchUnitErr(err) {
			return "", fmt.Errorf("%s: %w", name, ErrNoSuchUnit)
		}
		return "", err
	}
	s, _ := prop.Value.Value().(string)
	return s, nil
}
