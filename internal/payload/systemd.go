package payload

import (
	"context"
	"fmt"
	"strings"
	"supertask/pkg/systemdmanager"
	"sync"
)

// UnitController is the part of systemdmanager.Manager the systemd task uses.
type UnitController interface {
	Do(ctx context.Context, action systemdmanager.Action, unit string) error
	ActiveState(ctx context.Context, unit string) (string, error)
}

// Units connects to systemd on first use and keeps the connection.
type Units struct {
	mu   sync.Mutex
	ctrl UnitController
	dial func(ctx context.Context) (UnitController, error)
}

func NewUnits() *Units {
	return &Units{dial: func(ctx context.Context) (UnitController, error) {
		m, err := systemdmanager.New(ctx)
		if err != nil {
			return nil, err
		}
		return m, nil
	}}
}

func (u *Units) get(ctx context.Context) (UnitController, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ctrl != nil {
		return u.ctrl, nil
	}
	c, err := u.dial(ctx)
	if err != nil {
		return nil, err
	}
	u.ctrl = c
	return c, nil
}

// Close releases the connection if one was made.
func (u *Units) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if cl, ok := u.ctrl.(interface{ Close() error }); ok {
		u.ctrl = nil
		return cl.Close()
	}
	return nil
}

// Handler runs "task:systemd <action> <unit> [unit...]".
func (u *Units) Handler() Handler {
	return func(ctx context.Context, c Call) error {
		fields := strings.Fields(c.Args)
		if len(fields) < 2 {
			return fmt.Errorf("systemd: want \"<action> <unit>...\", got %q", c.Args)
		}
		action, err := systemdmanager.ParseAction(fields[0])
		if err != nil {
			return err
		}
		ctrl, err := u.get(ctx)
		if err != nil {
			return fmt.Errorf("systemd: %w", err)
		}
		for _, unit := range fields[1:] {
			if err := ctrl.Do(ctx, action, unit); err != nil {
				return err
			}
			if action == systemdmanager.Stop {
				continue
			}
			// a job can finish "done" while the unit crashes right after
			if state, err := ctrl.ActiveState(ctx, unit); err == nil && state == "failed" {
				return fmt.Errorf("systemd: %s is failed after %s", unit, action)
			}
		}
		return nil
	}
}
