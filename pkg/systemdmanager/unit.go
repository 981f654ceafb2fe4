// Package systemdmanager controls systemd units over D-Bus.
package systemdmanager

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")
	ErrClosed      = errors.New("systemdmanager: connection is closed")
	ErrNoSuchUnit  = errors.New("systemdmanager: no such unit")
)

// Action is a unit job type.
type Action string

const (
	Start      Action = "start"
	Stop       Action = "stop"
	Restart    Action = "restart"
	TryRestart Action = "try-restart"
	Reload     Action = "reload"
)

// ParseAction accepts the systemctl verbs this package supports.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case Start, Stop, Restart, TryRestart, Reload:
		return a, nil
	default:
		return "", fmt.Errorf("systemdmanager: unsupported action %q", s)
	}
}

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, suf := range []string{".service", ".timer", ".socket", ".target", ".mount", ".path", ".slice", ".scope"} {
		if strings.HasSuffix(name, suf) {
			return name
		}
	}
	return name + ".service"
}

// JobError reports a unit job that did not finish with "done".
type JobError struct {
	Action Action
	Unit   string
	Result string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s: job finished with %q", e.Action, e.Unit, e.Result)
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
