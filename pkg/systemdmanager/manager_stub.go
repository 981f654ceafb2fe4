//go:build !linux

package systemdmanager

import "context"

type Manager struct{}

func New(context.Context) (*Manager, error) { return nil, ErrUnsupported }

func (m *Manager) Close() error { return nil }

func (m *Manager) Do(context.Context, Action, string) error { return ErrUnsupported }

func (m *Manager) ActiveState(context.Context, string) (string, error) { return "", ErrUnsupported }
