// Package system defines the service lifecycle contract shared by the
// long-running components and a manager that starts and stops them together.
package system

import (
	"context"
	"fmt"

	"github.com/molehq/mole/pkg/logger"
)

// Service is a long-running component with an explicit lifecycle.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager owns a set of services and coordinates startup and shutdown.
type Manager struct {
	log      *logger.Logger
	services []Service
	started  []Service
}

func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("system")
	}
	return &Manager{log: log}
}

func (m *Manager) Register(svc Service) {
	m.services = append(m.services, svc)
}

// StartAll starts services in registration order. On failure the already
// started services are stopped in reverse order before returning.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, svc := range m.services {
		m.log.WithField("service", svc.Name()).Info("starting service")
		if err := svc.Start(ctx); err != nil {
			m.StopAll(context.Background())
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.started = append(m.started, svc)
	}
	return nil
}

// StopAll stops started services in reverse order. Stop errors are logged,
// not propagated, so one misbehaving service cannot block shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		m.log.WithField("service", svc.Name()).Info("stopping service")
		if err := svc.Stop(ctx); err != nil {
			m.log.WithError(err).WithField("service", svc.Name()).Warn("service stop failed")
		}
	}
	m.started = nil
}
