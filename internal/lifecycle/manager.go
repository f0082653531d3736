package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Step is one stage of shutdown.
type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Manager runs shutdown steps in the order they were added. A failing step
// is logged and does not stop the ones after it.
type Manager struct {
	logger *slog.Logger

	mu    sync.Mutex
	steps []Step
	once  sync.Once
	err   error
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With(slog.String("component", "lifecycle"))}
}

func (m *Manager) Add(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, Step{Name: name, Fn: fn})
}

// Shutdown runs every step once. Later calls return the first result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		m.mu.Lock()
		steps := append([]Step(nil), m.steps...)
		m.mu.Unlock()

		m.logger.Info("Shutting down", slog.Int("steps", len(steps)))
		var errs []error
		for _, step := range steps {
			start := time.Now()
			if err := step.Fn(ctx); err != nil {
				m.logger.Error("Shutdown step failed",
					slog.String("step", step.Name),
					slog.Any("error", err))
				errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
				continue
			}
			m.logger.Info("Shutdown step done",
				slog.String("step", step.Name),
				slog.Duration("took", time.Since(start)))
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}
