package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/canvasrelay/internal/metrics"
)

// Deleter removes persisted actions.
type Deleter interface {
	DeleteActions(ctx context.Context, roomID string, ids []string) (int64, error)
}

// Buffer is the part of the write buffer the janitor coordinates with.
type Buffer interface {
	Discard(roomID string, ids []string) int
	Serialize(fn func())
}

// Janitor purges actions that were retracted in a room nobody is editing
// anymore. Deletes are best effort: failures are logged and counted, never
// retried.
type Janitor struct {
	store   Deleter
	buffer  Buffer
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

func NewJanitor(store Deleter, buffer Buffer, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Janitor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:   store,
		buffer:  buffer,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "janitor")),
		metrics: m,
	}
}

// Collect drops queued writes for ids right away, then deletes any stored
// copies in the background. The delete runs between flushes so a batch that
// was already in flight cannot land after it.
func (j *Janitor) Collect(roomID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	ids = append([]string(nil), ids...)

	discarded := 0
	if j.buffer != nil {
		discarded = j.buffer.Discard(roomID, ids)
	}

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		run := func() { j.delete(roomID, ids, discarded) }
		if j.buffer != nil {
			j.buffer.Serialize(run)
		} else {
			run()
		}
	}()
}

func (j *Janitor) delete(roomID string, ids []string, discarded int) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	deleted, err := j.store.DeleteActions(ctx, roomID, ids)
	j.metrics.RecordCollect(deleted, err)
	if err != nil {
		j.logger.Warn("Failed to purge retracted actions",
			slog.String("room", roomID),
			slog.Int("actions", len(ids)),
			slog.Any("error", err))
		return
	}
	j.logger.Info("Purged retracted actions",
		slog.String("room", roomID),
		slog.Int("requested", len(ids)),
		slog.Int64("deleted", deleted),
		slog.Int("discarded", discarded))
}

// Wait blocks until every started delete has finished.
func (j *Janitor) Wait() {
	j.wg.Wait()
}
