package flush

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/manpreetbhatti/canvasrelay/internal/db"
	"github.com/manpreetbhatti/canvasrelay/internal/metrics"
)

// Inserter is the slice of the store the buffer writes through.
type Inserter interface {
	InsertActions(ctx context.Context, actions []db.Action) error
}

type Config struct {
	Interval  time.Duration
	Timeout   time.Duration
	WarnDepth int
}

func DefaultConfig() Config {
	return Config{
		Interval:  2 * time.Second,
		Timeout:   10 * time.Second,
		WarnDepth: 10000,
	}
}

type key struct {
	roomID   string
	actionID string
}

type entry struct {
	action db.Action
	seq    uint64
}

// Service buffers chat actions in memory and writes them to the store on a
// fixed interval. A failed write puts every entry back for the next tick, so
// delivery to storage is at-least-once while the process lives. Anything
// still queued or in flight is lost on a crash.
type Service struct {
	store   Inserter
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	queue    map[key]entry
	seq      uint64
	inflight map[key]struct{}
	dropped  map[key]struct{}
	warned   bool

	// serializes flushes with each other and with Serialize callers
	flushMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store Inserter, config Config, logger *slog.Logger, m *metrics.Metrics) *Service {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		config:  config,
		logger:  logger.With(slog.String("component", "write_buffer")),
		metrics: m,
		queue:   make(map[key]entry),
		stop:    make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Write buffer started", slog.Duration("interval", s.config.Interval))
}

// Stop halts the ticker and runs one last flush. The final flush waits for
// any flush already in progress.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	err := s.Flush(ctx)
	if err != nil {
		s.logger.Error("Final flush failed", slog.Int("pending", s.Len()), slog.Any("error", err))
	} else {
		s.logger.Info("Write buffer stopped")
	}
	return err
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Enqueue adds an action. The same room+action key collapses to one entry.
func (s *Service) Enqueue(a db.Action) {
	s.mu.Lock()
	k := key{a.RoomID, a.ID}
	if existing, ok := s.queue[k]; ok {
		existing.action = a
		s.queue[k] = existing
	} else {
		s.seq++
		s.queue[k] = entry{action: a, seq: s.seq}
	}
	depth := len(s.queue)
	s.checkDepthLocked(depth)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
}

// Discard forgets queued writes for retracted actions. Entries that are part
// of an in-flight batch are also kept from being re-queued if it fails.
func (s *Service) Discard(roomID string, ids []string) int {
	s.mu.Lock()
	removed := 0
	for _, id := range ids {
		k := key{roomID, id}
		if _, ok := s.queue[k]; ok {
			delete(s.queue, k)
			removed++
		}
		if _, ok := s.inflight[k]; ok {
			if s.dropped == nil {
				s.dropped = make(map[key]struct{})
			}
			s.dropped[k] = struct{}{}
		}
	}
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
	return removed
}

// Serialize runs fn while no flush is in progress.
func (s *Service) Serialize(fn func()) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	fn()
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Pending returns a copy of the queued actions in enqueue order.
func (s *Service) Pending() []db.Action {
	s.mu.Lock()
	entries := make([]entry, 0, len(s.queue))
	for _, e := range s.queue {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	return ordered(entries)
}

// Flush snapshots and clears the queue, then bulk inserts the snapshot. On
// failure every entry goes back into the queue unless a newer write for the
// same key arrived meanwhile.
func (s *Service) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	batch := s.drain()
	if len(batch) == 0 {
		return nil
	}

	insertCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	start := time.Now()
	err := s.store.InsertActions(insertCtx, ordered(batch))
	elapsed := time.Since(start)

	if err != nil {
		requeued := s.requeue(batch)
		s.metrics.RecordFlush(false, len(batch), elapsed.Seconds())
		s.logger.Warn("Flush failed, entries re-queued",
			slog.Int("batch", len(batch)),
			slog.Int("requeued", requeued),
			slog.Any("error", err),
		)
		return err
	}

	s.finish()
	s.metrics.RecordFlush(true, len(batch), elapsed.Seconds())
	s.logger.Debug("Flushed actions", slog.Int("count", len(batch)), slog.Duration("took", elapsed))
	return nil
}

func (s *Service) drain() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil
	}
	batch := make([]entry, 0, len(s.queue))
	s.inflight = make(map[key]struct{}, len(s.queue))
	for k, e := range s.queue {
		batch = append(batch, e)
		s.inflight[k] = struct{}{}
	}
	s.queue = make(map[key]entry)
	s.warned = false
	s.metrics.SetQueueDepth(0)
	return batch
}

func (s *Service) requeue(batch []entry) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range batch {
		k := key{e.action.RoomID, e.action.ID}
		if _, gone := s.dropped[k]; gone {
			continue
		}
		if _, exists := s.queue[k]; exists {
			continue
		}
		s.queue[k] = e
		n++
	}
	s.inflight = nil
	s.dropped = nil
	s.checkDepthLocked(len(s.queue))
	s.metrics.SetQueueDepth(len(s.queue))
	return n
}

func (s *Service) finish() {
	s.mu.Lock()
	s.inflight = nil
	s.dropped = nil
	s.mu.Unlock()
}

func (s *Service) checkDepthLocked(depth int) {
	if s.config.WarnDepth <= 0 {
		return
	}
	if depth >= s.config.WarnDepth && !s.warned {
		s.warned = true
		s.logger.Warn("Write queue is growing; storage may be failing",
			slog.Int("depth", depth),
			slog.Int("threshold", s.config.WarnDepth),
		)
	} else if depth < s.config.WarnDepth {
		s.warned = false
	}
}

func ordered(entries []entry) []db.Action {
	slices.SortFunc(entries, func(a, b entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	actions := make([]db.Action, len(entries))
	for i, e := range entries {
		actions[i] = e.action
	}
	return actions
}
