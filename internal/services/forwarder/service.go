package forwarder

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	"relaybot/internal/extract"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("forwarding queue full")
	ErrStopped   = errors.New("forwarder stopped")
)

type Config struct {
	// Enabled false puts the service in dry-run mode: candidates are
	// claimed and logged but nothing is sent.
	Enabled bool

	// QueueSize bounds the FIFO; 0 means unbounded.
	// Takes effect on (re)start, not on Apply.
	QueueSize int

	// MinDelay is the minimum gap between finishing one entry and
	// starting the next send.
	MinDelay time.Duration

	// MaxPerSec caps sends per second; 0 disables the ceiling.
	MaxPerSec float64

	// Targets are destination chats in delivery order
	// (usernames "@chan" or numeric chat ids in decimal).
	Targets []string
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	limiter *rate.Limiter

	store   storage.Store
	adapter transport.Adapter
	bus     eventbus.Bus
	log     logx.Logger

	queue     *fifo
	accepting bool

	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// lastFinished is touched only by the worker goroutine.
	lastFinished time.Time
}

func New(cfg Config, store storage.Store, adapter transport.Adapter, bus eventbus.Bus, log logx.Logger) *Service {
	s := &Service{
		store:   store,
		adapter: adapter,
		bus:     bus,
		log:     log,
	}
	s.applyLocked(cfg)
	return s
}

// Apply updates the rate discipline, targets, and dry-run flag at runtime.
// A QueueSize change only takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	if s.queue != nil && cfg.QueueSize != s.cfg.QueueSize {
		s.log.Warn("queue size change requires restart to take effect",
			logx.Int("current", s.cfg.QueueSize), logx.Int("requested", cfg.QueueSize))
	}
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxPerSec < 0 {
		cfg.MaxPerSec = 0
	}
	s.cfg = cfg
	if cfg.MaxPerSec > 0 {
		// Burst 1 keeps sends evenly spaced at 1/MaxPerSec.
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxPerSec), 1)
	} else {
		s.limiter = nil
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = newFifo(s.cfg.QueueSize)
	s.accepting = true
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	q := s.queue
	s.mu.Unlock()

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		s.worker(runCtx, q)
	}()

	s.log.Info("forwarder started",
		logx.Bool("enabled", s.cfg.Enabled),
		logx.Int("queue_size", s.cfg.QueueSize),
		logx.Duration("min_delay", s.cfg.MinDelay),
		logx.Float64("max_per_sec", s.cfg.MaxPerSec),
		logx.Int("targets", len(s.cfg.Targets)))
}

// Stop lets the in-flight entry finish and abandons the rest of the
// queue. Abandoned entries are unclaimed, so a later re-post of the same
// link is still forwardable.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("forwarder stop timed out", logx.Err(ctx.Err()))
	}

	if n := q.len(); n > 0 {
		s.log.Warn("abandoning queued candidates at shutdown", logx.Int("count", n))
	}
	s.log.Info("forwarder stopped")
}

// Enqueue appends a candidate to the FIFO. It never blocks: a full queue
// is reported as ErrQueueFull and the candidate is dropped.
func (s *Service) Enqueue(c extract.Candidate) error {
	s.mu.Lock()
	q := s.queue
	accepting := s.accepting
	s.mu.Unlock()

	if q == nil || !accepting {
		return ErrStopped
	}

	key := c.DedupKey()
	if err := q.put(entry{cand: c, queuedAt: time.Now()}); err != nil {
		s.publish(eventbus.TypeDropped, key, "queue full")
		return err
	}
	s.publish(eventbus.TypeQueued, key, "")
	s.log.Debug("candidate queued", logx.String("key", key), logx.Int("queue_len", q.len()))
	return nil
}

// QueueLen reports the number of queued-but-undrained candidates.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.len()
}

func (s *Service) publish(typ, key, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Key: key, Detail: detail})
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}
