// Package keepalive nudges the source when it goes quiet.
//
// Some source channels are driven by upstream bots that stall until they
// receive a command. The monitor tracks the last inbound message and,
// after a configured idle window, sends the nudge command once. It arms
// again only after fresh activity or another full idle window.
package keepalive

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Chat     string
	Command  string
	Interval time.Duration
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	adapter transport.Adapter
	log     logx.Logger

	lastSeen  time.Time
	lastNudge time.Time

	runCancel context.CancelFunc
	doneWG    sync.WaitGroup
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger) *Service {
	s := &Service{adapter: adapter, log: log, lastSeen: time.Now()}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Command == "" {
		cfg.Command = "/start"
	}
	if cfg.Chat == "" {
		cfg.Enabled = false
	}
	s.cfg = cfg
}

// Touch records inbound activity from the source.
func (s *Service) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.lastNudge = time.Time{}
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.runCancel != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	interval := s.cfg.Interval
	s.mu.Unlock()

	s.doneWG.Add(1)
	go func() {
		defer s.doneWG.Done()
		s.loop(runCtx)
	}()
	s.log.Info("keepalive started", logx.Duration("interval", interval))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.doneWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) loop(ctx context.Context) {
	// Check a few times per interval so nudges land close to the
	// threshold without a per-second wakeup.
	ticker := time.NewTicker(s.tickEvery())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *Service) tickEvery() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	every := s.cfg.Interval / 4
	if every < time.Second {
		every = time.Second
	}
	return every
}

func (s *Service) check(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	lastSeen := s.lastSeen
	lastNudge := s.lastNudge
	s.mu.Unlock()

	if !cfg.Enabled {
		return
	}
	now := time.Now()
	if now.Sub(lastSeen) < cfg.Interval {
		return
	}
	// Already nudged for this quiet stretch; wait a full interval before
	// nudging again.
	if !lastNudge.IsZero() && now.Sub(lastNudge) < cfg.Interval {
		return
	}

	if err := s.adapter.SendText(ctx, cfg.Chat, cfg.Command); err != nil {
		s.log.Warn("keepalive nudge failed", logx.Err(err))
		return
	}
	s.log.Info("keepalive nudge sent",
		logx.String("chat", cfg.Chat),
		logx.Duration("idle", now.Sub(lastSeen)))

	s.mu.Lock()
	s.lastNudge = now
	s.mu.Unlock()
}
