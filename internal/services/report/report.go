// Package report sends a periodic activity digest.
//
// The digest combines the dedup store's lifetime totals with counts of
// pipeline outcomes observed since the previous digest, and is sent to a
// configured chat on a cron schedule. With no chat configured the
// service is inert.
package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/eventbus"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

const defaultSchedule = "0 9 * * *"

type Config struct {
	Chat     string
	Schedule string
	Timezone string
}

type Service struct {
	cfg     Config
	store   storage.Store
	adapter transport.Adapter
	bus     eventbus.Bus
	log     logx.Logger

	c     *cron.Cron
	unsub func()

	mu       sync.Mutex
	counters map[string]int

	runCtx    context.Context
	runCancel context.CancelFunc
	consumeWG sync.WaitGroup
}

func New(cfg Config, store storage.Store, adapter transport.Adapter, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		adapter:  adapter,
		bus:      bus,
		log:      log,
		counters: map[string]int{},
	}
}

func (s *Service) Start(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Chat) == "" {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("report.timezone: %w", err)
		}
		loc = l
	}

	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = defaultSchedule
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	if _, err := s.c.AddFunc(spec, func() { s.send(s.runCtx) }); err != nil {
		s.runCancel()
		return fmt.Errorf("report.schedule %q: %w", spec, err)
	}

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(256)
		s.unsub = unsub
		s.consumeWG.Add(1)
		go func() {
			defer s.consumeWG.Done()
			s.consume(events)
		}()
	}

	s.c.Start()
	s.log.Info("report scheduled", logx.String("spec", spec), logx.String("chat", s.cfg.Chat))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	stopped := s.c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	if s.unsub != nil {
		s.unsub()
	}
	s.consumeWG.Wait()
	s.c = nil
}

func (s *Service) consume(events <-chan eventbus.Event) {
	for e := range events {
		switch e.Type {
		case eventbus.TypeDelivered, eventbus.TypeDuplicate, eventbus.TypePartial,
			eventbus.TypeFetchFailed, eventbus.TypeDropped:
			s.mu.Lock()
			s.counters[e.Type]++
			s.mu.Unlock()
		}
	}
}

// takeCounters returns the accumulated outcome counts and resets them.
func (s *Service) takeCounters() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.counters
	s.counters = map[string]int{}
	return out
}

func (s *Service) send(ctx context.Context) {
	counts := s.takeCounters()

	var stats storage.Stats
	if s.store != nil {
		st, err := s.store.Stats(ctx)
		if err != nil {
			s.log.Warn("digest stats unavailable", logx.Err(err))
		} else {
			stats = st
		}
	}

	text := formatDigest(stats, counts)
	if err := s.adapter.SendText(ctx, s.cfg.Chat, text); err != nil {
		s.log.Warn("digest send failed", logx.Err(err))
		return
	}
	s.log.Info("digest sent", logx.String("chat", s.cfg.Chat))
}

func formatDigest(stats storage.Stats, counts map[string]int) string {
	var b strings.Builder
	b.WriteString("Relay digest\n")
	fmt.Fprintf(&b, "processed total: %d (today: %d)\n", stats.Total, stats.Today)
	fmt.Fprintf(&b, "since last digest: delivered=%d duplicate=%d partial=%d fetch_failed=%d dropped=%d",
		counts[eventbus.TypeDelivered],
		counts[eventbus.TypeDuplicate],
		counts[eventbus.TypePartial],
		counts[eventbus.TypeFetchFailed],
		counts[eventbus.TypeDropped])
	return b.String()
}
