package forwarder

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	"relaybot/internal/extract"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, q *fifo) {
	for {
		e, ok := q.take(ctx)
		if !ok {
			return
		}
		s.process(ctx, e.cand)
	}
}

// process walks one candidate through its lifecycle:
// rate wait -> claim -> resolve -> per-target forward.
// Every error is contained here; the loop never stops for one candidate.
func (s *Service) process(ctx context.Context, c extract.Candidate) {
	cfg, limiter := s.snapshot()
	key := c.DedupKey()
	log := s.log.With(logx.String("key", key))

	if !s.waitRate(ctx, cfg.MinDelay, limiter) {
		return
	}
	defer func() { s.lastFinished = time.Now() }()

	claimed, err := s.store.Claim(ctx, key)
	if err != nil {
		log.Error("dedup claim failed; skipping candidate", logx.Err(err))
		return
	}
	if !claimed {
		log.Info("duplicate candidate skipped")
		s.publish(eventbus.TypeDuplicate, key, "")
		return
	}

	ref, err := s.resolve(ctx, c)
	if err != nil {
		log.Warn("fetch failed; candidate abandoned", logx.Err(err))
		s.publish(eventbus.TypeFetchFailed, key, err.Error())
		return
	}

	if !cfg.Enabled {
		log.Info("dry run: would forward",
			logx.String("targets", strings.Join(cfg.Targets, ",")))
		s.publish(eventbus.TypeDelivered, key, "dry-run")
		return
	}

	failed := 0
	for _, target := range cfg.Targets {
		err := s.adapter.Forward(ctx, ref, target)
		if err == nil {
			log.Debug("forwarded", logx.String("target", target))
			continue
		}
		if errors.Is(err, transport.ErrNotFound) {
			// The source message itself is gone; remaining targets
			// would fail the same way.
			log.Warn("source message unavailable; candidate abandoned",
				logx.String("target", target), logx.Err(err))
			s.publish(eventbus.TypeFetchFailed, key, err.Error())
			return
		}
		failed++
		log.Error("forward failed", logx.String("target", target), logx.Err(err))
	}

	if failed > 0 {
		log.Warn("delivered with failures",
			logx.Int("failed", failed), logx.Int("total", len(cfg.Targets)))
		s.publish(eventbus.TypePartial, key, "")
		return
	}
	log.Info("delivered", logx.Int("targets", len(cfg.Targets)))
	s.publish(eventbus.TypeDelivered, key, "")
}

// waitRate applies the rate discipline: the minimum inter-send delay
// first, then the per-second ceiling. Returns false if the context was
// cancelled while waiting.
func (s *Service) waitRate(ctx context.Context, minDelay time.Duration, limiter *rate.Limiter) bool {
	if minDelay > 0 && !s.lastFinished.IsZero() {
		if wait := minDelay - time.Since(s.lastFinished); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				if !t.Stop() {
					<-t.C
				}
				return false
			case <-t.C:
			}
		}
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return false
		}
	}
	return true
}

func (s *Service) resolve(ctx context.Context, c extract.Candidate) (transport.MessageRef, error) {
	if c.InHand || c.Channel.ChatID != 0 {
		return transport.MessageRef{ChatID: c.Channel.ChatID, MessageID: c.MessageID}, nil
	}
	chatID, err := s.adapter.Resolve(ctx, c.Channel)
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: chatID, MessageID: c.MessageID}, nil
}
