package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter wraps telebot behind transport.Adapter.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	out       chan<- transport.Update
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64

	// resolveMu guards the username -> chat id cache. Resolutions are
	// cached for the process lifetime; channel ids never change.
	resolveMu    sync.Mutex
	resolveCache map[string]int64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:          cfg,
		log:          log,
		bot:          b,
		resolveCache: make(map[string]int64),
	}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	// Periodic summary for dropped updates.
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				// Final flush.
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	}()

	// Channel posts are the primary input. Plain text handles the case of
	// watching a group chat instead of a broadcast channel.
	a.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		a.push(c.Message())
		return nil
	})
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.push(c.Message())
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) push(m *tele.Message) {
	if m == nil || m.Chat == nil {
		return
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	up := transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ChatUsername: m.Chat.Username,
			Text:         text,
		},
	}
	select {
	case a.out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on Telegram long-poll.
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}

	if cancel != nil {
		cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) Resolve(ctx context.Context, ref transport.ChannelRef) (int64, error) {
	if ref.ChatID != 0 {
		return ref.ChatID, nil
	}
	username := strings.TrimPrefix(strings.TrimSpace(ref.Username), "@")
	if username == "" {
		return 0, fmt.Errorf("resolve: %w", transport.ErrNotFound)
	}

	a.resolveMu.Lock()
	id, ok := a.resolveCache[username]
	a.resolveMu.Unlock()
	if ok {
		return id, nil
	}

	chat, err := a.bot.ChatByUsername("@" + username)
	if err != nil {
		return 0, classify(fmt.Errorf("resolve @%s: %w", username, err))
	}

	a.resolveMu.Lock()
	a.resolveCache[username] = chat.ID
	a.resolveMu.Unlock()
	return chat.ID, nil
}

func (a *Adapter) Forward(ctx context.Context, ref transport.MessageRef, target string) error {
	to, err := a.recipient(ctx, target)
	if err != nil {
		return err
	}
	src := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Forward(to, src); err != nil {
		return classify(fmt.Errorf("forward %d/%d to %s: %w", ref.ChatID, ref.MessageID, target, err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, target string, text string) error {
	to, err := a.recipient(ctx, target)
	if err != nil {
		return err
	}
	if _, err := a.bot.Send(to, text); err != nil {
		return fmt.Errorf("send to %s: %w", target, err)
	}
	return nil
}

// recipient parses a target chat: numeric ids are used directly,
// usernames are resolved (and cached).
func (a *Adapter) recipient(ctx context.Context, target string) (tele.Recipient, error) {
	t := strings.TrimSpace(target)
	if t == "" {
		return nil, fmt.Errorf("empty target: %w", transport.ErrNotFound)
	}
	if id, err := strconv.ParseInt(t, 10, 64); err == nil {
		return tele.ChatID(id), nil
	}
	id, err := a.Resolve(ctx, transport.ChannelRef{Username: t})
	if err != nil {
		return nil, err
	}
	return tele.ChatID(id), nil
}

// classify maps Telegram API errors that mean "this will never succeed"
// to transport.ErrNotFound so the pipeline can stop retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		desc := strings.ToLower(apiErr.Description)
		if strings.Contains(desc, "not found") ||
			strings.Contains(desc, "chat_id is empty") ||
			strings.Contains(desc, "bot was kicked") {
			return fmt.Errorf("%w: %v", transport.ErrNotFound, err)
		}
		return err
	}
	if strings.Contains(strings.ToLower(err.Error()), "not found") {
		return fmt.Errorf("%w: %v", transport.ErrNotFound, err)
	}
	return err
}
