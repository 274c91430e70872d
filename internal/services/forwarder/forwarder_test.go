package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/extract"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type forwardCall struct {
	ref    transport.MessageRef
	target string
	at     time.Time
}

type fakeAdapter struct {
	mu         sync.Mutex
	forwards   []forwardCall
	sends      []string
	resolveErr map[string]error
	forwardErr func(ref transport.MessageRef, target string) error
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (f *fakeAdapter) Resolve(ctx context.Context, ref transport.ChannelRef) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.resolveErr[ref.Username]; ok {
		return 0, err
	}
	return int64(1000 + len(ref.Username)), nil
}

func (f *fakeAdapter) Forward(ctx context.Context, ref transport.MessageRef, target string) error {
	f.mu.Lock()
	fe := f.forwardErr
	f.mu.Unlock()
	if fe != nil {
		if err := fe(ref, target); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.forwards = append(f.forwards, forwardCall{ref: ref, target: target, at: time.Now()})
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SendText(ctx context.Context, target, text string) error {
	f.mu.Lock()
	f.sends = append(f.sends, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) calls() []forwardCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwardCall(nil), f.forwards...)
}

func memStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func linkCand(channel string, id int) extract.Candidate {
	return extract.Candidate{
		Link:      fmt.Sprintf("https://t.me/%s/%d", channel, id),
		Channel:   transport.ChannelRef{Username: channel},
		MessageID: id,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startService(t *testing.T, cfg Config, ad transport.Adapter, st storage.Store, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, st, ad, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return s
}

func TestFIFOOrder(t *testing.T) {
	ad := &fakeAdapter{}
	s := startService(t, Config{Enabled: true, Targets: []string{"@dest"}}, ad, memStore(t), nil)

	const n = 10
	for i := 1; i <= n; i++ {
		if err := s.Enqueue(linkCand("chan", i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	waitFor(t, "all forwards", func() bool { return len(ad.calls()) == n })
	for i, c := range ad.calls() {
		if c.ref.MessageID != i+1 {
			t.Fatalf("forward %d out of order: got message %d", i, c.ref.MessageID)
		}
	}
}

func TestDuplicateForwardedOnce(t *testing.T) {
	ad := &fakeAdapter{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	s := startService(t, Config{Enabled: true, Targets: []string{"@dest"}}, ad, memStore(t), bus)

	for i := 0; i < 5; i++ {
		if err := s.Enqueue(linkCand("chan", 7)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var delivered, duplicate int
	deadline := time.After(5 * time.Second)
	for delivered+duplicate < 5 {
		select {
		case e := <-events:
			switch e.Type {
			case eventbus.TypeDelivered:
				delivered++
			case eventbus.TypeDuplicate:
				duplicate++
			}
		case <-deadline:
			t.Fatalf("timed out: delivered=%d duplicate=%d", delivered, duplicate)
		}
	}
	if delivered != 1 || duplicate != 4 {
		t.Fatalf("expected 1 delivered + 4 duplicates, got %d/%d", delivered, duplicate)
	}
	if len(ad.calls()) != 1 {
		t.Fatalf("expected exactly one forward, got %d", len(ad.calls()))
	}
}

func TestQueueFull(t *testing.T) {
	ad := &fakeAdapter{}
	st := memStore(t)
	// MinDelay keeps the worker busy so the queue stays full.
	s := startService(t, Config{Enabled: true, QueueSize: 2, MinDelay: 50 * time.Millisecond, Targets: []string{"@dest"}}, ad, st, nil)

	var fullErr error
	for i := 1; i <= 10; i++ {
		if err := s.Enqueue(linkCand("chan", i)); err != nil {
			fullErr = err
			break
		}
	}
	if !errors.Is(fullErr, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", fullErr)
	}

	// Capacity frees up as the worker drains.
	waitFor(t, "capacity to free", func() bool {
		return s.Enqueue(linkCand("late", 99)) == nil
	})
}

func TestUnboundedQueue(t *testing.T) {
	ad := &fakeAdapter{}
	s := startService(t, Config{Enabled: true, QueueSize: 0, MinDelay: 20 * time.Millisecond, Targets: []string{"@dest"}}, ad, memStore(t), nil)

	for i := 1; i <= 500; i++ {
		if err := s.Enqueue(linkCand("chan", i)); err != nil {
			t.Fatalf("unbounded enqueue %d failed: %v", i, err)
		}
	}
}

func TestDryRunClaimsButDoesNotSend(t *testing.T) {
	ad := &fakeAdapter{}
	st := memStore(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startService(t, Config{Enabled: false, Targets: []string{"@dest"}}, ad, st, bus)

	c := linkCand("chan", 1)
	if err := s.Enqueue(c); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "delivered event", func() bool {
		select {
		case e := <-events:
			return e.Type == eventbus.TypeDelivered && e.Detail == "dry-run"
		default:
			return false
		}
	})

	if len(ad.calls()) != 0 {
		t.Fatalf("dry run must not call the transport, got %d forwards", len(ad.calls()))
	}
	seen, err := st.Seen(context.Background(), c.DedupKey())
	if err != nil || !seen {
		t.Fatalf("dry run must still claim the key: seen=%v err=%v", seen, err)
	}
}

func TestMinDelayBetweenEntries(t *testing.T) {
	ad := &fakeAdapter{}
	const delay = 60 * time.Millisecond
	s := startService(t, Config{Enabled: true, MinDelay: delay, Targets: []string{"@dest"}}, ad, memStore(t), nil)

	for i := 1; i <= 4; i++ {
		if err := s.Enqueue(linkCand("chan", i)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, "all forwards", func() bool { return len(ad.calls()) == 4 })

	calls := ad.calls()
	for i := 1; i < len(calls); i++ {
		gap := calls[i].at.Sub(calls[i-1].at)
		// Small scheduling slack; the discipline itself guarantees the gap.
		if gap < delay-10*time.Millisecond {
			t.Fatalf("entries %d->%d only %v apart, want >= %v", i-1, i, gap, delay)
		}
	}
}

func TestMaxPerSecondCeiling(t *testing.T) {
	ad := &fakeAdapter{}
	s := startService(t, Config{Enabled: true, MaxPerSec: 10, Targets: []string{"@dest"}}, ad, memStore(t), nil)

	for i := 1; i <= 5; i++ {
		if err := s.Enqueue(linkCand("chan", i)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, "all forwards", func() bool { return len(ad.calls()) == 5 })

	calls := ad.calls()
	elapsed := calls[4].at.Sub(calls[0].at)
	// 10/s with burst 1 spaces sends 100ms apart: 1st to 5th >= 400ms.
	if elapsed < 350*time.Millisecond {
		t.Fatalf("5 sends finished in %v, ceiling not applied", elapsed)
	}
}

func TestFetchNotFoundAbandonsButClaims(t *testing.T) {
	ad := &fakeAdapter{resolveErr: map[string]error{"gone": transport.ErrNotFound}}
	st := memStore(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startService(t, Config{Enabled: true, Targets: []string{"@dest"}}, ad, st, bus)

	bad := linkCand("gone", 1)
	good := linkCand("alive", 2)
	if err := s.Enqueue(bad); err != nil {
		t.Fatalf("enqueue bad: %v", err)
	}
	if err := s.Enqueue(good); err != nil {
		t.Fatalf("enqueue good: %v", err)
	}

	// The failed candidate must not block the next one.
	waitFor(t, "good candidate forwarded", func() bool { return len(ad.calls()) == 1 })
	if ad.calls()[0].ref.MessageID != 2 {
		t.Fatalf("unexpected forward: %+v", ad.calls()[0])
	}

	sawFetchFailed := false
	drain := time.After(time.Second)
	for !sawFetchFailed {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeFetchFailed && e.Key == bad.DedupKey() {
				sawFetchFailed = true
			}
		case <-drain:
			t.Fatal("no fetch_failed event observed")
		}
	}

	// Key stays claimed: a re-post of the same link is a duplicate.
	seen, err := st.Seen(context.Background(), bad.DedupKey())
	if err != nil || !seen {
		t.Fatalf("failed candidate key must remain claimed: seen=%v err=%v", seen, err)
	}
	if err := s.Enqueue(bad); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	waitFor(t, "duplicate event", func() bool {
		select {
		case e := <-events:
			return e.Type == eventbus.TypeDuplicate && e.Key == bad.DedupKey()
		default:
			return false
		}
	})
}

func TestPartialFailureContinuesRemainingTargets(t *testing.T) {
	errFlaky := errors.New("flood wait")
	ad := &fakeAdapter{}
	ad.forwardErr = func(ref transport.MessageRef, target string) error {
		if target == "@broken" {
			return errFlaky
		}
		return nil
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startService(t, Config{Enabled: true, Targets: []string{"@a", "@broken", "@c"}}, ad, memStore(t), bus)

	if err := s.Enqueue(linkCand("chan", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "partial event", func() bool {
		select {
		case e := <-events:
			return e.Type == eventbus.TypePartial
		default:
			return false
		}
	})

	calls := ad.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 successful forwards, got %d", len(calls))
	}
	if calls[0].target != "@a" || calls[1].target != "@c" {
		t.Fatalf("unexpected target order: %+v", calls)
	}
}

func TestCancelAbandonsQueuedEntries(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ad := &fakeAdapter{}
	ad.forwardErr = func(ref transport.MessageRef, target string) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}
	st := memStore(t)
	s := New(Config{Enabled: true, Targets: []string{"@dest"}}, st, ad, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	for i := 1; i <= 3; i++ {
		if err := s.Enqueue(linkCand("chan", i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// Cancel while the first entry is mid-forward and two more are queued,
	// then let the in-flight send finish.
	<-started
	cancel()
	close(release)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	s.Stop(stopCtx)
	stopCancel()

	calls := ad.calls()
	if len(calls) != 1 || calls[0].ref.MessageID != 1 {
		t.Fatalf("only the in-flight entry may be forwarded, got %+v", calls)
	}
	for i := 2; i <= 3; i++ {
		key := linkCand("chan", i).DedupKey()
		seen, err := st.Seen(context.Background(), key)
		if err != nil {
			t.Fatalf("Seen(%s): %v", key, err)
		}
		if seen {
			t.Fatalf("entry %d was queued at cancellation and must stay unclaimed", i)
		}
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(Config{Enabled: true, Targets: []string{"@dest"}}, memStore(t), ad, nil, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	s.Stop(stopCtx)
	cancel()

	if err := s.Enqueue(linkCand("chan", 1)); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
