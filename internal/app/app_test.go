package app

import (
	"testing"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/transport"
)

func TestSourceFilterUsername(t *testing.T) {
	f := newSourceFilter("@SomeChannel")
	if !f.matches(&transport.Message{ChatUsername: "somechannel", ChatID: -100111}) {
		t.Fatalf("username match failed")
	}
	if f.matches(&transport.Message{ChatUsername: "other"}) {
		t.Fatalf("matched wrong channel")
	}
	if f.matches(nil) {
		t.Fatalf("matched nil message")
	}
}

func TestSourceFilterNumeric(t *testing.T) {
	f := newSourceFilter("-1001234567890")
	if !f.matches(&transport.Message{ChatID: -1001234567890}) {
		t.Fatalf("chat id match failed")
	}
	if f.matches(&transport.Message{ChatID: -100999}) {
		t.Fatalf("matched wrong chat id")
	}
}

func TestSourceFilterEmptyMatchesNothing(t *testing.T) {
	f := newSourceFilter("")
	if f.matches(&transport.Message{ChatUsername: "", ChatID: 0}) {
		t.Fatalf("empty filter must not match")
	}
}

func TestMapForwarderConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Forwarding.Enabled = true
	cfg.Forwarding.Targets = []string{"@a", "-100"}
	cfg.Forwarding.QueueSize = 50
	cfg.Forwarding.MinDelay = "750ms"
	cfg.Forwarding.MaxPerSecond = 1.5

	fc, err := mapForwarderConfig(cfg)
	if err != nil {
		t.Fatalf("mapForwarderConfig: %v", err)
	}
	if fc.MinDelay != 750*time.Millisecond || fc.MaxPerSec != 1.5 || fc.QueueSize != 50 {
		t.Fatalf("unexpected mapping: %+v", fc)
	}
	// mapped targets are a copy
	fc.Targets[0] = "mutated"
	if cfg.Forwarding.Targets[0] != "@a" {
		t.Fatalf("targets were not copied")
	}
}

func TestMapForwarderConfigBadDelay(t *testing.T) {
	cfg := &config.Config{}
	cfg.Forwarding.MinDelay = "soon"
	if _, err := mapForwarderConfig(cfg); err == nil {
		t.Fatalf("expected error for bad min_delay")
	}
}

func TestMapKeepaliveConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Keepalive.Enabled = true
	cfg.Keepalive.Chat = "@self"
	cfg.Keepalive.Interval = "30m"

	kc, err := mapKeepaliveConfig(cfg)
	if err != nil {
		t.Fatalf("mapKeepaliveConfig: %v", err)
	}
	if !kc.Enabled || kc.Chat != "@self" || kc.Interval != 30*time.Minute {
		t.Fatalf("unexpected mapping: %+v", kc)
	}
}

func TestMapPollTimeoutDefault(t *testing.T) {
	cfg := &config.Config{}
	d, err := mapPollTimeout(cfg)
	if err != nil || d != 10*time.Second {
		t.Fatalf("default poll timeout: %v, %v", d, err)
	}
}
