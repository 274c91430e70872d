package app

import (
	"strconv"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/extract"
	"relaybot/internal/services/forwarder"
	"relaybot/internal/services/keepalive"
	"relaybot/internal/services/report"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
)

func mapForwarderConfig(cfg *config.Config) (forwarder.Config, error) {
	minDelay, err := config.ParseDurationField("forwarding.min_delay", cfg.Forwarding.MinDelay)
	if err != nil {
		return forwarder.Config{}, err
	}
	return forwarder.Config{
		Enabled:   cfg.Forwarding.Enabled,
		QueueSize: cfg.Forwarding.QueueSize,
		MinDelay:  minDelay,
		MaxPerSec: cfg.Forwarding.MaxPerSecond,
		Targets:   append([]string(nil), cfg.Forwarding.Targets...),
	}, nil
}

func mapKeepaliveConfig(cfg *config.Config) (keepalive.Config, error) {
	interval, err := config.ParseDurationField("keepalive.interval", cfg.Keepalive.Interval)
	if err != nil {
		return keepalive.Config{}, err
	}
	return keepalive.Config{
		Enabled:  cfg.Keepalive.Enabled,
		Chat:     cfg.Keepalive.Chat,
		Command:  cfg.Keepalive.Command,
		Interval: interval,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapReportConfig(cfg *config.Config) report.Config {
	return report.Config{
		Chat:     cfg.Report.Chat,
		Schedule: cfg.Report.Schedule,
		Timezone: cfg.Report.Timezone,
	}
}

func mapExtractorConfig(cfg *config.Config) extract.Config {
	return extract.Config{
		Keywords:      append([]string(nil), cfg.Forwarding.Keywords...),
		CaseSensitive: cfg.Forwarding.CaseSensitiveKeywords,
	}
}

func mapPollTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
}

// sourceFilter matches inbound messages against the watched channel,
// given either as "@username" or a numeric chat id.
type sourceFilter struct {
	username string
	chatID   int64
}

func newSourceFilter(source string) sourceFilter {
	s := strings.TrimSpace(source)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id != 0 {
		return sourceFilter{chatID: id}
	}
	return sourceFilter{username: strings.ToLower(strings.TrimPrefix(s, "@"))}
}

func (f sourceFilter) matches(m *transport.Message) bool {
	if m == nil {
		return false
	}
	if f.chatID != 0 {
		return m.ChatID == f.chatID
	}
	return f.username != "" && strings.EqualFold(m.ChatUsername, f.username)
}
