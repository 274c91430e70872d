package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/adapters/telegram"
	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/extract"
	"relaybot/internal/services/forwarder"
	"relaybot/internal/services/keepalive"
	"relaybot/internal/services/report"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// App owns the full relay pipeline: adapter -> extractor -> forwarder,
// plus the keepalive and report sidecars and the config hot-reload loop.
type App struct {
	cfgPath string

	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter transport.Adapter

	fwd  *forwarder.Service
	keep *keepalive.Service
	rep  *report.Service

	extMu     sync.RWMutex
	extractor *extract.Extractor
	source    sourceFilter

	updates chan transport.Update

	// bootCfg seeds the reload loop's change detection.
	bootCfg *config.Config

	runCancel context.CancelFunc
	loopWG    sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := mapPollTimeout(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	fwdCfg, err := mapForwarderConfig(cfg)
	if err != nil {
		return nil, err
	}
	fwd := forwarder.New(fwdCfg, store, ad, bus, logSvc.Logger().With(logx.String("comp", "forwarder")))

	keepCfg, err := mapKeepaliveConfig(cfg)
	if err != nil {
		return nil, err
	}
	keep := keepalive.New(keepCfg, ad, logSvc.Logger().With(logx.String("comp", "keepalive")))

	rep := report.New(mapReportConfig(cfg), store, ad, bus, logSvc.Logger().With(logx.String("comp", "report")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		fwd:       fwd,
		keep:      keep,
		rep:       rep,
		extractor: extract.New(mapExtractorConfig(cfg)),
		source:    newSourceFilter(cfg.Telegram.SourceChannel),
		updates:   make(chan transport.Update, 256),
		bootCfg:   cfg,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))

	if err := a.adapter.Start(rctx, a.updates); err != nil {
		cancel()
		return err
	}

	a.fwd.Start(rctx)
	a.keep.Start(rctx)
	if err := a.rep.Start(rctx); err != nil {
		cancel()
		return fmt.Errorf("report: %w", err)
	}

	a.loopWG.Add(1)
	go func() {
		defer a.loopWG.Done()
		a.ingest(rctx)
	}()

	sub := a.cfgm.Subscribe(8)
	a.loopWG.Add(1)
	go func() {
		defer a.loopWG.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(rctx, sub)
	}()

	a.loopWG.Add(1)
	go func() {
		defer a.loopWG.Done()
		_ = a.cfgm.Watch(rctx)
	}()

	a.log.Info("app started",
		logx.String("source", a.cfgm.Get().Telegram.SourceChannel),
		logx.Bool("forwarding", a.cfgm.Get().Forwarding.Enabled))
	return nil
}

// ingest consumes adapter updates, filters them to the watched channel,
// and feeds extracted candidates to the forwarder.
func (a *App) ingest(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-a.updates:
			if !ok {
				return
			}
			if up.Kind != transport.UpdateMessage || up.Message == nil {
				continue
			}
			a.handleMessage(up.Message)
		}
	}
}

func (a *App) handleMessage(m *transport.Message) {
	a.extMu.RLock()
	src := a.source
	ext := a.extractor
	a.extMu.RUnlock()

	if !src.matches(m) {
		return
	}

	// Any post on the watched channel counts as activity.
	a.keep.Touch()

	for _, cand := range ext.Scan(m) {
		err := a.fwd.Enqueue(cand)
		switch {
		case err == nil:
		case errors.Is(err, forwarder.ErrQueueFull):
			a.log.Warn("candidate dropped, queue full", logx.String("key", cand.DedupKey()))
		case errors.Is(err, forwarder.ErrStopped):
			return
		default:
			a.log.Warn("enqueue failed", logx.String("key", cand.DedupKey()), logx.Err(err))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.bootCfg
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(lastApplied, cfg)
			lastApplied = cfg
		}
	}
}

func (a *App) applyConfig(prev, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if fwdCfg, err := mapForwarderConfig(cfg); err != nil {
		a.log.Warn("invalid forwarding config, keeping previous", logx.Err(err))
	} else {
		a.fwd.Apply(fwdCfg)
	}

	if keepCfg, err := mapKeepaliveConfig(cfg); err != nil {
		a.log.Warn("invalid keepalive config, keeping previous", logx.Err(err))
	} else {
		a.keep.Apply(keepCfg)
	}

	a.extMu.Lock()
	a.extractor = extract.New(mapExtractorConfig(cfg))
	a.source = newSourceFilter(cfg.Telegram.SourceChannel)
	a.extMu.Unlock()

	if prev != nil {
		if prev.Storage != cfg.Storage {
			a.log.Warn("storage config changed, restart required to take effect")
		}
		if prev.Telegram.Token != cfg.Telegram.Token || prev.Telegram.PollTimeout != cfg.Telegram.PollTimeout {
			a.log.Warn("telegram config changed, restart required to take effect")
		}
		if prev.Report != cfg.Report {
			a.log.Warn("report config changed, restart required to take effect")
		}
	}

	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	if a.runCancel != nil {
		a.runCancel()
	}

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached, continuing", logx.String("name", name))
		}
	}

	// Adapter first so no new updates arrive, then the pipeline drains.
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("forwarder", 3*time.Second, func(c context.Context) error { a.fwd.Stop(c); return nil })
	step("keepalive", time.Second, func(c context.Context) error { a.keep.Stop(c); return nil })
	step("report", time.Second, func(c context.Context) error { a.rep.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	loopsDone := make(chan struct{})
	go func() {
		a.loopWG.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-ctx.Done():
		a.log.Warn("shutdown cancelled before loops finished")
	case <-time.After(2 * time.Second):
		a.log.Warn("loops did not finish within grace window")
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
