package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"scrapebot/internal/commands"
	"scrapebot/internal/config"
	"scrapebot/internal/deepscrape"
	"scrapebot/internal/eventbus"
	"scrapebot/internal/extract"
	"scrapebot/internal/observability/metrics"
	"scrapebot/internal/runtime/supervisor"
	"scrapebot/internal/status"
	"scrapebot/internal/storage"
	kit "scrapebot/internal/transport"
	telegram "scrapebot/internal/transport/telegram/adapter"
	"scrapebot/internal/transport/telegram/router"
	logx "scrapebot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  *telegram.Adapter
	registry *deepscrape.Registry
	manager  *deepscrape.Manager
	router   *router.Router
	handlers *commands.Handlers
	reporter *status.Reporter

	metrics    *metrics.Metrics
	metricsSrv *metrics.Server

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	scfg, err := mapScrape(cfg)
	if err != nil {
		return nil, err
	}
	stcfg, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	poll, err := pollTimeout(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg), ad)

	store, err := storage.Open(stcfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", stcfg.Driver), logx.String("path", stcfg.Path))

	bus := eventbus.New()
	scraper := extract.New(extract.Config{UserAgent: scfg.UserAgent}, log)
	registry := deepscrape.NewRegistry(telegram.NewConnector(telegram.ConnectorConfig{Log: log}), scfg.SendRatePerMin)

	orch := deepscrape.NewOrchestrator(deepscrape.Deps{
		Store:     store,
		Extractor: scraper,
		Registry:  registry,
		Bus:       bus,
		Log:       log,
	},
		deepscrape.WithMaxTopicRetries(scfg.MaxTopicRetries),
		deepscrape.WithExtractConcurrency(scfg.ExtractConcurrency),
		deepscrape.WithExtractTimeout(scfg.ExtractTimeout),
	)
	manager := deepscrape.NewManager(store, orch, scraper, log, deepscrape.ManagerConfig{ResumeSweep: scfg.ResumeSweep})
	workers := deepscrape.NewWorkers(store, registry, log)

	m := metrics.New(manager.RunningCount)

	return &App{
		cfgm:       cfgm,
		log:        log.With(logx.String("comp", "app")),
		logs:       logSvc,
		bus:        bus,
		store:      store,
		adapter:    ad,
		registry:   registry,
		manager:    manager,
		router:     router.New(log, ad, cfg.Telegram.OwnerUserIDs),
		handlers:   commands.New(manager, workers, store),
		reporter:   status.NewReporter(bus, store, ad, scfg.StatusEditEvery, log),
		metrics:    m,
		metricsSrv: metrics.NewServer(mapMetrics(cfg), m, log),
		updates:    make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		return config.Validate(next)
	})

	// The operator bot also uploads when a user has no workers.
	if _, err := a.registry.SetPrimary(c, cfg.Telegram.Token); err != nil {
		return fmt.Errorf("connect primary identity: %w", err)
	}
	if err := a.adapter.Start(c, a.updates); err != nil {
		return err
	}
	a.router.SetCommands(c, a.handlers.Commands())

	if err := a.manager.Start(c); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go("status.reporter", a.reporter.Run)
	a.sup.Go("metrics.collect", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	a.metricsSrv.Reconfigure(c, mapMetrics(cfg))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	id, username := a.adapter.Me()
	a.log.Info("app started", logx.Int64("bot_id", id), logx.String("bot", username))
	return nil
}

// apply re-applies the live-reloadable parts of next.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	if sections := restartOnly(prev, next); len(sections) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(sections, ",")))
	}
	a.logs.Apply(mapLogging(next))
	a.router.SetOwners(next.Telegram.OwnerUserIDs)
	if scfg, err := mapScrape(next); err == nil {
		a.registry.SetRate(scfg.SendRatePerMin)
	}
	a.metricsSrv.Reconfigure(ctx, mapMetrics(next))
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Task loops stop first so their last writes reach the store.
	step("deepscrape", 5*time.Second, a.manager.Stop)
	step("metrics", time.Second, func(c context.Context) error { a.metricsSrv.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
