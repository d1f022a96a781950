package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"chatcore/pkg/admission"
	"chatcore/pkg/chat"
	"chatcore/pkg/clock"
	"chatcore/pkg/config"
	"chatcore/pkg/httpapi"
	"chatcore/pkg/llm"
	"chatcore/pkg/llm/factory"
	"chatcore/pkg/logx"
	"chatcore/pkg/metrics"
	"chatcore/pkg/moderation"
	"chatcore/pkg/persistence"
	"chatcore/pkg/summary"
	"chatcore/pkg/utils"
)

// app holds every wired component. Fields are nil when the configuration disables them.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	store     *persistence.Store
	registry  *prometheus.Registry
	recorder  metrics.Recorder
	counters  admission.CounterStore
	redis     *redis.Client
	gateway   *llm.Gateway
	chat      *chat.Service
	summaries *summary.Service
	scheduler *summary.Scheduler
	server    *httpapi.Server
	clock     clock.Clock
	logger    *logx.Logger
}

// newApp opens storage and builds the component graph.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, clock: clock.Real(), logger: logx.NewLogger("chatcore")}

	db, err := persistence.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.store = persistence.NewStore(db)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.recorder = metrics.NewPrometheusRecorder(a.registry)

	if err := a.buildCounterStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	counter, err := utils.NewTokenCounter(cfg.LLM.Model)
	if err != nil {
		a.logger.Warn("token counting unavailable, using length estimates: %v", err)
		counter = nil
	}

	if cfg.GatewayEnabled() {
		opts := factory.Options{
			Retry:    cfg.GatewayRetry(),
			Circuit:  cfg.CircuitSettings(),
			Throttle: cfg.ThrottleSettings(),
			Timeout:  cfg.LLM.Timeout.Std(),
			Recorder: a.recorder,
			Clock:    a.clock,
		}
		if counter != nil {
			opts.Estimator = counter
		}
		a.gateway, err = factory.NewGateway(cfg.GatewaySettings(), opts)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create gateway: %w", err)
		}
		a.logger.Info("text generation via %s (%s)", cfg.LLM.Provider, a.gateway.ModelName())
	} else {
		a.logger.Warn("no llm.provider configured: summaries and deep moderation are disabled")
	}

	var classifier moderation.Classifier
	if a.gateway != nil {
		classifier = a.gateway
	}
	gate, err := moderation.NewGate(cfg.ModerationSettings(), classifier, a.recorder)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create moderation gate: %w", err)
	}

	controller := admission.NewController(a.counters, cfg.AdmissionSettings(), admission.WithRecorder(a.recorder))
	a.chat = chat.NewService(controller, gate, a.store,
		chat.WithFailOpenAdmission(cfg.HTTP.FailOpenAdmission),
		chat.WithBroadcaster(chat.LogBroadcaster{}))

	var summarizer httpapi.Summarizer
	if a.gateway != nil {
		opts := []summary.Option{summary.WithRecorder(a.recorder)}
		if counter != nil {
			opts = append(opts, summary.WithTokenCounter(counter))
		}
		a.summaries = summary.NewService(a.store, a.gateway, cfg.SummarySettings(), opts...)
		a.scheduler = summary.NewScheduler(a.store, a.summaries, cfg.SummarySettings(),
			summary.WithSchedulerRecorder(a.recorder))
		summarizer = a.summaries
	}

	a.server, err = httpapi.NewServer(a.store, a.chat, summarizer, httpapi.Options{
		Gatherer:       a.registry,
		HealthCheck:    a.health,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		TriggerTimeout: cfg.HTTP.TriggerTimeout.Std(),
		Window:         cfg.Admission.Window.Std(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildCounterStore(ctx context.Context) error {
	switch a.cfg.Admission.Store {
	case config.StoreRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		store := admission.NewRedisStore(a.redis)
		if err := store.Ping(ctx); err != nil {
			a.logger.Warn("redis at %s not reachable yet: %v", a.cfg.Redis.Addr, err)
		}
		a.counters = store
	case config.StoreSQLite:
		store, err := admission.NewSQLiteStore(ctx, a.db, a.clock)
		if err != nil {
			return fmt.Errorf("create sqlite counter store: %w", err)
		}
		a.counters = store
	default:
		a.counters = admission.NewMemoryStore(a.clock)
	}
	return nil
}

func (a *app) health(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if rs, ok := a.counters.(*admission.RedisStore); ok {
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// sweepCounters drops expired admission counters once per window until ctx ends.
func (a *app) sweepCounters(ctx context.Context) error {
	window := a.cfg.Admission.Window.Std()
	for {
		if err := clock.Sleep(ctx, a.clock, window); err != nil {
			return nil //nolint:nilerr // shutdown
		}
		switch store := a.counters.(type) {
		case *admission.MemoryStore:
			if n := store.Sweep(); n > 0 {
				logx.Debug(ctx, "admission", "swept %d expired counters", n)
			}
		case *admission.SQLiteStore:
			if n, err := store.Purge(ctx); err != nil {
				a.logger.Warn("purge counters: %v", err)
			} else if n > 0 {
				logx.Debug(ctx, "admission", "purged %d expired counters", n)
			}
		default:
			return nil
		}
	}
}

// Close releases storage connections.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis: %v", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database: %v", err)
		}
	}
}
