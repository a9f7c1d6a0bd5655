package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-sync/internal/bulk"
	"github.com/sells-group/cdr-sync/internal/dedup"
	"github.com/sells-group/cdr-sync/internal/metrics"
	"github.com/sells-group/cdr-sync/internal/resilience"
	"github.com/sells-group/cdr-sync/internal/search"
	"github.com/sells-group/cdr-sync/internal/store"
	"github.com/sells-group/cdr-sync/internal/syncer"
	"github.com/sells-group/cdr-sync/pkg/crossbar"
)

// appEnv holds every client and service a sync mode needs.
type appEnv struct {
	Source   crossbar.Client
	Writer   *search.ES
	Cache    dedup.Cache
	Store    store.Store
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Syncer   *syncer.Syncer

	// sweeper is set when the cache is in-process and needs periodic cleaning.
	sweeper *dedup.Memory
	closers []func() error
}

// Close stops background work and releases resources in reverse order of
// acquisition.
func (e *appEnv) Close() {
	if e.Syncer != nil {
		e.Syncer.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
}

// initApp validates the config for mode and wires source, writer, cache, run
// log and metrics into a Syncer. Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{Registry: newRegistry()}
	env.Metrics = metrics.New(env.Registry)
	env.Source = newSource()

	writer, err := newWriter(env.Metrics)
	if err != nil {
		return nil, err
	}
	env.Writer = writer

	switch mode {
	case "serve", "consume":
		if err := env.initCache(ctx); err != nil {
			env.Close()
			return nil, err
		}
	default:
		env.Cache = dedup.NewMemory(cfg.Dedup.TTL())
	}

	env.Store = store.Nop{}
	if mode == "sync" {
		st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, poolConfig())
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "open run log")
		}
		env.Store = st
		env.closers = append(env.closers, st.Close)
	}

	loc, err := cfg.Sync.Location()
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Syncer = syncer.New(env.Source, env.Writer, env.Cache,
		syncer.WithLocation(loc),
		syncer.WithFormatter(bulk.NewFormatter(cfg.Index.CDR, cfg.Index.Recordings)),
		syncer.WithIncludeParent(cfg.Sync.IncludeParent),
		syncer.WithAccount(cfg.Sync.Account),
		syncer.WithWebhookDelay(cfg.Webhook.Delay()),
		syncer.WithWebhookSource(cfg.Webhook.UseSource),
		syncer.WithQueueSource(cfg.Queue.UseSource),
		syncer.WithMetrics(env.Metrics),
		syncer.WithRunLog(env.Store),
	)
	return env, nil
}

func (e *appEnv) initCache(ctx context.Context) error {
	switch cfg.Dedup.Backend {
	case "redis":
		r, err := dedup.OpenRedis(ctx, dedup.RedisConfig{
			Addr:      cfg.Dedup.RedisAddr,
			Password:  cfg.Dedup.RedisPassword,
			DB:        cfg.Dedup.RedisDB,
			KeyPrefix: cfg.Dedup.KeyPrefix,
			TTL:       cfg.Dedup.TTL(),
		})
		if err != nil {
			return eris.Wrap(err, "open dedup cache")
		}
		e.Cache = r
		e.closers = append(e.closers, r.Close)
	default:
		m := dedup.NewMemory(cfg.Dedup.TTL())
		e.Cache = m
		e.sweeper = m
	}
	return nil
}

// runSweeper cleans the in-process cache until ctx is done. It returns at
// once for shared caches.
func (e *appEnv) runSweeper(ctx context.Context) error {
	if e.sweeper != nil {
		e.sweeper.Run(ctx)
	}
	return nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newSource() crossbar.Client {
	opts := []crossbar.Option{
		crossbar.WithBaseURL(cfg.Crossbar.URL),
		crossbar.WithPageSize(cfg.Crossbar.PageSize),
		crossbar.WithRateLimit(cfg.Crossbar.RateLimit, cfg.Crossbar.RateBurst),
	}
	if cfg.Crossbar.TimeoutSecs > 0 {
		opts = append(opts, crossbar.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Crossbar.TimeoutSecs) * time.Second,
		}))
	}
	return crossbar.NewClient(cfg.Crossbar.Account, cfg.Crossbar.Credentials, opts...)
}

// newWriter builds the Elasticsearch writer. m may be nil.
func newWriter(m *metrics.Metrics) (*search.ES, error) {
	w, err := search.New(search.Config{
		Addresses:    cfg.Search.Addresses,
		Username:     cfg.Search.Username,
		Password:     cfg.Search.Password,
		APIKey:       cfg.Search.APIKey,
		CloudID:      cfg.Search.CloudID,
		Timeout:      time.Duration(cfg.Search.TimeoutSecs) * time.Second,
		MaxAttempts:  cfg.Search.MaxAttempts,
		BreakerTrips: cfg.Search.BreakerTrips,
		BreakerReset: time.Duration(cfg.Search.BreakerResetSecs) * time.Second,
		OnBreakerChange: func(from, to resilience.CircuitState) {
			m.SetBreakerState(int(to))
			zap.L().Warn("search: circuit breaker changed state",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "init search writer")
	}
	return w, nil
}

func poolConfig() *store.PoolConfig {
	return &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	}
}
