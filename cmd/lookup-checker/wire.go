package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/lookup-checker/pkg/cache"
	"github.com/Sternrassler/lookup-checker/pkg/config"
	"github.com/Sternrassler/lookup-checker/pkg/connpool"
	"github.com/Sternrassler/lookup-checker/pkg/dispatch"
	"github.com/Sternrassler/lookup-checker/pkg/health"
	"github.com/Sternrassler/lookup-checker/pkg/phone"
	"github.com/Sternrassler/lookup-checker/pkg/proxyassign"
	"github.com/Sternrassler/lookup-checker/pkg/ratelimit"
	"github.com/Sternrassler/lookup-checker/pkg/remote"
	"github.com/Sternrassler/lookup-checker/pkg/remote/httpapi"
	"github.com/Sternrassler/lookup-checker/pkg/store"
	"github.com/Sternrassler/lookup-checker/pkg/store/postgres"
)

// stores groups the persistence contracts the commands work with.
type stores struct {
	credentials store.CredentialStore
	proxies     store.ProxyStore
	batches     store.BatchStore
	results     store.ResultStore
}

// pinger reports whether a backing service is reachable.
type pinger struct {
	name string
	ping func(ctx context.Context) error
}

// app holds every resource a command may need. Nothing in it is global.
type app struct {
	cfg    config.Config
	stores stores
	rules  phone.Rules

	pool              *connpool.Pool
	pacer             *ratelimit.Controller
	dispatcher        *dispatch.Dispatcher
	assigner          *proxyassign.Assigner
	proxyChecker      *health.ProxyChecker
	credentialChecker *health.CredentialChecker

	pingers []pinger
	closers []func()
}

// wireFunc builds the app for a loaded configuration.
type wireFunc func(ctx context.Context, cfg config.Config) (*app, error)

// wireApp connects to Postgres and Redis and builds the app on top of them.
func wireApp(ctx context.Context, cfg config.Config) (*app, error) {
	db, err := postgres.Connect(ctx, postgres.Config{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			db.Close()
			return nil, fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	dialer, err := httpapi.NewDialer(httpapi.Config{
		BaseURL:   cfg.Remote.BaseURL,
		UserAgent: cfg.Remote.UserAgent,
		Timeout:   cfg.Remote.Timeout,
	})
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		db.Close()
		return nil, fmt.Errorf("remote dialer: %w", err)
	}

	st := stores{
		credentials: postgres.NewCredentialRepo(db),
		proxies:     postgres.NewProxyRepo(db),
		batches:     postgres.NewBatchRepo(db),
		results:     postgres.NewResultRepo(db),
	}
	a := newApp(cfg, st, dialer, redisClient)
	a.pingers = append(a.pingers, pinger{name: "postgres", ping: db.Ping})
	// the database outlives everything built on top of it
	a.closers = append([]func(){db.Close}, a.closers...)
	return a, nil
}

// newApp builds the engine from explicit dependencies. redisClient may be
// nil, which disables shared cooldowns and the result cache.
func newApp(cfg config.Config, st stores, dialer remote.Dialer, redisClient *redis.Client) *app {
	rules := phone.Rules{
		CountryCode:    cfg.Phone.CountryCode,
		TrunkPrefix:    cfg.Phone.TrunkPrefix,
		NationalLength: cfg.Phone.NationalLength,
		MobilePrefix:   cfg.Phone.MobilePrefix,
	}

	tracker := ratelimit.NewTracker(redisClient, log.With().Str("component", "cooldowns").Logger())
	pacer := ratelimit.NewController(ratelimit.Config{
		MinInterval:       cfg.RateLimit.MinInterval,
		Jitter:            cfg.RateLimit.Jitter,
		SafetyMargin:      cfg.RateLimit.SafetyMargin,
		ReconnectAttempts: cfg.RateLimit.ReconnectAttempts,
		ReconnectDelay:    cfg.RateLimit.ReconnectDelay,
	}, ratelimit.WithTracker(tracker))

	pool := connpool.New(st.credentials, dialer, connpool.WithCooldowns(tracker))

	opts := []dispatch.Option{dispatch.WithRules(rules)}
	if redisClient != nil && cfg.Cache.TTL > 0 {
		opts = append(opts, dispatch.WithCache(cache.NewManager(redisClient, cfg.Cache.TTL)))
	}
	dispatcher := dispatch.New(pool, pacer, st.batches, st.results, dispatch.Config{
		ChunkSize:      cfg.Dispatch.ChunkSize,
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		MaxConnections: cfg.Dispatch.MaxConnections,
		ChunkTimeout:   cfg.Dispatch.ChunkTimeout,
		ProgressEvery:  cfg.Dispatch.ProgressEvery,
	}, opts...)

	a := &app{
		cfg:        cfg,
		stores:     st,
		rules:      rules,
		pool:       pool,
		pacer:      pacer,
		dispatcher: dispatcher,
		assigner:   proxyassign.New(st.credentials, st.proxies, cfg.Assign.MaxPerProxy),
		proxyChecker: health.NewProxyChecker(st.proxies, health.ProxyConfig{
			TestURL:     cfg.Health.TestURL,
			Timeout:     cfg.Health.ProxyTimeout,
			Concurrency: cfg.Health.ProxyConcurrency,
		}),
		credentialChecker: health.NewCredentialChecker(st.credentials, dialer, health.CredentialConfig{
			Limit:       cfg.Health.CredentialLimit,
			Timeout:     cfg.Health.CredentialTimeout,
			Concurrency: cfg.Health.CredentialConcurrency,
		}),
	}
	a.closers = append(a.closers, func() { pool.Close(context.Background()) })

	if redisClient != nil {
		a.pingers = append(a.pingers, pinger{
			name: "redis",
			ping: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
		a.closers = append(a.closers, func() {
			if err := redisClient.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				log.Warn().Err(err).Msg("Failed to close Redis client")
			}
		})
	}
	return a
}

// Close releases every resource in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
