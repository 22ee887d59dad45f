// Package tracker is the storefront side of the analytics pipeline: cookie
// identity, bounce detection, a retrying delivery queue and the page-view
// middleware that feeds it.
package tracker

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cncvn/api/config"
)

// Options are the collaborators a Tracker cannot build from config alone.
type Options struct {
	Clock    Clock
	Logger   zerolog.Logger
	Registry prometheus.Registerer
	// Redis is required when cfg.Persist is "redis".
	Redis *redis.Client
	// Sender replaces the HTTP transport, mainly in tests.
	Sender         Sender
	Title          func(path string) string
	IgnorePrefixes []string
}

// Tracker owns one independent set of pipeline components.
type Tracker struct {
	State    *State
	Queue    *Queue
	Engine   *Engine
	Emitter  *Emitter
	Identity *IdentityManager
	Bounce   *BounceTracker
	Health   *HealthChecker
	Codec    *CookieCodec
	Metrics  *Metrics

	closer func() error
	handle *Handle
	log    zerolog.Logger
}

func New(cfg config.TrackerConfig, opts Options) (*Tracker, error) {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	log := opts.Logger.With().Str("component", "tracker").Logger()
	metrics := NewMetrics(opts.Registry)

	var (
		persister Persister
		closer    func() error
	)
	switch cfg.Persist {
	case "":
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("tracker persist=redis needs a redis client")
		}
		persister = NewRedisPersister(opts.Redis, QueueKey(instanceID(cfg.InstanceID)), cfg.MaxAge)
	case "sqlite":
		p, err := OpenSQLitePersister(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		persister, closer = p, p.Close
	default:
		return nil, fmt.Errorf("unknown tracker persist mode %q", cfg.Persist)
	}

	policy := NewRetryPolicy(RetryConfig{
		MaxRetries: cfg.MaxRetries,
		MaxAge:     cfg.MaxAge,
		BaseDelay:  cfg.RetryDelay,
		Multiplier: cfg.RetryMultiplier,
		MaxDelay:   cfg.MaxRetryDelay,
	})
	queue := NewQueue(policy, QueueDeps{Clock: clock, Persister: persister, Metrics: metrics, Logger: log})

	sender := opts.Sender
	if sender == nil {
		sender = NewHTTPSender(cfg.CollectorURL, cfg.SendTimeout)
	}
	state := NewState()
	engine := NewEngine(queue, sender, state, cfg.DrainInterval, log)

	identity := NewIdentityManager(IdentityConfig{
		VisitorDuration: cfg.VisitorDuration,
		SessionDuration: cfg.SessionDuration,
		SessionStateTTL: cfg.SessionStateTTL,
	}, clock, log)

	// config.Validate rejects zero thresholds; callers that build cfg by
	// hand get the defaults for unset fields.
	bounceCfg := DefaultBounceConfig()
	if cfg.BounceMaxPages > 0 {
		bounceCfg.MaxPages = cfg.BounceMaxPages
	}
	if cfg.BounceMaxSeconds > 0 {
		bounceCfg.MaxDuration = cfg.BounceMaxSeconds
	}
	bounce := NewBounceTracker(bounceCfg, clock)

	codec := NewCookieCodec(cfg.CookieSecret, clock)
	codec.Domain = cfg.CookieDomain
	codec.Secure = cfg.SecureCookies

	emitter := NewEmitter(EmitterDeps{
		Identity:       identity,
		Bounce:         bounce,
		Queue:          queue,
		Clock:          clock,
		Metrics:        metrics,
		Logger:         log,
		Notify:         engine.Notify,
		Title:          opts.Title,
		IgnorePrefixes: opts.IgnorePrefixes,
	})

	return &Tracker{
		State:    state,
		Queue:    queue,
		Engine:   engine,
		Emitter:  emitter,
		Identity: identity,
		Bounce:   bounce,
		Health:   NewHealthChecker(cfg.CollectorURL, cfg.SendTimeout, state, log),
		Codec:    codec,
		Metrics:  metrics,
		closer:   closer,
		log:      log,
	}, nil
}

// instanceID names this process's queue snapshot. It falls back to the
// host name, which is stable across restarts of one container or VM.
func instanceID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "default"
}

// Start restores any persisted queue, runs the health check once and
// starts the drain loop. It returns the mode the check decided.
func (t *Tracker) Start(ctx context.Context) Mode {
	if err := t.Queue.Restore(ctx); err != nil {
		t.log.Warn().Err(err).Msg("starting with an empty analytics queue")
	}
	mode := t.Health.Verify(ctx)
	t.handle = t.Engine.Start(ctx)
	return mode
}

// Stop ends the drain loop, writes the last queue snapshot and releases
// persistence resources.
func (t *Tracker) Stop() error {
	if t.handle != nil {
		t.handle.Stop()
	} else if err := t.Queue.Flush(context.Background()); err != nil {
		t.log.Warn().Err(err).Msg("could not persist analytics queue")
	}
	if t.closer != nil {
		return t.closer()
	}
	return nil
}

// Middleware is the page-view middleware bound to this tracker's cookies.
func (t *Tracker) Middleware() gin.HandlerFunc {
	return t.Emitter.Middleware(t.Codec)
}

// EndSessionHandler serves unload beacons.
func (t *Tracker) EndSessionHandler() gin.HandlerFunc {
	return t.Emitter.EndSessionHandler(t.Codec)
}
