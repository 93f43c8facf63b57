package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/modelmux/internal/balance"
	"github.com/jordanhubbard/modelmux/internal/catalog"
	"github.com/jordanhubbard/modelmux/internal/circuitbreaker"
	"github.com/jordanhubbard/modelmux/internal/dispatch"
	"github.com/jordanhubbard/modelmux/internal/engine"
	"github.com/jordanhubbard/modelmux/internal/fanout"
	"github.com/jordanhubbard/modelmux/internal/health"
	"github.com/jordanhubbard/modelmux/internal/httpapi"
	"github.com/jordanhubbard/modelmux/internal/idempotency"
	"github.com/jordanhubbard/modelmux/internal/logging"
	"github.com/jordanhubbard/modelmux/internal/metrics"
	"github.com/jordanhubbard/modelmux/internal/provider"
	"github.com/jordanhubbard/modelmux/internal/rank"
	"github.com/jordanhubbard/modelmux/internal/ratelimit"
	"github.com/jordanhubbard/modelmux/internal/tracing"
)

// Version is stamped by the binary before NewServer and lands on the
// tracing resource.
var Version = "dev"

type Server struct {
	cfg Config

	r *chi.Mux

	catalog *catalog.Catalog
	engine  *engine.Engine
	prober  *health.Prober
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	tracingShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:        cfg.OTelEnabled,
		Endpoint:       cfg.OTelEndpoint,
		ServiceName:    "modelmux",
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	cat := catalog.New()
	if cfg.CatalogFile != "" {
		if err := cat.LoadFile(cfg.CatalogFile); err != nil {
			return nil, err
		}
		logger.Info("catalog loaded",
			slog.String("file", cfg.CatalogFile),
			slog.Int("providers", cat.Len()),
		)
	}

	// Latency priors from the catalog seed the tracker until real
	// samples exist.
	tracker := health.NewTracker(
		health.Config{
			WindowSize:   cfg.HealthWindowSize,
			UnhealthyRun: cfg.HealthUnhealthyRun,
		},
		health.WithPrior(func(k health.Key) float64 {
			p, err := cat.Get(k.Provider)
			if err != nil {
				return 0
			}
			return p.P50LatencyMs
		}),
		health.WithOnHealthChange(func(k health.Key, healthy bool) {
			logger.Warn("endpoint health changed",
				slog.String("provider", k.Provider),
				slog.String("endpoint", k.Endpoint),
				slog.Bool("healthy", healthy),
			)
		}),
	)

	m := metrics.New()

	breakers := circuitbreaker.NewSet(
		circuitbreaker.WithFailureThreshold(cfg.CircuitFailureThreshold),
		circuitbreaker.WithSuccessThreshold(cfg.CircuitSuccessThreshold),
		circuitbreaker.WithCooldown(time.Duration(cfg.CircuitTimeoutMs)*time.Millisecond),
	)
	breakers.OnStateChange(func(dest string, from, to circuitbreaker.State) {
		logger.Warn("circuit state changed",
			slog.String("provider", dest),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		m.SetCircuitState(dest, to)
	})

	adapters := provider.NewRegistry()
	callTimeout := time.Duration(cfg.DefaultCallTimeoutMs) * time.Millisecond
	for _, p := range cat.List() {
		adapters.Register(provider.NewSSE(p.ID, provider.WithTimeout(callTimeout+10*time.Second)))
	}

	balancer := balance.New(tracker, time.Now().UnixNano())
	dispatcher := dispatch.New(dispatch.Config{
		MaxRetries:  cfg.MaxRetries,
		CallTimeout: callTimeout,
		Strategy:    balance.Strategy(cfg.DefaultStrategy),
	}, adapters, balancer, tracker, breakers, logger, dispatch.WithObserver(m))

	ranker := rank.New(tracker, breakers, rank.WithWeights(rank.Weights{
		Capability: cfg.WeightCapability,
		Cost:       cfg.WeightCost,
		Latency:    cfg.WeightLatency,
		Health:     cfg.WeightHealth,
		Quality:    cfg.WeightQuality,
	}))

	fan := fanout.New(dispatcher, logger)
	eng := engine.New(cat, ranker, dispatcher, fan, logger,
		engine.WithFanOutMode(fanout.Mode(cfg.FanOutDefaultMode), cfg.FanOutQuorum),
		engine.WithFusionObserver(m),
	)

	var prober *health.Prober
	if cfg.ProbeIntervalSecs > 0 {
		prober = health.NewProber(health.ProberConfig{
			Interval:     time.Duration(cfg.ProbeIntervalSecs) * time.Second,
			ProbeTimeout: time.Duration(cfg.ProbeTimeoutSecs) * time.Second,
		}, tracker, func() []health.ProbeTarget {
			var targets []health.ProbeTarget
			for _, p := range cat.List() {
				for _, ep := range p.Endpoints {
					targets = append(targets, health.ProbeTarget{
						Key: health.Key{Provider: p.ID, Endpoint: ep.ID},
						URL: ep.URL,
					})
				}
			}
			return targets
		}, logger)
		prober.Start()
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second)
	r.Use(limiter.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	var idem *idempotency.Cache
	if cfg.IdempotencyTTLSecs > 0 {
		idem = idempotency.New(time.Duration(cfg.IdempotencyTTLSecs)*time.Second, 10000)
	}

	s := &Server{
		cfg:             cfg,
		r:               r,
		catalog:         cat,
		engine:          eng,
		prober:          prober,
		limiter:         limiter,
		logger:          logger,
		tracingShutdown: tracingShutdown,
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Engine:      eng,
		Catalog:     cat,
		Adapters:    adapters,
		Metrics:     m,
		Logger:      logger,
		Idempotency: idem,
	})

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload applies the subset of configuration that is safe to change at
// runtime. Currently that is the log level; structural settings such as
// listen address or circuit thresholds require a restart.
func (s *Server) Reload(cfg Config) {
	if cfg.LogLevel != s.cfg.LogLevel {
		logging.SetLevel(cfg.LogLevel)
		s.logger.Info("log level changed",
			slog.String("from", s.cfg.LogLevel),
			slog.String("to", cfg.LogLevel),
		)
	}
	s.cfg = cfg
}

// Close stops background workers and flushes pending trace spans.
func (s *Server) Close() error {
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.tracingShutdown(ctx)
	}
	return nil
}
