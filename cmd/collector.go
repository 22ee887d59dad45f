package cmd

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cncvn/api/config"
	"cncvn/api/database"
	"cncvn/api/handlers"
	"cncvn/api/middleware"
	"cncvn/api/models"
	"cncvn/api/store"
	"cncvn/api/utils"
)

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Run the analytics collector API",
	Long: `collector accepts page-view and session events from storefronts, stores them
in ClickHouse and serves the admin stats API backed by Postgres accounts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.Server.Release {
			gin.SetMode(gin.ReleaseMode)
		}

		tokens, err := utils.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
		if err != nil {
			return err
		}

		pg, err := database.NewPostgresDB(ctx, cfg.Postgres, log)
		if err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL database: %w", err)
		}
		defer pg.Close()

		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, log)
		if err != nil {
			return fmt.Errorf("failed to initialize ClickHouse database: %w", err)
		}
		defer ch.Close()

		rdb, err := database.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		if rdb != nil {
			defer rdb.Close()
		} else {
			log.Warn().Msg("redis not configured, event dedupe disabled")
		}

		analytics := store.NewAnalyticsStore(ch, log)
		router := newCollectorRouter(cfg, collectorDeps{
			Events: analytics,
			Stats:  analytics,
			DB:     analytics,
			Users:  store.NewUserStore(pg.DB),
			Redis:  rdb,
			Tokens: tokens,
		}, log)

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		return serve(ctx, srv, log)
	},
}

type collectorDeps struct {
	Events handlers.EventWriter
	Stats  handlers.StatsReader
	DB     handlers.Pinger
	Users  handlers.UserReader
	Redis  *redis.Client
	Tokens *utils.TokenIssuer
}

func newCollectorRouter(cfg *config.Config, deps collectorDeps, log zerolog.Logger) *gin.Engine {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var dedupe handlers.Deduper
	if deps.Redis != nil {
		dedupe = store.NewEventDeduper(deps.Redis, cfg.Redis.DedupTTL)
	}

	collect := handlers.NewCollectHandlers(deps.Events, dedupe, log)
	collect.Metrics = handlers.NewCollectMetrics(registry)
	health := handlers.NewHealthHandlers(deps.DB, deps.Redis, log)
	stats := handlers.NewStatsHandlers(deps.Stats, log)
	auth := handlers.NewAuthHandlers(deps.Users, deps.Tokens, cfg.Auth.SecureCookie, log)

	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.RequestLogger(log),
		middleware.NewHTTPMetrics(registry).Handler(),
		middleware.CORSMiddleware(cfg.CORS.AllowedOrigins),
	)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		api.GET("/health", health.Health)
		api.POST("/analytics/collect", collect.Collect)
		api.POST("/analytics/collect/batch", collect.CollectBatch)

		api.POST("/login", auth.Login)
		api.POST("/logout", auth.Logout)

		protected := api.Group("/")
		protected.Use(middleware.AuthRequired(deps.Tokens, cfg.Auth.LoginPath, log))
		{
			protected.GET("/profile", auth.Profile)
		}

		statsGroup := api.Group("/stats")
		statsGroup.Use(middleware.AuthRequired(deps.Tokens, cfg.Auth.LoginPath, log, models.RoleAdmin))
		{
			statsGroup.GET("/page-views", stats.GetPageViewsOverTime)
			statsGroup.GET("/unique-visitors", stats.GetUniqueVisitorsOverTime)
			statsGroup.GET("/top-pages", stats.GetTopPages)
			statsGroup.GET("/bounce-rate", stats.GetBounceRate)
			statsGroup.GET("/devices", stats.GetDeviceBreakdown)
		}
	}
	return r
}

func init() {
	RootCmd.AddCommand(collectorCmd)
}
