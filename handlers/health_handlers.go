package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// Pinger is anything whose reachability can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandlers answers the tracker's setup check. ClickHouse is
// required; Redis only degrades the collector.
type HealthHandlers struct {
	DB    Pinger
	Redis *redis.Client
	log   zerolog.Logger
}

func NewHealthHandlers(db Pinger, rdb *redis.Client, log zerolog.Logger) *HealthHandlers {
	return &HealthHandlers{DB: db, Redis: rdb, log: log}
}

func (h *HealthHandlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := statusHealthy
	checks := gin.H{}

	if err := h.DB.Ping(ctx); err != nil {
		h.log.Error().Err(err).Msg("clickhouse health check failed")
		checks["clickhouse"] = err.Error()
		status = statusUnhealthy
	} else {
		checks["clickhouse"] = "ok"
	}

	if h.Redis != nil {
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			h.log.Warn().Err(err).Msg("redis health check failed")
			checks["redis"] = err.Error()
			if status == statusHealthy {
				status = statusDegraded
			}
		} else {
			checks["redis"] = "ok"
		}
	}

	code := http.StatusOK
	if status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": checks, "timestamp": time.Now().UTC()})
}
