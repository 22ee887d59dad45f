package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cncvn/api/models"
	"cncvn/api/utils"
)

// StatsReader answers dashboard queries.
type StatsReader interface {
	GetPageViewsOverTime(ctx context.Context, interval string, start, end time.Time) ([]models.CountByTime, error)
	GetUniqueVisitorsOverTime(ctx context.Context, interval string, start, end time.Time) ([]models.CountByTime, error)
	GetTopPages(ctx context.Context, start, end time.Time, limit uint64) ([]models.TopPathResult, error)
	GetBounceRate(ctx context.Context, start, end time.Time) (models.BounceRate, error)
	GetDeviceBreakdown(ctx context.Context, start, end time.Time) ([]models.DeviceBreakdown, error)
}

type StatsHandlers struct {
	Stats StatsReader
	log   zerolog.Logger
	now   func() time.Time
}

func NewStatsHandlers(stats StatsReader, log zerolog.Logger) *StatsHandlers {
	return &StatsHandlers{Stats: stats, log: log, now: time.Now}
}

// parseTimeRange reads start and end as RFC3339, defaulting to the last
// seven days. It writes the 400 itself and reports false on bad input.
func (h *StatsHandlers) parseTimeRange(c *gin.Context) (time.Time, time.Time, bool) {
	end := h.now().UTC()
	if endParam := c.Query("end"); endParam != "" {
		parsed, err := time.Parse(time.RFC3339, endParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'end' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)"})
			return time.Time{}, time.Time{}, false
		}
		end = parsed
	}

	start := end.AddDate(0, 0, -7)
	if startParam := c.Query("start"); startParam != "" {
		parsed, err := time.Parse(time.RFC3339, startParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'start' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)"})
			return time.Time{}, time.Time{}, false
		}
		start = parsed
	}

	if start.After(end) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'start' must not be after 'end'"})
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (h *StatsHandlers) parseInterval(c *gin.Context) (string, bool) {
	interval := c.Query("interval")
	if interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval query parameter is required (e.g., 'Day', 'Hour')"})
		return "", false
	}
	canonical, ok := utils.NormalizeInterval(interval)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid interval. Use one of Minute, Hour, Day, Week, Month, Quarter, Year"})
		return "", false
	}
	return canonical, true
}

type seriesFunc func(ctx context.Context, interval string, start, end time.Time) ([]models.CountByTime, error)

func (h *StatsHandlers) series(c *gin.Context, name string, fetch seriesFunc) {
	interval, ok := h.parseInterval(c)
	if !ok {
		return
	}
	start, end, ok := h.parseTimeRange(c)
	if !ok {
		return
	}

	results, err := fetch(c.Request.Context(), interval, start, end)
	if err != nil {
		h.log.Error().Err(err).Str("stat", name).Msg("failed to query stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve " + name})
		return
	}
	if results == nil {
		results = []models.CountByTime{}
	}

	c.JSON(http.StatusOK, gin.H{
		"interval":  interval,
		"startDate": start.Format(time.RFC3339),
		"endDate":   end.Format(time.RFC3339),
		"data":      results,
	})
}

func (h *StatsHandlers) GetPageViewsOverTime(c *gin.Context) {
	h.series(c, "page views", h.Stats.GetPageViewsOverTime)
}

func (h *StatsHandlers) GetUniqueVisitorsOverTime(c *gin.Context) {
	h.series(c, "unique visitors", h.Stats.GetUniqueVisitorsOverTime)
}

func (h *StatsHandlers) GetTopPages(c *gin.Context) {
	start, end, ok := h.parseTimeRange(c)
	if !ok {
		return
	}

	var limit uint64 = 10
	if limitParam := c.Query("limit"); limitParam != "" {
		parsed, err := strconv.ParseUint(limitParam, 10, 64)
		if err != nil || parsed == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'limit' parameter. Must be a positive integer."})
			return
		}
		limit = parsed
	}

	results, err := h.Stats.GetTopPages(c.Request.Context(), start, end, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to query top pages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve top pages"})
		return
	}
	if results == nil {
		results = []models.TopPathResult{}
	}

	c.JSON(http.StatusOK, gin.H{
		"startDate": start.Format(time.RFC3339),
		"endDate":   end.Format(time.RFC3339),
		"limit":     limit,
		"data":      results,
	})
}

func (h *StatsHandlers) GetBounceRate(c *gin.Context) {
	start, end, ok := h.parseTimeRange(c)
	if !ok {
		return
	}

	rate, err := h.Stats.GetBounceRate(c.Request.Context(), start, end)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to query bounce rate")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve bounce rate"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"startDate": start.Format(time.RFC3339),
		"endDate":   end.Format(time.RFC3339),
		"data":      rate,
	})
}

func (h *StatsHandlers) GetDeviceBreakdown(c *gin.Context) {
	start, end, ok := h.parseTimeRange(c)
	if !ok {
		return
	}

	results, err := h.Stats.GetDeviceBreakdown(c.Request.Context(), start, end)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to query device breakdown")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve device breakdown"})
		return
	}
	if results == nil {
		results = []models.DeviceBreakdown{}
	}

	c.JSON(http.StatusOK, gin.H{
		"startDate": start.Format(time.RFC3339),
		"endDate":   end.Format(time.RFC3339),
		"data":      results,
	})
}
