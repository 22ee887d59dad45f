package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cncvn/api/models"
	"cncvn/api/tracker"
)

// MaxBatchSize bounds the envelopes accepted by CollectBatch.
const MaxBatchSize = 500

// EventWriter stores accepted analytics events.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []models.AnalyticsEvent) error
}

// Deduper remembers event ids already accepted.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type CollectHandlers struct {
	Store   EventWriter
	Dedupe  Deduper
	Metrics *CollectMetrics
	log     zerolog.Logger
}

func NewCollectHandlers(store EventWriter, dedupe Deduper, log zerolog.Logger) *CollectHandlers {
	return &CollectHandlers{Store: store, Dedupe: dedupe, log: log}
}

// Collect accepts one {"type", "data"} envelope.
func (h *CollectHandlers) Collect(c *gin.Context) {
	var env models.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	event, err := env.Decode()
	if err != nil {
		h.Metrics.reject()
		c.JSON(http.StatusBadRequest, validationBody(err))
		return
	}
	h.enrich(c, event)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	if h.seen(ctx, event.ID()) {
		h.Metrics.duplicate()
		c.JSON(http.StatusOK, gin.H{"status": "duplicate", "eventId": event.ID()})
		return
	}

	if err := h.Store.InsertEvents(ctx, []models.AnalyticsEvent{event}); err != nil {
		h.forget(ctx, event.ID())
		h.log.Error().Err(err).Str("type", string(event.Kind())).Msg("failed to record analytics event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record analytics event"})
		return
	}

	h.Metrics.stored(string(event.Kind()))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "eventId": event.ID()})
}

// CollectBatch accepts up to MaxBatchSize envelopes. Malformed envelopes
// are reported by index without failing the rest.
func (h *CollectHandlers) CollectBatch(c *gin.Context) {
	var envs []models.Envelope
	if err := c.ShouldBindJSON(&envs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(envs) > MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Too many events in batch", "max": MaxBatchSize})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	var (
		accepted   []models.AnalyticsEvent
		rejected   = []gin.H{}
		duplicates int
	)
	for i, env := range envs {
		event, err := env.Decode()
		if err != nil {
			h.Metrics.reject()
			body := validationBody(err)
			body["index"] = i
			rejected = append(rejected, body)
			continue
		}
		h.enrich(c, event)
		if h.seen(ctx, event.ID()) {
			h.Metrics.duplicate()
			duplicates++
			continue
		}
		accepted = append(accepted, event)
	}

	if len(accepted) > 0 {
		if err := h.Store.InsertEvents(ctx, accepted); err != nil {
			for _, e := range accepted {
				h.forget(ctx, e.ID())
			}
			h.log.Error().Err(err).Int("events", len(accepted)).Msg("failed to record analytics batch")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record analytics events"})
			return
		}
		for _, e := range accepted {
			h.Metrics.stored(string(e.Kind()))
		}
	}

	status := http.StatusAccepted
	if len(accepted) == 0 && duplicates == 0 && len(rejected) > 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"accepted":   len(accepted),
		"duplicates": duplicates,
		"rejected":   rejected,
	})
}

// enrich fills what the browser could not know about itself.
func (h *CollectHandlers) enrich(c *gin.Context, event models.AnalyticsEvent) {
	pv, ok := event.(*models.PageView)
	if !ok {
		return
	}
	if pv.IPAddress == "" {
		pv.IPAddress = c.ClientIP()
	}
	if pv.UserAgent == "" {
		pv.UserAgent = c.Request.UserAgent()
	}
	if pv.DeviceType == "" && pv.UserAgent != "" {
		d := tracker.ParseDevice(pv.UserAgent)
		pv.DeviceType, pv.Browser, pv.OS = d.Type, d.Browser, d.OS
	}
}

// seen treats a dedupe failure as first sighting; ClickHouse merges any
// resulting duplicate row.
func (h *CollectHandlers) seen(ctx context.Context, id string) bool {
	if h.Dedupe == nil {
		return false
	}
	dup, err := h.Dedupe.Seen(ctx, id)
	if err != nil {
		h.log.Warn().Err(err).Msg("event dedupe unavailable")
		return false
	}
	return dup
}

func (h *CollectHandlers) forget(ctx context.Context, id string) {
	if h.Dedupe == nil {
		return
	}
	if err := h.Dedupe.Forget(ctx, id); err != nil {
		h.log.Warn().Err(err).Str("event_id", id).Msg("could not forget event id")
	}
}

func validationBody(err error) gin.H {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return gin.H{"error": verr.Message, "field": verr.Field}
	}
	return gin.H{"error": err.Error()}
}
