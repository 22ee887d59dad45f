package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cncvn/api/config"
	"cncvn/api/models"
	"cncvn/api/store"
	"cncvn/api/utils"
)

type memoryEvents struct {
	mu     sync.Mutex
	events []models.AnalyticsEvent
}

func (m *memoryEvents) InsertEvents(_ context.Context, events []models.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memoryEvents) Ping(context.Context) error { return nil }

func (m *memoryEvents) GetPageViewsOverTime(context.Context, string, time.Time, time.Time) ([]models.CountByTime, error) {
	return nil, nil
}

func (m *memoryEvents) GetUniqueVisitorsOverTime(context.Context, string, time.Time, time.Time) ([]models.CountByTime, error) {
	return nil, nil
}

func (m *memoryEvents) GetTopPages(context.Context, time.Time, time.Time, uint64) ([]models.TopPathResult, error) {
	return []models.TopPathResult{{PagePath: "/san-pham", Count: 3}}, nil
}

func (m *memoryEvents) GetBounceRate(context.Context, time.Time, time.Time) (models.BounceRate, error) {
	return models.BounceRate{}, nil
}

func (m *memoryEvents) GetDeviceBreakdown(context.Context, time.Time, time.Time) ([]models.DeviceBreakdown, error) {
	return nil, nil
}

type noUsers struct{}

func (noUsers) GetUserByEmail(context.Context, string) (*models.User, error) {
	return nil, store.ErrUserNotFound
}

func (noUsers) GetUserByID(context.Context, int) (*models.User, error) {
	return nil, store.ErrUserNotFound
}

func newTestCollector(t *testing.T) (*gin.Engine, *memoryEvents, *utils.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tokens, err := utils.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{
		Redis: config.RedisConfig{Addr: mr.Addr(), DedupTTL: time.Hour},
		Auth:  config.AuthConfig{LoginPath: "/admin/login"},
		CORS:  config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
	}
	events := &memoryEvents{}
	r := newCollectorRouter(cfg, collectorDeps{
		Events: events,
		Stats:  events,
		DB:     events,
		Users:  noUsers{},
		Redis:  rdb,
		Tokens: tokens,
	}, zerolog.Nop())
	return r, events, tokens
}

func TestCollectorRouter_Collect(t *testing.T) {
	r, events, _ := newTestCollector(t)

	body := `{"type":"pageview","data":{"eventId":"e-1","sessionId":"s-1","visitorId":"v-1","pageUrl":"https://cncvn.vn/","timestamp":"2024-05-01T08:00:00Z"}}`
	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/analytics/collect", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusAccepted, send())
	assert.Equal(t, http.StatusOK, send(), "redelivery is reported as a duplicate")
	assert.Len(t, events.events, 1)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `cncvn_collector_events_received_total{type="pageview"} 1`)
	assert.Contains(t, rec.Body.String(), "cncvn_collector_events_duplicate_total 1")
}

func TestCollectorRouter_Health(t *testing.T) {
	r, _, _ := newTestCollector(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCollectorRouter_StatsRequireAdmin(t *testing.T) {
	r, _, tokens := newTestCollector(t)

	request := func(role string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/stats/top-pages", nil)
		if role != "" {
			token, err := tokens.GenerateJWT(&models.User{ID: 1, Email: "a@cncvn.vn", Role: role})
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, request(""))
	assert.Equal(t, http.StatusForbidden, request(models.RoleEditor))
	assert.Equal(t, http.StatusOK, request(models.RoleAdmin))
}

func TestCollectorRouter_Metrics(t *testing.T) {
	r, _, _ := newTestCollector(t)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cncvn_http_requests_total{method="GET",route="/api/health",status="200"} 1`)
}
