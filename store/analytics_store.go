package store

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"cncvn/api/database"
	"cncvn/api/models"
	"cncvn/api/utils"
)

type AnalyticsStore struct {
	DB  *database.ClickHouseClient
	log zerolog.Logger
}

func NewAnalyticsStore(chClient *database.ClickHouseClient, log zerolog.Logger) *AnalyticsStore {
	return &AnalyticsStore{
		DB:  chClient,
		log: log,
	}
}

// InsertEvents splits events by variant and batch-inserts each group.
func (s *AnalyticsStore) InsertEvents(ctx context.Context, events []models.AnalyticsEvent) error {
	var (
		views    []*models.PageView
		sessions []*models.SessionUpdate
	)
	for _, event := range events {
		switch e := event.(type) {
		case *models.PageView:
			views = append(views, e)
		case *models.SessionUpdate:
			sessions = append(sessions, e)
		default:
			return fmt.Errorf("unsupported event type %T", event)
		}
	}

	if err := s.InsertPageViews(ctx, views); err != nil {
		return err
	}
	return s.InsertSessionUpdates(ctx, sessions)
}

func (s *AnalyticsStore) InsertPageViews(ctx context.Context, views []*models.PageView) error {
	if len(views) == 0 {
		return nil
	}

	batch, err := s.DB.Conn.PrepareBatch(ctx, `
		INSERT INTO page_views (
			event_id, session_id, visitor_id, page_url, page_path, page_title, referrer,
			user_agent, ip_address, region, city, device_type, browser, os, timestamp
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare page view batch: %w", err)
	}

	for _, v := range views {
		err := batch.Append(
			v.EventID,
			v.SessionID,
			v.VisitorID,
			v.PageURL,
			PagePath(v.PageURL),
			v.PageTitle,
			v.Referrer,
			v.UserAgent,
			v.IPAddress,
			v.Region,
			v.City,
			v.DeviceType,
			v.Browser,
			v.OS,
			v.Timestamp.UTC(),
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append page view %s: %w", v.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send page view batch: %w", err)
	}
	s.log.Debug().Int("rows", len(views)).Msg("inserted page views")
	return nil
}

func (s *AnalyticsStore) InsertSessionUpdates(ctx context.Context, updates []*models.SessionUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	batch, err := s.DB.Conn.PrepareBatch(ctx, `
		INSERT INTO session_updates (
			event_id, session_id, visitor_id, page_count, duration_seconds, is_bounce, timestamp
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare session batch: %w", err)
	}

	for _, u := range updates {
		err := batch.Append(
			u.EventID,
			u.SessionID,
			u.VisitorID,
			uint32(u.PageCount),
			uint64(u.DurationSeconds),
			u.IsBounce,
			u.Timestamp.UTC(),
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append session update %s: %w", u.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send session batch: %w", err)
	}
	s.log.Debug().Int("rows", len(updates)).Msg("inserted session updates")
	return nil
}

// PagePath strips scheme, host, query and fragment from a page URL.
func PagePath(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Path == "" {
		if err == nil && u.Host != "" {
			return "/"
		}
		return pageURL
	}
	return u.Path
}

func (s *AnalyticsStore) countOverTime(ctx context.Context, expr, table, interval string, start, end time.Time) ([]models.CountByTime, error) {
	if !utils.IsValidInterval(interval) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	query := fmt.Sprintf(`
		SELECT toStartOf%s(timestamp) AS time_bucket, %s AS total
		FROM %s FINAL
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY time_bucket
		ORDER BY time_bucket ASC
	`, interval, expr, table)

	rows, err := s.DB.Conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s over time: %w", table, err)
	}
	defer rows.Close()

	var results []models.CountByTime
	for rows.Next() {
		var bucket time.Time
		var count uint64
		if err := rows.Scan(&bucket, &count); err != nil {
			s.log.Warn().Err(err).Str("table", table).Msg("error scanning time bucket row")
			continue
		}
		results = append(results, models.CountByTime{Time: bucket, Count: count})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error during %s over time query: %w", table, err)
	}
	return results, nil
}

func (s *AnalyticsStore) GetPageViewsOverTime(ctx context.Context, interval string, start, end time.Time) ([]models.CountByTime, error) {
	return s.countOverTime(ctx, "count()", "page_views", interval, start, end)
}

func (s *AnalyticsStore) GetUniqueVisitorsOverTime(ctx context.Context, interval string, start, end time.Time) ([]models.CountByTime, error) {
	return s.countOverTime(ctx, "uniq(visitor_id)", "page_views", interval, start, end)
}

func (s *AnalyticsStore) GetTopPages(ctx context.Context, start, end time.Time, limit uint64) ([]models.TopPathResult, error) {
	if limit == 0 {
		limit = 10
	}

	query := `
		SELECT page_path, count() AS view_count
		FROM page_views FINAL
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY page_path
		ORDER BY view_count DESC
		LIMIT ?
	`
	rows, err := s.DB.Conn.Query(ctx, query, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top pages: %w", err)
	}
	defer rows.Close()

	var results []models.TopPathResult
	for rows.Next() {
		var r models.TopPathResult
		if err := rows.Scan(&r.PagePath, &r.Count); err != nil {
			s.log.Warn().Err(err).Msg("error scanning top pages row")
			continue
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows for top pages: %w", err)
	}
	return results, nil
}

func (s *AnalyticsStore) GetBounceRate(ctx context.Context, start, end time.Time) (models.BounceRate, error) {
	// A session can report several cumulative snapshots; the latest one
	// describes it.
	query := `
		SELECT count() AS sessions, countIf(bounce) AS bounces, avg(seconds) AS avg_seconds
		FROM (
			SELECT
				session_id,
				argMax(is_bounce, (timestamp, page_count)) AS bounce,
				argMax(duration_seconds, (timestamp, page_count)) AS seconds
			FROM session_updates FINAL
			WHERE timestamp >= ? AND timestamp <= ?
			GROUP BY session_id
		)
	`

	var out models.BounceRate
	if err := s.DB.Conn.QueryRow(ctx, query, start, end).Scan(&out.Sessions, &out.Bounces, &out.AvgSeconds); err != nil {
		return models.BounceRate{}, fmt.Errorf("failed to query bounce rate: %w", err)
	}

	// avg() over no rows is NaN, which JSON cannot carry.
	if math.IsNaN(out.AvgSeconds) {
		out.AvgSeconds = 0
	}
	if out.Sessions > 0 {
		out.Rate = float64(out.Bounces) / float64(out.Sessions)
	}
	return out, nil
}

func (s *AnalyticsStore) GetDeviceBreakdown(ctx context.Context, start, end time.Time) ([]models.DeviceBreakdown, error) {
	query := `
		SELECT if(device_type = '', 'unknown', device_type) AS device, count() AS views
		FROM page_views FINAL
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY device
		ORDER BY views DESC
	`
	rows, err := s.DB.Conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query device breakdown: %w", err)
	}
	defer rows.Close()

	var results []models.DeviceBreakdown
	for rows.Next() {
		var r models.DeviceBreakdown
		if err := rows.Scan(&r.DeviceType, &r.Count); err != nil {
			s.log.Warn().Err(err).Msg("error scanning device row")
			continue
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows for devices: %w", err)
	}
	return results, nil
}

// Ping checks the ClickHouse connection.
func (s *AnalyticsStore) Ping(ctx context.Context) error {
	return s.DB.Ping(ctx)
}
