package tracker

import (
	"time"

	"github.com/google/uuid"

	"cncvn/api/models"
)

// BounceConfig holds the two thresholds; a session is a bounce only when
// it is within both.
type BounceConfig struct {
	MaxPages    int
	MaxDuration time.Duration
}

func DefaultBounceConfig() BounceConfig {
	return BounceConfig{MaxPages: 1, MaxDuration: 30 * time.Second}
}

type BounceTracker struct {
	cfg   BounceConfig
	clock Clock
	newID func() string
}

func NewBounceTracker(cfg BounceConfig, clock Clock) *BounceTracker {
	if clock == nil {
		clock = SystemClock()
	}
	return &BounceTracker{cfg: cfg, clock: clock, newID: uuid.NewString}
}

// RecordPageView counts one page view in the session.
func (b *BounceTracker) RecordPageView(s SessionIdentity) SessionIdentity {
	s.PageCount++
	return s
}

// FinalizeSession closes the session now.
func (b *BounceTracker) FinalizeSession(s SessionIdentity) *models.SessionUpdate {
	return b.FinalizeSessionAt(s, b.clock.Now())
}

// FinalizeSessionAt closes the session at end. Sessions detected as
// expired on a later visit end at their last activity.
func (b *BounceTracker) FinalizeSessionAt(s SessionIdentity, end time.Time) *models.SessionUpdate {
	seconds := int64(end.Sub(s.StartedAt) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	return &models.SessionUpdate{
		EventID:         b.newID(),
		SessionID:       s.SessionID,
		PageCount:       s.PageCount,
		DurationSeconds: seconds,
		IsBounce:        b.IsBounce(s.PageCount, seconds),
		Timestamp:       end,
	}
}

// IsBounce applies pageCount <= MaxPages AND duration <= MaxDuration.
func (b *BounceTracker) IsBounce(pageCount int, durationSeconds int64) bool {
	return pageCount <= b.cfg.MaxPages &&
		durationSeconds <= int64(b.cfg.MaxDuration/time.Second)
}
