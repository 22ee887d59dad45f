package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"cncvn/api/models"
)

// PersistedEntry is the stored form of a QueuedEvent.
type PersistedEntry struct {
	ID            string          `json:"id"`
	Envelope      models.Envelope `json:"envelope"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	AttemptCount  int             `json:"attemptCount"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
}

// Persister stores whole queue snapshots; the last Save wins.
type Persister interface {
	Load(ctx context.Context) ([]PersistedEntry, error)
	Save(ctx context.Context, entries []PersistedEntry) error
}

// RedisPersister keeps the snapshot under one key. Each storefront instance
// needs its own key (see QueueKey); an instance restores only its own events.
type RedisPersister struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// QueueKey is the snapshot key for one storefront instance.
func QueueKey(instance string) string {
	if instance == "" {
		return defaultQueueKey
	}
	return defaultQueueKey + ":" + instance
}

const defaultQueueKey = "tracker:queue"

// NewRedisPersister stores the snapshot at key. ttl should be at least the
// queue's maximum age; zero keeps the key forever.
func NewRedisPersister(client *redis.Client, key string, ttl time.Duration) *RedisPersister {
	if key == "" {
		key = defaultQueueKey
	}
	return &RedisPersister{client: client, key: key, ttl: ttl}
}

func (p *RedisPersister) Load(ctx context.Context) ([]PersistedEntry, error) {
	raw, err := p.client.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", p.key, err)
	}

	var entries []PersistedEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode queue snapshot: %w", err)
	}
	return entries, nil
}

func (p *RedisPersister) Save(ctx context.Context, entries []PersistedEntry) error {
	if len(entries) == 0 {
		if err := p.client.Del(ctx, p.key).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", p.key, err)
		}
		return nil
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode queue snapshot: %w", err)
	}
	if err := p.client.Set(ctx, p.key, raw, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", p.key, err)
	}
	return nil
}

// queuedEventRow is one row of the local SQLite queue table.
type queuedEventRow struct {
	Position      int       `gorm:"primaryKey;autoIncrement:false"`
	EntryID       string    `gorm:"size:64;not null"`
	Type          string    `gorm:"size:16;not null"`
	Data          []byte    `gorm:"not null"`
	EnqueuedAt    time.Time `gorm:"not null"`
	AttemptCount  int       `gorm:"not null;default:0"`
	NextAttemptAt time.Time `gorm:"not null"`
}

func (queuedEventRow) TableName() string { return "tracker_queue" }

// SQLitePersister keeps the snapshot in a local SQLite file so a restarted
// storefront resumes delivery.
type SQLitePersister struct {
	db *gorm.DB
}

// OpenSQLitePersister opens (and migrates) the SQLite database at path.
func OpenSQLitePersister(path string) (*SQLitePersister, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewSQLitePersister(db)
}

func NewSQLitePersister(db *gorm.DB) (*SQLitePersister, error) {
	if err := db.AutoMigrate(&queuedEventRow{}); err != nil {
		return nil, fmt.Errorf("migrate tracker_queue: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) Load(ctx context.Context) ([]PersistedEntry, error) {
	var rows []queuedEventRow
	if err := p.db.WithContext(ctx).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load tracker_queue: %w", err)
	}

	entries := make([]PersistedEntry, len(rows))
	for i, r := range rows {
		entries[i] = PersistedEntry{
			ID:            r.EntryID,
			Envelope:      models.Envelope{Type: models.EventType(r.Type), Data: r.Data},
			EnqueuedAt:    r.EnqueuedAt,
			AttemptCount:  r.AttemptCount,
			NextAttemptAt: r.NextAttemptAt,
		}
	}
	return entries, nil
}

func (p *SQLitePersister) Save(ctx context.Context, entries []PersistedEntry) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&queuedEventRow{}).Error; err != nil {
			return fmt.Errorf("clear tracker_queue: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		rows := make([]queuedEventRow, len(entries))
		for i, e := range entries {
			rows[i] = queuedEventRow{
				Position:      i + 1,
				EntryID:       e.ID,
				Type:          string(e.Envelope.Type),
				Data:          e.Envelope.Data,
				EnqueuedAt:    e.EnqueuedAt,
				AttemptCount:  e.AttemptCount,
				NextAttemptAt: e.NextAttemptAt,
			}
		}
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("write tracker_queue: %w", err)
		}
		return nil
	})
}

// Close releases the underlying database handle.
func (p *SQLitePersister) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
