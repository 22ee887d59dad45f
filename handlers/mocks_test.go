package handlers

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"cncvn/api/models"
)

type mockEventWriter struct {
	mock.Mock
}

func (m *mockEventWriter) InsertEvents(ctx context.Context, events []models.AnalyticsEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

type mockDeduper struct {
	mock.Mock
}

func (m *mockDeduper) Seen(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockDeduper) Forget(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockStats struct {
	mock.Mock
}

func (m *mockStats) GetPageViewsOverTime(ctx context.Context, interval string, start, end time.Time) ([]models.CountByTime, error) {
	args := m.Called(ctx, interval, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CountByTime), args.Error(1)
}

func (m *mockStats) GetUniqueVisitorsOverTime(ctx context.Context, interval string, start, end time.Time) ([]models.CountByTime, error) {
	args := m.Called(ctx, interval, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CountByTime), args.Error(1)
}

func (m *mockStats) GetTopPages(ctx context.Context, start, end time.Time, limit uint64) ([]models.TopPathResult, error) {
	args := m.Called(ctx, start, end, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.TopPathResult), args.Error(1)
}

func (m *mockStats) GetBounceRate(ctx context.Context, start, end time.Time) (models.BounceRate, error) {
	args := m.Called(ctx, start, end)
	return args.Get(0).(models.BounceRate), args.Error(1)
}

func (m *mockStats) GetDeviceBreakdown(ctx context.Context, start, end time.Time) ([]models.DeviceBreakdown, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.DeviceBreakdown), args.Error(1)
}

type mockUsers struct {
	mock.Mock
}

func (m *mockUsers) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *mockUsers) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}
