package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cncvn/api/models"
)

func TestHTTPSender_Send(t *testing.T) {
	t.Run("posts the envelope", func(t *testing.T) {
		var got models.Envelope
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/analytics/collect", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		clock := NewManualClock(testStart)
		pv := newPageView(clock, "https://cncvn.vn/")
		err := NewHTTPSender(srv.URL+"/api/", time.Second).Send(context.Background(), pv)
		require.NoError(t, err)

		assert.Equal(t, models.EventTypePageView, got.Type)
		decoded, err := got.Decode()
		require.NoError(t, err)
		assert.Equal(t, pv.EventID, decoded.ID())
	})

	t.Run("non-2xx is a failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		err := NewHTTPSender(srv.URL, time.Second).Send(context.Background(), newPageView(SystemClock(), "https://cncvn.vn/"))
		assert.ErrorIs(t, err, ErrSendFailed)
	})

	t.Run("transport error is a failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		err := NewHTTPSender(url, time.Second).Send(context.Background(), newPageView(SystemClock(), "https://cncvn.vn/"))
		assert.ErrorIs(t, err, ErrSendFailed)
	})

	t.Run("timeout is a failure", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		err := NewHTTPSender(srv.URL, 50*time.Millisecond).Send(context.Background(), newPageView(SystemClock(), "https://cncvn.vn/"))
		assert.ErrorIs(t, err, ErrSendFailed)
	})
}

// scriptedSender returns its results in order, then nil.
type scriptedSender struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *scriptedSender) Send(ctx context.Context, event models.AnalyticsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

func (s *scriptedSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func readyState() *State {
	s := NewState()
	s.SetMode(ModeReady)
	return s
}

func TestEngine_RunOnce(t *testing.T) {
	t.Run("fails twice then delivers", func(t *testing.T) {
		clock := NewManualClock(testStart)
		q := newTestQueue(clock, QueueDeps{})
		sender := &scriptedSender{results: []error{ErrSendFailed, ErrSendFailed}}
		engine := NewEngine(q, sender, readyState(), time.Second, zerolog.Nop())
		id, _ := q.Enqueue(newPageView(clock, "https://cncvn.vn/"))

		stats := engine.RunOnce(context.Background())
		assert.Equal(t, RunStats{Failed: 1}, stats)

		// Not due yet.
		stats = engine.RunOnce(context.Background())
		assert.Equal(t, RunStats{}, stats)
		assert.Equal(t, 1, sender.Calls())

		clock.Advance(5 * time.Second)
		stats = engine.RunOnce(context.Background())
		assert.Equal(t, RunStats{Failed: 1}, stats)
		entry, ok := q.Get(id)
		require.True(t, ok)
		assert.Equal(t, 2, entry.AttemptCount)

		clock.Advance(5 * time.Second)
		stats = engine.RunOnce(context.Background())
		assert.Equal(t, RunStats{Delivered: 1}, stats)
		assert.Equal(t, 3, sender.Calls())
		assert.Equal(t, 0, q.Len())
	})

	t.Run("drops after three failures", func(t *testing.T) {
		clock := NewManualClock(testStart)
		q := newTestQueue(clock, QueueDeps{})
		sender := &scriptedSender{results: []error{ErrSendFailed, ErrSendFailed, ErrSendFailed}}
		engine := NewEngine(q, sender, readyState(), time.Second, zerolog.Nop())
		_, _ = q.Enqueue(newPageView(clock, "https://cncvn.vn/"))

		var total RunStats
		for i := 0; i < 3; i++ {
			stats := engine.RunOnce(context.Background())
			total.Failed += stats.Failed
			total.Dropped += stats.Dropped
			clock.Advance(5 * time.Second)
		}
		assert.Equal(t, 3, total.Failed)
		assert.Equal(t, 1, total.Dropped)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("delivers in fifo order", func(t *testing.T) {
		clock := NewManualClock(testStart)
		q := newTestQueue(clock, QueueDeps{})
		var order []string
		sender := senderFunc(func(ctx context.Context, e models.AnalyticsEvent) error {
			order = append(order, e.(*models.PageView).PageURL)
			return nil
		})
		engine := NewEngine(q, sender, readyState(), time.Second, zerolog.Nop())
		for _, u := range []string{"/a", "/b", "/c"} {
			_, _ = q.Enqueue(newPageView(clock, u))
		}

		assert.Equal(t, 3, engine.RunOnce(context.Background()).Delivered)
		assert.Equal(t, []string{"/a", "/b", "/c"}, order)
	})

	t.Run("degraded mode never sends", func(t *testing.T) {
		clock := NewManualClock(testStart)
		q := newTestQueue(clock, QueueDeps{})
		sender := &scriptedSender{}
		state := NewState()
		state.SetMode(ModeDegraded)
		engine := NewEngine(q, sender, state, time.Second, zerolog.Nop())
		_, _ = q.Enqueue(newPageView(clock, "https://cncvn.vn/"))

		stats := engine.RunOnce(context.Background())
		assert.True(t, stats.Skipped)
		assert.Equal(t, 0, sender.Calls())
		assert.Equal(t, 1, q.Len())

		clock.Advance(24*time.Hour + time.Second)
		engine.RunOnce(context.Background())
		assert.Equal(t, 0, q.Len())
		assert.Equal(t, 0, sender.Calls())
	})

	t.Run("unverified state never sends", func(t *testing.T) {
		clock := NewManualClock(testStart)
		q := newTestQueue(clock, QueueDeps{})
		sender := &scriptedSender{}
		engine := NewEngine(q, sender, NewState(), time.Second, zerolog.Nop())
		_, _ = q.Enqueue(newPageView(clock, "https://cncvn.vn/"))

		assert.True(t, engine.RunOnce(context.Background()).Skipped)
		assert.Equal(t, 0, sender.Calls())
	})

	t.Run("panicking sender counts as a failure", func(t *testing.T) {
		clock := NewManualClock(testStart)
		q := newTestQueue(clock, QueueDeps{})
		sender := senderFunc(func(context.Context, models.AnalyticsEvent) error { panic("boom") })
		engine := NewEngine(q, sender, readyState(), time.Second, zerolog.Nop())
		id, _ := q.Enqueue(newPageView(clock, "https://cncvn.vn/"))

		assert.Equal(t, 1, engine.RunOnce(context.Background()).Failed)
		entry, ok := q.Get(id)
		require.True(t, ok)
		assert.Equal(t, 1, entry.AttemptCount)
	})
}

type senderFunc func(ctx context.Context, event models.AnalyticsEvent) error

func (f senderFunc) Send(ctx context.Context, event models.AnalyticsEvent) error {
	return f(ctx, event)
}

func TestEngine_StartStop(t *testing.T) {
	t.Run("notify drains without waiting for the tick", func(t *testing.T) {
		q := newTestQueue(SystemClock(), QueueDeps{})
		delivered := make(chan string, 1)
		sender := senderFunc(func(ctx context.Context, e models.AnalyticsEvent) error {
			delivered <- e.ID()
			return nil
		})
		engine := NewEngine(q, sender, readyState(), time.Hour, zerolog.Nop())
		handle := engine.Start(context.Background())
		defer handle.Stop()

		pv := newPageView(SystemClock(), "https://cncvn.vn/")
		_, err := q.Enqueue(pv)
		require.NoError(t, err)
		engine.Notify()

		select {
		case id := <-delivered:
			assert.Equal(t, pv.EventID, id)
		case <-time.After(2 * time.Second):
			t.Fatal("event was not delivered")
		}
	})

	t.Run("stop abandons the send in flight", func(t *testing.T) {
		q := newTestQueue(SystemClock(), QueueDeps{})
		started := make(chan struct{})
		sender := senderFunc(func(ctx context.Context, e models.AnalyticsEvent) error {
			close(started)
			<-ctx.Done()
			return errors.Join(ErrSendFailed, ctx.Err())
		})
		engine := NewEngine(q, sender, readyState(), time.Hour, zerolog.Nop())
		id, _ := q.Enqueue(newPageView(SystemClock(), "https://cncvn.vn/"))

		handle := engine.Start(context.Background())
		engine.Notify()
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("send did not start")
		}

		handle.Stop()
		handle.Stop()
		select {
		case <-handle.Done():
		default:
			t.Fatal("loop still running after Stop")
		}

		entry, ok := q.Get(id)
		require.True(t, ok)
		assert.Equal(t, StatePending, entry.State)
		assert.Equal(t, 0, entry.AttemptCount)
	})

	t.Run("parent context ends the loop", func(t *testing.T) {
		q := newTestQueue(SystemClock(), QueueDeps{})
		engine := NewEngine(q, &scriptedSender{}, readyState(), time.Hour, zerolog.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		handle := engine.Start(ctx)
		cancel()

		select {
		case <-handle.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not exit")
		}
	})
}

// blockingStore holds every Save until release is closed.
type blockingStore struct {
	saving  chan struct{}
	release chan struct{}

	mu   sync.Mutex
	last []PersistedEntry
}

func newBlockingStore() *blockingStore {
	return &blockingStore{saving: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *blockingStore) Save(_ context.Context, entries []PersistedEntry) error {
	select {
	case s.saving <- struct{}{}:
	default:
	}
	<-s.release
	s.mu.Lock()
	s.last = entries
	s.mu.Unlock()
	return nil
}

func (s *blockingStore) Load(context.Context) ([]PersistedEntry, error) { return nil, nil }

func (s *blockingStore) snapshot() []PersistedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func TestEngine_BackgroundPersistence(t *testing.T) {
	store := newBlockingStore()
	f := newStoredEmitterFixture(t, store)
	engine := NewEngine(f.queue, &scriptedSender{}, NewState(), time.Hour, zerolog.Nop())
	handle := engine.Start(context.Background())
	router := newEmitterRouter(f, NewCookieCodec("test-secret", f.clock))

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	select {
	case <-store.saving:
	case <-time.After(2 * time.Second):
		t.Fatal("queue snapshot was not written")
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		for _, path := range []string{"/san-pham", "/blog"} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, carryCookies(first, httptest.NewRequest(http.MethodGet, path, nil)))
		}
	}()
	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("page requests waited on the queue store")
	}
	assert.Equal(t, 3, f.queue.Len())

	close(store.release)
	handle.Stop()
	assert.Len(t, store.snapshot(), 3)
}
