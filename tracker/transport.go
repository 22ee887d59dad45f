package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cncvn/api/models"
)

// Sender delivers one event to the collector.
type Sender interface {
	Send(ctx context.Context, event models.AnalyticsEvent) error
}

// HTTPSender posts {"type", "data"} envelopes to the collector.
type HTTPSender struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSender posts to <collectorURL>/analytics/collect.
func NewHTTPSender(collectorURL string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSender{
		endpoint: strings.TrimRight(collectorURL, "/") + "/analytics/collect",
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSender) Send(ctx context.Context, event models.AnalyticsEvent) error {
	env, err := models.Wrap(event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %v", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: collector returned %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// RunStats summarises one drain pass.
type RunStats struct {
	Delivered int
	Failed    int
	Dropped   int
	Skipped   bool
}

// Engine drains the queue to the collector.
type Engine struct {
	queue    *Queue
	sender   Sender
	state    *State
	interval time.Duration
	log      zerolog.Logger
	kick     chan struct{}
}

func NewEngine(queue *Queue, sender Sender, state *State, interval time.Duration, log zerolog.Logger) *Engine {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if state == nil {
		state = NewState()
	}
	return &Engine{
		queue:    queue,
		sender:   sender,
		state:    state,
		interval: interval,
		log:      log,
		kick:     make(chan struct{}, 1),
	}
}

// RunOnce attempts every due entry once, oldest first. Nothing is sent
// unless the collector was verified reachable; in that case entries only
// age out.
func (e *Engine) RunOnce(ctx context.Context) RunStats {
	var stats RunStats
	if !e.state.Ready() {
		e.queue.Prune()
		stats.Skipped = true
		return stats
	}

	for entry := range e.queue.Drain() {
		if ctx.Err() != nil {
			return stats
		}
		// The entry may have been delivered, dropped or expired since the
		// snapshot was taken.
		if !e.queue.Begin(entry.ID) {
			continue
		}

		err := e.send(ctx, entry.Event)
		switch {
		case err == nil:
			e.queue.MarkDelivered(entry.ID)
			stats.Delivered++
		case ctx.Err() != nil:
			// Teardown: abandon the attempt without counting it.
			e.queue.Release(entry.ID)
			return stats
		default:
			stats.Failed++
			if !e.queue.MarkFailed(entry.ID) {
				stats.Dropped++
			}
			e.log.Debug().Err(err).Str("entry", entry.ID).Int("attempt", entry.AttemptCount+1).Msg("analytics send failed")
		}
	}
	return stats
}

func (e *Engine) send(ctx context.Context, event models.AnalyticsEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrSendFailed, r)
			e.log.Error().Str("stack", string(debug.Stack())).Msgf("panic in analytics sender: %v", r)
		}
	}()
	return e.sender.Send(ctx, event)
}

// Notify asks a running engine to drain now instead of at the next tick.
func (e *Engine) Notify() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Handle controls a running drain loop and its persistence loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the loops and any send in flight, then waits for them to
// exit. The persistence loop writes one last snapshot before it returns.
// It is safe to call more than once.
func (h *Handle) Stop() {
	h.once.Do(func() {
		h.cancel()
		<-h.done
	})
}

// Done is closed when both loops have exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// flushTimeout bounds one snapshot write.
const flushTimeout = 2 * time.Second

// Start runs the drain loop, and the persistence loop when the queue has a
// store, until ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.drainLoop(ctx)
	}()
	if e.queue.Persistent() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.persistLoop(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(h.done)
	}()
	return h
}

func (e *Engine) drainLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("stack", string(debug.Stack())).Msgf("analytics drain loop panic: %v", r)
		}
	}()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
		stats := e.RunOnce(ctx)
		if stats.Delivered > 0 || stats.Failed > 0 {
			e.log.Debug().
				Int("delivered", stats.Delivered).
				Int("failed", stats.Failed).
				Int("dropped", stats.Dropped).
				Msg("analytics drain pass")
		}
	}
}

// persistLoop writes queue snapshots off the request path. Bursts of
// changes collapse into one write.
func (e *Engine) persistLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("stack", string(debug.Stack())).Msgf("analytics persistence loop panic: %v", r)
		}
	}()

	flush := func(parent context.Context) {
		fctx, cancel := context.WithTimeout(parent, flushTimeout)
		defer cancel()
		if err := e.queue.Flush(fctx); err != nil {
			e.log.Warn().Err(err).Msg("could not persist analytics queue")
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return
		case <-e.queue.Dirty():
			flush(ctx)
		}
	}
}
