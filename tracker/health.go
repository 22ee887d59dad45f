package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Mode is the tracking mode decided by the setup health check.
type Mode int32

const (
	// ModeUnverified is the mode before the first check; nothing is sent.
	ModeUnverified Mode = iota
	ModeReady
	// ModeDegraded keeps collecting locally but never sends.
	ModeDegraded
)

func (m Mode) String() string {
	switch m {
	case ModeReady:
		return "ready"
	case ModeDegraded:
		return "degraded"
	default:
		return "unverified"
	}
}

// State is the shared tracking mode. Each tracker owns its own instance.
type State struct {
	mode atomic.Int32
}

func NewState() *State { return &State{} }

func (s *State) Mode() Mode { return Mode(s.mode.Load()) }

func (s *State) SetMode(m Mode) { s.mode.Store(int32(m)) }

func (s *State) Ready() bool { return s.Mode() == ModeReady }

func (s *State) Degraded() bool { return s.Mode() == ModeDegraded }

// HealthChecker performs the one-off reachability check of the collector.
type HealthChecker struct {
	url    string
	client *http.Client
	state  *State
	log    zerolog.Logger
}

// NewHealthChecker checks <collectorURL>/health.
func NewHealthChecker(collectorURL string, timeout time.Duration, state *State, log zerolog.Logger) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		url:    strings.TrimRight(collectorURL, "/") + "/health",
		client: &http.Client{Timeout: timeout},
		state:  state,
		log:    log,
	}
}

// Verify sets and returns the tracking mode.
func (h *HealthChecker) Verify(ctx context.Context) Mode {
	if err := h.check(ctx); err != nil {
		h.state.SetMode(ModeDegraded)
		h.log.Warn().Err(err).Str("url", h.url).Msg("analytics collector unreachable, tracking runs in degraded local-only mode")
		return ModeDegraded
	}
	h.state.SetMode(ModeReady)
	h.log.Info().Str("url", h.url).Msg("analytics collector reachable")
	return ModeReady
}

func (h *HealthChecker) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCollectorUnreachable, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCollectorUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrCollectorUnreachable, resp.StatusCode)
	}
	return nil
}
