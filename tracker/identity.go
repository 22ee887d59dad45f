package tracker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Cookie names. The session id and the session state record expire
// independently so that an expired session can still be finalized on the
// visitor's next request.
const (
	VisitorKey      = "cnc_vid"
	SessionKey      = "cnc_sid"
	SessionStateKey = "cnc_sst"
)

// VisitorIdentity is the long-lived pseudonymous id of a browser.
type VisitorIdentity struct {
	VisitorID string
}

// SessionIdentity is one continuous browsing episode.
type SessionIdentity struct {
	SessionID    string    `json:"id"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
	PageCount    int       `json:"pageCount"`
}

type IdentityConfig struct {
	VisitorDuration time.Duration
	SessionDuration time.Duration
	// SessionStateTTL bounds how long after the last activity an expired
	// session can still be finalized.
	SessionStateTTL time.Duration
}

func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		VisitorDuration: 365 * 24 * time.Hour,
		SessionDuration: 30 * time.Minute,
		SessionStateTTL: 24 * time.Hour,
	}
}

// IdentityManager issues and reads visitor and session identities. It makes
// no network calls.
type IdentityManager struct {
	cfg   IdentityConfig
	clock Clock
	log   zerolog.Logger
	newID func() string
}

func NewIdentityManager(cfg IdentityConfig, clock Clock, log zerolog.Logger) *IdentityManager {
	def := DefaultIdentityConfig()
	if cfg.VisitorDuration <= 0 {
		cfg.VisitorDuration = def.VisitorDuration
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = def.SessionDuration
	}
	if cfg.SessionStateTTL < cfg.SessionDuration {
		cfg.SessionStateTTL = max(def.SessionStateTTL, cfg.SessionDuration)
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &IdentityManager{cfg: cfg, clock: clock, log: log, newID: uuid.NewString}
}

// GetOrCreateVisitorID never overwrites a still-valid id.
func (m *IdentityManager) GetOrCreateVisitorID(st Storage) string {
	if id, err := st.Get(VisitorKey); err == nil && id != "" {
		return id
	}

	id := m.newID()
	if err := st.Set(VisitorKey, id, m.cfg.VisitorDuration); err != nil {
		m.log.Warn().Err(err).Msg("could not persist visitor id")
	}
	return id
}

// GetOrCreateSession returns the live session, extending its expiry, or a
// new one. When a new session replaces one whose state record is still
// readable, that old session is returned as previous so it can be finalized.
func (m *IdentityManager) GetOrCreateSession(st Storage) (current SessionIdentity, previous *SessionIdentity) {
	now := m.clock.Now()
	state, live := m.Current(st)
	if live {
		state.LastActivity = now
		m.SaveSession(st, *state)
		return *state, nil
	}
	previous = state

	current = SessionIdentity{
		SessionID:    m.newID(),
		StartedAt:    now,
		LastActivity: now,
	}
	m.SaveSession(st, current)
	return current, previous
}

// SaveSession writes the session id with the sliding session expiry and the
// state record with its longer expiry.
func (m *IdentityManager) SaveSession(st Storage, s SessionIdentity) {
	if err := st.Set(SessionKey, s.SessionID, m.cfg.SessionDuration); err != nil {
		m.log.Warn().Err(err).Msg("could not persist session id")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		m.log.Error().Err(err).Msg("encode session state")
		return
	}
	if err := st.Set(SessionStateKey, string(raw), m.cfg.SessionStateTTL); err != nil {
		m.log.Warn().Err(err).Msg("could not persist session state")
	}
}

// Live reports whether s is still within the session window.
func (m *IdentityManager) Live(s SessionIdentity) bool {
	return m.clock.Now().Sub(s.LastActivity) <= m.cfg.SessionDuration
}

// Current returns the stored session without changing it, or nil. live is
// false once the session timed out or its id cookie no longer matches.
func (m *IdentityManager) Current(st Storage) (s *SessionIdentity, live bool) {
	state, ok := m.loadState(st)
	if !ok {
		return nil, false
	}
	sid, err := st.Get(SessionKey)
	return &state, err == nil && sid == state.SessionID && m.Live(state)
}

// EndSession removes the current session and returns it, if any.
func (m *IdentityManager) EndSession(st Storage) *SessionIdentity {
	state, ok := m.loadState(st)
	_ = st.Remove(SessionKey)
	_ = st.Remove(SessionStateKey)
	if !ok {
		return nil
	}
	return &state
}

// Clear forgets both visitor and session identity.
func (m *IdentityManager) Clear(st Storage) {
	for _, key := range []string{VisitorKey, SessionKey, SessionStateKey} {
		if err := st.Remove(key); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("could not clear identity")
		}
	}
}

func (m *IdentityManager) loadState(st Storage) (SessionIdentity, bool) {
	raw, err := st.Get(SessionStateKey)
	if err != nil || raw == "" {
		return SessionIdentity{}, false
	}
	var s SessionIdentity
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.SessionID == "" {
		m.log.Debug().Err(err).Msg("discarding unreadable session state")
		return SessionIdentity{}, false
	}
	return s, true
}
